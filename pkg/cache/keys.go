package cache

import "fmt"

// Redis key pattern helpers
//
// All keys are namespaced so several hubs can share one Redis server.
//
// Key pattern: panl:{namespace}:{entity}[:{uid}[:{date}]]
// where uid is panl.Path.UID() in decimal and date is YYYYMMDD in hub local time.

// SequenceKey returns the counter used to number unconfigured panels.
// Pattern: panl:{namespace}:sequence
func SequenceKey(ns string) string {
	return fmt.Sprintf("panl:%s:sequence", ns)
}

// PendingKey returns the set of panels waiting for the calendar.
// Pattern: panl:{namespace}:pending
func PendingKey(ns string) string {
	return fmt.Sprintf("panl:%s:pending", ns)
}

// NameKey returns the key holding a panel's room name.
// Pattern: panl:{namespace}:name:{uid}
func NameKey(ns string, uid uint64) string {
	return fmt.Sprintf("panl:%s:name:%d", ns, uid)
}

// AddressKey returns the key holding a panel's room address.
// Pattern: panl:{namespace}:address:{uid}
func AddressKey(ns string, uid uint64) string {
	return fmt.Sprintf("panl:%s:address:%d", ns, uid)
}

// AgentKey returns the set of panel uids seen behind an agent.
// Pattern: panl:{namespace}:agent:{agent}
func AgentKey(ns string, agent uint32) string {
	return fmt.Sprintf("panl:%s:agent:%d", ns, agent)
}

// RoomKey returns the set of panel uids showing a room.
// Pattern: panl:{namespace}:room:{address}
func RoomKey(ns, address string) string {
	return fmt.Sprintf("panl:%s:room:%s", ns, address)
}

// RoomsKey returns the set of room addresses that have had a panel online.
// Pattern: panl:{namespace}:rooms
func RoomsKey(ns string) string {
	return fmt.Sprintf("panl:%s:rooms", ns)
}

// UnconfiguredKey returns the hash {id, uuid} of an unlinked panel.
// Pattern: panl:{namespace}:unconfigured:{uid}
func UnconfiguredKey(ns string, uid uint64) string {
	return fmt.Sprintf("panl:%s:unconfigured:%d", ns, uid)
}

// UnconfiguredIDKey returns the hash {uid, uuid} for an unconfigured id.
// Pattern: panl:{namespace}:unconfigured_id:{id}
func UnconfiguredIDKey(ns string, id uint16) string {
	return fmt.Sprintf("%s%d", UnconfiguredIDPrefix(ns), id)
}

// UnconfiguredIDPrefix returns the part of UnconfiguredIDKey before the id.
func UnconfiguredIDPrefix(ns string) string {
	return fmt.Sprintf("panl:%s:unconfigured_id:", ns)
}

// DayKey returns the sentinel marking a day's timeline as fetched.
// Pattern: panl:{namespace}:day:{uid}:{date}
func DayKey(ns string, uid uint64, date string) string {
	return fmt.Sprintf("panl:%s:day:%d:%s", ns, uid, date)
}

// EntriesKey returns the hash start → end of a day's meetings.
// Pattern: panl:{namespace}:entries:{uid}:{date}
func EntriesKey(ns string, uid uint64, date string) string {
	return fmt.Sprintf("panl:%s:entries:%d:%s", ns, uid, date)
}

// InfoKey returns the hash start → meeting info JSON.
// Pattern: panl:{namespace}:info:{uid}:{date}
func InfoKey(ns string, uid uint64, date string) string {
	return fmt.Sprintf("panl:%s:info:%d:%s", ns, uid, date)
}

// MeetingIDKey returns the hash start → calendar meeting id.
// Pattern: panl:{namespace}:meetingid:{uid}:{date}
func MeetingIDKey(ns string, uid uint64, date string) string {
	return fmt.Sprintf("panl:%s:meetingid:%d:%s", ns, uid, date)
}

// AuthKey returns the short-lived record of a successful panel login.
// Pattern: panl:{namespace}:auth:{uid}
func AuthKey(ns string, uid uint64) string {
	return fmt.Sprintf("panl:%s:auth:%d", ns, uid)
}

// ChangeEventsChannel returns the Pub/Sub channel announcing admin changes.
// Pattern: panl:{namespace}:change_events
func ChangeEventsChannel(ns string) string {
	return fmt.Sprintf("panl:%s:change_events", ns)
}

// namespacePattern matches every key of a namespace.
func namespacePattern(ns string) string {
	return fmt.Sprintf("panl:%s:*", ns)
}
