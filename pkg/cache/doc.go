// Package cache stores the hub's per-panel state in Redis.
//
// # Overview
//
// Panels ask for their room's timeline far more often than the calendar
// changes, so the hub keeps a short-lived copy of each panel's meetings per
// day. A day is either fetched, marked by a sentinel key, or not: a fetched
// day with no meetings is different from a day never fetched, and callers
// refetch only in the latter case.
//
// Timeline entries, meeting info and meeting ids are written with the
// process-wide expiry set by SetExpiry, so a fetched day disappears as a
// whole and is fetched again on the next request. Room names and addresses
// of linked panels never expire; they are dropped when the panel's agent
// disconnects.
//
// # Redis Schema
//
// All keys follow the pattern panl:{namespace}:{entity}...
//
//	sequence                      counter for unconfigured ids
//	pending                       set of panel uids waiting for the calendar
//	name:{uid}, address:{uid}     room a panel shows
//	agent:{agent}                 set of panel uids behind an agent
//	room:{address}, rooms         panels per room, rooms ever online
//	unconfigured:{uid}            hash {id, uuid}
//	unconfigured_id:{id}          hash {uid, uuid}
//	day:{uid}:{date}              fetched sentinel
//	entries:{uid}:{date}          hash start → end
//	info:{uid}:{date}             hash start → meeting info JSON
//	meetingid:{uid}:{date}        hash start → calendar id
//	auth:{uid}                    email of the last login, 3s TTL
//
// Administrative changes are announced on panl:{namespace}:change_events.
//
// Multi-key updates run in MULTI/EXEC transactions; the package takes no
// application locks.
package cache
