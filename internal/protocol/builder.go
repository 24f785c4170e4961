package protocol

import (
	"encoding/binary"
	"time"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

// AddressHeaderSize is the length of the header prepended to every transmission.
const AddressHeaderSize = 4

// Features lists the panel operations that access rights apply to.
// Field order is bit order.
type Features struct {
	OnSpotBooking bool `json:"on_spot_booking"`
	ClaimMeeting  bool `json:"claim_meeting"`
	ExtendMeeting bool `json:"extend_meeting"`
	CancelMeeting bool `json:"cancel_meeting"`
	EndMeeting    bool `json:"end_meeting"`
}

// Bitmap packs the flags LSB first.
func (f Features) Bitmap() uint8 {
	return Bitmap(f.OnSpotBooking, f.ClaimMeeting, f.ExtendMeeting, f.CancelMeeting, f.EndMeeting)
}

// AccessRights is the SET_ACCESS_RIGHT payload.
type AccessRights struct {
	FeatureDisabled   Features `json:"feature_disabled"`
	AuthAllowPasscode Features `json:"auth_allow_passcode"`
	AuthAllowRFID     Features `json:"auth_allow_rfid"`
}

// Bitmap packs boolean flags one bit each, first flag in the least significant bit.
func Bitmap(flags ...bool) uint8 {
	var v uint8
	for i, on := range flags {
		if on && i < 8 {
			v |= 1 << uint(i)
		}
	}
	return v
}

// AddressHeader builds the SET_ADDRESS header announcing payloadLen bytes for dest.
func AddressHeader(dest uint8, payloadLen int) ([]byte, error) {
	if payloadLen < 0 || payloadLen > 0xFFFF {
		return nil, ErrPayloadTooLarge
	}
	buf := []byte{byte(SetAddress), dest, 0, 0}
	binary.LittleEndian.PutUint16(buf[2:], uint16(payloadLen))
	return buf, nil
}

func cmdU8(cmd Outgoing, v uint8) []byte {
	return []byte{byte(cmd), v}
}

func cmdBool(cmd Outgoing, v bool) []byte {
	if v {
		return cmdU8(cmd, 1)
	}
	return cmdU8(cmd, 0)
}

func cmdU16(cmd Outgoing, v uint16) []byte {
	buf := []byte{byte(cmd), 0, 0}
	binary.LittleEndian.PutUint16(buf[1:], v)
	return buf
}

func cmdText(cmd Outgoing, text string) ([]byte, error) {
	if len(text) > 0xFF {
		return nil, ErrTextTooLong
	}
	buf := make([]byte, 0, 2+len(text))
	buf = append(buf, byte(cmd), byte(len(text)))
	return append(buf, text...), nil
}

func appendTimePoint(buf []byte, tp panl.TimePoint) []byte {
	buf = append(buf, byte(tp.DayOffset))
	return binary.LittleEndian.AppendUint16(buf, tp.Minutes)
}

// PowerOff builds SET_POWER_OFF. The port powers down once every bit is set.
func PowerOff(bitmap uint8) []byte { return cmdU8(SetPowerOff, bitmap) }

// Timeout builds SET_TIMEOUT.
func Timeout(seconds uint8) []byte { return cmdU8(SetTimeout, seconds) }

// TimeFormat builds SET_TIME_FORMAT; military selects the 24-hour clock.
func TimeFormat(military bool) []byte { return cmdBool(SetTimeFormat, military) }

// ExpectedFirmwareVersion builds SET_EXPECTED_FIRMWARE_VERSION.
func ExpectedFirmwareVersion(version uint16) []byte {
	return cmdU16(SetExpectedFirmwareVersion, version)
}

// WriteAssetsHeader precedes an asset path and data chunk.
func WriteAssetsHeader(pathLen, dataLen uint8) []byte {
	return []byte{byte(WriteAssets), pathLen, dataLen}
}

// WriteFirmwareHeader precedes a firmware data chunk.
func WriteFirmwareHeader(dataLen uint8) []byte {
	return cmdU8(WriteFirmware, dataLen)
}

// LangID builds SET_LANGID.
func LangID(lang LanguageID) []byte { return cmdU8(SetLangID, uint8(lang)) }

// RoomSize builds SET_ROOM_SIZE.
func RoomSize(maxPeople uint16) []byte { return cmdU16(SetRoomSize, maxPeople) }

// RoomEquipments builds SET_ROOM_EQUIPMENTS.
func RoomEquipments(bitmap uint8) []byte { return cmdU8(SetRoomEquipments, bitmap) }

// AccessRight builds SET_ACCESS_RIGHT.
func AccessRight(a AccessRights) []byte {
	return []byte{
		byte(SetAccessRight),
		a.FeatureDisabled.Bitmap(),
		a.AuthAllowPasscode.Bitmap(),
		a.AuthAllowRFID.Bitmap(),
	}
}

// HardwareFeature builds SET_HARDWARE_FEATURE.
func HardwareFeature(bitmap uint8) []byte { return cmdU8(SetHardwareFeature, bitmap) }

// Backlight builds SET_BACKLIGHT.
func Backlight(on bool) []byte { return cmdBool(SetBacklight, on) }

// RoomName builds SET_ROOM_NAME. The length prefix counts UTF-8 bytes.
func RoomName(name string) ([]byte, error) { return cmdText(SetRoomName, name) }

// MeetingBody builds SET_MEETING_BODY.
func MeetingBody(body string) ([]byte, error) { return cmdText(SetMeetingBody, body) }

// MeetingInfo builds SET_MEETING_INFO.
func MeetingInfo(info panl.MeetingInfo) ([]byte, error) {
	if len(info.Subject) > 0xFF || len(info.Organizer) > 0xFF {
		return nil, ErrTextTooLong
	}
	buf := make([]byte, 0, 3+len(info.Subject)+len(info.Organizer))
	buf = append(buf, byte(SetMeetingInfo), byte(len(info.Subject)), byte(len(info.Organizer)))
	buf = append(buf, info.Subject...)
	return append(buf, info.Organizer...), nil
}

// Timeline builds SET_TIMELINE for one day. The count byte always equals len(entries).
func Timeline(dayOffset int8, entries []panl.TimelineEntry) ([]byte, error) {
	if len(entries) > 0xFF {
		return nil, ErrTooManyEntries
	}
	buf := make([]byte, 0, 3+4*len(entries))
	buf = append(buf, byte(SetTimeline), byte(dayOffset), byte(len(entries)))
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint16(buf, e.Start)
		buf = binary.LittleEndian.AppendUint16(buf, e.End)
	}
	return buf, nil
}

func meetingSpan(cmd Outgoing, span panl.TimeSpan) []byte {
	buf := appendTimePoint([]byte{byte(cmd)}, span.Point)
	return binary.LittleEndian.AppendUint16(buf, span.Duration)
}

func meetingPoint(cmd Outgoing, tp panl.TimePoint) []byte {
	return appendTimePoint([]byte{byte(cmd)}, tp)
}

// AddMeeting builds ON_ADD_MEETING.
func AddMeeting(span panl.TimeSpan) []byte { return meetingSpan(OnAddMeeting, span) }

// ExtendMeetingNotice builds ON_EXTEND_MEETING, sent whenever a meeting's end moves.
func ExtendMeetingNotice(span panl.TimeSpan) []byte { return meetingSpan(OnExtendMeeting, span) }

// DeleteMeeting builds ON_DEL_MEETING.
func DeleteMeeting(tp panl.TimePoint) []byte { return meetingPoint(OnDelMeeting, tp) }

// UpdateMeeting builds ON_UPDATE_MEETING.
func UpdateMeeting(tp panl.TimePoint) []byte { return meetingPoint(OnUpdateMeeting, tp) }

// Error builds SET_ERROR_CODE.
func Error(code ErrorCode) []byte { return cmdU8(SetErrorCode, uint8(code)) }

// RequestUUID builds GET_UUID.
func RequestUUID() []byte { return []byte{byte(GetUUID)} }

// UnconfiguredID builds SET_UNCONFIGURED_ID.
func UnconfiguredID(id uint16) []byte { return cmdU16(SetUnconfiguredID, id) }

// LocalTime builds SET_LOCAL_TIME for t in its own location.
func LocalTime(t time.Time) []byte {
	buf := []byte{byte(SetLocalTime), 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(buf[1:], PackLocalTime(t))
	return buf
}

// Local time word layout.
const (
	yearBase   = 2017
	dayShift   = 17
	monthShift = 22
	yearShift  = 26
)

// PackLocalTime encodes t as
// seconds-of-day | day<<17 | (month-1)<<22 | (year-2017)<<26.
func PackLocalTime(t time.Time) uint32 {
	secs := uint32(t.Hour()*3600 + t.Minute()*60 + t.Second())
	day := uint32(t.Day())
	month := uint32(t.Month() - 1)
	year := uint32(t.Year()-yearBase) & 0x3F
	return secs | day<<dayShift | month<<monthShift | year<<yearShift
}

// UnpackLocalTime decodes a PackLocalTime word in loc.
func UnpackLocalTime(v uint32, loc *time.Location) time.Time {
	secs := int(v & (1<<dayShift - 1))
	day := int(v >> dayShift & 0x1F)
	month := time.Month(v>>monthShift&0x0F) + 1
	year := int(v>>yearShift) + yearBase
	return time.Date(year, month, day, 0, 0, secs, 0, loc)
}
