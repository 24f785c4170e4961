package protocol

import "fmt"

// Outgoing is the command id of a hub → panel frame.
type Outgoing uint8

const (
	SetAddress Outgoing = iota
	SetPowerOff
	SetTimeout
	SetLocalTime
	SetTimeFormat
	SetExpectedFirmwareVersion
	WriteAssets
	WriteFirmware
	SetLangID
	SetRoomSize
	SetRoomEquipments
	SetAccessRight
	SetHardwareFeature
	SetBacklight
	SetRoomName
	SetTimeline
	OnExtendMeeting
	OnAddMeeting
	OnDelMeeting
	OnUpdateMeeting
	SetMeetingInfo
	SetMeetingBody
	SetErrorCode
	GetUUID
	SetUnconfiguredID
)

// Incoming is the command id of a panel → hub frame.
type Incoming uint8

const (
	ReportAgentID Incoming = iota
	ReportUUID
	ReportPanLStatus
	ReportDeviceChange
	RequestFirmware
	AuthByPasscode
	AuthByRFID
	GetLocalTime
	SetAddressIn
	GetTimeline
	GetMeetingBody
	GetMeetingInfo
	ExtendMeeting
	CancelMeeting
	EndMeeting
	CancelUnclaimMeeting
	CreateBooking
	CheckClaimMeeting
)

var incomingNames = [...]string{
	"REPORT_AGENT_ID",
	"REPORT_UUID",
	"REPORT_PANL_STATUS",
	"REPORT_DEVICE_CHANGE",
	"REQUEST_FIRMWARE",
	"AUTH_BY_PASSCODE",
	"AUTH_BY_RFID",
	"GET_LOCAL_TIME",
	"SET_ADDRESS",
	"GET_TIMELINE",
	"GET_MEETING_BODY",
	"GET_MEETING_INFO",
	"EXTEND_MEETING",
	"CANCEL_MEETING",
	"END_MEETING",
	"CANCEL_UNCLAIM_MEETING",
	"CREATE_BOOKING",
	"CHECK_CLAIM_MEETING",
}

func (c Incoming) String() string {
	if int(c) < len(incomingNames) {
		return incomingNames[c]
	}
	return fmt.Sprintf("INCOMING(%d)", uint8(c))
}

// Fixed payload sizes of incoming frames, excluding the command byte.
const (
	sizeUUID      = 8
	sizeStatus    = 1
	sizePasscode  = 4
	sizeRFID      = 11
	sizeAddress   = 1
	sizeTimePoint = 3
	sizeTimeline  = sizeTimePoint + 1
	sizeTimeSpan  = sizeTimePoint + 2

	// HandshakeSize is the exact length of the first buffer of a connection.
	HandshakeSize = 1 + 8
)

// payloadSize returns the fixed payload length of an incoming command.
func payloadSize(c Incoming) (int, bool) {
	switch c {
	case ReportUUID:
		return sizeUUID, true
	case ReportPanLStatus:
		return sizeStatus, true
	case ReportDeviceChange, RequestFirmware, GetLocalTime, GetMeetingBody:
		return 0, true
	case AuthByPasscode:
		return sizePasscode, true
	case AuthByRFID:
		return sizeRFID, true
	case SetAddressIn:
		return sizeAddress, true
	case GetTimeline:
		return sizeTimeline, true
	case GetMeetingInfo, CancelMeeting, EndMeeting, CancelUnclaimMeeting, CheckClaimMeeting:
		return sizeTimePoint, true
	case ExtendMeeting, CreateBooking:
		return sizeTimeSpan, true
	}
	return 0, false
}

// ErrorCode is the result a panel displays for a request.
type ErrorCode uint8

const (
	ErrorSuccess ErrorCode = iota
	ErrorUnknown
	ErrorAuthError
	ErrorFeatureDisabled
	ErrorCertificate
	ErrorNetwork
	ErrorCacheRoomNameNotFound
	ErrorCacheMeetingIDNotFound
	ErrorMalformedData
	ErrorObjectNotFound
	ErrorEndDateEarlierStartDate
	ErrorAccessDenied
	ErrorRequiredRecipient
	ErrorSetActionInvalidForProperty
	ErrorMustOrganizer
)

var errorCodeNames = [...]string{
	"SUCCESS",
	"UNKNOWN",
	"AUTH_ERROR",
	"FEATURE_DISABLED",
	"CERTIFICATE",
	"NETWORK",
	"CACHE_ROOMNAME_NOT_FOUND",
	"CACHE_MEETINGID_NOT_FOUND",
	"MALFORMED_DATA",
	"OBJECT_NOT_FOUND",
	"ENDDATE_EARLIER_STARTDATE",
	"ACCESS_DENIED",
	"REQUIRED_RECIPIENT",
	"SET_ACTION_INVALID_FOR_PROPERTY",
	"MUST_ORGANIZER",
}

func (e ErrorCode) String() string {
	if int(e) < len(errorCodeNames) {
		return errorCodeNames[e]
	}
	return fmt.Sprintf("ERROR(%d)", uint8(e))
}

// LanguageID selects the panel UI language.
type LanguageID uint8

const (
	LangEN LanguageID = iota
	LangCN
	LangJP
	LangKR
)
