package protocol

import "github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"

// Event is a decoded panel request.
type Event interface {
	Command() Incoming
	// Source is the device the frame came from. Requests received before
	// the agent selected an address carry the broadcast address.
	Source() panl.Path
}

// UUIDReport carries the 64-bit id of a panel, used to look up its room.
type UUIDReport struct {
	Path panl.Path
	UUID [8]byte
}

func (UUIDReport) Command() Incoming   { return ReportUUID }
func (e UUIDReport) Source() panl.Path { return e.Path }

// StatusReport carries a panel status byte.
type StatusReport struct {
	Path   panl.Path
	Status uint8
}

func (StatusReport) Command() Incoming   { return ReportPanLStatus }
func (e StatusReport) Source() panl.Path { return e.Path }

// DeviceChange signals that the set of panels behind the agent changed.
type DeviceChange struct {
	Path panl.Path
}

func (DeviceChange) Command() Incoming   { return ReportDeviceChange }
func (e DeviceChange) Source() panl.Path { return e.Path }

// FirmwareRequest asks for assets and firmware.
type FirmwareRequest struct {
	Path panl.Path
}

func (FirmwareRequest) Command() Incoming   { return RequestFirmware }
func (e FirmwareRequest) Source() panl.Path { return e.Path }

// PasscodeAuth authenticates the person at the panel by passcode.
type PasscodeAuth struct {
	Path     panl.Path
	Passcode uint32
}

func (PasscodeAuth) Command() Incoming   { return AuthByPasscode }
func (e PasscodeAuth) Source() panl.Path { return e.Path }

// RFIDAuth authenticates the person at the panel by RFID badge.
type RFIDAuth struct {
	Path panl.Path
	EPC  [11]byte
}

func (RFIDAuth) Command() Incoming   { return AuthByRFID }
func (e RFIDAuth) Source() panl.Path { return e.Path }

// LocalTimeRequest asks for the current time.
type LocalTimeRequest struct {
	Path panl.Path
}

func (LocalTimeRequest) Command() Incoming   { return GetLocalTime }
func (e LocalTimeRequest) Source() panl.Path { return e.Path }

// TimelineQuery asks for the busy slots around a time point.
type TimelineQuery struct {
	Path    panl.Path
	Request panl.TimelineRequest
}

func (TimelineQuery) Command() Incoming   { return GetTimeline }
func (e TimelineQuery) Source() panl.Path { return e.Path }

// MeetingInfoQuery asks for the subject and organizer of the meeting at Point.
// WithBody is set when the previous frame was GET_MEETING_BODY.
type MeetingInfoQuery struct {
	Path     panl.Path
	Point    panl.TimePoint
	WithBody bool
}

func (MeetingInfoQuery) Command() Incoming   { return GetMeetingInfo }
func (e MeetingInfoQuery) Source() panl.Path { return e.Path }

// ExtendRequest asks to move the end of the meeting at Span.Point.
type ExtendRequest struct {
	Path panl.Path
	Span panl.TimeSpan
}

func (ExtendRequest) Command() Incoming   { return ExtendMeeting }
func (e ExtendRequest) Source() panl.Path { return e.Path }

// BookingRequest asks to create a meeting.
type BookingRequest struct {
	Path panl.Path
	Span panl.TimeSpan
}

func (BookingRequest) Command() Incoming   { return CreateBooking }
func (e BookingRequest) Source() panl.Path { return e.Path }

// MeetingAction is one of the point-addressed meeting operations:
// CANCEL_MEETING, END_MEETING, CANCEL_UNCLAIM_MEETING or CHECK_CLAIM_MEETING.
type MeetingAction struct {
	Path   panl.Path
	Action Incoming
	Point  panl.TimePoint
}

func (e MeetingAction) Command() Incoming { return e.Action }
func (e MeetingAction) Source() panl.Path { return e.Path }
