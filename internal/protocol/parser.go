package protocol

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

const (
	pmFlag       = 1 << 11
	minutesMask  = pmFlag - 1
	backwardFlag = 1 << 15
)

// bodyState tracks whether a GET_MEETING_BODY marker is waiting for the
// GET_MEETING_INFO it applies to.
type bodyState uint8

const (
	bodyIdle bodyState = iota
	bodyAwaiting
)

// ParseHandshake validates the first buffer of a connection and returns the
// agent's unique id.
func ParseHandshake(buf []byte) ([8]byte, error) {
	var uid [8]byte
	if len(buf) != HandshakeSize || Incoming(buf[0]) != ReportAgentID {
		return uid, fmt.Errorf("%w: %d bytes", ErrBadHandshake, len(buf))
	}
	copy(uid[:], buf[1:])
	return uid, nil
}

// Parser decodes the frames of one agent connection.
// It is not safe for concurrent use.
type Parser struct {
	agent uint32
	path  panl.Path
	body  bodyState
	now   func() time.Time
}

// NewParser returns a parser for frames sent by agent. Until the agent sends
// SET_ADDRESS, events are attributed to the agent's broadcast address.
func NewParser(agent uint32) *Parser {
	return &Parser{
		agent: agent,
		path:  panl.NewPath(agent, panl.BroadcastAddress),
		now:   time.Now,
	}
}

// WithClock replaces the clock used to reconcile panel AM/PM flags.
func (p *Parser) WithClock(now func() time.Time) *Parser {
	p.now = now
	return p
}

// Path returns the device subsequent frames are attributed to.
func (p *Parser) Path() panl.Path {
	return p.path
}

// AwaitingBody reports whether a GET_MEETING_BODY marker is pending.
func (p *Parser) AwaitingBody() bool {
	return p.body == bodyAwaiting
}

// Feed decodes every frame in buf, calling dispatch for each event in order.
// Frames before a violation are still dispatched; the violation is returned
// and the connection must be dropped.
func (p *Parser) Feed(buf []byte, dispatch func(Event)) error {
	for len(buf) > 0 {
		cmd := Incoming(buf[0])
		size, ok := payloadSize(cmd)
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownCommand, buf[0])
		}
		if len(buf)-1 < size {
			return fmt.Errorf("%w: %s needs %d bytes, %d left", ErrShortFrame, cmd, size, len(buf)-1)
		}
		ev, err := p.decode(cmd, buf[1:1+size])
		if err != nil {
			return err
		}
		if ev != nil {
			dispatch(ev)
		}
		buf = buf[1+size:]
	}
	return nil
}

func (p *Parser) decode(cmd Incoming, b []byte) (Event, error) {
	switch cmd {
	case ReportUUID:
		ev := UUIDReport{Path: p.path}
		copy(ev.UUID[:], b)
		return ev, nil
	case ReportPanLStatus:
		return StatusReport{Path: p.path, Status: b[0]}, nil
	case ReportDeviceChange:
		return DeviceChange{Path: p.path}, nil
	case RequestFirmware:
		return FirmwareRequest{Path: p.path}, nil
	case AuthByPasscode:
		return PasscodeAuth{Path: p.path, Passcode: binary.LittleEndian.Uint32(b)}, nil
	case AuthByRFID:
		ev := RFIDAuth{Path: p.path}
		copy(ev.EPC[:], b)
		return ev, nil
	case GetLocalTime:
		return LocalTimeRequest{Path: p.path}, nil
	case SetAddressIn:
		return nil, p.setAddress(b[0])
	case GetTimeline:
		raw := binary.LittleEndian.Uint16(b[1:])
		tp, err := p.timePoint(int8(b[0]), raw&^backwardFlag)
		if err != nil {
			return nil, err
		}
		return TimelineQuery{Path: p.path, Request: panl.TimelineRequest{
			Point:       tp,
			LookForward: raw&backwardFlag == 0,
			MaxCount:    b[3],
		}}, nil
	case GetMeetingBody:
		p.body = bodyAwaiting
		return nil, nil
	case GetMeetingInfo:
		tp, err := p.timePointAt(b)
		if err != nil {
			return nil, err
		}
		withBody := p.body == bodyAwaiting
		p.body = bodyIdle
		return MeetingInfoQuery{Path: p.path, Point: tp, WithBody: withBody}, nil
	case ExtendMeeting, CreateBooking:
		tp, err := p.timePointAt(b)
		if err != nil {
			return nil, err
		}
		span := panl.TimeSpan{Point: tp, Duration: binary.LittleEndian.Uint16(b[sizeTimePoint:])}
		if cmd == ExtendMeeting {
			return ExtendRequest{Path: p.path, Span: span}, nil
		}
		return BookingRequest{Path: p.path, Span: span}, nil
	case CancelMeeting, EndMeeting, CancelUnclaimMeeting, CheckClaimMeeting:
		tp, err := p.timePointAt(b)
		if err != nil {
			return nil, err
		}
		return MeetingAction{Path: p.path, Action: cmd, Point: tp}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, uint8(cmd))
}

func (p *Parser) setAddress(addr uint8) error {
	if addr == panl.BroadcastAddress {
		return fmt.Errorf("%w: SET_ADDRESS %d", ErrInvalidAddress, addr)
	}
	if addr > panl.MaxDeviceAddress {
		return fmt.Errorf("%w: %d exceeds %d devices per agent", ErrInvalidAddress, addr, panl.MaxDeviceAddress+1)
	}
	p.path = panl.NewPath(p.agent, addr)
	return nil
}

func (p *Parser) timePointAt(b []byte) (panl.TimePoint, error) {
	return p.timePoint(int8(b[0]), binary.LittleEndian.Uint16(b[1:]))
}

// timePoint strips the PM flag and shifts the day offset when the panel and
// the hub disagree on AM/PM around midnight.
func (p *Parser) timePoint(dayOffset int8, raw uint16) (panl.TimePoint, error) {
	minutes := raw & minutesMask
	if minutes >= panl.MinutesPerDay {
		return panl.TimePoint{}, fmt.Errorf("%w: %d", ErrMalformedTimePoint, minutes)
	}
	offset := int(dayOffset)
	panelPM := raw&pmFlag != 0
	hubPM := p.now().Hour() >= 12
	if panelPM != hubPM {
		if hubPM {
			offset++
		} else {
			offset--
		}
	}
	if offset < -128 || offset > 127 {
		return panl.TimePoint{}, fmt.Errorf("%w: day offset %d", ErrMalformedTimePoint, offset)
	}
	return panl.TimePoint{DayOffset: int8(offset), Minutes: minutes}, nil
}
