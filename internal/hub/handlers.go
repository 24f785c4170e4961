package hub

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/persist"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/protocol"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/cache"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

// infoFrames is how many meeting infos accompany a pushed timeline.
const infoFrames = 2

// HandleFrame answers one decoded panel frame. It is called on the reader
// goroutine of the panel's agent.
func (s *Service) HandleFrame(ctx context.Context, ev protocol.Event) error {
	path := ev.Source()
	switch e := ev.(type) {
	case protocol.UUIDReport:
		return s.onReportUUID(ctx, path, panl.FormatUUID(e.UUID))

	case protocol.DeviceChange:
		if err := s.cache.RemoveAgent(ctx, path.Agent); err != nil {
			return err
		}
		return s.onAgentConnected(ctx, path.Agent)

	case protocol.LocalTimeRequest:
		// Sent alone and unqueued to keep the latency low.
		return s.out.SendImmediately(path, protocol.LocalTime(s.now()))

	case protocol.PasscodeAuth:
		return s.onPasscode(ctx, path, e.Passcode)

	case protocol.TimelineQuery:
		entries, err := s.cal.GetTimeline(ctx, path, e.Request)
		if err != nil {
			return fmt.Errorf("failed to get timeline for %s: %w", path, err)
		}
		frame, err := protocol.Timeline(e.Request.Point.DayOffset, entries)
		if err != nil {
			return err
		}
		return s.out.Send(path, frame)

	case protocol.MeetingInfoQuery:
		return s.onGetMeetingInfo(ctx, path, e)

	case protocol.BookingRequest:
		return s.reply(path, s.cal.CreateBooking(ctx, path, e.Span))

	case protocol.ExtendRequest:
		return s.reply(path, s.cal.ExtendMeeting(ctx, path, e.Span))

	case protocol.MeetingAction:
		return s.onMeetingAction(ctx, path, e)

	case protocol.StatusReport, protocol.FirmwareRequest, protocol.RFIDAuth:
		return fmt.Errorf("%w: %s", ErrNotImplemented, ev.Command())
	}
	return fmt.Errorf("%w: %s", protocol.ErrUnknownCommand, ev.Command())
}

func (s *Service) onMeetingAction(ctx context.Context, path panl.Path, e protocol.MeetingAction) error {
	var code protocol.ErrorCode
	switch e.Action {
	case protocol.EndMeeting:
		code = s.cal.EndMeeting(ctx, path, e.Point)
	case protocol.CancelMeeting:
		code = s.cal.CancelMeeting(ctx, path, e.Point)
	case protocol.CancelUnclaimMeeting:
		if !path.Addressable() {
			s.log.Error().Uint32("agent", path.Agent).Msg("Unclaimed meeting cancel from unaddressed panel")
		}
		code = s.cal.CancelUnclaimedMeeting(ctx, path, e.Point)
	case protocol.CheckClaimMeeting:
		code = s.cal.CheckClaimMeeting(ctx, path, e.Point)
	default:
		return fmt.Errorf("%w: %s", protocol.ErrUnknownCommand, e.Action)
	}
	s.log.Debug().Str("path", path.String()).Str("action", e.Action.String()).
		Str("point", e.Point.String()).Str("code", code.String()).Msg("Meeting action")
	return s.reply(path, code)
}

func (s *Service) reply(path panl.Path, code protocol.ErrorCode) error {
	return s.out.Send(path, protocol.Error(code))
}

// onReportUUID shows the room linked to uuid on the panel, or an
// unconfigured id an admin can link it with.
func (s *Service) onReportUUID(ctx context.Context, path panl.Path, uuid string) error {
	room, err := s.store.FindRoom(ctx, uuid)
	if errors.Is(err, persist.ErrNotFound) {
		id, err := s.cache.AddUnconfigured(ctx, path, uuid)
		if err != nil {
			return err
		}
		s.log.Debug().Str("path", path.String()).Str("uuid", uuid).Uint16("id", id).Msg("Unconfigured panel")
		return s.out.Send(path, protocol.UnconfiguredID(id))
	}
	if err != nil {
		return err
	}

	s.log.Debug().Str("path", path.String()).Str("room", room.Address).Msg("Panel connected to room")
	if err := s.cache.AddConfigured(ctx, path, cache.Room{Address: room.Address, Name: room.Name}); err != nil {
		return err
	}
	if s.cal.Connected() {
		return s.initPanel(ctx, path)
	}
	if err := s.cache.AddPending(ctx, path); err != nil {
		return err
	}
	// The calendar may have come up while the panel was being queued.
	if s.cal.Connected() {
		return s.cache.ConsumePending(ctx, func(p panl.Path) error { return s.initPanel(ctx, p) })
	}
	return nil
}

// initPanel sends the room name, the meeting running now if any, the next
// five meetings and the info of the first two.
func (s *Service) initPanel(ctx context.Context, path panl.Path) error {
	now := s.now()
	point := panl.TimePoint{Minutes: uint16(now.Hour()*60 + now.Minute())}

	name, err := s.cache.GetRoomName(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to get room name of %s: %w", path, err)
	}
	before, err := s.cal.GetTimeline(ctx, path, panl.TimelineRequest{Point: point, MaxCount: 1})
	if err != nil {
		return err
	}
	after, err := s.cal.GetTimeline(ctx, path, panl.TimelineRequest{Point: point, LookForward: true, MaxCount: 5})
	if err != nil {
		return err
	}
	entries := after
	if len(before) > 0 && point.Minutes < before[0].End {
		entries = append([]panl.TimelineEntry{before[0]}, after...)
	}

	nameFrame, err := protocol.RoomName(clip(name))
	if err != nil {
		return err
	}
	frames, err := s.timelineFrames(ctx, path, 0, entries)
	if err != nil {
		return err
	}
	s.log.Debug().Str("path", path.String()).Str("name", name).Int("slots", len(entries)).Msg("Init panel")
	return s.out.Send(path, append([][]byte{nameFrame}, frames...)...)
}

// timelineFrames builds SET_TIMELINE followed by the info of the first meetings.
func (s *Service) timelineFrames(ctx context.Context, path panl.Path, day int8, entries []panl.TimelineEntry) ([][]byte, error) {
	timeline, err := protocol.Timeline(day, entries)
	if err != nil {
		return nil, err
	}
	frames := [][]byte{timeline}
	for i := 0; i < len(entries) && i < infoFrames; i++ {
		tp := panl.TimePoint{DayOffset: day, Minutes: entries[i].Start}
		info, err := s.cal.GetMeetingInfo(ctx, path, tp)
		if cache.IsNotFound(err) {
			s.log.Debug().Str("path", path.String()).Str("point", tp.String()).Msg("No meeting info")
			continue
		}
		if err != nil {
			return nil, err
		}
		frame, err := protocol.MeetingInfo(fitInfo(info))
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (s *Service) onGetMeetingInfo(ctx context.Context, path panl.Path, e protocol.MeetingInfoQuery) error {
	info, err := s.cal.GetMeetingInfo(ctx, path, e.Point)
	if err != nil {
		return fmt.Errorf("failed to get meeting info for %s at %s: %w", path, e.Point, err)
	}
	info = fitInfo(info)
	frame, err := protocol.MeetingInfo(info)
	if err != nil {
		return err
	}
	frames := [][]byte{frame}
	if e.WithBody {
		body, err := protocol.MeetingBody(info.Body)
		if err != nil {
			return err
		}
		frames = append(frames, body)
	}
	return s.out.Send(path, frames...)
}

func (s *Service) onPasscode(ctx context.Context, path panl.Path, passcode uint32) error {
	email, err := s.store.AuthByPasscode(ctx, passcode)
	if errors.Is(err, persist.ErrNotFound) {
		s.log.Debug().Str("path", path.String()).Msg("Unknown passcode")
		return s.reply(path, protocol.ErrorAuthError)
	}
	if err != nil {
		return err
	}
	return s.cache.SetAuthSuccess(ctx, path, email)
}

// fitInfo clips the texts of info to what a frame can carry.
func fitInfo(info panl.MeetingInfo) panl.MeetingInfo {
	info.Subject = clip(info.Subject)
	info.Organizer = clip(info.Organizer)
	info.Body = clip(info.Body)
	return info
}

// clip cuts s to at most 255 bytes without splitting a character.
func clip(s string) string {
	const limit = 0xFF
	if len(s) <= limit {
		return s
	}
	s = s[:limit]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
