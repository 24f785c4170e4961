package calendar

import (
	"context"
	"time"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

const notifyTimeout = 5 * time.Second

// notifier applies backend-side changes to the cache.
type notifier struct {
	m *Manager
}

func (n notifier) Added(room string, mt Meeting) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	n.m.added(ctx, room, mt)
}

func (n notifier) EndChanged(room string, mt Meeting) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	n.m.endChanged(ctx, room, mt, true)
}

func (n notifier) Deleted(room string, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	n.m.deleted(ctx, room, start)
}

func (n notifier) Updated(room string, mt Meeting) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	n.m.updated(ctx, room, mt)
}

func (m *Manager) added(ctx context.Context, room string, mt Meeting) {
	if !mt.End.After(mt.Start) {
		m.log.Debug().Str("room", room).Str("subject", mt.Subject).Msg("Ignoring meeting that ends before it starts")
		return
	}
	info := meetingInfo(mt)
	m.eachPath(ctx, room, mt.Start, func(path panl.Path, tp panl.TimePoint) error {
		entry, _ := entryOn(tp.Time(m.now()), mt)
		if err := m.cache.SetTimelineEntry(ctx, path, tp.DayOffset, entry); err != nil {
			return err
		}
		if err := m.cache.SetMeetingInfo(ctx, path, tp, info); err != nil {
			return err
		}
		if mt.ID != "" {
			if err := m.cache.SetMeetingID(ctx, path, tp, mt.ID); err != nil {
				return err
			}
		}
		m.emit(Event{Kind: EventAdded, Path: path, Span: entry.Span(tp.DayOffset)})
		return nil
	})
}

// endChanged stores the new end of mt. With clamp set the cached end is
// never extended, and the end never moves before the start.
func (m *Manager) endChanged(ctx context.Context, room string, mt Meeting, clamp bool) {
	info := meetingInfo(mt)
	m.eachPath(ctx, room, mt.Start, func(path panl.Path, tp panl.TimePoint) error {
		entry, _ := entryOn(tp.Time(m.now()), mt)
		if clamp {
			cached, err := m.cache.GetTimelineEntryEnd(ctx, path, tp.DayOffset, tp.Minutes)
			if err == nil && entry.End > cached {
				entry.End = cached
			}
		}
		if entry.End < entry.Start {
			entry.End = entry.Start
		}
		if err := m.cache.SetTimelineEntry(ctx, path, tp.DayOffset, entry); err != nil {
			return err
		}
		if err := m.cache.SetMeetingInfo(ctx, path, tp, info); err != nil {
			return err
		}
		m.emit(Event{Kind: EventEndChanged, Path: path, Span: entry.Span(tp.DayOffset)})
		return nil
	})
}

func (m *Manager) deleted(ctx context.Context, room string, start time.Time) {
	m.eachPath(ctx, room, start, func(path panl.Path, tp panl.TimePoint) error {
		if err := m.cache.RemoveTimelineEntry(ctx, path, tp.DayOffset, tp.Minutes); err != nil {
			return err
		}
		m.emit(Event{Kind: EventDeleted, Path: path, Span: panl.TimeSpan{Point: tp}})
		return nil
	})
}

func (m *Manager) updated(ctx context.Context, room string, mt Meeting) {
	info := meetingInfo(mt)
	m.eachPath(ctx, room, mt.Start, func(path panl.Path, tp panl.TimePoint) error {
		if err := m.cache.SetMeetingInfo(ctx, path, tp, info); err != nil {
			return err
		}
		entry, _ := entryOn(tp.Time(m.now()), mt)
		m.emit(Event{Kind: EventUpdated, Path: path, Span: entry.Span(tp.DayOffset)})
		return nil
	})
}

// eachPath calls fn for every panel showing room, with start relative to today.
func (m *Manager) eachPath(ctx context.Context, room string, start time.Time, fn func(panl.Path, panl.TimePoint) error) {
	tp, err := panl.PointAt(m.now(), start)
	if err != nil {
		m.log.Debug().Err(err).Str("room", room).Msg("Meeting out of panel range")
		return
	}
	paths, err := m.cache.GetRoomPaths(ctx, room)
	if err != nil {
		m.log.Warn().Err(err).Str("room", room).Msg("Failed to get room panels")
		return
	}
	for _, path := range paths {
		if err := fn(path, tp); err != nil {
			m.log.Warn().Err(err).Str("room", room).Str("path", path.String()).Msg("Failed to update cached meeting")
		}
	}
}

// entryOn converts mt to minutes of the day starting at midnight of day.
// Meetings running past midnight end at the end of the day.
func entryOn(day time.Time, mt Meeting) (panl.TimelineEntry, bool) {
	from, to := dayBounds(day)
	if mt.Start.Before(from) || !mt.Start.Before(to) {
		return panl.TimelineEntry{}, false
	}
	minutes := func(t time.Time) uint16 {
		t = t.In(from.Location())
		return uint16(t.Hour()*60 + t.Minute())
	}
	entry := panl.TimelineEntry{Start: minutes(mt.Start), End: panl.MinutesPerDay}
	if mt.End.Before(to) {
		entry.End = minutes(mt.End)
	}
	if entry.End < entry.Start {
		entry.End = entry.Start
	}
	return entry, true
}

func meetingInfo(mt Meeting) panl.MeetingInfo {
	return panl.MeetingInfo{
		Subject:   mt.Subject,
		Organizer: mt.Organizer.DisplayName(),
		Body:      mt.Body,
	}
}
