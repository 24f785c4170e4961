package panl

import (
	"fmt"
	"math"
	"time"
)

// MinutesPerDay bounds TimePoint.Minutes.
const MinutesPerDay = 24 * 60

// TimePoint is a minute of a day relative to the hub's current date.
type TimePoint struct {
	DayOffset int8   `json:"day_offset"`
	Minutes   uint16 `json:"minutes"`
}

// TimeSpan is a meeting slot starting at Point and lasting Duration minutes.
type TimeSpan struct {
	Point    TimePoint `json:"point"`
	Duration uint16    `json:"duration"`
}

// TimelineEntry is one busy slot of a day, in minutes of that day.
type TimelineEntry struct {
	Start uint16 `json:"start"`
	End   uint16 `json:"end"`
}

// TimelineRequest asks for the slots around Point.
// LookForward=false selects slots starting at or before Point,
// LookForward=true selects slots starting after it.
type TimelineRequest struct {
	Point       TimePoint `json:"point"`
	LookForward bool      `json:"look_forward"`
	MaxCount    uint8     `json:"max_count"`
}

// MeetingInfo is what a panel displays for a slot.
type MeetingInfo struct {
	Subject   string `json:"subject"`
	Organizer string `json:"organizer"`
	Body      string `json:"body,omitempty"`
}

// Duration returns the entry length in minutes.
func (e TimelineEntry) Duration() uint16 {
	if e.End < e.Start {
		return 0
	}
	return e.End - e.Start
}

// Span converts the entry to a TimeSpan on the given day.
func (e TimelineEntry) Span(day int8) TimeSpan {
	return TimeSpan{Point: TimePoint{DayOffset: day, Minutes: e.Start}, Duration: e.Duration()}
}

// Entry converts the span back to a timeline entry of its day.
func (s TimeSpan) Entry() TimelineEntry {
	end := uint32(s.Point.Minutes) + uint32(s.Duration)
	if end > MinutesPerDay {
		end = MinutesPerDay
	}
	return TimelineEntry{Start: s.Point.Minutes, End: uint16(end)}
}

// Valid reports whether Minutes lies within a day.
func (tp TimePoint) Valid() bool {
	return tp.Minutes < MinutesPerDay
}

// Time resolves the point against the local midnight of now.
func (tp TimePoint) Time(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+int(tp.DayOffset), 0, int(tp.Minutes), 0, 0, now.Location())
}

func (tp TimePoint) String() string {
	return fmt.Sprintf("%+dd %02d:%02d", tp.DayOffset, tp.Minutes/60, tp.Minutes%60)
}

// PointAt converts an absolute time to a TimePoint relative to now's date.
// Times more than 127 days away cannot be represented.
func PointAt(now, t time.Time) (TimePoint, error) {
	t = t.In(now.Location())
	days := DaysBetween(now, t)
	if days < -128 || days > 127 {
		return TimePoint{}, fmt.Errorf("time %s is %d days from today", t.Format(time.RFC3339), days)
	}
	return TimePoint{DayOffset: int8(days), Minutes: uint16(t.Hour()*60 + t.Minute())}, nil
}

// StartOfDay returns local midnight of t's date.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DaysBetween counts calendar days from a's date to b's date.
func DaysBetween(a, b time.Time) int {
	da := StartOfDay(a)
	db := StartOfDay(b.In(a.Location()))
	// Round to absorb DST shifts.
	return int(math.Floor((db.Sub(da) + 12*time.Hour).Hours() / 24))
}
