package calendar

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// occurrenceKey identifies one occurrence of a series.
func occurrenceKey(uid string, start time.Time) string {
	return uid + "@" + start.UTC().Format("20060102T150405Z")
}

// expandCalendar returns every occurrence of cal's events starting in
// [from, to), ordered by start. Cancelled and all-day events are skipped and
// RECURRENCE-ID overrides replace the occurrence they name.
func expandCalendar(cal *ical.Calendar, loc *time.Location, from, to time.Time) ([]Meeting, error) {
	overridden := make(map[string]bool)
	var out []Meeting

	for _, comp := range cal.Children {
		rid := comp.Props.Get(ical.PropRecurrenceID)
		if comp.Name != ical.CompEvent || rid == nil {
			continue
		}
		t, err := rid.DateTime(loc)
		if err != nil {
			return nil, fmt.Errorf("invalid RECURRENCE-ID: %w", err)
		}
		var uid string
		if p := comp.Props.Get(ical.PropUID); p != nil {
			uid = p.Value
		}
		overridden[occurrenceKey(uid, t)] = true
		if skipEvent(comp) {
			continue
		}
		m, err := parseMeeting(comp, loc)
		if err != nil {
			return nil, err
		}
		m.ID = occurrenceKey(uid, t)
		if !m.Start.Before(from) && m.Start.Before(to) {
			out = append(out, m)
		}
	}

	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent || skipEvent(comp) || comp.Props.Get(ical.PropRecurrenceID) != nil {
			continue
		}
		ms, err := occurrences(comp, loc, from, to)
		if err != nil {
			return nil, err
		}
		for _, m := range ms {
			if !overridden[m.ID] {
				out = append(out, m)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// occurrences expands one VEVENT, recurring or not, into [from, to).
func occurrences(comp *ical.Component, loc *time.Location, from, to time.Time) ([]Meeting, error) {
	base, err := parseMeeting(comp, loc)
	if err != nil {
		return nil, err
	}

	set, err := comp.RecurrenceSet(loc)
	if err != nil {
		return nil, fmt.Errorf("invalid RRULE in %q: %w", base.ID, err)
	}
	if set == nil {
		if !base.Start.Before(from) && base.Start.Before(to) {
			return []Meeting{base}, nil
		}
		return nil, nil
	}
	if err := excludeDates(set, comp, loc); err != nil {
		return nil, err
	}

	length := base.End.Sub(base.Start)
	var out []Meeting
	for _, t := range set.Between(from, to, true) {
		if !t.Before(to) {
			continue
		}
		m := base
		m.Start = t.In(loc)
		m.End = m.Start.Add(length)
		m.ID = occurrenceKey(base.ID, t)
		out = append(out, m)
	}
	return out, nil
}

// excludeDates applies the event's EXDATE lists to set.
func excludeDates(set *rrule.Set, comp *ical.Component, loc *time.Location) error {
	for _, prop := range comp.Props.Values(ical.PropExceptionDates) {
		for _, v := range strings.Split(prop.Value, ",") {
			single := prop
			single.Value = strings.TrimSpace(v)
			t, err := single.DateTime(loc)
			if err != nil {
				return fmt.Errorf("invalid EXDATE %q: %w", v, err)
			}
			set.ExDate(t)
		}
	}
	return nil
}

func skipEvent(comp *ical.Component) bool {
	if status := comp.Props.Get(ical.PropStatus); status != nil && strings.EqualFold(status.Value, "CANCELLED") {
		return true
	}
	start := comp.Props.Get(ical.PropDateTimeStart)
	return start == nil || start.ValueType() == ical.ValueDate
}

func isRecurring(comp *ical.Component) bool {
	return comp.Props.Get(ical.PropRecurrenceRule) != nil || comp.Props.Get(ical.PropRecurrenceID) != nil
}

// parseMeeting reads the fields panels display from a VEVENT.
func parseMeeting(comp *ical.Component, loc *time.Location) (Meeting, error) {
	var m Meeting
	if uid := comp.Props.Get(ical.PropUID); uid != nil {
		m.ID = uid.Value
	}

	start, err := comp.Props.DateTime(ical.PropDateTimeStart, loc)
	if err != nil {
		return m, fmt.Errorf("invalid DTSTART in %q: %w", m.ID, err)
	}
	m.Start = start.In(loc)

	end, err := comp.Props.DateTime(ical.PropDateTimeEnd, loc)
	if err != nil {
		return m, fmt.Errorf("invalid DTEND in %q: %w", m.ID, err)
	}
	if end.IsZero() {
		end = start
		if p := comp.Props.Get(ical.PropDuration); p != nil {
			if dur, err := p.Duration(); err == nil {
				end = start.Add(dur)
			}
		}
	}
	m.End = end.In(loc)

	if m.Subject, err = comp.Props.Text(ical.PropSummary); err != nil {
		return m, fmt.Errorf("invalid SUMMARY in %q: %w", m.ID, err)
	}
	if m.Body, err = comp.Props.Text(ical.PropDescription); err != nil {
		return m, fmt.Errorf("invalid DESCRIPTION in %q: %w", m.ID, err)
	}
	if p := comp.Props.Get(ical.PropOrganizer); p != nil {
		m.Organizer = Person{Email: mailto(p.Value), Name: p.Params.Get(ical.ParamCommonName)}
	}
	for _, p := range comp.Props.Values(ical.PropAttendee) {
		m.Attendees = append(m.Attendees, mailto(p.Value))
	}
	return m, nil
}

func mailto(v string) string {
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		return v[7:]
	}
	return v
}
