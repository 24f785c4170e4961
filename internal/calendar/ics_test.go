package calendar

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	planningEvent = `BEGIN:VEVENT
UID:planning
DTSTAMP:20180301T000000Z
DTSTART:20180307T090000Z
DTEND:20180307T093000Z
SUMMARY:Planning
DESCRIPTION:Quarterly plan\, draft two
ORGANIZER;CN=Fred Dart:mailto:fred@ftdichip.com
ATTENDEE:mailto:jane@ftdichip.com
END:VEVENT
`
	dailyEvents = `BEGIN:VEVENT
UID:daily
DTSTAMP:20180301T000000Z
DTSTART:20180305T160000Z
DTEND:20180305T163000Z
RRULE:FREQ=DAILY;COUNT=10
EXDATE:20180308T160000Z
SUMMARY:Daily
END:VEVENT
BEGIN:VEVENT
UID:daily
DTSTAMP:20180301T000000Z
RECURRENCE-ID:20180309T160000Z
DTSTART:20180309T170000Z
DTEND:20180309T173000Z
SUMMARY:Daily (moved)
END:VEVENT
`
	holidayEvent = `BEGIN:VEVENT
UID:holiday
DTSTAMP:20180301T000000Z
DTSTART;VALUE=DATE:20180307
SUMMARY:Holiday
END:VEVENT
`
	cancelledEvent = `BEGIN:VEVENT
UID:cancelled
DTSTAMP:20180301T000000Z
DTSTART:20180307T120000Z
DTEND:20180307T130000Z
STATUS:CANCELLED
SUMMARY:Lunch
END:VEVENT
`
)

const icsRoomAddress = "sentosa@ftdichip.com"

func writeICS(t *testing.T, path string, events ...string) {
	t.Helper()
	body := "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//PanL//Test//EN\n" + strings.Join(events, "") + "END:VCALENDAR\n"
	require.NoError(t, os.WriteFile(path, []byte(strings.ReplaceAll(body, "\n", "\r\n")), 0o644))
}

func newICS(t *testing.T, readOnly bool, n Notifier) (*ICS, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentosa.ics")
	writeICS(t, path, planningEvent, dailyEvents, holidayEvent, cancelledEvent)

	c := NewICS(map[string]string{icsRoomAddress: path}, ICSOptions{
		ReadOnly: readOnly,
		Location: time.UTC,
		Poll:     -1,
		Clock:    fixedClock,
	})
	require.NoError(t, c.Connect(context.Background(), n))
	t.Cleanup(func() { c.Close() })
	return c, path
}

func subjects(ms []Meeting) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Subject
	}
	return out
}

func TestICSMeetings(t *testing.T) {
	c, _ := newICS(t, false, nil)
	ctx := context.Background()

	today, err := c.Meetings(ctx, icsRoomAddress, testNow)
	require.NoError(t, err)
	require.Equal(t, []string{"Planning", "Daily"}, subjects(today))
	assert.Equal(t, "Quarterly plan, draft two", today[0].Body)
	assert.Equal(t, Person{Email: "fred@ftdichip.com", Name: "Fred Dart"}, today[0].Organizer)
	assert.Equal(t, []string{"jane@ftdichip.com"}, today[0].Attendees)
	assert.Equal(t, at(0, 16, 30), today[1].End)

	excluded, err := c.Meetings(ctx, icsRoomAddress, at(1, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, excluded)

	moved, err := c.Meetings(ctx, icsRoomAddress, at(2, 0, 0))
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, "Daily (moved)", moved[0].Subject)
	assert.Equal(t, at(2, 17, 0), moved[0].Start)
	assert.Equal(t, occurrenceKey("daily", at(2, 16, 0)), moved[0].ID)

	_, err = c.Meetings(ctx, "nowhere@ftdichip.com", testNow)
	assert.ErrorIs(t, err, ErrUnknownRoom)
}

func TestICSCreateBookingWritesFile(t *testing.T) {
	c, path := newICS(t, false, nil)
	ctx := context.Background()

	mt, err := c.CreateBooking(ctx, icsRoomAddress, Booking{
		Start:     at(0, 10, 0),
		End:       at(0, 10, 30),
		Subject:   "Meeting create by PanL70",
		Organizer: Person{Email: "jane@ftdichip.com", Name: "Jane Doe"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, mt.ID)
	assert.Equal(t, "Jane Doe", mt.Organizer.Name)

	_, err = c.CreateBooking(ctx, icsRoomAddress, Booking{Start: at(0, 9, 15), End: at(0, 9, 45)})
	assert.ErrorIs(t, err, ErrSlotTaken)
	_, err = c.CreateBooking(ctx, icsRoomAddress, Booking{Start: at(0, 16, 15), End: at(0, 16, 45)})
	assert.ErrorIs(t, err, ErrSlotTaken, "recurring occurrences block the slot")

	reopened := NewICS(map[string]string{icsRoomAddress: path}, ICSOptions{Location: time.UTC, Poll: -1, Clock: fixedClock})
	require.NoError(t, reopened.Connect(ctx, nil))
	today, err := reopened.Meetings(ctx, icsRoomAddress, testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"Planning", "Meeting create by PanL70", "Daily"}, subjects(today))
}

func TestICSChangeEnd(t *testing.T) {
	c, _ := newICS(t, false, nil)
	ctx := context.Background()

	mt, err := c.ExtendMeeting(ctx, icsRoomAddress, at(0, 9, 0), at(0, 10, 0), Person{Name: "Fred Dart"})
	require.NoError(t, err)
	assert.Equal(t, at(0, 10, 0), mt.End)
	assert.Equal(t, "Extended by Fred Dart: Planning", mt.Subject)

	_, err = c.EndMeeting(ctx, icsRoomAddress, at(0, 16, 0), at(0, 16, 10), Person{})
	assert.ErrorIs(t, err, ErrRecurring)

	_, err = c.EndMeeting(ctx, icsRoomAddress, at(0, 9, 0), at(0, 8, 0), Person{})
	assert.ErrorIs(t, err, ErrEndBeforeStart)

	_, err = c.ExtendMeeting(ctx, icsRoomAddress, at(0, 11, 0), at(0, 12, 0), Person{})
	assert.ErrorIs(t, err, ErrMeetingNotFound)
}

func TestICSCancel(t *testing.T) {
	c, _ := newICS(t, false, nil)
	ctx := context.Background()

	require.NoError(t, c.CancelMeeting(ctx, icsRoomAddress, at(0, 16, 0), Person{}))
	today, err := c.Meetings(ctx, icsRoomAddress, testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"Planning"}, subjects(today))

	tomorrowButOne, err := c.Meetings(ctx, icsRoomAddress, at(3, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"Daily"}, subjects(tomorrowButOne), "other occurrences survive")

	require.NoError(t, c.CancelMeeting(ctx, icsRoomAddress, at(2, 17, 0), Person{}))
	moved, err := c.Meetings(ctx, icsRoomAddress, at(2, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, moved, "cancelled override must not bring back the original occurrence")

	require.NoError(t, c.CancelMeeting(ctx, icsRoomAddress, at(0, 9, 0), Person{}))
	today, err = c.Meetings(ctx, icsRoomAddress, testNow)
	require.NoError(t, err)
	assert.Empty(t, today)
}

func TestICSReadOnly(t *testing.T) {
	c, _ := newICS(t, true, nil)
	ctx := context.Background()

	_, err := c.CreateBooking(ctx, icsRoomAddress, Booking{Start: at(0, 11, 0), End: at(0, 11, 30)})
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = c.ExtendMeeting(ctx, icsRoomAddress, at(0, 9, 0), at(0, 10, 0), Person{})
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, c.CancelMeeting(ctx, icsRoomAddress, at(0, 9, 0), Person{}), ErrReadOnly)

	ok, err := c.IsAttendee(ctx, icsRoomAddress, at(0, 9, 0), "fred@ftdichip.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

type recordedChange struct {
	kind    string
	room    string
	subject string
	start   time.Time
	end     time.Time
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []recordedChange
}

func (r *recordingNotifier) record(c recordedChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recordingNotifier) Added(room string, m Meeting) {
	r.record(recordedChange{kind: "added", room: room, subject: m.Subject, start: m.Start, end: m.End})
}

func (r *recordingNotifier) EndChanged(room string, m Meeting) {
	r.record(recordedChange{kind: "end", room: room, subject: m.Subject, start: m.Start, end: m.End})
}

func (r *recordingNotifier) Deleted(room string, start time.Time) {
	r.record(recordedChange{kind: "deleted", room: room, start: start})
}

func (r *recordingNotifier) Updated(room string, m Meeting) {
	r.record(recordedChange{kind: "updated", room: room, subject: m.Subject, start: m.Start, end: m.End})
}

func (r *recordingNotifier) byKind() map[string]recordedChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]recordedChange, len(r.changes))
	for _, c := range r.changes {
		out[c.kind] = c
	}
	return out
}

func TestICSRefreshReportsOutsideEdits(t *testing.T) {
	n := &recordingNotifier{}
	c, path := newICS(t, false, n)

	c.Refresh()
	assert.Empty(t, n.byKind(), "unchanged file reports nothing")

	longer := strings.Replace(planningEvent, "DTEND:20180307T093000Z", "DTEND:20180307T100000Z", 1)
	added := `BEGIN:VEVENT
UID:review
DTSTAMP:20180301T000000Z
DTSTART:20180308T110000Z
DTEND:20180308T113000Z
SUMMARY:Review
END:VEVENT
`
	renamed := strings.Replace(dailyEvents, "SUMMARY:Daily (moved)", "SUMMARY:Daily (room change)", 1)
	writeICS(t, path, longer, renamed, added)
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	c.Refresh()
	changes := n.byKind()
	require.Len(t, changes, 3)
	assert.Equal(t, at(0, 10, 0), changes["end"].end)
	assert.Equal(t, "Review", changes["added"].subject)
	assert.Equal(t, "Daily (room change)", changes["updated"].subject)
	for _, ch := range changes {
		assert.Equal(t, icsRoomAddress, ch.room)
	}
}

func TestDiffMeetings(t *testing.T) {
	base := Meeting{ID: "a", Start: at(0, 9, 0), End: at(0, 10, 0), Subject: "A"}
	moved := base
	moved.Start = at(0, 9, 30)

	diff := diffMeetings(map[string]Meeting{"a": base}, map[string]Meeting{"a": moved})
	require.Len(t, diff, 2)
	assert.Equal(t, changeDeleted, diff[0].kind)
	assert.Equal(t, at(0, 9, 0), diff[0].meeting.Start)
	assert.Equal(t, changeAdded, diff[1].kind)

	gone := diffMeetings(map[string]Meeting{"a": base}, map[string]Meeting{})
	require.Len(t, gone, 1)
	assert.Equal(t, changeDeleted, gone[0].kind)

	assert.Empty(t, diffMeetings(map[string]Meeting{"a": base}, map[string]Meeting{"a": base}))
}
