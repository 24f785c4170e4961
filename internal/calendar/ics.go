package calendar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPoll is how often iCalendar files are checked for outside edits.
const DefaultPoll = 10 * time.Second

// watchDays is how many days from today are compared when a file changes.
const watchDays = 7

// ICSOptions tunes an ICS backend.
type ICSOptions struct {
	ReadOnly bool
	Location *time.Location
	// Poll is the file check interval; negative disables watching.
	Poll   time.Duration
	Clock  func() time.Time
	Logger zerolog.Logger
}

type icsRoom struct {
	path    string
	modTime time.Time
	cal     *ical.Calendar
	// seen holds the watched window keyed by occurrence id.
	seen map[string]Meeting
}

// ICS serves each room from an iCalendar file. Bookings are written back
// to the file unless the calendar is read only; edits made to the files by
// other programs are reported to the Notifier.
type ICS struct {
	sources map[string]string
	opts    ICSOptions
	log     zerolog.Logger

	mu       sync.Mutex
	rooms    map[string]*icsRoom
	notifier Notifier

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewICS creates a backend reading sources, a map of room address to file path.
func NewICS(sources map[string]string, opts ICSOptions) *ICS {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Poll == 0 {
		opts.Poll = DefaultPoll
	}
	return &ICS{
		sources: sources,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "ics").Logger(),
		rooms:   make(map[string]*icsRoom),
	}
}

// Connect loads every source file and starts watching them.
func (c *ICS) Connect(ctx context.Context, n Notifier) error {
	rooms := make(map[string]*icsRoom, len(c.sources))
	for room, path := range c.sources {
		r := &icsRoom{path: path}
		if err := c.load(r); err != nil {
			return err
		}
		rooms[room] = r
	}

	c.mu.Lock()
	c.rooms = rooms
	c.notifier = n
	for _, r := range rooms {
		if err := c.snapshot(r); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()

	if c.opts.Poll > 0 {
		c.stop = make(chan struct{})
		c.wg.Add(1)
		go c.watch()
	}
	c.log.Info().Int("rooms", len(rooms)).Msg("Loaded iCalendar sources")
	return nil
}

// Close stops watching the files.
func (c *ICS) Close() error {
	if c.stop != nil {
		close(c.stop)
		c.wg.Wait()
		c.stop = nil
	}
	return nil
}

func (c *ICS) Meetings(ctx context.Context, room string, day time.Time) ([]Meeting, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rooms[room]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	}
	from, to := dayBounds(day.In(c.opts.Location))
	return expandCalendar(r.cal, c.opts.Location, from, to)
}

func (c *ICS) CreateBooking(ctx context.Context, room string, b Booking) (Meeting, error) {
	if c.opts.ReadOnly {
		return Meeting{}, ErrReadOnly
	}
	if !b.End.After(b.Start) {
		return Meeting{}, ErrEndBeforeStart
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rooms[room]
	if !ok {
		return Meeting{}, fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	}
	from, _ := dayBounds(b.Start.In(c.opts.Location))
	_, to := dayBounds(b.End.In(c.opts.Location))
	existing, err := expandCalendar(r.cal, c.opts.Location, from.AddDate(0, 0, -1), to)
	if err != nil {
		return Meeting{}, err
	}
	for _, m := range existing {
		if m.Start.Before(b.End) && b.Start.Before(m.End) {
			return Meeting{}, fmt.Errorf("%w: %s overlaps %q", ErrSlotTaken, b.Start.Format(time.Kitchen), m.Subject)
		}
	}

	ev := ical.NewEvent()
	id := uuid.New().String()
	ev.Props.SetText(ical.PropUID, id)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, c.opts.Clock().UTC())
	ev.Props.SetDateTime(ical.PropDateTimeStart, b.Start.UTC())
	ev.Props.SetDateTime(ical.PropDateTimeEnd, b.End.UTC())
	ev.Props.SetText(ical.PropSummary, b.Subject)
	if b.Organizer.Email != "" {
		org := ical.NewProp(ical.PropOrganizer)
		org.Value = "mailto:" + b.Organizer.Email
		if b.Organizer.Name != "" {
			org.Params.Set(ical.ParamCommonName, b.Organizer.Name)
		}
		ev.Props.Set(org)
	}
	r.cal.Children = append(r.cal.Children, ev.Component)

	if err := c.save(r); err != nil {
		return Meeting{}, err
	}
	return parseMeeting(ev.Component, c.opts.Location)
}

func (c *ICS) ExtendMeeting(ctx context.Context, room string, start, end time.Time, by Person) (Meeting, error) {
	return c.changeEnd(room, start, end, by, "Extended")
}

func (c *ICS) EndMeeting(ctx context.Context, room string, start, end time.Time, by Person) (Meeting, error) {
	return c.changeEnd(room, start, end, by, "Ended")
}

func (c *ICS) changeEnd(room string, start, end time.Time, by Person, verb string) (Meeting, error) {
	if c.opts.ReadOnly {
		return Meeting{}, ErrReadOnly
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, comp, m, err := c.find(room, start)
	if err != nil {
		return Meeting{}, err
	}
	if isRecurring(comp) {
		return Meeting{}, ErrRecurring
	}
	if end.Before(m.Start) {
		return Meeting{}, ErrEndBeforeStart
	}

	comp.Props.Del(ical.PropDuration)
	comp.Props.SetDateTime(ical.PropDateTimeEnd, end.UTC())
	comp.Props.SetText(ical.PropSummary, annotate(verb, by, m.Subject))
	if err := c.save(r); err != nil {
		return Meeting{}, err
	}
	return parseMeeting(comp, c.opts.Location)
}

func (c *ICS) CancelMeeting(ctx context.Context, room string, start time.Time, by Person) error {
	if c.opts.ReadOnly {
		return ErrReadOnly
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	r, comp, m, err := c.find(room, start)
	if err != nil {
		return err
	}

	switch {
	case comp.Props.Get(ical.PropRecurrenceRule) != nil:
		ex := ical.NewProp(ical.PropExceptionDates)
		ex.SetDateTime(m.Start.UTC())
		comp.Props.Add(ex)
	case comp.Props.Get(ical.PropRecurrenceID) != nil:
		comp.Props.SetText(ical.PropStatus, "CANCELLED")
	default:
		children := r.cal.Children[:0]
		for _, child := range r.cal.Children {
			if child != comp {
				children = append(children, child)
			}
		}
		r.cal.Children = children
	}
	return c.save(r)
}

func (c *ICS) IsAttendee(ctx context.Context, room string, start time.Time, email string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, _, m, err := c.find(room, start)
	if err != nil {
		return false, err
	}
	return m.HasAttendee(email), nil
}

// find returns the VEVENT holding the occurrence starting at start.
// Callers hold c.mu.
func (c *ICS) find(room string, start time.Time) (*icsRoom, *ical.Component, Meeting, error) {
	r, ok := c.rooms[room]
	if !ok {
		return nil, nil, Meeting{}, fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	}
	from, to := dayBounds(start.In(c.opts.Location))
	for _, comp := range r.cal.Children {
		if comp.Name != ical.CompEvent || skipEvent(comp) {
			continue
		}
		var ms []Meeting
		var err error
		if comp.Props.Get(ical.PropRecurrenceID) != nil {
			var m Meeting
			m, err = parseMeeting(comp, c.opts.Location)
			ms = []Meeting{m}
		} else {
			ms, err = occurrences(comp, c.opts.Location, from, to)
		}
		if err != nil {
			return nil, nil, Meeting{}, err
		}
		for _, m := range ms {
			if m.startsAt(start) {
				return r, comp, m, nil
			}
		}
	}
	return nil, nil, Meeting{}, ErrMeetingNotFound
}

func (c *ICS) load(r *icsRoom) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("failed to open calendar: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat calendar: %w", err)
	}
	cal, err := ical.NewDecoder(f).Decode()
	if err == io.EOF {
		return fmt.Errorf("calendar %s is empty", r.path)
	}
	if err != nil {
		return fmt.Errorf("failed to decode calendar %s: %w", r.path, err)
	}
	r.cal = cal
	r.modTime = info.ModTime()
	return nil
}

// save writes the calendar back through a temporary file and refreshes the
// snapshot so the write is not reported as an outside edit.
func (c *ICS) save(r *icsRoom) error {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(r.cal); err != nil {
		return fmt.Errorf("failed to encode calendar: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".panl-*.ics")
	if err != nil {
		return fmt.Errorf("failed to write calendar: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write calendar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write calendar: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace calendar: %w", err)
	}
	if info, err := os.Stat(r.path); err == nil {
		r.modTime = info.ModTime()
	}
	return c.snapshot(r)
}

// window returns today's midnight and the end of the watched range.
func (c *ICS) window() (time.Time, time.Time) {
	from, _ := dayBounds(c.opts.Clock().In(c.opts.Location))
	return from, from.AddDate(0, 0, watchDays)
}

func (c *ICS) snapshot(r *icsRoom) error {
	from, to := c.window()
	ms, err := expandCalendar(r.cal, c.opts.Location, from, to)
	if err != nil {
		return err
	}
	r.seen = make(map[string]Meeting, len(ms))
	for _, m := range ms {
		r.seen[m.ID] = m
	}
	return nil
}

func (c *ICS) watch() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Refresh()
		}
	}
}

// Refresh reloads files changed on disk and reports the differences.
func (c *ICS) Refresh() {
	type change struct {
		room string
		diff []meetingChange
	}
	var changes []change

	c.mu.Lock()
	for room, r := range c.rooms {
		info, err := os.Stat(r.path)
		if err != nil {
			c.log.Warn().Err(err).Str("room", room).Msg("Cannot stat calendar")
			continue
		}
		if info.ModTime().Equal(r.modTime) {
			continue
		}
		old := r.seen
		if err := c.load(r); err != nil {
			c.log.Warn().Err(err).Str("room", room).Msg("Cannot reload calendar")
			continue
		}
		if err := c.snapshot(r); err != nil {
			c.log.Warn().Err(err).Str("room", room).Msg("Cannot expand calendar")
			continue
		}
		if d := diffMeetings(old, r.seen); len(d) > 0 {
			changes = append(changes, change{room: room, diff: d})
		}
	}
	n := c.notifier
	c.mu.Unlock()

	if n == nil {
		return
	}
	for _, ch := range changes {
		c.log.Debug().Str("room", ch.room).Int("changes", len(ch.diff)).Msg("Calendar changed on disk")
		for _, d := range ch.diff {
			switch d.kind {
			case changeAdded:
				n.Added(ch.room, d.meeting)
			case changeDeleted:
				n.Deleted(ch.room, d.meeting.Start)
			case changeEnd:
				n.EndChanged(ch.room, d.meeting)
			case changeUpdated:
				n.Updated(ch.room, d.meeting)
			}
		}
	}
}

type changeKind int

const (
	changeAdded changeKind = iota
	changeDeleted
	changeEnd
	changeUpdated
)

type meetingChange struct {
	kind    changeKind
	meeting Meeting
}

// diffMeetings compares two snapshots keyed by occurrence id.
func diffMeetings(old, cur map[string]Meeting) []meetingChange {
	var out []meetingChange
	for id, m := range old {
		if _, ok := cur[id]; !ok {
			out = append(out, meetingChange{kind: changeDeleted, meeting: m})
		}
	}
	for id, m := range cur {
		prev, ok := old[id]
		switch {
		case !ok:
			out = append(out, meetingChange{kind: changeAdded, meeting: m})
		case !prev.Start.Equal(m.Start):
			out = append(out,
				meetingChange{kind: changeDeleted, meeting: prev},
				meetingChange{kind: changeAdded, meeting: m})
		case !prev.End.Equal(m.End):
			out = append(out, meetingChange{kind: changeEnd, meeting: m})
		case prev.Subject != m.Subject || prev.Organizer != m.Organizer || prev.Body != m.Body:
			out = append(out, meetingChange{kind: changeUpdated, meeting: m})
		}
	}
	return out
}
