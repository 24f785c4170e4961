package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/persist"
)

type demoEmployee struct {
	person   Person
	passcode uint32
}

type demoMeeting struct {
	dayOffset int
	start     time.Duration // from midnight
	length    time.Duration
	subject   string
	attendees []string // first one organizes
}

var demoEmployees = []demoEmployee{
	{person: Person{Email: "panl@ftdichip.com", Name: "PanL"}},
	{person: Person{Email: "passcode@ftdichip.com", Name: "Jone Doe"}, passcode: 0x666666},
	{person: Person{Email: "rfid@ftdichip.com", Name: "Jane Doe"}},
	{person: Person{Email: "fred@ftdichip.com", Name: "Fred Dart"}, passcode: 0x888888},
}

var demoRooms = []persist.Room{
	{Address: "sentosa@ftdichip.com", Name: "Sentosa"},
	{Address: "test@ftdichip.com", Name: "Test"},
}

var demoMeetings = []demoMeeting{
	{
		start: 14*time.Hour + 30*time.Minute, length: 30 * time.Minute,
		subject:   "MRBS weekly",
		attendees: []string{"passcode@ftdichip.com", "fred@ftdichip.com", "rfid@ftdichip.com"},
	},
	{
		dayOffset: 1, start: 9*time.Hour + 30*time.Minute, length: 30 * time.Minute,
		subject:   "ID Design",
		attendees: []string{"rfid@ftdichip.com", "fred@ftdichip.com"},
	},
	{
		dayOffset: 3, start: 9*time.Hour + 30*time.Minute, length: 30 * time.Minute,
		subject:   "Hardware Design",
		attendees: []string{"fred@ftdichip.com", "passcode@ftdichip.com", "rfid@ftdichip.com"},
	},
}

// Memory is a demo calendar kept in process memory. On connect it seeds
// two rooms, four employees and a few meetings around the current date.
type Memory struct {
	seeder Seeder
	now    func() time.Time

	mu       sync.Mutex
	people   map[string]Person
	meetings map[string][]Meeting
}

// NewMemory creates an empty demo calendar. seeder may be nil.
func NewMemory(seeder Seeder, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		seeder:   seeder,
		now:      now,
		people:   make(map[string]Person),
		meetings: make(map[string][]Meeting),
	}
}

// Connect seeds the demo data. The memory calendar never changes on its
// own, so n is not used.
func (c *Memory) Connect(ctx context.Context, n Notifier) error {
	if c.seeder != nil {
		for _, e := range demoEmployees {
			if err := c.seeder.AddEmployee(ctx, persist.Employee{Email: e.person.Email, Name: e.person.Name}); err != nil {
				return fmt.Errorf("failed to seed employee: %w", err)
			}
			if e.passcode != 0 {
				if err := c.seeder.SetPasscode(ctx, e.passcode, e.person.Email); err != nil {
					return fmt.Errorf("failed to seed passcode: %w", err)
				}
			}
		}
		for _, r := range demoRooms {
			if err := c.seeder.AddRoom(ctx, r); err != nil {
				return fmt.Errorf("failed to seed room: %w", err)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range demoEmployees {
		c.people[e.person.Email] = e.person
	}
	today, _ := dayBounds(c.now())
	for _, r := range demoRooms {
		meetings := make([]Meeting, 0, len(demoMeetings))
		for _, d := range demoMeetings {
			y, m, day := today.Date()
			start := time.Date(y, m, day+d.dayOffset, 0, 0, 0, 0, today.Location()).Add(d.start)
			meetings = append(meetings, Meeting{
				ID:        uuid.New().String(),
				Start:     start,
				End:       start.Add(d.length),
				Subject:   d.subject,
				Organizer: c.people[d.attendees[0]],
				Attendees: append([]string(nil), d.attendees...),
			})
		}
		c.meetings[r.Address] = meetings
	}
	return nil
}

// Close drops every meeting.
func (c *Memory) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meetings = make(map[string][]Meeting)
	return nil
}

func (c *Memory) Meetings(ctx context.Context, room string, day time.Time) ([]Meeting, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	all, ok := c.meetings[room]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	}
	from, to := dayBounds(day)
	var out []Meeting
	for _, m := range all {
		if !m.Start.Before(from) && m.Start.Before(to) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Memory) CreateBooking(ctx context.Context, room string, b Booking) (Meeting, error) {
	if !b.End.After(b.Start) {
		return Meeting{}, ErrEndBeforeStart
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	all, ok := c.meetings[room]
	if !ok {
		return Meeting{}, fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	}
	for _, m := range all {
		if m.Start.Before(b.End) && b.Start.Before(m.End) {
			return Meeting{}, fmt.Errorf("%w: %s overlaps %q", ErrSlotTaken, b.Start.Format(time.Kitchen), m.Subject)
		}
	}

	m := Meeting{
		ID:        uuid.New().String(),
		Start:     b.Start,
		End:       b.End,
		Subject:   b.Subject,
		Organizer: b.Organizer,
	}
	if b.Organizer.Email != "" {
		m.Attendees = []string{b.Organizer.Email}
	}
	all = append(all, m)
	sort.Slice(all, func(i, j int) bool { return all[i].Start.Before(all[j].Start) })
	c.meetings[room] = all
	return m, nil
}

func (c *Memory) ExtendMeeting(ctx context.Context, room string, start, end time.Time, by Person) (Meeting, error) {
	return c.changeEnd(room, start, end, by, "Extended")
}

func (c *Memory) EndMeeting(ctx context.Context, room string, start, end time.Time, by Person) (Meeting, error) {
	return c.changeEnd(room, start, end, by, "Ended")
}

func (c *Memory) changeEnd(room string, start, end time.Time, by Person, verb string) (Meeting, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.find(room, start)
	if err != nil {
		return Meeting{}, err
	}
	if end.Before(m.Start) {
		return Meeting{}, ErrEndBeforeStart
	}
	m.End = end
	m.Subject = annotate(verb, by, m.Subject)
	return *m, nil
}

func (c *Memory) CancelMeeting(ctx context.Context, room string, start time.Time, by Person) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	all, ok := c.meetings[room]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	}
	for i, m := range all {
		if m.startsAt(start) {
			c.meetings[room] = append(all[:i], all[i+1:]...)
			return nil
		}
	}
	return ErrMeetingNotFound
}

func (c *Memory) IsAttendee(ctx context.Context, room string, start time.Time, email string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.find(room, start)
	if err != nil {
		return false, err
	}
	return m.HasAttendee(email), nil
}

func (c *Memory) find(room string, start time.Time) (*Meeting, error) {
	all, ok := c.meetings[room]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoom, room)
	}
	for i := range all {
		if all[i].startsAt(start) {
			return &all[i], nil
		}
	}
	return nil, ErrMeetingNotFound
}
