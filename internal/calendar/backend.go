package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/persist"
)

var (
	// ErrUnknownRoom is returned for a room address the backend has no calendar for.
	ErrUnknownRoom = errors.New("calendar: unknown room")
	// ErrNotConnected is returned while no backend is connected.
	ErrNotConnected = errors.New("calendar: not connected")
	// ErrUnconfigured is returned by NewBackend when no calendar is configured.
	ErrUnconfigured = errors.New("calendar: not configured")
	// ErrMeetingNotFound is returned when no meeting starts at the given time.
	ErrMeetingNotFound = errors.New("calendar: meeting not found")
	// ErrSlotTaken is returned when a booking overlaps an existing meeting.
	ErrSlotTaken = errors.New("calendar: slot already booked")
	// ErrEndBeforeStart is returned for meetings that would end before they start.
	ErrEndBeforeStart = errors.New("calendar: end before start")
	// ErrReadOnly is returned for changes to a read-only calendar.
	ErrReadOnly = errors.New("calendar: read only")
	// ErrRecurring is returned for time changes to one occurrence of a series.
	ErrRecurring = errors.New("calendar: cannot change a recurring occurrence")
)

// Person is an organizer or the employee acting on a meeting. The zero
// value is an anonymous panel user.
type Person struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// DisplayName returns the name shown on panels.
func (p Person) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Email
}

// Meeting is one occurrence of a calendar event.
type Meeting struct {
	ID        string    `json:"id"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Subject   string    `json:"subject"`
	Organizer Person    `json:"organizer"`
	Body      string    `json:"body,omitempty"`
	Attendees []string  `json:"attendees,omitempty"`
}

// HasAttendee reports whether email organizes or attends the meeting.
func (m Meeting) HasAttendee(email string) bool {
	if email == "" {
		return false
	}
	if strings.EqualFold(m.Organizer.Email, email) {
		return true
	}
	for _, a := range m.Attendees {
		if strings.EqualFold(a, email) {
			return true
		}
	}
	return false
}

func (m Meeting) startsAt(t time.Time) bool {
	return m.Start.Truncate(time.Minute).Equal(t.Truncate(time.Minute))
}

// Booking is a meeting created from a panel.
type Booking struct {
	Start     time.Time
	End       time.Time
	Subject   string
	Organizer Person
}

// Notifier receives changes a backend observes outside the hub's own
// requests, such as an edited calendar file.
type Notifier interface {
	Added(room string, m Meeting)
	EndChanged(room string, m Meeting)
	Deleted(room string, start time.Time)
	Updated(room string, m Meeting)
}

// Backend is a calendar service holding the meetings of rooms.
// Meetings are addressed by room address and start time.
type Backend interface {
	Connect(ctx context.Context, n Notifier) error
	Close() error
	// Meetings returns the meetings of room starting on day's date, ordered by start.
	Meetings(ctx context.Context, room string, day time.Time) ([]Meeting, error)
	CreateBooking(ctx context.Context, room string, b Booking) (Meeting, error)
	ExtendMeeting(ctx context.Context, room string, start, end time.Time, by Person) (Meeting, error)
	EndMeeting(ctx context.Context, room string, start, end time.Time, by Person) (Meeting, error)
	CancelMeeting(ctx context.Context, room string, start time.Time, by Person) error
	IsAttendee(ctx context.Context, room string, start time.Time, email string) (bool, error)
}

// Seeder stores the rooms and employees a demo backend brings along.
type Seeder interface {
	AddRoom(ctx context.Context, room persist.Room) error
	AddEmployee(ctx context.Context, e persist.Employee) error
	SetPasscode(ctx context.Context, passcode uint32, email string) error
}

// BackendOptions carries what backends need besides their configuration.
type BackendOptions struct {
	Seeder   Seeder
	Clock    func() time.Time
	Location *time.Location
	Poll     time.Duration
	Logger   zerolog.Logger
}

// NewBackend builds the backend selected by cfg.
func NewBackend(cfg persist.CalendarConfig, opts BackendOptions) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case persist.CalendarMemory:
		return NewMemory(opts.Seeder, opts.Clock), nil
	case persist.CalendarICS:
		return NewICS(cfg.Sources, ICSOptions{
			ReadOnly: cfg.ReadOnly,
			Location: opts.Location,
			Poll:     opts.Poll,
			Clock:    opts.Clock,
			Logger:   opts.Logger,
		}), nil
	case persist.CalendarUnconfigured:
		return nil, ErrUnconfigured
	}
	return nil, fmt.Errorf("unknown calendar type %q", cfg.Type)
}

// dayBounds returns local midnight of t's date and of the next date.
func dayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start, time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

// annotate prefixes subject with who changed the meeting.
func annotate(verb string, by Person, subject string) string {
	if name := by.DisplayName(); name != "" {
		return fmt.Sprintf("%s by %s: %s", verb, name, subject)
	}
	return fmt.Sprintf("%s: %s", verb, subject)
}
