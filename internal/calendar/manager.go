// Package calendar connects panels to a calendar backend. The Manager keeps
// the backend connected, fills the timeline cache on misses, applies the
// panel access rights to booking operations and mirrors every meeting change
// into the cache of the panels showing the affected room.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/persist"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/protocol"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/cache"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

// DefaultRetryInterval is the wait between failed connection attempts.
const DefaultRetryInterval = 30 * time.Second

// anonymousOrganizer organizes bookings made without signing in.
const anonymousOrganizer = "PanL"

// EventKind is the type of a manager event.
type EventKind int

const (
	// EventReady is emitted once the backend is connected.
	EventReady EventKind = iota
	// EventConnectFailed is emitted for each failed connection attempt.
	EventConnectFailed
	// EventAdded means a meeting was added at Span.
	EventAdded
	// EventEndChanged means the meeting at Span.Point now lasts Span.Duration.
	EventEndChanged
	// EventDeleted means the meeting at Span.Point was removed.
	EventDeleted
	// EventUpdated means the info of the meeting at Span.Point changed.
	EventUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventConnectFailed:
		return "connect_failed"
	case EventAdded:
		return "added"
	case EventEndChanged:
		return "end_changed"
	case EventDeleted:
		return "deleted"
	case EventUpdated:
		return "updated"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a manager state change or a meeting change for one panel.
type Event struct {
	Kind EventKind
	Path panl.Path
	Span panl.TimeSpan
	Err  error
}

// Directory resolves employee names.
type Directory interface {
	Employee(ctx context.Context, email string) (persist.Employee, error)
}

// Opener builds the configured backend on every connection attempt.
type Opener func(ctx context.Context) (Backend, error)

// Config tunes a Manager.
type Config struct {
	RetryInterval time.Duration
	Hub           persist.HubConfig
	Panel         persist.PanelConfig
	Clock         func() time.Time
	Logger        zerolog.Logger
}

// Manager owns the calendar backend connection.
type Manager struct {
	cache *cache.Client
	dir   Directory
	open  Opener
	retry time.Duration
	now   func() time.Time
	log   zerolog.Logger

	mu      sync.RWMutex
	backend Backend
	hub     persist.HubConfig
	panel   persist.PanelConfig

	events  chan Event
	done    chan struct{}
	emitMu  sync.RWMutex
	stopped bool
}

// NewManager creates a manager. Run must be called to connect.
func NewManager(c *cache.Client, dir Directory, open Opener, cfg Config) *Manager {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		cache:  c,
		dir:    dir,
		open:   open,
		retry:  cfg.RetryInterval,
		now:    cfg.Clock,
		log:    cfg.Logger.With().Str("component", "calendar").Logger(),
		hub:    cfg.Hub,
		panel:  cfg.Panel,
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
}

// Events returns the manager's event stream. It is closed when Run returns.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Connected reports whether a backend is connected.
func (m *Manager) Connected() bool {
	return m.current() != nil
}

// SetHubConfig replaces the hub settings used for new bookings.
func (m *Manager) SetHubConfig(cfg persist.HubConfig) {
	m.mu.Lock()
	m.hub = cfg
	m.mu.Unlock()
}

// SetPanelConfig replaces the access rights applied to panel requests.
func (m *Manager) SetPanelConfig(cfg persist.PanelConfig) {
	m.mu.Lock()
	m.panel = cfg
	m.mu.Unlock()
}

// Run connects the backend, retrying at the fixed interval until it
// succeeds, then holds the connection until ctx is done. An unconfigured
// calendar leaves the manager idle.
func (m *Manager) Run(ctx context.Context) error {
	defer m.shutdown()

	for attempt := 1; ; attempt++ {
		err := m.connect(ctx)
		if err == nil {
			break
		}
		if errors.Is(err, ErrUnconfigured) {
			m.log.Info().Msg("Calendar is not configured")
			<-ctx.Done()
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		m.log.Error().Err(err).Int("attempt", attempt).Dur("retry_in", m.retry).Msg("Failed to connect calendar")
		m.emit(Event{Kind: EventConnectFailed, Err: err})

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.retry):
		}
	}

	m.log.Info().Msg("Calendar manager is online")
	m.emit(Event{Kind: EventReady})
	<-ctx.Done()
	return nil
}

func (m *Manager) connect(ctx context.Context) error {
	b, err := m.open(ctx)
	if err != nil {
		return err
	}
	if err := b.Connect(ctx, notifier{m}); err != nil {
		b.Close()
		return fmt.Errorf("failed to connect calendar: %w", err)
	}
	m.mu.Lock()
	m.backend = b
	m.mu.Unlock()
	return nil
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	b := m.backend
	m.backend = nil
	m.mu.Unlock()
	if b != nil {
		if err := b.Close(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to close calendar")
		}
	}

	close(m.done)
	m.emitMu.Lock()
	m.stopped = true
	close(m.events)
	m.emitMu.Unlock()
}

func (m *Manager) emit(ev Event) {
	m.emitMu.RLock()
	defer m.emitMu.RUnlock()
	if m.stopped {
		return
	}
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Manager) current() Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend
}

func (m *Manager) settings() (persist.HubConfig, persist.PanelConfig) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hub, m.panel
}

// FetchTimeline loads a day of the panel's room from the backend into the
// cache. It reports false when the backend has no calendar for the room.
func (m *Manager) FetchTimeline(ctx context.Context, path panl.Path, day int8) (bool, error) {
	b := m.current()
	if b == nil {
		return false, ErrNotConnected
	}
	room, err := m.cache.GetRoomAddress(ctx, path)
	if err != nil {
		return false, fmt.Errorf("failed to get room of %s: %w", path, err)
	}

	date := panl.StartOfDay(m.now()).AddDate(0, 0, int(day))
	meetings, err := b.Meetings(ctx, room, date)
	if errors.Is(err, ErrUnknownRoom) {
		m.log.Debug().Str("room", room).Msg("Room has no calendar")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to fetch meetings of %s: %w", room, err)
	}

	cached := make([]cache.Meeting, 0, len(meetings))
	for _, mt := range meetings {
		entry, ok := entryOn(date, mt)
		if !ok {
			continue
		}
		info := meetingInfo(mt)
		cached = append(cached, cache.Meeting{Entry: entry, Info: &info, ID: mt.ID})
	}
	if err := m.cache.SetDay(ctx, path, day, cached); err != nil {
		return false, err
	}
	m.log.Debug().Str("path", path.String()).Str("room", room).Int8("day", day).Int("meetings", len(cached)).Msg("Cached timeline")
	return true, nil
}

// GetTimeline serves a timeline request from the cache, fetching the day
// from the backend on a miss.
func (m *Manager) GetTimeline(ctx context.Context, path panl.Path, req panl.TimelineRequest) ([]panl.TimelineEntry, error) {
	entries, ok, err := m.cache.GetTimeline(ctx, path, req)
	if err != nil || ok {
		return entries, err
	}
	if _, err := m.FetchTimeline(ctx, path, req.Point.DayOffset); err != nil {
		return nil, err
	}
	entries, ok, err = m.cache.GetTimeline(ctx, path, req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []panl.TimelineEntry{}, nil
	}
	return entries, nil
}

// GetMeetingInfo returns what the panel displays for the meeting at tp.
func (m *Manager) GetMeetingInfo(ctx context.Context, path panl.Path, tp panl.TimePoint) (panl.MeetingInfo, error) {
	info, err := m.cache.GetMeetingInfo(ctx, path, tp)
	if !cache.IsNotFound(err) {
		return info, err
	}
	if _, fetched, derr := m.cache.GetDay(ctx, path, tp.DayOffset); derr != nil || fetched {
		return info, err
	}
	if _, ferr := m.FetchTimeline(ctx, path, tp.DayOffset); ferr != nil {
		return info, ferr
	}
	return m.cache.GetMeetingInfo(ctx, path, tp)
}

// CreateBooking books the room of path for span.
func (m *Manager) CreateBooking(ctx context.Context, path panl.Path, span panl.TimeSpan) protocol.ErrorCode {
	b, room, code := m.target(ctx, path)
	if code != protocol.ErrorSuccess {
		return code
	}
	by, code := m.authorize(ctx, b, path, room, func(f protocol.Features) bool { return f.OnSpotBooking }, nil)
	if code != protocol.ErrorSuccess {
		return code
	}
	if span.Duration == 0 {
		return protocol.ErrorEndDateEarlierStartDate
	}

	hub, _ := m.settings()
	organizer := by
	if organizer.Email == "" {
		organizer = Person{Name: anonymousOrganizer}
	}
	start := span.Point.Time(m.now())
	mt, err := b.CreateBooking(ctx, room, Booking{
		Start:     start,
		End:       start.Add(time.Duration(span.Duration) * time.Minute),
		Subject:   hub.MeetingSubject,
		Organizer: organizer,
	})
	if err != nil {
		return m.fail("create booking", room, err)
	}
	m.added(ctx, room, mt)
	return protocol.ErrorSuccess
}

// ExtendMeeting moves the end of the meeting starting at span.Point.
func (m *Manager) ExtendMeeting(ctx context.Context, path panl.Path, span panl.TimeSpan) protocol.ErrorCode {
	b, room, code := m.target(ctx, path)
	if code != protocol.ErrorSuccess {
		return code
	}
	start := span.Point.Time(m.now())
	by, code := m.authorize(ctx, b, path, room, func(f protocol.Features) bool { return f.ExtendMeeting }, &start)
	if code != protocol.ErrorSuccess {
		return code
	}

	mt, err := b.ExtendMeeting(ctx, room, start, start.Add(time.Duration(span.Duration)*time.Minute), by)
	if err != nil {
		return m.fail("extend meeting", room, err)
	}
	m.endChanged(ctx, room, mt, false)
	return protocol.ErrorSuccess
}

// EndMeeting ends the meeting at tp now. A meeting that has not started
// yet is cancelled instead.
func (m *Manager) EndMeeting(ctx context.Context, path panl.Path, tp panl.TimePoint) protocol.ErrorCode {
	b, room, code := m.target(ctx, path)
	if code != protocol.ErrorSuccess {
		return code
	}
	now := m.now()
	start := tp.Time(now)
	by, code := m.authorize(ctx, b, path, room, func(f protocol.Features) bool { return f.EndMeeting }, &start)
	if code != protocol.ErrorSuccess {
		return code
	}

	if start.After(now.Add(-time.Minute)) {
		m.log.Debug().Str("room", room).Time("start", start).Msg("Meeting has not started yet, cancelling instead")
		return m.cancel(ctx, b, room, start, by)
	}
	mt, err := b.EndMeeting(ctx, room, start, now, by)
	if err != nil {
		return m.fail("end meeting", room, err)
	}
	m.endChanged(ctx, room, mt, true)
	return protocol.ErrorSuccess
}

// CancelMeeting cancels the meeting at tp.
func (m *Manager) CancelMeeting(ctx context.Context, path panl.Path, tp panl.TimePoint) protocol.ErrorCode {
	b, room, code := m.target(ctx, path)
	if code != protocol.ErrorSuccess {
		return code
	}
	start := tp.Time(m.now())
	by, code := m.authorize(ctx, b, path, room, func(f protocol.Features) bool { return f.CancelMeeting }, &start)
	if code != protocol.ErrorSuccess {
		return code
	}
	return m.cancel(ctx, b, room, start, by)
}

// CancelUnclaimedMeeting cancels a meeting nobody claimed in time. Panels
// send it on their own, so no access rights apply.
func (m *Manager) CancelUnclaimedMeeting(ctx context.Context, path panl.Path, tp panl.TimePoint) protocol.ErrorCode {
	b, room, code := m.target(ctx, path)
	if code != protocol.ErrorSuccess {
		return code
	}
	return m.cancel(ctx, b, room, tp.Time(m.now()), Person{})
}

// CheckClaimMeeting reports whether the signed-in user may claim the meeting at tp.
func (m *Manager) CheckClaimMeeting(ctx context.Context, path panl.Path, tp panl.TimePoint) protocol.ErrorCode {
	b, room, code := m.target(ctx, path)
	if code != protocol.ErrorSuccess {
		return code
	}
	start := tp.Time(m.now())
	_, code = m.authorize(ctx, b, path, room, func(f protocol.Features) bool { return f.ClaimMeeting }, &start)
	return code
}

func (m *Manager) cancel(ctx context.Context, b Backend, room string, start time.Time, by Person) protocol.ErrorCode {
	if err := b.CancelMeeting(ctx, room, start, by); err != nil {
		return m.fail("cancel meeting", room, err)
	}
	m.deleted(ctx, room, start)
	return protocol.ErrorSuccess
}

// target returns the backend and the room shown on path.
func (m *Manager) target(ctx context.Context, path panl.Path) (Backend, string, protocol.ErrorCode) {
	b := m.current()
	if b == nil {
		return nil, "", protocol.ErrorNetwork
	}
	room, err := m.cache.GetRoomAddress(ctx, path)
	if err != nil {
		if !cache.IsNotFound(err) {
			m.log.Warn().Err(err).Str("path", path.String()).Msg("Failed to get room")
		}
		return nil, "", errorCode(err)
	}
	return b, room, protocol.ErrorSuccess
}

// authorize applies the panel access rights selected by feature and
// consumes the panel's sign-in. When start is set, a required sign-in must
// belong to an attendee of that meeting.
func (m *Manager) authorize(ctx context.Context, b Backend, path panl.Path, room string,
	feature func(protocol.Features) bool, start *time.Time) (Person, protocol.ErrorCode) {
	_, panel := m.settings()
	rights := panel.AccessRights
	if feature(rights.FeatureDisabled) {
		return Person{}, protocol.ErrorFeatureDisabled
	}

	email, err := m.cache.ConsumeAuth(ctx, path)
	if err != nil {
		m.log.Warn().Err(err).Str("path", path.String()).Msg("Failed to read sign-in")
		return Person{}, protocol.ErrorUnknown
	}

	if feature(rights.AuthAllowPasscode) || feature(rights.AuthAllowRFID) {
		if email == "" {
			return Person{}, protocol.ErrorAuthError
		}
		if start != nil {
			ok, err := b.IsAttendee(ctx, room, *start, email)
			if err != nil {
				return Person{}, m.fail("check attendee", room, err)
			}
			if !ok {
				return Person{}, protocol.ErrorAccessDenied
			}
		}
	}
	return m.person(ctx, email), protocol.ErrorSuccess
}

func (m *Manager) person(ctx context.Context, email string) Person {
	if email == "" {
		return Person{}
	}
	p := Person{Email: email}
	if m.dir == nil {
		return p
	}
	e, err := m.dir.Employee(ctx, email)
	if err != nil {
		m.log.Debug().Err(err).Str("email", email).Msg("Unknown employee")
		return p
	}
	p.Name = e.Name
	return p
}

func (m *Manager) fail(op, room string, err error) protocol.ErrorCode {
	code := errorCode(err)
	m.log.Warn().Err(err).Str("room", room).Str("code", code.String()).Msgf("Failed to %s", op)
	return code
}

// errorCode maps an error to the code a panel displays.
func errorCode(err error) protocol.ErrorCode {
	switch {
	case err == nil:
		return protocol.ErrorSuccess
	case errors.Is(err, ErrNotConnected):
		return protocol.ErrorNetwork
	case errors.Is(err, ErrUnknownRoom), cache.IsNotFound(err):
		return protocol.ErrorCacheRoomNameNotFound
	case errors.Is(err, ErrMeetingNotFound):
		return protocol.ErrorObjectNotFound
	case errors.Is(err, ErrEndBeforeStart):
		return protocol.ErrorEndDateEarlierStartDate
	case errors.Is(err, ErrReadOnly):
		return protocol.ErrorAccessDenied
	case errors.Is(err, ErrRecurring):
		return protocol.ErrorSetActionInvalidForProperty
	}
	return protocol.ErrorUnknown
}
