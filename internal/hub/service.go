// Package hub wires panels to the calendar. It answers decoded panel
// frames, pushes settings to agents as they connect, forwards calendar
// changes to the panels showing the affected room and applies
// administrative changes announced through the cache.
package hub

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/calendar"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/persist"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/protocol"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/transport"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/cache"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

// ErrNotImplemented is returned for panel requests the hub does not serve:
// firmware delivery, RFID sign-in and status reports.
var ErrNotImplemented = errors.New("hub: not implemented")

// Outbox delivers frames to panels. *transmit.Queue implements it.
type Outbox interface {
	Send(path panl.Path, payload ...[]byte) error
	SendImmediately(path panl.Path, payload ...[]byte) error
	BroadcastImmediately(agent uint32, payload ...[]byte) error
	BroadcastToAll(payload ...[]byte) error
	OnDrain(agent uint32)
	Discard(agent uint32)
}

// Sessions tells whether an event belongs to an agent's current
// connection. *transport.Server implements it.
type Sessions interface {
	Live(agent uint32, session uint64) bool
}

// Calendar is the calendar manager as seen by the hub.
type Calendar interface {
	Connected() bool
	Events() <-chan calendar.Event
	SetHubConfig(cfg persist.HubConfig)
	SetPanelConfig(cfg persist.PanelConfig)

	GetTimeline(ctx context.Context, path panl.Path, req panl.TimelineRequest) ([]panl.TimelineEntry, error)
	GetMeetingInfo(ctx context.Context, path panl.Path, tp panl.TimePoint) (panl.MeetingInfo, error)
	CreateBooking(ctx context.Context, path panl.Path, span panl.TimeSpan) protocol.ErrorCode
	ExtendMeeting(ctx context.Context, path panl.Path, span panl.TimeSpan) protocol.ErrorCode
	EndMeeting(ctx context.Context, path panl.Path, tp panl.TimePoint) protocol.ErrorCode
	CancelMeeting(ctx context.Context, path panl.Path, tp panl.TimePoint) protocol.ErrorCode
	CancelUnclaimedMeeting(ctx context.Context, path panl.Path, tp panl.TimePoint) protocol.ErrorCode
	CheckClaimMeeting(ctx context.Context, path panl.Path, tp panl.TimePoint) protocol.ErrorCode
}

// Store is the persistent state the hub reads.
type Store interface {
	FindRoom(ctx context.Context, uuid string) (persist.Room, error)
	AuthByPasscode(ctx context.Context, passcode uint32) (string, error)
	HubConfig(ctx context.Context) (persist.HubConfig, error)
	PanelConfig(ctx context.Context) (persist.PanelConfig, error)
}

// Options tunes a Service.
type Options struct {
	Clock  func() time.Time
	Logger zerolog.Logger
	// Sessions filters drains of replaced connections. Nil accepts all.
	Sessions Sessions
}

// Service handles panel frames and hub events.
type Service struct {
	cache *cache.Client
	cal   Calendar
	store Store
	out   Outbox
	live  Sessions
	now   func() time.Time
	log   zerolog.Logger
}

// New creates a service.
func New(c *cache.Client, cal Calendar, store Store, out Outbox, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{
		cache: c,
		cal:   cal,
		store: store,
		out:   out,
		live:  opts.Sessions,
		now:   opts.Clock,
		log:   opts.Logger.With().Str("component", "hub").Logger(),
	}
}

// Run processes agent lifecycle events, calendar events, administrative
// changes and the new-day task until ctx is cancelled.
func (s *Service) Run(ctx context.Context, lifecycle <-chan transport.LifecycleEvent) error {
	sub, err := s.cache.SubscribeChanges(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	calEvents := s.cal.Events()
	changes := sub.Events()
	subErrs := sub.Errors()
	newDay := time.NewTimer(untilMidnight(s.now()))
	defer newDay.Stop()

	s.log.Info().Msg("Hub service started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Hub service stopping")
			return nil

		case ev, ok := <-lifecycle:
			if !ok {
				lifecycle = nil
				continue
			}
			s.onLifecycle(ctx, ev)

		case ev, ok := <-calEvents:
			if !ok {
				calEvents = nil
				continue
			}
			s.onCalendar(ctx, ev)

		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if err := s.onChange(ctx, ch); err != nil {
				s.log.Error().Err(err).Str("kind", string(ch.Kind)).Msg("Failed to apply change")
			}

		case err, ok := <-subErrs:
			if !ok {
				subErrs = nil
				continue
			}
			s.log.Warn().Err(err).Msg("Bad change event")

		case <-newDay.C:
			s.onNewDay(ctx)
			newDay.Reset(untilMidnight(s.now()))
		}
	}
}

func untilMidnight(now time.Time) time.Duration {
	return panl.StartOfDay(now).AddDate(0, 0, 1).Sub(now)
}

func (s *Service) onLifecycle(ctx context.Context, ev transport.LifecycleEvent) {
	var err error
	switch ev.Kind {
	case transport.Connected:
		err = s.onAgentConnected(ctx, ev.Agent)
	case transport.Disconnected:
		s.out.Discard(ev.Agent)
		err = s.cache.RemoveAgent(ctx, ev.Agent)
	case transport.Drained:
		// A drain of a replaced connection must not release the write
		// in flight on its successor.
		if s.live != nil && !s.live.Live(ev.Agent, ev.Session) {
			s.log.Debug().Uint32("agent", ev.Agent).Uint64("session", ev.Session).Msg("Ignoring drain of closed session")
			return
		}
		s.out.OnDrain(ev.Agent)
	}
	if err != nil {
		s.log.Warn().Err(err).Uint32("agent", ev.Agent).Str("event", ev.Kind.String()).Msg("Failed to handle agent event")
	}
}

// onAgentConnected pushes the panel settings to every panel of the agent
// and asks them for their UUID. Local time goes last to keep its latency low.
func (s *Service) onAgentConnected(ctx context.Context, agent uint32) error {
	cfg, err := s.store.PanelConfig(ctx)
	if err != nil {
		return err
	}
	s.log.Debug().Uint32("agent", agent).Msg("Broadcast init settings")
	return s.out.BroadcastImmediately(agent,
		protocol.ExpectedFirmwareVersion(cfg.FirmwareVersion),
		protocol.RequestUUID(),
		protocol.LangID(cfg.Lang),
		protocol.TimeFormat(cfg.MilitaryTime),
		protocol.AccessRight(cfg.AccessRights),
		protocol.LocalTime(s.now()),
	)
}

func (s *Service) onCalendar(ctx context.Context, ev calendar.Event) {
	var err error
	switch ev.Kind {
	case calendar.EventReady:
		err = s.cache.ConsumePending(ctx, func(path panl.Path) error {
			return s.initPanel(ctx, path)
		})
	case calendar.EventConnectFailed:
		s.log.Debug().Err(ev.Err).Msg("Calendar not available")
	case calendar.EventAdded:
		err = s.out.Send(ev.Path, protocol.AddMeeting(ev.Span))
	case calendar.EventEndChanged:
		err = s.out.Send(ev.Path, protocol.ExtendMeetingNotice(ev.Span))
	case calendar.EventDeleted:
		err = s.out.Send(ev.Path, protocol.DeleteMeeting(ev.Span.Point))
	case calendar.EventUpdated:
		err = s.out.Send(ev.Path, protocol.UpdateMeeting(ev.Span.Point))
	}
	if err != nil {
		s.log.Warn().Err(err).Str("event", ev.Kind.String()).Str("path", ev.Path.String()).Msg("Calendar notification failed")
	}
}

// onChange applies an administrative change made through the API or CLI.
func (s *Service) onChange(ctx context.Context, ch cache.ChangeEvent) error {
	switch ch.Kind {
	case cache.ChangeHubConfig:
		cfg, err := s.store.HubConfig(ctx)
		if err != nil {
			return err
		}
		s.cache.SetExpiry(cfg.Expiry)
		s.cal.SetHubConfig(cfg)
		s.log.Info().Int("expiry", cfg.Expiry).Msg("Hub config updated")
		return nil

	case cache.ChangePanelConfig:
		cfg, err := s.store.PanelConfig(ctx)
		if err != nil {
			return err
		}
		s.cal.SetPanelConfig(cfg)
		return s.out.BroadcastToAll(
			protocol.LangID(cfg.Lang),
			protocol.TimeFormat(cfg.MilitaryTime),
			protocol.AccessRight(cfg.AccessRights),
		)

	case cache.ChangeLink:
		if ch.Path != nil && ch.UUID != "" {
			return s.onReportUUID(ctx, *ch.Path, ch.UUID)
		}
		// The panel showing an unlinked UUID is unknown; every panel
		// reports again and gets re-evaluated.
		return s.out.BroadcastToAll(protocol.RequestUUID())
	}
	return nil
}

func (s *Service) onNewDay(ctx context.Context) {
	if err := s.out.BroadcastToAll(protocol.LocalTime(s.now())); err != nil {
		s.log.Warn().Err(err).Msg("Failed to broadcast local time")
	}
	if err := s.refreshRooms(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to refresh rooms for the new day")
	}
}

// refreshRooms sends today's timeline and first meetings to every panel of
// every online room.
func (s *Service) refreshRooms(ctx context.Context) error {
	rooms, err := s.cache.GetOnlineRooms(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, room := range rooms {
		paths, err := s.cache.GetRoomPaths(ctx, room)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(paths) == 0 {
			continue
		}
		req := panl.TimelineRequest{LookForward: true, MaxCount: 5}
		entries, err := s.cal.GetTimeline(ctx, paths[0], req)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs, err := s.timelineFrames(ctx, paths[0], 0, entries)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, path := range paths {
			if err := s.out.Send(path, msgs...); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
