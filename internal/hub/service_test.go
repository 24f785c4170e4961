package hub

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/calendar"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/persist"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/protocol"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/transport"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/cache"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

var testNow = time.Date(2018, time.March, 7, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

const sentosa = "sentosa@ftdichip.com"

var panelUUID = [8]byte{1, 2, 3, 4, 5, 6, 7, 8}

type delivery struct {
	kind   string
	path   panl.Path
	frames [][]byte
}

// fakeOutbox records deliveries instead of writing to agents.
type fakeOutbox struct {
	mu        sync.Mutex
	sent      []delivery
	drained   []uint32
	discarded []uint32
}

func (o *fakeOutbox) record(kind string, path panl.Path, frames [][]byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, delivery{kind: kind, path: path, frames: frames})
	return nil
}

func (o *fakeOutbox) Send(path panl.Path, payload ...[]byte) error {
	return o.record("send", path, payload)
}

func (o *fakeOutbox) SendImmediately(path panl.Path, payload ...[]byte) error {
	return o.record("immediate", path, payload)
}

func (o *fakeOutbox) BroadcastImmediately(agent uint32, payload ...[]byte) error {
	return o.record("broadcast", panl.NewPath(agent, panl.BroadcastAddress), payload)
}

func (o *fakeOutbox) BroadcastToAll(payload ...[]byte) error {
	return o.record("all", panl.Path{}, payload)
}

func (o *fakeOutbox) OnDrain(agent uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drained = append(o.drained, agent)
}

func (o *fakeOutbox) Discard(agent uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.discarded = append(o.discarded, agent)
}

// take returns and clears the recorded deliveries.
func (o *fakeOutbox) take() []delivery {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.sent
	o.sent = nil
	return out
}

type testHub struct {
	svc   *Service
	out   *fakeOutbox
	cache *cache.Client
	store *persist.Store
	cal   *calendar.Manager
	path  panl.Path
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewClient(&redis.Options{Addr: mr.Addr()}, "test-hub",
		cache.WithClock(fixedClock), cache.WithExpiry(180))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	store, err := persist.NewTestStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	backend := calendar.NewMemory(store, fixedClock)
	cal := calendar.NewManager(c, store, func(context.Context) (calendar.Backend, error) { return backend, nil }, calendar.Config{
		Hub:    persist.DefaultHubConfig,
		Panel:  persist.DefaultPanelConfig,
		Clock:  fixedClock,
		Logger: zerolog.Nop(),
	})

	out := &fakeOutbox{}
	svc := New(c, cal, store, out, Options{Clock: fixedClock, Logger: zerolog.Nop()})
	return &testHub{svc: svc, out: out, cache: c, store: store, cal: cal, path: panl.NewPath(1, 2)}
}

// connect runs the calendar manager and returns its ready event.
func (h *testHub) connect(t *testing.T) calendar.Event {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.cal.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case ev := <-h.cal.Events():
		require.Equal(t, calendar.EventReady, ev.Kind)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("calendar did not connect")
	}
	return calendar.Event{}
}

func (h *testHub) linkPanel(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.AddRoom(ctx, persist.Room{Address: sentosa, Name: "Sentosa"}))
	require.NoError(t, h.store.LinkPanel(ctx, panl.FormatUUID(panelUUID), sentosa))
}

func frame(t *testing.T) func([]byte, error) []byte {
	return func(b []byte, err error) []byte {
		require.NoError(t, err)
		return b
	}
}

func TestAgentConnectedBroadcastsSettings(t *testing.T) {
	h := newTestHub(t)
	h.svc.onLifecycle(context.Background(), transport.LifecycleEvent{Kind: transport.Connected, Agent: 7})

	sent := h.out.take()
	require.Len(t, sent, 1)
	assert.Equal(t, "broadcast", sent[0].kind)
	assert.Equal(t, panl.NewPath(7, panl.BroadcastAddress), sent[0].path)
	assert.Equal(t, [][]byte{
		protocol.ExpectedFirmwareVersion(0x0101),
		protocol.RequestUUID(),
		protocol.LangID(protocol.LangEN),
		protocol.TimeFormat(false),
		protocol.AccessRight(protocol.AccessRights{}),
		protocol.LocalTime(testNow),
	}, sent[0].frames)
}

func TestAgentLifecycle(t *testing.T) {
	h := newTestHub(t)
	h.linkPanel(t)
	ctx := context.Background()
	require.NoError(t, h.svc.HandleFrame(ctx, protocol.UUIDReport{Path: h.path, UUID: panelUUID}))

	h.svc.onLifecycle(ctx, transport.LifecycleEvent{Kind: transport.Drained, Agent: 1})
	h.svc.onLifecycle(ctx, transport.LifecycleEvent{Kind: transport.Disconnected, Agent: 1})

	assert.Equal(t, []uint32{1}, h.out.drained)
	assert.Equal(t, []uint32{1}, h.out.discarded)
	_, err := h.cache.GetRoomName(ctx, h.path)
	assert.True(t, cache.IsNotFound(err), "disconnect forgets the agent's panels")
}

// liveSessions accepts only the listed session of each agent.
type liveSessions map[uint32]uint64

func (l liveSessions) Live(agent uint32, session uint64) bool {
	id, ok := l[agent]
	return ok && id == session
}

func TestDrainOfReplacedSessionIgnored(t *testing.T) {
	h := newTestHub(t)
	h.svc.live = liveSessions{1: 7}
	ctx := context.Background()

	h.svc.onLifecycle(ctx, transport.LifecycleEvent{Kind: transport.Drained, Agent: 1, Session: 6})
	h.svc.onLifecycle(ctx, transport.LifecycleEvent{Kind: transport.Drained, Agent: 2, Session: 7})
	assert.Empty(t, h.out.drained)

	h.svc.onLifecycle(ctx, transport.LifecycleEvent{Kind: transport.Drained, Agent: 1, Session: 7})
	assert.Equal(t, []uint32{1}, h.out.drained)
}

func TestReportUUIDUnconfigured(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, h.svc.HandleFrame(ctx, protocol.UUIDReport{Path: h.path, UUID: panelUUID}))
	sent := h.out.take()
	require.Len(t, sent, 1)
	assert.Equal(t, [][]byte{protocol.UnconfiguredID(1)}, sent[0].frames)

	rec, err := h.cache.GetUnconfigured(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, h.path, rec.Path)
	assert.Equal(t, panl.FormatUUID(panelUUID), rec.UUID)
}

func TestReportUUIDInitsPanel(t *testing.T) {
	h := newTestHub(t)
	h.connect(t)
	h.linkPanel(t)
	mk := frame(t)

	require.NoError(t, h.svc.HandleFrame(context.Background(), protocol.UUIDReport{Path: h.path, UUID: panelUUID}))
	sent := h.out.take()
	require.Len(t, sent, 1)
	assert.Equal(t, "send", sent[0].kind)
	assert.Equal(t, h.path, sent[0].path)
	assert.Equal(t, [][]byte{
		mk(protocol.RoomName("Sentosa")),
		mk(protocol.Timeline(0, []panl.TimelineEntry{{Start: 870, End: 900}})),
		mk(protocol.MeetingInfo(panl.MeetingInfo{Subject: "MRBS weekly", Organizer: "Jone Doe"})),
	}, sent[0].frames)
}

func TestInitPanelIncludesRunningMeeting(t *testing.T) {
	h := newTestHub(t)
	h.connect(t)
	h.linkPanel(t)
	ctx := context.Background()
	mk := frame(t)

	require.NoError(t, h.cache.AddConfigured(ctx, h.path, cache.Room{Address: sentosa, Name: "Sentosa"}))
	require.Equal(t, protocol.ErrorSuccess, h.cal.CreateBooking(ctx, h.path, panl.TimeSpan{
		Point: panl.TimePoint{Minutes: 570}, Duration: 60,
	}))

	require.NoError(t, h.svc.initPanel(ctx, h.path))
	sent := h.out.take()
	require.Len(t, sent, 1)
	assert.Equal(t, mk(protocol.Timeline(0, []panl.TimelineEntry{{Start: 570, End: 630}, {Start: 870, End: 900}})), sent[0].frames[1])
	assert.Len(t, sent[0].frames, 4, "name, timeline and two infos")
}

func TestInitPanelClipsLongRoomName(t *testing.T) {
	h := newTestHub(t)
	h.connect(t)
	ctx := context.Background()

	name := strings.Repeat("会", 100)
	require.NoError(t, h.cache.AddConfigured(ctx, h.path, cache.Room{Address: sentosa, Name: name}))
	require.NoError(t, h.svc.initPanel(ctx, h.path))

	sent := h.out.take()
	require.Len(t, sent, 1)
	assert.Equal(t, frame(t)(protocol.RoomName(strings.Repeat("会", 85))), sent[0].frames[0])
	assert.Equal(t, frame(t)(protocol.Timeline(0, []panl.TimelineEntry{{Start: 870, End: 900}})), sent[0].frames[1])
}

func TestPendingPanelsInitWhenCalendarReady(t *testing.T) {
	h := newTestHub(t)
	h.linkPanel(t)
	ctx := context.Background()

	require.NoError(t, h.svc.HandleFrame(ctx, protocol.UUIDReport{Path: h.path, UUID: panelUUID}))
	assert.Empty(t, h.out.take(), "nothing to show before the calendar is up")

	h.svc.onCalendar(ctx, h.connect(t))
	sent := h.out.take()
	require.Len(t, sent, 1)
	assert.Equal(t, h.path, sent[0].path)
	assert.Equal(t, frame(t)(protocol.RoomName("Sentosa")), sent[0].frames[0])
}

func TestPasscode(t *testing.T) {
	h := newTestHub(t)
	h.connect(t)
	ctx := context.Background()

	require.NoError(t, h.svc.HandleFrame(ctx, protocol.PasscodeAuth{Path: h.path, Passcode: 0x123456}))
	sent := h.out.take()
	require.Len(t, sent, 1)
	assert.Equal(t, [][]byte{protocol.Error(protocol.ErrorAuthError)}, sent[0].frames)

	require.NoError(t, h.svc.HandleFrame(ctx, protocol.PasscodeAuth{Path: h.path, Passcode: 0x888888}))
	assert.Empty(t, h.out.take(), "success is silent")
	email, err := h.cache.ConsumeAuth(ctx, h.path)
	require.NoError(t, err)
	assert.Equal(t, "fred@ftdichip.com", email)
}

func TestPanelRequests(t *testing.T) {
	h := newTestHub(t)
	h.connect(t)
	ctx := context.Background()
	mk := frame(t)
	require.NoError(t, h.cache.AddConfigured(ctx, h.path, cache.Room{Address: sentosa, Name: "Sentosa"}))

	t.Run("local time is sent immediately", func(t *testing.T) {
		require.NoError(t, h.svc.HandleFrame(ctx, protocol.LocalTimeRequest{Path: h.path}))
		sent := h.out.take()
		require.Len(t, sent, 1)
		assert.Equal(t, "immediate", sent[0].kind)
		assert.Equal(t, [][]byte{protocol.LocalTime(testNow)}, sent[0].frames)
	})

	t.Run("timeline", func(t *testing.T) {
		req := panl.TimelineRequest{Point: panl.TimePoint{DayOffset: 1, Minutes: 0}, LookForward: true, MaxCount: 5}
		require.NoError(t, h.svc.HandleFrame(ctx, protocol.TimelineQuery{Path: h.path, Request: req}))
		sent := h.out.take()
		require.Len(t, sent, 1)
		assert.Equal(t, [][]byte{mk(protocol.Timeline(1, []panl.TimelineEntry{{Start: 570, End: 600}}))}, sent[0].frames)
	})

	t.Run("meeting info with body", func(t *testing.T) {
		q := protocol.MeetingInfoQuery{Path: h.path, Point: panl.TimePoint{DayOffset: 1, Minutes: 570}, WithBody: true}
		require.NoError(t, h.svc.HandleFrame(ctx, q))
		sent := h.out.take()
		require.Len(t, sent, 1)
		assert.Equal(t, [][]byte{
			mk(protocol.MeetingInfo(panl.MeetingInfo{Subject: "ID Design", Organizer: "Jane Doe"})),
			mk(protocol.MeetingBody("")),
		}, sent[0].frames)
	})

	t.Run("booking replies with an error code", func(t *testing.T) {
		span := panl.TimeSpan{Point: panl.TimePoint{Minutes: 660}, Duration: 30}
		require.NoError(t, h.svc.HandleFrame(ctx, protocol.BookingRequest{Path: h.path, Span: span}))
		require.NoError(t, h.svc.HandleFrame(ctx, protocol.BookingRequest{Path: h.path, Span: span}))
		sent := h.out.take()
		require.Len(t, sent, 2)
		assert.Equal(t, [][]byte{protocol.Error(protocol.ErrorSuccess)}, sent[0].frames)
		assert.Equal(t, [][]byte{protocol.Error(protocol.ErrorUnknown)}, sent[1].frames, "slot already taken")
	})

	t.Run("meeting actions", func(t *testing.T) {
		tp := panl.TimePoint{Minutes: 660}
		require.NoError(t, h.svc.HandleFrame(ctx, protocol.MeetingAction{Path: h.path, Action: protocol.CheckClaimMeeting, Point: tp}))
		require.NoError(t, h.svc.HandleFrame(ctx, protocol.MeetingAction{Path: h.path, Action: protocol.CancelMeeting, Point: tp}))
		require.NoError(t, h.svc.HandleFrame(ctx, protocol.MeetingAction{Path: h.path, Action: protocol.EndMeeting, Point: tp}))
		sent := h.out.take()
		require.Len(t, sent, 3)
		assert.Equal(t, [][]byte{protocol.Error(protocol.ErrorSuccess)}, sent[0].frames)
		assert.Equal(t, [][]byte{protocol.Error(protocol.ErrorSuccess)}, sent[1].frames)
		assert.Equal(t, [][]byte{protocol.Error(protocol.ErrorObjectNotFound)}, sent[2].frames)
	})

	t.Run("unsupported requests", func(t *testing.T) {
		assert.ErrorIs(t, h.svc.HandleFrame(ctx, protocol.RFIDAuth{Path: h.path}), ErrNotImplemented)
		assert.ErrorIs(t, h.svc.HandleFrame(ctx, protocol.FirmwareRequest{Path: h.path}), ErrNotImplemented)
		assert.ErrorIs(t, h.svc.HandleFrame(ctx, protocol.StatusReport{Path: h.path}), ErrNotImplemented)
		assert.Empty(t, h.out.take())
	})
}

func TestCalendarEventsBecomeFrames(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	span := panl.TimeSpan{Point: panl.TimePoint{DayOffset: 1, Minutes: 600}, Duration: 45}

	h.svc.onCalendar(ctx, calendar.Event{Kind: calendar.EventAdded, Path: h.path, Span: span})
	h.svc.onCalendar(ctx, calendar.Event{Kind: calendar.EventEndChanged, Path: h.path, Span: span})
	h.svc.onCalendar(ctx, calendar.Event{Kind: calendar.EventDeleted, Path: h.path, Span: span})
	h.svc.onCalendar(ctx, calendar.Event{Kind: calendar.EventUpdated, Path: h.path, Span: span})

	var frames [][]byte
	for _, d := range h.out.take() {
		assert.Equal(t, h.path, d.path)
		frames = append(frames, d.frames...)
	}
	assert.Equal(t, [][]byte{
		protocol.AddMeeting(span),
		protocol.ExtendMeetingNotice(span),
		protocol.DeleteMeeting(span.Point),
		protocol.UpdateMeeting(span.Point),
	}, frames)
}

func TestAdministrativeChanges(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	require.NoError(t, h.store.SetHubConfig(ctx, persist.HubConfig{Expiry: 60, MeetingSubject: "Ad hoc"}))
	require.NoError(t, h.svc.onChange(ctx, cache.ChangeEvent{Kind: cache.ChangeHubConfig}))
	assert.Equal(t, 60*time.Second, h.cache.Expiry())

	panel := persist.DefaultPanelConfig
	panel.MilitaryTime = true
	panel.Lang = protocol.LangJP
	require.NoError(t, h.store.SetPanelConfig(ctx, panel))
	require.NoError(t, h.svc.onChange(ctx, cache.ChangeEvent{Kind: cache.ChangePanelConfig}))
	sent := h.out.take()
	require.Len(t, sent, 1)
	assert.Equal(t, "all", sent[0].kind)
	assert.Equal(t, [][]byte{
		protocol.LangID(protocol.LangJP),
		protocol.TimeFormat(true),
		protocol.AccessRight(protocol.AccessRights{}),
	}, sent[0].frames)

	require.NoError(t, h.svc.onChange(ctx, cache.ChangeEvent{Kind: cache.ChangeLink, UUID: "0102030405060708"}))
	sent = h.out.take()
	require.Len(t, sent, 1)
	assert.Equal(t, [][]byte{protocol.RequestUUID()}, sent[0].frames)

	h.linkPanel(t)
	path := h.path
	require.NoError(t, h.svc.onChange(ctx, cache.ChangeEvent{Kind: cache.ChangeLink, UUID: panl.FormatUUID(panelUUID), Path: &path}))
	name, err := h.cache.GetRoomName(ctx, h.path)
	require.NoError(t, err)
	assert.Equal(t, "Sentosa", name)
}

func TestNewDayRefreshesOnlineRooms(t *testing.T) {
	h := newTestHub(t)
	h.connect(t)
	ctx := context.Background()
	mk := frame(t)
	other := panl.NewPath(2, 1)
	for _, p := range []panl.Path{h.path, other} {
		require.NoError(t, h.cache.AddConfigured(ctx, p, cache.Room{Address: sentosa, Name: "Sentosa"}))
	}

	h.svc.onNewDay(ctx)
	sent := h.out.take()
	require.Len(t, sent, 3)
	assert.Equal(t, "all", sent[0].kind)
	assert.Equal(t, [][]byte{protocol.LocalTime(testNow)}, sent[0].frames)

	want := [][]byte{
		mk(protocol.Timeline(0, []panl.TimelineEntry{{Start: 870, End: 900}})),
		mk(protocol.MeetingInfo(panl.MeetingInfo{Subject: "MRBS weekly", Organizer: "Jone Doe"})),
	}
	paths := []panl.Path{sent[1].path, sent[2].path}
	assert.ElementsMatch(t, []panl.Path{h.path, other}, paths)
	assert.Equal(t, want, sent[1].frames)
	assert.Equal(t, want, sent[2].frames)
}

func TestRunAppliesPublishedChanges(t *testing.T) {
	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	lifecycle := make(chan transport.LifecycleEvent, 1)
	done := make(chan error, 1)
	go func() { done <- h.svc.Run(ctx, lifecycle) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	lifecycle <- transport.LifecycleEvent{Kind: transport.Drained, Agent: 4}
	require.Eventually(t, func() bool {
		h.out.mu.Lock()
		defer h.out.mu.Unlock()
		return len(h.out.drained) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.store.SetHubConfig(ctx, persist.HubConfig{Expiry: 30}))
	require.Eventually(t, func() bool {
		// Retry the publish until Run has subscribed.
		_ = h.cache.PublishChange(ctx, cache.ChangeEvent{Kind: cache.ChangeHubConfig})
		return h.cache.Expiry() == 30*time.Second
	}, 2*time.Second, 20*time.Millisecond)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short"))
	long := strings.Repeat("会", 100)
	clipped := clip(long)
	assert.LessOrEqual(t, len(clipped), 0xFF)
	assert.True(t, utf8.ValidString(clipped))
	assert.Equal(t, 255, len(clip(strings.Repeat("a", 300))))
}

func TestUntilMidnight(t *testing.T) {
	assert.Equal(t, 14*time.Hour, untilMidnight(testNow))
}
