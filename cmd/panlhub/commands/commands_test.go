package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/config"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/persist"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/printer"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/protocol"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/testutil"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/cache"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

type env struct {
	dir    string
	cfg    string
	db     string
	mr     *miniredis.Miniredis
	listen string
	health string
}

// setupEnv writes a panlhub.yml pointing at a temporary database and a
// miniredis instance.
func setupEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	mr := miniredis.RunT(t)
	e := &env{
		dir:    dir,
		cfg:    filepath.Join(dir, "panlhub.yml"),
		db:     filepath.Join(dir, "panlhub.db"),
		mr:     mr,
		listen: freeAddr(t),
		health: freeAddr(t),
	}
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("PANL_DB_PATH", "")
	t.Setenv("PANL_LOG_LEVEL", "")

	yml := fmt.Sprintf(`version: "1.0"
listen: %q
health_addr: %q
redis:
  namespace: cli-test
database:
  path: %q
logging:
  level: error
`, e.listen, e.health, e.db)
	require.NoError(t, os.WriteFile(e.cfg, []byte(yml), 0o644))
	return e
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// resetFlags restores every flag to its default so commands can run again
// in the same process.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// run executes the CLI with args and returns its stdout and stderr.
func (e *env) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr, prevNoColor := printer.Out, printer.ErrOut, color.NoColor
	printer.Out, printer.ErrOut, color.NoColor = &out, &errOut, true
	defer func() { printer.Out, printer.ErrOut, color.NoColor = prevOut, prevErr, prevNoColor }()

	resetFlags(rootCmd)
	rootCmd.SetArgs(append([]string{"--config", e.cfg}, args...))
	err := Execute()
	return out.String(), errOut.String(), err
}

func (e *env) store(t *testing.T) *persist.Store {
	t.Helper()
	s, err := persist.Open(e.db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func (e *env) cache(t *testing.T) *cache.Client {
	t.Helper()
	c, err := cache.NewClient(&redis.Options{Addr: e.mr.Addr()}, "cli-test")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func nextChange(t *testing.T, sub *cache.Subscription) cache.ChangeEvent {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change event")
	}
	return cache.ChangeEvent{}
}

func TestRootShowsHelp(t *testing.T) {
	e := setupEnv(t)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	_, _, err := e.run(t)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Usage:")
	assert.Contains(t, buf.String(), "panlhub")
}

func TestRooms(t *testing.T) {
	e := setupEnv(t)

	out, _, err := e.run(t, "room", "list")
	require.NoError(t, err)
	assert.Equal(t, "No rooms configured\n", out)

	out, _, err = e.run(t, "room", "add", "sentosa@ftdichip.com", "--name", "Sentosa")
	require.NoError(t, err)
	assert.Equal(t, "✓ Room Sentosa (sentosa@ftdichip.com) saved\n", out)
	_, _, err = e.run(t, "room", "add", "test@ftdichip.com")
	require.NoError(t, err)

	out, _, err = e.run(t, "room", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Sentosa")
	assert.Contains(t, out, "\n2 rooms\n")

	out, _, err = e.run(t, "room", "list", "-o", "json")
	require.NoError(t, err)
	var rooms []persist.Room
	require.NoError(t, json.Unmarshal([]byte(out), &rooms))
	assert.Equal(t, []persist.Room{
		{Address: "sentosa@ftdichip.com", Name: "Sentosa"},
		{Address: "test@ftdichip.com", Name: "test@ftdichip.com"},
	}, rooms)

	_, errOut, err := e.run(t, "room", "list", "-o", "xml")
	require.EqualError(t, err, "invalid output format")
	assert.Contains(t, errOut, "Valid formats: default, json")
}

func TestLinkByUUID(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	sub, err := e.cache(t).SubscribeChanges(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	_, errOut, err := e.run(t, "link", "0102030405060708", "sentosa@ftdichip.com")
	require.EqualError(t, err, "room not found")
	assert.Contains(t, errOut, "No room has address sentosa@ftdichip.com")

	_, _, err = e.run(t, "room", "add", "sentosa@ftdichip.com")
	require.NoError(t, err)
	_, _, err = e.run(t, "link", "0102030405060708", "sentosa@ftdichip.com")
	require.NoError(t, err)
	assert.Equal(t, cache.ChangeEvent{Kind: cache.ChangeLink, UUID: "0102030405060708"}, nextChange(t, sub))

	room, err := e.store(t).FindRoom(ctx, "0102030405060708")
	require.NoError(t, err)
	assert.Equal(t, "sentosa@ftdichip.com", room.Address)

	_, _, err = e.run(t, "unlink", "0102030405060708")
	require.NoError(t, err)
	assert.Equal(t, cache.ChangeEvent{Kind: cache.ChangeLink, UUID: "0102030405060708"}, nextChange(t, sub))
	_, _, err = e.run(t, "unlink", "0102030405060708")
	require.EqualError(t, err, "panel not linked")

	_, _, err = e.run(t, "link", "sentosa@ftdichip.com")
	require.EqualError(t, err, "missing panel")
}

func TestLinkUnconfigured(t *testing.T) {
	e := setupEnv(t)
	ctx := context.Background()
	c := e.cache(t)
	sub, err := c.SubscribeChanges(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	path := panl.NewPath(4, 2)
	id, err := c.AddUnconfigured(ctx, path, "a1b2c3d4e5f60718")
	require.NoError(t, err)
	_, _, err = e.run(t, "room", "add", "sentosa@ftdichip.com")
	require.NoError(t, err)

	_, _, err = e.run(t, "link", "--id", "99", "sentosa@ftdichip.com")
	require.EqualError(t, err, "unknown panel id")

	out, _, err := e.run(t, "link", "--id", fmt.Sprint(id), "sentosa@ftdichip.com")
	require.NoError(t, err)
	assert.Contains(t, out, "a1b2c3d4e5f60718")

	ev := nextChange(t, sub)
	assert.Equal(t, cache.ChangeLink, ev.Kind)
	require.NotNil(t, ev.Path)
	assert.Equal(t, path, *ev.Path)

	room, err := e.store(t).FindRoom(ctx, "a1b2c3d4e5f60718")
	require.NoError(t, err)
	assert.Equal(t, "sentosa@ftdichip.com", room.Address)
}

func TestEmployeesAndPasscodes(t *testing.T) {
	e := setupEnv(t)

	_, _, err := e.run(t, "passcode", "set", "fred@ftdichip.com", "0x888888")
	require.EqualError(t, err, "employee not found")
	_, _, err = e.run(t, "passcode", "set", "fred@ftdichip.com", "twelve")
	require.EqualError(t, err, "invalid passcode")

	_, _, err = e.run(t, "employee", "add", "fred@ftdichip.com", "--name", "Fred Dart")
	require.NoError(t, err)
	_, _, err = e.run(t, "passcode", "set", "fred@ftdichip.com", "0x888888")
	require.NoError(t, err)

	email, err := e.store(t).AuthByPasscode(context.Background(), 0x888888)
	require.NoError(t, err)
	assert.Equal(t, "fred@ftdichip.com", email)
}

func TestConfigCommands(t *testing.T) {
	e := setupEnv(t)
	sub, err := e.cache(t).SubscribeChanges(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	_, _, err = e.run(t, "config", "calendar", "--type", "exchange")
	require.EqualError(t, err, "invalid calendar configuration")
	_, _, err = e.run(t, "config", "calendar", "--type", "ics", "--source", "nofile")
	require.EqualError(t, err, "invalid source")

	_, _, err = e.run(t, "config", "calendar", "--type", "ics", "--readonly",
		"--source", "sentosa@ftdichip.com=/srv/sentosa.ics")
	require.NoError(t, err)

	_, _, err = e.run(t, "config", "hub", "--expiry", "60")
	require.NoError(t, err)
	assert.Equal(t, cache.ChangeEvent{Kind: cache.ChangeHubConfig}, nextChange(t, sub))
	_, _, err = e.run(t, "config", "hub", "--expiry", "-5")
	require.EqualError(t, err, "invalid hub configuration")

	out, _, err := e.run(t, "config", "show")
	require.NoError(t, err)
	var got settings
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, persist.HubConfig{Expiry: 60, MeetingSubject: persist.DefaultHubConfig.MeetingSubject}, got.Hub)
	assert.Equal(t, persist.DefaultPanelConfig, got.Panel)
	assert.Equal(t, persist.CalendarConfig{
		Type:     persist.CalendarICS,
		Sources:  map[string]string{"sentosa@ftdichip.com": "/srv/sentosa.ics"},
		ReadOnly: true,
	}, got.Calendar)
	assert.Equal(t, e.db, got.File.Database.Path)
}

func TestServeHealth(t *testing.T) {
	e := setupEnv(t)
	cfg, err := config.Load(e.cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, zerolog.Nop()) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + e.health + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	// The memory calendar seeds its demo rooms once connected.
	require.Eventually(t, func() bool {
		s, err := persist.Open(e.db)
		if err != nil {
			return false
		}
		defer s.Close()
		rooms, err := s.ListRooms(context.Background())
		return err == nil && len(rooms) == 2
	}, 5*time.Second, 50*time.Millisecond)

	// A new panel is told its unconfigured id, and shows its room once the
	// id is linked.
	agent := testutil.DialAgent(t, e.listen, [8]byte{0xA9})
	agent.ReportUUID(1, [8]byte{0xa1, 0xb2, 0xc3, 0xd4, 0xe5, 0xf6, 0x07, 0x18})
	agent.WaitFor(1, protocol.UnconfiguredID(1), 5*time.Second)

	out, _, err := e.run(t, "link", "--id", "1", "sentosa@ftdichip.com")
	require.NoError(t, err)
	assert.Contains(t, out, "a1b2c3d4e5f60718")
	name, err := protocol.RoomName("Sentosa")
	require.NoError(t, err)
	agent.WaitFor(1, name, 5*time.Second)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestTimeline(t *testing.T) {
	e := setupEnv(t)
	fixed := func() time.Time { return time.Date(2018, time.March, 7, 10, 0, 0, 0, time.UTC) }
	prev := now
	now = fixed
	t.Cleanup(func() { now = prev })

	ctx := context.Background()
	c, err := cache.NewClient(&redis.Options{Addr: e.mr.Addr()}, "cli-test", cache.WithClock(fixed))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	path := panl.NewPath(3, 1)
	_, _, err = e.run(t, "timeline", "PanL3-1")
	require.EqualError(t, err, "panel not online")

	require.NoError(t, c.AddConfigured(ctx, path, cache.Room{Address: "sentosa@ftdichip.com", Name: "Sentosa"}))
	require.NoError(t, c.SetDay(ctx, path, 1, []cache.Meeting{
		{Entry: panl.TimelineEntry{Start: 570, End: 600}, Info: &panl.MeetingInfo{Subject: "ID Design", Organizer: "Jane Doe"}},
		{Entry: panl.TimelineEntry{Start: 660, End: 690}},
	}))

	out, _, err := e.run(t, "timeline", "PanL3-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Day +0 of PanL3-1 is not cached")

	out, _, err = e.run(t, "timeline", "3-1", "--day", "2018-03-08")
	require.NoError(t, err)
	assert.Contains(t, out, "PanL3-1 (Sentosa), day +1:")
	assert.Contains(t, out, "09:30-10:00  ID Design")

	out, _, err = e.run(t, "timeline", "3-1", "--day", "tomorrow", "-o", "json")
	require.NoError(t, err)
	var slots []printer.Slot
	require.NoError(t, json.Unmarshal([]byte(out), &slots))
	require.Len(t, slots, 2)
	assert.Equal(t, "Jane Doe", slots[0].Info.Organizer)
	assert.Nil(t, slots[1].Info)

	_, _, err = e.run(t, "timeline", "nowhere")
	require.EqualError(t, err, "invalid panel path")
	_, _, err = e.run(t, "timeline", "3-1", "--day", "someday")
	require.EqualError(t, err, "invalid day")
}

func TestWatch(t *testing.T) {
	e := setupEnv(t)
	c := e.cache(t)

	var out syncBuffer
	prevOut, prevNoColor := printer.Out, color.NoColor
	printer.Out, color.NoColor = &out, true
	t.Cleanup(func() { printer.Out, color.NoColor = prevOut, prevNoColor })

	resetFlags(rootCmd)
	rootCmd.SetArgs([]string{"--config", e.cfg, "watch"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rootCmd.ExecuteContext(ctx) }()

	// Publish until the watcher has subscribed and printed the change.
	require.Eventually(t, func() bool {
		_ = c.PublishChange(context.Background(), cache.ChangeEvent{Kind: cache.ChangeHubConfig})
		return bytes.Contains(out.Bytes(), []byte("hub settings changed"))
	}, 5*time.Second, 50*time.Millisecond)
	assert.Contains(t, string(out.Bytes()), "Watching changes in namespace cli-test")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

// syncBuffer guards a buffer written by the command goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
