package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/cache"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func setupTestClient(t *testing.T) (*miniredis.Miniredis, *cache.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewClient(&redis.Options{Addr: mr.Addr()}, "test-watch")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return mr, c
}

func stream(t *testing.T, c *cache.Client, format OutputFormat) (*syncBuffer, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := c.SubscribeChanges(ctx)
	require.NoError(t, err)

	out := &syncBuffer{}
	clock := func() time.Time { return time.Date(2018, time.March, 7, 10, 0, 0, 0, time.UTC) }
	done := make(chan error, 1)
	go func() { done <- StreamChanges(ctx, sub, format, out, clock) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		sub.Close()
	})
	return out, cancel
}

func TestStreamChangesDefault(t *testing.T) {
	_, c := setupTestClient(t)
	out, _ := stream(t, c, OutputFormatDefault)
	ctx := context.Background()

	path := panl.NewPath(3, 1)
	require.NoError(t, c.PublishChange(ctx, cache.ChangeEvent{Kind: cache.ChangeHubConfig}))
	require.NoError(t, c.PublishChange(ctx, cache.ChangeEvent{Kind: cache.ChangeLink, UUID: "0102030405060708", Path: &path}))

	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "\n") == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "[10:00:00] hub settings changed\n[10:00:00] panel 0102030405060708 on PanL3-1 linked\n", out.String())
}

func TestStreamChangesJSON(t *testing.T) {
	mr, c := setupTestClient(t)
	out, _ := stream(t, c, OutputFormatJSON)

	mr.Publish(cache.ChangeEventsChannel("test-watch"), "not json")
	require.NoError(t, c.PublishChange(context.Background(), cache.ChangeEvent{Kind: cache.ChangePanelConfig}))

	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "panel_config") && strings.Contains(s, "skipped bad change message")
	}, 2*time.Second, 10*time.Millisecond)

	var line string
	for _, l := range strings.Split(out.String(), "\n") {
		if strings.Contains(l, "panel_config") {
			line = l
		}
	}
	var got Change
	require.NoError(t, json.Unmarshal([]byte(line), &got))
	assert.Equal(t, cache.ChangePanelConfig, got.Kind)
	assert.True(t, got.Time.Equal(time.Date(2018, time.March, 7, 10, 0, 0, 0, time.UTC)))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "panel 0102 link changed, panels report again",
		Describe(cache.ChangeEvent{Kind: cache.ChangeLink, UUID: "0102"}))
	assert.Equal(t, "panel settings changed, panels get new settings",
		Describe(cache.ChangeEvent{Kind: cache.ChangePanelConfig}))
	assert.Equal(t, `unknown change "x"`, Describe(cache.ChangeEvent{Kind: "x"}))
}
