//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/testutil"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

// TestCache_RealRedisExpiry runs the timeline lifecycle against a real server,
// where TTLs elapse in wall-clock time.
func TestCache_RealRedisExpiry(t *testing.T) {
	opts := testutil.RedisOptions(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := NewClient(opts, "integration", WithExpiry(1))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	path := panl.NewPath(42, 3)
	info := &panl.MeetingInfo{Subject: "Standup", Organizer: "Jane Doe"}
	if err := client.SetDay(ctx, path, 0, []Meeting{
		{Entry: panl.TimelineEntry{Start: 540, End: 555}, Info: info, ID: "abc"},
	}); err != nil {
		t.Fatalf("SetDay failed: %v", err)
	}

	if _, ok, err := client.GetDay(ctx, path, 0); err != nil || !ok {
		t.Fatalf("expected fetched day, got ok=%v err=%v", ok, err)
	}

	time.Sleep(1500 * time.Millisecond)

	if _, ok, err := client.GetDay(ctx, path, 0); err != nil || ok {
		t.Fatalf("expected expired day, got ok=%v err=%v", ok, err)
	}
	if _, err := client.GetMeetingInfo(ctx, path, panl.TimePoint{Minutes: 540}); !IsNotFound(err) {
		t.Fatalf("expected meeting info to expire with the day, got %v", err)
	}

	if err := client.SetAuthSuccess(ctx, path, "jane@ftdichip.com"); err != nil {
		t.Fatalf("SetAuthSuccess failed: %v", err)
	}
	email, err := client.ConsumeAuth(ctx, path)
	if err != nil || email != "jane@ftdichip.com" {
		t.Fatalf("ConsumeAuth = %q, %v", email, err)
	}

	if err := client.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}
