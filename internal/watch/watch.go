// Package watch streams the administrative changes announced to running hubs.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/cache"
)

// OutputFormat selects how changes are written.
type OutputFormat int

const (
	// OutputFormatDefault writes one human-readable line per change.
	OutputFormatDefault OutputFormat = iota
	// OutputFormatJSON writes one JSON object per line.
	OutputFormatJSON
)

// Change is a received change event with its arrival time.
type Change struct {
	Time time.Time `json:"time"`
	cache.ChangeEvent
}

// StreamChanges writes every change from sub to w until ctx is cancelled
// or the subscription ends. Undecodable messages are reported and skipped.
func StreamChanges(ctx context.Context, sub *cache.Subscription, format OutputFormat, w io.Writer, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	events, errs := sub.Events(), sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := write(w, format, Change{Time: now(), ChangeEvent: ev}); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(w, "skipped bad change message: %v\n", err)
		}
	}
}

func write(w io.Writer, format OutputFormat, c Change) error {
	if format == OutputFormatJSON {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal change: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
	_, err := fmt.Fprintf(w, "[%s] %s\n", c.Time.Format("15:04:05"), Describe(c.ChangeEvent))
	return err
}

// Describe renders a change for people.
func Describe(ev cache.ChangeEvent) string {
	switch ev.Kind {
	case cache.ChangeHubConfig:
		return "hub settings changed"
	case cache.ChangePanelConfig:
		return "panel settings changed, panels get new settings"
	case cache.ChangeLink:
		if ev.Path != nil {
			return fmt.Sprintf("panel %s on %s linked", ev.UUID, ev.Path)
		}
		return fmt.Sprintf("panel %s link changed, panels report again", ev.UUID)
	}
	return fmt.Sprintf("unknown change %q", ev.Kind)
}
