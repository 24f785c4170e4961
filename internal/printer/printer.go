// Package printer formats panlhub CLI output.
package printer

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/persist"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

func init() {
	// NO_COLOR disables colors; otherwise they are kept even without a TTY.
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// Out and ErrOut receive normal and error output. Tests swap them.
var (
	Out    io.Writer = os.Stdout
	ErrOut io.Writer = os.Stderr
)

// Success prints a message in green with a checkmark.
func Success(format string, a ...any) {
	green.Fprintf(Out, "✓ %s", fmt.Sprintf(format, a...))
}

// Info prints an uncolored message.
func Info(format string, a ...any) {
	fmt.Fprintf(Out, format, a...)
}

// Warning prints a message in yellow.
func Warning(format string, a ...any) {
	yellow.Fprintf(Out, "⚠️  %s", fmt.Sprintf(format, a...))
}

// Step prints one step of a multi-step operation.
func Step(format string, a ...any) {
	cyan.Fprintf(Out, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints title, explanation and suggestions to ErrOut and returns an
// error carrying only the title, for cobra with SilenceErrors.
func Error(title, explanation string, suggestions ...string) error {
	red.Fprintf(ErrOut, "%s\n\n", title)
	if explanation != "" {
		fmt.Fprintf(ErrOut, "%s\n", explanation)
	}
	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(ErrOut, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(ErrOut, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(ErrOut, "  %d. %s\n", i+1, s)
		}
	}
	return fmt.Errorf("%s", title)
}

// Rooms writes rooms and their linked panels as a table and returns how
// many rooms were written.
func Rooms(w io.Writer, rooms []persist.Room) int {
	if len(rooms) == 0 {
		fmt.Fprintln(w, "No rooms configured")
		return 0
	}

	fmt.Fprintf(w, "%-32s %-20s %s\n", "ADDRESS", "NAME", "PANELS")
	fmt.Fprintf(w, "%-32s %-20s %s\n", strings.Repeat("-", 32), strings.Repeat("-", 20), strings.Repeat("-", 16))
	for _, r := range rooms {
		panels := "-"
		if len(r.Panels) > 0 {
			panels = strings.Join(r.Panels, ",")
		}
		fmt.Fprintf(w, "%-32s %-20s %s\n", truncate(r.Address, 32), truncate(r.Name, 20), panels)
	}

	noun := "room"
	if len(rooms) != 1 {
		noun = "rooms"
	}
	fmt.Fprintf(w, "\n%d %s\n", len(rooms), noun)
	return len(rooms)
}

// Slot is one cached timeline entry with its meeting info, if cached.
type Slot struct {
	Entry panl.TimelineEntry `json:"entry"`
	Info  *panl.MeetingInfo  `json:"info,omitempty"`
}

// Timeline writes the cached slots of one panel's day and returns how many
// were written.
func Timeline(w io.Writer, path panl.Path, room string, day int8, slots []Slot) int {
	fmt.Fprintf(w, "%s (%s), day %+d:\n\n", path, room, day)
	if len(slots) == 0 {
		fmt.Fprintln(w, "No meetings")
		return 0
	}
	for _, s := range slots {
		subject, organizer := "?", "?"
		if s.Info != nil {
			subject, organizer = truncate(s.Info.Subject, 40), s.Info.Organizer
		}
		fmt.Fprintf(w, "%s-%s  %-40s %s\n", clock(s.Entry.Start), clock(s.Entry.End), subject, organizer)
	}
	return len(slots)
}

func clock(minutes uint16) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// JSON writes v as indented JSON followed by a newline.
func JSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	return nil
}

// truncate shortens s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
