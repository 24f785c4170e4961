// Package timespec reads the day arguments of the inspection commands.
package timespec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

// ParseDay turns a day specification into a day offset from now's date,
// the form panels and the timeline cache use.
// Supports:
//   - names: "today", "tomorrow", "yesterday"
//   - signed offsets: "+2", "-1", "0"
//   - dates: "2018-03-08"
//   - RFC3339 timestamps: "2018-03-08T09:30:00Z", taken in now's location
//
// Offsets outside -128..127 days cannot be cached and are rejected.
func ParseDay(spec string, now time.Time) (int8, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, fmt.Errorf("empty day specification")
	}

	var days int
	switch strings.ToLower(spec) {
	case "today":
		return 0, nil
	case "tomorrow":
		return 1, nil
	case "yesterday":
		return -1, nil
	}

	if n, err := strconv.Atoi(spec); err == nil {
		days = n
	} else if t, err := time.ParseInLocation(time.DateOnly, spec, now.Location()); err == nil {
		days = panl.DaysBetween(now, t)
	} else if t, err := time.Parse(time.RFC3339, spec); err == nil {
		days = panl.DaysBetween(now, t)
	} else {
		return 0, fmt.Errorf("invalid day specification: %s (use today, tomorrow, an offset like '+2' or a date like '2018-03-08')", spec)
	}

	if days < -128 || days > 127 {
		return 0, fmt.Errorf("day %s is %d days from today, out of range", spec, days)
	}
	return int8(days), nil
}
