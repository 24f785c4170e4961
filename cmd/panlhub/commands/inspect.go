package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/printer"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/timespec"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/watch"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/cache"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

var (
	timelineDay    string
	timelineOutput string
	watchOutput    string
)

// now is the clock of the inspection commands. Tests replace it.
var now = time.Now

var timelineCmd = &cobra.Command{
	Use:   "timeline PATH",
	Short: "Show the cached timeline of a panel",
	Long: `Show what the running hub has cached for a panel: its room and the
meetings of one day with their info.

PATH is the panel as the hub logs it, e.g. PanL3-1 or 3-1.

Day (--day):
  today, tomorrow, yesterday
  an offset from today: +2, -1
  a date: 2018-03-08

A day the hub has not fetched yet, or whose cache expired, is reported as
not cached. Nothing is fetched from the calendar.`,
	Example: `  panlhub timeline PanL3-1 --day tomorrow
  panlhub timeline 3-1 -o json | jq '.[].info.subject'`,
	Args: cobra.ExactArgs(1),
	RunE: runTimeline,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream the changes announced to running hubs",
	Long: `Stream room links, hub settings and panel settings changes as they are
announced to running hubs, until interrupted.

Output Formats:
  default - one line per change with its time
  json    - line-delimited JSON for programmatic processing`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	timelineCmd.Flags().StringVar(&timelineDay, "day", "today", "Day to show")
	timelineCmd.Flags().StringVarP(&timelineOutput, "output", "o", "default", "Output format: default or json")
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "default", "Output format: default or json")
	rootCmd.AddCommand(timelineCmd, watchCmd)
}

func runTimeline(cmd *cobra.Command, args []string) error {
	path, err := panl.ParsePath(args[0])
	if err != nil {
		return printer.Error("invalid panel path", err.Error(), "Use the form PanL3-1 or 3-1")
	}
	day, err := timespec.ParseDay(timelineDay, now())
	if err != nil {
		return printer.Error("invalid day", err.Error())
	}
	if timelineOutput != "default" && timelineOutput != "json" {
		return printer.Error("invalid output format",
			fmt.Sprintf("Unknown format: %s", timelineOutput),
			"Valid formats: default, json")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	c, err := openCache(ctx, cfg, cache.WithClock(now))
	if err != nil {
		return printer.Error("cannot reach redis", err.Error(), "Check redis.url in "+configPath)
	}
	defer c.Close()

	room, err := c.GetRoomName(ctx, path)
	if cache.IsNotFound(err) {
		return printer.Error("panel not online", fmt.Sprintf("%s is not showing a room", path),
			"Check the panel is connected and linked: panlhub room list")
	}
	if err != nil {
		return err
	}
	entries, ok, err := c.GetDay(ctx, path, day)
	if err != nil {
		return err
	}
	if !ok {
		printer.Warning("Day %+d of %s is not cached\n", day, path)
		return nil
	}

	slots := make([]printer.Slot, 0, len(entries))
	for _, e := range entries {
		slot := printer.Slot{Entry: e}
		info, err := c.GetMeetingInfo(ctx, path, panl.TimePoint{DayOffset: day, Minutes: e.Start})
		switch {
		case err == nil:
			slot.Info = &info
		case !cache.IsNotFound(err):
			return err
		}
		slots = append(slots, slot)
	}

	if timelineOutput == "json" {
		return printer.JSON(printer.Out, slots)
	}
	printer.Timeline(printer.Out, path, room, day, slots)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	var format watch.OutputFormat
	switch watchOutput {
	case "default":
		format = watch.OutputFormatDefault
	case "json":
		format = watch.OutputFormatJSON
	default:
		return printer.Error("invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutput),
			"Valid formats: default, json")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := openCache(ctx, cfg)
	if err != nil {
		return printer.Error("cannot reach redis", err.Error(), "Check redis.url in "+configPath)
	}
	defer c.Close()

	sub, err := c.SubscribeChanges(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	if format == watch.OutputFormatDefault {
		printer.Step("Watching changes in namespace %s\n", c.Namespace())
	}
	return watch.StreamChanges(ctx, sub, format, printer.Out, now)
}
