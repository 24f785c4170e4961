package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/config"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/persist"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/printer"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/cache"
)

var (
	calendarType     string
	calendarSources  []string
	calendarReadOnly bool
	hubExpiry        int
	hubSubject       string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show and change hub settings",
}

// settings is what "config show" prints.
type settings struct {
	File     *config.HubConfig      `json:"file"`
	Hub      persist.HubConfig      `json:"hub"`
	Panel    persist.PanelConfig    `json:"panel"`
	Calendar persist.CalendarConfig `json:"calendar"`
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the file configuration and the stored settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		out := settings{File: cfg}
		if out.Hub, err = store.HubConfig(ctx); err != nil {
			return err
		}
		if out.Panel, err = store.PanelConfig(ctx); err != nil {
			return err
		}
		if out.Calendar, err = store.CalendarConfig(ctx); err != nil {
			return err
		}
		return printer.JSON(printer.Out, out)
	},
}

var configCalendarCmd = &cobra.Command{
	Use:   "calendar",
	Short: "Select the calendar backend",
	Long: `Select the calendar backend used by "panlhub serve".

Types:
  memory        - demo rooms, employees and meetings kept in memory
  ics           - one iCalendar file per room, given with --source
  unconfigured  - no calendar; panels show their room without meetings

The hub picks the change up on its next connection attempt, at the latest
after a restart.`,
	Example: `  panlhub config calendar --type ics \
    --source sentosa@ftdichip.com=/srv/calendars/sentosa.ics`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cal := persist.CalendarConfig{
			Type:     persist.CalendarType(calendarType),
			ReadOnly: calendarReadOnly,
		}
		for _, src := range calendarSources {
			room, file, ok := strings.Cut(src, "=")
			if !ok {
				return printer.Error("invalid source", fmt.Sprintf("%q is not ROOM=FILE", src))
			}
			if cal.Sources == nil {
				cal.Sources = make(map[string]string)
			}
			cal.Sources[room] = file
		}
		if err := cal.Validate(); err != nil {
			return printer.Error("invalid calendar configuration", err.Error(),
				"Valid types: memory, ics, unconfigured")
		}

		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.SetCalendarConfig(context.Background(), cal); err != nil {
			return err
		}
		printer.Success("Calendar set to %s\n", cal.Type)
		return nil
	},
}

var configHubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Change the cache expiry or the subject of bookings made on panels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		hub, err := store.HubConfig(ctx)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("expiry") {
			hub.Expiry = hubExpiry
		}
		if cmd.Flags().Changed("subject") {
			hub.MeetingSubject = hubSubject
		}
		if err := store.SetHubConfig(ctx, hub); err != nil {
			return printer.Error("invalid hub configuration", err.Error())
		}
		announce(ctx, cfg, cache.ChangeEvent{Kind: cache.ChangeHubConfig})
		printer.Success("Hub settings saved (expiry %ds)\n", hub.Expiry)
		return nil
	},
}

func init() {
	configCalendarCmd.Flags().StringVar(&calendarType, "type", string(persist.CalendarMemory), "Backend type: memory, ics or unconfigured")
	configCalendarCmd.Flags().StringArrayVar(&calendarSources, "source", nil, "ROOM=FILE iCalendar source (repeatable)")
	configCalendarCmd.Flags().BoolVar(&calendarReadOnly, "readonly", false, "Refuse bookings and changes made on panels")

	configHubCmd.Flags().IntVar(&hubExpiry, "expiry", persist.DefaultHubConfig.Expiry, "Cache expiry in seconds")
	configHubCmd.Flags().StringVar(&hubSubject, "subject", persist.DefaultHubConfig.MeetingSubject, "Subject of bookings made on panels")

	configCmd.AddCommand(configShowCmd, configCalendarCmd, configHubCmd)
	rootCmd.AddCommand(configCmd)
}
