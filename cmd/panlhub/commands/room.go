package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/persist"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/printer"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/cache"
)

var (
	roomName     string
	roomOutput   string
	linkID       int
	employeeName string
)

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "Manage meeting rooms",
}

var roomAddCmd = &cobra.Command{
	Use:     "add ADDRESS",
	Short:   "Add a room or rename an existing one",
	Example: `  panlhub room add sentosa@ftdichip.com --name Sentosa`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		name := roomName
		if name == "" {
			name = args[0]
		}
		if err := store.AddRoom(context.Background(), persist.Room{Address: args[0], Name: name}); err != nil {
			return err
		}
		printer.Success("Room %s (%s) saved\n", name, args[0])
		return nil
	},
}

var roomListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rooms and their linked panels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		rooms, err := store.ListRooms(context.Background())
		if err != nil {
			return err
		}
		switch roomOutput {
		case "default":
			printer.Rooms(printer.Out, rooms)
			return nil
		case "json":
			if rooms == nil {
				rooms = []persist.Room{}
			}
			return printer.JSON(printer.Out, rooms)
		}
		return printer.Error("invalid output format",
			fmt.Sprintf("Unknown format: %s", roomOutput),
			"Valid formats: default, json")
	},
}

var linkCmd = &cobra.Command{
	Use:   "link [UUID] ADDRESS",
	Short: "Link a panel to a room",
	Long: `Link a panel to a room.

The panel is given either by its UUID or, with --id, by the number an
unconfigured panel shows on its screen. Running hubs are notified and the
panel shows the room right away.`,
	Example: `  panlhub link 0102030405060708 sentosa@ftdichip.com
  panlhub link --id 3 sentosa@ftdichip.com`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runLink,
}

var unlinkCmd = &cobra.Command{
	Use:   "unlink UUID",
	Short: "Remove a panel's room link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		if err := store.UnlinkPanel(ctx, args[0]); err != nil {
			return storeError(err, "panel not linked", fmt.Sprintf("No room is linked to panel %s", args[0]))
		}
		announce(ctx, cfg, cache.ChangeEvent{Kind: cache.ChangeLink, UUID: args[0]})
		printer.Success("Panel %s unlinked\n", args[0])
		return nil
	},
}

func runLink(cmd *cobra.Command, args []string) error {
	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	if linkID < 0 {
		if len(args) != 2 {
			return printer.Error("missing panel", "Give the panel UUID and the room address",
				"panlhub link UUID ADDRESS", "panlhub link --id N ADDRESS")
		}
		uuid, address := args[0], args[1]
		if err := store.LinkPanel(ctx, uuid, address); err != nil {
			return storeError(err, "room not found", fmt.Sprintf("No room has address %s", address))
		}
		announce(ctx, cfg, cache.ChangeEvent{Kind: cache.ChangeLink, UUID: uuid})
		printer.Success("Panel %s linked to %s\n", uuid, address)
		return nil
	}

	if len(args) != 1 {
		return printer.Error("too many arguments", "With --id only the room address is given")
	}
	if linkID > 0xFFFF {
		return printer.Error("invalid id", strconv.Itoa(linkID)+" is not a panel id")
	}
	address := args[0]
	c, err := openCache(ctx, cfg)
	if err != nil {
		return printer.Error("cannot reach redis", err.Error(),
			"Unconfigured panels are tracked by the running hub in Redis; check redis.url")
	}
	defer c.Close()

	rec, err := c.GetUnconfigured(ctx, uint16(linkID))
	if cache.IsNotFound(err) {
		return printer.Error("unknown panel id", fmt.Sprintf("No panel shows unconfigured id %d", linkID))
	}
	if err != nil {
		return err
	}
	if err := store.LinkPanel(ctx, rec.UUID, address); err != nil {
		return storeError(err, "room not found", fmt.Sprintf("No room has address %s", address))
	}
	path := rec.Path
	if err := c.PublishChange(ctx, cache.ChangeEvent{Kind: cache.ChangeLink, UUID: rec.UUID, Path: &path}); err != nil {
		printer.Warning("Running hubs were not notified: %v\n", err)
	}
	printer.Success("Panel %s (%s) linked to %s\n", rec.UUID, rec.Path, address)
	return nil
}

var employeeCmd = &cobra.Command{
	Use:   "employee",
	Short: "Manage employees who sign in on panels",
}

var employeeAddCmd = &cobra.Command{
	Use:   "add EMAIL",
	Short: "Add an employee or rename an existing one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.AddEmployee(context.Background(), persist.Employee{Email: args[0], Name: employeeName}); err != nil {
			return err
		}
		printer.Success("Employee %s saved\n", args[0])
		return nil
	},
}

var passcodeCmd = &cobra.Command{
	Use:   "passcode",
	Short: "Manage panel sign-in passcodes",
}

var passcodeSetCmd = &cobra.Command{
	Use:   "set EMAIL PASSCODE",
	Short: "Assign a passcode to an employee",
	Long: `Assign a passcode to an employee. PASSCODE is a number; a 0x prefix
reads it as hexadecimal. A passcode belongs to one employee at a time.`,
	Example: `  panlhub passcode set fred@ftdichip.com 0x888888`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		passcode, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return printer.Error("invalid passcode", fmt.Sprintf("%q is not a number", args[1]))
		}
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetPasscode(context.Background(), uint32(passcode), args[0]); err != nil {
			return storeError(err, "employee not found", fmt.Sprintf("No employee has email %s", args[0]))
		}
		printer.Success("Passcode set for %s\n", args[0])
		return nil
	},
}

func init() {
	roomAddCmd.Flags().StringVar(&roomName, "name", "", "Display name (defaults to the address)")
	roomListCmd.Flags().StringVarP(&roomOutput, "output", "o", "default", "Output format: default or json")
	roomCmd.AddCommand(roomAddCmd, roomListCmd)

	linkCmd.Flags().IntVar(&linkID, "id", -1, "Unconfigured id shown on the panel")

	employeeAddCmd.Flags().StringVar(&employeeName, "name", "", "Display name")
	employeeCmd.AddCommand(employeeAddCmd)
	passcodeCmd.AddCommand(passcodeSetCmd)

	rootCmd.AddCommand(roomCmd, linkCmd, unlinkCmd, employeeCmd, passcodeCmd)
}
