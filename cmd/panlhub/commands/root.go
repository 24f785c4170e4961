package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/config"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/persist"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/printer"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/cache"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "panlhub",
	Short: "PanL hub - meeting room panels backed by a calendar",
	Long: `panlhub connects PanL meeting room panels, reached through gateway
agents, to a calendar. It caches each panel's timeline in Redis and
keeps rooms, panel links, employees and settings in sqlite.

Run "panlhub serve" to start the hub. The other commands manage the
hub's database and can be used while it runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command.
func Execute() error {
	// Errors are printed by the printer package.
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to panlhub.yml")
}

func loadConfig() (*config.HubConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.Error("invalid configuration", err.Error(),
			"Check "+configPath+" against the documented settings")
	}
	return cfg, nil
}

// openStore loads the configuration and opens the hub database.
func openStore() (*config.HubConfig, *persist.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := persist.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, printer.Error("failed to open database", err.Error(),
			"Check database.path in "+configPath+" or set PANL_DB_PATH")
	}
	return cfg, store, nil
}

// openCache connects to the cache Redis and checks it answers.
func openCache(ctx context.Context, cfg *config.HubConfig, opts ...cache.Option) (*cache.Client, error) {
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	c, err := cache.NewClient(redisOpts, cfg.Redis.Namespace, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// announce tells running hubs about a change. The change is already stored,
// so an unreachable Redis only warrants a warning.
func announce(ctx context.Context, cfg *config.HubConfig, ev cache.ChangeEvent) {
	c, err := openCache(ctx, cfg)
	if err != nil {
		printer.Warning("Running hubs were not notified: %v\n", err)
		return
	}
	defer c.Close()
	if err := c.PublishChange(ctx, ev); err != nil {
		printer.Warning("Running hubs were not notified: %v\n", err)
	}
}

// storeError prints a not-found failure with explanation and passes other
// errors through.
func storeError(err error, title, explanation string) error {
	if errors.Is(err, persist.ErrNotFound) {
		return printer.Error(title, explanation)
	}
	return err
}
