package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/api"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/calendar"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/config"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/hub"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/logging"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/persist"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/printer"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/transmit"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/transport"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/cache"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub",
	Long: `Run the hub until interrupted.

The hub accepts agent connections on "listen", serves the health check and
admin API on "health_addr" and connects to the calendar selected with
"panlhub config calendar". Calendar failures are retried forever.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		App:    "panlhub",
	})
	if err != nil {
		return printer.Error("invalid logging configuration", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger)
}

// serve builds the hub from its leaves up and runs it until ctx is
// cancelled. Components stop in reverse order.
func serve(ctx context.Context, cfg *config.HubConfig, logger zerolog.Logger) error {
	store, err := persist.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	hubCfg, err := store.HubConfig(ctx)
	if err != nil {
		return err
	}
	panelCfg, err := store.PanelConfig(ctx)
	if err != nil {
		return err
	}

	c, err := openCache(ctx, cfg, cache.WithExpiry(hubCfg.Expiry))
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer c.Close()

	open := func(ctx context.Context) (calendar.Backend, error) {
		calCfg, err := store.CalendarConfig(ctx)
		if err != nil {
			return nil, err
		}
		return calendar.NewBackend(calCfg, calendar.BackendOptions{
			Seeder: store,
			Logger: logging.Component(logger, "calendar"),
		})
	}
	cal := calendar.NewManager(c, store, open, calendar.Config{
		RetryInterval: cfg.Calendar.RetryInterval,
		Hub:           hubCfg,
		Panel:         panelCfg,
		Logger:        logger,
	})

	srv := transport.NewServer(transport.Config{
		Addr:             cfg.Listen,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		KeepAlive:        cfg.Transport.KeepAlive,
		WriteTimeout:     cfg.Transport.WriteTimeout,
		Logger:           logger,
	}, store)
	queue := transmit.New(srv, logger)
	svc := hub.New(c, cal, store, queue, hub.Options{Logger: logger, Sessions: srv})
	admin := api.New(store, c, api.Options{
		Addr:     cfg.HealthAddr,
		Agents:   srv,
		Calendar: cal,
		Logger:   logger,
	})

	calDone := make(chan struct{})
	go func() {
		defer close(calDone)
		if err := cal.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Calendar manager stopped")
		}
	}()

	if err := srv.Start(ctx, svc); err != nil {
		return err
	}
	if err := admin.Start(); err != nil {
		srv.Stop()
		return err
	}
	logger.Info().Str("listen", cfg.Listen).Str("admin", cfg.HealthAddr).Msg("Hub started")

	runErr := svc.Run(ctx, srv.Events())

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Admin server shutdown")
	}
	if err := srv.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Transport shutdown")
	}
	<-calDone
	return runErr
}
