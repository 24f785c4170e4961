// Package api serves the hub's health check and the admin endpoints used to
// manage rooms, panel links and runtime settings.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/persist"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/cache"
)

// Store is the persistent state the admin endpoints manage.
type Store interface {
	Ping(ctx context.Context) error
	ListRooms(ctx context.Context) ([]persist.Room, error)
	AddRoom(ctx context.Context, room persist.Room) error
	FindRoomByAddress(ctx context.Context, address string) (persist.Room, error)
	LinkPanel(ctx context.Context, uuid, address string) error
	UnlinkPanel(ctx context.Context, uuid string) error
	HubConfig(ctx context.Context) (persist.HubConfig, error)
	SetHubConfig(ctx context.Context, cfg persist.HubConfig) error
	PanelConfig(ctx context.Context) (persist.PanelConfig, error)
	SetPanelConfig(ctx context.Context, cfg persist.PanelConfig) error
}

// AgentLister reports the agents with a live session.
type AgentLister interface {
	Agents() []uint32
}

// CalendarStatus reports whether the calendar backend is connected.
type CalendarStatus interface {
	Connected() bool
}

// Options configures a Server. Agents and Calendar may be nil when the API
// runs without a hub, as the CLI does in tests.
type Options struct {
	Addr     string
	Agents   AgentLister
	Calendar CalendarStatus
	Logger   zerolog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	store    Store
	cache    *cache.Client
	agents   AgentLister
	calendar CalendarStatus
	log      zerolog.Logger

	router *gin.Engine
	server *http.Server
}

// New creates a server and registers its routes.
func New(store Store, c *cache.Client, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:    store,
		cache:    c,
		agents:   opts.Agents,
		calendar: opts.Calendar,
		log:      opts.Logger.With().Str("component", "api").Logger(),
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery(), requestLogger(s.log))
	s.routes()
	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.health)

	api := s.router.Group("/api")
	api.GET("/rooms", s.listRooms)
	api.POST("/rooms", s.addRoom)
	api.POST("/links", s.link)
	api.DELETE("/links/:uuid", s.unlink)
	api.GET("/unconfigured/:id", s.getUnconfigured)
	api.POST("/unconfigured/:id/link", s.linkUnconfigured)
	api.GET("/config/hub", s.getHubConfig)
	api.PUT("/config/hub", s.putHubConfig)
	api.GET("/config/panel", s.getPanelConfig)
	api.PUT("/config/panel", s.putPanelConfig)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background until Shutdown.
func (s *Server) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Admin server error")
		}
	}()
	s.log.Info().Str("addr", s.server.Addr).Msg("Admin server listening")
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		event := logger.Debug()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("http_request")
	}
}
