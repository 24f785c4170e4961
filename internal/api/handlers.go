package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/persist"
	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/cache"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status   string   `json:"status"`
	Redis    string   `json:"redis"`
	Database string   `json:"database"`
	Calendar string   `json:"calendar,omitempty"`
	Agents   []uint32 `json:"agents"`
	Errors   []string `json:"errors,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// LinkRequest links a panel UUID to a room.
type LinkRequest struct {
	UUID    string `json:"uuid" binding:"required"`
	Address string `json:"address" binding:"required"`
}

// RoomLinkRequest links an unconfigured panel to a room.
type RoomLinkRequest struct {
	Address string `json:"address" binding:"required"`
}

// UnconfiguredResponse describes a panel waiting to be linked.
type UnconfiguredResponse struct {
	ID   uint16 `json:"id"`
	Path string `json:"path"`
	UUID string `json:"uuid"`
}

func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// sendStoreError maps a store failure to a response.
func sendStoreError(c *gin.Context, err error, what string) {
	if errors.Is(err, persist.ErrNotFound) {
		sendError(c, http.StatusNotFound, "NOT_FOUND", what+" not found")
		return
	}
	sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}

// health returns 200 when both Redis and sqlite answer, 503 otherwise.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "healthy", Redis: "connected", Database: "connected", Agents: []uint32{}}
	if err := s.cache.Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Redis = "disconnected"
		resp.Errors = append(resp.Errors, err.Error())
	}
	if err := s.store.Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "disconnected"
		resp.Errors = append(resp.Errors, err.Error())
	}
	if s.agents != nil {
		resp.Agents = s.agents.Agents()
	}
	if s.calendar != nil {
		resp.Calendar = "disconnected"
		if s.calendar.Connected() {
			resp.Calendar = "connected"
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (s *Server) listRooms(c *gin.Context) {
	rooms, err := s.store.ListRooms(c.Request.Context())
	if err != nil {
		sendStoreError(c, err, "rooms")
		return
	}
	if rooms == nil {
		rooms = []persist.Room{}
	}
	c.JSON(http.StatusOK, rooms)
}

func (s *Server) addRoom(c *gin.Context) {
	var room persist.Room
	if err := c.ShouldBindJSON(&room); err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if room.Address == "" {
		sendError(c, http.StatusBadRequest, "INVALID_REQUEST", "address is required")
		return
	}
	if room.Name == "" {
		room.Name = room.Address
	}
	if err := s.store.AddRoom(c.Request.Context(), persist.Room{Address: room.Address, Name: room.Name}); err != nil {
		sendStoreError(c, err, "room")
		return
	}
	c.JSON(http.StatusCreated, persist.Room{Address: room.Address, Name: room.Name})
}

// link stores a UUID to room link. The panel showing the UUID is not known
// here, so every hub asks its panels to report again.
func (s *Server) link(c *gin.Context) {
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ctx := c.Request.Context()
	if err := s.store.LinkPanel(ctx, req.UUID, req.Address); err != nil {
		sendStoreError(c, err, "room")
		return
	}
	s.publish(ctx, cache.ChangeEvent{Kind: cache.ChangeLink, UUID: req.UUID})
	c.JSON(http.StatusOK, req)
}

func (s *Server) unlink(c *gin.Context) {
	uuid := c.Param("uuid")
	ctx := c.Request.Context()
	if err := s.store.UnlinkPanel(ctx, uuid); err != nil {
		sendStoreError(c, err, "panel link")
		return
	}
	s.publish(ctx, cache.ChangeEvent{Kind: cache.ChangeLink, UUID: uuid})
	c.Status(http.StatusNoContent)
}

func (s *Server) unconfigured(c *gin.Context) (*cache.Unconfigured, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 16)
	if err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_REQUEST", "id must be a number between 0 and 65535")
		return nil, false
	}
	rec, err := s.cache.GetUnconfigured(c.Request.Context(), uint16(id))
	if cache.IsNotFound(err) {
		sendError(c, http.StatusNotFound, "NOT_FOUND", "no panel shows unconfigured id "+c.Param("id"))
		return nil, false
	}
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return nil, false
	}
	return rec, true
}

func (s *Server) getUnconfigured(c *gin.Context) {
	rec, ok := s.unconfigured(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, UnconfiguredResponse{ID: rec.ID, Path: rec.Path.String(), UUID: rec.UUID})
}

// linkUnconfigured links the panel showing an unconfigured id to a room and
// tells the hub serving it to show the room right away.
func (s *Server) linkUnconfigured(c *gin.Context) {
	rec, ok := s.unconfigured(c)
	if !ok {
		return
	}
	var req RoomLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ctx := c.Request.Context()
	if err := s.store.LinkPanel(ctx, rec.UUID, req.Address); err != nil {
		sendStoreError(c, err, "room")
		return
	}
	path := rec.Path
	s.publish(ctx, cache.ChangeEvent{Kind: cache.ChangeLink, UUID: rec.UUID, Path: &path})
	c.JSON(http.StatusOK, LinkRequest{UUID: rec.UUID, Address: req.Address})
}

func (s *Server) getHubConfig(c *gin.Context) {
	cfg, err := s.store.HubConfig(c.Request.Context())
	if err != nil {
		sendStoreError(c, err, "hub config")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) putHubConfig(c *gin.Context) {
	var cfg persist.HubConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
		return
	}
	ctx := c.Request.Context()
	if err := s.store.SetHubConfig(ctx, cfg); err != nil {
		sendStoreError(c, err, "hub config")
		return
	}
	s.publish(ctx, cache.ChangeEvent{Kind: cache.ChangeHubConfig})
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) getPanelConfig(c *gin.Context) {
	cfg, err := s.store.PanelConfig(c.Request.Context())
	if err != nil {
		sendStoreError(c, err, "panel config")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) putPanelConfig(c *gin.Context) {
	var cfg persist.PanelConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		sendError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ctx := c.Request.Context()
	if err := s.store.SetPanelConfig(ctx, cfg); err != nil {
		sendStoreError(c, err, "panel config")
		return
	}
	s.publish(ctx, cache.ChangeEvent{Kind: cache.ChangePanelConfig})
	c.JSON(http.StatusOK, cfg)
}

// publish announces a change. The change is already stored, so a failed
// announcement is logged and picked up by hubs on restart.
func (s *Server) publish(ctx context.Context, ev cache.ChangeEvent) {
	if err := s.cache.PublishChange(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to publish change")
	}
}
