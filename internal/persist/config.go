package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/internal/protocol"
)

// configID is the primary key of a configuration blob.
type configID int

const (
	calendarConfigID configID = iota
	hubConfigID
	panelConfigID
)

// CalendarType selects the calendar backend.
type CalendarType string

const (
	CalendarUnconfigured CalendarType = "unconfigured"
	CalendarMemory       CalendarType = "memory"
	CalendarICS          CalendarType = "ics"
)

// CalendarConfig selects and configures the calendar backend.
type CalendarConfig struct {
	Type CalendarType `json:"type"`
	// Sources maps a room address to its iCalendar file (ics only).
	Sources  map[string]string `json:"sources,omitempty"`
	ReadOnly bool              `json:"readonly"`
}

// Validate checks the backend type and its required settings.
func (c CalendarConfig) Validate() error {
	switch c.Type {
	case CalendarUnconfigured, CalendarMemory:
		return nil
	case CalendarICS:
		for room, path := range c.Sources {
			if room == "" || path == "" {
				return fmt.Errorf("ics source for room %q has an empty field", room)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown calendar type %q", c.Type)
	}
}

// HubConfig holds runtime-mutable hub settings.
type HubConfig struct {
	// Expiry is the cache TTL in seconds; 0 disables expiry.
	Expiry         int    `json:"expiry"`
	MeetingSubject string `json:"meeting_subject"`
}

// Validate rejects negative expiry.
func (c HubConfig) Validate() error {
	if c.Expiry < 0 {
		return fmt.Errorf("expiry cannot be negative: %d", c.Expiry)
	}
	return nil
}

// PanelConfig is broadcast to every panel when its agent connects.
type PanelConfig struct {
	AccessRights    protocol.AccessRights `json:"access_rights"`
	Lang            protocol.LanguageID   `json:"lang"`
	MilitaryTime    bool                  `json:"military_time"`
	FirmwareVersion uint16                `json:"firmware_version"`
}

// Default configurations used until an admin stores one.
var (
	DefaultCalendarConfig = CalendarConfig{Type: CalendarMemory}
	DefaultHubConfig      = HubConfig{Expiry: 180, MeetingSubject: "Meeting create by PanL70"}
	DefaultPanelConfig    = PanelConfig{Lang: protocol.LangEN, FirmwareVersion: 0x0101}
)

// CalendarConfig returns the stored calendar configuration or the default.
func (s *Store) CalendarConfig(ctx context.Context) (CalendarConfig, error) {
	cfg := DefaultCalendarConfig
	return cfg, s.loadConfig(ctx, calendarConfigID, &cfg)
}

// SetCalendarConfig stores the calendar configuration.
func (s *Store) SetCalendarConfig(ctx context.Context, cfg CalendarConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.saveConfig(ctx, calendarConfigID, cfg)
}

// HubConfig returns the stored hub configuration or the default.
func (s *Store) HubConfig(ctx context.Context) (HubConfig, error) {
	cfg := DefaultHubConfig
	return cfg, s.loadConfig(ctx, hubConfigID, &cfg)
}

// SetHubConfig stores the hub configuration.
func (s *Store) SetHubConfig(ctx context.Context, cfg HubConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.saveConfig(ctx, hubConfigID, cfg)
}

// PanelConfig returns the stored panel configuration or the default.
func (s *Store) PanelConfig(ctx context.Context) (PanelConfig, error) {
	cfg := DefaultPanelConfig
	return cfg, s.loadConfig(ctx, panelConfigID, &cfg)
}

// SetPanelConfig stores the panel configuration.
func (s *Store) SetPanelConfig(ctx context.Context, cfg PanelConfig) error {
	return s.saveConfig(ctx, panelConfigID, cfg)
}

// loadConfig decodes the blob over v, leaving v untouched when none is stored.
func (s *Store) loadConfig(ctx context.Context, id configID, v any) error {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT val FROM configs WHERE id = ?`, int(id)).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load config %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(val), v); err != nil {
		return fmt.Errorf("failed to decode config %d: %w", id, err)
	}
	return nil
}

func (s *Store) saveConfig(ctx context.Context, id configID, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode config %d: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO configs (id, val) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET val = excluded.val
	`, int(id), string(val))
	if err != nil {
		return fmt.Errorf("failed to save config %d: %w", id, err)
	}
	return nil
}
