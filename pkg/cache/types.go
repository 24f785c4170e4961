package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/long-do-brtchip/MRBS-Catering-sub000/pkg/panl"
)

// ErrNotFound is returned by lookups of absent keys. Empty results of
// collection reads are not errors.
var ErrNotFound = errors.New("cache: not found")

// IsNotFound reports whether err is a cache miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil)
}

// AuthTTL is how long a successful panel login stays usable.
const AuthTTL = 3 * time.Second

// Room is the calendar resource a panel displays.
type Room struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// Meeting is one cached slot of a day. Info and ID are optional.
type Meeting struct {
	Entry panl.TimelineEntry `json:"entry"`
	Info  *panl.MeetingInfo  `json:"info,omitempty"`
	ID    string             `json:"id,omitempty"`
}

// Unconfigured is a panel that reported a UUID with no room linked to it.
type Unconfigured struct {
	ID   uint16    `json:"id"`
	Path panl.Path `json:"path"`
	UUID string    `json:"uuid"`
}

// ChangeKind names what an administrative change touched.
type ChangeKind string

const (
	// ChangeHubConfig means hub settings such as the cache expiry changed.
	ChangeHubConfig ChangeKind = "hub_config"
	// ChangePanelConfig means panel settings pushed on connect changed.
	ChangePanelConfig ChangeKind = "panel_config"
	// ChangeLink means a panel UUID was linked to or unlinked from a room.
	ChangeLink ChangeKind = "link"
)

// ChangeEvent announces an administrative change to running hubs.
type ChangeEvent struct {
	Kind ChangeKind `json:"kind"`
	UUID string     `json:"uuid,omitempty"`
	Path *panl.Path `json:"path,omitempty"`
}

// Validate checks that the event carries what its kind needs.
func (e ChangeEvent) Validate() error {
	switch e.Kind {
	case ChangeHubConfig, ChangePanelConfig:
		return nil
	case ChangeLink:
		if e.UUID == "" && e.Path == nil {
			return fmt.Errorf("link change needs a uuid or a path")
		}
		return nil
	}
	return fmt.Errorf("unknown change kind %q", e.Kind)
}
