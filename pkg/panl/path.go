// Package panl holds the value types shared by every layer of the hub:
// device addressing and the minute-of-day time points used by the panels.
package panl

import (
	"fmt"
	"strconv"
	"strings"
)

// BroadcastAddress is the local bus address that targets every device behind an agent.
const BroadcastAddress uint8 = 0xFF

// MaxDeviceAddress is the highest addressable device on an agent bus.
// UIDs keep only the low 4 bits of the address.
const MaxDeviceAddress uint8 = 0x0F

// Path identifies one panel: the agent it is connected through and its
// address on that agent's local bus.
type Path struct {
	Agent   uint32 `json:"agent"`
	Address uint8  `json:"address"`
}

// NewPath returns the path for a device at address behind agent.
func NewPath(agent uint32, address uint8) Path {
	return Path{Agent: agent, Address: address}
}

// PathFromUID reverses UID for addressable devices.
func PathFromUID(uid uint64) Path {
	return Path{Agent: uint32(uid >> 4), Address: uint8(uid & 0x0F)}
}

// UID returns the cache and routing key for the path.
// Pattern: agent<<4 | (address & 0xF)
func (p Path) UID() uint64 {
	return uint64(p.Agent)<<4 | uint64(p.Address&0x0F)
}

// SetBroadcast retargets the path to every device of its agent.
func (p *Path) SetBroadcast() *Path {
	p.Address = BroadcastAddress
	return p
}

// IsBroadcast reports whether the path addresses the whole agent bus.
func (p Path) IsBroadcast() bool {
	return p.Address == BroadcastAddress
}

// Addressable reports whether the path names a single device.
func (p Path) Addressable() bool {
	return p.Address <= MaxDeviceAddress
}

// Equal compares paths by UID.
func (p Path) Equal(o Path) bool {
	return p.UID() == o.UID()
}

func (p Path) String() string {
	return fmt.Sprintf("PanL%d-%d", p.Agent, p.Address)
}

// ParsePath reads a path written by String, with or without the "PanL"
// prefix: "PanL3-2" and "3-2" are the same panel.
func ParsePath(s string) (Path, error) {
	agent, address, ok := strings.Cut(strings.TrimPrefix(s, "PanL"), "-")
	if !ok {
		return Path{}, fmt.Errorf("invalid panel path %q: want AGENT-ADDRESS", s)
	}
	a, err := strconv.ParseUint(agent, 10, 32)
	if err != nil {
		return Path{}, fmt.Errorf("invalid agent in panel path %q: %w", s, err)
	}
	d, err := strconv.ParseUint(address, 10, 8)
	if err != nil {
		return Path{}, fmt.Errorf("invalid address in panel path %q: %w", s, err)
	}
	return NewPath(uint32(a), uint8(d)), nil
}
