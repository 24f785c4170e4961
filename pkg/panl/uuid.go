package panl

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// FormatUUID renders a panel's 64-bit id as 16 lowercase hex digits.
func FormatUUID(uuid [8]byte) string {
	return hex.EncodeToString(uuid[:])
}

// ParseUUID reverses FormatUUID.
func ParseUUID(s string) ([8]byte, error) {
	var uuid [8]byte
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return uuid, fmt.Errorf("invalid panel uuid %q: %w", s, err)
	}
	if len(b) != len(uuid) {
		return uuid, fmt.Errorf("invalid panel uuid %q: want %d bytes, got %d", s, len(uuid), len(b))
	}
	copy(uuid[:], b)
	return uuid, nil
}
