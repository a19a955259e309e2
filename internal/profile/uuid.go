package profile

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeUUID converts a UUID string to the internal format: lowercase, no
// dashes, no 0x prefix. 128-bit UUIDs built on the Bluetooth SIG base
// collapse to their 16-bit short form ("0000180d-0000-1000-8000-00805f9b34fb"
// becomes "180d"). Returns "" for strings that are not hex.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")
	if s == "" {
		return ""
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return ""
		}
	}

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// ParseUUID16 extracts a 16-bit id from any UUID representation that
// normalizes to four hex digits.
func ParseUUID16(uuid string) (uint16, error) {
	n := NormalizeUUID(uuid)
	if len(n) != 4 {
		return 0, fmt.Errorf("not a 16-bit UUID: %q", uuid)
	}
	v, err := strconv.ParseUint(n, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("not a 16-bit UUID: %q: %w", uuid, err)
	}
	return uint16(v), nil
}

// FormatUUID16 renders a 16-bit id in normalized form.
func FormatUUID16(id uint16) string {
	return fmt.Sprintf("%04x", id)
}
