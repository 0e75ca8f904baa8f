package udsclient

import (
	"fmt"
	"strconv"
	"strings"
)

func parseID(kind, s string) (uint16, error) {
	s = strings.TrimSpace(s)
	h := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if h == "" || len(h) > 4 {
		return 0, fmt.Errorf("%w: %s must be 1 to 4 hex characters, got %q", ErrInvalidArgument, kind, s)
	}
	v, err := strconv.ParseUint(h, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not hex", ErrInvalidArgument, kind, s)
	}
	return uint16(v), nil
}

// ParseDID reads a data identifier of at most 4 hex characters.
func ParseDID(s string) (uint16, error) { return parseID("DID", s) }

// ParseRID reads a routine identifier of at most 4 hex characters.
func ParseRID(s string) (uint16, error) { return parseID("RID", s) }

// CheckID range checks a numeric DID or RID.
func CheckID(v int) (uint16, error) {
	if v < 0 || v > 0xFFFF {
		return 0, fmt.Errorf("%w: 0x%X not in range 0..0xFFFF", ErrInvalidArgument, v)
	}
	return uint16(v), nil
}

// ParsePadding reads a padding byte given as decimal digits or two hex digits.
func ParsePadding(s string) (byte, error) {
	s = strings.TrimSpace(s)
	num := -1
	if isDecimal(s) {
		if v, err := strconv.Atoi(s); err == nil {
			num = v
		}
	} else if len(s) == 2 {
		if v, err := strconv.ParseUint(s, 16, 8); err == nil {
			num = int(v)
		}
	}
	if num < 0 || num > 0xFF {
		return 0, fmt.Errorf("%w: padding=%s must be between 0 and 255", ErrInvalidArgument, s)
	}
	return byte(num), nil
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
