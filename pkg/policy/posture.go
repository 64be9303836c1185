package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Mode indicates whether access fails open or closed when evaluation errors.
type Mode string

const (
	// ModeFailClosed denies access when the engine encounters an error.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen allows access when the engine encounters an error.
	ModeFailOpen Mode = "fail-open"
)

// PostureFor returns the default failure posture: closed in strict mode,
// open otherwise.
func PostureFor(strict bool) Mode {
	if strict {
		return ModeFailClosed
	}
	return ModeFailOpen
}

// ParseMode converts a textual representation into a Mode constant. An empty
// value yields "" so callers fall back to PostureFor.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.TrimSpace(strings.ToLower(value)))
	if mode == "" {
		return "", nil
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid mode %q", value)
	}
	return mode, nil
}

// IsValid reports whether the mode is recognised.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFailClosed, ModeFailOpen:
		return true
	default:
		return false
	}
}

var errUnknownAction = errors.New("unknown policy action")
