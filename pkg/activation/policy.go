// Package activation decides whether a newly discovered device becomes the
// active device.
package activation

import (
	"fmt"
	"time"
)

// Mode selects the activation strategy.
type Mode string

const (
	// ModeUserSettings defers to user configuration.
	ModeUserSettings Mode = "user_settings"

	// ModeDoNotActivate never activates.
	ModeDoNotActivate Mode = "do_not_activate"

	// ModeActivateIfFirst activates only when no device is active.
	ModeActivateIfFirst Mode = "activate_if_first"

	// ModeForceActivate always activates.
	ModeForceActivate Mode = "force_activate"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeUserSettings, ModeDoNotActivate, ModeActivateIfFirst, ModeForceActivate:
		return nil
	default:
		return fmt.Errorf("invalid activation mode: %s", m)
	}
}

// Decision is the outcome of the policy.
type Decision string

const (
	Activate      Decision = "activate"
	DoNotActivate Decision = "do_not_activate"
)

// Device identifies a discovered device.
type Device struct {
	ID       string    `json:"id"`
	Serial   string    `json:"serial"`
	Firmware string    `json:"firmware,omitempty"`
	Active   bool      `json:"active"`
	LastSeen time.Time `json:"last_seen"`
}

// Settings supplies a user decision for ModeUserSettings. ok is false when
// the user has not configured one.
type Settings interface {
	ActivationFor(candidate Device, known []Device) (decision Decision, ok bool, err error)
}

// Decide applies mode to a candidate device. It has no side effects. A nil
// settings, an unanswered query or a settings error under ModeUserSettings
// fall back to ModeActivateIfFirst.
func Decide(mode Mode, known []Device, candidate Device, hasAnyActive bool, settings Settings) Decision {
	switch mode {
	case ModeDoNotActivate:
		return DoNotActivate
	case ModeForceActivate:
		return Activate
	case ModeUserSettings:
		if settings != nil {
			if d, ok, err := settings.ActivationFor(candidate, known); err == nil && ok {
				return d
			}
		}
		return Decide(ModeActivateIfFirst, known, candidate, hasAnyActive, nil)
	case ModeActivateIfFirst:
		if hasAnyActive {
			return DoNotActivate
		}
		return Activate
	default:
		return DoNotActivate
	}
}

// HasActive reports whether any known device is active.
func HasActive(known []Device) bool {
	for _, d := range known {
		if d.Active {
			return true
		}
	}
	return false
}

// StaticSettings answers from a fixed serial-to-decision map.
type StaticSettings map[string]bool

// ActivationFor implements Settings.
func (s StaticSettings) ActivationFor(candidate Device, _ []Device) (Decision, bool, error) {
	on, ok := s[candidate.Serial]
	if !ok {
		return "", false, nil
	}
	if on {
		return Activate, true, nil
	}
	return DoNotActivate, true, nil
}
