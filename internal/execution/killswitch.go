package execution

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"orb-go/internal/metrics"
)

// KillSwitch blocks PENDING to SUBMITTED. It is engaged either in process or by the presence of a
// marker file, so an operator can stop a running scheduler from another shell.
type KillSwitch struct {
	engaged atomic.Bool
	path    string
}

// NewKillSwitch watches path when it is non-empty.
func NewKillSwitch(path string) *KillSwitch {
	return &KillSwitch{path: path}
}

// Engaged reports whether submissions are blocked.
func (k *KillSwitch) Engaged() bool {
	if k == nil {
		return false
	}
	on := k.engaged.Load()
	if !on && k.path != "" {
		if _, err := os.Stat(k.path); err == nil {
			on = true
		}
	}
	if on {
		metrics.KillSwitchEngaged.Set(1)
	} else {
		metrics.KillSwitchEngaged.Set(0)
	}
	return on
}

// Set engages or releases the switch and mirrors the state to the marker file.
func (k *KillSwitch) Set(on bool) error {
	k.engaged.Store(on)
	if k.path == "" {
		return nil
	}
	if on {
		if err := os.WriteFile(k.path, []byte("engaged\n"), 0o644); err != nil {
			return fmt.Errorf("write kill switch: %w", err)
		}
		return nil
	}
	if err := os.Remove(k.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove kill switch: %w", err)
	}
	return nil
}

// Path is the marker file, if any.
func (k *KillSwitch) Path() string { return k.path }
