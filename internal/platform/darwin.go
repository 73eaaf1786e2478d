//go:build darwin

package platform

import (
	"os"
	"syscall"
)

type darwinPlatform struct{}

// New returns the Platform implementation for macOS. Interrupts work as on
// Linux; hardening does not.
func New() (Platform, error) {
	return &darwinPlatform{}, nil
}

func (d *darwinPlatform) InterruptSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

func (d *darwinPlatform) Harden(Policy) error { return ErrHardeningUnsupported }

func (d *darwinPlatform) Exec(ExecOptions) (int, error) { return -1, ErrHardeningUnsupported }

func (d *darwinPlatform) EnterInternalExec() (Policy, error) {
	return Policy{}, ErrHardeningUnsupported
}
