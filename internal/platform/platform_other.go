//go:build !darwin && !linux

package platform

import "os"

type genericPlatform struct{}

// New returns a Platform with no hardening support.
func New() (Platform, error) {
	return &genericPlatform{}, nil
}

func (g *genericPlatform) InterruptSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

func (g *genericPlatform) Harden(Policy) error { return ErrHardeningUnsupported }

func (g *genericPlatform) Exec(ExecOptions) (int, error) { return -1, ErrHardeningUnsupported }

func (g *genericPlatform) EnterInternalExec() (Policy, error) {
	return Policy{}, ErrHardeningUnsupported
}
