package negotiate

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/tetratelabs/wazero"
)

// MinimumRelease is the oldest Go feature release (go1.N) the adapter runs on.
const MinimumRelease = 24

// Flag is a single startup token derived from the host runtime version.
type Flag string

const (
	// FlagInterpreter pins the guest to wazero's interpreter engine.
	FlagInterpreter Flag = "--engine=interpreter"
	// FlagNeutral is a placeholder so argument positions never shift.
	FlagNeutral Flag = "--engine=auto"
)

var releasePattern = regexp.MustCompile(`go1\.(\d+)`)

// UnsupportedHostVersionError is returned when the host runtime is older than
// MinimumRelease or its version string cannot be understood.
type UnsupportedHostVersionError struct {
	Version string
	Release int
	Minimum int
}

func (e *UnsupportedHostVersionError) Error() string {
	if e.Release < 0 {
		return fmt.Sprintf("unsupported host runtime %q: cannot determine release (need go1.%d or newer)", e.Version, e.Minimum)
	}
	return fmt.Sprintf("unsupported host runtime %q: go1.%d is older than the minimum go1.%d", e.Version, e.Release, e.Minimum)
}

// Result is the outcome of a negotiation.
type Result struct {
	Version string
	Release int
	Flag    Flag
}

// HostRelease extracts N from a Go runtime version such as "go1.25.7" or
// "devel go1.26-abcdef". It returns -1 when no release is present.
func HostRelease(version string) int {
	m := releasePattern.FindStringSubmatch(version)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// Negotiate derives the startup flag for the given host runtime version.
func Negotiate(version string) (Result, error) {
	release := HostRelease(version)
	if release < MinimumRelease {
		return Result{}, &UnsupportedHostVersionError{
			Version: version,
			Release: release,
			Minimum: MinimumRelease,
		}
	}

	res := Result{Version: version, Release: release, Flag: FlagNeutral}
	if release == MinimumRelease {
		res.Flag = FlagInterpreter
	}
	return res, nil
}

// ParseFlag accepts a token produced by Negotiate. It is used on the
// trampoline side, which never negotiates on its own.
func ParseFlag(token string) (Flag, error) {
	switch f := Flag(token); f {
	case FlagInterpreter, FlagNeutral:
		return f, nil
	default:
		return "", fmt.Errorf("unknown engine flag %q", token)
	}
}

// Prepend returns a new argument vector with flag in front of args.
func Prepend(flag Flag, args []string) []string {
	out := make([]string, 0, len(args)+1)
	out = append(out, string(flag))
	return append(out, args...)
}

// RuntimeConfig builds the wazero runtime configuration for flag.
func RuntimeConfig(flag Flag) wazero.RuntimeConfig {
	var cfg wazero.RuntimeConfig
	switch flag {
	case FlagInterpreter:
		cfg = wazero.NewRuntimeConfigInterpreter()
	default:
		cfg = wazero.NewRuntimeConfig()
	}
	// Lets a second interrupt abort a guest that never yields to the host.
	return cfg.WithCloseOnContextDone(true)
}

// RuntimeConfig is shorthand for RuntimeConfig(r.Flag).
func (r Result) RuntimeConfig() wazero.RuntimeConfig {
	return RuntimeConfig(r.Flag)
}
