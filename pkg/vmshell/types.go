package vmshell

import (
	"context"
	"io"

	"go.uber.org/zap"
)

// RunRequest describes one run of a guest interpreter.
type RunRequest struct {
	// ModulePath is the guest .wasm file.
	ModulePath string
	// ProgramName becomes argv[0] inside the guest.
	ProgramName string
	// Args are forwarded to the guest verbatim.
	Args []string

	// ExtraMounts are exposed in addition to the host root listing.
	ExtraMounts []string
	// Mounts, when non-nil, replaces the host root listing and ExtraMounts.
	// A hardened child uses it because it can no longer list the root.
	Mounts []string
	// Home is the guest's HOME. It defaults to the user's home directory.
	Home string
	// WorkDir defaults to the current directory.
	WorkDir string

	// Suppress holds extra regular expressions for startup diagnostics.
	Suppress []string

	// Flag is a preset engine flag. When empty the host is negotiated.
	Flag string

	// Harden re-executes through the kernel-sandboxed trampoline.
	Harden bool
}

// RunIO controls runtime IO/env behavior for a run.
type RunIO struct {
	Context context.Context

	// Stdin backs the guest terminal. An *os.File is polled directly so an
	// interrupt can break a blocking read.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Env is the guest's base environment.
	// When empty, the current process environment is used.
	Env []string

	Logger *zap.Logger

	// HostVersion overrides runtime.Version for negotiation.
	HostVersion string

	// HelperBinaryPath is used by the hardened trampoline.
	// If empty, platform defaults apply.
	HelperBinaryPath string
}

// RunResult contains execution metadata.
type RunResult struct {
	ExitCode int
	// Flag is the engine flag the guest ran with.
	Flag string
}
