package platform

import (
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/bpicori/vmshell/internal/negotiate"
)

// InternalExecCommand is the hidden first argument of the hardened
// trampoline: vmshell __vmshell_internal_exec <flag> <args...>.
const InternalExecCommand = "__vmshell_internal_exec"

// InternalPayloadEnv carries the trampoline's policy from parent to child.
const InternalPayloadEnv = "VMSHELL_INTERNAL_PAYLOAD"

// ErrHardeningUnsupported is returned on platforms without a kernel sandbox.
var ErrHardeningUnsupported = errors.New("hardening is not supported on this platform")

// Policy is what a hardened process may still touch.
type Policy struct {
	// ModulePath is readable.
	ModulePath string `json:"module_path"`
	// Mounts are readable and writable.
	Mounts []string `json:"mounts"`
	// WorkDir is readable and writable and becomes the working directory.
	WorkDir string `json:"work_dir,omitempty"`
}

// ExecOptions controls the trampoline child.
type ExecOptions struct {
	Context context.Context
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Env     []string

	// HelperBinaryPath replaces os.Executable as the re-exec target.
	HelperBinaryPath string

	// Flag is the negotiated engine flag, computed once by the parent.
	Flag string
	// Args are the guest's arguments.
	Args   []string
	Policy Policy
}

// Platform abstracts OS-specific process behaviour.
type Platform interface {
	// InterruptSignals lists the signals treated as a keyboard interrupt.
	InterruptSignals() []os.Signal

	// Harden restricts the current process to p. It cannot be undone.
	Harden(p Policy) error

	// Exec re-executes the binary through the trampoline and returns the
	// child's exit code.
	Exec(opts ExecOptions) (int, error)

	// EnterInternalExec runs in the trampoline child. It reads the policy
	// left by Exec, hardens the process and returns the policy applied.
	EnterInternalExec() (Policy, error)
}

// TrampolineArgs returns the child's argv after the program name. It has
// exactly two more entries than args.
func TrampolineArgs(flag string, args []string) []string {
	return append([]string{InternalExecCommand}, negotiate.Prepend(negotiate.Flag(flag), args)...)
}

// StripInternalEnv removes trampoline bookkeeping from env.
func StripInternalEnv(env []string) []string {
	return slices.DeleteFunc(slices.Clone(env), func(kv string) bool {
		return strings.HasPrefix(kv, InternalPayloadEnv+"=")
	})
}
