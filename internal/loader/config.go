package loader

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/tetratelabs/wazero"
)

// ErrLoaderFault wraps any unexpected failure while loading the interpreter.
var ErrLoaderFault = errors.New("interpreter failed to load")

// ExpectedExitError means the guest terminated itself during load, e.g. after
// printing --help or --version. It is a normal way to finish.
type ExpectedExitError struct {
	Code int
}

func (e *ExpectedExitError) Error() string {
	return fmt.Sprintf("interpreter exited with status %d during load", e.Code)
}

// RuntimeConfig is everything the interpreter is loaded with. It is built
// once per process and handed to Load by value.
type RuntimeConfig struct {
	// ProgramName becomes argv[0] inside the guest.
	ProgramName string
	// Args are the guest's own arguments, in order.
	Args []string
	// Mounts are host directories exposed at the same guest path.
	Mounts []string
	// Home is exported to the guest as HOME.
	Home string
	// WorkDir is exported to the guest as PWD.
	WorkDir string
	// Env is the base environment in KEY=VALUE form.
	Env []string

	StdoutFilter Filter
	StderrFilter Filter
}

func (c RuntimeConfig) clone() RuntimeConfig {
	c.Args = slices.Clone(c.Args)
	c.Mounts = slices.Clone(c.Mounts)
	c.Env = slices.Clone(c.Env)
	return c
}

// argv returns the full guest argument vector.
func (c RuntimeConfig) argv() []string {
	name := c.ProgramName
	if name == "" {
		name = "vmshell"
	}
	return append([]string{name}, c.Args...)
}

// environ returns the guest environment as ordered key/value pairs, with HOME
// and PWD taken from the config.
func (c RuntimeConfig) environ() [][2]string {
	out := make([][2]string, 0, len(c.Env)+2)
	for _, kv := range c.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		if (k == "HOME" && c.Home != "") || (k == "PWD" && c.WorkDir != "") {
			continue
		}
		out = append(out, [2]string{k, v})
	}
	if c.Home != "" {
		out = append(out, [2]string{"HOME", c.Home})
	}
	if c.WorkDir != "" {
		out = append(out, [2]string{"PWD", c.WorkDir})
	}
	return out
}

func (c RuntimeConfig) fsConfig() wazero.FSConfig {
	fsc := wazero.NewFSConfig()
	for _, m := range c.Mounts {
		fsc = fsc.WithDirMount(m, m)
	}
	return fsc
}
