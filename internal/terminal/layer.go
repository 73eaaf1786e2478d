package terminal

import (
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Host describes the real descriptors the emulated terminal is backed by.
// Fds are used only for terminal queries; -1 means "not a descriptor".
type Host struct {
	Input  Input
	Stdout io.Writer
	Stderr io.Writer

	StdinFd  int
	StdoutFd int
	StderrFd int
}

// Layer splices terminal devices in place of the guest's default streams.
type Layer struct {
	host   Host
	logger *zap.Logger
}

// NewLayer returns a layer for the given host descriptors.
func NewLayer(host Host, logger *zap.Logger) *Layer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layer{host: host, logger: logger}
}

// Setup must run after the interpreter has loaded: the loader's startup
// diagnostics go through the default streams, not through these devices.
//
// tty0 carries stdin and stdout, tty1 carries stderr, mirroring a real
// terminal where input and output share one identity.
func (l *Layer) Setup(s *Stdio) error {
	t := s.Table

	tty0 := NewDevice(t.NewID(), "tty0", l.host.Input, l.host.Stdout)
	tty1 := NewDevice(t.NewID(), "tty1", nil, l.host.Stderr)

	for _, d := range []*Device{tty0, tty1} {
		if err := t.Register(d); err != nil {
			return err
		}
		if err := t.Mknod("/dev/"+d.Name(), d.ID()); err != nil {
			return err
		}
	}

	for _, p := range stdPaths {
		if err := t.Unlink(p); err != nil {
			return fmt.Errorf("remove default stream: %w", err)
		}
	}

	links := [3]string{"/dev/tty0", "/dev/tty0", "/dev/tty1"}
	for fd, target := range links {
		if err := t.Symlink(target, stdPaths[fd]); err != nil {
			return err
		}
	}

	if err := s.reopen([3]int{l.host.StdinFd, l.host.StdoutFd, l.host.StderrFd}); err != nil {
		return err
	}

	l.logger.Debug("terminal devices installed",
		zap.Stringer("tty0", tty0.ID()),
		zap.Stringer("tty1", tty1.ID()),
		zap.Bool("stdin_tty", s.Stdin().IsTerminal()),
		zap.Bool("stdout_tty", s.Stdout().IsTerminal()),
	)
	return nil
}
