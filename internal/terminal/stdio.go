package terminal

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/term"
)

// Guest paths of the standard stream special files.
const (
	StdinPath  = "/dev/stdin"
	StdoutPath = "/dev/stdout"
	StderrPath = "/dev/stderr"
)

var stdPaths = [3]string{StdinPath, StdoutPath, StderrPath}

// Stream is one of the guest's standard file descriptors. It forwards to
// whatever device it was last opened on.
type Stream struct {
	fd int

	mu     sync.Mutex
	dev    *Device
	hostFd int
}

// Read reads from the current device.
func (s *Stream) Read(p []byte) (int, error) {
	return s.Device().Read(p)
}

// Write writes to the current device.
func (s *Stream) Write(p []byte) (int, error) {
	return s.Device().Write(p)
}

// Device returns the device the stream currently resolves to.
func (s *Stream) Device() *Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dev
}

// Fd returns the guest descriptor number.
func (s *Stream) Fd() int { return s.fd }

// IsTerminal reports whether the host descriptor behind the stream is a
// terminal. Streams not yet bound to a host descriptor are not terminals.
func (s *Stream) IsTerminal() bool {
	fd := s.host()
	return fd >= 0 && term.IsTerminal(fd)
}

// Size returns the host terminal's width and height.
func (s *Stream) Size() (width, height int, err error) {
	fd := s.host()
	if fd < 0 {
		return 0, 0, fmt.Errorf("fd %d: not a terminal", s.fd)
	}
	return term.GetSize(fd)
}

func (s *Stream) host() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostFd
}

// reopen points the stream at a new device, like close followed by open.
func (s *Stream) reopen(d *Device, hostFd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dev = d
	s.hostFd = hostFd
}

// Stdio is the guest's device namespace plus its three standard streams.
type Stdio struct {
	Table   *Table
	streams [3]*Stream
}

// NewStdio builds the guest's default, non-interactive standard streams:
// stdin is at end-of-stream and stdout/stderr write to the given sinks.
func NewStdio(stdout, stderr io.Writer) (*Stdio, error) {
	t := NewTable()
	defaults := [3]*Device{
		NewDevice(t.NewID(), "stdin", nil, nil),
		NewDevice(t.NewID(), "stdout", nil, stdout),
		NewDevice(t.NewID(), "stderr", nil, stderr),
	}

	s := &Stdio{Table: t}
	for fd, d := range defaults {
		if err := t.Register(d); err != nil {
			return nil, err
		}
		if err := t.Mknod(stdPaths[fd], d.ID()); err != nil {
			return nil, err
		}
		s.streams[fd] = &Stream{fd: fd, dev: d, hostFd: -1}
	}
	return s, nil
}

// Stream returns the stream for guest descriptor fd (0, 1 or 2).
func (s *Stdio) Stream(fd int) (*Stream, bool) {
	if fd < 0 || fd >= len(s.streams) {
		return nil, false
	}
	return s.streams[fd], true
}

// Stdin returns guest descriptor 0.
func (s *Stdio) Stdin() *Stream { return s.streams[0] }

// Stdout returns guest descriptor 1.
func (s *Stdio) Stdout() *Stream { return s.streams[1] }

// Stderr returns guest descriptor 2.
func (s *Stdio) Stderr() *Stream { return s.streams[2] }

// reopen re-resolves every standard stream through the namespace.
func (s *Stdio) reopen(hostFds [3]int) error {
	for fd, p := range stdPaths {
		d, err := s.Table.Open(p)
		if err != nil {
			return fmt.Errorf("reopen fd %d: %w", fd, err)
		}
		s.streams[fd].reopen(d, hostFds[fd])
	}
	return nil
}
