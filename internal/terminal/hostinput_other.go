//go:build !unix

package terminal

import (
	"fmt"
	"os"
	"runtime"
)

// Waker is unsupported off unix; reads cannot be interrupted.
type Waker struct{}

// NewWaker reports that interruptible reads are unavailable.
func NewWaker() (*Waker, error) {
	return nil, fmt.Errorf("interruptible stdin is not supported on %s", runtime.GOOS)
}

// Wake is a no-op.
func (w *Waker) Wake() {}

// Close is a no-op.
func (w *Waker) Close() error { return nil }

// HostInput reads the host descriptor through the os package.
type HostInput struct {
	f      *os.File
	OnWake func()
}

// NewHostInput reads from fd. waker is ignored.
func NewHostInput(fd int, _ *Waker) *HostInput {
	return &HostInput{f: os.NewFile(uintptr(fd), "stdin")}
}

func (h *HostInput) Read(p []byte) (int, error) {
	return h.f.Read(p)
}
