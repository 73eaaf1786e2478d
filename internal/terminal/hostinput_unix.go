//go:build unix

package terminal

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Waker is a self-pipe that interrupts a HostInput blocked in poll.
type Waker struct {
	r, w int
}

// NewWaker creates the wake pipe.
func NewWaker() (*Waker, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return nil, fmt.Errorf("wake pipe: %w", err)
		}
	}
	return &Waker{r: p[0], w: p[1]}, nil
}

// Wake makes any pending or future poll return. Safe from any goroutine.
func (w *Waker) Wake() {
	_, _ = unix.Write(w.w, []byte{1})
}

func (w *Waker) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases both pipe ends.
func (w *Waker) Close() error {
	return errors.Join(unix.Close(w.r), unix.Close(w.w))
}

// HostInput performs blocking reads on a host descriptor. While waiting it
// also watches an optional Waker and calls OnWake when woken; OnWake may
// unwind the caller by panicking. If OnWake returns, the read resumes.
type HostInput struct {
	fd     int
	waker  *Waker
	OnWake func()
}

// NewHostInput reads from fd. waker may be nil.
func NewHostInput(fd int, waker *Waker) *HostInput {
	return &HostInput{fd: fd, waker: waker}
}

func (h *HostInput) Read(p []byte) (int, error) {
	fds := []unix.PollFd{{Fd: int32(h.fd), Events: unix.POLLIN}}
	if h.waker != nil {
		fds = append(fds, unix.PollFd{Fd: int32(h.waker.r), Events: unix.POLLIN})
	}

	for {
		for i := range fds {
			fds[i].Revents = 0
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, fmt.Errorf("poll fd %d: %w", h.fd, err)
		}

		if len(fds) > 1 && fds[1].Revents&unix.POLLIN != 0 {
			h.waker.drain()
			if h.OnWake != nil {
				h.OnWake()
			}
			continue
		}

		rev := fds[0].Revents
		if rev&unix.POLLNVAL != 0 {
			return 0, io.EOF
		}
		if rev&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}

		n, err := unix.Read(h.fd, p)
		switch {
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.EAGAIN):
			continue
		case err != nil:
			return 0, fmt.Errorf("read fd %d: %w", h.fd, err)
		}
		return n, nil
	}
}
