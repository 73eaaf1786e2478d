// Package terminal emulates interactive character devices for the guest's
// standard streams. Devices read from and write to real host descriptors so
// that line editing, prompts and stdout/stderr interleaving behave as they
// would for a native program.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ChunkSize is the most a device pulls from its host input per blocking read.
const ChunkSize = 256

// DeviceID is a (major, minor) character device identity.
type DeviceID struct {
	Major uint32
	Minor uint32
}

func (id DeviceID) String() string {
	return fmt.Sprintf("%d:%d", id.Major, id.Minor)
}

// Input is the host side of a device's input. Read blocks until at least one
// byte is available or the source is exhausted (0, io.EOF or 0, nil).
type Input interface {
	Read(p []byte) (int, error)
}

// Device is one emulated character device. Input and output are independent:
// a device with no input is at end-of-stream, one with no sink discards.
type Device struct {
	id   DeviceID
	name string

	inMu  sync.Mutex
	input Input
	queue []byte
	chunk [ChunkSize]byte

	outMu sync.Mutex
	sink  io.Writer
	one   [1]byte
}

// NewDevice returns a device reading from input and writing to sink. Either
// may be nil.
func NewDevice(id DeviceID, name string, input Input, sink io.Writer) *Device {
	return &Device{id: id, name: name, input: input, sink: sink}
}

// ID returns the device identity.
func (d *Device) ID() DeviceID { return d.id }

// Name returns the device's node name, e.g. "tty0".
func (d *Device) Name() string { return d.name }

// GetChar returns the next input byte. When the queue is empty it performs
// one blocking read of up to ChunkSize bytes from the host. A read of zero
// bytes is end-of-stream and yields io.EOF. Devices here always block, so
// there is no "no data yet" result.
func (d *Device) GetChar() (byte, error) {
	d.inMu.Lock()
	defer d.inMu.Unlock()

	if len(d.queue) == 0 {
		if d.input == nil {
			return 0, io.EOF
		}
		n, err := d.input.Read(d.chunk[:])
		if n <= 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("%s: read: %w", d.name, err)
			}
			return 0, io.EOF
		}
		d.queue = append(d.queue[:0], d.chunk[:n]...)
	}

	b := d.queue[0]
	d.queue = d.queue[1:]
	return b, nil
}

// Buffered reports how many input bytes are queued.
func (d *Device) Buffered() int {
	d.inMu.Lock()
	defer d.inMu.Unlock()
	return len(d.queue)
}

// PutChar writes b to the host sink immediately.
func (d *Device) PutChar(b byte) error {
	d.outMu.Lock()
	defer d.outMu.Unlock()

	if d.sink == nil {
		return nil
	}
	d.one[0] = b
	if _, err := d.sink.Write(d.one[:]); err != nil {
		return fmt.Errorf("%s: write: %w", d.name, err)
	}
	return nil
}

// Flush is a no-op: PutChar never buffers.
func (d *Device) Flush() error { return nil }

// Fsync is a no-op: PutChar never buffers.
func (d *Device) Fsync() error { return nil }

// Read implements io.Reader on top of GetChar. It blocks only for the first
// byte and then drains whatever is already queued.
func (d *Device) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b, err := d.GetChar()
	if err != nil {
		return 0, err
	}
	p[0] = b
	n := 1
	for n < len(p) && d.Buffered() > 0 {
		if b, err = d.GetChar(); err != nil {
			break
		}
		p[n] = b
		n++
	}
	return n, nil
}

// Write implements io.Writer as a sequence of PutChar calls.
func (d *Device) Write(p []byte) (int, error) {
	for i, b := range p {
		if err := d.PutChar(b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}
