package terminal

import (
	"fmt"
	"io/fs"
	"sync"
)

// firstMajor is the first major number handed out. Lower numbers are left to
// the guest's built-in devices.
const firstMajor = 64

const maxLinkDepth = 8

// Table is the guest's device namespace: registered devices, device nodes
// and symlinks between node names.
type Table struct {
	mu        sync.Mutex
	nextMajor uint32
	devices   map[DeviceID]*Device
	nodes     map[string]DeviceID
	links     map[string]string
}

// NewTable returns an empty device namespace.
func NewTable() *Table {
	return &Table{
		nextMajor: firstMajor,
		devices:   make(map[DeviceID]*Device),
		nodes:     make(map[string]DeviceID),
		links:     make(map[string]string),
	}
}

// NewID allocates a fresh device identity. Majors increase monotonically.
func (t *Table) NewID() DeviceID {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := DeviceID{Major: t.nextMajor}
	t.nextMajor++
	return id
}

// Register installs d's operations under its identity.
func (t *Table) Register(d *Device) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[d.ID()]; ok {
		return fmt.Errorf("register %s (%s): %w", d.Name(), d.ID(), fs.ErrExist)
	}
	t.devices[d.ID()] = d
	return nil
}

// Mknod creates a device node at path for a registered identity.
func (t *Table) Mknod(path string, id DeviceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.existsLocked(path) {
		return fmt.Errorf("mknod %s: %w", path, fs.ErrExist)
	}
	if _, ok := t.devices[id]; !ok {
		return fmt.Errorf("mknod %s: device %s not registered: %w", path, id, fs.ErrNotExist)
	}
	t.nodes[path] = id
	return nil
}

// Symlink creates path pointing at target. target need not exist yet.
func (t *Table) Symlink(target, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.existsLocked(path) {
		return fmt.Errorf("symlink %s: %w", path, fs.ErrExist)
	}
	t.links[path] = target
	return nil
}

// Unlink removes the node or symlink at path.
func (t *Table) Unlink(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[path]; ok {
		delete(t.nodes, path)
		return nil
	}
	if _, ok := t.links[path]; ok {
		delete(t.links, path)
		return nil
	}
	return fmt.Errorf("unlink %s: %w", path, fs.ErrNotExist)
}

// Open resolves path through symlinks and returns the device behind it.
func (t *Table) Open(path string) (*Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := path
	for range maxLinkDepth {
		if target, ok := t.links[p]; ok {
			p = target
			continue
		}
		id, ok := t.nodes[p]
		if !ok {
			return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
		}
		d, ok := t.devices[id]
		if !ok {
			return nil, fmt.Errorf("open %s: device %s: %w", path, id, fs.ErrNotExist)
		}
		return d, nil
	}
	return nil, fmt.Errorf("open %s: too many levels of symbolic links", path)
}

// Readlink returns the target of the symlink at path.
func (t *Table) Readlink(path string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	target, ok := t.links[path]
	return target, ok
}

func (t *Table) existsLocked(path string) bool {
	_, node := t.nodes[path]
	_, link := t.links[path]
	return node || link
}
