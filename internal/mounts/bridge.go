// Package mounts decides which host directories are visible inside the
// sandbox. Every mount appears in the guest at the same absolute path it has
// on the host.
package mounts

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
)

// DefaultDenylist names the top-level host entries that are never mounted:
// device nodes, the shared-library tree, the process-info pseudo filesystem
// and the temp tree. Linking the temp tree corrupts the guest's process model.
var DefaultDenylist = []string{"dev", "lib", "proc", "tmp"}

// List returns the absolute paths of the entries directly under root, minus
// DefaultDenylist.
func List(root string) ([]string, error) {
	return ListFS(os.DirFS(root), root, DefaultDenylist)
}

// ListFS is List over an arbitrary fs.FS rooted at root. Entries that vanish
// after the listing are simply absent; only failure to read root is an error.
func ListFS(fsys fs.FS, root string, denylist []string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if slices.Contains(denylist, e.Name()) {
			continue
		}
		out = append(out, path.Join("/", root, e.Name()))
	}
	slices.Sort(out)
	return out, nil
}

// Merge appends extra to base, dropping duplicates but keeping first-seen order.
func Merge(base []string, extra ...string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, p := range list {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
