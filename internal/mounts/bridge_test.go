package mounts

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"testing/fstest"
)

func fakeRoot(names ...string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for _, n := range names {
		fsys[n+"/.keep"] = &fstest.MapFile{}
	}
	return fsys
}

func TestListFS_ExcludesDenylist(t *testing.T) {
	fsys := fakeRoot("bin", "dev", "etc", "home", "lib", "proc", "tmp", "usr", "var")

	got, err := ListFS(fsys, "/", DefaultDenylist)
	if err != nil {
		t.Fatalf("ListFS: %v", err)
	}

	want := []string{"/bin", "/etc", "/home", "/usr", "/var"}
	if !slices.Equal(got, want) {
		t.Fatalf("ListFS = %#v, want %#v", got, want)
	}
}

func TestListFS_NeverContainsDenied(t *testing.T) {
	listings := [][]string{
		{"dev", "lib", "proc", "tmp"},
		{"tmp"},
		{"proc", "srv", "lib64", "lib"},
		{"a", "dev", "b", "tmp", "c"},
	}
	for _, names := range listings {
		got, err := ListFS(fakeRoot(names...), "/", DefaultDenylist)
		if err != nil {
			t.Fatalf("ListFS(%v): %v", names, err)
		}
		for _, p := range got {
			for _, denied := range DefaultDenylist {
				if p == "/"+denied {
					t.Fatalf("ListFS(%v) returned denied entry %q", names, p)
				}
			}
		}
	}
}

func TestListFS_KeepsLookalikes(t *testing.T) {
	got, err := ListFS(fakeRoot("lib64", "libexec", "tmpfs"), "/", DefaultDenylist)
	if err != nil {
		t.Fatalf("ListFS: %v", err)
	}
	want := []string{"/lib64", "/libexec", "/tmpfs"}
	if !slices.Equal(got, want) {
		t.Fatalf("ListFS = %#v, want %#v", got, want)
	}
}

func TestListFS_EmptyRoot(t *testing.T) {
	got, err := ListFS(fstest.MapFS{}, "/", DefaultDenylist)
	if err != nil {
		t.Fatalf("ListFS: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries, got %#v", got)
	}
}

func TestList_MissingRootIsError(t *testing.T) {
	_, err := List("/definitely/not/here/vmshell")
	if err == nil {
		t.Fatal("expected error for missing root")
	}
}

func TestList_HostRoot(t *testing.T) {
	got, err := List("/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, p := range got {
		if !strings.HasPrefix(p, "/") {
			t.Fatalf("path %q is not absolute", p)
		}
		if slices.Contains([]string{"/dev", "/lib", "/proc", "/tmp"}, p) {
			t.Fatalf("host listing contains denied %q", p)
		}
	}
}

func TestMerge_Dedup(t *testing.T) {
	got := Merge([]string{"/a", "/b"}, "/b", "/c", "/a")
	want := []string{"/a", "/b", "/c"}
	if !slices.Equal(got, want) {
		t.Fatalf("Merge = %#v, want %#v", got, want)
	}
}

func TestExtra_RelativePath(t *testing.T) {
	_, err := Extra([]string{"relative/path"}, DefaultDenylist)
	if !errors.Is(err, ErrPathNotAbsolute) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExtra_ControlChar(t *testing.T) {
	_, err := Extra([]string{"/srv/evil\x00path"}, DefaultDenylist)
	if !errors.Is(err, ErrPathControlChar) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExtra_DotDot(t *testing.T) {
	_, err := Extra([]string{"/srv/../proc/self"}, DefaultDenylist)
	if !errors.Is(err, ErrPathDotDot) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExtra_Empty(t *testing.T) {
	_, err := Extra([]string{""}, DefaultDenylist)
	if !errors.Is(err, ErrPathEmpty) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExtra_DeniedTree(t *testing.T) {
	for _, p := range []string{"/proc/self", "/dev", "/tmp/cache-vmshell-test", "/"} {
		_, err := Extra([]string{p}, DefaultDenylist)
		if !errors.Is(err, ErrPathDenied) {
			t.Fatalf("expected ErrPathDenied for %q, got %v", p, err)
		}
	}
}

func TestExtra_CombinesErrors(t *testing.T) {
	_, err := Extra([]string{"rel", "/proc/1", ""}, DefaultDenylist)
	if err == nil {
		t.Fatal("expected combined error")
	}
	for _, target := range []error{ErrPathNotAbsolute, ErrPathDenied, ErrPathEmpty} {
		if !errors.Is(err, target) {
			t.Fatalf("combined error missing %v: %v", target, err)
		}
	}
}

func TestExtra_UnresolvableKept(t *testing.T) {
	got, err := Extra([]string{"/nonexistent-vmshell/data"}, DefaultDenylist)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0] != "/nonexistent-vmshell/data" {
		t.Fatalf("unexpected result %#v", got)
	}
}

func TestPathOverlaps(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"/tmp", "/tmp", true},
		{"/tmp/x", "/tmp", true},
		{"/tmp", "/tmp/x", true},
		{"/tmpfs", "/tmp", false},
		{"/srv", "/proc", false},
	}
	for _, tt := range tests {
		if got := pathOverlaps(tt.a, tt.b); got != tt.want {
			t.Errorf("pathOverlaps(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
