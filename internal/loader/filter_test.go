package loader

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFilter(t *testing.T) {
	keep, err := DefaultFilter([]string{`^DEBUG `})
	require.NoError(t, err)

	tests := []struct {
		line string
		want bool
	}{
		{"hello", true},
		{"Python initialization complete", false},
		{"initialization complete\r", false},
		{"initialization complete, continuing", true},
		{"warning: no blob constructor, cannot create blobs with mimetypes", false},
		{"warning: browser does not support creating object URLs", false},
		{"  warning: browser does not support creating object URLs", true},
		{"DEBUG noisy", false},
		{"not DEBUG noisy", true},
		{"", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, keep(tt.line), "line %q", tt.line)
	}
}

func TestDefaultFilterRejectsBadPattern(t *testing.T) {
	_, err := DefaultFilter([]string{"("})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"("`)
}

func TestLineFilterSplitsAcrossWrites(t *testing.T) {
	var out bytes.Buffer
	f := NewLineFilter(&out, func(line string) bool { return line != "drop" })

	for _, chunk := range []string{"ke", "ep\ndr", "op\n", "last\r\npart"} {
		n, err := f.Write([]byte(chunk))
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}
	assert.Equal(t, "keep\nlast\r\n", out.String())

	require.NoError(t, f.Flush())
	assert.Equal(t, "keep\nlast\r\npart", out.String())

	require.NoError(t, f.Flush())
	assert.Equal(t, "keep\nlast\r\npart", out.String())
}

func TestLineFilterNilKeepForwardsAll(t *testing.T) {
	var out bytes.Buffer
	f := NewLineFilter(&out, nil)

	_, err := f.Write([]byte("a\nb\n"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", out.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("sink closed") }

func TestLineFilterPropagatesWriteError(t *testing.T) {
	f := NewLineFilter(failingWriter{}, nil)

	_, err := f.Write([]byte("x\n"))
	assert.EqualError(t, err, "sink closed")
}
