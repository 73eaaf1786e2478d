//go:build unix

package loader

import (
	"context"
	"strings"
	"testing"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpicori/vmshell/internal/terminal"
)

func TestWinsizeReportsTerminalSize(t *testing.T) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = ptmx.Close()
		_ = tty.Close()
	})
	require.NoError(t, pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80}))

	res := load(t, winsizeGuest(1), nil)
	require.NoError(t, res.err)

	fd := int(tty.Fd())
	layer := terminal.NewLayer(terminal.Host{
		Input:    strings.NewReader(""),
		Stdout:   tty,
		Stderr:   tty,
		StdinFd:  -1,
		StdoutFd: fd,
		StderrFd: fd,
	}, nil)
	require.NoError(t, layer.Setup(res.inst.Stdio()))

	rc, err := res.inst.RunMain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(errnoSuccess), rc)

	mem := res.inst.mod.Memory()
	rows, ok := mem.ReadUint16Le(memWinsize)
	require.True(t, ok)
	cols, ok := mem.ReadUint16Le(memWinsize + 2)
	require.True(t, ok)
	assert.Equal(t, uint16(24), rows)
	assert.Equal(t, uint16(80), cols)
}
