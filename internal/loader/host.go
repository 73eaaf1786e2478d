package loader

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/bpicori/vmshell/internal/terminal"
)

// Hooks receives the guest's scheduler and exit notifications. Progress and
// SystemExit run on the guest's stack; SystemExit and Checkpoint may unwind
// it by panicking.
type Hooks interface {
	// Progress applies a change to the in-progress task count.
	Progress(delta int32)
	// SystemExit handles an explicit exit request from a running program.
	SystemExit(code int32)
	// Checkpoint is called on entry to every host import.
	Checkpoint()
}

type hostModule struct {
	stdio  *terminal.Stdio
	hooks  Hooks
	logger *zap.Logger
	loaded atomic.Bool
}

func (h *hostModule) instantiate(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().WithFunc(h.progress).Export(ImportProgress).
		NewFunctionBuilder().WithFunc(h.systemExit).Export(ImportSystemExit).
		NewFunctionBuilder().WithFunc(h.isatty).Export(ImportIsatty).
		NewFunctionBuilder().WithFunc(h.winsize).Export(ImportWinsize).
		Instantiate(ctx)
	return err
}

func (h *hostModule) checkpoint() {
	if h.hooks != nil {
		h.hooks.Checkpoint()
	}
}

func (h *hostModule) progress(_ context.Context, delta int32) {
	h.checkpoint()
	if h.hooks != nil {
		h.hooks.Progress(delta)
	}
}

func (h *hostModule) systemExit(ctx context.Context, mod api.Module, code int32) {
	if !h.loaded.Load() || h.hooks == nil {
		// Same as proc_exit: load turns this into an ExpectedExitError.
		_ = mod.CloseWithExitCode(ctx, uint32(code))
		panic(sys.NewExitError(uint32(code)))
	}
	h.hooks.SystemExit(code)
}

func (h *hostModule) isatty(fd int32) int32 {
	h.checkpoint()
	s, ok := h.stdio.Stream(int(fd))
	if ok && s.IsTerminal() {
		return 1
	}
	return 0
}

func (h *hostModule) winsize(_ context.Context, mod api.Module, fd int32, ptr uint32) int32 {
	h.checkpoint()
	s, ok := h.stdio.Stream(int(fd))
	if !ok {
		return errnoBadf
	}
	cols, rows, err := s.Size()
	if err != nil {
		h.logger.Debug("winsize query failed", zap.Int32("fd", fd), zap.Error(err))
		return errnoNotty
	}
	mem := mod.Memory()
	if mem == nil || !mem.WriteUint16Le(ptr, uint16(rows)) || !mem.WriteUint16Le(ptr+2, uint16(cols)) {
		return errnoFault
	}
	return errnoSuccess
}
