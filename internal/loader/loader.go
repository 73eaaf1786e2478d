// Package loader instantiates the guest interpreter under wazero. It wires the
// guest's arguments, environment, mounts and standard streams, and filters the
// interpreter's startup diagnostics before they reach the host.
package loader

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/bpicori/vmshell/internal/logging"
	"github.com/bpicori/vmshell/internal/negotiate"
	"github.com/bpicori/vmshell/internal/terminal"
)

// Options carries the host side of a load.
type Options struct {
	// Module is the guest binary.
	Module []byte
	// Flag selects the wazero engine.
	Flag negotiate.Flag
	// Stdout and Stderr receive the filtered startup diagnostics.
	Stdout io.Writer
	Stderr io.Writer
	Hooks  Hooks
	Logger *zap.Logger
}

// Instance is a loaded interpreter.
type Instance struct {
	runtime wazero.Runtime
	mod     api.Module
	stdio   *terminal.Stdio
	logger  *zap.Logger

	runMain   api.Function
	step      api.Function
	finalize  api.Function
	dumpTrace api.Function
}

// Load compiles and instantiates the guest, then calls its load hook. A guest
// that exits during load yields *ExpectedExitError; any other failure dumps
// the guest trace (when the guest is still alive) and wraps ErrLoaderFault.
func Load(ctx context.Context, cfg RuntimeConfig, opts Options) (_ *Instance, err error) {
	cfg = cfg.clone()
	logger := logging.OrNop(opts.Logger)

	outFilter := NewLineFilter(writerOrDiscard(opts.Stdout), cfg.StdoutFilter)
	errFilter := NewLineFilter(writerOrDiscard(opts.Stderr), cfg.StderrFilter)
	defer func() {
		if ferr := errors.Join(outFilter.Flush(), errFilter.Flush()); ferr != nil && err == nil {
			err = fmt.Errorf("flush startup diagnostics: %w", ferr)
		}
	}()

	stdio, err := terminal.NewStdio(outFilter, errFilter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoaderFault, err)
	}

	r := wazero.NewRuntimeWithConfig(ctx, negotiate.RuntimeConfig(opts.Flag))
	inst := &Instance{runtime: r, stdio: stdio, logger: logger}
	defer func() {
		if err != nil {
			_ = inst.Close(ctx)
		}
	}()

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return nil, fmt.Errorf("%w: wasi: %w", ErrLoaderFault, err)
	}

	host := &hostModule{stdio: stdio, hooks: opts.Hooks, logger: logger}
	if err := host.instantiate(ctx, r); err != nil {
		return nil, fmt.Errorf("%w: host module: %w", ErrLoaderFault, err)
	}

	compiled, err := r.CompileModule(ctx, opts.Module)
	if err != nil {
		return nil, fmt.Errorf("%w: compile: %w", ErrLoaderFault, err)
	}

	mc := wazero.NewModuleConfig().
		WithArgs(cfg.argv()...).
		WithStdin(stdio.Stdin()).
		WithStdout(stdio.Stdout()).
		WithStderr(stdio.Stderr()).
		WithFSConfig(cfg.fsConfig()).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader).
		WithStartFunctions(ExportInitialize)
	for _, kv := range cfg.environ() {
		mc = mc.WithEnv(kv[0], kv[1])
	}

	logger.Debug("instantiating interpreter",
		zap.String("engine", string(opts.Flag)),
		zap.Strings("argv", cfg.argv()),
		zap.Strings("mounts", cfg.Mounts),
	)

	mod, err := r.InstantiateModule(ctx, compiled, mc)
	if err != nil {
		if code, ok := exitCode(err); ok {
			return nil, &ExpectedExitError{Code: code}
		}
		return nil, fmt.Errorf("%w: instantiate: %w", ErrLoaderFault, err)
	}
	inst.mod = mod
	inst.runMain = mod.ExportedFunction(ExportRunMain)
	inst.step = mod.ExportedFunction(ExportStep)
	inst.finalize = mod.ExportedFunction(ExportFinalize)
	inst.dumpTrace = mod.ExportedFunction(ExportDumpTrace)

	for name, fn := range map[string]api.Function{ExportRunMain: inst.runMain, ExportFinalize: inst.finalize} {
		if fn == nil {
			return nil, fmt.Errorf("%w: guest does not export %s", ErrLoaderFault, name)
		}
	}

	if load := mod.ExportedFunction(ExportLoad); load != nil {
		res, err := load.Call(ctx)
		if err != nil {
			if code, ok := exitCode(err); ok {
				return nil, &ExpectedExitError{Code: code}
			}
			inst.traceOnFault(ctx)
			return nil, fmt.Errorf("%w: %s: %w", ErrLoaderFault, ExportLoad, err)
		}
		if rc := int32(uint32(res[0])); rc < 0 {
			inst.traceOnFault(ctx)
			return nil, fmt.Errorf("%w: %s returned %d", ErrLoaderFault, ExportLoad, rc)
		}
	}

	host.loaded.Store(true)
	return inst, nil
}

// Stdio returns the guest's standard streams.
func (i *Instance) Stdio() *terminal.Stdio { return i.stdio }

// RunMain runs the guest entry point and returns its result code.
func (i *Instance) RunMain(ctx context.Context) (int32, error) {
	return i.callI32(ctx, i.runMain, ExportRunMain)
}

// Step runs one scheduler round. Guests without a scheduler always report 0.
func (i *Instance) Step(ctx context.Context) (int32, error) {
	if i.step == nil {
		return 0, nil
	}
	return i.callI32(ctx, i.step, ExportStep)
}

// Finalize tears the interpreter down. A negative result is a failure.
func (i *Instance) Finalize(ctx context.Context) (int32, error) {
	return i.callI32(ctx, i.finalize, ExportFinalize)
}

// DumpTrace asks the guest to print its execution trace.
func (i *Instance) DumpTrace(ctx context.Context) error {
	if i.dumpTrace == nil || i.mod == nil || i.mod.IsClosed() {
		return nil
	}
	_, err := i.dumpTrace.Call(ctx)
	return err
}

// Close releases the runtime and everything instantiated in it.
func (i *Instance) Close(ctx context.Context) error {
	if i.runtime == nil {
		return nil
	}
	return i.runtime.Close(ctx)
}

func (i *Instance) traceOnFault(ctx context.Context) {
	if err := i.DumpTrace(ctx); err != nil {
		i.logger.Debug("dump trace failed", zap.Error(err))
	}
}

func (i *Instance) callI32(ctx context.Context, fn api.Function, name string) (int32, error) {
	if fn == nil {
		return 0, fmt.Errorf("guest does not export %s", name)
	}
	res, err := fn.Call(ctx)
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, nil
	}
	return int32(uint32(res[0])), nil
}

// exitCode reports the status of a guest that called proc_exit. Aborts caused
// by context cancellation are not exits.
func exitCode(err error) (int, bool) {
	var exitErr *sys.ExitError
	if !errors.As(err, &exitErr) {
		return 0, false
	}
	switch code := exitErr.ExitCode(); code {
	case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
		return 0, false
	default:
		return int(code), true
	}
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
