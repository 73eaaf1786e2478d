// Package vmshell runs a WebAssembly interpreter as if it were a native
// command-line program.
package vmshell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"

	"github.com/bpicori/vmshell/internal/exitcoord"
	"github.com/bpicori/vmshell/internal/loader"
	"github.com/bpicori/vmshell/internal/logging"
	"github.com/bpicori/vmshell/internal/mounts"
	"github.com/bpicori/vmshell/internal/negotiate"
	"github.com/bpicori/vmshell/internal/platform"
	"github.com/bpicori/vmshell/internal/terminal"
)

var _ loader.Hooks = (*exitcoord.Coordinator)(nil)

var _ exitcoord.Interpreter = (*loader.Instance)(nil)

// notifySignals subscribes a channel to process signals.
var notifySignals = signal.Notify

// Run negotiates the engine, loads the guest, installs the terminal and
// drives the guest to completion. A returned error means the guest never
// produced a result; every other ending is reported through RunResult.
func Run(req RunRequest, ioCfg RunIO) (RunResult, error) {
	ctx := ioCfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.OrNop(ioCfg.Logger)

	plat, err := platform.New()
	if err != nil {
		return RunResult{}, err
	}

	flag, err := resolveFlag(req.Flag, ioCfg.HostVersion)
	if err != nil {
		return RunResult{}, err
	}
	logger.Debug("engine selected", zap.String("flag", string(flag)))

	mountList := req.Mounts
	if mountList == nil {
		if mountList, err = resolveMounts(req.ExtraMounts); err != nil {
			return RunResult{}, err
		}
	}

	workDir := req.WorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return RunResult{}, fmt.Errorf("resolve working directory: %w", err)
		}
	}

	if req.Harden {
		modulePath, err := filepath.Abs(req.ModulePath)
		if err != nil {
			return RunResult{}, fmt.Errorf("resolve module path: %w", err)
		}
		code, err := plat.Exec(platform.ExecOptions{
			Context:          ctx,
			Stdin:            ioCfg.Stdin,
			Stdout:           ioCfg.Stdout,
			Stderr:           ioCfg.Stderr,
			Env:              append([]string{}, ioCfg.Env...),
			HelperBinaryPath: ioCfg.HelperBinaryPath,
			Flag:             string(flag),
			Args:             append([]string{}, req.Args...),
			Policy: platform.Policy{
				ModulePath: modulePath,
				Mounts:     mountList,
				WorkDir:    workDir,
			},
		})
		if err != nil {
			return RunResult{}, err
		}
		return RunResult{ExitCode: code, Flag: string(flag)}, nil
	}

	module, err := os.ReadFile(req.ModulePath)
	if err != nil {
		return RunResult{}, fmt.Errorf("read interpreter module: %w", err)
	}

	filter, err := loader.DefaultFilter(req.Suppress)
	if err != nil {
		return RunResult{}, err
	}

	stdin, stdout, stderr := defaultIO(ioCfg)

	env := ioCfg.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	env = platform.StripInternalEnv(env)

	home := req.Home
	if home == "" {
		home, _ = os.UserHomeDir()
	}

	waker, err := terminal.NewWaker()
	if err != nil {
		logger.Debug("stdin reads will not be interruptible", zap.Error(err))
	} else {
		defer waker.Close()
	}

	coordOpts := exitcoord.Options{Logger: logger}
	if waker != nil {
		coordOpts.Wake = waker.Wake
	}
	coord := exitcoord.New(coordOpts)

	// Interrupts that arrive while the guest loads are held by the
	// coordinator and raised once the run starts.
	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh, plat.InterruptSignals()...)
	defer signal.Stop(sigCh)
	stop := coord.Watch(sigCh)
	defer stop()

	inst, err := loader.Load(ctx, loader.RuntimeConfig{
		ProgramName:  req.ProgramName,
		Args:         req.Args,
		Mounts:       mountList,
		Home:         home,
		WorkDir:      workDir,
		Env:          env,
		StdoutFilter: filter,
		StderrFilter: filter,
	}, loader.Options{
		Module: module,
		Flag:   flag,
		Stdout: stdout,
		Stderr: stderr,
		Hooks:  coord,
		Logger: logger,
	})
	var exitErr *loader.ExpectedExitError
	if errors.As(err, &exitErr) {
		logger.Debug("interpreter exited during load", zap.Int("code", exitErr.Code))
		return RunResult{ExitCode: exitErr.Code, Flag: string(flag)}, nil
	}
	if err != nil {
		return RunResult{}, err
	}
	defer func() {
		if err := inst.Close(ctx); err != nil {
			logger.Debug("close runtime", zap.Error(err))
		}
	}()

	layer := terminal.NewLayer(terminal.Host{
		Input:    hostInput(stdin, waker, coord.Checkpoint),
		Stdout:   stdout,
		Stderr:   stderr,
		StdinFd:  fdOf(stdin),
		StdoutFd: fdOf(stdout),
		StderrFd: fdOf(stderr),
	}, logger)
	if err := layer.Setup(inst.Stdio()); err != nil {
		return RunResult{}, fmt.Errorf("install terminal: %w", err)
	}

	return RunResult{ExitCode: coord.Run(ctx, inst), Flag: string(flag)}, nil
}

func resolveFlag(preset, hostVersion string) (negotiate.Flag, error) {
	if preset != "" {
		return negotiate.ParseFlag(preset)
	}
	if hostVersion == "" {
		hostVersion = runtime.Version()
	}
	res, err := negotiate.Negotiate(hostVersion)
	if err != nil {
		return "", err
	}
	return res.Flag, nil
}

func resolveMounts(extra []string) ([]string, error) {
	hostMounts, err := mounts.List("/")
	if err != nil {
		return nil, err
	}
	validated, err := mounts.Extra(extra, mounts.DefaultDenylist)
	if err != nil {
		return nil, err
	}
	return mounts.Merge(hostMounts, validated...), nil
}

func defaultIO(ioCfg RunIO) (io.Reader, io.Writer, io.Writer) {
	var (
		stdin  io.Reader = os.Stdin
		stdout io.Writer = os.Stdout
		stderr io.Writer = os.Stderr
	)
	if ioCfg.Stdin != nil {
		stdin = ioCfg.Stdin
	}
	if ioCfg.Stdout != nil {
		stdout = ioCfg.Stdout
	}
	if ioCfg.Stderr != nil {
		stderr = ioCfg.Stderr
	}
	return stdin, stdout, stderr
}

// hostInput polls real files so interrupts can break a blocking read. Other
// readers are used as they are.
func hostInput(r io.Reader, waker *terminal.Waker, onWake func()) terminal.Input {
	f, ok := r.(*os.File)
	if !ok {
		return r
	}
	in := terminal.NewHostInput(int(f.Fd()), waker)
	in.OnWake = onWake
	return in
}

func fdOf(v any) int {
	if f, ok := v.(interface{ Fd() uintptr }); ok {
		return int(f.Fd())
	}
	return -1
}
