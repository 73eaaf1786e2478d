//go:build linux

package platform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/landlock-lsm/go-landlock/landlock"
	landlocksys "github.com/landlock-lsm/go-landlock/landlock/syscall"
	"golang.org/x/sys/unix"
)

// systemReadPaths are read by the Go runtime and zap after hardening.
var systemReadPaths = []string{
	"/etc/localtime",
	"/usr/share/zoneinfo",
	"/etc/ld.so.cache",
	"/proc/self",
	"/sys/kernel/mm/transparent_hugepage",
	"/dev/urandom",
}

// deniedSyscalls can never be needed by an interpreter that has no process
// or socket API. clone stays allowed: the Go runtime uses it for threads.
var deniedSyscalls = []string{
	"execve", "execveat", "fork", "vfork", "ptrace",
	"socket", "socketpair", "connect", "bind",
	"listen", "accept", "accept4", "sendto",
	"sendmsg", "sendmmsg", "recvfrom", "recvmsg",
	"recvmmsg", "shutdown", "getsockopt",
	"setsockopt", "getsockname", "getpeername",
}

type linuxPlatform struct{}

// New returns the Platform implementation for Linux.
func New() (Platform, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return &linuxPlatform{}, nil
}

func (l *linuxPlatform) InterruptSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

func (l *linuxPlatform) Harden(p Policy) error {
	if err := setNoNewPrivs(); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}
	if err := applyLandlock(p); err != nil {
		return fmt.Errorf("apply landlock: %w", err)
	}
	if err := applySeccompDenyList(deniedSyscalls); err != nil {
		return fmt.Errorf("apply seccomp: %w", err)
	}
	return nil
}

func (l *linuxPlatform) Exec(opts ExecOptions) (int, error) {
	encodedPayload, err := encodeExecPayload(execPayload{Policy: opts.Policy})
	if err != nil {
		return -1, fmt.Errorf("encode internal payload: %w", err)
	}

	exePath := opts.HelperBinaryPath
	if exePath == "" {
		exePath, err = os.Executable()
		if err != nil {
			return -1, fmt.Errorf("resolve executable path: %w", err)
		}
	}

	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := exec.CommandContext(ctx, exePath, TrampolineArgs(opts.Flag, opts.Args)...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	}
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	}
	baseEnv := os.Environ()
	if len(opts.Env) > 0 {
		baseEnv = append([]string{}, opts.Env...)
	}
	cmd.Env = append(StripInternalEnv(baseEnv), InternalPayloadEnv+"="+encodedPayload)

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start trampoline: %w", err)
	}

	childPID := cmd.Process.Pid

	// The child shares the terminal's foreground process group so it can
	// read stdin, which means a terminal SIGINT already reaches it. Only
	// signals aimed at the parent alone are forwarded.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				if sig == syscall.SIGINT {
					continue
				}
				_ = syscall.Kill(childPID, sig.(syscall.Signal))
			case <-done:
				signal.Stop(sigCh)
				return
			}
		}
	}()

	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(done)
	}()

	<-done

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if status.Signaled() {
					return 128 + int(status.Signal()), nil
				}
				return status.ExitStatus(), nil
			}
		}
		return -1, waitErr
	}

	return 0, nil
}

// EnterInternalExec is reachable only through the trampoline.
func (l *linuxPlatform) EnterInternalExec() (Policy, error) {
	payload, err := decodeExecPayload(os.Getenv(InternalPayloadEnv))
	if err != nil {
		return Policy{}, err
	}
	if err := os.Unsetenv(InternalPayloadEnv); err != nil {
		return Policy{}, fmt.Errorf("clear %s: %w", InternalPayloadEnv, err)
	}

	p := payload.Policy
	if p.ModulePath == "" {
		return Policy{}, errors.New("internal payload has no module path")
	}

	if err := l.Harden(p); err != nil {
		return Policy{}, err
	}

	if p.WorkDir != "" {
		if err := os.Chdir(p.WorkDir); err != nil {
			return Policy{}, fmt.Errorf("chdir %q: %w", p.WorkDir, err)
		}
	}
	return p, nil
}

type execPayload struct {
	Policy Policy `json:"policy"`
}

func encodeExecPayload(payload execPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeExecPayload(encoded string) (execPayload, error) {
	var payload execPayload

	if encoded == "" {
		return payload, errors.New("missing " + InternalPayloadEnv)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("unmarshal payload: %w", err)
	}

	return payload, nil
}

func setNoNewPrivs() error {
	return unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0)
}

func applyLandlock(p Policy) error {
	rules := buildLandlockRules(p)
	if len(rules) == 0 {
		return fmt.Errorf("landlock rule set is empty")
	}

	cfg, err := selectLandlockConfig()
	if err != nil {
		return err
	}

	if err := cfg.RestrictPaths(rules...); err != nil {
		if strings.Contains(err.Error(), "missing kernel Landlock support") ||
			strings.Contains(err.Error(), "landlock is not supported") {
			return fmt.Errorf("landlock unavailable on this kernel (%w)", err)
		}
		return err
	}
	return nil
}

func selectLandlockConfig() (landlock.Config, error) {
	abi, err := landlocksys.LandlockGetABIVersion()
	if err != nil {
		return landlock.Config{}, fmt.Errorf("landlock unavailable on this kernel (%w)", err)
	}

	switch {
	case abi >= 7:
		return landlock.V7, nil
	case abi == 6:
		return landlock.V6, nil
	case abi == 5:
		return landlock.V5, nil
	case abi == 4:
		return landlock.V4, nil
	case abi == 3:
		return landlock.V3, nil
	case abi == 2:
		return landlock.V2, nil
	case abi == 1:
		return landlock.V1, nil
	default:
		return landlock.Config{}, fmt.Errorf("landlock unavailable on this kernel (unsupported ABI v%d)", abi)
	}
}

func buildLandlockRules(p Policy) []landlock.Rule {
	rules := make([]landlock.Rule, 0, len(systemReadPaths)+len(p.Mounts)+4)

	appendPathRule := func(path string, readOnly bool) {
		target := nearestExistingPath(path)
		info, err := os.Stat(target)
		if err != nil {
			return
		}
		if info.IsDir() {
			if readOnly {
				rules = append(rules, landlock.RODirs(target))
			} else {
				rules = append(rules, landlock.RWDirs(target))
			}
			return
		}
		if readOnly {
			rules = append(rules, landlock.ROFiles(target))
		} else {
			rules = append(rules, landlock.RWFiles(target))
		}
	}

	for _, path := range systemReadPaths {
		if _, err := os.Stat(path); err == nil {
			appendPathRule(path, true)
		}
	}

	appendPathRule("/dev/null", false)

	if p.ModulePath != "" {
		appendPathRule(p.ModulePath, true)
	}
	for _, path := range p.Mounts {
		appendPathRule(path, false)
	}
	if p.WorkDir != "" {
		appendPathRule(p.WorkDir, false)
	}

	return rules
}

func nearestExistingPath(path string) string {
	cleaned := filepath.Clean(path)
	for {
		if cleaned == "." || cleaned == "" {
			return "/"
		}
		if _, err := os.Stat(cleaned); err == nil {
			return cleaned
		}
		if cleaned == "/" {
			return "/"
		}
		cleaned = filepath.Dir(cleaned)
	}
}

func applySeccompDenyList(deny []string) error {
	names := append([]string{}, deny...)
	sort.Strings(names)

	policy := seccomp.Policy{
		DefaultAction: seccomp.ActionAllow,
		Syscalls: []seccomp.SyscallGroup{{
			Names:  names,
			Action: seccomp.Action(uint32(seccomp.ActionErrno) | uint32(syscall.EPERM)),
		}},
	}

	filter := seccomp.Filter{
		NoNewPrivs: false,
		Flag:       seccomp.FilterFlagTSync,
		Policy:     policy,
	}

	if err := seccomp.LoadFilter(filter); err != nil {
		if errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EINVAL) {
			return fmt.Errorf("seccomp unavailable on this kernel (%w)", err)
		}
		return err
	}
	return nil
}
