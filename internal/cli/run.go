package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bpicori/vmshell/internal/logging"
	"github.com/bpicori/vmshell/internal/negotiate"
	"github.com/bpicori/vmshell/internal/platform"
	"github.com/bpicori/vmshell/pkg/vmshell"
)

// Environment variables read by the adapter. Nothing on the command line is
// interpreted, so these and the config file are the only knobs.
const (
	EnvConfig    = "VMSHELL_CONFIG"
	EnvModule    = "VMSHELL_MODULE"
	EnvHome      = "VMSHELL_HOME"
	EnvLogLevel  = "VMSHELL_LOG_LEVEL"
	EnvLogFormat = "VMSHELL_LOG_FORMAT"
	EnvHarden    = "VMSHELL_HARDEN"
	EnvSuppress  = "VMSHELL_SUPPRESS"
)

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "1", "t", "true", "y", "yes":
		return true, nil
	case "0", "f", "false", "n", "no":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", value)
	}
}

// runConfig defines run options that can be loaded from file and then
// overridden by the environment.
type runConfig struct {
	Module      *string  `yaml:"module"`
	Home        *string  `yaml:"home"`
	WorkDir     *string  `yaml:"work_dir"`
	ExtraMounts []string `yaml:"extra_mounts"`
	Suppress    []string `yaml:"suppress"`
	Harden      *bool    `yaml:"harden"`
	LogLevel    *string  `yaml:"log_level"`
	LogFormat   *string  `yaml:"log_format"`
}

func resolveRunConfig(getenv func(string) string) (*runConfig, error) {
	effective := &runConfig{}

	if path := getenv(EnvConfig); path != "" {
		fromFile, err := loadRunConfigFile(path)
		if err != nil {
			return nil, err
		}
		mergeRunConfig(effective, fromFile)
	}

	overrides, err := envRunConfigOverrides(getenv)
	if err != nil {
		return nil, err
	}
	mergeRunConfig(effective, overrides)
	return effective, nil
}

func loadRunConfigFile(path string) (*runConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	var fileCfg runConfig
	if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	return &fileCfg, nil
}

func envRunConfigOverrides(getenv func(string) string) (*runConfig, error) {
	cfg := &runConfig{}

	for name, dst := range map[string]**string{
		EnvModule:    &cfg.Module,
		EnvHome:      &cfg.Home,
		EnvLogLevel:  &cfg.LogLevel,
		EnvLogFormat: &cfg.LogFormat,
	} {
		if v := getenv(name); v != "" {
			*dst = stringPtr(v)
		}
	}

	if v := getenv(EnvHarden); v != "" {
		harden, err := parseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvHarden, err)
		}
		cfg.Harden = boolPtr(harden)
	}

	if v := getenv(EnvSuppress); v != "" {
		for _, pattern := range filepath.SplitList(v) {
			if pattern != "" {
				cfg.Suppress = append(cfg.Suppress, pattern)
			}
		}
	}

	return cfg, nil
}

func mergeRunConfig(dst *runConfig, src *runConfig) {
	if dst == nil || src == nil {
		return
	}

	dst.ExtraMounts = append(dst.ExtraMounts, src.ExtraMounts...)
	dst.Suppress = append(dst.Suppress, src.Suppress...)

	if src.Module != nil {
		dst.Module = stringPtr(*src.Module)
	}
	if src.Home != nil {
		dst.Home = stringPtr(*src.Home)
	}
	if src.WorkDir != nil {
		dst.WorkDir = stringPtr(*src.WorkDir)
	}
	if src.Harden != nil {
		dst.Harden = boolPtr(*src.Harden)
	}
	if src.LogLevel != nil {
		dst.LogLevel = stringPtr(*src.LogLevel)
	}
	if src.LogFormat != nil {
		dst.LogFormat = stringPtr(*src.LogFormat)
	}
}

func boolPtr(v bool) *bool {
	return &v
}

func stringPtr(v string) *string {
	return &v
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// buildRequest constructs a run request from resolved options and the
// guest's arguments.
func buildRequest(c *runConfig, args []string) (vmshell.RunRequest, error) {
	if deref(c.Module) == "" {
		return vmshell.RunRequest{}, fmt.Errorf("no interpreter module configured (set %s or module in the %s file)", EnvModule, EnvConfig)
	}
	return vmshell.RunRequest{
		ModulePath:  *c.Module,
		ProgramName: programName(),
		Args:        append([]string{}, args...),
		ExtraMounts: append([]string{}, c.ExtraMounts...),
		Home:        deref(c.Home),
		WorkDir:     deref(c.WorkDir),
		Suppress:    append([]string{}, c.Suppress...),
		Harden:      deref(c.Harden),
	}, nil
}

func programName() string {
	if len(os.Args) == 0 {
		return ""
	}
	return filepath.Base(os.Args[0])
}

// Main runs the adapter with the process arguments after the program name
// and returns the exit code.
func Main(args []string) int {
	if len(args) > 0 && args[0] == platform.InternalExecCommand {
		return internalExec(args[1:])
	}

	cfg, err := resolveRunConfig(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return execute(cfg, args, "", nil)
}

// internalExec is the hardened child. The flag was negotiated by the parent
// and is only parsed here.
func internalExec(args []string) int {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: missing engine flag\n")
		return 1
	}
	if _, err := negotiate.ParseFlag(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	// Read the config file before hardening takes it out of reach.
	cfg, err := resolveRunConfig(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	plat, err := platform.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	policy, err := plat.EnterInternalExec()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return execute(cfg, args[1:], args[0], &policy)
}

func execute(cfg *runConfig, args []string, flag string, policy *platform.Policy) int {
	logger, err := logging.New(logging.Config{
		Level:  deref(cfg.LogLevel),
		Format: deref(cfg.LogFormat),
	}, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if policy != nil {
		cfg.Module = stringPtr(policy.ModulePath)
	}
	req, err := buildRequest(cfg, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	req.Flag = flag
	if policy != nil {
		req.Harden = false
		req.Mounts = append([]string{}, policy.Mounts...)
		req.WorkDir = policy.WorkDir
	}

	helperBinaryPath, _ := os.Executable()
	result, err := vmshell.Run(req, vmshell.RunIO{
		Stdin:            os.Stdin,
		Stdout:           os.Stdout,
		Stderr:           os.Stderr,
		Logger:           logger,
		HelperBinaryPath: helperBinaryPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return result.ExitCode
}
