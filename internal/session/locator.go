package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"countryvpn/internal/config"
)

// Runtime is a resolved way to start the proxy: Interpreter is executed with
// Args followed by the proxy flags.
type Runtime struct {
	Interpreter string
	Version     string
	Script      string
	Args        []string
	// Env is appended to the parent environment
	Env []string
}

// RuntimeLocator finds the proxy runtime before each start.
type RuntimeLocator interface {
	Locate(ctx context.Context) (Runtime, error)
}

// Locator finds a Python interpreter of at least MinVersion and the proxy script.
type Locator struct {
	interpreter string
	candidates  []string
	minVersion  string
	script      string
	scriptPaths []string
	logger      *zap.Logger

	// versionOutput runs "<interpreter> --version"; replaced in tests
	versionOutput func(ctx context.Context, interpreter string) (string, error)
}

// NewLocator builds a locator from the proxy settings.
func NewLocator(cfg *config.ProxyConfig, logger *zap.Logger) *Locator {
	if cfg == nil {
		cfg = config.DefaultProxyConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	candidates := cfg.InterpreterCandidates
	if len(candidates) == 0 {
		candidates = config.DefaultInterpreterCandidates()
	}
	return &Locator{
		interpreter:   cfg.Interpreter,
		candidates:    candidates,
		minVersion:    cfg.MinVersion,
		script:        cfg.Script,
		scriptPaths:   cfg.ScriptPaths,
		logger:        logger.Named("locator"),
		versionOutput: runVersion,
	}
}

// Locate implements RuntimeLocator.
func (l *Locator) Locate(ctx context.Context) (Runtime, error) {
	interpreter, version, err := l.FindInterpreter(ctx)
	if err != nil {
		return Runtime{}, err
	}
	script, err := l.FindScript()
	if err != nil {
		return Runtime{}, err
	}
	return Runtime{
		Interpreter: interpreter,
		Version:     version,
		Script:      script,
		Args:        []string{script},
	}, nil
}

// FindInterpreter returns the first candidate that runs and is new enough.
// An explicitly configured interpreter is the only candidate.
func (l *Locator) FindInterpreter(ctx context.Context) (path, version string, err error) {
	candidates := l.candidates
	if l.interpreter != "" {
		candidates = []string{l.interpreter}
	}

	for _, candidate := range candidates {
		resolved, err := exec.LookPath(candidate)
		if err != nil {
			continue
		}

		out, err := l.versionOutput(ctx, resolved)
		if err != nil {
			l.logger.Debug("Interpreter candidate failed",
				zap.String("candidate", candidate),
				zap.Error(err))
			continue
		}

		version, ok := ParseVersion(out)
		if !ok {
			l.logger.Debug("Unrecognised interpreter version",
				zap.String("candidate", candidate),
				zap.String("output", strings.TrimSpace(out)))
			continue
		}
		if l.minVersion != "" && !VersionAtLeast(version, l.minVersion) {
			l.logger.Debug("Interpreter too old",
				zap.String("candidate", candidate),
				zap.String("version", version),
				zap.String("min_version", l.minVersion))
			continue
		}

		l.logger.Debug("Found interpreter",
			zap.String("path", resolved),
			zap.String("version", version))
		return resolved, version, nil
	}

	return "", "", fmt.Errorf("%w: Python %s+ not found (tried %s); install it and add it to PATH",
		ErrDependencyMissing, l.minVersionOrAny(), strings.Join(candidates, ", "))
}

func (l *Locator) minVersionOrAny() string {
	if l.minVersion == "" {
		return "3"
	}
	return l.minVersion
}

// FindScript returns the absolute path of the proxy script. Relative search
// paths are tried against the working directory and then the executable's directory.
func (l *Locator) FindScript() (string, error) {
	if l.script != "" {
		if fileExists(l.script) {
			return filepath.Abs(l.script)
		}
		return "", fmt.Errorf("%w: proxy script %s not found", ErrDependencyMissing, l.script)
	}

	var bases []string
	if wd, err := os.Getwd(); err == nil {
		bases = append(bases, wd)
	}
	if exe, err := os.Executable(); err == nil {
		bases = append(bases, filepath.Dir(exe))
	}

	var tried []string
	for _, p := range l.scriptPaths {
		if filepath.IsAbs(p) {
			tried = append(tried, p)
			if fileExists(p) {
				return p, nil
			}
			continue
		}
		for _, base := range bases {
			candidate := filepath.Join(base, p)
			tried = append(tried, candidate)
			if fileExists(candidate) {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("%w: proxy script not found (searched %s)",
		ErrDependencyMissing, strings.Join(tried, ", "))
}

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// ParseVersion extracts a semver string such as "v3.11.4" from interpreter
// output like "Python 3.11.4".
func ParseVersion(out string) (string, bool) {
	m := versionPattern.FindStringSubmatch(out)
	if m == nil {
		return "", false
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	v := fmt.Sprintf("v%s.%s.%s", m[1], m[2], patch)
	return v, semver.IsValid(v)
}

// VersionAtLeast compares versions with or without the leading "v".
func VersionAtLeast(version, min string) bool {
	return semver.Compare(canonical(version), canonical(min)) >= 0
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func runVersion(ctx context.Context, interpreter string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, config.RuntimeVersionTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, interpreter, "--version")
	hideWindow(cmd)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// StaticLocator always returns the same runtime. It serves callers that
// already know how to start the proxy.
type StaticLocator Runtime

// Locate implements RuntimeLocator.
func (s StaticLocator) Locate(context.Context) (Runtime, error) {
	if s.Interpreter == "" {
		return Runtime{}, fmt.Errorf("%w: no interpreter configured", ErrDependencyMissing)
	}
	return Runtime(s), nil
}

var _ RuntimeLocator = (*Locator)(nil)
