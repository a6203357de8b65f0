package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"countryvpn/internal/config"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		out  string
		want string
		ok   bool
	}{
		{"Python 3.11.4\n", "v3.11.4", true},
		{"Python 3.8", "v3.8.0", true},
		{"Python 2.7.18", "v2.7.18", true},
		{"python: command not found", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseVersion(tt.out)
		assert.Equal(t, tt.ok, ok, tt.out)
		assert.Equal(t, tt.want, got, tt.out)
	}
}

func TestVersionAtLeast(t *testing.T) {
	assert.True(t, VersionAtLeast("v3.11.4", "3.7"))
	assert.True(t, VersionAtLeast("v3.7.0", "v3.7.0"))
	assert.False(t, VersionAtLeast("v3.6.9", "3.7"))
	assert.False(t, VersionAtLeast("v2.7.18", "3.7"))
}

func testLocator(cfg *config.ProxyConfig, version string, versionErr error) *Locator {
	l := NewLocator(cfg, zap.NewNop())
	l.versionOutput = func(context.Context, string) (string, error) {
		return version, versionErr
	}
	return l
}

func TestFindInterpreter(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)

	cfg := config.DefaultProxyConfig()
	cfg.InterpreterCandidates = []string{"countryvpn-no-such-python", self}
	cfg.MinVersion = "3.7"

	path, version, err := testLocator(cfg, "Python 3.11.2", nil).FindInterpreter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, self, path)
	assert.Equal(t, "v3.11.2", version)

	_, _, err = testLocator(cfg, "Python 3.6.9", nil).FindInterpreter(context.Background())
	assert.ErrorIs(t, err, ErrDependencyMissing)

	_, _, err = testLocator(cfg, "", errors.New("exec failed")).FindInterpreter(context.Background())
	assert.ErrorIs(t, err, ErrDependencyMissing)
}

func TestFindInterpreter_ExplicitIsOnlyCandidate(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)

	cfg := config.DefaultProxyConfig()
	cfg.Interpreter = "/nonexistent/python3"
	cfg.InterpreterCandidates = []string{self}

	_, _, err = testLocator(cfg, "Python 3.12.0", nil).FindInterpreter(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyMissing)
	assert.Contains(t, err.Error(), "/nonexistent/python3")
}

func TestFindScript(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "proxy_client.py")
	require.NoError(t, os.WriteFile(script, []byte("print('hi')\n"), 0o644))

	cfg := config.DefaultProxyConfig()
	cfg.ScriptPaths = []string{filepath.Join(dir, "missing.py"), script}
	got, err := testLocator(cfg, "", nil).FindScript()
	require.NoError(t, err)
	assert.Equal(t, script, got)

	cfg = config.DefaultProxyConfig()
	cfg.Script = script
	got, err = testLocator(cfg, "", nil).FindScript()
	require.NoError(t, err)
	assert.Equal(t, script, got)

	cfg.Script = filepath.Join(dir, "gone.py")
	_, err = testLocator(cfg, "", nil).FindScript()
	assert.ErrorIs(t, err, ErrDependencyMissing)

	cfg = config.DefaultProxyConfig()
	cfg.ScriptPaths = []string{dir} // a directory is not a script
	_, err = testLocator(cfg, "", nil).FindScript()
	assert.ErrorIs(t, err, ErrDependencyMissing)
}

func TestLocate(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)
	dir := t.TempDir()
	script := filepath.Join(dir, "proxy_client.py")
	require.NoError(t, os.WriteFile(script, nil, 0o644))

	cfg := config.DefaultProxyConfig()
	cfg.Interpreter = self
	cfg.Script = script
	cfg.MinVersion = "3.7"

	rt, err := testLocator(cfg, "Python 3.10.1", nil).Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, self, rt.Interpreter)
	assert.Equal(t, "v3.10.1", rt.Version)
	assert.Equal(t, []string{script}, rt.Args)
}

func TestStaticLocator(t *testing.T) {
	_, err := StaticLocator{}.Locate(context.Background())
	assert.ErrorIs(t, err, ErrDependencyMissing)

	rt, err := StaticLocator{Interpreter: "/bin/true", Args: []string{"x"}}.Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/bin/true", rt.Interpreter)
}
