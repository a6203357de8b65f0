package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"countryvpn/internal/config"
	"countryvpn/internal/session"
	"countryvpn/internal/shutdown"
	"countryvpn/internal/storage"
)

const testDoc = `{
  "servers": {
    "france": {"country": "France", "host": "192.0.2.10", "port": 8888, "description": "Paris"},
    "japan": {"country": "Japan", "host": "your_server_ip", "port": 8888}
  }
}`

type testEnv struct {
	dataDir string
	servers string
}

func newTestEnv(t *testing.T, doc string) testEnv {
	t.Helper()
	dir := t.TempDir()
	servers := filepath.Join(dir, "servers.json")
	if doc != "" {
		require.NoError(t, os.WriteFile(servers, []byte(doc), 0600))
	}
	return testEnv{dataDir: dir, servers: servers}
}

func (e testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&out, &errOut)
	root.SetArgs(append([]string{
		"--data-dir", e.dataDir,
		"--servers-file", e.servers,
		"--log-level", "error",
	}, args...))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func exitCode(err error) int {
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

func TestList(t *testing.T) {
	env := newTestEnv(t, testDoc)

	out, err := env.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "france")
	assert.Contains(t, out, "192.0.2.10:8888")
	assert.Contains(t, out, "Not Configured")
	assert.Contains(t, out, "Catalog: "+env.servers)

	var selectedLine string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "*") {
			selectedLine = line
		}
	}
	assert.Contains(t, selectedLine, "france", "first configured server is selected")
}

func TestList_MissingCatalog(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run(t, "list")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
	assert.Contains(t, out, "ERROR: servers.json not found")
	assert.Contains(t, out, env.servers)
}

func TestServersSetAndRemove(t *testing.T) {
	env := newTestEnv(t, testDoc)

	out, err := env.run(t, "servers", "set", "japan", "--host", "198.51.100.4", "--port", "9000")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved japan")
	assert.Contains(t, out, "198.51.100.4:9000, configured")

	out, err = env.run(t, "servers", "set", "japan", "--description", "Tokyo")
	require.NoError(t, err)
	assert.Contains(t, out, "198.51.100.4:9000", "unchanged fields are kept")

	data, err := os.ReadFile(env.servers)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Tokyo")
	assert.Contains(t, string(data), `"country": "Japan"`)

	out, err = env.run(t, "servers", "remove", "japan")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed japan")

	_, err = env.run(t, "servers", "remove", "japan")
	assert.ErrorIs(t, err, session.ErrUnknownServer)
}

func TestServersSet_CreatesCatalog(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := env.run(t, "servers", "set", "germany", "--host", "198.51.100.9", "--country", "Germany")
	require.NoError(t, err)
	assert.FileExists(t, env.servers)

	out, err := env.run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Germany")
}

func TestProbe_NotConfigured(t *testing.T) {
	env := newTestEnv(t, testDoc)

	out, err := env.run(t, "probe", "japan")
	require.Error(t, err)
	assert.Equal(t, 5, exitCode(err))
	assert.Contains(t, out, "Server for Japan is not configured!")
}

func TestConnect_UnknownServer(t *testing.T) {
	env := newTestEnv(t, testDoc)

	_, err := env.run(t, "connect", "atlantis", "--password", "x")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
	assert.ErrorIs(t, err, session.ErrUnknownServer)

	assert.NoFileExists(t, filepath.Join(env.dataDir, "countryvpn.pid"), "lock is released on exit")
}

func TestRuntimeClose_ReportsFailedSteps(t *testing.T) {
	env := newTestEnv(t, testDoc)
	cfg := config.DefaultConfig()
	cfg.DataDir = env.dataDir
	cfg.ServersFile = env.servers
	require.NoError(t, cfg.Validate())

	var out bytes.Buffer
	c := &cli{cfg: cfg, logger: zap.NewNop(), out: &out, errOut: &out}
	rt, loadErr, err := c.openRuntime(context.Background(), runtimeOptions{tail: &out})
	require.NoError(t, err)
	require.NoError(t, loadErr)

	rt.coordinator.RegisterFunc("flush", shutdown.PhaseCleanup, func(context.Context) error {
		return errors.New("disk full")
	})
	require.Error(t, rt.close())
	assert.Contains(t, out.String(), "Shutdown step flush (Cleanup) failed: disk full")
}

func TestHistory_Empty(t *testing.T) {
	env := newTestEnv(t, testDoc)

	out, err := env.run(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No connection attempts recorded.")

	out, err = env.run(t, "history", "--failures")
	require.NoError(t, err)
	assert.Contains(t, out, "No failures recorded.")
}

func TestWriteHistory(t *testing.T) {
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	code := 3
	records := []*storage.AttemptRecord{
		{
			ServerID:    "france",
			Host:        "192.0.2.10",
			Port:        8888,
			Outcome:     storage.OutcomeDisconnected,
			StartedAt:   started,
			ConnectedAt: started.Add(2 * time.Second),
			EndedAt:     started.Add(92 * time.Second),
			EgressIP:    "203.0.113.7",
		},
		{
			ServerID:  "japan",
			Host:      "198.51.100.4",
			Port:      9000,
			Outcome:   storage.OutcomeFailed,
			StartedAt: started,
			ExitCode:  &code,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, writeHistory(&buf, records))
	out := buf.String()

	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "203.0.113.7")
	assert.Contains(t, out, "exit status 3")
	assert.Contains(t, out, "198.51.100.4:9000")
}

func TestResolveSecret(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(config.PasswordEnv+"=from-dotenv\n"), 0600))

	t.Setenv(config.PasswordEnv, "")
	got, err := resolveSecret("", false, dir, os.Stdin, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", got)

	t.Setenv(config.PasswordEnv, "from-env")
	got, err = resolveSecret("", false, dir, os.Stdin, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)

	got, err = resolveSecret("from-flag", false, dir, os.Stdin, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, "from-flag", got)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	_, err = w.WriteString("typed secret\r\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var prompt bytes.Buffer
	got, err = resolveSecret("", true, dir, r, &prompt)
	require.NoError(t, err)
	assert.Equal(t, "typed secret", got, "the prompt wins over the environment")
	assert.Contains(t, prompt.String(), "Password: ")
}

func TestRoot_UnknownCommand(t *testing.T) {
	env := newTestEnv(t, testDoc)

	_, err := env.run(t, "teleport")
	assert.Error(t, err)
}
