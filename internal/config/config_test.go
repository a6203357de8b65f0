package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dataDir := t.TempDir()
	v := NewViper()
	v.Set("data-dir", dataDir)

	cfg, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, DefaultGracePeriod, cfg.Timeouts.GracePeriod)
	assert.Equal(t, DefaultEchoTimeout, cfg.Timeouts.Echo)
	assert.Equal(t, DefaultConnectTimeout, cfg.Timeouts.Connect)
	assert.Equal(t, DefaultHTTPTimeout, cfg.Timeouts.HTTP)
	assert.Equal(t, "https://api.ipify.org?format=json", cfg.IP.LookupURL)
	assert.Equal(t, "https://ipapi.co/%s/json/", cfg.IP.GeoURL)
	assert.Equal(t, 0, cfg.Proxy.LocalPort, "local port stays unset so the catalog can supply it")
	assert.Equal(t, DefaultLocalPort, cfg.EffectiveLocalPort(0))
	assert.Contains(t, cfg.Proxy.InterpreterCandidates, "python3")
	assert.Equal(t, filepath.Join(dataDir, "history.db"), cfg.HistoryPath())
}

func TestLoad_FileOverrides(t *testing.T) {
	dataDir := t.TempDir()
	configPath := filepath.Join(dataDir, "config.json")
	content := `{
  "proxy": {"local-port": 9050, "script": "/opt/vpn/socks5_proxy.py"},
  "timeouts": {"grace-period": "5s", "http": "2s"},
  "ip": {"via-proxy": true},
  "logging": {"level": "debug"}
}`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	v := NewViper()
	v.Set("data-dir", dataDir)
	cfg, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, 9050, cfg.Proxy.LocalPort)
	assert.Equal(t, 9050, cfg.EffectiveLocalPort(1080), "explicit port wins over the catalog setting")
	assert.Equal(t, "/opt/vpn/socks5_proxy.py", cfg.Proxy.Script)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.GracePeriod)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.HTTP)
	assert.Equal(t, DefaultStopTimeout, cfg.Timeouts.Stop)
	assert.True(t, cfg.IP.ViaProxy)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("COUNTRYVPN_TIMEOUTS_GRACE_PERIOD", "750ms")
	t.Setenv("COUNTRYVPN_API_LISTEN", "127.0.0.1:8089")

	v := NewViper()
	v.Set("data-dir", t.TempDir())
	cfg, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, 750*time.Millisecond, cfg.Timeouts.GracePeriod)
	assert.Equal(t, "127.0.0.1:8089", cfg.API.Listen)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	v := NewViper()
	_, err := Load(v, filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestEffectiveLocalPort(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1080, cfg.EffectiveLocalPort(0))
	assert.Equal(t, 1090, cfg.EffectiveLocalPort(1090))
	assert.Equal(t, 1080, cfg.EffectiveLocalPort(70000), "out of range catalog value is ignored")

	cfg.Proxy.LocalPort = 2000
	assert.Equal(t, 2000, cfg.EffectiveLocalPort(1090))
}

func TestValidate(t *testing.T) {
	t.Run("fills nil sections", func(t *testing.T) {
		cfg := &Config{DataDir: t.TempDir()}
		require.NoError(t, cfg.Validate())
		assert.NotNil(t, cfg.Proxy)
		assert.NotNil(t, cfg.Timeouts)
		assert.NotNil(t, cfg.IP)
		assert.NotNil(t, cfg.API)
		assert.NotNil(t, cfg.Logging)
		assert.Equal(t, DefaultGracePeriod, cfg.Timeouts.GracePeriod)
	})

	t.Run("rejects geo url without placeholder", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.IP.GeoURL = "https://ipapi.co/json/"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects local port out of range", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DataDir = t.TempDir()
		cfg.Proxy.LocalPort = 70000
		assert.Error(t, cfg.Validate())
	})
}
