package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. COUNTRYVPN_PROXY_LOCAL_PORT.
const EnvPrefix = "COUNTRYVPN"

// NewViper returns a viper instance with every known key defaulted and
// environment overrides enabled. Flags are bound by the caller.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("data-dir", d.DataDir)
	v.SetDefault("servers-file", d.ServersFile)
	v.SetDefault("tray", d.EnableTray)

	// proxy.local-port is deliberately not defaulted so that an unset value
	// can fall back to the catalog's settings.proxy_port.
	v.SetDefault("proxy.interpreter", d.Proxy.Interpreter)
	v.SetDefault("proxy.interpreter-candidates", d.Proxy.InterpreterCandidates)
	v.SetDefault("proxy.min-version", d.Proxy.MinVersion)
	v.SetDefault("proxy.script", d.Proxy.Script)
	v.SetDefault("proxy.script-paths", d.Proxy.ScriptPaths)

	v.SetDefault("timeouts.grace-period", d.Timeouts.GracePeriod)
	v.SetDefault("timeouts.echo", d.Timeouts.Echo)
	v.SetDefault("timeouts.connect", d.Timeouts.Connect)
	v.SetDefault("timeouts.http", d.Timeouts.HTTP)
	v.SetDefault("timeouts.stop", d.Timeouts.Stop)
	v.SetDefault("timeouts.ip-check-delay", d.Timeouts.IPCheckDelay)

	v.SetDefault("ip.lookup-url", d.IP.LookupURL)
	v.SetDefault("ip.geo-url", d.IP.GeoURL)
	v.SetDefault("ip.via-proxy", d.IP.ViaProxy)

	v.SetDefault("api.listen", d.API.Listen)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.enable-file", d.Logging.EnableFile)
	v.SetDefault("logging.enable-console", d.Logging.EnableConsole)
	v.SetDefault("logging.filename", d.Logging.Filename)
	v.SetDefault("logging.log-dir", d.Logging.LogDir)
	v.SetDefault("logging.max-size", d.Logging.MaxSize)
	v.SetDefault("logging.max-backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max-age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.json-format", d.Logging.JSONFormat)
}

// Load reads the settings. An explicit configFile must exist; otherwise
// config.json is looked up in the data dir and the working directory and
// its absence is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		if dataDir := v.GetString("data-dir"); dataDir != "" {
			v.AddConfigPath(expandHome(dataDir))
		} else if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, defaultDataDirName))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
