package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultDataDirName = ".countryvpn"
	defaultServersFile = "servers.json"
	defaultLookupURL   = "https://api.ipify.org?format=json"
	defaultGeoURL      = "https://ipapi.co/%s/json/"
	defaultMinVersion  = "3.7"
	defaultScriptName  = "socks5_proxy.py"
)

// Config represents the application settings. The server list itself lives
// in the catalog document (servers.json), not here.
type Config struct {
	DataDir     string `json:"data_dir" mapstructure:"data-dir"`
	ServersFile string `json:"servers_file" mapstructure:"servers-file"`
	EnableTray  bool   `json:"enable_tray" mapstructure:"tray"`

	Proxy    *ProxyConfig   `json:"proxy,omitempty" mapstructure:"proxy"`
	Timeouts *TimeoutConfig `json:"timeouts,omitempty" mapstructure:"timeouts"`
	IP       *IPConfig      `json:"ip,omitempty" mapstructure:"ip"`
	API      *APIConfig     `json:"api,omitempty" mapstructure:"api"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// ProxyConfig describes how the external SOCKS5 proxy script is launched.
type ProxyConfig struct {
	// Interpreter is an explicit runtime path. When empty the candidates are tried in order.
	Interpreter           string   `json:"interpreter,omitempty" mapstructure:"interpreter"`
	InterpreterCandidates []string `json:"interpreter_candidates,omitempty" mapstructure:"interpreter-candidates"`
	MinVersion            string   `json:"min_version,omitempty" mapstructure:"min-version"`

	Script      string   `json:"script,omitempty" mapstructure:"script"`
	ScriptPaths []string `json:"script_paths,omitempty" mapstructure:"script-paths"`

	// LocalPort is the SOCKS5 listen port handed to the script. Zero means
	// "not set", in which case the catalog's settings.proxy_port or 1080 is used.
	LocalPort int `json:"local_port,omitempty" mapstructure:"local-port"`
}

// TimeoutConfig holds the tunable time bounds of the session, prober and resolver.
type TimeoutConfig struct {
	GracePeriod  time.Duration `json:"grace_period" mapstructure:"grace-period"`
	Echo         time.Duration `json:"echo" mapstructure:"echo"`
	Connect      time.Duration `json:"connect" mapstructure:"connect"`
	HTTP         time.Duration `json:"http" mapstructure:"http"`
	Stop         time.Duration `json:"stop" mapstructure:"stop"`
	IPCheckDelay time.Duration `json:"ip_check_delay" mapstructure:"ip-check-delay"`
}

// IPConfig configures the public IP lookup and geolocation collaborators.
type IPConfig struct {
	LookupURL string `json:"lookup_url" mapstructure:"lookup-url"`
	// GeoURL is a fmt template receiving the address, e.g. https://ipapi.co/%s/json/
	GeoURL string `json:"geo_url" mapstructure:"geo-url"`
	// ViaProxy routes lookups through the local SOCKS5 listener while connected.
	ViaProxy bool `json:"via_proxy" mapstructure:"via-proxy"`
}

// APIConfig configures the optional local control API.
type APIConfig struct {
	Listen string `json:"listen,omitempty" mapstructure:"listen"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"` // Custom log directory
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`         // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`   // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`           // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// DefaultProxyConfig returns the launch settings used by the original shell.
func DefaultProxyConfig() *ProxyConfig {
	return &ProxyConfig{
		InterpreterCandidates: DefaultInterpreterCandidates(),
		MinVersion:            defaultMinVersion,
		Script:                "",
		ScriptPaths: []string{
			filepath.Join("..", "..", "..", defaultScriptName),
			defaultScriptName,
		},
	}
}

// DefaultInterpreterCandidates lists the runtimes probed when no interpreter is configured.
func DefaultInterpreterCandidates() []string {
	return []string{
		"python",
		"python3",
		"py",
		`C:\Python39\python.exe`,
		`C:\Python310\python.exe`,
		`C:\Python311\python.exe`,
		`C:\Python312\python.exe`,
		`C:\Program Files\Python39\python.exe`,
		`C:\Program Files\Python310\python.exe`,
		`C:\Program Files\Python311\python.exe`,
		`C:\Program Files\Python312\python.exe`,
	}
}

// DefaultTimeoutConfig returns the reference time bounds.
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		GracePeriod:  DefaultGracePeriod,
		Echo:         DefaultEchoTimeout,
		Connect:      DefaultConnectTimeout,
		HTTP:         DefaultHTTPTimeout,
		Stop:         DefaultStopTimeout,
		IPCheckDelay: DefaultIPCheckDelay,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:         "info",
		EnableFile:    false,
		EnableConsole: true,
		Filename:      "countryvpn.log",
		MaxSize:       10, // 10MB
		MaxBackups:    5,
		MaxAge:        30, // 30 days
		Compress:      true,
		JSONFormat:    false,
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir:     "", // resolved to ~/.countryvpn by Validate
		ServersFile: "",
		EnableTray:  true,
		Proxy:       DefaultProxyConfig(),
		Timeouts:    DefaultTimeoutConfig(),
		IP: &IPConfig{
			LookupURL: defaultLookupURL,
			GeoURL:    defaultGeoURL,
			ViaProxy:  false,
		},
		API:     &APIConfig{},
		Logging: DefaultLogConfig(),
	}
}

// Validate fills in defaults for unset values and rejects values that cannot work.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, defaultDataDirName)
	} else {
		c.DataDir = expandHome(c.DataDir)
	}
	if c.ServersFile != "" {
		c.ServersFile = expandHome(c.ServersFile)
	}

	if c.Proxy == nil {
		c.Proxy = DefaultProxyConfig()
	}
	if len(c.Proxy.InterpreterCandidates) == 0 {
		c.Proxy.InterpreterCandidates = DefaultInterpreterCandidates()
	}
	if c.Proxy.MinVersion == "" {
		c.Proxy.MinVersion = defaultMinVersion
	}
	if len(c.Proxy.ScriptPaths) == 0 {
		c.Proxy.ScriptPaths = DefaultProxyConfig().ScriptPaths
	}
	if c.Proxy.LocalPort < 0 || c.Proxy.LocalPort > 65535 {
		return fmt.Errorf("proxy.local-port %d out of range (1-65535)", c.Proxy.LocalPort)
	}

	if c.Timeouts == nil {
		c.Timeouts = DefaultTimeoutConfig()
	}
	defaults := DefaultTimeoutConfig()
	fillDuration(&c.Timeouts.GracePeriod, defaults.GracePeriod)
	fillDuration(&c.Timeouts.Echo, defaults.Echo)
	fillDuration(&c.Timeouts.Connect, defaults.Connect)
	fillDuration(&c.Timeouts.HTTP, defaults.HTTP)
	fillDuration(&c.Timeouts.Stop, defaults.Stop)
	if c.Timeouts.IPCheckDelay < 0 {
		c.Timeouts.IPCheckDelay = 0
	}

	if c.IP == nil {
		c.IP = &IPConfig{}
	}
	if c.IP.LookupURL == "" {
		c.IP.LookupURL = defaultLookupURL
	}
	if c.IP.GeoURL == "" {
		c.IP.GeoURL = defaultGeoURL
	}
	if !strings.Contains(c.IP.GeoURL, "%s") {
		return fmt.Errorf("ip.geo-url must contain a %%s placeholder for the address: %q", c.IP.GeoURL)
	}

	if c.API == nil {
		c.API = &APIConfig{}
	}

	if c.Logging == nil {
		c.Logging = DefaultLogConfig()
	}
	if c.Logging.Filename == "" {
		c.Logging.Filename = "countryvpn.log"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	return nil
}

// EffectiveLocalPort returns the SOCKS5 listen port. An explicit setting wins,
// then the catalog's advisory proxy_port, then DefaultLocalPort.
func (c *Config) EffectiveLocalPort(catalogProxyPort int) int {
	if c.Proxy != nil && c.Proxy.LocalPort > 0 {
		return c.Proxy.LocalPort
	}
	if catalogProxyPort > 0 && catalogProxyPort <= 65535 {
		return catalogProxyPort
	}
	return DefaultLocalPort
}

// HistoryPath returns the location of the connection history database.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

func fillDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
