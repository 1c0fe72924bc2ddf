// Package config provides configuration management for cdbsrv.
// It supports loading configuration from environment variables, config
// files, and defaults, via github.com/spf13/viper.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for cdbsrv.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Session  SessionConfig  `mapstructure:"session"`
	Debugger DebuggerConfig `mapstructure:"debugger"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Audit    AuditConfig    `mapstructure:"audit"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds reference REST transport configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MCPConfig holds the reference MCP tool-server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SessionConfig is the SessionConfiguration of spec §3: immutable per
// process, governing every session's queue, cache, and recovery tuning.
type SessionConfig struct {
	MaxConcurrentSessions   int           `mapstructure:"maxConcurrentSessions"`
	IdleTimeout             time.Duration `mapstructure:"idleTimeout"`
	SweeperInterval         time.Duration `mapstructure:"sweeperInterval"`
	CacheMemoryCapBytes     int64         `mapstructure:"cacheMemoryCapBytes"`
	CacheMaxRecords         int           `mapstructure:"cacheMaxRecords"`
	DefaultCommandTimeout   time.Duration `mapstructure:"defaultCommandTimeout"`
	ShortCommandTimeout     time.Duration `mapstructure:"shortCommandTimeout"`
	LongCommandTimeout      time.Duration `mapstructure:"longCommandTimeout"`
	ChildStartTimeout       time.Duration `mapstructure:"childStartTimeout"`
	OutputReadTimeout       time.Duration `mapstructure:"outputReadTimeout"`
	SymbolServerTimeout     time.Duration `mapstructure:"symbolServerTimeout"`
	SymbolServerRetries     int           `mapstructure:"symbolServerRetries"`
	HealthCacheTTL          time.Duration `mapstructure:"healthCacheTTL"`
	HealthProbeTimeout      time.Duration `mapstructure:"healthProbeTimeout"`
	RestartSettleDelay      time.Duration `mapstructure:"restartSettleDelay"`
	MaxConsecutiveRecoveries int          `mapstructure:"maxConsecutiveRecoveries"`
	CreateReadyPollTimeout  time.Duration `mapstructure:"createReadyPollTimeout"`
	StopGracePeriod         time.Duration `mapstructure:"stopGracePeriod"`
}

// DebuggerConfig locates and configures the debugger binary.
type DebuggerConfig struct {
	BinaryPath         string   `mapstructure:"binaryPath"`
	BinaryEnvVar       string   `mapstructure:"binaryEnvVar"`
	InstallLocations   []string `mapstructure:"installLocations"`
	LogRoot            string   `mapstructure:"logRoot"`
	UsePTY             bool     `mapstructure:"usePty"`
	UseSentinels       bool     `mapstructure:"useSentinels"`
}

// NATSConfig holds NATS messaging configuration; an empty URL selects the
// in-memory notification bus instead, exactly the teacher's fallback rule.
type NATSConfig struct {
	URL      string `mapstructure:"url"`
	ClientID string `mapstructure:"clientId"`
}

// AuditConfig configures the sqlite-backed audit sink.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DockerConfig holds configuration for the optional containerized debugger
// child launch profile.
type DockerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Image   string `mapstructure:"image"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	v.SetDefault("session.maxConcurrentSessions", 10)
	v.SetDefault("session.idleTimeout", 30*time.Minute)
	v.SetDefault("session.sweeperInterval", 30*time.Second)
	v.SetDefault("session.cacheMemoryCapBytes", int64(100*1024*1024))
	v.SetDefault("session.cacheMaxRecords", 1000)
	v.SetDefault("session.defaultCommandTimeout", 10*time.Minute)
	v.SetDefault("session.shortCommandTimeout", 2*time.Minute)
	v.SetDefault("session.longCommandTimeout", 30*time.Minute)
	v.SetDefault("session.childStartTimeout", 60*time.Second)
	v.SetDefault("session.outputReadTimeout", 10*time.Second)
	v.SetDefault("session.symbolServerTimeout", 60*time.Second)
	v.SetDefault("session.symbolServerRetries", 3)
	v.SetDefault("session.healthCacheTTL", 30*time.Second)
	v.SetDefault("session.healthProbeTimeout", 10*time.Second)
	v.SetDefault("session.restartSettleDelay", 2*time.Second)
	v.SetDefault("session.maxConsecutiveRecoveries", 3)
	v.SetDefault("session.createReadyPollTimeout", 15*time.Second)
	v.SetDefault("session.stopGracePeriod", 5*time.Second)

	v.SetDefault("debugger.binaryPath", "")
	v.SetDefault("debugger.binaryEnvVar", "CDBSRV_DEBUGGER_BIN")
	v.SetDefault("debugger.installLocations", defaultInstallLocations())
	v.SetDefault("debugger.logRoot", "./Sessions")
	v.SetDefault("debugger.usePty", false)
	v.SetDefault("debugger.useSentinels", true)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cdbsrv")

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.path", "./cdbsrv-audit.db")

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.image", "cdbsrv/debugger:latest")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func detectDefaultLogFormat() string {
	return "text"
}

func defaultDockerHost() string {
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

func defaultInstallLocations() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`C:\Program Files (x86)\Windows Kits\10\Debuggers\x64`,
			`C:\Program Files\Windows Kits\10\Debuggers\x64`,
		}
	}
	return []string{"/usr/bin", "/usr/local/bin", "/opt/homebrew/bin"}
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CDBSRV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cdbsrv/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Session.MaxConcurrentSessions <= 0 {
		errs = append(errs, "session.maxConcurrentSessions must be positive")
	}
	if cfg.Session.CacheMaxRecords <= 0 {
		errs = append(errs, "session.cacheMaxRecords must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
