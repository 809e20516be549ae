// Package config provides configuration management for avsplice using
// Viper. It supports configuration from files, environment variables,
// and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultReassemblerRequired  = 3                // consecutive sync packets
	defaultReassemblerMaxBuffer = 16 * 1024 * 1024 // 16MB
	defaultRingCapacity         = 8192             // packets
	defaultReconnectDelay       = 2 * time.Second
	defaultAudioSyncTimeout     = 5 * time.Second
	defaultMinVideoPESHealthy   = 5
	defaultMinAudioPUSIHealthy  = 2
	defaultMinConsecutiveReady  = 3
	defaultMaxLiveGap           = 2000 * time.Millisecond
	defaultTableReemitInterval  = 100 * time.Millisecond
	defaultHealthTickInterval  = 100 * time.Millisecond
	defaultControlPort          = 9090
	defaultControlReadTimeout   = 10 * time.Second
	defaultControlWriteTimeout  = 10 * time.Second
	defaultControlIdleTimeout   = 60 * time.Second
	defaultShutdownTimeout      = 5 * time.Second
	defaultMonitorMaxEvents     = 256
)

// Config holds all configuration for the application.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Reassembler ReassemblerConfig `mapstructure:"reassembler"`
	Buffer      RollingBufferConfig `mapstructure:"buffer"`
	Failover    FailoverConfig    `mapstructure:"failover"`
	Ingress     IngressConfig     `mapstructure:"ingress"`
	Egress      EgressConfig      `mapstructure:"egress"`
	Control     ControlConfig     `mapstructure:"control"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ReassemblerConfig tunes the per-source TS packet Reassembler
// (internal/splice.Reassembler). Required is the number of consecutive
// aligned packet headers needed to lock sync (a plain count, held in a
// ByteSize); MaxBuffer caps the Reassembler's byte buffer and accepts
// human-readable sizes like "16MB" via ByteSize.
type ReassemblerConfig struct {
	Required  ByteSize `mapstructure:"required"`
	MaxBuffer ByteSize `mapstructure:"max_buffer"`
}

// RollingBufferConfig tunes the per-source packet ring
// (internal/splice.SourceBuffer's ring buffer) used to replay a snapshot
// into a freshly-entered segment.
type RollingBufferConfig struct {
	CapacityPackets int           `mapstructure:"capacity_packets"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
}

// FailoverConfig mirrors internal/splice.FailoverConfig so it can be
// populated from file/env without internal/config importing internal/splice.
type FailoverConfig struct {
	MinVideoPESForHealthy  int           `mapstructure:"min_video_pes_healthy"`
	MinAudioPUSIForHealthy int           `mapstructure:"min_audio_pusi_healthy"`
	MinConsecutiveReady    int           `mapstructure:"min_consecutive_ready"`
	MaxLiveGap             time.Duration `mapstructure:"max_live_gap"`
	AudioSyncTimeout       time.Duration `mapstructure:"audio_sync_timeout"`
	TableReemitInterval    time.Duration `mapstructure:"table_reemit_interval"`
	HealthTickInterval     time.Duration `mapstructure:"health_tick_interval"`
}

// IngressConfig describes the primary/fallback source URIs for live mode
// and the file paths for file mode; avsplice's CLI flags normally
// override these, but they can also be set via config/env for scripted
// deployments.
type IngressConfig struct {
	Primary  string   `mapstructure:"primary"`
	Fallback string   `mapstructure:"fallback"`
	Files    []string `mapstructure:"files"`
}

// EgressConfig selects and configures the output sink
// (internal/egress.Writer, TCP, or subprocess).
type EgressConfig struct {
	// Mode is "stdout", "tcp", or "subprocess".
	Mode string `mapstructure:"mode"`
	// Addr is the dial target when Mode is "tcp".
	Addr string `mapstructure:"addr"`
	// Command is the argv when Mode is "subprocess".
	Command []string `mapstructure:"command"`
}

// ControlConfig holds the optional control-plane HTTP server
// configuration (internal/control). Disabled by default: the splicer
// core must run identically with or without it attached.
type ControlConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MonitorConfig holds the optional diagnostics monitor configuration
// (internal/splice.Monitor).
type MonitorConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	MaxEvents int  `mapstructure:"max_events"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with AVSPLICE_ and use underscores
// for nesting. Example: AVSPLICE_CONTROL_PORT=9090.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/avsplice")
		v.AddConfigPath("$HOME/.avsplice")
	}

	v.SetEnvPrefix("AVSPLICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure
// defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Reassembler defaults
	v.SetDefault("reassembler.required", defaultReassemblerRequired)
	v.SetDefault("reassembler.max_buffer", defaultReassemblerMaxBuffer)

	// Rolling buffer defaults
	v.SetDefault("buffer.capacity_packets", defaultRingCapacity)
	v.SetDefault("buffer.reconnect_delay", defaultReconnectDelay)

	// Failover defaults
	v.SetDefault("failover.min_video_pes_healthy", defaultMinVideoPESHealthy)
	v.SetDefault("failover.min_audio_pusi_healthy", defaultMinAudioPUSIHealthy)
	v.SetDefault("failover.min_consecutive_ready", defaultMinConsecutiveReady)
	v.SetDefault("failover.max_live_gap", defaultMaxLiveGap)
	v.SetDefault("failover.audio_sync_timeout", defaultAudioSyncTimeout)
	v.SetDefault("failover.table_reemit_interval", defaultTableReemitInterval)
	v.SetDefault("failover.health_tick_interval", defaultHealthTickInterval)

	// Egress defaults
	v.SetDefault("egress.mode", "stdout")

	// Control defaults
	v.SetDefault("control.enabled", false)
	v.SetDefault("control.host", "127.0.0.1")
	v.SetDefault("control.port", defaultControlPort)
	v.SetDefault("control.read_timeout", defaultControlReadTimeout)
	v.SetDefault("control.write_timeout", defaultControlWriteTimeout)
	v.SetDefault("control.idle_timeout", defaultControlIdleTimeout)
	v.SetDefault("control.shutdown_timeout", defaultShutdownTimeout)

	// Monitor defaults
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.max_events", defaultMonitorMaxEvents)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Reassembler.Required <= 0 {
		return fmt.Errorf("reassembler.required must be positive")
	}
	if c.Reassembler.MaxBuffer <= c.Reassembler.Required {
		return fmt.Errorf("reassembler.max_buffer must exceed reassembler.required")
	}

	if c.Buffer.CapacityPackets < 1 {
		return fmt.Errorf("buffer.capacity_packets must be at least 1")
	}

	validEgress := map[string]bool{"stdout": true, "tcp": true, "subprocess": true}
	if !validEgress[c.Egress.Mode] {
		return fmt.Errorf("egress.mode must be one of: stdout, tcp, subprocess")
	}
	if c.Egress.Mode == "tcp" && c.Egress.Addr == "" {
		return fmt.Errorf("egress.addr is required when egress.mode is tcp")
	}
	if c.Egress.Mode == "subprocess" && len(c.Egress.Command) == 0 {
		return fmt.Errorf("egress.command is required when egress.mode is subprocess")
	}

	if c.Control.Enabled {
		const maxPort = 65535
		if c.Control.Port < 1 || c.Control.Port > maxPort {
			return fmt.Errorf("control.port must be between 1 and %d", maxPort)
		}
	}

	return nil
}

// Address returns the control server address in host:port format.
func (c *ControlConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
