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
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	assert.Equal(t, ByteSize(3), cfg.Reassembler.Required)
	assert.Equal(t, ByteSize(16*1024*1024), cfg.Reassembler.MaxBuffer)

	assert.Equal(t, 8192, cfg.Buffer.CapacityPackets)
	assert.Equal(t, 2*time.Second, cfg.Buffer.ReconnectDelay)

	assert.Equal(t, 5, cfg.Failover.MinVideoPESForHealthy)
	assert.Equal(t, 2, cfg.Failover.MinAudioPUSIForHealthy)
	assert.Equal(t, 3, cfg.Failover.MinConsecutiveReady)
	assert.Equal(t, 2000*time.Millisecond, cfg.Failover.MaxLiveGap)
	assert.Equal(t, 5*time.Second, cfg.Failover.AudioSyncTimeout)

	assert.Equal(t, "stdout", cfg.Egress.Mode)

	assert.False(t, cfg.Control.Enabled)
	assert.Equal(t, 9090, cfg.Control.Port)

	assert.True(t, cfg.Monitor.Enabled)
	assert.Equal(t, 256, cfg.Monitor.MaxEvents)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "debug"
  format: "json"

reassembler:
  required: 2097152
  max_buffer: 33554432

egress:
  mode: "tcp"
  addr: "127.0.0.1:9999"

control:
  enabled: true
  port: 9191
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, ByteSize(2097152), cfg.Reassembler.Required)
	assert.Equal(t, ByteSize(33554432), cfg.Reassembler.MaxBuffer)
	assert.Equal(t, "tcp", cfg.Egress.Mode)
	assert.Equal(t, "127.0.0.1:9999", cfg.Egress.Addr)
	assert.True(t, cfg.Control.Enabled)
	assert.Equal(t, 9191, cfg.Control.Port)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("AVSPLICE_LOGGING_LEVEL", "warn")
	t.Setenv("AVSPLICE_EGRESS_MODE", "tcp")
	t.Setenv("AVSPLICE_EGRESS_ADDR", "127.0.0.1:9999")
	t.Setenv("AVSPLICE_CONTROL_PORT", "3000")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "tcp", cfg.Egress.Mode)
	assert.Equal(t, "127.0.0.1:9999", cfg.Egress.Addr)
	assert.Equal(t, 3000, cfg.Control.Port)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "info"
egress:
  mode: "stdout"
`
	err := os.WriteFile(configPath, []byte(configContent), 0o600)
	require.NoError(t, err)

	t.Setenv("AVSPLICE_LOGGING_LEVEL", "error")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, "stdout", cfg.Egress.Mode)
}

func validTestConfig() *Config {
	cfg := &Config{}
	cfg.Logging = LoggingConfig{Level: "info", Format: "json"}
	cfg.Reassembler = ReassemblerConfig{Required: 1024 * 1024, MaxBuffer: 16 * 1024 * 1024}
	cfg.Buffer = RollingBufferConfig{CapacityPackets: 8192, ReconnectDelay: 2 * time.Second}
	cfg.Egress = EgressConfig{Mode: "stdout"}
	cfg.Control = ControlConfig{Enabled: false, Port: 9090}
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validTestConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := validTestConfig()
	cfg.Logging.Level = "invalid"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := validTestConfig()
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "logging.format")
}

func TestValidate_ReassemblerBufferTooSmall(t *testing.T) {
	cfg := validTestConfig()
	cfg.Reassembler.MaxBuffer = cfg.Reassembler.Required
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reassembler.max_buffer")
}

func TestValidate_InvalidEgressMode(t *testing.T) {
	cfg := validTestConfig()
	cfg.Egress.Mode = "carrier-pigeon"
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "egress.mode")
}

func TestValidate_TCPEgressRequiresAddr(t *testing.T) {
	cfg := validTestConfig()
	cfg.Egress = EgressConfig{Mode: "tcp"}
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "egress.addr")
}

func TestValidate_SubprocessEgressRequiresCommand(t *testing.T) {
	cfg := validTestConfig()
	cfg.Egress = EgressConfig{Mode: "subprocess"}
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "egress.command")
}

func TestValidate_ControlPortRange(t *testing.T) {
	cfg := validTestConfig()
	cfg.Control.Enabled = true
	cfg.Control.Port = 0
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "control.port")
}

func TestControlConfig_Address(t *testing.T) {
	cfg := &ControlConfig{Host: "127.0.0.1", Port: 9090}
	assert.Equal(t, "127.0.0.1:9090", cfg.Address())
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidContent := `
logging:
  level: "info"
  invalid yaml structure
`
	err := os.WriteFile(configPath, []byte(invalidContent), 0o600)
	require.NoError(t, err)

	_, err = Load(configPath)
	assert.Error(t, err)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
