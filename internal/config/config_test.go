package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.NoError(t, err)
	require.Equal(t, 3000, cfg.Port)
	require.Equal(t, "kick", cfg.Backpressure)
	require.Equal(t, 54*time.Second, cfg.PingPeriod)
	require.Equal(t, uint16(40000), cfg.RTCMinPort)
	require.Empty(t, cfg.Observer.URL)
	require.Equal(t, -1, cfg.Observer.MaxRetryAttempts)
}

func TestLoadServerFileEnvAndFlags(t *testing.T) {
	path := writeConfig(t, `
mode: debug
port: 8080
announced_ip: 203.0.113.7
rtc_min_port: 50000
rtc_max_port: 50100
observer:
  url: ws://observer:4000/
  max_buffer_size: 10
`)
	t.Setenv("HUDDLE_MEDIA_UNIT_ID", "eu-1")
	t.Setenv("HUDDLE_OBSERVER_RETRY_PACE", "3s")

	cfg, err := LoadServer([]string{"--config", path, "--port", "9090"})
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Mode)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, "203.0.113.7", cfg.AnnouncedIP)
	require.Equal(t, uint16(50100), cfg.RTCMaxPort)
	require.Equal(t, "eu-1", cfg.MediaUnitID)
	require.Equal(t, "ws://observer:4000/", cfg.Observer.URL)
	require.Equal(t, 10, cfg.Observer.MaxBufferSize)
	require.Equal(t, 3*time.Second, cfg.Observer.RetryPace)
}

func TestLoadServerRejectsBadPortRange(t *testing.T) {
	path := writeConfig(t, "rtc_min_port: 5000\nrtc_max_port: 4000\n")
	_, err := LoadServer([]string{"--config", path})
	require.Error(t, err)
}

func TestLoadServerRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, "port: [unterminated\n")
	_, err := LoadServer([]string{"--config", path})
	require.Error(t, err)
}

func TestLoadObserver(t *testing.T) {
	t.Setenv("HUDDLE_MAX_DISCONNECTING_TIME", "1m")
	cfg, err := LoadObserver([]string{"--config", filepath.Join(t.TempDir(), "none.yaml"), "--log-level", "debug"})
	require.NoError(t, err)
	require.Equal(t, 4000, cfg.Port)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, time.Minute, cfg.MaxDisconnectingTime)
	require.Equal(t, 54*time.Second, cfg.PingPeriod)
}
