package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lagrange-go/lagrange/pkg/network"
	"github.com/lagrange-go/lagrange/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ntclient.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().HeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, 270*time.Second, cfg.SsoHeartbeatInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.ReconnectDelay)
	assert.True(t, cfg.AutoServer)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
uin = 10001
password = "secret"
platform = "macos"
sign_api = " http://127.0.0.1:8080/api/sign "
auto_server = false
server_host = "127.0.0.1"
server_port = 8080
servers = ["/dns4/msfwifi.3g.qq.com/tcp/8080", "1.2.3.4:443", ""]
heartbeat_interval = "5s"
request_timeout = "2s"
log_level = "debug"
admin_addr = "127.0.0.1:9000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint32(10001), cfg.Uin)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, protocol.PlatformMacOS, cfg.Platform)
	assert.Equal(t, "http://127.0.0.1:8080/api/sign", cfg.SignAPI)
	assert.False(t, cfg.AutoServer)
	assert.Equal(t, "127.0.0.1", cfg.ServerHost)
	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, []network.Endpoint{
		{Host: "msfwifi.3g.qq.com", Port: 8080},
		{Host: "1.2.3.4", Port: 443},
	}, cfg.Servers)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 270*time.Second, cfg.SsoHeartbeatInterval, "undefined keys keep their default")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9000", cfg.AdminAddr)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", `uin = `},
		{"unknown key", `colour = "blue"`},
		{"uin range", `uin = 99999999999`},
		{"platform", `platform = "beos"`},
		{"duration", `heartbeat_interval = "soon"`},
		{"negative duration", `reconnect_delay = "-1s"`},
		{"server", `servers = ["nonsense"]`},
		{"host without port", `server_host = "127.0.0.1"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvUin:      "20002",
		EnvSignAPI:  "http://sign.local",
		EnvLogLevel: "warn",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, uint32(20002), cfg.Uin)
	assert.Equal(t, "http://sign.local", cfg.SignAPI)
	assert.Equal(t, "warn", cfg.LogLevel)

	env[EnvUin] = "not-a-number"
	assert.Error(t, cfg.applyEnv(lookup))
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv(EnvUin, "30003")
	t.Setenv(EnvLogLevel, "error")
	cfg, err := Load(writeConfig(t, "uin = 10001\nlog_level = \"debug\"\n"))
	require.NoError(t, err)
	assert.Equal(t, uint32(30003), cfg.Uin)
	assert.Equal(t, "error", cfg.LogLevel)
}
