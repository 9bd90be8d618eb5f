// Package config loads the ntclient TOML file and its environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lagrange-go/lagrange/pkg/network"
	"github.com/lagrange-go/lagrange/pkg/protocol"
)

// Environment overrides.
const (
	EnvUin      = "NTCLIENT_UIN"
	EnvSignAPI  = "NTCLIENT_SIGN_API"
	EnvLogLevel = "NTCLIENT_LOG_LEVEL"
)

// Config is the resolved client configuration.
type Config struct {
	Uin        uint32
	Password   string
	Platform   protocol.Platform
	SignAPI    string
	AutoServer bool
	ServerHost string
	ServerPort int
	Servers    []network.Endpoint
	DNSServer  string
	DataDir    string
	LogLevel   string
	LogPretty  bool
	AdminAddr  string

	HeartbeatInterval    time.Duration
	SsoHeartbeatInterval time.Duration
	ReconnectDelay       time.Duration
	RequestTimeout       time.Duration
}

// Default mirrors the official client's intervals.
func Default() Config {
	return Config{
		Platform:             protocol.PlatformLinux,
		AutoServer:           true,
		DataDir:              "data",
		LogLevel:             "info",
		LogPretty:            true,
		HeartbeatInterval:    10 * time.Second,
		SsoHeartbeatInterval: 270 * time.Second,
		ReconnectDelay:       50 * time.Millisecond,
		RequestTimeout:       5 * time.Second,
	}
}

type fileConfig struct {
	Uin                  int64    `toml:"uin"`
	Password             string   `toml:"password"`
	Platform             string   `toml:"platform"`
	SignAPI              string   `toml:"sign_api"`
	AutoServer           bool     `toml:"auto_server"`
	ServerHost           string   `toml:"server_host"`
	ServerPort           int      `toml:"server_port"`
	Servers              []string `toml:"servers"`
	DNSServer            string   `toml:"dns_server"`
	DataDir              string   `toml:"data_dir"`
	LogLevel             string   `toml:"log_level"`
	LogPretty            bool     `toml:"log_pretty"`
	AdminAddr            string   `toml:"admin_addr"`
	HeartbeatInterval    string   `toml:"heartbeat_interval"`
	SsoHeartbeatInterval string   `toml:"sso_heartbeat_interval"`
	ReconnectDelay       string   `toml:"reconnect_delay"`
	RequestTimeout       string   `toml:"request_timeout"`
}

// Load merges the file at path over Default, then applies the environment.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (cfg *Config) mergeFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("uin") {
		if raw.Uin <= 0 || raw.Uin > int64(^uint32(0)) {
			return fmt.Errorf("uin %d out of range", raw.Uin)
		}
		cfg.Uin = uint32(raw.Uin)
	}
	if meta.IsDefined("password") {
		cfg.Password = raw.Password
	}
	if meta.IsDefined("platform") {
		p, err := protocol.ParsePlatform(raw.Platform)
		if err != nil {
			return err
		}
		cfg.Platform = p
	}
	if meta.IsDefined("sign_api") {
		cfg.SignAPI = strings.TrimSpace(raw.SignAPI)
	}
	if meta.IsDefined("auto_server") {
		cfg.AutoServer = raw.AutoServer
	}
	if meta.IsDefined("server_host") {
		cfg.ServerHost = strings.TrimSpace(raw.ServerHost)
	}
	if meta.IsDefined("server_port") {
		cfg.ServerPort = raw.ServerPort
	}
	if meta.IsDefined("servers") {
		cfg.Servers = cfg.Servers[:0]
		for _, s := range raw.Servers {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			ep, err := network.ParseEndpoint(s)
			if err != nil {
				return fmt.Errorf("parse servers: %w", err)
			}
			cfg.Servers = append(cfg.Servers, ep)
		}
	}
	if meta.IsDefined("dns_server") {
		cfg.DNSServer = strings.TrimSpace(raw.DNSServer)
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = raw.DataDir
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = raw.LogLevel
	}
	if meta.IsDefined("log_pretty") {
		cfg.LogPretty = raw.LogPretty
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"sso_heartbeat_interval", raw.SsoHeartbeatInterval, &cfg.SsoHeartbeatInterval},
		{"reconnect_delay", raw.ReconnectDelay, &cfg.ReconnectDelay},
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvUin); ok && v != "" {
		uin, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvUin, err)
		}
		cfg.Uin = uint32(uin)
	}
	if v, ok := lookup(EnvSignAPI); ok {
		cfg.SignAPI = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.LogLevel = v
	}
	return nil
}

// Validate checks the fields a session cannot start without.
func (cfg Config) Validate() error {
	if (cfg.ServerHost == "") != (cfg.ServerPort == 0) {
		return fmt.Errorf("server_host and server_port must be set together")
	}
	if cfg.ServerPort < 0 || cfg.ServerPort > 65535 {
		return fmt.Errorf("server_port %d out of range", cfg.ServerPort)
	}
	for name, d := range map[string]time.Duration{
		"heartbeat_interval":     cfg.HeartbeatInterval,
		"sso_heartbeat_interval": cfg.SsoHeartbeatInterval,
		"reconnect_delay":        cfg.ReconnectDelay,
		"request_timeout":        cfg.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
