package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/clawgate/internal/gateway"
)

// Environment overrides applied after the file is read.
const (
	EnvToken = "OPENCLAW_TOKEN"
	EnvURL   = "OPENCLAW_GATEWAY_URL"
)

type Gateway struct {
	URL           string   `yaml:"url"`
	Token         string   `yaml:"token"`
	ClientID      string   `yaml:"client_id"`
	DisplayName   string   `yaml:"display_name"`
	ClientVersion string   `yaml:"client_version"`
	Platform      string   `yaml:"platform"`
	Mode          string   `yaml:"mode"`
	Role          string   `yaml:"role"`
	Scopes        []string `yaml:"scopes"`
	Origin        string   `yaml:"origin"`

	HandshakeDelayMs     int `yaml:"handshake_delay_ms"`
	ReconnectInitialMs   int `yaml:"reconnect_initial_ms"`
	ReconnectMaxMs       int `yaml:"reconnect_max_ms"`
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"` // -1 retries forever
	TickIntervalMs       int `yaml:"default_tick_interval_ms"`
	RequestTimeoutMs     int `yaml:"request_timeout_ms"` // 0 waits for close

	ReconnectDisabled bool    `yaml:"reconnect_disabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // 0 disables the limiter
	RequestBurst      int     `yaml:"request_burst"`
	MaxPayloadBytes   int64   `yaml:"max_payload_bytes"`
}

type Relay struct {
	ListenAddr      string `yaml:"listen_addr"`
	ConnectWaitMs   int    `yaml:"connect_wait_ms"`
	StreamTimeoutMs int    `yaml:"stream_timeout_ms"`
	HistoryLimit    int    `yaml:"history_limit"`
}

type Stub struct {
	ListenAddr     string `yaml:"listen_addr"`
	Token          string `yaml:"token"`
	TickIntervalMs int    `yaml:"tick_interval_ms"`
	ChunkDelayMs   int    `yaml:"chunk_delay_ms"`
}

type Journal struct {
	Path string `yaml:"path"`
}

type Root struct {
	LogLevel string  `yaml:"log_level"`
	Gateway  Gateway `yaml:"gateway"`
	Relay    Relay   `yaml:"relay"`
	Stub     Stub    `yaml:"stub"`
	Journal  Journal `yaml:"journal"`
}

// Load reads the YAML file at path and fills defaults. An empty path yields
// the defaults alone. Environment overrides win over the file.
func Load(path string) (Root, error) {
	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, err
		}
	}

	if v := os.Getenv(EnvToken); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv(EnvURL); v != "" {
		c.Gateway.URL = v
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	// Gateway defaults
	if c.Gateway.URL == "" {
		c.Gateway.URL = gateway.DefaultURL
	}
	if c.Gateway.HandshakeDelayMs == 0 {
		c.Gateway.HandshakeDelayMs = 750
	}
	if c.Gateway.ReconnectInitialMs == 0 {
		c.Gateway.ReconnectInitialMs = 1000
	}
	if c.Gateway.ReconnectMaxMs == 0 {
		c.Gateway.ReconnectMaxMs = 30000
	}
	if c.Gateway.ReconnectMaxAttempts == 0 {
		c.Gateway.ReconnectMaxAttempts = 10
	}
	if c.Gateway.TickIntervalMs == 0 {
		c.Gateway.TickIntervalMs = 30000
	}

	// Relay defaults
	if c.Relay.ListenAddr == "" {
		c.Relay.ListenAddr = ":3005"
	}
	if c.Relay.ConnectWaitMs == 0 {
		c.Relay.ConnectWaitMs = 15000
	}
	if c.Relay.StreamTimeoutMs == 0 {
		c.Relay.StreamTimeoutMs = 600000
	}
	if c.Relay.HistoryLimit == 0 {
		c.Relay.HistoryLimit = 100
	}

	// Stub defaults
	if c.Stub.ListenAddr == "" {
		c.Stub.ListenAddr = ":18789"
	}
	if c.Stub.Token == "" {
		c.Stub.Token = "dev-token"
	}
	if c.Stub.TickIntervalMs == 0 {
		c.Stub.TickIntervalMs = 30000
	}
	if c.Stub.ChunkDelayMs == 0 {
		c.Stub.ChunkDelayMs = 50
	}

	return c, nil
}

// ClientConfig converts the gateway section to the client's Config.
func (g Gateway) ClientConfig() gateway.Config {
	return gateway.Config{
		URL:                 g.URL,
		Token:               g.Token,
		ClientID:            g.ClientID,
		DisplayName:         g.DisplayName,
		ClientVersion:       g.ClientVersion,
		Platform:            g.Platform,
		Mode:                g.Mode,
		Role:                g.Role,
		Scopes:              g.Scopes,
		Origin:              g.Origin,
		HandshakeDelay:      ms(g.HandshakeDelayMs),
		DefaultTickInterval: ms(g.TickIntervalMs),
		RequestTimeout:      ms(g.RequestTimeoutMs),
		RequestsPerSecond:   g.RequestsPerSecond,
		RequestBurst:        g.RequestBurst,
		MaxPayload:          g.MaxPayloadBytes,
		Reconnect: gateway.ReconnectConfig{
			InitialDelay: ms(g.ReconnectInitialMs),
			MaxDelay:     ms(g.ReconnectMaxMs),
			MaxAttempts:  g.ReconnectMaxAttempts,
			Disabled:     g.ReconnectDisabled,
		},
	}
}

func (r Relay) ConnectWait() time.Duration   { return ms(r.ConnectWaitMs) }
func (r Relay) StreamTimeout() time.Duration { return ms(r.StreamTimeoutMs) }
func (s Stub) TickInterval() time.Duration   { return ms(s.TickIntervalMs) }
func (s Stub) ChunkDelay() time.Duration     { return ms(s.ChunkDelayMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
