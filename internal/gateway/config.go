package gateway

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Rajchodisetti/clawgate/internal/transport"
)

// Config holds the client's connection settings. Zero values are replaced
// by the defaults below in New.
type Config struct {
	URL   string
	Token string

	// Client descriptor sent in the connect request
	ClientID      string
	DisplayName   string
	ClientVersion string
	Platform      string
	Mode          string
	Role          string
	Scopes        []string
	Origin        string // Origin header for the websocket upgrade

	// HandshakeDelay is how long to wait for a connect.challenge before
	// sending the connect request anyway.
	HandshakeDelay time.Duration

	Reconnect ReconnectConfig

	// DefaultTickInterval applies when hello-ok carries no tickIntervalMs.
	DefaultTickInterval time.Duration
	// MinTickInterval floors the watchdog check period.
	MinTickInterval time.Duration

	// RequestTimeout bounds Request calls whose context has no deadline.
	// Zero means requests wait until a response or connection close.
	RequestTimeout time.Duration

	// RequestsPerSecond limits outbound requests; zero disables the limiter.
	RequestsPerSecond float64
	RequestBurst      int

	MaxPayload int64
}

// ReconnectConfig controls the backoff after an unexpected close.
// MaxAttempts of zero means the default of 10; -1 retries forever.
// Disabled turns automatic reconnection off entirely.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Disabled     bool
}

const (
	DefaultURL            = "ws://localhost:18789"
	defaultClientID       = "webchat-ui"
	defaultDisplayName    = "WhiteNote"
	defaultClientVersion  = "1.0.0"
	defaultPlatform       = "web"
	defaultMode           = "webchat"
	defaultRole           = "operator"
	defaultScope          = "operator.admin"
	defaultOrigin         = "http://localhost:3005"
	defaultHandshakeDelay = 750 * time.Millisecond
	defaultInitialDelay   = time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultMaxAttempts    = 10
	defaultTickInterval   = 30 * time.Second
	minTickInterval       = time.Second
	defaultMaxPayload     = 25 * 1024 * 1024
)

var errMissingToken = errors.New("gateway token is required")

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	if c.DisplayName == "" {
		c.DisplayName = defaultDisplayName
	}
	if c.ClientVersion == "" {
		c.ClientVersion = defaultClientVersion
	}
	if c.Platform == "" {
		c.Platform = defaultPlatform
	}
	if c.Mode == "" {
		c.Mode = defaultMode
	}
	if c.Role == "" {
		c.Role = defaultRole
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{defaultScope}
	}
	if c.Origin == "" {
		c.Origin = defaultOrigin
	}
	if c.HandshakeDelay <= 0 {
		c.HandshakeDelay = defaultHandshakeDelay
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect.InitialDelay = defaultInitialDelay
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = defaultMaxDelay
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		c.Reconnect.MaxDelay = c.Reconnect.InitialDelay
	}
	switch {
	case c.Reconnect.Disabled:
		c.Reconnect.MaxAttempts = 0
	case c.Reconnect.MaxAttempts == 0:
		c.Reconnect.MaxAttempts = defaultMaxAttempts
	}
	if c.DefaultTickInterval <= 0 {
		c.DefaultTickInterval = defaultTickInterval
	}
	if c.MinTickInterval <= 0 {
		c.MinTickInterval = minTickInterval
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = defaultMaxPayload
	}
	if c.RequestsPerSecond > 0 && c.RequestBurst <= 0 {
		c.RequestBurst = 1
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithClock replaces the wall clock driving the handshake delay, reconnect
// backoff and watchdog timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithDialer replaces the default websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithEventHandler sets the initial event handler.
func WithEventHandler(h EventHandler) Option {
	return func(c *Client) {
		c.SetEventHandler(h)
	}
}
