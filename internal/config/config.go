// Package config provides the configuration schema and loader for the
// Voicewire session engine.
package config

import "time"

// LogLevel controls log verbosity for the engine.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Voicewire.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Endpoint is the voice service's streaming WebSocket URL
	// (e.g., "wss://voice.example.com/stream").
	Endpoint string `yaml:"endpoint"`

	Auth      AuthConfig      `yaml:"auth"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AuthConfig configures session-token authentication. When disabled, the
// transport is opened without a credential parameter.
type AuthConfig struct {
	// Enabled turns token authentication on.
	Enabled bool `yaml:"enabled"`

	// TokenEndpoint is the HTTP endpoint that issues short-lived session
	// tokens. Required when Enabled.
	TokenEndpoint string `yaml:"token_endpoint"`

	// Headers are custom headers sent on every token request (e.g., an API
	// key for the issuer).
	Headers map[string]string `yaml:"headers"`

	// RefreshBuffer is how long before expiry a cached token is treated as
	// stale. Defaults to 30s when zero.
	RefreshBuffer time.Duration `yaml:"refresh_buffer"`

	// TokenParam is the query parameter name carrying the credential on the
	// connection URL. Defaults to "token".
	TokenParam string `yaml:"token_param"`
}

// ReconnectConfig bounds automatic reconnection after abnormal transport
// closes.
type ReconnectConfig struct {
	// MaxAttempts is the number of reconnection attempts before the
	// controller gives up and settles in the disconnected state.
	// Defaults to 5 when zero.
	MaxAttempts int `yaml:"max_attempts"`

	// Delay is the fixed wait between attempts. The delay is constant, not
	// exponential. Defaults to 2s when zero.
	Delay time.Duration `yaml:"delay"`

	// ConnectTimeout bounds the whole connect sequence during start-up.
	// Defaults to 5s when zero.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// CaptureConfig configures the microphone capture engine.
type CaptureConfig struct {
	// SampleRate in Hz for capture. Defaults to 16000.
	SampleRate int `yaml:"sample_rate"`

	// Channels for capture (1 = mono). Defaults to 1.
	Channels int `yaml:"channels"`

	// Device selects a capture device by name substring. Empty selects the
	// system default.
	Device string `yaml:"device"`
}

// PlaybackConfig configures the output device and interruption behaviour.
type PlaybackConfig struct {
	// SampleRate in Hz of the output device. Decoded segments are resampled
	// to this rate. Defaults to 24000.
	SampleRate int `yaml:"sample_rate"`

	// Channels of the output device. Defaults to 1.
	Channels int `yaml:"channels"`

	// FadeOut is the gain-ramp duration applied when the server signals an
	// interruption. Defaults to 150ms.
	FadeOut time.Duration `yaml:"fade_out"`

	// AdvanceDelay is the pause before the scheduler retries the next
	// segment after a decode or device failure. Defaults to 250ms.
	AdvanceDelay time.Duration `yaml:"advance_delay"`
}

// MetricsConfig configures the optional Prometheus scrape endpoint.
type MetricsConfig struct {
	// ListenAddr is the TCP address for the /metrics endpoint (e.g.,
	// ":9464"). Empty disables the listener; metrics are still recorded.
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns a Config with the documented defaults applied. The endpoint
// has no default and must be set before the config validates.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = LogInfo
	}
	if c.Auth.RefreshBuffer == 0 {
		c.Auth.RefreshBuffer = 30 * time.Second
	}
	if c.Auth.TokenParam == "" {
		c.Auth.TokenParam = "token"
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 5
	}
	if c.Reconnect.Delay == 0 {
		c.Reconnect.Delay = 2 * time.Second
	}
	if c.Reconnect.ConnectTimeout == 0 {
		c.Reconnect.ConnectTimeout = 5 * time.Second
	}
	if c.Capture.SampleRate == 0 {
		c.Capture.SampleRate = 16000
	}
	if c.Capture.Channels == 0 {
		c.Capture.Channels = 1
	}
	if c.Playback.SampleRate == 0 {
		c.Playback.SampleRate = 24000
	}
	if c.Playback.Channels == 0 {
		c.Playback.Channels = 1
	}
	if c.Playback.FadeOut == 0 {
		c.Playback.FadeOut = 150 * time.Millisecond
	}
	if c.Playback.AdvanceDelay == 0 {
		c.Playback.AdvanceDelay = 250 * time.Millisecond
	}
}
