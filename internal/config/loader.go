package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Endpoint == "" {
		errs = append(errs, errors.New("endpoint must be set"))
	} else if u, err := url.Parse(cfg.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("endpoint %q is not a valid URL: %v", cfg.Endpoint, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("endpoint scheme %q must be ws or wss", u.Scheme))
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.TokenEndpoint == "" {
			errs = append(errs, errors.New("auth.token_endpoint must be set when auth is enabled"))
		} else if _, err := url.Parse(cfg.Auth.TokenEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("auth.token_endpoint %q is not a valid URL: %v", cfg.Auth.TokenEndpoint, err))
		}
	}
	if cfg.Auth.RefreshBuffer < 0 {
		errs = append(errs, errors.New("auth.refresh_buffer must not be negative"))
	}

	if cfg.Reconnect.MaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect.max_attempts must not be negative"))
	}
	if cfg.Reconnect.Delay < 0 {
		errs = append(errs, errors.New("reconnect.delay must not be negative"))
	}
	if cfg.Reconnect.ConnectTimeout < 0 {
		errs = append(errs, errors.New("reconnect.connect_timeout must not be negative"))
	}

	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, errors.New("capture.sample_rate must not be negative"))
	}
	if cfg.Capture.Channels < 0 || cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d must be 0 (default), 1, or 2", cfg.Capture.Channels))
	}

	if cfg.Playback.SampleRate < 0 {
		errs = append(errs, errors.New("playback.sample_rate must not be negative"))
	}
	if cfg.Playback.Channels < 0 || cfg.Playback.Channels > 2 {
		errs = append(errs, fmt.Errorf("playback.channels %d must be 0 (default), 1, or 2", cfg.Playback.Channels))
	}
	if cfg.Playback.FadeOut < 0 {
		errs = append(errs, errors.New("playback.fade_out must not be negative"))
	}
	if cfg.Playback.AdvanceDelay < 0 {
		errs = append(errs, errors.New("playback.advance_delay must not be negative"))
	}

	return errors.Join(errs...)
}
