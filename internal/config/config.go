package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all client configuration.
type Config struct {
	// APIBaseURL is the REST boundary that owns call records.
	APIBaseURL string `env:"TELECALL_API_URL" envDefault:"http://localhost:8080/api"`
	// SignalingURL is the per-call signaling socket endpoint. The call id and
	// auth token are appended as query parameters when dialing.
	SignalingURL string `env:"TELECALL_SIGNALING_URL" envDefault:"ws://localhost:8080/ws/call"`
	// NotifyURL is the per-user incoming-call notification socket endpoint.
	NotifyURL string `env:"TELECALL_NOTIFY_URL" envDefault:"ws://localhost:8080/ws/notifications"`
	// AuthToken is the bearer credential presented to both sockets and the
	// REST boundary.
	AuthToken string `env:"TELECALL_AUTH_TOKEN"`

	ICEServers []string `env:"TELECALL_ICE_SERVERS" envSeparator:","`

	MediaConfig  MediaConfig
	ReleaseRetry RetryPolicy
	RequestRetry RetryPolicy

	DialTimeout time.Duration `env:"TELECALL_DIAL_TIMEOUT" envDefault:"10s"`
	HealthCheck time.Duration `env:"TELECALL_HEALTH_INTERVAL" envDefault:"3s"`
}

// MediaConfig carries local capture quality hints.
type MediaConfig struct {
	Width        int `env:"TELECALL_VIDEO_WIDTH" envDefault:"640"`
	Height       int `env:"TELECALL_VIDEO_HEIGHT" envDefault:"480"`
	Framerate    int `env:"TELECALL_VIDEO_FPS" envDefault:"25"`
	VideoBitRate int `env:"TELECALL_VIDEO_BITRATE" envDefault:"500000"`
	AudioBitRate int `env:"TELECALL_AUDIO_BITRATE" envDefault:"32000"`
	SampleRate   int `env:"TELECALL_AUDIO_SAMPLE_RATE" envDefault:"48000"`
}

// RetryPolicy is a bounded exponential-backoff policy. It is injected into
// the components that retry (device release coaxing, REST queries) so the
// policy is testable on its own rather than living as magic numbers.
type RetryPolicy struct {
	MaxAttempts uint64        `env:"MAX_ATTEMPTS" envDefault:"4"`
	BaseDelay   time.Duration `env:"BASE_DELAY" envDefault:"200ms"`
	Multiplier  float64       `env:"MULTIPLIER" envDefault:"2.0"`
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		APIBaseURL:   "http://localhost:8080/api",
		SignalingURL: "ws://localhost:8080/ws/call",
		NotifyURL:    "ws://localhost:8080/ws/notifications",
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		MediaConfig: MediaConfig{
			Width:        640,
			Height:       480,
			Framerate:    25,
			VideoBitRate: 500_000,
			AudioBitRate: 32_000,
			SampleRate:   48_000,
		},
		ReleaseRetry: RetryPolicy{
			MaxAttempts: 4,
			BaseDelay:   200 * time.Millisecond,
			Multiplier:  2.0,
		},
		RequestRetry: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   250 * time.Millisecond,
			Multiplier:  2.0,
		},
		DialTimeout: 10 * time.Second,
		HealthCheck: 3 * time.Second,
	}
}

// Load returns the defaults overridden by environment variables.
func Load() (*Config, error) {
	cfg := NewDefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := env.ParseWithOptions(&cfg.ReleaseRetry, env.Options{Prefix: "TELECALL_RELEASE_RETRY_"}); err != nil {
		return nil, fmt.Errorf("failed to parse release retry policy: %w", err)
	}
	if err := env.ParseWithOptions(&cfg.RequestRetry, env.Options{Prefix: "TELECALL_REQUEST_RETRY_"}); err != nil {
		return nil, fmt.Errorf("failed to parse request retry policy: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields the call core cannot run without.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}
