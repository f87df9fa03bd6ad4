package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validator accumulates problems so a bad config reports everything wrong
// at once instead of failing one field at a time.
type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig delegates to per-section validators.
func ValidateConfig(cfg *Config) error {
	v := &Validator{}

	validateEndpoints(v, cfg)
	validateICEServers(v, cfg)
	validateMediaConfig(v, &cfg.MediaConfig)
	validateRetryPolicy(v, "release retry", &cfg.ReleaseRetry)
	validateRetryPolicy(v, "request retry", &cfg.RequestRetry)

	if cfg.DialTimeout <= 0 {
		v.AddError("dial timeout must be positive")
	}

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

func validateEndpoints(v *Validator, cfg *Config) {
	checkURL(v, "API base URL", cfg.APIBaseURL, "http", "https")
	checkURL(v, "signaling URL", cfg.SignalingURL, "ws", "wss")
	checkURL(v, "notification URL", cfg.NotifyURL, "ws", "wss")
}

func checkURL(v *Validator, name, raw string, schemes ...string) {
	if raw == "" {
		v.AddError("%s cannot be empty", name)
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		v.AddError("%s is not a valid URL: %v", name, err)
		return
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				v.AddError("%s has no host", name)
			}
			return
		}
	}
	v.AddError("%s must use one of %v, got %q", name, schemes, u.Scheme)
}

func validateICEServers(v *Validator, cfg *Config) {
	if len(cfg.ICEServers) == 0 {
		v.AddError("at least one ICE server is required")
		return
	}
	for _, server := range cfg.ICEServers {
		if !strings.HasPrefix(server, "stun:") && !strings.HasPrefix(server, "turn:") &&
			!strings.HasPrefix(server, "stuns:") && !strings.HasPrefix(server, "turns:") {
			v.AddError("ICE server %q must be a stun: or turn: URL", server)
		}
	}
}

func validateMediaConfig(v *Validator, cfg *MediaConfig) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		v.AddError("video dimensions must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Framerate <= 0 || cfg.Framerate > 120 {
		v.AddError("framerate %d out of range (1-120)", cfg.Framerate)
	}
	if cfg.VideoBitRate <= 0 {
		v.AddError("video bitrate must be positive")
	}
	if cfg.AudioBitRate <= 0 {
		v.AddError("audio bitrate must be positive")
	}
	if cfg.SampleRate != 8000 && cfg.SampleRate != 16000 && cfg.SampleRate != 48000 {
		v.AddError("audio sample rate %d unsupported (want 8000, 16000 or 48000)", cfg.SampleRate)
	}
}

func validateRetryPolicy(v *Validator, name string, p *RetryPolicy) {
	if p.MaxAttempts == 0 {
		v.AddError("%s policy must allow at least one attempt", name)
	}
	if p.BaseDelay <= 0 {
		v.AddError("%s policy base delay must be positive", name)
	}
	if p.Multiplier < 1.0 {
		v.AddError("%s policy multiplier must be at least 1.0", name)
	}
}
