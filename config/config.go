// Package config centralises runtime configuration helpers for pocketsession.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings contains the session configuration tree loaded from defaults,
// environment overrides, and optional file overrides.
type Settings struct {
	// MaxAllowedLoops bounds keep-alive iterations without inbound traffic
	// before the connection is considered stale.
	MaxAllowedLoops int
	// SleepInterval paces the connection run loop.
	SleepInterval time.Duration
	// ReconnectDelay is honored before the next connection attempt after a
	// disconnect.
	ReconnectDelay time.Duration
	// ConnectionInitTimeout bounds dial plus handshake plus authentication
	// for one attempt.
	ConnectionInitTimeout time.Duration
	// Timeout is the default deadline for correlated requests.
	Timeout time.Duration
	// MaxConnectionAttempts bounds consecutive failed attempts before the
	// session fails fatally.
	MaxConnectionAttempts int
	// KeepAliveInterval spaces outbound keep-alive messages.
	KeepAliveInterval time.Duration
	// CandidateURLs lists websocket endpoints tried in order.
	CandidateURLs []string
	// SubscriptionBuffer sizes each subscription's delivery buffer.
	SubscriptionBuffer int
	// FanoutWorkers bounds concurrent subscription deliveries per frame.
	FanoutWorkers int
	// WriteRatePerSecond paces outbound writes; zero disables pacing.
	WriteRatePerSecond float64
}

// Default returns the default session configuration.
func Default() Settings {
	return Settings{
		MaxAllowedLoops:       100,
		SleepInterval:         100 * time.Millisecond,
		ReconnectDelay:        5 * time.Second,
		ConnectionInitTimeout: 30 * time.Second,
		Timeout:               30 * time.Second,
		MaxConnectionAttempts: 5,
		KeepAliveInterval:     20 * time.Second,
		CandidateURLs:         nil,
		SubscriptionBuffer:    64,
		FanoutWorkers:         4,
		WriteRatePerSecond:    10,
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if v := strings.TrimSpace(os.Getenv("POCKETSESSION_MAX_LOOPS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAllowedLoops = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("POCKETSESSION_SLEEP_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.SleepInterval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("POCKETSESSION_RECONNECT_DELAY")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.ReconnectDelay = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("POCKETSESSION_INIT_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.ConnectionInitTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("POCKETSESSION_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("POCKETSESSION_MAX_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConnectionAttempts = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("POCKETSESSION_URLS")); v != "" {
		urls := make([]string, 0, 4)
		for _, raw := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(raw); trimmed != "" {
				urls = append(urls, trimmed)
			}
		}
		if len(urls) > 0 {
			cfg.CandidateURLs = urls
		}
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithCandidateURLs overrides the endpoint candidates.
func WithCandidateURLs(urls ...string) Option {
	return func(s *Settings) {
		if len(urls) > 0 {
			s.CandidateURLs = append([]string(nil), urls...)
		}
	}
}

// WithTimeout overrides the default correlated-request deadline.
func WithTimeout(d time.Duration) Option {
	return func(s *Settings) {
		if d > 0 {
			s.Timeout = d
		}
	}
}

// WithReconnectDelay overrides the delay before reconnect attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Settings) {
		if d > 0 {
			s.ReconnectDelay = d
		}
	}
}

// WithMaxConnectionAttempts overrides the consecutive-failure budget.
func WithMaxConnectionAttempts(n int) Option {
	return func(s *Settings) {
		if n > 0 {
			s.MaxConnectionAttempts = n
		}
	}
}

// Validate reports configuration problems a session cannot start with.
func (s Settings) Validate() error {
	for _, raw := range s.CandidateURLs {
		parsed, err := url.Parse(raw)
		if err != nil {
			return err
		}
		if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			return &url.Error{Op: "parse", URL: raw, Err: errSchemeNotWebsocket}
		}
	}
	return nil
}

var errSchemeNotWebsocket = &schemeError{}

type schemeError struct{}

func (*schemeError) Error() string { return "scheme must be ws or wss" }

func (s Settings) clone() Settings {
	cfg := s
	cfg.CandidateURLs = append([]string(nil), s.CandidateURLs...)
	return cfg
}
