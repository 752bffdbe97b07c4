package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileSettings mirrors Settings with yaml tags. Durations are declared as
// strings so config files can use "5s" notation; empty or zero values leave
// the base configuration untouched.
type fileSettings struct {
	MaxAllowedLoops       int      `yaml:"maxAllowedLoops"`
	SleepInterval         string   `yaml:"sleepInterval"`
	ReconnectDelay        string   `yaml:"reconnectDelay"`
	ConnectionInitTimeout string   `yaml:"connectionInitTimeout"`
	Timeout               string   `yaml:"timeout"`
	MaxConnectionAttempts int      `yaml:"maxConnectionAttempts"`
	KeepAliveInterval     string   `yaml:"keepAliveInterval"`
	CandidateURLs         []string `yaml:"candidateUrls"`
	SubscriptionBuffer    int      `yaml:"subscriptionBuffer"`
	FanoutWorkers         int      `yaml:"fanoutWorkers"`
	WriteRatePerSecond    float64  `yaml:"writeRatePerSecond"`
}

// LoadFile overlays YAML settings from path on top of base.
func LoadFile(base Settings, path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config %s: %w", path, err)
	}
	return mergeFile(base, data, path)
}

func mergeFile(base Settings, data []byte, path string) (Settings, error) {
	var overlay fileSettings
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := base.clone()
	if overlay.MaxAllowedLoops > 0 {
		cfg.MaxAllowedLoops = overlay.MaxAllowedLoops
	}
	if err := overlayDuration(&cfg.SleepInterval, overlay.SleepInterval, path, "sleepInterval"); err != nil {
		return base, err
	}
	if err := overlayDuration(&cfg.ReconnectDelay, overlay.ReconnectDelay, path, "reconnectDelay"); err != nil {
		return base, err
	}
	if err := overlayDuration(&cfg.ConnectionInitTimeout, overlay.ConnectionInitTimeout, path, "connectionInitTimeout"); err != nil {
		return base, err
	}
	if err := overlayDuration(&cfg.Timeout, overlay.Timeout, path, "timeout"); err != nil {
		return base, err
	}
	if err := overlayDuration(&cfg.KeepAliveInterval, overlay.KeepAliveInterval, path, "keepAliveInterval"); err != nil {
		return base, err
	}
	if overlay.MaxConnectionAttempts > 0 {
		cfg.MaxConnectionAttempts = overlay.MaxConnectionAttempts
	}
	if len(overlay.CandidateURLs) > 0 {
		cfg.CandidateURLs = append([]string(nil), overlay.CandidateURLs...)
	}
	if overlay.SubscriptionBuffer > 0 {
		cfg.SubscriptionBuffer = overlay.SubscriptionBuffer
	}
	if overlay.FanoutWorkers > 0 {
		cfg.FanoutWorkers = overlay.FanoutWorkers
	}
	if overlay.WriteRatePerSecond > 0 {
		cfg.WriteRatePerSecond = overlay.WriteRatePerSecond
	}
	return cfg, nil
}

func overlayDuration(dst *time.Duration, raw, path, key string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse config %s: %s: %w", path, key, err)
	}
	if dur > 0 {
		*dst = dur
	}
	return nil
}
