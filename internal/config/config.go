// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config holds the appwarden daemon configuration.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"grimm.is/appwarden/internal/errors"
)

// Config is the root configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Capture       CaptureConfig       `yaml:"capture"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Retention     RetentionConfig     `yaml:"retention"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// StoreConfig controls the SQLite aggregation store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// CaptureConfig controls the capture & attribution pipeline.
type CaptureConfig struct {
	Interface       string        `yaml:"interface"`
	QueueCapacity   int           `yaml:"queue_capacity"`
	DrainBatchSize  int           `yaml:"drain_batch_size"`
	DNSMaxValidity  time.Duration `yaml:"dns_max_validity"`
	UDPIdleTimeout  time.Duration `yaml:"udp_idle_timeout"`
	TCPIdleTimeout  time.Duration `yaml:"tcp_idle_timeout"`
	FlushGrace      time.Duration `yaml:"flush_grace"`
	RetryBackoffMin time.Duration `yaml:"retry_backoff_min"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
}

// ScoringConfig controls the risk scoring engine.
type ScoringConfig struct {
	Cadence          time.Duration   `yaml:"cadence"`
	Window           time.Duration   `yaml:"window"`
	BaselineBuckets  int             `yaml:"baseline_buckets"`
	BucketWidth      time.Duration   `yaml:"bucket_width"`
	HysteresisRuns   int             `yaml:"hysteresis_runs"`
	RiskyPorts       []int           `yaml:"risky_ports"`
	NewDomainAnomaly int             `yaml:"new_domain_anomaly_count"`
	ReputationFloor  float64         `yaml:"reputation_floor"`
	DomainVolumeMB   int64           `yaml:"domain_volume_scale_mb"`
	DomainAppSpread  int64           `yaml:"domain_app_spread"`
	Weights          ScoringWeights  `yaml:"weights"`
	Thresholds       LevelThresholds `yaml:"thresholds"`
}

// ScoringWeights weight the individual signals in the combined score.
type ScoringWeights struct {
	RiskyPort     float64 `yaml:"risky_port"`
	DomainRep     float64 `yaml:"domain_reputation"`
	VolumeAnomaly float64 `yaml:"volume_anomaly"`
	NewDomains    float64 `yaml:"new_domains"`
}

// LevelThresholds map a combined score onto the ordered risk levels.
// A score below Low is SAFE; at or above Critical is CRITICAL.
type LevelThresholds struct {
	Low      float64 `yaml:"low"`
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// AlertsConfig controls the alert coordinator.
type AlertsConfig struct {
	DedupCooldown time.Duration `yaml:"dedup_cooldown"`
}

// NotificationsConfig controls outbound alert delivery.
type NotificationsConfig struct {
	Enabled     bool                  `yaml:"enabled"`
	MinSeverity string                `yaml:"min_severity"`
	RateLimit   time.Duration         `yaml:"rate_limit"`
	Channels    []NotificationChannel `yaml:"channels"`
}

// NotificationChannel is one delivery target.
type NotificationChannel struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"` // webhook, discord or ntfy
	Enabled     bool   `yaml:"enabled"`
	WebhookURL  string `yaml:"webhook_url"`
	Server      string `yaml:"server"`
	Topic       string `yaml:"topic"`
	MinSeverity string `yaml:"min_severity"` // overrides the global minimum
}

// RetentionConfig controls the time-series sweep.
type RetentionConfig struct {
	Horizon       time.Duration `yaml:"horizon"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MetricsConfig controls the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "appwarden.db",
		},
		Capture: CaptureConfig{
			Interface:       "lo",
			QueueCapacity:   4096,
			DrainBatchSize:  256,
			DNSMaxValidity:  5 * time.Minute,
			UDPIdleTimeout:  30 * time.Second,
			TCPIdleTimeout:  15 * time.Minute,
			FlushGrace:      3 * time.Second,
			RetryBackoffMin: 100 * time.Millisecond,
			RetryBackoffMax: 5 * time.Second,
		},
		Scoring: ScoringConfig{
			Cadence:          15 * time.Minute,
			Window:           time.Hour,
			BaselineBuckets:  24,
			BucketWidth:      time.Hour,
			HysteresisRuns:   2,
			RiskyPorts:       []int{23, 445, 1433, 3389, 4444, 5554, 6667, 9001},
			NewDomainAnomaly: 20,
			ReputationFloor:  0.5,
			DomainVolumeMB:   50,
			DomainAppSpread:  5,
			Weights: ScoringWeights{
				RiskyPort:     30,
				DomainRep:     30,
				VolumeAnomaly: 40,
				NewDomains:    60,
			},
			Thresholds: LevelThresholds{
				Low:      20,
				Medium:   40,
				High:     60,
				Critical: 80,
			},
		},
		Alerts: AlertsConfig{
			DedupCooldown: 30 * time.Minute,
		},
		Notifications: NotificationsConfig{
			Enabled:     false,
			MinSeverity: "HIGH",
			RateLimit:   time.Minute,
		},
		Retention: RetentionConfig{
			Horizon:       7 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9321",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML configuration file, layered over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotFound, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return errors.New(errors.KindValidation, "store.path must not be empty")
	}
	if c.Capture.QueueCapacity <= 0 {
		return errors.New(errors.KindValidation, "capture.queue_capacity must be positive")
	}
	if c.Capture.DrainBatchSize <= 0 || c.Capture.DrainBatchSize > c.Capture.QueueCapacity {
		return errors.New(errors.KindValidation, "capture.drain_batch_size must be in (0, queue_capacity]")
	}
	if c.Scoring.HysteresisRuns < 1 {
		return errors.New(errors.KindValidation, "scoring.hysteresis_runs must be at least 1")
	}
	if c.Scoring.Window <= 0 || c.Scoring.BucketWidth <= 0 {
		return errors.New(errors.KindValidation, "scoring window and bucket width must be positive")
	}
	if c.Scoring.NewDomainAnomaly <= 0 {
		return errors.New(errors.KindValidation, "scoring.new_domain_anomaly_count must be positive")
	}
	if c.Scoring.ReputationFloor <= 0 || c.Scoring.ReputationFloor > 1 {
		return errors.New(errors.KindValidation, "scoring.reputation_floor must be in (0, 1]")
	}
	t := c.Scoring.Thresholds
	if !(t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical) {
		return errors.New(errors.KindValidation, "scoring thresholds must be strictly increasing")
	}
	if c.Notifications.Enabled {
		for _, ch := range c.Notifications.Channels {
			switch ch.Type {
			case "webhook", "discord":
				if ch.WebhookURL == "" {
					return errors.Errorf(errors.KindValidation, "channel %s: webhook_url required", ch.Name)
				}
			case "ntfy":
				if ch.Topic == "" {
					return errors.Errorf(errors.KindValidation, "channel %s: topic required", ch.Name)
				}
			default:
				return errors.Errorf(errors.KindValidation, "channel %s: unknown type %q", ch.Name, ch.Type)
			}
		}
	}
	if c.Retention.Horizon <= 0 {
		return errors.New(errors.KindValidation, "retention.horizon must be positive")
	}
	return nil
}
