// Package config loads ForwardPipe's settings: built-in defaults, overlaid by an optional
// YAML file, overlaid by environment variables. Command-line flags are applied last by
// the binary.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/ForwardPipe/internal/capability"
	"github.com/BTreeMap/ForwardPipe/internal/connectivity"
	"github.com/BTreeMap/ForwardPipe/internal/dispatch"
	"github.com/BTreeMap/ForwardPipe/internal/drain"
	"github.com/BTreeMap/ForwardPipe/internal/limiter"
	"github.com/BTreeMap/ForwardPipe/internal/retry"
	"github.com/BTreeMap/ForwardPipe/internal/scheduler"
	"github.com/BTreeMap/ForwardPipe/internal/store"
	"github.com/BTreeMap/ForwardPipe/internal/util"
	"gopkg.in/yaml.v3"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ForwardPipe state data
	DefaultStateDir = "/var/lib/forwardpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "forwardpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite filename for the WhatsApp device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAPIAddr is the default listen address of the HTTP API
	DefaultAPIAddr = ":8080"
)

// Environment variables read by ApplyEnv.
const (
	EnvStateDir         = "FORWARDPIPE_STATE_DIR"
	EnvDatabaseURL      = "DATABASE_URL"
	EnvWhatsAppDSN      = "WHATSAPP_DB_DSN"
	EnvAPIAddr          = "API_ADDR"
	EnvRateCapacity     = "FORWARDPIPE_RATE_CAPACITY"
	EnvRateWindow       = "FORWARDPIPE_RATE_WINDOW"
	EnvDrainInterval    = "FORWARDPIPE_DRAIN_INTERVAL"
	EnvWorkers          = "FORWARDPIPE_WORKERS"
	EnvTwilioEnabled    = "FORWARDPIPE_TWILIO_ENABLED"
	EnvTwilioAuthToken  = "TWILIO_AUTH_TOKEN"
	EnvTwilioWebhookURL = "TWILIO_WEBHOOK_URL"
	EnvWhatsAppEnabled  = "FORWARDPIPE_WHATSAPP_ENABLED"
)

// LimiterConfig configures the admission limiter.
type LimiterConfig struct {
	Window   time.Duration `yaml:"window"`
	Capacity int           `yaml:"capacity"`
}

// DrainConfig configures the backlog drain scheduler.
type DrainConfig struct {
	Interval        time.Duration `yaml:"interval"`
	BatchSize       int           `yaml:"batch_size"`
	QueueRetryCap   int           `yaml:"queue_retry_cap"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
	Retention       time.Duration `yaml:"retention"`
	StaleAfter      time.Duration `yaml:"stale_after"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"`
}

// DispatchConfig configures the delivery dispatcher.
type DispatchConfig struct {
	Workers int `yaml:"workers"`
}

// ConnectivityConfig configures the connectivity monitor.
type ConnectivityConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// WatchPaths overrides the watched link-state paths. An empty list forces polling.
	WatchPaths []string `yaml:"watch_paths"`
	// ProbeAddr, when set, is dialed to confirm reachability.
	ProbeAddr string `yaml:"probe_addr"`
}

// TwilioConfig configures the inbound Twilio webhook.
type TwilioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AuthToken  string `yaml:"auth_token"`
	WebhookURL string `yaml:"webhook_url"`
}

// WhatsAppConfig configures the linked WhatsApp device.
type WhatsAppConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DSN         string `yaml:"dsn"`
	QRPath      string `yaml:"qr_path"`
	NumericCode bool   `yaml:"numeric_code"`
}

// Config is the complete service configuration.
type Config struct {
	StateDir     string                  `yaml:"state_dir"`
	DatabaseDSN  string                  `yaml:"database_dsn"`
	APIAddr      string                  `yaml:"api_addr"`
	Limiter      LimiterConfig           `yaml:"limiter"`
	Retry        retry.Policy            `yaml:"retry"`
	Drain        DrainConfig             `yaml:"drain"`
	Dispatch     DispatchConfig          `yaml:"dispatch"`
	Connectivity ConnectivityConfig      `yaml:"connectivity"`
	Twilio       TwilioConfig            `yaml:"twilio"`
	WhatsApp     WhatsAppConfig          `yaml:"whatsapp"`
	Targets      []capability.Descriptor `yaml:"targets"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		StateDir: DefaultStateDir,
		APIAddr:  DefaultAPIAddr,
		Limiter:  LimiterConfig{Window: limiter.DefaultWindow, Capacity: limiter.DefaultCapacity},
		Retry:    retry.DefaultPolicy(),
		Drain: DrainConfig{
			Interval:        drain.DefaultInterval,
			QueueRetryCap:   drain.DefaultQueueRetryCap,
			CleanupSchedule: drain.DefaultCleanupSchedule,
			Retention:       drain.DefaultRetention,
			StaleAfter:      drain.DefaultStaleAfter,
			AttemptTimeout:  drain.DefaultAttemptTimeout,
		},
		Dispatch:     DispatchConfig{Workers: dispatch.DefaultWorkers},
		Connectivity: ConnectivityConfig{PollInterval: connectivity.DefaultPollInterval},
	}
}

// Load reads the YAML file at path over Default and then applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
		slog.Debug("Config.Load: file loaded", "path", path, "targets", len(cfg.Targets))
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// Parse reads YAML over Default without applying the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv() {
	c.StateDir = util.StringEnv(EnvStateDir, c.StateDir)
	c.DatabaseDSN = util.StringEnv(EnvDatabaseURL, c.DatabaseDSN)
	c.WhatsApp.DSN = util.StringEnv(EnvWhatsAppDSN, c.WhatsApp.DSN)
	c.APIAddr = util.StringEnv(EnvAPIAddr, c.APIAddr)
	c.Limiter.Capacity = util.ParseIntEnv(EnvRateCapacity, c.Limiter.Capacity)
	c.Limiter.Window = util.ParseDurationEnv(EnvRateWindow, c.Limiter.Window)
	c.Drain.Interval = util.ParseDurationEnv(EnvDrainInterval, c.Drain.Interval)
	c.Dispatch.Workers = util.ParseIntEnv(EnvWorkers, c.Dispatch.Workers)
	c.Twilio.Enabled = util.ParseBoolEnv(EnvTwilioEnabled, c.Twilio.Enabled)
	c.Twilio.AuthToken = util.StringEnv(EnvTwilioAuthToken, c.Twilio.AuthToken)
	c.Twilio.WebhookURL = util.StringEnv(EnvTwilioWebhookURL, c.Twilio.WebhookURL)
	c.WhatsApp.Enabled = util.ParseBoolEnv(EnvWhatsAppEnabled, c.WhatsApp.Enabled)

	slog.Debug("Config.ApplyEnv: environment applied",
		"state_dir", c.StateDir,
		"database_dsn_set", c.DatabaseDSN != "",
		"whatsapp_dsn_set", c.WhatsApp.DSN != "",
		"api_addr", c.APIAddr,
		"twilio_enabled", c.Twilio.Enabled,
		"twilio_auth_token_set", c.Twilio.AuthToken != "",
		"whatsapp_enabled", c.WhatsApp.Enabled)
}

// ResolveDSNs fills in database locations left empty. The backlog defaults to SQLite
// in the state directory. The WhatsApp device store shares a PostgreSQL backlog
// database and otherwise gets its own SQLite file.
func (c *Config) ResolveDSNs() {
	if c.DatabaseDSN == "" {
		c.DatabaseDSN = filepath.Join(c.StateDir, DefaultDBFileName)
		slog.Debug("Config.ResolveDSNs: no database DSN provided, defaulting to SQLite", "sqlite_path", c.DatabaseDSN)
	}
	if c.WhatsApp.DSN == "" {
		if store.DetectDSNType(c.DatabaseDSN) == "postgres" {
			c.WhatsApp.DSN = c.DatabaseDSN
		} else {
			c.WhatsApp.DSN = filepath.Join(c.StateDir, DefaultWhatsAppDBFileName)
		}
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Limiter.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("limiter.capacity must be positive, got %d", c.Limiter.Capacity))
	}
	if c.Limiter.Window <= 0 {
		errs = append(errs, fmt.Errorf("limiter.window must be positive, got %s", c.Limiter.Window))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.InitialDelay <= 0 {
		errs = append(errs, fmt.Errorf("retry.initial_delay must be positive, got %s", c.Retry.InitialDelay))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier))
	}
	if c.Drain.Interval <= 0 {
		errs = append(errs, fmt.Errorf("drain.interval must be positive, got %s", c.Drain.Interval))
	}
	if c.Drain.QueueRetryCap < 1 {
		errs = append(errs, fmt.Errorf("drain.queue_retry_cap must be at least 1, got %d", c.Drain.QueueRetryCap))
	}
	if err := scheduler.ValidateSpec(c.Drain.CleanupSchedule); err != nil {
		errs = append(errs, fmt.Errorf("drain.cleanup_schedule: %w", err))
	}
	if c.Dispatch.Workers < 1 {
		errs = append(errs, fmt.Errorf("dispatch.workers must be at least 1, got %d", c.Dispatch.Workers))
	}
	if len(c.Targets) == 0 {
		errs = append(errs, errors.New("at least one delivery target is required"))
	}
	for i, t := range c.Targets {
		if _, err := t.Decode(); err != nil {
			errs = append(errs, fmt.Errorf("targets[%d]: %w", i, err))
			continue
		}
		if t.Type == capability.TypePeerChannel && !c.WhatsApp.Enabled {
			errs = append(errs, fmt.Errorf("targets[%d]: %s requires whatsapp.enabled", i, t.Type))
		}
	}
	return errors.Join(errs...)
}
