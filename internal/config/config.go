package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
)

const (
	DefaultConfigPath = "configs/config.yaml"
	EnvPrefix         = "TAILWATCH_"
)

// DefaultConfigPaths are tried in order when no path is given.
var DefaultConfigPaths = []string{
	DefaultConfigPath,
	"config.yaml",
	"/etc/tailwatch/config.yaml",
}

type Config struct {
	Daemon   DaemonConfig   `koanf:"daemon"`
	Capture  CaptureConfig  `koanf:"capture"`
	Monitor  MonitorConfig  `koanf:"monitor"`
	Ignore   IgnoreConfig   `koanf:"ignore"`
	Storage  StorageConfig  `koanf:"storage"`
	API      APIConfig      `koanf:"api"`
	Alerting AlertingConfig `koanf:"alerting"`
}

type DaemonConfig struct {
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	LogDir          string        `koanf:"log_dir"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type CaptureConfig struct {
	// StoreGlob selects Kismet logs; the newest match is used.
	StoreGlob    string        `koanf:"store_glob"`
	QueryTimeout time.Duration `koanf:"query_timeout"`
}

type MonitorConfig struct {
	PollInterval    time.Duration `koanf:"poll_interval"`
	CurrentLookback time.Duration `koanf:"current_lookback"`
	BandWidth       time.Duration `koanf:"band_width"`
	RotateEvery     int           `koanf:"rotate_every"`
	ErrorBackoff    time.Duration `koanf:"error_backoff"`
}

type IgnoreConfig struct {
	MACList  string `koanf:"mac_list"`
	SSIDList string `koanf:"ssid_list"`
}

type StorageConfig struct {
	Enabled             bool   `koanf:"enabled"`
	DBPath              string `koanf:"db_path"`
	RetentionDays       int    `koanf:"retention_days"`
	RetentionSchedule   string `koanf:"retention_schedule"`
	EncryptionKeyBase64 string `koanf:"encryption_key_base64"`
}

type APIConfig struct {
	Enabled   bool   `koanf:"enabled"`
	BindAddr  string `koanf:"bind_addr"`
	AuthToken string `koanf:"auth_token"`
	// Dashboard serves the alert board at /ui/ without auth; its data calls
	// still need the token.
	Dashboard bool   `koanf:"dashboard"`
	// RateLimit caps authenticated requests per client IP per minute; zero
	// disables it.
	RateLimit int    `koanf:"rate_limit"`
}

type AlertingConfig struct {
	// DedupWindow suppresses repeats of the same identifier and tier; zero
	// delivers every alert.
	DedupWindow time.Duration        `koanf:"dedup_window"`
	Channels    []AlertChannelConfig `koanf:"channels"`
}

type AlertChannelConfig struct {
	Type    string   `koanf:"type"`
	Enabled bool     `koanf:"enabled"`
	Tiers   []string `koanf:"tiers"`

	URL string `koanf:"url"`

	SyslogNetwork string `koanf:"syslog_network"`
	SyslogAddress string `koanf:"syslog_address"`
	SyslogTag     string `koanf:"syslog_tag"`

	SMTPServer string   `koanf:"smtp_server"`
	SMTPUser   string   `koanf:"smtp_user"`
	SMTPPass   string   `koanf:"smtp_pass"`
	From       string   `koanf:"from"`
	To         []string `koanf:"to"`
	Subject    string   `koanf:"subject"`

	NATSSubject string `koanf:"nats_subject"`
}

func Default() Config {
	return Config{
		Daemon: DaemonConfig{
			LogLevel:        "info",
			LogFormat:       "text",
			LogDir:          "./logs",
			ShutdownTimeout: 10 * time.Second,
		},
		Capture: CaptureConfig{
			StoreGlob:    "/home/kali/kismet_logs/*.kismet",
			QueryTimeout: 30 * time.Second,
		},
		Monitor: MonitorConfig{
			PollInterval:    60 * time.Second,
			CurrentLookback: 2 * time.Minute,
			BandWidth:       5 * time.Minute,
			RotateEvery:     5,
			ErrorBackoff:    5 * time.Second,
		},
		Ignore: IgnoreConfig{
			MACList:  "./ignore_lists/mac_list",
			SSIDList: "./ignore_lists/ssid_list",
		},
		Storage: StorageConfig{
			Enabled:           false,
			DBPath:            "/var/lib/tailwatch/badger",
			RetentionDays:     30,
			RetentionSchedule: "@daily",
		},
		API: APIConfig{
			Enabled:   false,
			BindAddr:  "127.0.0.1:8789",
			Dashboard: true,
			RateLimit: 120,
		},
		Alerting: AlertingConfig{
			DedupWindow: 0,
			Channels: []AlertChannelConfig{
				{Type: "log", Enabled: true},
			},
		},
	}
}

// Load layers defaults, the YAML file at path and TAILWATCH_* environment
// overrides, then validates. An empty path searches DefaultConfigPaths and
// falls back to defaults when none exists.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func findConfigFile() string {
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var envMappings = map[string]string{
	"log_level":          "daemon.log_level",
	"log_format":         "daemon.log_format",
	"log_dir":            "daemon.log_dir",
	"shutdown_timeout":   "daemon.shutdown_timeout",
	"store_glob":         "capture.store_glob",
	"query_timeout":      "capture.query_timeout",
	"poll_interval":      "monitor.poll_interval",
	"current_lookback":   "monitor.current_lookback",
	"band_width":         "monitor.band_width",
	"rotate_every":       "monitor.rotate_every",
	"error_backoff":      "monitor.error_backoff",
	"mac_list":           "ignore.mac_list",
	"ssid_list":          "ignore.ssid_list",
	"storage_enabled":    "storage.enabled",
	"storage_path":       "storage.db_path",
	"retention_days":     "storage.retention_days",
	"retention_schedule": "storage.retention_schedule",
	"api_enabled":        "api.enabled",
	"api_addr":           "api.bind_addr",
	"api_token":          "api.auth_token",
	"api_dashboard":      "api.dashboard",
	"api_rate_limit":     "api.rate_limit",
	"dedup_window":       "alerting.dedup_window",
}

func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return envMappings[key]
}

func (c Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Daemon.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "daemon.log_level must be one of: debug, info, warn, error")
	}
	switch strings.ToLower(c.Daemon.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, "daemon.log_format must be one of: json, text")
	}
	if c.Daemon.ShutdownTimeout < 0 {
		errs = append(errs, "daemon.shutdown_timeout must be >= 0")
	}

	if strings.TrimSpace(c.Capture.StoreGlob) == "" {
		errs = append(errs, "capture.store_glob is required")
	}
	if c.Capture.QueryTimeout < 0 {
		errs = append(errs, "capture.query_timeout must be >= 0")
	}

	if c.Monitor.PollInterval <= 0 {
		errs = append(errs, "monitor.poll_interval must be positive")
	}
	if c.Monitor.CurrentLookback <= 0 {
		errs = append(errs, "monitor.current_lookback must be positive")
	}
	if c.Monitor.BandWidth <= 0 {
		errs = append(errs, "monitor.band_width must be positive")
	}
	if c.Monitor.RotateEvery < 1 {
		errs = append(errs, "monitor.rotate_every must be >= 1")
	}
	if c.Monitor.ErrorBackoff < 0 {
		errs = append(errs, "monitor.error_backoff must be >= 0")
	}

	if c.Storage.Enabled {
		if c.Storage.DBPath == "" {
			errs = append(errs, "storage.db_path is required when enabled")
		} else if !filepath.IsAbs(c.Storage.DBPath) {
			errs = append(errs, "storage.db_path must be an absolute path")
		}
		if c.Storage.RetentionDays < 0 {
			errs = append(errs, "storage.retention_days must be >= 0")
		}
		if c.Storage.RetentionSchedule != "" {
			if _, err := cron.ParseStandard(c.Storage.RetentionSchedule); err != nil {
				errs = append(errs, "storage.retention_schedule must be a cron expression or descriptor (e.g. @daily)")
			}
		}
	}
	if c.Storage.EncryptionKeyBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(c.Storage.EncryptionKeyBase64)
		if err != nil {
			errs = append(errs, "storage.encryption_key_base64 must be valid base64")
		} else if len(decoded) != 32 {
			errs = append(errs, "storage.encryption_key_base64 must decode to 32 bytes")
		}
	}

	if c.API.Enabled {
		if c.API.BindAddr == "" {
			errs = append(errs, "api.bind_addr is required when enabled")
		}
		if c.API.AuthToken == "" {
			errs = append(errs, "api.auth_token is required when enabled")
		}
		if c.API.RateLimit < 0 {
			errs = append(errs, "api.rate_limit must be >= 0")
		}
	}

	if c.Alerting.DedupWindow < 0 {
		errs = append(errs, "alerting.dedup_window must be >= 0")
	}
	for i, ch := range c.Alerting.Channels {
		switch ch.Type {
		case "log", "syslog", "email":
		case "webhook":
			if ch.Enabled && ch.URL == "" {
				errs = append(errs, fmt.Sprintf("alerting.channels[%d].url is required for webhook", i))
			}
		case "nats":
			if ch.Enabled && ch.URL == "" {
				errs = append(errs, fmt.Sprintf("alerting.channels[%d].url is required for nats", i))
			}
		case "store":
			if ch.Enabled && !c.Storage.Enabled {
				errs = append(errs, fmt.Sprintf("alerting.channels[%d] type store requires storage.enabled", i))
			}
		case "":
			errs = append(errs, fmt.Sprintf("alerting.channels[%d].type is required", i))
		default:
			errs = append(errs, fmt.Sprintf("alerting.channels[%d].type %q is unknown", i, ch.Type))
		}
		for _, tier := range ch.Tiers {
			switch strings.ToLower(tier) {
			case "advisory", "warning", "critical":
			default:
				errs = append(errs, fmt.Sprintf("alerting.channels[%d].tiers contains unknown tier %q", i, tier))
			}
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (d DaemonConfig) ShutdownTimeoutDuration() time.Duration {
	if d.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return d.ShutdownTimeout
}

func (s StorageConfig) RetentionWindow() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

func (c Config) Redacted() Config {
	clone := c
	if clone.API.AuthToken != "" {
		clone.API.AuthToken = "REDACTED"
	}
	if clone.Storage.EncryptionKeyBase64 != "" {
		clone.Storage.EncryptionKeyBase64 = "REDACTED"
	}
	channels := make([]AlertChannelConfig, len(c.Alerting.Channels))
	copy(channels, c.Alerting.Channels)
	for i := range channels {
		if channels[i].SMTPPass != "" {
			channels[i].SMTPPass = "REDACTED"
		}
	}
	clone.Alerting.Channels = channels
	return clone
}
