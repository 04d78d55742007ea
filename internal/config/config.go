package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/blackmichael/post-heatmap/internal/domain"
)

// Backend names.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds all configuration for the application.
//
// Values are resolved in order: built-in defaults, then the YAML file named by
// HEATMAP_CONFIG (if any), then environment variables. A .env file in the
// working directory is loaded into the environment first.
type Config struct {
	// Port is the HTTP server port.
	Port int `yaml:"port"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// StoreBackend selects the primary store: sqlite or postgres.
	StoreBackend string `yaml:"store_backend"`

	// SQLitePath is the local database file.
	SQLitePath string `yaml:"sqlite_path"`

	// DatabaseURL is the Postgres connection string. Empty disables the
	// Postgres backend.
	DatabaseURL string `yaml:"database_url"`

	Telegram TelegramConfig `yaml:"telegram"`
	Parser   ParserConfig   `yaml:"parser"`
	Backfill BackfillConfig `yaml:"backfill"`

	// PeriodReference is the start of period 0 in unix seconds.
	PeriodReference int64 `yaml:"period_reference"`

	// StreamStrategy is recompute or increment.
	StreamStrategy string `yaml:"stream_strategy"`

	// ValidYears is how many recent calendar years are accepted. Zero
	// disables the filter.
	ValidYears int `yaml:"valid_years"`

	// MirrorCron schedules the mirror into the secondary backend. Empty
	// disables it.
	MirrorCron string `yaml:"mirror_cron"`
}

// TelegramConfig configures the message relay.
type TelegramConfig struct {
	RelayURL   string   `yaml:"relay_url"`
	RelayToken string   `yaml:"relay_token"`
	Channels   []string `yaml:"channels"`

	// HistoryRPS bounds history page requests per second.
	HistoryRPS float64 `yaml:"history_rps"`
}

// ParserConfig is the parser policy.
type ParserConfig struct {
	TrackedAuthors   []string `yaml:"tracked_authors"`
	AllowSyntheticID bool     `yaml:"allow_synthetic_id"`
	RejectUnmarked   bool     `yaml:"reject_unmarked"`
}

// BackfillConfig bounds backfill runs.
type BackfillConfig struct {
	Limit int `yaml:"limit"`
	Days  int `yaml:"days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:         3000,
		LogLevel:     "info",
		StoreBackend: BackendSQLite,
		SQLitePath:   "data/heatmap.db",
		Telegram: TelegramConfig{
			Channels:   []string{"ElonTweets_dBot", "elonvitalikalerts"},
			HistoryRPS: 5,
		},
		Parser: ParserConfig{
			TrackedAuthors: []string{"elonmusk"},
		},
		Backfill: BackfillConfig{
			Limit: 1000,
			Days:  180,
		},
		PeriodReference: domain.DefaultPeriodReference,
		StreamStrategy:  string(domain.StrategyRecompute),
		ValidYears:      2,
	}
}

// Load reads configuration from the optional YAML file and environment
// variables, and validates it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("HEATMAP_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.StoreBackend = getEnv("STORE_BACKEND", c.StoreBackend)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.Telegram.RelayURL = getEnv("TELEGRAM_RELAY_URL", c.Telegram.RelayURL)
	c.Telegram.RelayToken = getEnv("TELEGRAM_RELAY_TOKEN", c.Telegram.RelayToken)
	c.Telegram.Channels = getList("TELEGRAM_CHANNELS", c.Telegram.Channels)
	c.Parser.TrackedAuthors = getList("TRACKED_AUTHORS", c.Parser.TrackedAuthors)
	c.StreamStrategy = getEnv("STREAM_STRATEGY", c.StreamStrategy)
	c.MirrorCron = getEnv("MIRROR_CRON", c.MirrorCron)

	var err error
	if c.Port, err = getInt("PORT", c.Port); err != nil {
		return err
	}
	if c.Backfill.Limit, err = getInt("BACKFILL_LIMIT", c.Backfill.Limit); err != nil {
		return err
	}
	if c.Backfill.Days, err = getInt("BACKFILL_DAYS", c.Backfill.Days); err != nil {
		return err
	}
	if c.ValidYears, err = getInt("VALID_YEARS", c.ValidYears); err != nil {
		return err
	}
	if v := os.Getenv("PERIOD_REFERENCE"); v != "" {
		if c.PeriodReference, err = strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Errorf("invalid PERIOD_REFERENCE: %w", err)
		}
	}
	if v := os.Getenv("TELEGRAM_HISTORY_RPS"); v != "" {
		if c.Telegram.HistoryRPS, err = strconv.ParseFloat(v, 64); err != nil {
			return fmt.Errorf("invalid TELEGRAM_HISTORY_RPS: %w", err)
		}
	}
	if c.Parser.AllowSyntheticID, err = getBool("ALLOW_SYNTHETIC_ID", c.Parser.AllowSyntheticID); err != nil {
		return err
	}
	if c.Parser.RejectUnmarked, err = getBool("REJECT_UNMARKED", c.Parser.RejectUnmarked); err != nil {
		return err
	}
	return nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q: must be %s or %s", c.StoreBackend, BackendSQLite, BackendPostgres)
	}

	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := domain.ParseStrategy(c.StreamStrategy); err != nil {
		return fmt.Errorf("invalid STREAM_STRATEGY: %w", err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.Backfill.Limit < 0 || c.Backfill.Days < 0 || c.ValidYears < 0 {
		return fmt.Errorf("backfill bounds and VALID_YEARS must not be negative")
	}
	return nil
}

// RequireRelay reports an error if the message relay is not configured.
func (c *Config) RequireRelay() error {
	if c.Telegram.RelayURL == "" {
		return errors.New("TELEGRAM_RELAY_URL is required")
	}
	if len(c.Telegram.Channels) == 0 {
		return errors.New("TELEGRAM_CHANNELS must name at least one channel")
	}
	return nil
}

// Level returns the slog level for LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Strategy returns the parsed streaming strategy.
func (c *Config) Strategy() domain.Strategy {
	s, _ := domain.ParseStrategy(c.StreamStrategy)
	return s
}

// ParserPolicy returns the parser policy.
func (c *Config) ParserPolicy() domain.ParserPolicy {
	return domain.ParserPolicy{
		Authors:          c.Parser.TrackedAuthors,
		AllowSyntheticID: c.Parser.AllowSyntheticID,
		RejectUnmarked:   c.Parser.RejectUnmarked,
		PeriodReference:  c.PeriodReference,
	}
}

// YearWindow returns a function yielding the accepted year window as of the
// current time.
func (c *Config) YearWindow() func() domain.YearWindow {
	n := c.ValidYears
	return func() domain.YearWindow {
		return domain.RecentYears(time.Now(), n)
	}
}

// BackfillSince returns the calendar cutoff for a backfill run, or the zero
// time when Days is zero.
func (c *Config) BackfillSince(now time.Time) time.Time {
	if c.Backfill.Days <= 0 {
		return time.Time{}
	}
	return now.Add(-time.Duration(c.Backfill.Days) * 24 * time.Hour)
}

// MirrorTarget returns the backend that mirrors the primary, or "" when no
// secondary backend is configured.
func (c *Config) MirrorTarget() string {
	switch c.StoreBackend {
	case BackendSQLite:
		if c.DatabaseURL != "" {
			return BackendPostgres
		}
	case BackendPostgres:
		if c.SQLitePath != "" {
			return BackendSQLite
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

// getList splits a comma-separated variable, dropping empty entries.
func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
