// Package config loads the runner configuration from defaults, an optional
// config file and the environment. Keys are flat and upper-case.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"spotrunner/internal/engine"
	"spotrunner/internal/journal"
	"spotrunner/internal/persistence"
)

// Trading modes
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// State backends
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the complete runner configuration
type Config struct {
	Mode       string
	KillSwitch bool
	Params     engine.Params

	Exchange ExchangeConfig
	Store    StoreConfig
	Journal  JournalConfig
	Notify   NotifyConfig
	Log      LogConfig

	// StatusPort 0 disables the status server
	StatusPort     int
	MetricsRuntime bool

	// Warnings lists values that were clamped into range
	Warnings []string
}

// ExchangeConfig holds exchange credentials and market data settings
type ExchangeConfig struct {
	APIKey    string
	APISecret string

	PaperQuoteBalance float64
	PaperFeeRate      float64

	UsePriceStream   bool
	PriceStaleAfter  time.Duration
	CandleMinRefresh time.Duration
}

// StoreConfig selects and configures the snapshot store
type StoreConfig struct {
	Backend   string
	StateFile string
	Postgres  persistence.PostgresConfig
	Redis     persistence.RedisConfig
	LockTTL   time.Duration
}

// JournalConfig configures the trade journal and its archive
type JournalConfig struct {
	File     journal.Options
	Postgres bool
	S3       journal.S3Config
}

// ArchiveEnabled reports whether finished days are uploaded
func (j JournalConfig) ArchiveEnabled() bool {
	return j.S3.Bucket != ""
}

// NotifyConfig configures operator alerts
type NotifyConfig struct {
	TelegramToken  string
	TelegramChatID string
	Prefix         string
	Events         []string
}

// LogConfig configures the process logger
type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads configuration. CONFIG_FILE names an optional yaml, toml or json
// file; environment variables override it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	c := &clamp{}

	params, err := loadParams(v, c)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Mode:       strings.ToLower(strings.TrimSpace(v.GetString("MODE"))),
		KillSwitch: v.GetBool("KILL_SWITCH"),
		Params:     params,
		Exchange: ExchangeConfig{
			PaperQuoteBalance: c.floatIn(v, "PAPER_QUOTE_BALANCE", 0, 1e12),
			PaperFeeRate:      c.floatIn(v, "PAPER_FEE_RATE", 0, 0.01),
			UsePriceStream:    v.GetBool("USE_PRICE_STREAM"),
			PriceStaleAfter:   c.durationIn(v, "PRICE_STALE_AFTER", time.Second, time.Hour),
			CandleMinRefresh:  c.durationIn(v, "CANDLE_MIN_REFRESH", 0, time.Hour),
		},
		Store: StoreConfig{
			Backend:   strings.ToLower(v.GetString("STATE_BACKEND")),
			StateFile: v.GetString("STATE_FILE"),
			Postgres: persistence.PostgresConfig{
				Host:     v.GetString("POSTGRES_HOST"),
				Port:     v.GetString("POSTGRES_PORT"),
				User:     v.GetString("POSTGRES_USER"),
				Password: loadPostgresPassword(v),
				Database: v.GetString("POSTGRES_DB"),
				SSLMode:  v.GetString("POSTGRES_SSLMODE"),
				StateID:  v.GetString("STATE_ID"),
			},
			Redis: persistence.RedisConfig{
				Addr:     v.GetString("REDIS_ADDR"),
				Password: v.GetString("REDIS_PASSWORD"),
				DB:       v.GetInt("REDIS_DB"),
				Prefix:   v.GetString("REDIS_PREFIX"),
			},
			LockTTL: c.durationIn(v, "REDIS_LOCK_TTL", 3*time.Second, 10*time.Minute),
		},
		Journal: JournalConfig{
			File: journal.Options{
				Path:       v.GetString("JOURNAL_FILE"),
				MaxSizeMB:  c.intIn(v, "JOURNAL_MAX_SIZE_MB", 1, 10000),
				MaxBackups: c.intIn(v, "JOURNAL_MAX_BACKUPS", 0, 1000),
				MaxAgeDays: c.intIn(v, "JOURNAL_MAX_AGE_DAYS", 0, 3650),
				Compress:   v.GetBool("JOURNAL_COMPRESS"),
			},
			Postgres: v.GetBool("JOURNAL_POSTGRES"),
			S3: journal.S3Config{
				Bucket:         v.GetString("S3_BUCKET"),
				Prefix:         v.GetString("S3_PREFIX"),
				Region:         v.GetString("S3_REGION"),
				Endpoint:       v.GetString("S3_ENDPOINT"),
				AccessKey:      v.GetString("S3_ACCESS_KEY"),
				SecretKey:      v.GetString("S3_SECRET_KEY"),
				ForcePathStyle: v.GetBool("S3_FORCE_PATH_STYLE"),
			},
		},
		Notify: NotifyConfig{
			TelegramToken:  v.GetString("TELEGRAM_TOKEN"),
			TelegramChatID: v.GetString("TELEGRAM_CHAT_ID"),
			Prefix:         v.GetString("NOTIFY_PREFIX"),
			Events:         stringList(v, "NOTIFY_EVENTS"),
		},
		Log: LogConfig{
			Level:      strings.ToLower(v.GetString("LOG_LEVEL")),
			Format:     strings.ToLower(v.GetString("LOG_FORMAT")),
			File:       v.GetString("LOG_FILE"),
			MaxSizeMB:  c.intIn(v, "LOG_MAX_SIZE_MB", 1, 10000),
			MaxBackups: c.intIn(v, "LOG_MAX_BACKUPS", 0, 1000),
			MaxAgeDays: c.intIn(v, "LOG_MAX_AGE_DAYS", 0, 3650),
			Compress:   v.GetBool("LOG_COMPRESS"),
		},
		StatusPort:     c.intIn(v, "STATUS_PORT", 0, 65535),
		MetricsRuntime: v.GetBool("METRICS_RUNTIME"),
	}

	if err := loadCredentials(v, &cfg.Exchange); err != nil {
		return nil, err
	}

	cfg.Warnings = c.warnings
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects contradictory or incomplete settings
func (c *Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("invalid MODE %q: expected paper or live", c.Mode)
	}
	if c.Mode == ModeLive && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		return fmt.Errorf("live mode requires BINANCE_API_KEY and BINANCE_API_SECRET")
	}

	switch c.Store.Backend {
	case BackendFile:
	case BackendPostgres:
		if c.Store.Postgres.Host == "" {
			return fmt.Errorf("postgres backend requires POSTGRES_HOST")
		}
	case BackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis backend requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("invalid STATE_BACKEND %q: expected file, postgres or redis", c.Store.Backend)
	}
	if c.Journal.Postgres && c.Store.Postgres.Host == "" {
		return fmt.Errorf("JOURNAL_POSTGRES requires POSTGRES_HOST")
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		return fmt.Errorf("TELEGRAM_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q: expected text or json", c.Log.Format)
	}

	return validateParams(c.Params)
}

func setDefaults(v *viper.Viper) {
	setParamDefaults(v)

	v.SetDefault("MODE", ModePaper)
	v.SetDefault("KILL_SWITCH", false)

	v.SetDefault("PAPER_QUOTE_BALANCE", 1000000)
	v.SetDefault("PAPER_FEE_RATE", 0.0005)
	v.SetDefault("USE_PRICE_STREAM", true)
	v.SetDefault("PRICE_STALE_AFTER", 10*time.Second)
	v.SetDefault("CANDLE_MIN_REFRESH", 5*time.Second)

	v.SetDefault("STATE_BACKEND", BackendFile)
	v.SetDefault("STATE_FILE", "./state.json")
	v.SetDefault("STATE_ID", "default")
	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("POSTGRES_USER", "spotrunner")
	v.SetDefault("POSTGRES_DB", "spotrunner")
	v.SetDefault("POSTGRES_SSLMODE", "disable")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "spotrunner")
	v.SetDefault("REDIS_LOCK_TTL", 30*time.Second)

	v.SetDefault("JOURNAL_FILE", "./trades.jsonl")
	v.SetDefault("JOURNAL_MAX_SIZE_MB", 50)
	v.SetDefault("JOURNAL_MAX_BACKUPS", 30)
	v.SetDefault("JOURNAL_MAX_AGE_DAYS", 0)
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_PREFIX", "journal")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)
	v.SetDefault("LOG_COMPRESS", true)

	v.SetDefault("STATUS_PORT", 9090)
	v.SetDefault("METRICS_RUNTIME", true)
}

// stringList reads a comma separated string or a list from a config file
func stringList(v *viper.Viper, key string) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case nil:
	case string:
		raw = strings.Split(val, ",")
	case []string:
		raw = val
	case []interface{}:
		for _, item := range val {
			raw = append(raw, fmt.Sprint(item))
		}
	default:
		raw = strings.Split(fmt.Sprint(val), ",")
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// clamp forces values into range and remembers what it changed
type clamp struct {
	warnings []string
}

func (c *clamp) note(key string, from, to interface{}) {
	c.warnings = append(c.warnings, fmt.Sprintf("%s=%v clamped to %v", key, from, to))
}

func (c *clamp) floatIn(v *viper.Viper, key string, lo, hi float64) float64 {
	x := v.GetFloat64(key)
	switch {
	case x < lo:
		c.note(key, x, lo)
		return lo
	case x > hi:
		c.note(key, x, hi)
		return hi
	}
	return x
}

func (c *clamp) intIn(v *viper.Viper, key string, lo, hi int) int {
	x := v.GetInt(key)
	switch {
	case x < lo:
		c.note(key, x, lo)
		return lo
	case x > hi:
		c.note(key, x, hi)
		return hi
	}
	return x
}

func (c *clamp) durationIn(v *viper.Viper, key string, lo, hi time.Duration) time.Duration {
	x := v.GetDuration(key)
	switch {
	case x < lo:
		c.note(key, x, lo)
		return lo
	case x > hi:
		c.note(key, x, hi)
		return hi
	}
	return x
}
