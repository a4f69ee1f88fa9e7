// Package config defines the tickgrid configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by TICKGRID_* environment variables.
type Config struct {
	Game       GameConfig       `toml:"game"`
	Feed       FeedConfig       `toml:"feed"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Settlement SettlementConfig `toml:"settlement"`
	Store      StoreConfig      `toml:"store"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Kafka      KafkaConfig      `toml:"kafka"`
	S3         S3Config         `toml:"s3"`
	Archive    ArchiveConfig    `toml:"archive"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// GameConfig shapes the grid and the wager rules.
type GameConfig struct {
	Rows           int       `toml:"rows"`
	Cols           int       `toml:"cols"`
	TicksPerColumn int64     `toml:"ticks_per_column"`
	PriceStep      float64   `toml:"price_step"`
	Tolerance      float64   `toml:"tolerance"`
	BetSizes       []float64 `toml:"bet_sizes"`
	InitialBalance float64   `toml:"initial_balance"`
	// RateLimit caps placements per user per RateWindow. Zero disables it.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// FeedConfig selects and tunes the price source.
type FeedConfig struct {
	Source            string          `toml:"source"` // "exchange" or "synthetic"
	URL               string          `toml:"url"`
	Symbol            string          `toml:"symbol"`
	Precision         int             `toml:"precision"`
	GapThreshold      duration        `toml:"gap_threshold"`
	StaleAfter        duration        `toml:"stale_after"`
	ReconnectDelay    duration        `toml:"reconnect_delay"`
	MaxReconnectDelay duration        `toml:"max_reconnect_delay"`
	AlertAfter        int             `toml:"alert_after"`
	Synthetic         SyntheticConfig `toml:"synthetic"`
}

// SyntheticConfig tunes the random-walk source.
type SyntheticConfig struct {
	Base       float64 `toml:"base"`
	Volatility float64 `toml:"volatility"`
	Band       float64 `toml:"band"`
	JumpChance float64 `toml:"jump_chance"`
}

// LedgerConfig sizes the in-memory tick history.
type LedgerConfig struct {
	Capacity int `toml:"capacity"`
}

// SettlementConfig tunes the settlement engine.
type SettlementConfig struct {
	Workers       int      `toml:"workers"`
	RetryInterval duration `toml:"retry_interval"`
	SettledMemory int      `toml:"settled_memory"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver string `toml:"driver"` // "memory" or "postgres"
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	KeyPrefix    string   `toml:"key_prefix"`
	PriceTTL     duration `toml:"price_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// KafkaConfig configures the optional event sink.
type KafkaConfig struct {
	Enabled bool     `toml:"enabled"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls copying history to object storage.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Interval  duration `toml:"interval"`
	Retention duration `toml:"retention"`
	LockTTL   duration `toml:"lock_ttl"`
}

// ServerConfig holds HTTP API parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey, when set, is required (X-API-Key or Bearer) on mutating routes.
	APIKey string `toml:"api_key"`
	// RateLimit caps requests per client IP per second. Needs Redis.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds operator alert channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// duration lets TOML carry durations as strings such as "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config that runs locally with the synthetic feed and the
// in-memory store.
func Defaults() Config {
	return Config{
		Game: GameConfig{
			Rows:           13,
			Cols:           7,
			TicksPerColumn: 15,
			PriceStep:      20,
			Tolerance:      0.55,
			BetSizes:       []float64{1, 5, 10, 50},
			InitialBalance: 1000,
			RateLimit:      0,
			RateWindow:     duration{time.Second},
		},
		Feed: FeedConfig{
			Source:            "synthetic",
			URL:               "wss://stream.binance.us:9443/ws/btcusd@bookTicker",
			Symbol:            "BTCUSD",
			Precision:         2,
			GapThreshold:      duration{5 * time.Second},
			StaleAfter:        duration{30 * time.Second},
			ReconnectDelay:    duration{5 * time.Second},
			MaxReconnectDelay: duration{60 * time.Second},
			AlertAfter:        3,
			Synthetic: SyntheticConfig{
				Base:       2993.0,
				Volatility: 0.7,
				Band:       8,
				JumpChance: 0.03,
			},
		},
		Ledger: LedgerConfig{Capacity: 1000},
		Settlement: SettlementConfig{
			Workers:       8,
			RetryInterval: duration{time.Second},
			SettledMemory: 10000,
		},
		Store: StoreConfig{Driver: "memory"},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tickgrid",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "tickgrid:",
			PriceTTL:     duration{time.Minute},
			StreamMaxLen: 10000,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "tickgrid.events",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tickgrid-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Interval:  duration{time.Hour},
			Retention: duration{30 * 24 * time.Hour},
			LockTTL:   duration{10 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events:   []string{"feed_gap", "feed_down", "settlement_error", "archive_failed"},
			Cooldown: duration{time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"full":    true,
	"archive": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks cfg and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: full, archive)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	g := c.Game
	if g.Rows < 1 || g.Rows%2 == 0 {
		add("game: rows must be a positive odd number, got %d", g.Rows)
	}
	if g.Cols < 1 {
		add("game: cols must be >= 1, got %d", g.Cols)
	}
	if g.TicksPerColumn < 1 {
		add("game: ticks_per_column must be >= 1, got %d", g.TicksPerColumn)
	}
	if g.PriceStep <= 0 {
		add("game: price_step must be > 0")
	}
	if g.Tolerance <= 0 || g.Tolerance > 1 {
		add("game: tolerance must be in (0, 1], got %v", g.Tolerance)
	}
	if len(g.BetSizes) == 0 {
		add("game: bet_sizes must not be empty")
	}
	for _, s := range g.BetSizes {
		if s <= 0 {
			add("game: bet size %v must be > 0", s)
		} else if decimal.NewFromFloat(s).Exponent() < -2 {
			add("game: bet size %v has more than 2 decimals", s)
		}
	}
	if g.InitialBalance < 0 {
		add("game: initial_balance must be >= 0")
	}
	if g.RateLimit < 0 {
		add("game: rate_limit must be >= 0")
	}
	if g.RateLimit > 0 && !c.Redis.Enabled {
		add("game: rate_limit requires redis.enabled")
	}

	switch c.Feed.Source {
	case "synthetic":
	case "exchange":
		if c.Feed.URL == "" {
			add("feed: url must not be empty for the exchange source")
		}
	default:
		add("feed: unknown source %q (valid: exchange, synthetic)", c.Feed.Source)
	}
	if c.Feed.Precision < 0 || c.Feed.Precision > 8 {
		add("feed: precision must be 0-8, got %d", c.Feed.Precision)
	}
	if c.Feed.GapThreshold.Duration < 0 {
		add("feed: gap_threshold must be >= 0")
	}

	if c.Ledger.Capacity < 1 {
		add("ledger: capacity must be >= 1")
	}
	if need := int(g.TicksPerColumn) * g.Cols; c.Ledger.Capacity < need {
		add("ledger: capacity %d is smaller than the grid horizon of %d ticks", c.Ledger.Capacity, need)
	}
	if c.Settlement.Workers < 1 {
		add("settlement: workers must be >= 1")
	}
	if c.Settlement.RetryInterval.Duration <= 0 {
		add("settlement: retry_interval must be > 0")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		p := c.Postgres
		if strings.TrimSpace(p.DSN) == "" {
			if p.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if p.Port <= 0 || p.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", p.Port)
			}
			if p.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if p.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if p.PoolMinConns < 0 || p.PoolMinConns > p.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		add("store: unknown driver %q (valid: memory, postgres)", c.Store.Driver)
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			add("kafka: brokers must not be empty")
		}
		if c.Kafka.Topic == "" {
			add("kafka: topic must not be empty")
		}
	}

	if strings.ToLower(c.Mode) == "archive" && c.Store.Driver != "postgres" {
		add("archive mode requires store.driver = postgres")
	}
	if c.Archive.Enabled || strings.ToLower(c.Mode) == "archive" {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
		if c.Archive.Retention.Duration <= 0 {
			add("archive: retention must be > 0")
		}
		if c.Archive.Enabled && c.Archive.Interval.Duration <= 0 {
			add("archive: interval must be > 0")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			add("server: rate_limit requires redis.enabled")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
