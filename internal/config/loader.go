package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over
// Defaults, loads .env if present and applies TICKGRID_* overrides. The
// result is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and per-deploy settings
// without touching the TOML file. Unset or empty variables change nothing.
func applyEnvOverrides(cfg *Config) {
	// ── Game ──
	setInt(&cfg.Game.Rows, "TICKGRID_GAME_ROWS")
	setInt(&cfg.Game.Cols, "TICKGRID_GAME_COLS")
	setInt64(&cfg.Game.TicksPerColumn, "TICKGRID_GAME_TICKS_PER_COLUMN")
	setFloat64(&cfg.Game.PriceStep, "TICKGRID_GAME_PRICE_STEP")
	setFloat64(&cfg.Game.Tolerance, "TICKGRID_GAME_TOLERANCE")
	setFloat64Slice(&cfg.Game.BetSizes, "TICKGRID_GAME_BET_SIZES")
	setFloat64(&cfg.Game.InitialBalance, "TICKGRID_GAME_INITIAL_BALANCE")
	setInt(&cfg.Game.RateLimit, "TICKGRID_GAME_RATE_LIMIT")
	setDuration(&cfg.Game.RateWindow, "TICKGRID_GAME_RATE_WINDOW")

	// ── Feed ──
	setStr(&cfg.Feed.Source, "TICKGRID_FEED_SOURCE")
	setStr(&cfg.Feed.URL, "TICKGRID_FEED_URL")
	setStr(&cfg.Feed.Symbol, "TICKGRID_FEED_SYMBOL")
	setInt(&cfg.Feed.Precision, "TICKGRID_FEED_PRECISION")
	setDuration(&cfg.Feed.GapThreshold, "TICKGRID_FEED_GAP_THRESHOLD")
	setDuration(&cfg.Feed.StaleAfter, "TICKGRID_FEED_STALE_AFTER")
	setDuration(&cfg.Feed.ReconnectDelay, "TICKGRID_FEED_RECONNECT_DELAY")
	setDuration(&cfg.Feed.MaxReconnectDelay, "TICKGRID_FEED_MAX_RECONNECT_DELAY")
	setInt(&cfg.Feed.AlertAfter, "TICKGRID_FEED_ALERT_AFTER")

	// ── Ledger / settlement ──
	setInt(&cfg.Ledger.Capacity, "TICKGRID_LEDGER_CAPACITY")
	setInt(&cfg.Settlement.Workers, "TICKGRID_SETTLEMENT_WORKERS")
	setDuration(&cfg.Settlement.RetryInterval, "TICKGRID_SETTLEMENT_RETRY_INTERVAL")

	// ── Store ──
	setStr(&cfg.Store.Driver, "TICKGRID_STORE_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TICKGRID_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "TICKGRID_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TICKGRID_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TICKGRID_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TICKGRID_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TICKGRID_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TICKGRID_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TICKGRID_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TICKGRID_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TICKGRID_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TICKGRID_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TICKGRID_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TICKGRID_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TICKGRID_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TICKGRID_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "TICKGRID_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "TICKGRID_REDIS_KEY_PREFIX")

	// ── Kafka ──
	setBool(&cfg.Kafka.Enabled, "TICKGRID_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "TICKGRID_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "TICKGRID_KAFKA_TOPIC")

	// ── S3 / archive ──
	setStr(&cfg.S3.Endpoint, "TICKGRID_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TICKGRID_S3_REGION")
	setStr(&cfg.S3.Bucket, "TICKGRID_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TICKGRID_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TICKGRID_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TICKGRID_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TICKGRID_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Archive.Enabled, "TICKGRID_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "TICKGRID_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "TICKGRID_ARCHIVE_RETENTION")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TICKGRID_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TICKGRID_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TICKGRID_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "TICKGRID_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "TICKGRID_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TICKGRID_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TICKGRID_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TICKGRID_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TICKGRID_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "TICKGRID_NOTIFY_COOLDOWN")

	// ── Top-level ──
	setStr(&cfg.Mode, "TICKGRID_MODE")
	setStr(&cfg.LogLevel, "TICKGRID_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

func setFloat64Slice(dst *[]float64, key string) {
	var parts []string
	setStringSlice(&parts, key)
	if len(parts) == 0 {
		return
	}
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return
		}
		out = append(out, f)
	}
	*dst = out
}
