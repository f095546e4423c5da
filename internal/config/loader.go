package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PROBENGINE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PROBENGINE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "PROBENGINE_DATABASE_DSN")
	setStr(&cfg.Database.Host, "PROBENGINE_DATABASE_HOST")
	setInt(&cfg.Database.Port, "PROBENGINE_DATABASE_PORT")
	setStr(&cfg.Database.Database, "PROBENGINE_DATABASE_NAME")
	setStr(&cfg.Database.User, "PROBENGINE_DATABASE_USER")
	setStr(&cfg.Database.Password, "PROBENGINE_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "PROBENGINE_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "PROBENGINE_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "PROBENGINE_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "PROBENGINE_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PROBENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PROBENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PROBENGINE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PROBENGINE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PROBENGINE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PROBENGINE_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PROBENGINE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PROBENGINE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PROBENGINE_S3_REGION")
	setStr(&cfg.S3.Bucket, "PROBENGINE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PROBENGINE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PROBENGINE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PROBENGINE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PROBENGINE_S3_FORCE_PATH_STYLE")

	// ── Engine ──
	setFloat64(&cfg.Engine.DefaultTemperature, "PROBENGINE_ENGINE_DEFAULT_TEMPERATURE")
	setDuration(&cfg.Engine.LockTTL, "PROBENGINE_ENGINE_LOCK_TTL")
	setInt(&cfg.Engine.ArchiveRetentionDays, "PROBENGINE_ENGINE_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Engine.ArchiveInterval, "PROBENGINE_ENGINE_ARCHIVE_INTERVAL")

	// ── Scoring ──
	setStr(&cfg.Scoring.BaseURL, "PROBENGINE_SCORING_BASE_URL")
	setStr(&cfg.Scoring.APIKey, "PROBENGINE_SCORING_API_KEY")
	setStr(&cfg.Scoring.Secret, "PROBENGINE_SCORING_SECRET")
	setDuration(&cfg.Scoring.Timeout, "PROBENGINE_SCORING_TIMEOUT")

	// ── Correction ──
	setBool(&cfg.Correction.Enabled, "PROBENGINE_CORRECTION_ENABLED")
	setStr(&cfg.Correction.BaseURL, "PROBENGINE_CORRECTION_BASE_URL")
	setStr(&cfg.Correction.APIKey, "PROBENGINE_CORRECTION_API_KEY")
	setStr(&cfg.Correction.Secret, "PROBENGINE_CORRECTION_SECRET")
	setDuration(&cfg.Correction.Timeout, "PROBENGINE_CORRECTION_TIMEOUT")

	// ── Rules ──
	setBool(&cfg.Rules.Enabled, "PROBENGINE_RULES_ENABLED")
	setStr(&cfg.Rules.BaseURL, "PROBENGINE_RULES_BASE_URL")
	setStr(&cfg.Rules.Token, "PROBENGINE_RULES_TOKEN")
	setDuration(&cfg.Rules.Timeout, "PROBENGINE_RULES_TIMEOUT")
	setDuration(&cfg.Rules.SyncInterval, "PROBENGINE_RULES_SYNC_INTERVAL")

	// ── Ingest ──
	setBool(&cfg.Ingest.Enabled, "PROBENGINE_INGEST_ENABLED")
	setDuration(&cfg.Ingest.Interval, "PROBENGINE_INGEST_INTERVAL")
	setInt(&cfg.Ingest.RateLimit, "PROBENGINE_INGEST_RATE_LIMIT")
	setDuration(&cfg.Ingest.RateWindow, "PROBENGINE_INGEST_RATE_WINDOW")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PROBENGINE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PROBENGINE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PROBENGINE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PROBENGINE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PROBENGINE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "PROBENGINE_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PROBENGINE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PROBENGINE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PROBENGINE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PROBENGINE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PROBENGINE_MODE")
	setStr(&cfg.LogLevel, "PROBENGINE_LOG_LEVEL")
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
