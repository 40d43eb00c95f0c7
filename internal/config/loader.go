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
// built-in defaults, applies SETTLER_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known SETTLER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). Secrets are normally injected this way rather than through the
// TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setUint64(&cfg.Engine.FeeBps, "SETTLER_ENGINE_FEE_BPS")
	setDuration(&cfg.Engine.ProveTimeout, "SETTLER_ENGINE_PROVE_TIMEOUT")
	setBool(&cfg.Engine.CheckMarketOpen, "SETTLER_ENGINE_CHECK_MARKET_OPEN")
	setDuration(&cfg.Engine.DedupTTL, "SETTLER_ENGINE_DEDUP_TTL")

	// ── Keys ──
	setBool(&cfg.Keys.Hardened, "SETTLER_KEYS_HARDENED")
	setStr(&cfg.Keys.SecureKeyPath, "SETTLER_KEYS_SECURE_KEY_PATH")
	setBool(&cfg.Keys.AllowEphemeralFallback, "SETTLER_KEYS_ALLOW_EPHEMERAL_FALLBACK")
	setStr(&cfg.Keys.PrivateKey, "SETTLER_KEYS_PRIVATE_KEY")
	setStr(&cfg.Keys.EncryptedKeyPath, "SETTLER_KEYS_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Keys.KeyPassword, "SETTLER_KEYS_KEY_PASSWORD")

	// ── ClearNode ──
	setStr(&cfg.ClearNode.URL, "SETTLER_CLEARNODE_URL")
	setStr(&cfg.ClearNode.Application, "SETTLER_CLEARNODE_APPLICATION")
	setStr(&cfg.ClearNode.Asset, "SETTLER_CLEARNODE_ASSET")
	setInt(&cfg.ClearNode.AssetDecimals, "SETTLER_CLEARNODE_ASSET_DECIMALS")
	setStr(&cfg.ClearNode.Allowance, "SETTLER_CLEARNODE_ALLOWANCE")
	setDuration(&cfg.ClearNode.RequestTimeout, "SETTLER_CLEARNODE_REQUEST_TIMEOUT")
	setBool(&cfg.ClearNode.CheckBalances, "SETTLER_CLEARNODE_CHECK_BALANCES")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "SETTLER_CHAIN_RPC_URL")
	setStr(&cfg.Chain.ContractAddress, "SETTLER_CHAIN_CONTRACT_ADDRESS")
	setInt64(&cfg.Chain.ChainID, "SETTLER_CHAIN_CHAIN_ID")
	setUint64(&cfg.Chain.StartBlock, "SETTLER_CHAIN_START_BLOCK")
	setDuration(&cfg.Chain.PollInterval, "SETTLER_CHAIN_POLL_INTERVAL")
	setUint64(&cfg.Chain.MaxBlockRange, "SETTLER_CHAIN_MAX_BLOCK_RANGE")
	setDuration(&cfg.Chain.ReceiptTimeout, "SETTLER_CHAIN_RECEIPT_TIMEOUT")

	// ── Prover ──
	setBool(&cfg.Prover.Enabled, "SETTLER_PROVER_ENABLED")
	setBool(&cfg.Prover.DevSetup, "SETTLER_PROVER_DEV_SETUP")
	setStr(&cfg.Prover.CCSPath, "SETTLER_PROVER_CCS_PATH")
	setStr(&cfg.Prover.PKPath, "SETTLER_PROVER_PK_PATH")
	setStr(&cfg.Prover.VKPath, "SETTLER_PROVER_VK_PATH")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "SETTLER_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "SETTLER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SETTLER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SETTLER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SETTLER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SETTLER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SETTLER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SETTLER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SETTLER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SETTLER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SETTLER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SETTLER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SETTLER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SETTLER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SETTLER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SETTLER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SETTLER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SETTLER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SETTLER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SETTLER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SETTLER_S3_REGION")
	setStr(&cfg.S3.Bucket, "SETTLER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SETTLER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SETTLER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SETTLER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SETTLER_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SETTLER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SETTLER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SETTLER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SETTLER_SERVER_API_KEY")
	setInt(&cfg.Server.BetRateLimit, "SETTLER_SERVER_BET_RATE_LIMIT")
	setBool(&cfg.Server.WebSocket, "SETTLER_SERVER_WEBSOCKET")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "SETTLER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SETTLER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SETTLER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SETTLER_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "SETTLER_MODE")
	setStr(&cfg.LogLevel, "SETTLER_LOG_LEVEL")
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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
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
