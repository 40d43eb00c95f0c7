// Package config defines the top-level configuration for the settlement
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by SETTLER_* environment variables.
type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Keys      KeysConfig      `toml:"keys"`
	ClearNode ClearNodeConfig `toml:"clearnode"`
	Chain     ChainConfig     `toml:"chain"`
	Prover    ProverConfig    `toml:"prover"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// EngineConfig holds settlement parameters.
type EngineConfig struct {
	FeeBps          uint64   `toml:"fee_bps"`
	ProveTimeout    duration `toml:"prove_timeout"`
	CheckMarketOpen bool     `toml:"check_market_open"`
	DedupTTL        duration `toml:"dedup_ttl"`
}

// KeysConfig selects where the engine key comes from.
type KeysConfig struct {
	Hardened               bool   `toml:"hardened"`
	SecureKeyPath          string `toml:"secure_key_path"`
	AllowEphemeralFallback bool   `toml:"allow_ephemeral_fallback"`
	PrivateKey             string `toml:"private_key"`
	EncryptedKeyPath       string `toml:"encrypted_key_path"`
	KeyPassword            string `toml:"key_password"`
}

// ClearNodeConfig holds the channel network connection parameters. An empty
// URL disables the connection.
type ClearNodeConfig struct {
	URL            string   `toml:"url"`
	Application    string   `toml:"application"`
	Scope          string   `toml:"scope"`
	Asset          string   `toml:"asset"`
	AssetDecimals  int      `toml:"asset_decimals"`
	Allowance      string   `toml:"allowance"`
	SessionTTL     duration `toml:"session_ttl"`
	RequestTimeout duration `toml:"request_timeout"`
	ReconnectDelay duration `toml:"reconnect_delay"`
	CheckBalances  bool     `toml:"check_balances"`
}

// ChainConfig holds the settlement contract endpoint.
type ChainConfig struct {
	RPCURL          string   `toml:"rpc_url"`
	ContractAddress string   `toml:"contract_address"`
	ChainID         int64    `toml:"chain_id"` // 0: ask the node
	StartBlock      uint64   `toml:"start_block"`
	PollInterval    duration `toml:"poll_interval"`
	MaxBlockRange   uint64   `toml:"max_block_range"`
	ReceiptTimeout  duration `toml:"receipt_timeout"`
	GasBufferPct    uint64   `toml:"gas_buffer_pct"`
}

// ProverConfig locates the Groth16 keys.
type ProverConfig struct {
	Enabled  bool   `toml:"enabled"`
	DevSetup bool   `toml:"dev_setup"`
	CCSPath  string `toml:"ccs_path"`
	PKPath   string `toml:"pk_path"`
	VKPath   string `toml:"vk_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled       bool     `toml:"enabled"`
	Port          int      `toml:"port"`
	CORSOrigins   []string `toml:"cors_origins"`
	APIKey        string   `toml:"api_key"`
	BetRateLimit  int      `toml:"bet_rate_limit"`
	BetRateWindow duration `toml:"bet_rate_window"`
	WebSocket     bool     `toml:"websocket"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			FeeBps:       200,
			ProveTimeout: duration{2 * time.Minute},
			DedupTTL:     duration{10 * time.Minute},
		},
		Keys: KeysConfig{
			SecureKeyPath: "/run/secrets/settler.key",
		},
		ClearNode: ClearNodeConfig{
			Application:    "shadowsettle",
			Scope:          "app.create",
			Asset:          "usdc",
			AssetDecimals:  6,
			SessionTTL:     duration{24 * time.Hour},
			RequestTimeout: duration{30 * time.Second},
			ReconnectDelay: duration{5 * time.Second},
		},
		Chain: ChainConfig{
			PollInterval:   duration{10 * time.Second},
			MaxBlockRange:  5000,
			ReceiptTimeout: duration{3 * time.Minute},
			GasBufferPct:   20,
		},
		Prover: ProverConfig{
			Enabled: true,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "settler",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "settler-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:       true,
			Port:          8080,
			CORSOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
			BetRateLimit:  60,
			BetRateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"settlement", "alert"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"server":  true,
	"watcher": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, server, watcher)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if c.Engine.FeeBps > 10000 {
		errs = append(errs, fmt.Sprintf("engine: fee_bps must be <= 10000, got %d", c.Engine.FeeBps))
	}
	if c.Engine.ProveTimeout.Duration <= 0 {
		errs = append(errs, "engine: prove_timeout must be > 0")
	}

	// Keys
	if c.Keys.Hardened && c.Keys.SecureKeyPath == "" {
		errs = append(errs, "keys: secure_key_path is required when hardened")
	}
	if c.Keys.EncryptedKeyPath != "" && c.Keys.KeyPassword == "" {
		errs = append(errs, "keys: key_password is required when encrypted_key_path is set")
	}

	// ClearNode
	if c.ClearNode.URL != "" {
		if !strings.HasPrefix(c.ClearNode.URL, "ws://") && !strings.HasPrefix(c.ClearNode.URL, "wss://") {
			errs = append(errs, fmt.Sprintf("clearnode: url must be ws:// or wss://, got %q", c.ClearNode.URL))
		}
		if c.ClearNode.Asset == "" {
			errs = append(errs, "clearnode: asset must not be empty")
		}
		if c.ClearNode.AssetDecimals < 0 || c.ClearNode.AssetDecimals > 36 {
			errs = append(errs, "clearnode: asset_decimals must be 0-36")
		}
	}
	if c.ClearNode.CheckBalances && c.ClearNode.URL == "" {
		errs = append(errs, "clearnode: check_balances requires url")
	}

	// Chain: the watcher cannot run without a contract.
	needsChain := mode == "full" || mode == "watcher"
	if needsChain || c.Engine.CheckMarketOpen {
		if c.Chain.RPCURL == "" {
			errs = append(errs, "chain: rpc_url must be set for mode "+c.Mode)
		}
		if !common.IsHexAddress(c.Chain.ContractAddress) {
			errs = append(errs, fmt.Sprintf("chain: contract_address %q is not a hex address", c.Chain.ContractAddress))
		}
	}
	if c.Chain.PollInterval.Duration <= 0 {
		errs = append(errs, "chain: poll_interval must be > 0")
	}

	// Prover
	if c.Prover.Enabled && !c.Prover.DevSetup {
		if c.Prover.CCSPath == "" || c.Prover.PKPath == "" || c.Prover.VKPath == "" {
			errs = append(errs, "prover: ccs_path, pk_path and vk_path are required unless dev_setup is set")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled || mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}
	if c.Server.BetRateLimit < 0 {
		errs = append(errs, "server: bet_rate_limit must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
