package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/shadowsettle/internal/blob/s3"
	"github.com/alanyoungcy/shadowsettle/internal/cache/redis"
	"github.com/alanyoungcy/shadowsettle/internal/config"
	"github.com/alanyoungcy/shadowsettle/internal/crypto"
	"github.com/alanyoungcy/shadowsettle/internal/domain"
	"github.com/alanyoungcy/shadowsettle/internal/ledger"
	"github.com/alanyoungcy/shadowsettle/internal/metrics"
	"github.com/alanyoungcy/shadowsettle/internal/notify"
	"github.com/alanyoungcy/shadowsettle/internal/platform/chain"
	"github.com/alanyoungcy/shadowsettle/internal/platform/clearnode"
	"github.com/alanyoungcy/shadowsettle/internal/server/handler"
	"github.com/alanyoungcy/shadowsettle/internal/settlement"
	"github.com/alanyoungcy/shadowsettle/internal/store/postgres"
	"github.com/alanyoungcy/shadowsettle/internal/zk"
)

// busNamespace prefixes every Redis channel and stream the engine uses.
const busNamespace = "settler"

// Dependencies bundles everything the modes need. Optional backends are left
// as nil interfaces when disabled so consumers can test them against nil.
type Dependencies struct {
	Metrics *metrics.Metrics
	Keys    *crypto.KeyService
	Ledger  *ledger.BetLedger
	Guard   *ledger.LiquidityGuard
	Engine  *settlement.Engine

	Chain     *chain.Gateway    // nil without chain.rpc_url
	ClearNode *clearnode.Client // nil without clearnode.url

	// Stores
	SettlementStore domain.SettlementStore
	BetStore        domain.BetStore
	AuditStore      domain.AuditStore

	// Redis
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Archiver domain.SettlementArchiver

	// Notifications
	Notifier *notify.Notifier

	HealthChecks map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics:      metrics.New(),
		Ledger:       ledger.NewBetLedger(logger),
		Guard:        ledger.NewLiquidityGuard(),
		HealthChecks: map[string]handler.HealthCheck{},
	}

	// --- Engine key ---
	keys, err := crypto.LoadKeyService(crypto.KeyConfig{
		Hardened:               cfg.Keys.Hardened,
		SecureKeyPath:          cfg.Keys.SecureKeyPath,
		AllowEphemeralFallback: cfg.Keys.AllowEphemeralFallback,
		RawPrivateKey:          cfg.Keys.PrivateKey,
		EncryptedKeyPath:       cfg.Keys.EncryptedKeyPath,
		KeyPassword:            cfg.Keys.KeyPassword,
	}, deps.Metrics, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: keys: %w", err))
	}
	deps.Keys = keys

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, "settler", logger)

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.SettlementStore = postgres.NewSettlementStore(pool)
		deps.BetStore = postgres.NewBetStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.Dial(ctx, redis.Options{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLS:        cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, busNamespace)
		deps.HealthChecks["redis"] = redisClient.Ping
	}

	// --- S3 settlement archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		objects := s3blob.NewObjects(s3Client, keys.Address().Hex())
		deps.Archiver = s3blob.NewArchiver(objects, objects, deps.AuditStore)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Chain ---
	if cfg.Chain.RPCURL != "" {
		client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return fail(fmt.Errorf("wire: chain: %w", err))
		}
		closers = append(closers, client.Close)

		var chainID *big.Int
		if cfg.Chain.ChainID > 0 {
			chainID = big.NewInt(cfg.Chain.ChainID)
		}
		deps.Chain = chain.NewGateway(client, keys, chain.Config{
			Contract:       common.HexToAddress(cfg.Chain.ContractAddress),
			ChainID:        chainID,
			MaxBlockRange:  cfg.Chain.MaxBlockRange,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout.Duration,
			GasBufferPct:   cfg.Chain.GasBufferPct,
		}, logger)
		deps.HealthChecks["chain"] = func(ctx context.Context) error {
			_, err := deps.Chain.BlockNumber(ctx)
			return err
		}
	}

	// --- ClearNode ---
	if cfg.ClearNode.URL != "" {
		var allowances []crypto.Allowance
		if cfg.ClearNode.Allowance != "" {
			allowances = []crypto.Allowance{{Asset: cfg.ClearNode.Asset, Amount: cfg.ClearNode.Allowance}}
		}
		deps.ClearNode = clearnode.NewClient(clearnode.Config{
			URL:            cfg.ClearNode.URL,
			Application:    cfg.ClearNode.Application,
			Scope:          cfg.ClearNode.Scope,
			Allowances:     allowances,
			Asset:          cfg.ClearNode.Asset,
			AssetDecimals:  cfg.ClearNode.AssetDecimals,
			SessionTTL:     cfg.ClearNode.SessionTTL.Duration,
			RequestTimeout: cfg.ClearNode.RequestTimeout.Duration,
			ReconnectDelay: cfg.ClearNode.ReconnectDelay.Duration,
		}, keys, deps.Metrics, logger)
		deps.HealthChecks["clearnode"] = func(context.Context) error {
			if st := deps.ClearNode.State(); st != clearnode.StateAuthenticated {
				return fmt.Errorf("clearnode: %s", st)
			}
			return nil
		}
	}

	// --- Prover + settlement engine ---
	prover, err := loadProver(cfg.Prover, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: prover: %w", err))
	}
	opts := []settlement.Option{settlement.WithAlerter(deps.Notifier)}
	if deps.SettlementStore != nil {
		opts = append(opts, settlement.WithStore(deps.SettlementStore))
	}
	deps.Engine = settlement.NewEngine(settlement.Config{
		FeeBps:       cfg.Engine.FeeBps,
		ProveTimeout: cfg.Engine.ProveTimeout.Duration,
	}, deps.Ledger, prover, deps.Metrics, logger, opts...)

	return deps, cleanup, nil
}

// loadProver returns nil (no proofs) when the prover is disabled.
func loadProver(cfg config.ProverConfig, logger *slog.Logger) (zk.Prover, error) {
	if !cfg.Enabled {
		logger.Warn("prover disabled, settlements will carry no proof")
		return nil, nil
	}
	if cfg.DevSetup {
		logger.Warn("running single-party groth16 setup; keys are not ceremony-grade")
		p, err := zk.DevSetup()
		if err != nil {
			return nil, err
		}
		logger.Info("prover ready", slog.Int("constraints", p.Constraints()))
		return p, nil
	}
	if cfg.CCSPath == "" || cfg.PKPath == "" || cfg.VKPath == "" {
		return nil, errors.New("prover key paths not configured")
	}
	p, err := zk.LoadGroth16Prover(cfg.CCSPath, cfg.PKPath, cfg.VKPath)
	if err != nil {
		return nil, err
	}
	logger.Info("prover ready", slog.Int("constraints", p.Constraints()))
	return p, nil
}
