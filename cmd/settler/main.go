// Command settler is the entry point for the settlement engine. It loads
// configuration, validates it, sets up signal handling, and starts the
// application in the configured mode. Two maintenance flags generate
// Groth16 keys and encrypt the engine key instead of starting the engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/shadowsettle/internal/app"
	"github.com/alanyoungcy/shadowsettle/internal/config"
	"github.com/alanyoungcy/shadowsettle/internal/crypto"
	"github.com/alanyoungcy/shadowsettle/internal/zk"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file (env only when empty)")
	zkSetup := flag.String("zk-setup", "", "run a Groth16 setup, write ccs/pk/vk to this directory and exit")
	encryptKey := flag.String("encrypt-key", "", "encrypt keys.private_key with keys.key_password to this file and exit")
	flag.Parse()

	logger := newLogger("info")
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	switch {
	case *zkSetup != "":
		if err := runZKSetup(*zkSetup, logger); err != nil {
			logger.Error("zk setup failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	case *encryptKey != "":
		if err := runEncryptKey(cfg, *encryptKey, logger); err != nil {
			logger.Error("key encryption failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("settler starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("settler stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func runZKSetup(dir string, logger *slog.Logger) error {
	logger.Warn("single-party setup; use ceremony keys in production")
	p, err := zk.DevSetup()
	if err != nil {
		return err
	}
	if err := p.WriteKeys(dir); err != nil {
		return err
	}
	logger.Info("groth16 keys written",
		slog.String("dir", dir),
		slog.Int("constraints", p.Constraints()),
	)
	return nil
}

func runEncryptKey(cfg *config.Config, out string, logger *slog.Logger) error {
	if cfg.Keys.PrivateKey == "" {
		return errors.New("keys.private_key (SETTLER_KEYS_PRIVATE_KEY) is empty")
	}
	blob, err := crypto.EncryptKey(cfg.Keys.PrivateKey, cfg.Keys.KeyPassword)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, blob, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	logger.Info("encrypted key written", slog.String("path", out))
	return nil
}
