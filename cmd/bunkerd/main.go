// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

// Command bunkerd runs the remote-signing fleet: one signer daemon
// per identity found in the store, plus the optional config-held main
// identity, all sharing one relay pool and one SQLite store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/keyhaven/bunkerd/fleet"
	"github.com/keyhaven/bunkerd/lib/clock"
	"github.com/keyhaven/bunkerd/lib/config"
	"github.com/keyhaven/bunkerd/lib/secret"
	"github.com/keyhaven/bunkerd/relays"
	"github.com/keyhaven/bunkerd/signer"
	"github.com/keyhaven/bunkerd/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("bunkerd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logLevel string
	pflag.StringVar(&configPath, "config", "", "path to bunkerd.yaml (overrides BUNKERD_CONFIG)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	level, err := parseLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Config{Path: cfg.Store, Logger: logger})
	if err != nil {
		return err
	}
	defer st.Close()

	clk := clock.Real()
	pool := relays.New(cfg.Relays, clk, logger)
	defer pool.Close()

	mainPub, mainPriv, err := cfg.MainIdentity.Keys()
	if err != nil {
		return err
	}

	rotationHour, rotationMinute, err := config.ParseRotationTime(cfg.RotationTime)
	if err != nil {
		return err
	}

	orchestrator, err := fleet.New(fleet.Config{
		Store:          st,
		Factory:        daemonFactory(st, pool, clk, logger, cfg.SessionTTL.Std(), mainPub),
		MainPublicKey:  mainPub,
		MainPrivateKey: mainPriv,
		RescanInterval: cfg.RescanInterval.Std(),
		RotationHour:   rotationHour,
		RotationMinute: rotationMinute,
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	logger.Info("bunkerd starting",
		"relays", cfg.Relays, "store", cfg.Store,
		"rescan_interval", cfg.RescanInterval.Std(),
		"rotation_time", cfg.RotationTime,
		"main_identity", mainPub != "")

	if err := orchestrator.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// daemonFactory builds one signer daemon per discovered identity. The
// main identity's key lives in the config file, so it gets a static
// key source; scoped identities fetch their key from the store on
// every operation.
func daemonFactory(st *store.Store, pool *relays.Pool, clk clock.Clock, logger *slog.Logger, sessionTTL time.Duration, mainPub string) fleet.Factory {
	return func(identity fleet.Identity) (fleet.Daemon, error) {
		key, err := secret.NewFromString(identity.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("sealing key material for %s: %w", identity.PublicKey, err)
		}

		var keys signer.KeySource = st
		if identity.PublicKey == mainPub {
			keys = signer.NewStaticKeySource(identity.PublicKey, key)
		}

		return signer.New(signer.Config{
			OwnerPublicKey: identity.PublicKey,
			SecretKey:      key,
			Scope:          identity.Scope,
			Bus:            pool,
			Keys:           keys,
			Authorizer:     signer.NewAuthorizer(st, identity.PublicKey, identity.Scope, sessionTTL, clk, logger),
			Clock:          clk,
			Logger:         logger,
		})
	}
}

func parseLevel(value string) (slog.Level, error) {
	switch value {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", value)
	}
}
