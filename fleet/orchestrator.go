// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/keyhaven/bunkerd/lib/clock"
	"github.com/keyhaven/bunkerd/store"
)

// Daemon is the lifecycle surface the orchestrator drives. Satisfied
// by *signer.Daemon.
type Daemon interface {
	Start(ctx context.Context) error
	Stop()
	OwnerPublicKey() string
}

// Identity is one discovered signer identity: key pair plus tenant
// scope (empty for the main identity).
type Identity struct {
	PublicKey  string
	PrivateKey string
	Scope      string
}

// Factory builds a stopped daemon for one identity. Stopped daemons
// are never restarted; rotation builds fresh ones.
type Factory func(identity Identity) (Daemon, error)

// Config holds the orchestrator parameters.
type Config struct {
	Store   *store.Store
	Factory Factory

	// MainPublicKey and MainPrivateKey are the config-held main
	// identity. Both empty means no main identity is served.
	MainPublicKey  string
	MainPrivateKey string

	// RescanInterval is the period of the discovery/purge/reconcile
	// pass.
	RescanInterval time.Duration

	// RotationHour and RotationMinute give the daily UTC rotation
	// time.
	RotationHour   int
	RotationMinute int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Orchestrator converges the running daemon set onto the discovered
// identity set.
type Orchestrator struct {
	store          *store.Store
	factory        Factory
	mainPublicKey  string
	mainPrivateKey string
	rescanInterval time.Duration
	rotationHour   int
	rotationMinute int
	clock          clock.Clock
	logger         *slog.Logger

	mu        sync.Mutex
	instances map[string]Daemon
}

// New builds an orchestrator. Nothing runs until Run.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("fleet: Store is required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("fleet: Factory is required")
	}
	if cfg.RescanInterval <= 0 {
		return nil, fmt.Errorf("fleet: RescanInterval must be positive")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:          cfg.Store,
		factory:        cfg.Factory,
		mainPublicKey:  cfg.MainPublicKey,
		mainPrivateKey: cfg.MainPrivateKey,
		rescanInterval: cfg.RescanInterval,
		rotationHour:   cfg.RotationHour,
		rotationMinute: cfg.RotationMinute,
		clock:          clk,
		logger:         logger,
		instances:      make(map[string]Daemon),
	}, nil
}

// Discover returns the identities that should have a live daemon: the
// main identity when configured, plus one per scope row with usable
// key material. Rows with malformed keys are logged and skipped, never
// fatal.
func (o *Orchestrator) Discover(ctx context.Context) ([]Identity, error) {
	var identities []Identity
	if o.mainPublicKey != "" && o.mainPrivateKey != "" {
		identities = append(identities, Identity{
			PublicKey:  o.mainPublicKey,
			PrivateKey: o.mainPrivateKey,
		})
	}

	scoped, err := o.store.ListScopesWithKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("fleet: discovering scoped identities: %w", err)
	}
	for _, identity := range scoped {
		if !nostr.IsValidPublicKey(identity.PublicKey) {
			o.logger.Warn("skipping identity with unusable key material",
				"scope", identity.Scope, "pubkey", identity.PublicKey)
			continue
		}
		identities = append(identities, Identity{
			PublicKey:  identity.PublicKey,
			PrivateKey: identity.PrivateKey,
			Scope:      identity.Scope,
		})
	}
	return identities, nil
}

// reconcile runs one convergence pass: purge expired tokens, discover,
// start daemons for identities with no live instance. Live daemons are
// never restarted here, and never stopped for lack of tokens.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	purged, err := o.store.DeleteExpiredTokens(ctx, o.clock.Now())
	if err != nil {
		return fmt.Errorf("fleet: purging expired tokens: %w", err)
	}
	if purged > 0 {
		o.logger.Info("purged expired connect tokens", "count", purged)
	}

	identities, err := o.Discover(ctx)
	if err != nil {
		return err
	}

	for _, identity := range identities {
		o.mu.Lock()
		_, live := o.instances[identity.PublicKey]
		o.mu.Unlock()
		if live {
			continue
		}

		daemon, err := o.factory(identity)
		if err != nil {
			o.logger.Error("building signer daemon failed",
				"pubkey", identity.PublicKey, "scope", identity.Scope, "error", err)
			continue
		}
		if err := daemon.Start(ctx); err != nil {
			o.logger.Error("starting signer daemon failed",
				"pubkey", identity.PublicKey, "scope", identity.Scope, "error", err)
			continue
		}

		o.mu.Lock()
		o.instances[identity.PublicKey] = daemon
		o.mu.Unlock()
		o.logger.Info("signer daemon running", "pubkey", identity.PublicKey, "scope", identity.Scope)
	}
	return nil
}

// stopAll stops every live daemon and clears the instance map.
func (o *Orchestrator) stopAll() {
	o.mu.Lock()
	daemons := make([]Daemon, 0, len(o.instances))
	for _, daemon := range o.instances {
		daemons = append(daemons, daemon)
	}
	o.instances = make(map[string]Daemon)
	o.mu.Unlock()

	for _, daemon := range daemons {
		daemon.Stop()
	}
}

// rotate performs the daily cycle: stop everything, then a full
// reconcile builds fresh daemons. Sessions are untouched.
func (o *Orchestrator) rotate(ctx context.Context) {
	o.logger.Info("daily rotation: stopping fleet")
	o.stopAll()
	if err := o.reconcile(ctx); err != nil {
		o.logger.Error("reconcile after rotation failed; retrying at next rescan", "error", err)
	}
}

// Running returns the owner public keys of live daemons, sorted.
func (o *Orchestrator) Running() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.instances))
	for key := range o.instances {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Run converges immediately, then drives the rescan ticker and the
// daily rotation until ctx is cancelled. On cancellation every daemon
// is stopped before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.reconcile(ctx); err != nil {
		o.logger.Error("initial reconcile failed; retrying at next rescan", "error", err)
	}

	rescan := o.clock.NewTicker(o.rescanInterval)
	defer rescan.Stop()

	rotation := o.clock.After(o.untilNextRotation())
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("shutting down fleet")
			o.stopAll()
			return ctx.Err()

		case <-rescan.C:
			if err := o.reconcile(ctx); err != nil {
				o.logger.Error("rescan reconcile failed; retrying at next rescan", "error", err)
			}

		case <-rotation:
			o.rotate(ctx)
			rotation = o.clock.After(o.untilNextRotation())
		}
	}
}

// untilNextRotation computes the wait to the next daily rotation
// instant in UTC.
func (o *Orchestrator) untilNextRotation() time.Duration {
	now := o.clock.Now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), o.rotationHour, o.rotationMinute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
