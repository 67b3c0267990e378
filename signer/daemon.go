// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/keyhaven/bunkerd/lib/clock"
	"github.com/keyhaven/bunkerd/lib/secret"
	"github.com/keyhaven/bunkerd/rpc"
)

// Bus is the relay surface a daemon needs: publish responses, stream
// matching request events. Implemented by relays.Pool in production
// and by channel-backed fakes in tests.
type Bus interface {
	rpc.Publisher
	Subscribe(ctx context.Context, filter nostr.Filter) <-chan *nostr.Event
}

// Config holds the parameters for one signing daemon.
type Config struct {
	// OwnerPublicKey and SecretKey are the identity this daemon signs
	// for. The daemon takes ownership of the buffer and zeroes it on
	// Stop.
	OwnerPublicKey string
	SecretKey      *secret.Buffer

	// Scope is the tenant partition for sessions. Empty for the main
	// identity.
	Scope string

	// Bus carries request events in and response events out.
	Bus Bus

	// Keys fetches the private key per operation for the cipher and
	// sign_event handlers.
	Keys KeySource

	// Authorizer gates every call on a session.
	Authorizer *Authorizer

	Clock  clock.Clock
	Logger *slog.Logger
}

// Daemon serves one identity: one subscription over the relay set,
// one goroutine per delivered event.
type Daemon struct {
	ownerPublicKey string
	secretKey      *secret.Buffer
	scope          string
	bus            Bus
	adapter        *rpc.Adapter
	handler        *Handler
	clock          clock.Clock
	logger         *slog.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	inflight   sync.WaitGroup
	stopped    chan struct{}
	terminated bool
}

// New builds a daemon. Start must be called before it serves anything.
func New(cfg Config) (*Daemon, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("signer: Bus is required")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("signer: Keys is required")
	}
	if cfg.Authorizer == nil {
		return nil, fmt.Errorf("signer: Authorizer is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("owner", cfg.OwnerPublicKey, "scope", cfg.Scope)

	adapter, err := rpc.NewAdapter(rpc.AdapterConfig{
		OwnerPublicKey: cfg.OwnerPublicKey,
		SecretKey:      cfg.SecretKey,
		Publisher:      cfg.Bus,
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	return &Daemon{
		ownerPublicKey: cfg.OwnerPublicKey,
		secretKey:      cfg.SecretKey,
		scope:          cfg.Scope,
		bus:            cfg.Bus,
		adapter:        adapter,
		handler:        NewHandler(cfg.OwnerPublicKey, cfg.Keys, cfg.Authorizer, logger),
		clock:          clk,
		logger:         logger,
	}, nil
}

// Start opens the subscription and begins serving. The filter matches
// kind-24133 events p-tagged to the owner from now on; history is
// never replayed.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.terminated {
		return fmt.Errorf("signer: daemon for %s was stopped; build a new one", d.ownerPublicKey)
	}
	if d.cancel != nil {
		return fmt.Errorf("signer: daemon for %s already started", d.ownerPublicKey)
	}

	runCtx, cancel := context.WithCancel(ctx)
	since := nostr.Timestamp(d.clock.Now().Unix())
	events := d.bus.Subscribe(runCtx, nostr.Filter{
		Kinds: []int{nostr.KindNostrConnect},
		Tags:  nostr.TagMap{"p": []string{d.ownerPublicKey}},
		Since: &since,
	})

	d.cancel = cancel
	d.stopped = make(chan struct{})
	go d.run(runCtx, events)

	d.logger.Info("signer daemon started")
	return nil
}

func (d *Daemon) run(ctx context.Context, events <-chan *nostr.Event) {
	defer close(d.stopped)
	for event := range events {
		d.inflight.Add(1)
		go func(event *nostr.Event) {
			defer d.inflight.Done()
			d.handleEvent(ctx, event)
		}(event)
	}
}

// handleEvent processes one delivered event. Any failure here is
// per-event: logged, possibly answered with an error response, never
// allowed to end the subscription.
func (d *Daemon) handleEvent(ctx context.Context, event *nostr.Event) {
	if ok, err := event.CheckSignature(); !ok {
		d.logger.Warn("dropping event with bad signature", "event", event.ID, "error", err)
		return
	}

	request, _, err := d.adapter.Parse(event)
	if err != nil {
		// Undecryptable content means the sender cannot be trusted, so
		// there is nobody to answer.
		d.logger.Warn("dropping undecodable event", "event", event.ID, "error", err)
		return
	}
	if request == nil {
		return
	}

	result, err := d.handler.Handle(ctx, request)
	if errors.Is(err, ErrUnknownMethod) {
		d.logger.Warn("ignoring unknown method", "method", request.Method, "remote", request.Sender)
		return
	}
	if err != nil {
		d.logger.Warn("request failed",
			"method", request.Method, "remote", request.Sender, "error", err)
	}

	if sendErr := d.adapter.SendResponse(ctx, request.ID, request.Sender, request.Scheme, result, err); sendErr != nil {
		d.logger.Warn("response publish failed",
			"method", request.Method, "remote", request.Sender, "error", sendErr)
	}
}

// Stop closes the subscription, waits for in-flight events, and zeroes
// the key material. Idempotent.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	stopped := d.stopped
	d.cancel = nil
	d.terminated = true
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		d.logger.Warn("subscription did not close within 5s")
	}
	d.inflight.Wait()
	d.secretKey.Close()
	d.logger.Info("signer daemon stopped")
}

// OwnerPublicKey identifies the daemon in the orchestrator's instance
// map.
func (d *Daemon) OwnerPublicKey() string { return d.ownerPublicKey }
