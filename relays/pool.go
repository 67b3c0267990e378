// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package relays

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/keyhaven/bunkerd/lib/clock"
)

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = time.Minute

	// seenCapacity bounds the subscription dedup set. When it fills,
	// the set is reset; a relay replaying old events past that point
	// produces duplicates rather than unbounded memory growth.
	seenCapacity = 4096
)

// Pool is a connection pool over a fixed set of relay URLs.
type Pool struct {
	urls   []string
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*nostr.Relay
}

// New builds a pool for the given relay URLs. No connections are made
// until Publish or Subscribe needs them.
func New(urls []string, clk clock.Clock, logger *slog.Logger) *Pool {
	return &Pool{
		urls:   urls,
		clock:  clk,
		logger: logger,
		conns:  make(map[string]*nostr.Relay),
	}
}

func (p *Pool) connect(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.Lock()
	if relay, ok := p.conns[url]; ok {
		p.mu.Unlock()
		return relay, nil
	}
	p.mu.Unlock()

	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("relays: connect %s: %w", url, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[url]; ok {
		relay.Close()
		return existing, nil
	}
	p.conns[url] = relay
	return relay, nil
}

func (p *Pool) drop(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if relay, ok := p.conns[url]; ok {
		relay.Close()
		delete(p.conns, url)
	}
}

// Publish sends the event to every relay in the pool. It succeeds if
// at least one relay accepts the event; per-relay failures are logged
// and the failed connection is dropped for reconnection on next use.
func (p *Pool) Publish(ctx context.Context, event nostr.Event) error {
	var accepted int
	var lastErr error
	for _, url := range p.urls {
		relay, err := p.connect(ctx, url)
		if err != nil {
			p.logger.Warn("relay unreachable", "url", url, "error", err)
			lastErr = err
			continue
		}
		if err := relay.Publish(ctx, event); err != nil {
			p.logger.Warn("relay rejected event", "url", url, "event", event.ID, "error", err)
			p.drop(url)
			lastErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 {
		if lastErr == nil {
			return errors.New("relays: no relays configured")
		}
		return fmt.Errorf("relays: event %s accepted by no relay: %w", event.ID, lastErr)
	}
	return nil
}

// Subscribe merges events matching the filter from every relay into a
// single channel. Each relay runs its own goroutine that resubscribes
// with capped exponential backoff when the connection drops. Events
// already delivered (by ID) are suppressed. The channel closes when
// ctx is done.
func (p *Pool) Subscribe(ctx context.Context, filter nostr.Filter) <-chan *nostr.Event {
	out := make(chan *nostr.Event)

	var seenMu sync.Mutex
	seen := make(map[string]struct{}, seenCapacity)
	deliver := func(event *nostr.Event) {
		seenMu.Lock()
		if _, dup := seen[event.ID]; dup {
			seenMu.Unlock()
			return
		}
		if len(seen) >= seenCapacity {
			seen = make(map[string]struct{}, seenCapacity)
		}
		seen[event.ID] = struct{}{}
		seenMu.Unlock()

		select {
		case out <- event:
		case <-ctx.Done():
		}
	}

	var wg sync.WaitGroup
	for _, url := range p.urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			p.subscribeRelay(ctx, url, filter, deliver)
		}(url)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (p *Pool) subscribeRelay(ctx context.Context, url string, filter nostr.Filter, deliver func(*nostr.Event)) {
	delay := reconnectBaseDelay
	for {
		if err := p.streamOnce(ctx, url, filter, deliver); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("relay subscription lost", "url", url, "error", err, "retry_in", delay)
			p.drop(url)
		}

		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (p *Pool) streamOnce(ctx context.Context, url string, filter nostr.Filter, deliver func(*nostr.Event)) error {
	relay, err := p.connect(ctx, url)
	if err != nil {
		return err
	}

	sub, err := relay.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		return fmt.Errorf("relays: subscribe %s: %w", url, err)
	}
	defer sub.Unsub()

	p.logger.Info("subscribed", "url", url)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events:
			if !ok {
				return fmt.Errorf("relays: subscription to %s closed", url)
			}
			deliver(event)
		}
	}
}

// Close shuts every cached relay connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, relay := range p.conns {
		relay.Close()
		delete(p.conns, url)
	}
}
