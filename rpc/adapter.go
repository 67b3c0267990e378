// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/keyhaven/bunkerd/lib/clock"
	"github.com/keyhaven/bunkerd/lib/secret"
)

// Publisher publishes a signed event to the relay set. Implemented by
// relays.Pool in production and by in-memory fakes in tests.
type Publisher interface {
	Publish(ctx context.Context, event nostr.Event) error
}

// defaultRequestTimeout bounds SendRequest's wait for a response. The
// protocol itself specifies no timeout; an unbounded wait would leak a
// goroutine and a pending entry per unanswered request, so outbound
// calls fail after one minute.
const defaultRequestTimeout = time.Minute

// AdapterConfig holds the parameters for creating an Adapter.
type AdapterConfig struct {
	// OwnerPublicKey is the hex public key of the identity this
	// adapter speaks for.
	OwnerPublicKey string

	// SecretKey is the owner's secret key, held in locked memory.
	// The adapter borrows it; the daemon that owns the identity
	// closes it.
	SecretKey *secret.Buffer

	// Publisher delivers outgoing events to the relay set.
	Publisher Publisher

	// Clock is used for the outbound request timeout. If nil,
	// clock.Real() is used.
	Clock clock.Clock

	// Logger receives publish failures and correlation drops. If
	// nil, slog.Default() is used.
	Logger *slog.Logger

	// RequestTimeout overrides the outbound request timeout. Zero
	// means the one-minute default.
	RequestTimeout time.Duration
}

// Adapter encrypts, decrypts, and correlates RPC traffic for one owner
// identity. It is safe for concurrent use.
type Adapter struct {
	ownerPublicKey string
	secretKey      *secret.Buffer
	publisher      Publisher
	clock          clock.Clock
	logger         *slog.Logger
	requestTimeout time.Duration

	mu            sync.Mutex
	conversations map[string]*Conversation
	pending       map[string]chan *Response
}

// NewAdapter creates an Adapter for one owner identity.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.OwnerPublicKey == "" {
		return nil, fmt.Errorf("rpc: OwnerPublicKey is required")
	}
	if cfg.SecretKey == nil {
		return nil, fmt.Errorf("rpc: SecretKey is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("rpc: Publisher is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Adapter{
		ownerPublicKey: cfg.OwnerPublicKey,
		secretKey:      cfg.SecretKey,
		publisher:      cfg.Publisher,
		clock:          clk,
		logger:         logger,
		requestTimeout: timeout,
		conversations:  make(map[string]*Conversation),
		pending:        make(map[string]chan *Response),
	}, nil
}

// Parse decrypts one relay event and decodes it into a Request or a
// Response. Exactly one of the returns is non-nil on success.
//
// Responses matching a pending SendRequest correlation are delivered
// to the waiter as a side effect, so callers that only serve inbound
// requests can ignore the Response return.
func (a *Adapter) Parse(event *nostr.Event) (*Request, *Response, error) {
	conversation, err := a.conversation(event.PubKey)
	if err != nil {
		return nil, nil, err
	}

	plaintext, scheme, err := conversation.Decrypt(event.Content)
	if err != nil {
		return nil, nil, err
	}

	request, response, err := decodeEnvelope(plaintext, event.PubKey, scheme)
	if err != nil {
		return nil, nil, err
	}

	if response != nil {
		a.deliver(response)
	}
	return request, response, nil
}

// SendResponse encrypts a response under the request's scheme, wraps
// it in a signed kind-24133 event p-tagged to the remote caller, and
// publishes it. Publish failures are returned but not retried.
func (a *Adapter) SendResponse(ctx context.Context, id, remotePublicKey string, scheme Scheme, result string, callErr error) error {
	payload, err := encodeResponse(id, result, callErr)
	if err != nil {
		return err
	}
	return a.publish(ctx, remotePublicKey, payload, scheme)
}

// SendRequest encrypts an outbound call under the NIP-44 scheme,
// publishes it, and blocks until the matching response arrives or the
// adapter's request timeout elapses. Used for the rare signer-initiated
// flows such as auth_url challenges.
func (a *Adapter) SendRequest(ctx context.Context, remotePublicKey, method string, params []string) (*Response, error) {
	id, err := newRequestID()
	if err != nil {
		return nil, err
	}

	payload, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	// Register the correlation before publishing so a fast response
	// cannot race past the waiter.
	responseCh := make(chan *Response, 1)
	a.mu.Lock()
	a.pending[id] = responseCh
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, id)
		a.mu.Unlock()
	}()

	if err := a.publish(ctx, remotePublicKey, payload, SchemeNIP44); err != nil {
		return nil, err
	}

	select {
	case response := <-responseCh:
		return response, nil
	case <-a.clock.After(a.requestTimeout):
		return nil, fmt.Errorf("rpc: request %s (%s) timed out after %v", id, method, a.requestTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("rpc: request %s (%s): %w", id, method, ctx.Err())
	}
}

// publish encrypts a payload for the remote, builds and signs the
// event, and hands it to the publisher.
func (a *Adapter) publish(ctx context.Context, remotePublicKey, payload string, scheme Scheme) error {
	conversation, err := a.conversation(remotePublicKey)
	if err != nil {
		return err
	}

	ciphertext, err := conversation.Encrypt(payload, scheme)
	if err != nil {
		return err
	}

	event := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindNostrConnect,
		Tags:      nostr.Tags{{"p", remotePublicKey}},
		Content:   ciphertext,
	}
	if err := event.Sign(a.secretKey.String()); err != nil {
		return fmt.Errorf("rpc: signing outgoing event: %w", err)
	}

	if err := a.publisher.Publish(ctx, event); err != nil {
		return fmt.Errorf("rpc: publishing to %s: %w", remotePublicKey, err)
	}
	return nil
}

// deliver resolves a pending correlation, if any. Responses with no
// waiter are logged and dropped; they are usually replays or answers
// to a request that already timed out.
func (a *Adapter) deliver(response *Response) {
	a.mu.Lock()
	waiter, ok := a.pending[response.ID]
	if ok {
		delete(a.pending, response.ID)
	}
	a.mu.Unlock()

	if !ok {
		a.logger.Debug("response with no pending request", "id", response.ID)
		return
	}
	waiter <- response
}

// conversation returns the cached Conversation for a peer, deriving
// it on first use.
func (a *Adapter) conversation(peerPublicKey string) (*Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if conversation, ok := a.conversations[peerPublicKey]; ok {
		return conversation, nil
	}
	conversation, err := NewConversation(a.secretKey, peerPublicKey)
	if err != nil {
		return nil, err
	}
	a.conversations[peerPublicKey] = conversation
	return conversation, nil
}

// newRequestID returns a random 16-hex-character correlation id.
func newRequestID() (string, error) {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("rpc: generating request id: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
