// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/keyhaven/bunkerd/lib/secret"
	"github.com/keyhaven/bunkerd/lib/testutil"
	"github.com/keyhaven/bunkerd/rpc"
)

// fakeBus is an in-memory Bus: Subscribe streams events pushed via
// inject, Publish surfaces outgoing events on the published channel.
type fakeBus struct {
	incoming  chan *nostr.Event
	published chan nostr.Event
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		incoming:  make(chan *nostr.Event, 16),
		published: make(chan nostr.Event, 16),
	}
}

func (b *fakeBus) Publish(_ context.Context, event nostr.Event) error {
	b.published <- event
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, _ nostr.Filter) <-chan *nostr.Event {
	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-b.incoming:
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// testClient is a remote signer client: it encrypts requests to the
// daemon's owner and decrypts the responses.
type testClient struct {
	pub          string
	priv         string
	conversation *rpc.Conversation
}

func newTestClient(t *testing.T, ownerPub string) *testClient {
	t.Helper()
	priv := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(priv)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	key, err := secret.NewFromString(priv)
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	t.Cleanup(func() { key.Close() })
	conversation, err := rpc.NewConversation(key, ownerPub)
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	return &testClient{pub: pub, priv: priv, conversation: conversation}
}

func (c *testClient) request(t *testing.T, ownerPub, id, method string, scheme rpc.Scheme, params ...string) *nostr.Event {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"id": id, "method": method, "params": params})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	ciphertext, err := c.conversation.Encrypt(string(payload), scheme)
	if err != nil {
		t.Fatalf("encrypt payload: %v", err)
	}
	event := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindNostrConnect,
		Tags:      nostr.Tags{{"p", ownerPub}},
		Content:   ciphertext,
	}
	if err := event.Sign(c.priv); err != nil {
		t.Fatalf("sign request event: %v", err)
	}
	return event
}

func (c *testClient) decode(t *testing.T, event nostr.Event) (id, result, errMsg string, scheme rpc.Scheme) {
	t.Helper()
	plaintext, scheme, err := c.conversation.Decrypt(event.Content)
	if err != nil {
		t.Fatalf("decrypt response: %v", err)
	}
	var response struct {
		ID     string `json:"id"`
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal([]byte(plaintext), &response); err != nil {
		t.Fatalf("decode response %q: %v", plaintext, err)
	}
	return response.ID, response.Result, response.Error, scheme
}

func startTestDaemon(t *testing.T, scope string) (*Daemon, *fakeBus, *testEnv) {
	t.Helper()
	env := newTestEnv(t, scope)
	bus := newFakeBus()

	ownerKey, err := secret.NewFromString(env.ownerPriv)
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	logger := slog.New(slog.DiscardHandler)
	daemon, err := New(Config{
		OwnerPublicKey: env.ownerPub,
		SecretKey:      ownerKey,
		Scope:          scope,
		Bus:            bus,
		Keys:           env.store,
		Authorizer:     NewAuthorizer(env.store, env.ownerPub, scope, time.Hour, env.clock, logger),
		Clock:          env.clock,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := daemon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(daemon.Stop)
	return daemon, bus, env
}

func TestDaemonServesSession(t *testing.T) {
	_, bus, env := startTestDaemon(t, "acme")
	client := newTestClient(t, env.ownerPub)
	env.seedToken(t, "abc123", 600*time.Second)

	bus.incoming <- client.request(t, env.ownerPub, "r1", rpc.MethodConnect, rpc.SchemeNIP44, env.ownerPub, "abc123")
	response := testutil.RequireReceive(t, bus.published, 5*time.Second, "connect response")

	if response.Kind != nostr.KindNostrConnect {
		t.Errorf("response kind = %d, want %d", response.Kind, nostr.KindNostrConnect)
	}
	if tag := response.Tags.GetFirst([]string{"p"}); tag == nil || tag.Value() != client.pub {
		t.Errorf("response p-tag = %v, want %s", tag, client.pub)
	}
	id, result, errMsg, _ := client.decode(t, response)
	if id != "r1" || result != rpc.ResultAck || errMsg != "" {
		t.Fatalf("connect response = (%q, %q, %q), want (r1, ack, )", id, result, errMsg)
	}

	bus.incoming <- client.request(t, env.ownerPub, "r2", rpc.MethodGetPublicKey, rpc.SchemeNIP44)
	response = testutil.RequireReceive(t, bus.published, 5*time.Second, "get_public_key response")
	if _, result, _, _ := client.decode(t, response); result != env.ownerPub {
		t.Errorf("get_public_key = %q, want owner %q", result, env.ownerPub)
	}
}

func TestDaemonRepliesInRequestScheme(t *testing.T) {
	_, bus, env := startTestDaemon(t, "acme")
	client := newTestClient(t, env.ownerPub)
	env.seedToken(t, "legacy-token", 600*time.Second)

	bus.incoming <- client.request(t, env.ownerPub, "r1", rpc.MethodConnect, rpc.SchemeNIP04, env.ownerPub, "legacy-token")
	response := testutil.RequireReceive(t, bus.published, 5*time.Second, "legacy connect response")

	if !strings.Contains(response.Content, "?iv=") {
		t.Error("response to a legacy-scheme request is not legacy-scheme")
	}
	id, result, _, scheme := client.decode(t, response)
	if id != "r1" || result != rpc.ResultAck {
		t.Errorf("response = (%q, %q), want (r1, ack)", id, result)
	}
	if scheme != rpc.SchemeNIP04 {
		t.Errorf("scheme = %v, want SchemeNIP04", scheme)
	}
}

func TestDaemonDeniesWithoutSession(t *testing.T) {
	_, bus, env := startTestDaemon(t, "acme")
	client := newTestClient(t, env.ownerPub)

	bus.incoming <- client.request(t, env.ownerPub, "r1", rpc.MethodPing, rpc.SchemeNIP44)
	response := testutil.RequireReceive(t, bus.published, 5*time.Second, "denied response")

	id, result, errMsg, _ := client.decode(t, response)
	if id != "r1" || result != "error" || errMsg == "" {
		t.Errorf("response = (%q, %q, %q), want an error envelope", id, result, errMsg)
	}
}

func TestDaemonSilentOnUnknownMethod(t *testing.T) {
	_, bus, env := startTestDaemon(t, "acme")
	client := newTestClient(t, env.ownerPub)
	env.seedToken(t, "tok", 600*time.Second)

	bus.incoming <- client.request(t, env.ownerPub, "r1", rpc.MethodConnect, rpc.SchemeNIP44, env.ownerPub, "tok")
	testutil.RequireReceive(t, bus.published, 5*time.Second, "connect response")

	bus.incoming <- client.request(t, env.ownerPub, "r2", "self_destruct", rpc.SchemeNIP44)
	testutil.RequireNoReceive(t, bus.published, 200*time.Millisecond, "unknown-method response")
}

func TestDaemonDropsGarbageEvents(t *testing.T) {
	_, bus, env := startTestDaemon(t, "acme")
	client := newTestClient(t, env.ownerPub)
	env.seedToken(t, "tok", 600*time.Second)

	// Unparseable ciphertext from a signed event: dropped without a
	// response and without killing the subscription.
	garbagePriv := nostr.GeneratePrivateKey()
	garbage := &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindNostrConnect,
		Tags:      nostr.Tags{{"p", env.ownerPub}},
		Content:   "certainly not ciphertext",
	}
	if err := garbage.Sign(garbagePriv); err != nil {
		t.Fatalf("sign garbage: %v", err)
	}
	bus.incoming <- garbage
	testutil.RequireNoReceive(t, bus.published, 200*time.Millisecond, "garbage response")

	// An event with a forged signature is dropped before decryption.
	forged := client.request(t, env.ownerPub, "r0", rpc.MethodPing, rpc.SchemeNIP44)
	forged.Sig = strings.Repeat("00", 64)
	bus.incoming <- forged
	testutil.RequireNoReceive(t, bus.published, 200*time.Millisecond, "forged-signature response")

	// The daemon still serves the next valid event.
	bus.incoming <- client.request(t, env.ownerPub, "r1", rpc.MethodConnect, rpc.SchemeNIP44, env.ownerPub, "tok")
	response := testutil.RequireReceive(t, bus.published, 5*time.Second, "connect after garbage")
	if _, result, _, _ := client.decode(t, response); result != rpc.ResultAck {
		t.Errorf("connect after garbage = %q, want ack", result)
	}
}

func TestDaemonStopIdempotent(t *testing.T) {
	daemon, _, _ := startTestDaemon(t, "acme")
	daemon.Stop()
	daemon.Stop()

	// Restart support is the orchestrator's job: it builds a new
	// daemon instead of restarting a stopped one.
	if err := daemon.Start(context.Background()); err == nil {
		t.Error("Start after Stop succeeded, want error")
	}
}
