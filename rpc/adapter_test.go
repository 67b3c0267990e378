// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/keyhaven/bunkerd/lib/clock"
	"github.com/keyhaven/bunkerd/lib/secret"
	"github.com/keyhaven/bunkerd/lib/testutil"
)

// capturingPublisher records published events on a channel.
type capturingPublisher struct {
	events chan nostr.Event
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{events: make(chan nostr.Event, 16)}
}

func (p *capturingPublisher) Publish(ctx context.Context, event nostr.Event) error {
	p.events <- event
	return nil
}

// testPeer is a remote client with its own keys and a conversation
// toward the adapter's owner identity.
type testPeer struct {
	secretKey    string
	publicKey    string
	conversation *Conversation
}

func newTestPeer(t *testing.T, ownerPublicKey string) *testPeer {
	t.Helper()
	secretKey := nostr.GeneratePrivateKey()
	publicKey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	buffer, err := secret.NewFromString(secretKey)
	if err != nil {
		t.Fatalf("secret.NewFromString: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	conversation, err := NewConversation(buffer, ownerPublicKey)
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	return &testPeer{secretKey: secretKey, publicKey: publicKey, conversation: conversation}
}

// event builds a signed kind-24133 event from this peer carrying the
// given payload encrypted under the given scheme.
func (p *testPeer) event(t *testing.T, ownerPublicKey, payload string, scheme Scheme) *nostr.Event {
	t.Helper()
	ciphertext, err := p.conversation.Encrypt(payload, scheme)
	if err != nil {
		t.Fatalf("peer encrypt: %v", err)
	}
	event := nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindNostrConnect,
		Tags:      nostr.Tags{{"p", ownerPublicKey}},
		Content:   ciphertext,
	}
	if err := event.Sign(p.secretKey); err != nil {
		t.Fatalf("peer sign: %v", err)
	}
	return &event
}

func newTestAdapter(t *testing.T, publisher Publisher, clk clock.Clock) (*Adapter, string) {
	t.Helper()
	secretKey := nostr.GeneratePrivateKey()
	publicKey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	buffer, err := secret.NewFromString(secretKey)
	if err != nil {
		t.Fatalf("secret.NewFromString: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })

	adapter, err := NewAdapter(AdapterConfig{
		OwnerPublicKey: publicKey,
		SecretKey:      buffer,
		Publisher:      publisher,
		Clock:          clk,
	})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	return adapter, publicKey
}

func TestParseRequest(t *testing.T) {
	adapter, ownerPublicKey := newTestAdapter(t, newCapturingPublisher(), nil)
	peer := newTestPeer(t, ownerPublicKey)

	payload := `{"id":"req-1","method":"ping","params":[]}`
	event := peer.event(t, ownerPublicKey, payload, SchemeNIP44)

	request, response, err := adapter.Parse(event)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if response != nil {
		t.Fatal("Parse returned a response for a request payload")
	}
	if request.ID != "req-1" || request.Method != MethodPing {
		t.Errorf("request = %+v", request)
	}
	if request.Sender != peer.publicKey {
		t.Errorf("Sender = %q, want %q", request.Sender, peer.publicKey)
	}
	if request.Scheme != SchemeNIP44 {
		t.Errorf("Scheme = %v, want nip44", request.Scheme)
	}
}

func TestParseRequestLegacyScheme(t *testing.T) {
	adapter, ownerPublicKey := newTestAdapter(t, newCapturingPublisher(), nil)
	peer := newTestPeer(t, ownerPublicKey)

	payload := `{"id":"req-2","method":"get_public_key","params":[]}`
	event := peer.event(t, ownerPublicKey, payload, SchemeNIP04)

	request, _, err := adapter.Parse(event)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if request.Scheme != SchemeNIP04 {
		t.Errorf("Scheme = %v, want nip04", request.Scheme)
	}
}

func TestParseUndecryptableContent(t *testing.T) {
	adapter, ownerPublicKey := newTestAdapter(t, newCapturingPublisher(), nil)
	peer := newTestPeer(t, ownerPublicKey)

	event := peer.event(t, ownerPublicKey, "ignored", SchemeNIP44)
	event.Content = "junk that is not a ciphertext"

	if _, _, err := adapter.Parse(event); err == nil {
		t.Error("Parse of undecryptable content succeeded, want error")
	}
}

func TestParseNonJSONPlaintext(t *testing.T) {
	adapter, ownerPublicKey := newTestAdapter(t, newCapturingPublisher(), nil)
	peer := newTestPeer(t, ownerPublicKey)

	event := peer.event(t, ownerPublicKey, "this is not json", SchemeNIP44)
	if _, _, err := adapter.Parse(event); err == nil {
		t.Error("Parse of non-JSON plaintext succeeded, want error")
	}
}

func TestSendResponse(t *testing.T) {
	publisher := newCapturingPublisher()
	adapter, ownerPublicKey := newTestAdapter(t, publisher, nil)
	peer := newTestPeer(t, ownerPublicKey)

	if err := adapter.SendResponse(context.Background(), "req-3", peer.publicKey, SchemeNIP44, ResultPong, nil); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}

	event := testutil.RequireReceive(t, publisher.events, 5*time.Second, "published response event")
	if event.Kind != nostr.KindNostrConnect {
		t.Errorf("Kind = %d, want %d", event.Kind, nostr.KindNostrConnect)
	}
	if tag := event.Tags.GetFirst([]string{"p"}); tag == nil || tag.Value() != peer.publicKey {
		t.Errorf("missing or wrong p tag: %v", event.Tags)
	}
	if ok, err := event.CheckSignature(); !ok || err != nil {
		t.Errorf("CheckSignature = (%v, %v)", ok, err)
	}

	plaintext, scheme, err := peer.conversation.Decrypt(event.Content)
	if err != nil {
		t.Fatalf("peer decrypt: %v", err)
	}
	if scheme != SchemeNIP44 {
		t.Errorf("response scheme = %v, want nip44", scheme)
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(plaintext), &decoded); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if decoded["id"] != "req-3" || decoded["result"] != ResultPong {
		t.Errorf("response payload = %v", decoded)
	}
}

func TestSendResponseLegacySchemeAndError(t *testing.T) {
	publisher := newCapturingPublisher()
	adapter, ownerPublicKey := newTestAdapter(t, publisher, nil)
	peer := newTestPeer(t, ownerPublicKey)

	callErr := context.DeadlineExceeded
	if err := adapter.SendResponse(context.Background(), "req-4", peer.publicKey, SchemeNIP04, "", callErr); err != nil {
		t.Fatalf("SendResponse: %v", err)
	}

	event := testutil.RequireReceive(t, publisher.events, 5*time.Second, "published error response")
	plaintext, scheme, err := peer.conversation.Decrypt(event.Content)
	if err != nil {
		t.Fatalf("peer decrypt: %v", err)
	}
	if scheme != SchemeNIP04 {
		t.Errorf("response scheme = %v, want nip04 (reply in kind)", scheme)
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(plaintext), &decoded); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if decoded["result"] != "error" || decoded["error"] != callErr.Error() {
		t.Errorf("error payload = %v", decoded)
	}
}

func TestSendRequestCorrelation(t *testing.T) {
	publisher := newCapturingPublisher()
	adapter, ownerPublicKey := newTestAdapter(t, publisher, nil)
	peer := newTestPeer(t, ownerPublicKey)

	type result struct {
		response *Response
		err      error
	}
	done := make(chan result, 1)
	go func() {
		response, err := adapter.SendRequest(context.Background(), peer.publicKey, "auth_url", []string{"https://example.com/auth"})
		done <- result{response, err}
	}()

	// The peer receives the outbound request and answers it.
	outbound := testutil.RequireReceive(t, publisher.events, 5*time.Second, "outbound request event")
	plaintext, _, err := peer.conversation.Decrypt(outbound.Content)
	if err != nil {
		t.Fatalf("peer decrypt: %v", err)
	}
	var request map[string]any
	if err := json.Unmarshal([]byte(plaintext), &request); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	requestID, _ := request["id"].(string)
	if requestID == "" || request["method"] != "auth_url" {
		t.Fatalf("outbound request payload = %v", request)
	}

	responsePayload, err := json.Marshal(map[string]string{"id": requestID, "result": "ok"})
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	responseEvent := peer.event(t, ownerPublicKey, string(responsePayload), SchemeNIP44)

	// Feeding the response through Parse resolves the correlation.
	if _, _, err := adapter.Parse(responseEvent); err != nil {
		t.Fatalf("Parse(response): %v", err)
	}

	got := testutil.RequireReceive(t, done, 5*time.Second, "SendRequest completion")
	if got.err != nil {
		t.Fatalf("SendRequest: %v", got.err)
	}
	if got.response.Result != "ok" {
		t.Errorf("Result = %q, want ok", got.response.Result)
	}
}

func TestSendRequestTimeout(t *testing.T) {
	publisher := newCapturingPublisher()
	fakeClock := clock.Fake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	adapter, ownerPublicKey := newTestAdapter(t, publisher, fakeClock)
	peer := newTestPeer(t, ownerPublicKey)

	done := make(chan error, 1)
	go func() {
		_, err := adapter.SendRequest(context.Background(), peer.publicKey, "auth_url", nil)
		done <- err
	}()

	testutil.RequireReceive(t, publisher.events, 5*time.Second, "outbound request event")
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(defaultRequestTimeout)

	err := testutil.RequireReceive(t, done, 5*time.Second, "SendRequest timeout")
	if err == nil {
		t.Fatal("SendRequest returned nil error, want timeout")
	}
}
