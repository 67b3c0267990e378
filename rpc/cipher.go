// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/keyhaven/bunkerd/lib/secret"
)

// Scheme identifies one of the two payload encryption formats.
type Scheme int

const (
	// SchemeNIP44 is the shared-conversation-key scheme: a single
	// base64 blob, versioned, ChaCha20 + HMAC-SHA256.
	SchemeNIP44 Scheme = iota

	// SchemeNIP04 is the legacy scheme: AES-256-CBC with a
	// per-message IV, wire form "<base64>?iv=<base64>".
	SchemeNIP04
)

func (s Scheme) String() string {
	if s == SchemeNIP04 {
		return "nip04"
	}
	return "nip44"
}

// Other returns the alternate scheme, used for the one-shot decrypt
// fallback.
func (s Scheme) Other() Scheme {
	if s == SchemeNIP04 {
		return SchemeNIP44
	}
	return SchemeNIP04
}

// legacyMarker is the structural marker that identifies NIP-04
// ciphertext. Its presence or absence is the sole basis for scheme
// auto-detection; NIP-44 ciphertext is plain base64 and can never
// contain '?'.
const legacyMarker = "?iv="

// DetectScheme classifies a ciphertext by the legacy marker.
func DetectScheme(ciphertext string) Scheme {
	if strings.Contains(ciphertext, legacyMarker) {
		return SchemeNIP04
	}
	return SchemeNIP44
}

// Conversation holds the derived encryption keys for one (local secret
// key, peer public key) pair, covering both schemes. Deriving the keys
// once per peer avoids repeating the ECDH per message.
//
// A Conversation is safe for concurrent use: the key material is
// immutable after construction.
type Conversation struct {
	peerPublicKey string
	nip04Key      []byte
	nip44Key      [32]byte
}

// NewConversation derives both scheme keys for the given peer. The
// secret key is read from the locked buffer only for the duration of
// the derivation.
func NewConversation(secretKey *secret.Buffer, peerPublicKey string) (*Conversation, error) {
	localSecret := secretKey.String()

	nip04Key, err := nip04.ComputeSharedSecret(peerPublicKey, localSecret)
	if err != nil {
		return nil, fmt.Errorf("rpc: deriving nip04 shared secret for %s: %w", peerPublicKey, err)
	}
	nip44Key, err := nip44.GenerateConversationKey(peerPublicKey, localSecret)
	if err != nil {
		return nil, fmt.Errorf("rpc: deriving nip44 conversation key for %s: %w", peerPublicKey, err)
	}

	return &Conversation{
		peerPublicKey: peerPublicKey,
		nip04Key:      nip04Key,
		nip44Key:      nip44Key,
	}, nil
}

// PeerPublicKey returns the hex public key of the counterparty.
func (c *Conversation) PeerPublicKey() string { return c.peerPublicKey }

// Encrypt encrypts plaintext under the given scheme.
func (c *Conversation) Encrypt(plaintext string, scheme Scheme) (string, error) {
	switch scheme {
	case SchemeNIP04:
		ciphertext, err := nip04.Encrypt(plaintext, c.nip04Key)
		if err != nil {
			return "", fmt.Errorf("rpc: nip04 encrypt: %w", err)
		}
		return ciphertext, nil
	default:
		ciphertext, err := nip44.Encrypt(plaintext, c.nip44Key)
		if err != nil {
			return "", fmt.Errorf("rpc: nip44 encrypt: %w", err)
		}
		return ciphertext, nil
	}
}

// Decrypt decrypts a ciphertext, auto-detecting the scheme. The
// detected scheme is tried first; on failure the alternate scheme is
// tried exactly once. Both failing is a decode error; the caller
// drops the event, since an unparseable payload identifies no sender
// to answer.
func (c *Conversation) Decrypt(ciphertext string) (plaintext string, scheme Scheme, err error) {
	detected := DetectScheme(ciphertext)

	plaintext, primaryErr := c.decrypt(ciphertext, detected)
	if primaryErr == nil {
		return plaintext, detected, nil
	}

	fallback := detected.Other()
	plaintext, fallbackErr := c.decrypt(ciphertext, fallback)
	if fallbackErr == nil {
		return plaintext, fallback, nil
	}

	return "", 0, fmt.Errorf("rpc: undecryptable under either scheme (%s: %v; %s: %v)",
		detected, primaryErr, fallback, fallbackErr)
}

func (c *Conversation) decrypt(ciphertext string, scheme Scheme) (string, error) {
	if scheme == SchemeNIP04 {
		return nip04.Decrypt(ciphertext, c.nip04Key)
	}
	return nip44.Decrypt(ciphertext, c.nip44Key)
}
