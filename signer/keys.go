// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"context"
	"fmt"

	"github.com/keyhaven/bunkerd/lib/secret"
)

// KeySource fetches an identity's private key. Handlers call it on
// every operation that needs key material rather than caching the key
// for the daemon's lifetime. *store.Store satisfies it for scoped
// identities; StaticKeySource serves the config-held main identity.
type KeySource interface {
	PrivateKey(ctx context.Context, ownerPublicKey string) (string, error)
}

// StaticKeySource is a KeySource over a single fixed key pair held in
// locked memory. Used for the main identity, whose key comes from the
// config file rather than the store.
type StaticKeySource struct {
	publicKey string
	secretKey *secret.Buffer
}

// NewStaticKeySource wraps one key pair. The source borrows the
// buffer; the caller remains responsible for closing it.
func NewStaticKeySource(publicKey string, secretKey *secret.Buffer) *StaticKeySource {
	return &StaticKeySource{publicKey: publicKey, secretKey: secretKey}
}

// PrivateKey returns the held key when the owner matches.
func (s *StaticKeySource) PrivateKey(_ context.Context, ownerPublicKey string) (string, error) {
	if ownerPublicKey != s.publicKey {
		return "", fmt.Errorf("signer: no key material for %s", ownerPublicKey)
	}
	return s.secretKey.String(), nil
}
