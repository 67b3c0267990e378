// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keyhaven/bunkerd/lib/clock"
	"github.com/keyhaven/bunkerd/rpc"
	"github.com/keyhaven/bunkerd/store"
)

// ErrAuthorizationDenied reports a caller with no active session and
// no redeemable connect token. It becomes an RPC error response; the
// caller learns nothing about whether the token existed, was expired,
// or belonged to another identity.
var ErrAuthorizationDenied = errors.New("signer: authorization denied")

// Authorizer gates RPC calls on sessions for one (owner, scope) pair.
type Authorizer struct {
	store          *store.Store
	ownerPublicKey string
	scope          string
	sessionTTL     time.Duration
	clock          clock.Clock
	logger         *slog.Logger
}

// NewAuthorizer builds the session gateway for one owner identity.
func NewAuthorizer(st *store.Store, ownerPublicKey, scope string, sessionTTL time.Duration, clk clock.Clock, logger *slog.Logger) *Authorizer {
	return &Authorizer{
		store:          st,
		ownerPublicKey: ownerPublicKey,
		scope:          scope,
		sessionTTL:     sessionTTL,
		clock:          clk,
		logger:         logger,
	}
}

// ResolveSession returns the caller's active session in this
// authorizer's scope, or ErrAuthorizationDenied. A session minted
// under another scope never matches, even for the same caller.
func (a *Authorizer) ResolveSession(ctx context.Context, remotePublicKey string) (*store.Session, error) {
	session, err := a.store.FindSession(ctx, remotePublicKey, a.scope, a.clock.Now())
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, ErrAuthorizationDenied
	}
	if err != nil {
		return nil, fmt.Errorf("signer: resolving session for %s: %w", remotePublicKey, err)
	}
	return session, nil
}

// HandleConnect authorizes a connect call. A caller with an active
// session is acknowledged without consuming anything, so retried
// connects are idempotent. Otherwise the offered token is redeemed
// atomically; an expired session does not short-circuit this path, so
// re-authorization with a fresh token works.
func (a *Authorizer) HandleConnect(ctx context.Context, remotePublicKey string, params rpc.ConnectParams) (*store.Session, error) {
	now := a.clock.Now()

	session, err := a.store.FindSession(ctx, remotePublicKey, a.scope, now)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, store.ErrSessionNotFound) {
		return nil, fmt.Errorf("signer: connect session lookup for %s: %w", remotePublicKey, err)
	}

	if params.Secret == "" {
		return nil, ErrAuthorizationDenied
	}

	// Refuse a token minted for a different identity before consuming
	// it; a concurrent redemption elsewhere just surfaces as not-found
	// below.
	token, err := a.store.FindToken(ctx, params.Secret, now)
	if errors.Is(err, store.ErrTokenNotFound) {
		return nil, ErrAuthorizationDenied
	}
	if err != nil {
		return nil, fmt.Errorf("signer: connect token lookup: %w", err)
	}
	if token.OwnerPublicKey != a.ownerPublicKey {
		a.logger.Warn("connect token minted for different identity",
			"remote", remotePublicKey, "token_owner", token.OwnerPublicKey)
		return nil, ErrAuthorizationDenied
	}

	session, err = a.store.RedeemToken(ctx, params.Secret, remotePublicKey, now, a.sessionTTL)
	if errors.Is(err, store.ErrTokenNotFound) {
		return nil, ErrAuthorizationDenied
	}
	if err != nil {
		return nil, fmt.Errorf("signer: redeeming connect token: %w", err)
	}

	a.logger.Info("session created",
		"remote", remotePublicKey, "scope", a.scope, "expires_at", session.ExpiresAt)
	return session, nil
}
