// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Errors returned by lookup and redemption operations. Callers branch
// on these to distinguish "denied" from "store broken".
var (
	ErrIdentityNotFound = errors.New("store: identity not found")
	ErrTokenNotFound    = errors.New("store: token not found or expired")
	ErrSessionNotFound  = errors.New("store: session not found or expired")
)

// Identity is a keypair the daemon signs on behalf of. An identity
// with an empty scope is the main identity; every other identity
// belongs to exactly one tenant scope.
type Identity struct {
	PublicKey  string
	PrivateKey string
	Scope      string
	CreatedAt  time.Time
}

// Token is a single-use connect credential. Redeeming it deletes the
// row and creates a Session atomically.
type Token struct {
	Token          string
	OwnerPublicKey string
	SubNpub        string
	Scope          string
	Metadata       string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Session grants a remote caller standing authorization against one
// owner identity within one scope. Expiry is fixed at creation, not
// sliding.
type Session struct {
	ID              int64
	OwnerPublicKey  string
	RemotePublicKey string
	Scope           string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// CreateIdentity inserts a new identity. Fails if the public key or a
// non-empty scope is already present.
func (s *Store) CreateIdentity(ctx context.Context, identity Identity) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO identities (pubkey, privkey, scope, created_at) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			identity.PublicKey, identity.PrivateKey, identity.Scope, identity.CreatedAt.Unix(),
		}})
	if err != nil {
		return fmt.Errorf("store: creating identity %s: %w", identity.PublicKey, err)
	}
	return nil
}

// FindIdentityByOwner returns the identity with the given public key.
func (s *Store) FindIdentityByOwner(ctx context.Context, publicKey string) (*Identity, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	return findIdentity(conn, publicKey)
}

func findIdentity(conn *sqlite.Conn, publicKey string) (*Identity, error) {
	var identity *Identity
	err := sqlitex.Execute(conn,
		`SELECT pubkey, privkey, scope, created_at FROM identities WHERE pubkey = ?`,
		&sqlitex.ExecOptions{
			Args: []any{publicKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				identity = &Identity{
					PublicKey:  stmt.ColumnText(0),
					PrivateKey: stmt.ColumnText(1),
					Scope:      stmt.ColumnText(2),
					CreatedAt:  time.Unix(stmt.ColumnInt64(3), 0).UTC(),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: finding identity %s: %w", publicKey, err)
	}
	if identity == nil {
		return nil, ErrIdentityNotFound
	}
	return identity, nil
}

// ListScopesWithKeys returns every scoped identity that has usable
// private key material, ordered by scope. The main (unscoped) identity
// is excluded; it comes from configuration, not the store.
func (s *Store) ListScopesWithKeys(ctx context.Context) ([]Identity, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var identities []Identity
	err = sqlitex.Execute(conn,
		`SELECT pubkey, privkey, scope, created_at FROM identities
		 WHERE scope != '' AND privkey != '' ORDER BY scope`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				identities = append(identities, Identity{
					PublicKey:  stmt.ColumnText(0),
					PrivateKey: stmt.ColumnText(1),
					Scope:      stmt.ColumnText(2),
					CreatedAt:  time.Unix(stmt.ColumnInt64(3), 0).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: listing scoped identities: %w", err)
	}
	return identities, nil
}

// CreateToken inserts a new connect token.
func (s *Store) CreateToken(ctx context.Context, token Token) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO connect_tokens (token, owner_pubkey, sub_npub, scope, metadata, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			token.Token, token.OwnerPublicKey, token.SubNpub, token.Scope,
			token.Metadata, token.CreatedAt.Unix(), token.ExpiresAt.Unix(),
		}})
	if err != nil {
		return fmt.Errorf("store: creating token: %w", err)
	}
	return nil
}

// FindToken returns the non-expired token with the given value, or
// ErrTokenNotFound.
func (s *Store) FindToken(ctx context.Context, value string, now time.Time) (*Token, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	return findToken(conn, value, now)
}

func findToken(conn *sqlite.Conn, value string, now time.Time) (*Token, error) {
	var token *Token
	err := sqlitex.Execute(conn,
		`SELECT token, owner_pubkey, sub_npub, scope, metadata, created_at, expires_at
		 FROM connect_tokens WHERE token = ? AND expires_at > ?`,
		&sqlitex.ExecOptions{
			Args: []any{value, now.Unix()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				token = &Token{
					Token:          stmt.ColumnText(0),
					OwnerPublicKey: stmt.ColumnText(1),
					SubNpub:        stmt.ColumnText(2),
					Scope:          stmt.ColumnText(3),
					Metadata:       stmt.ColumnText(4),
					CreatedAt:      time.Unix(stmt.ColumnInt64(5), 0).UTC(),
					ExpiresAt:      time.Unix(stmt.ColumnInt64(6), 0).UTC(),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: finding token: %w", err)
	}
	if token == nil {
		return nil, ErrTokenNotFound
	}
	return token, nil
}

// DeleteToken removes a token by value. Deleting an absent token is
// not an error.
func (s *Store) DeleteToken(ctx context.Context, value string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM connect_tokens WHERE token = ?`,
		&sqlitex.ExecOptions{Args: []any{value}})
	if err != nil {
		return fmt.Errorf("store: deleting token: %w", err)
	}
	return nil
}

// ListTokens returns all tokens for a scope, newest first.
func (s *Store) ListTokens(ctx context.Context, scope string) ([]Token, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var tokens []Token
	err = sqlitex.Execute(conn,
		`SELECT token, owner_pubkey, sub_npub, scope, metadata, created_at, expires_at
		 FROM connect_tokens WHERE scope = ? ORDER BY created_at DESC`,
		&sqlitex.ExecOptions{
			Args: []any{scope},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				tokens = append(tokens, Token{
					Token:          stmt.ColumnText(0),
					OwnerPublicKey: stmt.ColumnText(1),
					SubNpub:        stmt.ColumnText(2),
					Scope:          stmt.ColumnText(3),
					Metadata:       stmt.ColumnText(4),
					CreatedAt:      time.Unix(stmt.ColumnInt64(5), 0).UTC(),
					ExpiresAt:      time.Unix(stmt.ColumnInt64(6), 0).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: listing tokens for scope %q: %w", scope, err)
	}
	return tokens, nil
}

// DeleteExpiredTokens removes every token whose expiry has passed and
// returns the number deleted.
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM connect_tokens WHERE expires_at <= ?`,
		&sqlitex.ExecOptions{Args: []any{now.Unix()}})
	if err != nil {
		return 0, fmt.Errorf("store: purging expired tokens: %w", err)
	}
	return conn.Changes(), nil
}

// RedeemToken atomically consumes a non-expired token and creates the
// session it authorizes. The read, conditional delete, and session
// insert run inside one immediate transaction holding the SQLite write
// lock, so concurrent redemption attempts for the same token value,
// in this process or another, produce at most one session.
//
// Returns ErrTokenNotFound if the token is absent or expired.
func (s *Store) RedeemToken(ctx context.Context, value, remotePublicKey string, now time.Time, sessionTTL time.Duration) (*Session, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("store: beginning redemption transaction: %w", err)
	}
	session, err := redeemToken(conn, value, remotePublicKey, now, sessionTTL)
	endFn(&err)
	return session, err
}

func redeemToken(conn *sqlite.Conn, value, remotePublicKey string, now time.Time, sessionTTL time.Duration) (*Session, error) {
	token, err := findToken(conn, value, now)
	if err != nil {
		return nil, err
	}

	err = sqlitex.Execute(conn,
		`DELETE FROM connect_tokens WHERE token = ? AND expires_at > ?`,
		&sqlitex.ExecOptions{Args: []any{value, now.Unix()}})
	if err != nil {
		return nil, fmt.Errorf("store: consuming token: %w", err)
	}
	if conn.Changes() != 1 {
		return nil, ErrTokenNotFound
	}

	return createSession(conn, token.OwnerPublicKey, remotePublicKey, token.Scope, now, now.Add(sessionTTL))
}

// CreateSession inserts a session directly. Production code redeems
// tokens instead; this exists for the store's collaborator surface
// and for tests that need a session without a token.
func (s *Store) CreateSession(ctx context.Context, ownerPublicKey, remotePublicKey, scope string, now, expiresAt time.Time) (*Session, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	return createSession(conn, ownerPublicKey, remotePublicKey, scope, now, expiresAt)
}

func createSession(conn *sqlite.Conn, ownerPublicKey, remotePublicKey, scope string, now, expiresAt time.Time) (*Session, error) {
	// A concurrent connect for the same (remote, scope) pair may have
	// created a session already; replace it so the caller sees the
	// freshest expiry.
	err := sqlitex.Execute(conn,
		`INSERT INTO sessions (owner_pubkey, remote_pubkey, scope, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(remote_pubkey, scope) DO UPDATE SET
		   owner_pubkey = excluded.owner_pubkey,
		   created_at = excluded.created_at,
		   expires_at = excluded.expires_at`,
		&sqlitex.ExecOptions{Args: []any{
			ownerPublicKey, remotePublicKey, scope, now.Unix(), expiresAt.Unix(),
		}})
	if err != nil {
		return nil, fmt.Errorf("store: creating session for %s: %w", remotePublicKey, err)
	}

	return findSession(conn, remotePublicKey, scope, now)
}

// FindSession returns the unexpired session for (remote caller, scope),
// or ErrSessionNotFound. A session from a different scope is never
// visible, even for the same remote key.
func (s *Store) FindSession(ctx context.Context, remotePublicKey, scope string, now time.Time) (*Session, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	return findSession(conn, remotePublicKey, scope, now)
}

func findSession(conn *sqlite.Conn, remotePublicKey, scope string, now time.Time) (*Session, error) {
	var session *Session
	err := sqlitex.Execute(conn,
		`SELECT id, owner_pubkey, remote_pubkey, scope, created_at, expires_at
		 FROM sessions WHERE remote_pubkey = ? AND scope = ? AND expires_at > ?`,
		&sqlitex.ExecOptions{
			Args: []any{remotePublicKey, scope, now.Unix()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session = &Session{
					ID:              stmt.ColumnInt64(0),
					OwnerPublicKey:  stmt.ColumnText(1),
					RemotePublicKey: stmt.ColumnText(2),
					Scope:           stmt.ColumnText(3),
					CreatedAt:       time.Unix(stmt.ColumnInt64(4), 0).UTC(),
					ExpiresAt:       time.Unix(stmt.ColumnInt64(5), 0).UTC(),
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: finding session for %s: %w", remotePublicKey, err)
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// ListSessions returns all sessions for a scope, newest first.
func (s *Store) ListSessions(ctx context.Context, scope string) ([]Session, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var sessions []Session
	err = sqlitex.Execute(conn,
		`SELECT id, owner_pubkey, remote_pubkey, scope, created_at, expires_at
		 FROM sessions WHERE scope = ? ORDER BY created_at DESC`,
		&sqlitex.ExecOptions{
			Args: []any{scope},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sessions = append(sessions, Session{
					ID:              stmt.ColumnInt64(0),
					OwnerPublicKey:  stmt.ColumnText(1),
					RemotePublicKey: stmt.ColumnText(2),
					Scope:           stmt.ColumnText(3),
					CreatedAt:       time.Unix(stmt.ColumnInt64(4), 0).UTC(),
					ExpiresAt:       time.Unix(stmt.ColumnInt64(5), 0).UTC(),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: listing sessions for scope %q: %w", scope, err)
	}
	return sessions, nil
}

// PrivateKey returns the private key for an owner identity, fetched
// fresh. Handlers call this per operation instead of caching key
// material.
func (s *Store) PrivateKey(ctx context.Context, ownerPublicKey string) (string, error) {
	identity, err := s.FindIdentityByOwner(ctx, ownerPublicKey)
	if err != nil {
		return "", err
	}
	if identity.PrivateKey == "" {
		return "", fmt.Errorf("store: identity %s has no private key material", ownerPublicKey)
	}
	return identity.PrivateKey, nil
}
