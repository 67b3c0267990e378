// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the persisted-record store shared by every signer
// daemon: identities (one keypair per tenant scope), single-use
// connect tokens, and sessions.
//
// The store is a single SQLite database opened through a fixed-size
// connection pool with WAL journaling. Token redemption, the one
// operation that must be transactionally atomic across concurrent
// daemons and across multiple bunkerd processes sharing the database,
// runs inside an immediate transaction: the token row is read,
// conditionally deleted, and the session created while holding the
// SQLite write lock, so a token can never authorize two sessions.
//
// All expiry comparisons take an explicit now parameter rather than
// calling time.Now, keeping the package deterministic under test.
package store
