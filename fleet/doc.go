// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package fleet runs one signer daemon per discovered identity and
// keeps the set converged: a periodic rescan picks up identities added
// to the store, and a daily rotation at a fixed UTC time stops every
// daemon and rebuilds the fleet from scratch to bound the lifetime of
// in-memory key material. Sessions live in the store and survive
// rotation.
package fleet
