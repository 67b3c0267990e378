// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package signer implements the per-identity signing daemon: a relay
// subscription delivering kind-24133 requests, a session gateway that
// redeems single-use connect tokens, and a closed-set method dispatcher
// over the owner identity's key material.
//
// One Daemon serves exactly one owner identity. Every method except
// connect requires an active session for (caller, scope); connect
// performs its own authorization by redeeming a token through the
// store's atomic redemption primitive.
package signer
