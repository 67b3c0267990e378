// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the encrypted channel of the NIP-46 remote
// signing protocol: decoding kind-24133 relay events into RPC requests
// and responses, and encrypting and publishing outgoing traffic.
//
// Payloads travel under one of two mutually exclusive encryption
// schemes. The legacy NIP-04 scheme (AES-256-CBC with a per-message IV)
// is identifiable by the literal "?iv=" marker in its ciphertext; the
// NIP-44 scheme (versioned ChaCha20 + HMAC-SHA256 under a shared
// conversation key) produces a single base64 blob with no marker. A
// [Conversation] holds both derived keys for one local/peer key pair
// and auto-detects the scheme on decrypt, falling back to the other
// scheme exactly once before failing.
//
// [Adapter] ties a Conversation cache to an owner identity and a
// publisher: Parse turns an incoming event into a [Request] or
// [Response], SendResponse encrypts and publishes a reply addressed to
// the caller, and SendRequest publishes an outbound call and blocks on
// a one-shot correlation until the matching response arrives or a
// fixed timeout elapses.
//
// The package knows nothing about authorization or method semantics;
// that lives in package signer.
package rpc
