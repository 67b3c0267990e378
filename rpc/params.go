// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
)

// ErrMalformedParams reports a positional parameter array that does
// not match the method's arity or shape. Handlers convert it into an
// RPC error response; it never crashes the daemon.
var ErrMalformedParams = errors.New("rpc: malformed params")

// ConnectParams are the decoded parameters of a connect call:
// the signer public key the client is addressing and the single-use
// connect token it offers. The token is optional on the wire: a
// reconnecting client with a live session may omit it.
type ConnectParams struct {
	TargetPublicKey string
	Secret          string
}

// DecodeConnectParams validates and decodes connect parameters.
func DecodeConnectParams(params []string) (ConnectParams, error) {
	if len(params) < 1 || params[0] == "" {
		return ConnectParams{}, fmt.Errorf("%w: connect expects [target-pubkey, secret?], got %d params", ErrMalformedParams, len(params))
	}
	decoded := ConnectParams{TargetPublicKey: params[0]}
	if len(params) > 1 {
		decoded.Secret = params[1]
	}
	return decoded, nil
}

// CipherParams are the decoded parameters of the four nip04_*/nip44_*
// methods: the counterparty public key and the payload to encrypt or
// decrypt.
type CipherParams struct {
	PeerPublicKey string
	Payload       string
}

// DecodeCipherParams validates and decodes encryption method parameters.
func DecodeCipherParams(method string, params []string) (CipherParams, error) {
	if len(params) < 2 || params[0] == "" || params[1] == "" {
		return CipherParams{}, fmt.Errorf("%w: %s expects [peer-pubkey, payload], got %d params", ErrMalformedParams, method, len(params))
	}
	return CipherParams{PeerPublicKey: params[0], Payload: params[1]}, nil
}

// SignEventParams are the decoded parameters of sign_event: the JSON
// serialization of the unsigned event.
type SignEventParams struct {
	EventJSON string
}

// DecodeSignEventParams validates and decodes sign_event parameters.
func DecodeSignEventParams(params []string) (SignEventParams, error) {
	if len(params) < 1 || params[0] == "" {
		return SignEventParams{}, fmt.Errorf("%w: sign_event expects [event-json], got %d params", ErrMalformedParams, len(params))
	}
	return SignEventParams{EventJSON: params[0]}, nil
}
