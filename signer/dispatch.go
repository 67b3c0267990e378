// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip44"

	"github.com/keyhaven/bunkerd/rpc"
)

// ErrUnknownMethod reports a method outside the fixed dispatch set.
// The daemon logs it and sends no response at all; per protocol,
// unknown methods get silence, not an error envelope.
var ErrUnknownMethod = errors.New("signer: unknown method")

// Handler dispatches one decoded request to the owner identity's
// operations. The method set is closed; there is no handler registry
// to extend at runtime.
type Handler struct {
	ownerPublicKey string
	keys           KeySource
	authorizer     *Authorizer
	logger         *slog.Logger
}

// NewHandler builds the dispatcher for one owner identity.
func NewHandler(ownerPublicKey string, keys KeySource, authorizer *Authorizer, logger *slog.Logger) *Handler {
	return &Handler{
		ownerPublicKey: ownerPublicKey,
		keys:           keys,
		authorizer:     authorizer,
		logger:         logger,
	}
}

// Handle runs one request and returns the string result. Every method
// except connect requires an active session first. Errors other than
// ErrUnknownMethod become RPC error responses; they never take the
// daemon down.
func (h *Handler) Handle(ctx context.Context, request *rpc.Request) (string, error) {
	if request.Method == rpc.MethodConnect {
		params, err := rpc.DecodeConnectParams(request.Params)
		if err != nil {
			return "", err
		}
		if _, err := h.authorizer.HandleConnect(ctx, request.Sender, params); err != nil {
			return "", err
		}
		return rpc.ResultAck, nil
	}

	if _, err := h.authorizer.ResolveSession(ctx, request.Sender); err != nil {
		return "", err
	}

	switch request.Method {
	case rpc.MethodGetPublicKey:
		return h.ownerPublicKey, nil

	case rpc.MethodPing:
		return rpc.ResultPong, nil

	case rpc.MethodSignEvent:
		return h.signEvent(ctx, request.Params)

	case rpc.MethodNIP04Encrypt, rpc.MethodNIP04Decrypt,
		rpc.MethodNIP44Encrypt, rpc.MethodNIP44Decrypt:
		return h.cipher(ctx, request.Method, request.Params)

	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, request.Method)
	}
}

func (h *Handler) signEvent(ctx context.Context, params []string) (string, error) {
	decoded, err := rpc.DecodeSignEventParams(params)
	if err != nil {
		return "", err
	}

	var event nostr.Event
	if err := json.Unmarshal([]byte(decoded.EventJSON), &event); err != nil {
		return "", fmt.Errorf("signer: unsigned event is not valid JSON: %w", err)
	}

	privateKey, err := h.keys.PrivateKey(ctx, h.ownerPublicKey)
	if err != nil {
		return "", err
	}
	if err := event.Sign(privateKey); err != nil {
		return "", fmt.Errorf("signer: signing event: %w", err)
	}

	signed, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("signer: encoding signed event: %w", err)
	}
	return string(signed), nil
}

// cipher serves the four encryption methods against a fresh key fetch.
// The key string lives only for the duration of the call.
func (h *Handler) cipher(ctx context.Context, method string, params []string) (string, error) {
	decoded, err := rpc.DecodeCipherParams(method, params)
	if err != nil {
		return "", err
	}

	privateKey, err := h.keys.PrivateKey(ctx, h.ownerPublicKey)
	if err != nil {
		return "", err
	}

	switch method {
	case rpc.MethodNIP04Encrypt, rpc.MethodNIP04Decrypt:
		shared, err := nip04.ComputeSharedSecret(decoded.PeerPublicKey, privateKey)
		if err != nil {
			return "", fmt.Errorf("signer: %s shared secret: %w", method, err)
		}
		if method == rpc.MethodNIP04Encrypt {
			ciphertext, err := nip04.Encrypt(decoded.Payload, shared)
			if err != nil {
				return "", fmt.Errorf("signer: %s: %w", method, err)
			}
			return ciphertext, nil
		}
		plaintext, err := nip04.Decrypt(decoded.Payload, shared)
		if err != nil {
			return "", fmt.Errorf("signer: %s: %w", method, err)
		}
		return plaintext, nil

	default:
		conversationKey, err := nip44.GenerateConversationKey(decoded.PeerPublicKey, privateKey)
		if err != nil {
			return "", fmt.Errorf("signer: %s conversation key: %w", method, err)
		}
		if method == rpc.MethodNIP44Encrypt {
			ciphertext, err := nip44.Encrypt(decoded.Payload, conversationKey)
			if err != nil {
				return "", fmt.Errorf("signer: %s: %w", method, err)
			}
			return ciphertext, nil
		}
		plaintext, err := nip44.Decrypt(decoded.Payload, conversationKey)
		if err != nil {
			return "", fmt.Errorf("signer: %s: %w", method, err)
		}
		return plaintext, nil
	}
}
