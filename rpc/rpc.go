// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/json"
	"fmt"
)

// RPC method names defined by NIP-46. The set is closed: dispatch is a
// switch over these constants, not a handler registry.
const (
	MethodConnect      = "connect"
	MethodGetPublicKey = "get_public_key"
	MethodPing         = "ping"
	MethodSignEvent    = "sign_event"
	MethodNIP04Encrypt = "nip04_encrypt"
	MethodNIP04Decrypt = "nip04_decrypt"
	MethodNIP44Encrypt = "nip44_encrypt"
	MethodNIP44Decrypt = "nip44_decrypt"
)

// ResultAck is the literal result of a successful connect.
const ResultAck = "ack"

// ResultPong is the literal result of a ping.
const ResultPong = "pong"

// resultError is the result value carried by error responses on the
// wire, alongside the error message.
const resultError = "error"

// Request is one decrypted RPC call: correlation id, the sender's
// public key, method name, and positional string parameters.
type Request struct {
	ID     string
	Method string
	Params []string

	// Sender is the hex public key of the event author, taken from
	// the (signature-checked) relay event, not from the payload.
	Sender string

	// Scheme is the encryption scheme the request arrived under.
	// Responses are encrypted with the same scheme so legacy-only
	// clients can read them.
	Scheme Scheme
}

// Response is one decrypted RPC response: correlation id and a result
// or an error message.
type Response struct {
	ID     string
	Result string
	Error  string
}

// envelope is the JSON wire shape shared by requests and responses.
// The method field distinguishes the two: present means request.
type envelope struct {
	ID     string   `json:"id"`
	Method string   `json:"method,omitempty"`
	Params []string `json:"params,omitempty"`
	Result string   `json:"result,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// decodeEnvelope parses decrypted payload JSON into either a Request
// or a Response. Exactly one of the returns is non-nil on success.
func decodeEnvelope(plaintext string, sender string, scheme Scheme) (*Request, *Response, error) {
	var env envelope
	if err := json.Unmarshal([]byte(plaintext), &env); err != nil {
		return nil, nil, fmt.Errorf("rpc: payload is not valid JSON: %w", err)
	}
	if env.ID == "" {
		return nil, nil, fmt.Errorf("rpc: payload has no id")
	}

	if env.Method != "" {
		return &Request{
			ID:     env.ID,
			Method: env.Method,
			Params: env.Params,
			Sender: sender,
			Scheme: scheme,
		}, nil, nil
	}

	return nil, &Response{
		ID:     env.ID,
		Result: env.Result,
		Error:  env.Error,
	}, nil
}

// encodeRequest serializes a request envelope.
func encodeRequest(id, method string, params []string) (string, error) {
	if params == nil {
		params = []string{}
	}
	data, err := json.Marshal(envelope{ID: id, Method: method, Params: params})
	if err != nil {
		return "", fmt.Errorf("rpc: encoding request: %w", err)
	}
	return string(data), nil
}

// encodeResponse serializes a response envelope. A non-nil callErr
// produces the wire form {id, result: "error", error: <message>}.
func encodeResponse(id, result string, callErr error) (string, error) {
	env := envelope{ID: id, Result: result}
	if callErr != nil {
		env.Result = resultError
		env.Error = callErr.Error()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("rpc: encoding response: %w", err)
	}
	return string(data), nil
}
