// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// ConnectURI is a parsed bunker:// or nostrconnect:// connection
// string. Both forms carry a hex public key in the authority position
// plus relay and secret query parameters; the nostrconnect form may
// additionally carry requested permissions and a display name.
type ConnectURI struct {
	PublicKey string
	Relays    []string
	Secret    string
	Perms     []string
	Name      string
}

// ParseBunkerURI parses a signer-issued connection string of the form
//
//	bunker://<hex-pubkey>?relay=<url>&secret=<token>
//
// Rejects a URI with a missing or invalid public key, no relay
// parameter, or no secret parameter.
func ParseBunkerURI(raw string) (*ConnectURI, error) {
	return parseConnectURI(raw, "bunker")
}

// ParseNostrConnectURI parses a client-issued connection string of the
// form
//
//	nostrconnect://<hex-pubkey>?relay=<url>&secret=<token>&perms=<csv>&name=<string>
//
// The relay and secret parameters are required; perms and name are
// optional.
func ParseNostrConnectURI(raw string) (*ConnectURI, error) {
	return parseConnectURI(raw, "nostrconnect")
}

func parseConnectURI(raw, wantScheme string) (*ConnectURI, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("rpc: parsing %s URI: %w", wantScheme, err)
	}
	if parsed.Scheme != wantScheme {
		return nil, fmt.Errorf("rpc: URI scheme %q, want %q", parsed.Scheme, wantScheme)
	}

	publicKey := parsed.Host
	if !nostr.IsValidPublicKey(publicKey) {
		return nil, fmt.Errorf("rpc: %s URI has invalid public key %q", wantScheme, publicKey)
	}

	query := parsed.Query()
	relays := query["relay"]
	if len(relays) == 0 {
		return nil, fmt.Errorf("rpc: %s URI missing relay parameter", wantScheme)
	}
	secret := query.Get("secret")
	if secret == "" {
		return nil, fmt.Errorf("rpc: %s URI missing secret parameter", wantScheme)
	}

	uri := &ConnectURI{
		PublicKey: publicKey,
		Relays:    relays,
		Secret:    secret,
		Name:      query.Get("name"),
	}
	if perms := query.Get("perms"); perms != "" {
		uri.Perms = strings.Split(perms, ",")
	}
	return uri, nil
}

// BuildBunkerURI renders the connection string for a freshly minted
// connect token. The inverse of ParseBunkerURI.
func BuildBunkerURI(publicKey string, relays []string, secret string) string {
	values := url.Values{}
	for _, relay := range relays {
		values.Add("relay", relay)
	}
	values.Set("secret", secret)
	return fmt.Sprintf("bunker://%s?%s", publicKey, values.Encode())
}
