// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

// Command bunkerctl is the operator CLI for the bunkerd store: create
// scoped identities, mint connect tokens (printed as bunker:// URIs),
// list tokens and sessions, and purge expired tokens.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/spf13/pflag"

	"github.com/keyhaven/bunkerd/lib/config"
	"github.com/keyhaven/bunkerd/rpc"
	"github.com/keyhaven/bunkerd/store"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "bunkerctl:", err)
		os.Exit(1)
	}
}

const usage = `usage: bunkerctl [--config PATH] <command>

commands:
  scope create --scope NAME        create a scoped identity with a fresh key pair
  token create --scope NAME        mint a connect token, print the bunker:// URI
  token create --owner PUBKEY      mint a token for the main (or any) identity
  token list [--scope NAME]        list connect tokens (default: main scope)
  session list [--scope NAME]      list sessions (default: main scope)
  purge                            delete expired connect tokens
`

func run(args []string) error {
	flags := pflag.NewFlagSet("bunkerctl", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to bunkerd.yaml (overrides BUNKERD_CONFIG)")
	scope := flags.String("scope", "", "tenant scope")
	owner := flags.String("owner", "", "owner identity public key (hex)")
	ttl := flags.Duration("ttl", 0, "token lifetime (default: token_ttl from config)")
	flags.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := flags.Parse(args); err != nil {
		return err
	}

	command := flags.Args()
	if len(command) == 0 {
		flags.Usage()
		return fmt.Errorf("no command given")
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	st, err := store.Open(store.Config{Path: cfg.Store})
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	switch {
	case len(command) == 2 && command[0] == "scope" && command[1] == "create":
		return scopeCreate(ctx, st, *scope)
	case len(command) == 2 && command[0] == "token" && command[1] == "create":
		return tokenCreate(ctx, st, cfg, *scope, *owner, *ttl)
	case len(command) == 2 && command[0] == "token" && command[1] == "list":
		return tokenList(ctx, st, *scope)
	case len(command) == 2 && command[0] == "session" && command[1] == "list":
		return sessionList(ctx, st, *scope)
	case len(command) == 1 && command[0] == "purge":
		return purge(ctx, st)
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func scopeCreate(ctx context.Context, st *store.Store, scope string) error {
	if scope == "" {
		return fmt.Errorf("scope create requires --scope")
	}

	privateKey := nostr.GeneratePrivateKey()
	publicKey, err := nostr.GetPublicKey(privateKey)
	if err != nil {
		return fmt.Errorf("deriving public key: %w", err)
	}

	err = st.CreateIdentity(ctx, store.Identity{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Scope:      scope,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return err
	}

	npub, err := nip19.EncodePublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("encoding npub: %w", err)
	}
	fmt.Printf("scope:  %s\npubkey: %s\nnpub:   %s\n", scope, publicKey, npub)
	return nil
}

func tokenCreate(ctx context.Context, st *store.Store, cfg *config.Config, scope, owner string, ttl time.Duration) error {
	ownerPublicKey, err := resolveOwner(ctx, st, cfg, scope, owner)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = cfg.TokenTTL.Std()
	}

	value, err := newTokenValue()
	if err != nil {
		return err
	}

	now := time.Now()
	err = st.CreateToken(ctx, store.Token{
		Token:          value,
		OwnerPublicKey: ownerPublicKey,
		Scope:          scope,
		Metadata:       "{}",
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	})
	if err != nil {
		return err
	}

	fmt.Printf("token:   %s\nexpires: %s\nuri:     %s\n",
		value, now.Add(ttl).UTC().Format(time.RFC3339),
		rpc.BuildBunkerURI(ownerPublicKey, cfg.Relays, value))
	return nil
}

// resolveOwner maps a --scope to its identity's public key, falls back
// to --owner, and finally to the config-held main identity.
func resolveOwner(ctx context.Context, st *store.Store, cfg *config.Config, scope, owner string) (string, error) {
	if scope != "" {
		identities, err := st.ListScopesWithKeys(ctx)
		if err != nil {
			return "", err
		}
		for _, identity := range identities {
			if identity.Scope == scope {
				return identity.PublicKey, nil
			}
		}
		return "", fmt.Errorf("no identity for scope %q; run scope create first", scope)
	}
	if owner != "" {
		if !nostr.IsValidPublicKey(owner) {
			return "", fmt.Errorf("--owner %q is not a hex public key", owner)
		}
		return owner, nil
	}
	mainPub, _, err := cfg.MainIdentity.Keys()
	if err != nil {
		return "", err
	}
	if mainPub == "" {
		return "", fmt.Errorf("no --scope or --owner given and no main identity configured")
	}
	return mainPub, nil
}

func tokenList(ctx context.Context, st *store.Store, scope string) error {
	tokens, err := st.ListTokens(ctx, scope)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOKEN\tSCOPE\tOWNER\tEXPIRES")
	now := time.Now()
	for _, token := range tokens {
		expires := token.ExpiresAt.UTC().Format(time.RFC3339)
		if token.ExpiresAt.Before(now) {
			expires += " (expired)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", token.Token, token.Scope, token.OwnerPublicKey, expires)
	}
	return w.Flush()
}

func sessionList(ctx context.Context, st *store.Store, scope string) error {
	sessions, err := st.ListSessions(ctx, scope)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REMOTE\tSCOPE\tOWNER\tEXPIRES")
	for _, session := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			session.RemotePublicKey, session.Scope, session.OwnerPublicKey,
			session.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func purge(ctx context.Context, st *store.Store) error {
	count, err := st.DeleteExpiredTokens(ctx, time.Now())
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d expired token(s)\n", count)
	return nil
}

func newTokenValue() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
