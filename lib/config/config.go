// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for bunkerd.
//
// Configuration is loaded from a single YAML file specified by:
//   - BUNKERD_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. The config file is the
// single source of truth; environment variables do not override values.
// This ensures deterministic, auditable configuration with no hidden
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from a YAML string such
// as "5m" or "1h30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full bunkerd configuration.
type Config struct {
	// Relays is the set of relay URLs every daemon subscribes to and
	// publishes responses on. At least one is required.
	Relays []string `yaml:"relays"`

	// Store is the filesystem path of the SQLite database holding
	// identities, connect tokens, and sessions.
	Store string `yaml:"store"`

	// MainIdentity is the default (unscoped) identity. Optional: a
	// deployment that only services tenant scopes leaves it empty.
	MainIdentity MainIdentityConfig `yaml:"main_identity"`

	// RescanInterval is how often the orchestrator re-discovers
	// identities and purges expired tokens. Default 5m.
	RescanInterval Duration `yaml:"rescan_interval"`

	// RotationTime is the UTC wall-clock time ("HH:MM") of the daily
	// stop/rescan/restart cycle. Default "03:00".
	RotationTime string `yaml:"rotation_time"`

	// SessionTTL is the fixed lifetime of a session created by token
	// redemption. Not sliding. Default 1h.
	SessionTTL Duration `yaml:"session_ttl"`

	// TokenTTL is the lifetime bunkerctl applies when minting connect
	// tokens. The daemon only ever compares expiry timestamps; this
	// value is not consulted at redemption time. Default 10m.
	TokenTTL Duration `yaml:"token_ttl"`
}

// MainIdentityConfig holds the main identity's key material.
type MainIdentityConfig struct {
	// Nsec is the secret key, either bech32 ("nsec1...") or 64-char
	// hex. The public key is derived from it.
	Nsec string `yaml:"nsec"`
}

// Keys derives the (public, secret) hex key pair from the configured
// secret key. Returns empty strings with a nil error when no main
// identity is configured.
func (m MainIdentityConfig) Keys() (publicKey, secretKey string, err error) {
	if m.Nsec == "" {
		return "", "", nil
	}

	secretKey = m.Nsec
	if strings.HasPrefix(m.Nsec, "nsec1") {
		prefix, value, err := nip19.Decode(m.Nsec)
		if err != nil {
			return "", "", fmt.Errorf("config: decoding main identity nsec: %w", err)
		}
		if prefix != "nsec" {
			return "", "", fmt.Errorf("config: main identity key has prefix %q, want nsec", prefix)
		}
		secretKey = value.(string)
	}

	publicKey, err = nostr.GetPublicKey(secretKey)
	if err != nil {
		return "", "", fmt.Errorf("config: deriving main identity public key: %w", err)
	}
	return publicKey, secretKey, nil
}

// Default returns the default configuration. These defaults ensure all
// fields have sensible zero-values before the file is loaded; the
// config file itself is required.
func Default() *Config {
	return &Config{
		Store:          "bunkerd.db",
		RescanInterval: Duration(5 * time.Minute),
		RotationTime:   "03:00",
		SessionTTL:     Duration(time.Hour),
		TokenTTL:       Duration(10 * time.Minute),
	}
}

// Load loads configuration from the BUNKERD_CONFIG environment
// variable. Fails if the variable is not set.
func Load() (*Config, error) {
	path := os.Getenv("BUNKERD_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("BUNKERD_CONFIG environment variable not set; " +
			"set it to the path of your bunkerd.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path and validates it.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for structural errors: no relays,
// an unparseable rotation time, non-positive TTLs, or an undecodable
// main identity key.
func (c *Config) Validate() error {
	if len(c.Relays) == 0 {
		return fmt.Errorf("config: at least one relay URL is required")
	}
	for _, relay := range c.Relays {
		if !strings.HasPrefix(relay, "wss://") && !strings.HasPrefix(relay, "ws://") {
			return fmt.Errorf("config: relay URL %q must use ws:// or wss://", relay)
		}
	}
	if c.Store == "" {
		return fmt.Errorf("config: store path is required")
	}
	if _, _, err := ParseRotationTime(c.RotationTime); err != nil {
		return err
	}
	if c.RescanInterval.Std() <= 0 {
		return fmt.Errorf("config: rescan_interval must be positive")
	}
	if c.SessionTTL.Std() <= 0 {
		return fmt.Errorf("config: session_ttl must be positive")
	}
	if c.TokenTTL.Std() <= 0 {
		return fmt.Errorf("config: token_ttl must be positive")
	}
	if _, _, err := c.MainIdentity.Keys(); err != nil {
		return err
	}
	return nil
}

// ParseRotationTime parses a "HH:MM" UTC wall-clock string into hour
// and minute components.
func ParseRotationTime(value string) (hour, minute int, err error) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("config: rotation_time %q must be HH:MM", value)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("config: rotation_time hour %q out of range 0-23", parts[0])
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("config: rotation_time minute %q out of range 0-59", parts[1])
	}
	return hour, minute, nil
}
