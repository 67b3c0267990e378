// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package relays maintains connections to a set of nostr relays and
// presents them as a single bus: Publish fans an event out to every
// reachable relay, and Subscribe merges matching events from all of
// them into one deduplicated channel, reconnecting dropped relays in
// the background.
package relays
