// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

// Package metrics provides Prometheus instrumentation for the channel
// engine, replication fabric, blob store, and pairing flows. Collectors
// register on the default registry via promauto; the daemon exposes them
// at /metrics when a scrape address is configured.
package metrics
