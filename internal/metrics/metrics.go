// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the channel engine and replication fabric:
// - Op append/apply throughput and skips
// - Channel lifecycle
// - Swarm connections and replication wiring
// - Blob store volume
// - Linearizer reorders and view rebuilds

var (
	// Channel Engine Metrics
	OpsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pearstream_ops_appended_total",
			Help: "Total number of operations appended to local logs",
		},
		[]string{"type"},
	)

	OpsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pearstream_ops_applied_total",
			Help: "Total number of operations applied into views",
		},
		[]string{"type"},
	)

	OpsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pearstream_ops_skipped_total",
			Help: "Total number of operations skipped during apply",
		},
		[]string{"reason"}, // "invalid", "unknown_type", "acl"
	)

	ChannelsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pearstream_channels_open",
			Help: "Current number of open channels",
		},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pearstream_rate_limited_total",
			Help: "Total number of mutator calls rejected by the rate limiter",
		},
	)

	// Linearizer Metrics
	ViewRebuilds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pearstream_view_rebuilds_total",
			Help: "Total number of full view re-materializations after causal reordering",
		},
	)

	LinearizerUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pearstream_linearizer_updates_total",
			Help: "Total number of linearizer update passes",
		},
		[]string{"result"}, // "noop", "extended", "timeout"
	)

	// Swarm / Replication Metrics
	PeersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pearstream_peers_connected",
			Help: "Current number of peer connections",
		},
	)

	ReplicationAttaches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pearstream_replication_attaches_total",
			Help: "Total number of replication attach calls",
		},
		[]string{"scope", "result"}, // result: "attached", "duplicate"
	)

	EntriesReplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pearstream_entries_replicated_total",
			Help: "Total number of log entries sent or received over peer connections",
		},
		[]string{"direction"}, // "in", "out"
	)

	DiscoveryAnnounces = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pearstream_discovery_announces_total",
			Help: "Total number of discovery topic announcements published",
		},
	)

	// Blob Store Metrics
	BlobBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pearstream_blob_bytes_written_total",
			Help: "Total number of bytes written to local blob cores",
		},
	)

	BlobBytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pearstream_blob_bytes_read_total",
			Help: "Total number of blob bytes served to readers",
		},
	)

	// Pairing Metrics
	InvitesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pearstream_invites_created_total",
			Help: "Total number of invites created",
		},
	)

	PairingsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pearstream_pairings_total",
			Help: "Total number of pairing attempts by outcome",
		},
		[]string{"outcome"}, // "paired", "invalid", "offline", "failed"
	)
)
