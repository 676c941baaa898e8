// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

// Package config holds the typed node configuration and its koanf-based
// loading pipeline. Values are layered defaults -> config file -> environment
// (PEARSTREAM_ prefix), then validated.
package config

import (
	"fmt"
	"time"

	"github.com/pearstream/pearstream/internal/validation"
)

// Config is the root configuration for a PearStream node.
type Config struct {
	Storage    StorageConfig    `koanf:"storage"`
	Swarm      SwarmConfig      `koanf:"swarm"`
	BlobServer BlobServerConfig `koanf:"blob_server"`
	Limits     LimitsConfig     `koanf:"limits"`
	Timeouts   TimeoutsConfig   `koanf:"timeouts"`
	Logging    LoggingConfig    `koanf:"logging"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// MetricsConfig configures the Prometheus scrape endpoint. An empty
// address disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// StorageConfig configures the on-disk corestore and metadata database.
type StorageConfig struct {
	// Path is the on-disk root for the corestore and metadata KV database.
	Path string `koanf:"path" validate:"required"`

	// SyncWrites forces fsync on every Badger write. Slower but durable.
	SyncWrites bool `koanf:"sync_writes"`

	// DefaultTimeout is loaded and validated; no component reads it. Blob
	// entry lookups are bounded by Timeouts.BlobEntryLookup.
	DefaultTimeout time.Duration `koanf:"default_timeout"`
}

// SwarmConfig configures peer discovery and connections.
type SwarmConfig struct {
	// KeyPath is where the persisted DHT identity keypair lives. If the file
	// is absent a fresh keypair is generated and persisted there.
	KeyPath string `koanf:"key_path"`

	// ListenAddr is the websocket listen address for inbound peer
	// connections ("host:port"; port 0 picks a free port).
	ListenAddr string `koanf:"listen_addr"`

	// NATSURL points at the discovery broker. Empty means run an embedded
	// server on NATSPort.
	NATSURL string `koanf:"nats_url"`

	// NATSPort is the embedded broker port when NATSURL is empty.
	// Port 0 picks a free port.
	NATSPort int `koanf:"nats_port"`
}

// BlobServerConfig says where issued blob URLs point. Serving the bytes is
// the blob server collaborator's job; this module only issues URLs.
type BlobServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"gte=0,lte=65535"`
}

// LimitsConfig bounds mutator-path behavior. None of these are consulted
// inside apply.
type LimitsConfig struct {
	// OpsPerWriterPerMinute is the rolling append budget per writer.
	OpsPerWriterPerMinute int `koanf:"ops_per_writer_per_minute" validate:"gte=1"`

	// MaxOpBytes is loaded and validated; the cap enforced on a single
	// serialized operation is the constant ops.MaxOpBytes, not this setting.
	MaxOpBytes int `koanf:"max_op_bytes" validate:"gte=1024"`

	// MaxCommentBytes caps comment text.
	MaxCommentBytes int `koanf:"max_comment_bytes" validate:"gte=1"`
}

// TimeoutsConfig carries the bounded waits for every blocking call across
// the network.
type TimeoutsConfig struct {
	LogBootstrap    time.Duration `koanf:"log_bootstrap"`
	ChannelReady    time.Duration `koanf:"channel_ready"`
	TopicFlush      time.Duration `koanf:"topic_flush"`
	DiscoveryFlush  time.Duration `koanf:"discovery_flush"`
	ViewUpdate      time.Duration `koanf:"view_update"`
	BlobEntryLookup time.Duration `koanf:"blob_entry_lookup"`
	MirrorReady     time.Duration `koanf:"mirror_ready"`
	InitialSyncPeer time.Duration `koanf:"initial_sync_peer"`
	InitialSyncData time.Duration `koanf:"initial_sync_data"`
}

// LoggingConfig configures the zerolog facade.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all sensible default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:           "./data",
			SyncWrites:     false,
			DefaultTimeout: 30 * time.Second,
		},
		Swarm: SwarmConfig{
			KeyPath:    "", // defaults to <storage.path>/swarm.key
			ListenAddr: "127.0.0.1:0",
			NATSURL:    "",
			NATSPort:   0,
		},
		BlobServer: BlobServerConfig{
			Host: "127.0.0.1",
			Port: 49833,
		},
		Limits: LimitsConfig{
			OpsPerWriterPerMinute: 100,
			MaxOpBytes:            100 * 1024,
			MaxCommentBytes:       5000,
		},
		Timeouts: TimeoutsConfig{
			LogBootstrap:    10 * time.Second,
			ChannelReady:    10 * time.Second,
			TopicFlush:      5 * time.Second,
			DiscoveryFlush:  3 * time.Second,
			ViewUpdate:      10 * time.Second,
			BlobEntryLookup: 15 * time.Second,
			MirrorReady:     10 * time.Second,
			InitialSyncPeer: 30 * time.Second,
			InitialSyncData: 20 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
	}
}

// Default returns the default configuration. Callers may mutate the result.
func Default() *Config {
	return defaultConfig()
}

// SwarmKeyPath resolves the swarm identity key path, defaulting into the
// storage root when unset.
func (c *Config) SwarmKeyPath() string {
	if c.Swarm.KeyPath != "" {
		return c.Swarm.KeyPath
	}
	return c.Storage.Path + "/swarm.key"
}

// Validate checks the configuration for inconsistent or missing values.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Storage.DefaultTimeout <= 0 {
		return fmt.Errorf("invalid config: storage.default_timeout must be positive")
	}
	for name, d := range map[string]time.Duration{
		"timeouts.log_bootstrap":     c.Timeouts.LogBootstrap,
		"timeouts.channel_ready":     c.Timeouts.ChannelReady,
		"timeouts.view_update":       c.Timeouts.ViewUpdate,
		"timeouts.blob_entry_lookup": c.Timeouts.BlobEntryLookup,
		"timeouts.mirror_ready":      c.Timeouts.MirrorReady,
		"timeouts.initial_sync_peer": c.Timeouts.InitialSyncPeer,
		"timeouts.initial_sync_data": c.Timeouts.InitialSyncData,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid config: %s must be positive", name)
		}
	}
	return nil
}
