// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadFrom("")
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.Storage.Path)
	assert.Equal(t, 30*time.Second, cfg.Storage.DefaultTimeout)
	assert.Equal(t, "127.0.0.1", cfg.BlobServer.Host)
	assert.Equal(t, 100, cfg.Limits.OpsPerWriterPerMinute)
	assert.Equal(t, 100*1024, cfg.Limits.MaxOpBytes)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.LogBootstrap)
	assert.Equal(t, 15*time.Second, cfg.Timeouts.BlobEntryLookup)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.InitialSyncPeer)
}

func TestFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pearstream.yaml")
	yaml := `
storage:
  path: /var/lib/pearstream
blob_server:
  host: 10.0.0.5
  port: 8080
limits:
  ops_per_writer_per_minute: 50
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/pearstream", cfg.Storage.Path)
	assert.Equal(t, "10.0.0.5", cfg.BlobServer.Host)
	assert.Equal(t, 8080, cfg.BlobServer.Port)
	assert.Equal(t, 50, cfg.Limits.OpsPerWriterPerMinute)
	// Untouched values keep their defaults.
	assert.Equal(t, 100*1024, cfg.Limits.MaxOpBytes)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PEARSTREAM_STORAGE__PATH", "/from/env")
	t.Setenv("PEARSTREAM_BLOB_SERVER__PORT", "9000")

	dir := t.TempDir()
	path := filepath.Join(dir, "pearstream.yaml")
	yaml := `
storage:
  path: /from/file
blob_server:
  port: 8080
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Storage.Path)
	assert.Equal(t, 9000, cfg.BlobServer.Port)
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "storage.path", envTransformFunc("PEARSTREAM_STORAGE__PATH"))
	assert.Equal(t, "storage.sync_writes", envTransformFunc("PEARSTREAM_STORAGE__SYNC_WRITES"))
	assert.Equal(t, "logging.level", envTransformFunc("PEARSTREAM_LOGGING__LEVEL"))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.BlobServer.Port = 99999
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Limits.OpsPerWriterPerMinute = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Timeouts.LogBootstrap = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestSwarmKeyPathDefaultsIntoStorage(t *testing.T) {
	cfg := Default()
	cfg.Storage.Path = "/data"
	assert.Equal(t, "/data/swarm.key", cfg.SwarmKeyPath())

	cfg.Swarm.KeyPath = "/keys/swarm.key"
	assert.Equal(t, "/keys/swarm.key", cfg.SwarmKeyPath())
}
