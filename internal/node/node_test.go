// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package node

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearstream/pearstream/internal/channel"
	"github.com/pearstream/pearstream/internal/config"
	"github.com/pearstream/pearstream/internal/mirror"
	"github.com/pearstream/pearstream/internal/oplog"
	"github.com/pearstream/pearstream/internal/ops"
)

func video(title string, size int64, blobID string) channel.VideoMeta {
	return channel.VideoMeta{Title: title, Size: size, BlobID: blobID}
}

// newTestNode brings up a full node. brokerURL "" embeds a fresh broker;
// pass the first node's DiscoveryURL to share one discovery universe.
func newTestNode(t *testing.T, brokerURL string) *Node {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = t.TempDir()
	cfg.Swarm.ListenAddr = "127.0.0.1:0"
	cfg.Swarm.NATSURL = brokerURL
	cfg.Logging.Level = "error"

	n, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestTwoDevicePublishAndPair(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end swarm test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	// Device A: create a channel with one 1 MiB video.
	nodeA := newTestNode(t, "")
	chA, err := nodeA.CreateChannel(ctx, "test-channel", "device-a")
	require.NoError(t, err)

	blobData := make([]byte, 1<<20)
	for i := range blobData {
		blobData[i] = byte(i)
	}
	ptr, err := chA.PutBlob(ctx, blobData)
	require.NoError(t, err)
	rec, err := chA.AddVideo(ctx, video("Hello", int64(len(blobData)), ptr.String()))
	require.NoError(t, err)

	code, err := nodeA.CreateInvite(ctx, chA, 0)
	require.NoError(t, err)
	require.NotEmpty(t, code)

	// Device B: pair with the invite over a shared discovery broker.
	nodeB := newTestNode(t, nodeA.Swarm().DiscoveryURL())
	chB, result, err := nodeB.PairWithInvite(ctx, code, "device-b")
	require.NoError(t, err)
	require.NotNil(t, chB)
	assert.Equal(t, "paired", string(result.State))
	assert.Equal(t, chA.Key(), chB.Key())
	assert.True(t, chB.Writable())

	// B converges on A's video within the initial-sync budget.
	state := nodeB.WaitForInitialSync(ctx, chB, SyncOptions{})
	assert.Equal(t, SyncSynced, state)

	videos, err := chB.ListVideos()
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, "Hello", videos[0].Title)
	assert.Equal(t, int64(1048576), videos[0].Size)
	assert.Equal(t, rec.ID, videos[0].ID)

	// The blob bytes replicate on demand.
	got, err := chB.GetBlob(ctx, videos[0].BlobsCoreKey, ptr)
	require.NoError(t, err)
	assert.Equal(t, blobData, got)

	// The invite is single-use: C cannot pair with the consumed code.
	nodeC := newTestNode(t, nodeA.Swarm().DiscoveryURL())
	shortCtx, cancelC := context.WithTimeout(ctx, 15*time.Second)
	defer cancelC()
	_, resultC, err := nodeC.PairWithInvite(shortCtx, code, "device-c")
	assert.Error(t, err)
	if resultC != nil {
		assert.NotEqual(t, "paired", string(resultC.State))
	}
}

func TestPublicMirrorViewer(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end swarm test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	owner := newTestNode(t, "")
	ch, err := owner.CreateChannel(ctx, "mirrored", "device-a")
	require.NoError(t, err)

	_, err = ch.AddVideo(ctx, video("Mirrored", 42, "0:1:0:42"))
	require.NoError(t, err)

	meta, err := ch.Metadata()
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.NotEmpty(t, meta.PublicBeeKey)

	// Give the owner's mirror sync loop a moment to project the diff.
	ownerBee := owner.OwnerMirror(ch.Key())
	require.NotNil(t, ownerBee)
	deadline := time.Now().Add(10 * time.Second)
	for {
		videos, err := ownerBee.ListVideos(ctx)
		require.NoError(t, err)
		if len(videos) > 0 {
			break
		}
		require.False(t, time.Now().After(deadline), "owner mirror never received the video")
		time.Sleep(200 * time.Millisecond)
	}

	// A viewer node opens the mirror by key only: no full channel open.
	viewer := newTestNode(t, owner.Swarm().DiscoveryURL())
	bee, err := viewer.OpenMirror(ctx, meta.PublicBeeKey)
	require.NoError(t, err)

	deadline = time.Now().Add(20 * time.Second)
	for {
		videos, err := bee.ListVideos(ctx)
		require.NoError(t, err)
		if len(videos) > 0 {
			assert.Equal(t, "Mirrored", videos[0].Title)
			break
		}
		require.False(t, time.Now().After(deadline), "viewer mirror never converged")
	}
}

func TestAttachIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end swarm test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	a := newTestNode(t, "")
	chA, err := a.CreateChannel(ctx, "idem", "device-a")
	require.NoError(t, err)
	_, err = chA.AddVideo(ctx, video("once", 1, "0:1:0:1"))
	require.NoError(t, err)

	b := newTestNode(t, a.Swarm().DiscoveryURL())
	chB, err := b.OpenChannel(ctx, chA.Key())
	require.NoError(t, err)

	// Re-attaching every connection N times must be a no-op.
	for i := 0; i < 5; i++ {
		for _, conn := range b.Swarm().Connections() {
			chB.Replicator().Attach(conn)
		}
	}

	state := b.WaitForInitialSync(ctx, chB, SyncOptions{})
	assert.Equal(t, SyncSynced, state)

	videos, err := chB.ListVideos()
	require.NoError(t, err)
	require.Len(t, videos, 1)
}

func TestOpenByKey_DriveAndRedispatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n := newTestNode(t, "")

	// A single-writer drive resolves as a drive: its records carry no op
	// type, so the probe rejects the multi-writer interpretation.
	drive, err := mirror.OpenOwner(n.db, "legacy-probe")
	require.NoError(t, err)
	require.NoError(t, drive.SetMetadata(map[string]json.RawMessage{"name": json.RawMessage(`"old drive"`)}))

	resolved, err := n.OpenByKey(ctx, drive.KeyHex())
	require.NoError(t, err)
	assert.Equal(t, KindDrive, resolved.Kind)
	require.NotNil(t, resolved.Drive)
	assert.False(t, n.Meta().IsMultiWriter(drive.KeyHex()))

	// A key whose log starts with an op envelope was actually a
	// multi-writer channel: the open re-dispatches and persists the
	// marker plus a migration record.
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	bootstrap, err := oplog.OpenLocal(n.db, priv)
	require.NoError(t, err)
	founding := ops.New(ops.TypeAddWriter)
	founding.Set("keyHex", bootstrap.WriterHex())
	founding.Set("role", ops.RoleOwner)
	payload, err := founding.Encode()
	require.NoError(t, err)
	_, err = bootstrap.Append(payload, 1)
	require.NoError(t, err)

	resolved, err = n.OpenByKey(ctx, bootstrap.WriterHex())
	require.NoError(t, err)
	assert.Equal(t, KindChannel, resolved.Kind)
	require.NotNil(t, resolved.Channel)

	assert.True(t, n.Meta().IsMultiWriter(bootstrap.WriterHex()))
	migration, err := n.Meta().Migration(bootstrap.WriterHex())
	require.NoError(t, err)
	require.NotNil(t, migration)
	assert.Equal(t, bootstrap.WriterHex(), migration.ChannelKey)

	// Marked keys skip the probe: the second open consults the marker and
	// lands on the cached channel.
	again, err := n.OpenByKey(ctx, bootstrap.WriterHex())
	require.NoError(t, err)
	assert.Equal(t, KindChannel, again.Kind)
	assert.Same(t, resolved.Channel, again.Channel)
}

func TestMetaStore(t *testing.T) {
	n := newTestNode(t, "")
	meta := n.Meta()

	require.NoError(t, meta.SaveIdentity(Identity{Name: "alice", PublicKey: "pk1"}))
	require.NoError(t, meta.SetActiveIdentity("pk1"))

	ids, err := meta.Identities()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "alice", ids[0].Name)

	active, err := meta.ActiveIdentity()
	require.NoError(t, err)
	assert.Equal(t, "pk1", active)

	require.NoError(t, meta.Subscribe("chan1"))
	require.NoError(t, meta.Subscribe("chan2"))
	require.NoError(t, meta.Unsubscribe("chan1"))
	subs, err := meta.Subscriptions()
	require.NoError(t, err)
	assert.Equal(t, []string{"chan2"}, subs)

	meta.MarkMultiWriter("chanX")
	assert.True(t, meta.IsMultiWriter("chanX"))
	assert.False(t, meta.IsMultiWriter("chanY"))

	require.NoError(t, meta.RecordMigration(MigrationRecord{LegacyKey: "old", ChannelKey: "new"}))
	rec, err := meta.Migration("old")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "new", rec.ChannelKey)

	missing, err := meta.Migration("never")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
