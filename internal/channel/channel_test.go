// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package channel

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearstream/pearstream/internal/blob"
	"github.com/pearstream/pearstream/internal/config"
	"github.com/pearstream/pearstream/internal/ops"
)

func testDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testCfg(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = t.TempDir()
	return cfg
}

// newOwner creates a fresh channel owned by its node.
func newOwner(t *testing.T) *Channel {
	t.Helper()
	db := testDB(t)
	ch, err := Open(context.Background(), Options{
		DB:         db,
		Cfg:        testCfg(t),
		Corestore:  blob.NewStore(db, time.Second),
		DeviceName: "owner-device",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// openPeer opens the same channel on a second node.
func openPeer(t *testing.T, bootstrap string) *Channel {
	t.Helper()
	db := testDB(t)
	ch, err := Open(context.Background(), Options{
		DB:           db,
		Cfg:          testCfg(t),
		Corestore:    blob.NewStore(db, time.Second),
		BootstrapHex: bootstrap,
		DeviceName:   "peer-device",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// syncOnce copies every log src knows into dst and applies. Manual entry
// exchange keeps the convergence tests free of real networking.
func syncOnce(t *testing.T, src, dst *Channel) {
	t.Helper()
	for writer, length := range src.Linearizer().Heads() {
		if length == 0 {
			continue
		}
		l := src.Linearizer().Log(writer)
		require.NotNil(t, l)
		entries, err := l.ReadFrom(0, int(length))
		require.NoError(t, err)
		_, err = dst.Linearizer().Ingest(writer, entries)
		require.NoError(t, err)
	}
	dst.Linearizer().Signal()
	require.NoError(t, dst.Update(context.Background(), false))
}

// converge exchanges entries both ways until both views settle.
func converge(t *testing.T, a, b *Channel) {
	t.Helper()
	for i := 0; i < 4; i++ {
		syncOnce(t, a, b)
		syncOnce(t, b, a)
	}
}

func TestCreateChannel_FoundingOwner(t *testing.T) {
	ch := newOwner(t)

	assert.Equal(t, StateReady, ch.State())
	assert.True(t, ch.Writable())

	writers, err := ch.ListWriters()
	require.NoError(t, err)
	require.Len(t, writers, 1)
	assert.Equal(t, ch.LocalKey(), writers[0].KeyHex)
	assert.Equal(t, ops.RoleOwner, writers[0].Role)
}

func TestAddVideo_RoundTrip(t *testing.T) {
	ch := newOwner(t)

	rec, err := ch.AddVideo(context.Background(), VideoMeta{
		Title:  "Hello",
		Size:   1048576,
		BlobID: "0:16:0:1048576",
	})
	require.NoError(t, err)
	require.NotNil(t, rec)

	got, err := ch.GetVideo(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Hello", got.Title)
	assert.Equal(t, int64(1048576), got.Size)
	assert.Equal(t, ch.LocalKey(), got.UploadedBy)
	assert.NotZero(t, got.UploadedAt)
}

func TestListVideos_NewestFirst(t *testing.T) {
	ch := newOwner(t)

	for _, title := range []string{"one", "two", "three"} {
		_, err := ch.AddVideo(context.Background(), VideoMeta{
			Title: title, Size: 1, BlobID: "0:1:0:1",
		})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	videos, err := ch.ListVideos()
	require.NoError(t, err)
	require.Len(t, videos, 3)
	assert.Equal(t, "three", videos[0].Title)
	assert.Equal(t, "one", videos[2].Title)
}

func TestDeleteVideo(t *testing.T) {
	ch := newOwner(t)
	rec, err := ch.AddVideo(context.Background(), VideoMeta{Title: "x", Size: 1, BlobID: "0:1:0:1"})
	require.NoError(t, err)

	require.NoError(t, ch.DeleteVideo(context.Background(), rec.ID))

	got, err := ch.GetVideo(rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestViewerConvergence(t *testing.T) {
	owner := newOwner(t)
	_, err := owner.AddVideo(context.Background(), VideoMeta{Title: "Hello", Size: 1048576, BlobID: "0:16:0:1048576"})
	require.NoError(t, err)

	viewer := openPeer(t, owner.Key())
	assert.False(t, viewer.Writable())

	syncOnce(t, owner, viewer)

	videos, err := viewer.ListVideos()
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, "Hello", videos[0].Title)
	assert.Equal(t, int64(1048576), videos[0].Size)
}

func TestDeterministicApply_SameEntriesSameView(t *testing.T) {
	owner := newOwner(t)
	_, err := owner.AddVideo(context.Background(), VideoMeta{Title: "a", Size: 1, BlobID: "0:1:0:1"})
	require.NoError(t, err)
	require.NoError(t, owner.UpdateMetadata(context.Background(), MetaPatch{Name: strPtr("chan")}))

	v1 := openPeer(t, owner.Key())
	v2 := openPeer(t, owner.Key())
	syncOnce(t, owner, v1)
	syncOnce(t, owner, v2)

	s1, err := v1.View().Snapshot("")
	require.NoError(t, err)
	s2, err := v2.View().Snapshot("")
	require.NoError(t, err)
	require.Equal(t, len(s1), len(s2))
	for k, v := range s1 {
		assert.Equal(t, string(v), string(s2[k]), k)
	}
}

func TestWriterAdmission_MakesPeerWritable(t *testing.T) {
	owner := newOwner(t)
	peer := openPeer(t, owner.Key())

	require.NoError(t, owner.AddWriter(context.Background(), AddWriterRequest{
		KeyHex: peer.LocalKey(),
		Role:   ops.RoleDevice,
	}))

	syncOnce(t, owner, peer)
	assert.True(t, peer.Writable())

	// The admitted peer can now publish, and the owner sees it.
	_, err := peer.AddVideo(context.Background(), VideoMeta{Title: "from-peer", Size: 2, BlobID: "0:1:0:2"})
	require.NoError(t, err)
	converge(t, owner, peer)

	videos, err := owner.ListVideos()
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, "from-peer", videos[0].Title)
}

func TestWriterRemoval_KeepsPriorOps(t *testing.T) {
	owner := newOwner(t)
	peer := openPeer(t, owner.Key())

	require.NoError(t, owner.AddWriter(context.Background(), AddWriterRequest{
		KeyHex: peer.LocalKey(), Role: ops.RoleDevice,
	}))
	converge(t, owner, peer)

	_, err := peer.AddVideo(context.Background(), VideoMeta{Title: "pre-removal", Size: 1, BlobID: "0:1:0:1"})
	require.NoError(t, err)
	converge(t, owner, peer)

	require.NoError(t, owner.RemoveWriter(context.Background(), peer.LocalKey()))
	converge(t, owner, peer)

	// Pre-existing videos remain.
	videos, err := owner.ListVideos()
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, "pre-removal", videos[0].Title)

	// The removed writer has no path back to the writer set: its channel
	// reports not-writable and further uploads fail.
	_, err = peer.AddVideo(context.Background(), VideoMeta{Title: "post-removal", Size: 1, BlobID: "0:1:0:1"})
	assert.ErrorIs(t, err, ErrNotWritable)
	converge(t, owner, peer)

	videos, err = owner.ListVideos()
	require.NoError(t, err)
	assert.Len(t, videos, 1)

	writers, err := owner.ListWriters()
	require.NoError(t, err)
	require.Len(t, writers, 1)
	assert.Equal(t, owner.LocalKey(), writers[0].KeyHex)
}

func TestRemoveWriter_ACL(t *testing.T) {
	owner := newOwner(t)

	err := owner.RemoveWriter(context.Background(), owner.LocalKey())
	assert.ErrorIs(t, err, ErrPermissionDenied)

	peer := openPeer(t, owner.Key())
	require.NoError(t, owner.AddWriter(context.Background(), AddWriterRequest{
		KeyHex: peer.LocalKey(), Role: ops.RoleDevice,
	}))
	converge(t, owner, peer)

	// A device may not remove writers, nor add moderators.
	err = peer.RemoveWriter(context.Background(), owner.LocalKey())
	assert.ErrorIs(t, err, ErrPermissionDenied)
	err = peer.AddWriter(context.Background(), AddWriterRequest{
		KeyHex: owner.LocalKey(), Role: ops.RoleModerator,
	})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestConflictMerge_RoleWins(t *testing.T) {
	owner := newOwner(t)
	peer := openPeer(t, owner.Key())
	require.NoError(t, owner.AddWriter(context.Background(), AddWriterRequest{
		KeyHex: peer.LocalKey(), Role: ops.RoleDevice,
	}))
	converge(t, owner, peer)

	rec, err := owner.AddVideo(context.Background(), VideoMeta{Title: "orig", Size: 1, BlobID: "0:1:0:1"})
	require.NoError(t, err)
	converge(t, owner, peer)

	// Concurrent updates: the owner's role outranks the device's
	// regardless of clocks and timestamps.
	require.NoError(t, peer.UpdateVideo(context.Background(), rec.ID, VideoPatch{Title: strPtr("peer-title")}))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, owner.UpdateVideo(context.Background(), rec.ID, VideoPatch{Title: strPtr("owner-title")}))
	converge(t, owner, peer)

	a, err := owner.GetVideo(rec.ID)
	require.NoError(t, err)
	b, err := peer.GetVideo(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Title, b.Title)
	assert.Equal(t, "owner-title", a.Title)
}

func TestConflictMerge_UpdatedAtTiebreak(t *testing.T) {
	// Two same-role writers with equal precedence up to updatedAt.
	assert.True(t, shouldUseNew(1, 1, 5, 5, 2000, 1000))
	assert.False(t, shouldUseNew(1, 1, 5, 5, 1000, 2000))
	assert.True(t, shouldUseNew(1, 1, 6, 5, 0, 9000))
	assert.False(t, shouldUseNew(1, 2, 9, 5, 9000, 0))
}

func TestStickyPublicBeeKey(t *testing.T) {
	ch := newOwner(t)
	first := testKey("11")
	second := testKey("22")

	require.NoError(t, ch.UpdateMetadata(context.Background(), MetaPatch{Name: strPtr("c"), PublicBeeKey: &first}))
	require.NoError(t, ch.UpdateMetadata(context.Background(), MetaPatch{PublicBeeKey: &second}))

	meta, err := ch.Metadata()
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, first, meta.PublicBeeKey)
}

func TestInvite_SingleActive(t *testing.T) {
	ch := newOwner(t)

	code1, err := ch.CreateInvite(context.Background(), 0)
	require.NoError(t, err)
	code2, err := ch.CreateInvite(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, code1, code2)

	// At most one record under invites/ (plus the current pointer).
	pairs, err := ch.View().Scan(PrefixInvites)
	require.NoError(t, err)
	records := 0
	for _, kv := range pairs {
		if kv.Key != KeyCurrInvite {
			records++
		}
	}
	assert.Equal(t, 1, records)

	require.NoError(t, ch.ClearInvite(context.Background()))
	inv, err := ch.CurrentInvite()
	require.NoError(t, err)
	assert.Nil(t, inv)

	code3, err := ch.CreateInvite(context.Background(), 0)
	require.NoError(t, err)
	assert.NotEqual(t, code1, code3)
}

func TestRateLimit(t *testing.T) {
	db := testDB(t)
	cfg := testCfg(t)
	cfg.Limits.OpsPerWriterPerMinute = 3
	ch, err := Open(context.Background(), Options{
		DB:         db,
		Cfg:        cfg,
		Corestore:  blob.NewStore(db, time.Second),
		DeviceName: "d",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	// The founding add-writer consumed one budget slot.
	_, err = ch.AddVideo(context.Background(), VideoMeta{Title: "1", Size: 1, BlobID: "0:1:0:1"})
	require.NoError(t, err)
	_, err = ch.AddVideo(context.Background(), VideoMeta{Title: "2", Size: 1, BlobID: "0:1:0:1"})
	require.NoError(t, err)

	_, err = ch.AddVideo(context.Background(), VideoMeta{Title: "3", Size: 1, BlobID: "0:1:0:1"})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRateLimitIsNotPartOfApply(t *testing.T) {
	// A replica with a tighter limit still materializes every replicated
	// op: the limiter binds appends, never apply.
	owner := newOwner(t)
	for i := 0; i < 5; i++ {
		_, err := owner.AddVideo(context.Background(), VideoMeta{Title: "v", Size: 1, BlobID: "0:1:0:1"})
		require.NoError(t, err)
	}

	db := testDB(t)
	cfg := testCfg(t)
	cfg.Limits.OpsPerWriterPerMinute = 1
	viewer, err := Open(context.Background(), Options{
		DB:           db,
		Cfg:          cfg,
		Corestore:    blob.NewStore(db, time.Second),
		BootstrapHex: owner.Key(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = viewer.Close() })

	syncOnce(t, owner, viewer)
	videos, err := viewer.ListVideos()
	require.NoError(t, err)
	assert.Len(t, videos, 5)
}

func TestUnknownOpIgnored(t *testing.T) {
	owner := newOwner(t)
	_, err := owner.AddVideo(context.Background(), VideoMeta{Title: "known", Size: 1, BlobID: "0:1:0:1"})
	require.NoError(t, err)

	// Inject an op with an unknown type directly.
	op := ops.New("hologram-upload")
	op.Set("whatever", true)
	require.NoError(t, owner.Append(context.Background(), op))

	videos, err := owner.ListVideos()
	require.NoError(t, err)
	assert.Len(t, videos, 1)

	viewer := openPeer(t, owner.Key())
	syncOnce(t, owner, viewer)
	videos, err = viewer.ListVideos()
	require.NoError(t, err)
	assert.Len(t, videos, 1)
}

func TestBlobThroughChannel(t *testing.T) {
	ch := newOwner(t)

	data := []byte("video-bytes")
	ptr, err := ch.PutBlob(context.Background(), data)
	require.NoError(t, err)

	got, err := ch.GetBlob(context.Background(), ch.BlobCoreKey(), ptr)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	rec, err := ch.AddVideo(context.Background(), VideoMeta{
		Title:  "with-blob",
		Size:   int64(len(data)),
		BlobID: ptr.String(),
	})
	require.NoError(t, err)

	url, err := ch.BlobURL(rec)
	require.NoError(t, err)
	assert.Contains(t, url, ch.BlobCoreKey())
	assert.Contains(t, url, ptr.String())
}

func TestVectorAndWatchEvents(t *testing.T) {
	ch := newOwner(t)
	rec, err := ch.AddVideo(context.Background(), VideoMeta{Title: "v", Size: 1, BlobID: "0:1:0:1"})
	require.NoError(t, err)

	vec := make([]byte, ops.VectorBytes)
	require.NoError(t, ch.AddVectorIndex(context.Background(), rec.ID, b64(vec)))
	_, ok, err := ch.View().Get(PrefixVectors + rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, ch.LogWatchEvent(context.Background(), rec.ID, "play"))
	events, err := ch.View().Scan(PrefixWatch + rec.ID + "/")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func strPtr(s string) *string { return &s }

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func testKey(pair string) string {
	out := ""
	for i := 0; i < 32; i++ {
		out += pair
	}
	return out
}
