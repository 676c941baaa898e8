// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package mirror

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestOwnerPutListVideos(t *testing.T) {
	bee, err := OpenOwner(testDB(t), "chan1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bee.Close() })
	assert.True(t, bee.Writable())

	require.NoError(t, bee.PutVideo("a", raw(`{"id":"a","title":"A","uploadedAt":100,"size":5}`)))
	require.NoError(t, bee.PutVideo("b", raw(`{"id":"b","title":"B","uploadedAt":200,"size":6}`)))

	videos, err := bee.ListVideos(context.Background())
	require.NoError(t, err)
	require.Len(t, videos, 2)
	assert.Equal(t, "b", videos[0].ID) // newest first
	assert.Equal(t, "a", videos[1].ID)

	require.NoError(t, bee.DeleteVideo("a"))
	videos, err = bee.ListVideos(context.Background())
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, "b", videos[0].ID)
}

func TestMetadataPartialMerge(t *testing.T) {
	bee, err := OpenOwner(testDB(t), "chan1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bee.Close() })

	require.NoError(t, bee.SetMetadata(map[string]json.RawMessage{
		"name":        raw(`"my channel"`),
		"description": raw(`"first"`),
	}))
	require.NoError(t, bee.SetMetadata(map[string]json.RawMessage{
		"description": raw(`"second"`),
	}))

	meta, err := bee.GetMetadata()
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.JSONEq(t, `"my channel"`, string(meta["name"]))
	assert.JSONEq(t, `"second"`, string(meta["description"]))
}

func TestApplyVideoChangesBatch(t *testing.T) {
	bee, err := OpenOwner(testDB(t), "chan1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bee.Close() })

	require.NoError(t, bee.PutVideo("stale", raw(`{"id":"stale","uploadedAt":1}`)))

	require.NoError(t, bee.ApplyVideoChanges([]Change{
		{Put: true, Key: "videos/fresh", Value: raw(`{"id":"fresh","uploadedAt":2}`)},
		{Put: false, Key: "videos/stale"},
	}))

	videos, err := bee.ListVideos(context.Background())
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, "fresh", videos[0].ID)
}

func TestViewerMaterializesReplicatedLog(t *testing.T) {
	ownerDB := testDB(t)
	bee, err := OpenOwner(ownerDB, "chan1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bee.Close() })

	require.NoError(t, bee.SetMetadata(map[string]json.RawMessage{"name": raw(`"c"`)}))
	require.NoError(t, bee.PutVideo("v1", raw(`{"id":"v1","uploadedAt":10}`)))

	viewer, err := OpenViewer(testDB(t), bee.KeyHex())
	require.NoError(t, err)
	t.Cleanup(func() { _ = viewer.Close() })
	assert.False(t, viewer.Writable())

	// Manual replication: hand the owner's entries to the viewer.
	entries, err := bee.Log(bee.KeyHex()).ReadFrom(0, 100)
	require.NoError(t, err)
	_, err = viewer.Ingest(bee.KeyHex(), entries)
	require.NoError(t, err)
	viewer.Signal()

	videos, err := viewer.ListVideos(context.Background())
	require.NoError(t, err)
	require.Len(t, videos, 1)
	assert.Equal(t, "v1", videos[0].ID)

	meta, err := viewer.GetMetadata()
	require.NoError(t, err)
	assert.JSONEq(t, `"c"`, string(meta["name"]))
}

func TestViewerWritesRefused(t *testing.T) {
	owner, err := OpenOwner(testDB(t), "chan1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = owner.Close() })

	viewer, err := OpenViewer(testDB(t), owner.KeyHex())
	require.NoError(t, err)
	t.Cleanup(func() { _ = viewer.Close() })

	assert.ErrorIs(t, viewer.PutVideo("x", raw(`{}`)), ErrReadOnly)
	assert.ErrorIs(t, viewer.DeleteVideo("x"), ErrReadOnly)
	assert.ErrorIs(t, viewer.SetMetadata(map[string]json.RawMessage{}), ErrReadOnly)
}

func TestOpenOwnerIsStable(t *testing.T) {
	db := testDB(t)
	a, err := OpenOwner(db, "chan1")
	require.NoError(t, err)
	key := a.KeyHex()
	require.NoError(t, a.Close())

	b, err := OpenOwner(db, "chan1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	assert.Equal(t, key, b.KeyHex())
}

func TestProjectStripsHeaderFields(t *testing.T) {
	projected, err := Project([]byte(`{"type":"add-video","schemaVersion":1,"logicalClock":7,"id":"v","title":"T"}`))
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(projected, &m))
	assert.NotContains(t, m, "type")
	assert.NotContains(t, m, "schemaVersion")
	assert.NotContains(t, m, "logicalClock")
	assert.Contains(t, m, "title")
}

func TestOpenViewer_InvalidKey(t *testing.T) {
	_, err := OpenViewer(testDB(t), "nope")
	assert.Error(t, err)
}
