// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package view

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
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

func TestView_BatchPutGetDelete(t *testing.T) {
	v := Open(testDB(t), "ch1")

	b := v.Batch()
	b.Put("videos/a", []byte(`{"id":"a"}`))
	b.Put("videos/b", []byte(`{"id":"b"}`))
	require.NoError(t, b.Commit())

	val, ok, err := v.Get("videos/a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"id":"a"}`, string(val))

	b = v.Batch()
	b.Delete("videos/a")
	require.NoError(t, b.Commit())

	_, ok, err = v.Get("videos/a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestView_ScanIsOrderedAndScoped(t *testing.T) {
	db := testDB(t)
	v1 := Open(db, "ch1")
	v2 := Open(db, "ch2")

	b := v1.Batch()
	b.Put("videos/c", []byte("3"))
	b.Put("videos/a", []byte("1"))
	b.Put("videos/b", []byte("2"))
	b.Put("writers/x", []byte("w"))
	require.NoError(t, b.Commit())

	b2 := v2.Batch()
	b2.Put("videos/zz", []byte("other-channel"))
	require.NoError(t, b2.Commit())

	pairs, err := v1.Scan("videos/")
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	assert.Equal(t, "videos/a", pairs[0].Key)
	assert.Equal(t, "videos/b", pairs[1].Key)
	assert.Equal(t, "videos/c", pairs[2].Key)
}

func TestBatch_ReadsThroughPendingWrites(t *testing.T) {
	v := Open(testDB(t), "ch1")

	b := v.Batch()
	b.Put("k", []byte("staged"))
	val, ok, err := b.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "staged", string(val))

	b.Delete("k")
	_, ok, err = b.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDiff(t *testing.T) {
	before := map[string][]byte{
		"videos/a": []byte("1"),
		"videos/b": []byte("2"),
		"videos/c": []byte("3"),
	}
	after := map[string][]byte{
		"videos/a": []byte("1"),       // unchanged
		"videos/b": []byte("changed"), // modified
		"videos/d": []byte("4"),       // added
	}

	changes := Diff(before, after)
	require.Len(t, changes, 3)

	assert.Equal(t, "videos/b", changes[0].Key)
	assert.Equal(t, ChangePut, changes[0].Kind)
	assert.Equal(t, "videos/c", changes[1].Key)
	assert.Equal(t, ChangeDel, changes[1].Kind)
	assert.Equal(t, "videos/d", changes[2].Key)
	assert.Equal(t, ChangePut, changes[2].Kind)
}

func TestView_Reset(t *testing.T) {
	db := testDB(t)
	v := Open(db, "ch1")
	other := Open(db, "ch2")

	b := v.Batch()
	b.Put("videos/a", []byte("1"))
	require.NoError(t, b.Commit())
	b2 := other.Batch()
	b2.Put("videos/a", []byte("kept"))
	require.NoError(t, b2.Commit())

	require.NoError(t, v.Reset())

	pairs, err := v.Scan("")
	require.NoError(t, err)
	assert.Empty(t, pairs)

	val, ok, err := other.Get("videos/a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "kept", string(val))
}

func TestSnapshot(t *testing.T) {
	v := Open(testDB(t), "ch1")
	b := v.Batch()
	b.Put("videos/a", []byte("1"))
	b.Put("channel-meta/meta", []byte("m"))
	require.NoError(t, b.Commit())

	snap, err := v.Snapshot("videos/")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "1", string(snap["videos/a"]))
}
