// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package oplog

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
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

func newLocal(t *testing.T, db *badger.DB) *Log {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	l, err := OpenLocal(db, priv)
	require.NoError(t, err)
	return l
}

func TestAppendRead(t *testing.T) {
	l := newLocal(t, testDB(t))

	e1, err := l.Append([]byte(`{"type":"a"}`), 1)
	require.NoError(t, err)
	e2, err := l.Append([]byte(`{"type":"b"}`), 2)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), e1.Seq)
	assert.Equal(t, uint64(1), e2.Seq)
	assert.Equal(t, uint64(2), l.Length())
	assert.Equal(t, e1.Hash(), e2.PrevHash)

	got, err := l.Read(0)
	require.NoError(t, err)
	assert.Equal(t, e1.Payload, got.Payload)
}

func TestReopenRecoversHead(t *testing.T) {
	db := testDB(t)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	l, err := OpenLocal(db, priv)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := l.Append([]byte(`{}`), uint64(i+1))
		require.NoError(t, err)
	}

	reopened, err := OpenLocal(db, priv)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), reopened.Length())

	e, err := reopened.Append([]byte(`{}`), 6)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), e.Seq)
}

func TestRemoteIngest(t *testing.T) {
	srcDB := testDB(t)
	dstDB := testDB(t)

	src := newLocal(t, srcDB)
	var entries []Entry
	for i := 0; i < 3; i++ {
		e, err := src.Append([]byte(`{"n":1}`), uint64(i+1))
		require.NoError(t, err)
		entries = append(entries, e)
	}

	dst, err := OpenRemote(dstDB, src.WriterHex())
	require.NoError(t, err)
	assert.False(t, dst.Writable())

	added, err := dst.Ingest(entries)
	require.NoError(t, err)
	assert.Equal(t, 3, added)
	assert.Equal(t, uint64(3), dst.Length())

	// Re-ingesting the same entries is a no-op.
	added, err = dst.Ingest(entries)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
}

func TestIngestRejectsTamperedEntry(t *testing.T) {
	src := newLocal(t, testDB(t))
	e, err := src.Append([]byte(`{"v":1}`), 1)
	require.NoError(t, err)

	dst, err := OpenRemote(testDB(t), src.WriterHex())
	require.NoError(t, err)

	e.Payload = []byte(`{"v":"tampered"}`)
	_, err = dst.Ingest([]Entry{e})
	assert.ErrorIs(t, err, ErrBadEntry)
	assert.Equal(t, uint64(0), dst.Length())
}

func TestIngestRejectsRewrite(t *testing.T) {
	srcA := newLocal(t, testDB(t))

	e1, err := srcA.Append([]byte(`{"v":1}`), 1)
	require.NoError(t, err)

	dst, err := OpenRemote(testDB(t), srcA.WriterHex())
	require.NoError(t, err)
	_, err = dst.Ingest([]Entry{e1})
	require.NoError(t, err)

	// A conflicting entry at the same seq must be refused, signed or not.
	forged := e1
	forged.Payload = []byte(`{"v":2}`)
	_, err = dst.Ingest([]Entry{forged})
	assert.ErrorIs(t, err, ErrRewrite)
}

func TestIngestStopsAtGap(t *testing.T) {
	src := newLocal(t, testDB(t))
	var entries []Entry
	for i := 0; i < 3; i++ {
		e, err := src.Append([]byte(`{}`), uint64(i+1))
		require.NoError(t, err)
		entries = append(entries, e)
	}

	dst, err := OpenRemote(testDB(t), src.WriterHex())
	require.NoError(t, err)

	// Entry 2 without 0 and 1: stored nothing, no error.
	added, err := dst.Ingest(entries[2:])
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, uint64(0), dst.Length())
}

func TestAppendOnRemoteFails(t *testing.T) {
	src := newLocal(t, testDB(t))
	dst, err := OpenRemote(testDB(t), src.WriterHex())
	require.NoError(t, err)

	_, err = dst.Append([]byte(`{}`), 1)
	assert.ErrorIs(t, err, ErrNotWritable)
}

func TestDiscoveryTopic(t *testing.T) {
	l := newLocal(t, testDB(t))

	t1, err := DiscoveryTopic(l.WriterHex())
	require.NoError(t, err)
	t2, err := DiscoveryTopic(l.WriterHex())
	require.NoError(t, err)
	assert.Equal(t, t1, t2)

	// The topic must not expose the key bytes themselves.
	assert.NotEqual(t, l.WriterHex(), hex.EncodeToString(t1[:]))

	_, err = DiscoveryTopic("not-hex")
	assert.Error(t, err)
}
