// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package blob

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, 200*time.Millisecond)
}

func testCoreKey() string { return strings.Repeat("ab", 32) }

func TestPointerCodec(t *testing.T) {
	p := Pointer{BlockOffset: 3, BlockLength: 2, ByteOffset: 196608, ByteLength: 70000}
	assert.Equal(t, "3:2:196608:70000", p.String())

	parsed, err := ParsePointer(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, parsed)
}

func TestParsePointer_Invalid(t *testing.T) {
	for _, bad := range []string{"", "1:2:3", "1:2:3:4:5", "1:2:3:-4", "a:b:c:d"} {
		_, err := ParsePointer(bad)
		assert.ErrorIs(t, err, ErrBadPointer, bad)
	}

	// Zero byte length is legal.
	p, err := ParsePointer("0:0:0:0")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), p.ByteLength)
}

func TestPutGetRoundTrip(t *testing.T) {
	store := testStore(t)
	core, err := store.Core(testCoreKey(), true)
	require.NoError(t, err)

	// Spans multiple blocks with a short tail.
	data := make([]byte, 2*BlockSize+1234)
	for i := range data {
		data[i] = byte(i % 251)
	}

	ptr, err := core.Put(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ptr.BlockLength)
	assert.Equal(t, uint64(len(data)), ptr.ByteLength)

	got, err := core.Get(context.Background(), ptr)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutAppendsSequentially(t *testing.T) {
	store := testStore(t)
	core, err := store.Core(testCoreKey(), true)
	require.NoError(t, err)

	p1, err := core.Put(context.Background(), []byte("first"))
	require.NoError(t, err)
	p2, err := core.Put(context.Background(), []byte("second"))
	require.NoError(t, err)

	assert.Equal(t, uint64(0), p1.BlockOffset)
	assert.Equal(t, uint64(1), p2.BlockOffset)

	got, err := core.Get(context.Background(), p1)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
	got, err = core.Get(context.Background(), p2)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestReadStream_Range(t *testing.T) {
	store := testStore(t)
	core, err := store.Core(testCoreKey(), true)
	require.NoError(t, err)

	data := []byte("0123456789abcdef")
	ptr, err := core.Put(context.Background(), data)
	require.NoError(t, err)

	r, err := core.ReadStream(context.Background(), ptr, 4, 8)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "456789ab", string(got))
}

func TestReadStream_BadRange(t *testing.T) {
	store := testStore(t)
	core, err := store.Core(testCoreKey(), true)
	require.NoError(t, err)

	ptr, err := core.Put(context.Background(), []byte("short"))
	require.NoError(t, err)

	_, err = core.ReadStream(context.Background(), ptr, 2, 100)
	assert.ErrorIs(t, err, ErrBadPointer)
	_, err = core.ReadStream(context.Background(), ptr, -1, 2)
	assert.ErrorIs(t, err, ErrBadPointer)
}

func TestZeroLengthBlob(t *testing.T) {
	store := testStore(t)
	core, err := store.Core(testCoreKey(), true)
	require.NoError(t, err)

	ptr, err := core.Put(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ptr.ByteLength)
	assert.Equal(t, uint64(0), ptr.BlockLength)

	got, err := core.Get(context.Background(), ptr)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRemoteCoreNotWritable(t *testing.T) {
	store := testStore(t)
	core, err := store.Core(testCoreKey(), false)
	require.NoError(t, err)

	_, err = core.Put(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotWritable)
}

func TestRemoteLookupTimesOut(t *testing.T) {
	store := testStore(t)
	core, err := store.Core(testCoreKey(), false)
	require.NoError(t, err)

	ptr := Pointer{BlockOffset: 0, BlockLength: 1, ByteOffset: 0, ByteLength: 5}
	_, err = core.Get(context.Background(), ptr)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestIngestBlockWakesReader(t *testing.T) {
	store := testStore(t)
	core, err := store.Core(testCoreKey(), false)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		//nolint:errcheck // test goroutine
		core.IngestBlock(0, []byte("hello"))
	}()

	ptr := Pointer{BlockOffset: 0, BlockLength: 1, ByteOffset: 0, ByteLength: 5}
	got, err := core.Get(context.Background(), ptr)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestCoreHandleIsIdempotent(t *testing.T) {
	store := testStore(t)
	a, err := store.Core(testCoreKey(), true)
	require.NoError(t, err)
	b, err := store.Core(strings.ToUpper(testCoreKey()), false)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.True(t, b.Writable())
}

func TestStoreRequestsMissingBlocks(t *testing.T) {
	store := testStore(t)
	requested := make(chan uint64, 8)
	store.SetBlockRequester(func(_ string, block uint64) {
		select {
		case requested <- block:
		default:
		}
	})

	core, err := store.Core(testCoreKey(), false)
	require.NoError(t, err)

	ptr := Pointer{BlockOffset: 2, BlockLength: 1, ByteOffset: 2 * BlockSize, ByteLength: 3}
	_, err = core.Get(context.Background(), ptr)
	assert.ErrorIs(t, err, ErrTimeout)

	select {
	case block := <-requested:
		assert.Equal(t, uint64(2), block)
	default:
		t.Fatal("expected a block request")
	}
}

func TestURL(t *testing.T) {
	ptr := Pointer{BlockOffset: 1, BlockLength: 2, ByteOffset: 65536, ByteLength: 100}
	url := URL("127.0.0.1", 49833, testCoreKey(), ptr)
	assert.Equal(t, "http://127.0.0.1:49833/blobs/"+testCoreKey()+"/1:2:65536:100", url)
}
