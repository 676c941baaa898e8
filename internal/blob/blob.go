// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

// Package blob implements content-addressed bulk byte storage. Bytes live
// in per-writer cores: append-only sequences of fixed-size blocks sharing
// the node's store and replication substrate. A stored blob is located by
// an opaque four-integer pointer; the video record remembers which core
// holds the bytes.
package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/blake2b"

	"github.com/pearstream/pearstream/internal/metrics"
)

// BlockSize is the fixed block length inside a core. The last block of a
// blob may be shorter.
const BlockSize = 64 * 1024

var (
	// ErrNotWritable is returned when Put targets a remote core.
	ErrNotWritable = errors.New("blob: core is not locally writable")

	// ErrBadPointer is returned for malformed or out-of-range pointers.
	ErrBadPointer = errors.New("blob: invalid pointer")

	// ErrTimeout is returned when a remote block does not arrive in time.
	ErrTimeout = errors.New("blob: entry lookup timed out")
)

// Pointer locates a byte range inside a core.
type Pointer struct {
	BlockOffset uint64 `json:"blockOffset"`
	BlockLength uint64 `json:"blockLength"`
	ByteOffset  uint64 `json:"byteOffset"`
	ByteLength  uint64 `json:"byteLength"`
}

// String encodes the pointer as "blockOffset:blockLength:byteOffset:byteLength".
func (p Pointer) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", p.BlockOffset, p.BlockLength, p.ByteOffset, p.ByteLength)
}

// ParsePointer decodes the four-integer pointer string.
func ParsePointer(s string) (Pointer, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Pointer{}, fmt.Errorf("%w: %q", ErrBadPointer, s)
	}
	var nums [4]uint64
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return Pointer{}, fmt.Errorf("%w: %q", ErrBadPointer, s)
		}
		nums[i] = n
	}
	return Pointer{
		BlockOffset: nums[0],
		BlockLength: nums[1],
		ByteOffset:  nums[2],
		ByteLength:  nums[3],
	}, nil
}

// Core is one writer's append-only block sequence.
type Core struct {
	db      *badger.DB
	store   *Store
	keyHex  string
	local   bool
	entryTO time.Duration

	mu     sync.RWMutex
	blocks uint64
	bytes  uint64

	notifyMu sync.Mutex
	waiters  []chan struct{}
}

// Store manages the cores sharing one BadgerDB. Get-by-key is idempotent.
type Store struct {
	db      *badger.DB
	entryTO time.Duration

	mu    sync.Mutex
	cores map[string]*Core

	requestMu    sync.RWMutex
	requestBlock func(coreHex string, block uint64)
}

// SetBlockRequester installs the replication hook used to ask connected
// peers for blocks missing locally.
func (s *Store) SetBlockRequester(fn func(coreHex string, block uint64)) {
	s.requestMu.Lock()
	defer s.requestMu.Unlock()
	s.requestBlock = fn
}

func (s *Store) askPeers(coreHex string, block uint64) {
	s.requestMu.RLock()
	fn := s.requestBlock
	s.requestMu.RUnlock()
	if fn != nil {
		fn(coreHex, block)
	}
}

// NewStore wraps db. entryTimeout bounds remote block lookups.
func NewStore(db *badger.DB, entryTimeout time.Duration) *Store {
	if entryTimeout <= 0 {
		entryTimeout = 15 * time.Second
	}
	return &Store{db: db, entryTO: entryTimeout, cores: map[string]*Core{}}
}

// Core returns the core for keyHex, creating the handle on first use.
// local marks the core writable by this node.
func (s *Store) Core(keyHex string, local bool) (*Core, error) {
	keyHex = strings.ToLower(keyHex)
	if _, err := hex.DecodeString(keyHex); err != nil || len(keyHex) != 64 {
		return nil, fmt.Errorf("blob: invalid core key %q", keyHex)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cores[keyHex]; ok {
		if local {
			c.local = true
		}
		return c, nil
	}
	c := &Core{db: s.db, store: s, keyHex: keyHex, local: local, entryTO: s.entryTO}
	if err := c.load(); err != nil {
		return nil, err
	}
	s.cores[keyHex] = c
	return c, nil
}

// Cores snapshots the currently open core handles.
func (s *Store) Cores() []*Core {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Core, 0, len(s.cores))
	for _, c := range s.cores {
		out = append(out, c)
	}
	return out
}

// LocalCoreKey derives a deterministic per-writer blob core key: the
// blake2b-256 of the writer log key, namespaced. Both sides of a
// replication session derive the same key from the video record.
func LocalCoreKey(writerHex string) string {
	sum := blake2b.Sum256([]byte("pearstream/blobs/" + writerHex))
	return hex.EncodeToString(sum[:])
}

func blockKey(coreHex string, block uint64) []byte {
	return []byte(fmt.Sprintf("blob:%s:%012d", coreHex, block))
}

func (c *Core) load() error {
	prefix := []byte("blob:" + c.keyHex + ":")
	return c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		last := string(it.Item().Key())
		block, err := strconv.ParseUint(last[len(prefix):], 10, 64)
		if err != nil {
			return fmt.Errorf("blob: corrupt block key %q", last)
		}
		c.blocks = block + 1

		// Byte length needs the final (possibly short) block's size.
		item, err := txn.Get(blockKey(c.keyHex, block))
		if err != nil {
			return err
		}
		c.bytes = block*BlockSize + uint64(item.ValueSize())
		return nil
	})
}

// KeyHex returns the core's identity.
func (c *Core) KeyHex() string { return c.keyHex }

// Writable reports whether this node may append.
func (c *Core) Writable() bool { return c.local }

// Blocks returns the number of stored blocks.
func (c *Core) Blocks() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks
}

// Put appends data as a run of blocks and returns its pointer.
func (c *Core) Put(ctx context.Context, data []byte) (Pointer, error) {
	if !c.local {
		return Pointer{}, ErrNotWritable
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ptr := Pointer{
		BlockOffset: c.blocks,
		ByteOffset:  c.blocks * BlockSize,
		ByteLength:  uint64(len(data)),
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()

	block := c.blocks
	for off := 0; off < len(data); off += BlockSize {
		end := off + BlockSize
		if end > len(data) {
			end = len(data)
		}
		if err := wb.Set(blockKey(c.keyHex, block), data[off:end]); err != nil {
			return Pointer{}, fmt.Errorf("put block %d: %w", block, err)
		}
		block++
	}
	if len(data) == 0 {
		// Zero-length blobs still occupy a pointer, not a block.
		ptr.BlockLength = 0
	} else {
		ptr.BlockLength = block - c.blocks
	}

	if err := wb.Flush(); err != nil {
		return Pointer{}, fmt.Errorf("put flush: %w", err)
	}

	c.blocks = block
	c.bytes += uint64(len(data))
	metrics.BlobBytesWritten.Add(float64(len(data)))
	c.notify()
	return ptr, nil
}

// IngestBlock stores a replicated block at an explicit position.
func (c *Core) IngestBlock(block uint64, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blockKey(c.keyHex, block), data)
	})
	if err != nil {
		return fmt.Errorf("ingest block %d: %w", block, err)
	}
	if block >= c.blocks {
		c.blocks = block + 1
	}
	c.notify()
	return nil
}

// Block reads a single stored block, or (nil, false) when absent.
func (c *Core) Block(block uint64) ([]byte, bool, error) {
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blockKey(c.keyHex, block))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("read block %d: %w", block, err)
	}
	return out, out != nil, nil
}

// waitForBlock blocks until the block arrives via replication or the
// lookup timeout elapses.
func (c *Core) waitForBlock(ctx context.Context, block uint64) ([]byte, error) {
	deadline := time.NewTimer(c.entryTO)
	defer deadline.Stop()

	for {
		data, ok, err := c.Block(block)
		if err != nil {
			return nil, err
		}
		if ok {
			return data, nil
		}

		c.notifyMu.Lock()
		waiter := make(chan struct{})
		c.waiters = append(c.waiters, waiter)
		c.notifyMu.Unlock()

		if c.store != nil {
			c.store.askPeers(c.keyHex, block)
		}

		select {
		case <-waiter:
		case <-deadline.C:
			return nil, fmt.Errorf("%w: block %d of %s", ErrTimeout, block, c.keyHex)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Core) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	for _, w := range c.waiters {
		close(w)
	}
	c.waiters = nil
}

// Get reads the full byte range of ptr.
func (c *Core) Get(ctx context.Context, ptr Pointer) ([]byte, error) {
	r, err := c.ReadStream(ctx, ptr, 0, int64(ptr.ByteLength))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	metrics.BlobBytesRead.Add(float64(len(data)))
	return data, nil
}

// ReadStream returns a reader over [start, start+length) within the blob.
// length < 0 reads to the end. Missing blocks are awaited up to the entry
// lookup timeout (remote cores fill in via replication).
func (c *Core) ReadStream(ctx context.Context, ptr Pointer, start, length int64) (io.ReadCloser, error) {
	if start < 0 || uint64(start) > ptr.ByteLength {
		return nil, fmt.Errorf("%w: range start %d", ErrBadPointer, start)
	}
	if length < 0 {
		length = int64(ptr.ByteLength) - start
	}
	if uint64(start)+uint64(length) > ptr.ByteLength {
		return nil, fmt.Errorf("%w: range end past blob", ErrBadPointer)
	}
	return &blobReader{
		core:      c,
		ctx:       ctx,
		ptr:       ptr,
		remaining: length,
		pos:       uint64(start),
	}, nil
}

// blobReader streams a blob range block by block.
type blobReader struct {
	core      *Core
	ctx       context.Context
	ptr       Pointer
	pos       uint64 // offset within the blob
	remaining int64
	buf       []byte
}

func (r *blobReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if len(r.buf) == 0 {
		block := r.ptr.BlockOffset + r.pos/BlockSize
		data, err := r.core.waitForBlock(r.ctx, block)
		if err != nil {
			return 0, err
		}
		inBlock := r.pos % BlockSize
		if inBlock > uint64(len(data)) {
			return 0, fmt.Errorf("%w: short block %d", ErrBadPointer, block)
		}
		r.buf = data[inBlock:]
	}

	limit := len(r.buf)
	if int64(limit) > r.remaining {
		limit = int(r.remaining)
	}
	n := copy(p, r.buf[:limit])
	r.buf = r.buf[n:]
	r.pos += uint64(n)
	r.remaining -= int64(n)
	return n, nil
}

func (r *blobReader) Close() error { return nil }

// URL issues the HTTP location a blob server collaborator would serve the
// blob from. This module never serves the bytes itself.
func URL(host string, port int, coreHex string, ptr Pointer) string {
	return fmt.Sprintf("http://%s:%d/blobs/%s/%s", host, port, coreHex, ptr.String())
}
