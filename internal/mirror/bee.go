// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

// Package mirror implements the public mirror bee: a single-writer
// append-only ordered key-value store the channel owner keeps in sync with
// a public projection of the channel view. Read-only viewers replicate the
// one log and materialize locally, converging quickly without running the
// full multi-writer machinery.
package mirror

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/pearstream/pearstream/internal/logging"
	"github.com/pearstream/pearstream/internal/oplog"
	"github.com/pearstream/pearstream/internal/replication"
	"github.com/pearstream/pearstream/internal/validation"
	"github.com/pearstream/pearstream/internal/view"
)

// bee record actions
const (
	actionPut   = "put"
	actionDel   = "del"
	actionMeta  = "meta"
	actionBatch = "batch"
)

// view keys inside the bee keyspace
const (
	keyMeta      = "channel-meta/meta"
	prefixVideos = "videos/"
)

// listWait bounds the empty-store wait for non-writer readers.
const listWait = 4 * time.Second

// ErrReadOnly is returned when a non-owner calls a mutating method.
var ErrReadOnly = errors.New("mirror: bee is read-only on this node")

// record is one bee log entry's payload.
type record struct {
	Action  string          `json:"action"`
	Key     string          `json:"key,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Changes []Change        `json:"changes,omitempty"`
}

// Change is one element of a batched video diff.
type Change struct {
	Put   bool            `json:"put"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Bee is the public mirror store.
type Bee struct {
	db     *badger.DB
	keyHex string
	log    *oplog.Log
	idx    *view.View
	repl   *replication.Replicator

	// mu serializes appends and materialization.
	mu      sync.Mutex
	applied uint64

	notifyMu    sync.Mutex
	waiters     []chan struct{}
	requestSync func()
}

// OpenOwner opens (or bootstraps) the writable bee for a channel. The
// bee's keypair is persisted per channel so reopening resumes the same
// store.
func OpenOwner(db *badger.DB, channelKeyHex string) (*Bee, error) {
	seedKey := []byte("beekey:" + channelKeyHex)

	var seed []byte
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seedKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		seed, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load bee key: %w", err)
	}
	if seed == nil {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate bee key: %w", err)
		}
		err = db.Update(func(txn *badger.Txn) error {
			return txn.Set(seedKey, seed)
		})
		if err != nil {
			return nil, fmt.Errorf("persist bee key: %w", err)
		}
	}

	l, err := oplog.OpenLocal(db, ed25519.NewKeyFromSeed(seed))
	if err != nil {
		return nil, err
	}
	return open(db, l)
}

// OpenViewer opens a read-only bee by its public key.
func OpenViewer(db *badger.DB, beeKeyHex string) (*Bee, error) {
	beeKeyHex = strings.ToLower(beeKeyHex)
	if !validation.IsHex32(beeKeyHex) {
		return nil, fmt.Errorf("mirror: invalid bee key %q", beeKeyHex)
	}
	l, err := oplog.OpenRemote(db, beeKeyHex)
	if err != nil {
		return nil, err
	}
	return open(db, l)
}

func open(db *badger.DB, l *oplog.Log) (*Bee, error) {
	b := &Bee{
		db:     db,
		keyHex: l.WriterHex(),
		log:    l,
		idx:    view.Open(db, "bee:"+l.WriterHex()),
	}
	b.repl = replication.NewReplicator("bee:"+b.keyHex, b)

	// Re-materialize from scratch; the log is the source of truth.
	if err := b.idx.Reset(); err != nil {
		return nil, err
	}
	if err := b.materialize(); err != nil {
		return nil, err
	}

	logging.Info().
		Str("bee", b.keyHex).
		Bool("writable", l.Writable()).
		Msg("public mirror open")
	return b, nil
}

// KeyHex returns the bee's public key, published in channel metadata.
func (b *Bee) KeyHex() string { return b.keyHex }

// Writable reports whether this node owns the bee.
func (b *Bee) Writable() bool { return b.log.Writable() }

// Replicator exposes the bee's replication endpoint for connection wiring.
func (b *Bee) Replicator() *replication.Replicator { return b.repl }

// Heads implements replication.LogSource.
func (b *Bee) Heads() map[string]uint64 {
	return map[string]uint64{b.keyHex: b.log.Length()}
}

// Log implements replication.LogSource.
func (b *Bee) Log(writerHex string) *oplog.Log {
	if writerHex != b.keyHex {
		return nil
	}
	return b.log
}

// Ingest implements replication.LogSource.
func (b *Bee) Ingest(writerHex string, entries []oplog.Entry) (int, error) {
	if writerHex != b.keyHex {
		return 0, fmt.Errorf("mirror: foreign log %s", writerHex)
	}
	return b.log.Ingest(entries)
}

// SetSyncRequester implements replication.LogSource.
func (b *Bee) SetSyncRequester(fn func()) {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	b.requestSync = fn
}

// Signal implements replication.LogSource: ingest arrived, materialize and
// wake waiting readers.
func (b *Bee) Signal() {
	if err := b.materialize(); err != nil {
		logging.Debug().Err(err).Msg("mirror materialize failed")
	}
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()
	for _, w := range b.waiters {
		close(w)
	}
	b.waiters = nil
}

// materialize applies log entries past the applied watermark, in order.
func (b *Bee) materialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	length := b.log.Length()
	for seq := b.applied; seq < length; seq++ {
		e, err := b.log.Read(seq)
		if err != nil {
			return err
		}
		var rec record
		if err := json.Unmarshal(e.Payload, &rec); err != nil {
			// Undecodable record: skip, the store must keep converging.
			b.applied = seq + 1
			continue
		}

		batch := b.idx.Batch()
		b.applyRecord(batch, &rec)
		if err := batch.Commit(); err != nil {
			return err
		}
		b.applied = seq + 1
	}
	return nil
}

func (b *Bee) applyRecord(batch *view.Batch, rec *record) {
	switch rec.Action {
	case actionPut:
		batch.Put(rec.Key, rec.Value)
	case actionDel:
		batch.Delete(rec.Key)
	case actionMeta:
		merged := b.mergeMeta(batch, rec.Value)
		if merged != nil {
			batch.Put(keyMeta, merged)
		}
	case actionBatch:
		for _, c := range rec.Changes {
			if c.Put {
				batch.Put(c.Key, c.Value)
			} else {
				batch.Delete(c.Key)
			}
		}
	}
}

// mergeMeta folds a partial metadata patch into the stored record so
// previously published keys are never lost.
func (b *Bee) mergeMeta(batch *view.Batch, patch json.RawMessage) []byte {
	fields := map[string]json.RawMessage{}
	if raw, ok, err := batch.Get(keyMeta); err == nil && ok {
		//nolint:errcheck // unreadable previous value starts fresh
		json.Unmarshal(raw, &fields)
	}
	incoming := map[string]json.RawMessage{}
	if err := json.Unmarshal(patch, &incoming); err != nil {
		return nil
	}
	for k, v := range incoming {
		fields[k] = v
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return out
}

// append writes one record to the bee log and materializes it.
func (b *Bee) append(rec *record) error {
	if !b.log.Writable() {
		return ErrReadOnly
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal bee record: %w", err)
	}

	b.mu.Lock()
	clock := b.log.Length() + 1
	_, err = b.log.Append(payload, clock)
	b.mu.Unlock()
	if err != nil {
		return err
	}

	if err := b.materialize(); err != nil {
		return err
	}
	b.repl.BroadcastHaves()
	return nil
}

// GetMetadata returns the published metadata fields, or nil before the
// first publish.
func (b *Bee) GetMetadata() (map[string]json.RawMessage, error) {
	raw, ok, err := b.idx.Get(keyMeta)
	if err != nil || !ok {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// SetMetadata merges a partial metadata patch; unspecified fields are
// preserved. Owner only.
func (b *Bee) SetMetadata(patch map[string]json.RawMessage) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	return b.append(&record{Action: actionMeta, Value: data})
}

// PutVideo publishes one video projection. Owner only.
func (b *Bee) PutVideo(id string, value json.RawMessage) error {
	return b.append(&record{Action: actionPut, Key: prefixVideos + id, Value: value})
}

// DeleteVideo unpublishes one video. Owner only.
func (b *Bee) DeleteVideo(id string) error {
	return b.append(&record{Action: actionDel, Key: prefixVideos + id})
}

// ApplyVideoChanges publishes a batched diff in one log entry. Owner only.
func (b *Bee) ApplyVideoChanges(changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	return b.append(&record{Action: actionBatch, Changes: changes})
}

// Video is a published video projection with its known fields lifted out.
type Video struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Size       int64  `json:"size"`
	UploadedAt int64  `json:"uploadedAt"`

	// Raw is the full projected record.
	Raw json.RawMessage `json:"-"`
}

// ListVideos returns published videos, newest first. A non-writer reading
// an empty store first waits a bounded interval for replication to fill
// it.
func (b *Bee) ListVideos(ctx context.Context) ([]Video, error) {
	videos, err := b.scanVideos()
	if err != nil {
		return nil, err
	}
	if len(videos) > 0 || b.Writable() {
		return videos, nil
	}

	// Empty and read-only: wait for data, bounded.
	waitCtx, cancel := context.WithTimeout(ctx, listWait)
	defer cancel()
	for {
		b.notifyMu.Lock()
		waiter := make(chan struct{})
		b.waiters = append(b.waiters, waiter)
		requestSync := b.requestSync
		b.notifyMu.Unlock()
		if requestSync != nil {
			requestSync()
		}

		select {
		case <-waiter:
			videos, err = b.scanVideos()
			if err != nil {
				return nil, err
			}
			if len(videos) > 0 {
				return videos, nil
			}
		case <-waitCtx.Done():
			// Bounded wait lapsed: empty result, not an error.
			return b.scanVideos()
		}
	}
}

func (b *Bee) scanVideos() ([]Video, error) {
	pairs, err := b.idx.Scan(prefixVideos)
	if err != nil {
		return nil, err
	}
	out := make([]Video, 0, len(pairs))
	for _, kv := range pairs {
		var v Video
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			continue
		}
		v.Raw = append(json.RawMessage{}, kv.Value...)
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt != out[j].UploadedAt {
			return out[i].UploadedAt > out[j].UploadedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetVideo returns one published projection, or nil.
func (b *Bee) GetVideo(id string) (json.RawMessage, error) {
	raw, ok, err := b.idx.Get(prefixVideos + id)
	if err != nil || !ok {
		return nil, err
	}
	return raw, nil
}

// Project strips the op header fields from a channel record, producing the
// public form.
func Project(raw []byte) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "type")
	delete(fields, "schemaVersion")
	delete(fields, "logicalClock")
	return json.Marshal(fields)
}

// Close releases the bee's replication scopes.
func (b *Bee) Close() error {
	b.repl.Detach()
	return nil
}
