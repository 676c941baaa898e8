// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

// Package oplog implements the per-writer append-only log. Each log is a
// hash-chained sequence of signed entries identified by the writer's ed25519
// public key. Entries replicate byte-for-byte between peers; the local
// writer is the only party that may append, every other peer ingests.
package oplog

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"golang.org/x/crypto/blake2b"
)

var (
	// ErrNotWritable is returned when Append is called on a remote log.
	ErrNotWritable = errors.New("oplog: log is not locally writable")

	// ErrBadEntry is returned when an ingested entry fails hash or
	// signature verification.
	ErrBadEntry = errors.New("oplog: entry verification failed")

	// ErrRewrite is returned when an ingested entry conflicts with an
	// already-stored entry at the same sequence number.
	ErrRewrite = errors.New("oplog: attempted rewrite of committed entry")
)

// Entry is one record in a writer's log.
type Entry struct {
	// Writer is the log's public key in lowercase hex.
	Writer string `json:"writer"`

	// Seq is the zero-based position in the writer's log.
	Seq uint64 `json:"seq"`

	// Clock is the Lamport clock stamped at append time: one past the
	// highest clock visible to the appender. The linearizer orders by it.
	Clock uint64 `json:"clock"`

	// PrevHash chains this entry to its predecessor (empty at seq 0).
	PrevHash []byte `json:"prevHash,omitempty"`

	// Payload is the serialized operation.
	Payload json.RawMessage `json:"payload"`

	// Sig is the writer's ed25519 signature over the entry hash.
	Sig []byte `json:"sig"`
}

// Hash computes the blake2b-256 content hash of the entry.
func (e *Entry) Hash() []byte {
	h, _ := blake2b.New256(nil)
	var seqBuf [16]byte
	putUint64(seqBuf[:8], e.Seq)
	putUint64(seqBuf[8:], e.Clock)
	h.Write(e.PrevHash)
	h.Write(seqBuf[:])
	h.Write(e.Payload)
	return h.Sum(nil)
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// Log is a single writer's append-only log backed by the shared store.
type Log struct {
	db        *badger.DB
	writerHex string
	priv      ed25519.PrivateKey // nil for remote logs
	pub       ed25519.PublicKey

	mu       sync.RWMutex
	length   uint64
	headHash []byte
}

// NewKeyPair generates a fresh writer keypair.
func NewKeyPair() (pubHex string, priv ed25519.PrivateKey, err error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return "", nil, fmt.Errorf("generate keypair: %w", err)
	}
	return hex.EncodeToString(pub), priv, nil
}

// OpenLocal opens (or creates) the locally writable log for priv.
func OpenLocal(db *badger.DB, priv ed25519.PrivateKey) (*Log, error) {
	pub := priv.Public().(ed25519.PublicKey)
	l := &Log{
		db:        db,
		writerHex: hex.EncodeToString(pub),
		priv:      priv,
		pub:       pub,
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenRemote opens the read-only replica of another writer's log.
func OpenRemote(db *badger.DB, writerHex string) (*Log, error) {
	pubBytes, err := hex.DecodeString(writerHex)
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("open remote log: invalid writer key %q", writerHex)
	}
	l := &Log{
		db:        db,
		writerHex: writerHex,
		pub:       ed25519.PublicKey(pubBytes),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func entryKey(writerHex string, seq uint64) []byte {
	return []byte(fmt.Sprintf("log:%s:%020d", writerHex, seq))
}

// load recovers length and head hash from the store.
func (l *Log) load() error {
	prefix := []byte("log:" + l.writerHex + ":")
	return l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek to the last key under the prefix.
		seek := append(append([]byte{}, prefix...), 0xff)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			l.length = 0
			l.headHash = nil
			return nil
		}

		var head Entry
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &head)
		})
		if err != nil {
			return fmt.Errorf("load head: %w", err)
		}
		l.length = head.Seq + 1
		l.headHash = head.Hash()
		return nil
	})
}

// WriterHex returns the log's identity (lowercase hex public key).
func (l *Log) WriterHex() string { return l.writerHex }

// Writable reports whether this node holds the signing key.
func (l *Log) Writable() bool { return l.priv != nil }

// Length returns the number of entries.
func (l *Log) Length() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.length
}

// Append signs and stores a new entry carrying payload. clock must be one
// past the highest clock the appender has observed.
func (l *Log) Append(payload []byte, clock uint64) (Entry, error) {
	if l.priv == nil {
		return Entry{}, ErrNotWritable
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Writer:   l.writerHex,
		Seq:      l.length,
		Clock:    clock,
		PrevHash: l.headHash,
		Payload:  payload,
	}
	e.Sig = ed25519.Sign(l.priv, e.Hash())

	data, err := json.Marshal(&e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal entry: %w", err)
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(l.writerHex, e.Seq), data)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("append entry: %w", err)
	}

	l.length = e.Seq + 1
	l.headHash = e.Hash()
	return e, nil
}

// Read returns the entry at seq.
func (l *Log) Read(seq uint64) (Entry, error) {
	var e Entry
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(l.writerHex, seq))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		return Entry{}, fmt.Errorf("read entry %d: %w", seq, err)
	}
	return e, nil
}

// ReadFrom returns up to max entries starting at seq, in order.
func (l *Log) ReadFrom(seq uint64, max int) ([]Entry, error) {
	length := l.Length()
	var out []Entry
	for s := seq; s < length && len(out) < max; s++ {
		e, err := l.Read(s)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Verify checks an entry's signature and content hash against prevHash.
func (l *Log) Verify(e *Entry, prevHash []byte) error {
	if e.Writer != l.writerHex {
		return fmt.Errorf("%w: writer mismatch", ErrBadEntry)
	}
	if string(e.PrevHash) != string(prevHash) {
		return fmt.Errorf("%w: broken hash chain at seq %d", ErrBadEntry, e.Seq)
	}
	if !ed25519.Verify(l.pub, e.Hash(), e.Sig) {
		return fmt.Errorf("%w: bad signature at seq %d", ErrBadEntry, e.Seq)
	}
	return nil
}

// Ingest verifies and stores replicated entries. An entry at the current
// length extends the log; an entry past it is a gap and ends the ingest
// without error; entries below it must match what is stored (append-only:
// rewrites are refused). Returns the number of new entries.
func (l *Log) Ingest(entries []Entry) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	added := 0
	for i := range entries {
		e := entries[i]
		switch {
		case e.Seq < l.length:
			stored, err := l.readLocked(e.Seq)
			if err != nil {
				return added, err
			}
			if string(stored.Hash()) != string(e.Hash()) {
				return added, ErrRewrite
			}
			continue
		case e.Seq > l.length:
			// Gap: the peer must resend from our head.
			return added, nil
		}

		if err := l.Verify(&e, l.headHash); err != nil {
			return added, err
		}

		data, err := json.Marshal(&e)
		if err != nil {
			return added, fmt.Errorf("marshal entry: %w", err)
		}
		err = l.db.Update(func(txn *badger.Txn) error {
			return txn.Set(entryKey(l.writerHex, e.Seq), data)
		})
		if err != nil {
			return added, fmt.Errorf("ingest entry: %w", err)
		}

		l.length = e.Seq + 1
		l.headHash = e.Hash()
		added++
	}
	return added, nil
}

func (l *Log) readLocked(seq uint64) (Entry, error) {
	var e Entry
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(l.writerHex, seq))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	return e, err
}

// DiscoveryTopic derives the 32-byte discovery topic for a bootstrap key.
// The topic is blake2b-256 of the key bytes, so announcing it does not leak
// the key itself.
func DiscoveryTopic(bootstrapHex string) ([32]byte, error) {
	var topic [32]byte
	keyBytes, err := hex.DecodeString(bootstrapHex)
	if err != nil || len(keyBytes) != 32 {
		return topic, fmt.Errorf("invalid bootstrap key %q", bootstrapHex)
	}
	sum := blake2b.Sum256(keyBytes)
	copy(topic[:], sum[:])
	return topic, nil
}
