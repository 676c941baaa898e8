// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

// Package view implements the materialized key-value view backing every
// channel's state. The view is an ordered, prefix-scannable keyspace inside
// the shared BadgerDB store, scoped per channel.
//
// Writes are only reachable through a Batch, which the linearizer applier
// owns exclusively. Mutators and readers use the read-side methods.
package view

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// keySeparator joins the scope prefix and the logical key.
const keySeparator = "!"

// View is one channel's materialized keyspace.
type View struct {
	db    *badger.DB
	scope string
}

// KV is a single key-value pair returned by Scan.
type KV struct {
	Key   string
	Value []byte
}

// ChangeKind distinguishes puts from deletions in a diff.
type ChangeKind int

const (
	// ChangePut marks a key that was added or whose value changed.
	ChangePut ChangeKind = iota
	// ChangeDel marks a key that was removed.
	ChangeDel
)

// Change is a single differing key between two snapshots.
type Change struct {
	Kind  ChangeKind
	Key   string
	Value []byte // nil for ChangeDel
}

// Open scopes a view inside db. The scope must be unique per channel; the
// channel bootstrap key hex is the conventional choice.
func Open(db *badger.DB, scope string) *View {
	return &View{db: db, scope: "view:" + scope}
}

func (v *View) storageKey(key string) []byte {
	return []byte(v.scope + keySeparator + key)
}

// Get returns the value for key, or (nil, false, nil) when absent.
func (v *View) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(v.storageKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// Scan returns all pairs under prefix in ascending key order.
func (v *View) Scan(prefix string) ([]KV, error) {
	var out []KV
	storagePrefix := []byte(v.scope + keySeparator + prefix)
	strip := len(v.scope) + len(keySeparator)

	err := v.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(storagePrefix); it.ValidForPrefix(storagePrefix); it.Next() {
			item := it.Item()
			key := string(item.Key())[strip:]
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("scan %s: %w", prefix, err)
			}
			out = append(out, KV{Key: key, Value: val})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot copies every pair under prefix into a map. Used by the mirror
// sync loop to diff the view around a linearizer update.
func (v *View) Snapshot(prefix string) (map[string][]byte, error) {
	pairs, err := v.Scan(prefix)
	if err != nil {
		return nil, err
	}
	snap := make(map[string][]byte, len(pairs))
	for _, kv := range pairs {
		snap[kv.Key] = kv.Value
	}
	return snap, nil
}

// Diff compares two snapshots of the same prefix and returns the changes
// that turn before into after, in ascending key order.
func Diff(before, after map[string][]byte) []Change {
	var changes []Change
	for key, val := range after {
		prev, ok := before[key]
		if !ok || string(prev) != string(val) {
			changes = append(changes, Change{Kind: ChangePut, Key: key, Value: val})
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			changes = append(changes, Change{Kind: ChangeDel, Key: key})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

// Reset deletes the entire scoped keyspace. The linearizer calls this before
// a full re-materialization after causal reordering.
func (v *View) Reset() error {
	storagePrefix := []byte(v.scope + keySeparator)

	var keys [][]byte
	err := v.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(storagePrefix); it.ValidForPrefix(storagePrefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reset scan: %w", err)
	}

	wb := v.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("reset delete: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("reset flush: %w", err)
	}
	return nil
}

// Batch opens a write batch against the view. Only the linearizer applier
// may call this; every other component treats the view as read-only.
func (v *View) Batch() *Batch {
	return &Batch{view: v, pending: make(map[string]*[]byte)}
}

// Batch accumulates writes and commits them atomically. Reads through the
// batch observe pending writes, which the applier relies on when an op
// mutates a key written earlier in the same update pass.
type Batch struct {
	view    *View
	pending map[string]*[]byte // nil slice pointer target = delete
}

// Get reads through the batch: pending writes shadow the stored value.
func (b *Batch) Get(key string) ([]byte, bool, error) {
	if p, ok := b.pending[key]; ok {
		if *p == nil {
			return nil, false, nil
		}
		return *p, true, nil
	}
	return b.view.Get(key)
}

// Put stages a value for key.
func (b *Batch) Put(key string, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	b.pending[key] = &cp
}

// Delete stages removal of key.
func (b *Batch) Delete(key string) {
	var nilVal []byte
	b.pending[key] = &nilVal
}

// DeletePrefix stages removal of every stored and pending key under prefix.
func (b *Batch) DeletePrefix(prefix string) error {
	pairs, err := b.view.Scan(prefix)
	if err != nil {
		return err
	}
	for _, kv := range pairs {
		b.Delete(kv.Key)
	}
	for key := range b.pending {
		if strings.HasPrefix(key, prefix) {
			b.Delete(key)
		}
	}
	return nil
}

// Commit flushes all staged writes atomically.
func (b *Batch) Commit() error {
	wb := b.view.db.NewWriteBatch()
	defer wb.Cancel()

	for key, p := range b.pending {
		storageKey := b.view.storageKey(key)
		if *p == nil {
			if err := wb.Delete(storageKey); err != nil {
				return fmt.Errorf("batch delete %s: %w", key, err)
			}
			continue
		}
		if err := wb.Set(storageKey, *p); err != nil {
			return fmt.Errorf("batch set %s: %w", key, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("batch flush: %w", err)
	}
	b.pending = make(map[string]*[]byte)
	return nil
}
