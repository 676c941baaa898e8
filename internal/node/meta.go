// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package node

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Metadata database key prefixes. The markers support upgrades from the
// legacy single-writer variant: a key that fails to open as a
// single-writer drive is re-dispatched to the multi-writer path and the
// decision persisted.
const (
	metaIdentityPrefix  = "identity:"
	metaActiveIdentity  = "activeIdentity"
	metaSubscription    = "subscription:"
	metaMWChannelPrefix = "mw-channel:"
	metaMigration       = "migration:"
)

// Identity is a stored user identity. Mnemonic derivation belongs to the
// crypto collaborator; this store only persists the result.
type Identity struct {
	Name      string `json:"name"`
	PublicKey string `json:"publicKey"`
	CreatedAt int64  `json:"createdAt"`
}

// MigrationRecord maps a legacy single-writer key to its multi-writer
// replacement.
type MigrationRecord struct {
	LegacyKey  string `json:"legacyKey"`
	ChannelKey string `json:"channelKey"`
	MigratedAt int64  `json:"migratedAt"`
}

// MetaStore is the node metadata KV database: identities, subscriptions,
// and channel-kind markers.
type MetaStore struct {
	db *badger.DB
}

// NewMetaStore wraps the shared store.
func NewMetaStore(db *badger.DB) *MetaStore {
	return &MetaStore{db: db}
}

func (m *MetaStore) put(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("meta:"+key), data)
	})
}

func (m *MetaStore) get(key string, v interface{}) (bool, error) {
	found := false
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("meta:" + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	return found, err
}

func (m *MetaStore) scan(prefix string, each func(key string, val []byte) error) error {
	storagePrefix := []byte("meta:" + prefix)
	return m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(storagePrefix); it.ValidForPrefix(storagePrefix); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), "meta:"+prefix)
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := each(key, val); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveIdentity persists an identity record.
func (m *MetaStore) SaveIdentity(id Identity) error {
	if id.CreatedAt == 0 {
		id.CreatedAt = time.Now().UnixMilli()
	}
	return m.put(metaIdentityPrefix+id.PublicKey, &id)
}

// Identities lists stored identities.
func (m *MetaStore) Identities() ([]Identity, error) {
	var out []Identity
	err := m.scan(metaIdentityPrefix, func(_ string, val []byte) error {
		var id Identity
		if err := json.Unmarshal(val, &id); err != nil {
			return nil // skip undecodable
		}
		out = append(out, id)
		return nil
	})
	return out, err
}

// SetActiveIdentity records which identity is active.
func (m *MetaStore) SetActiveIdentity(publicKey string) error {
	return m.put(metaActiveIdentity, publicKey)
}

// ActiveIdentity returns the active identity's public key, or "".
func (m *MetaStore) ActiveIdentity() (string, error) {
	var pub string
	if _, err := m.get(metaActiveIdentity, &pub); err != nil {
		return "", err
	}
	return pub, nil
}

// Subscribe records a channel subscription.
func (m *MetaStore) Subscribe(channelKey string) error {
	return m.put(metaSubscription+channelKey, time.Now().UnixMilli())
}

// Unsubscribe drops a channel subscription.
func (m *MetaStore) Unsubscribe(channelKey string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte("meta:" + metaSubscription + channelKey))
	})
}

// Subscriptions lists subscribed channel keys.
func (m *MetaStore) Subscriptions() ([]string, error) {
	var out []string
	err := m.scan(metaSubscription, func(key string, _ []byte) error {
		out = append(out, key)
		return nil
	})
	return out, err
}

// MarkMultiWriter persists that a key is a multi-writer channel, so later
// opens skip the single-writer decode attempt.
func (m *MetaStore) MarkMultiWriter(channelKey string) {
	if err := m.put(metaMWChannelPrefix+channelKey, true); err != nil {
		return
	}
}

// IsMultiWriter reports a previously persisted marker.
func (m *MetaStore) IsMultiWriter(channelKey string) bool {
	var marked bool
	found, err := m.get(metaMWChannelPrefix+channelKey, &marked)
	return err == nil && found && marked
}

// RecordMigration persists a legacy-key upgrade.
func (m *MetaStore) RecordMigration(rec MigrationRecord) error {
	if rec.MigratedAt == 0 {
		rec.MigratedAt = time.Now().UnixMilli()
	}
	return m.put(metaMigration+rec.LegacyKey, &rec)
}

// Migration returns the upgrade record for a legacy key, or nil.
func (m *MetaStore) Migration(legacyKey string) (*MigrationRecord, error) {
	var rec MigrationRecord
	found, err := m.get(metaMigration+legacyKey, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}
