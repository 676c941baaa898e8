// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package node

import (
	"context"
	"fmt"
	"strings"

	"github.com/pearstream/pearstream/internal/channel"
	"github.com/pearstream/pearstream/internal/logging"
	"github.com/pearstream/pearstream/internal/mirror"
	"github.com/pearstream/pearstream/internal/oplog"
	"github.com/pearstream/pearstream/internal/ops"
	"github.com/pearstream/pearstream/internal/validation"
)

// KeyKind classifies what an untyped 32-byte key opened as.
type KeyKind string

const (
	// KindChannel is a multi-writer channel bootstrap key.
	KindChannel KeyKind = "channel"

	// KindDrive is a single-writer drive (the legacy variant and the
	// public mirror share this shape).
	KindDrive KeyKind = "drive"
)

// Resolved is the outcome of an untyped key open.
type Resolved struct {
	Kind    KeyKind
	Channel *channel.Channel
	Drive   *mirror.Bee
}

// OpenByKey opens a key whose kind is unknown, typically a subscription
// carried over from the legacy single-writer era. The persisted
// mw-channel marker is consulted first so a key resolved once is never
// probed again; otherwise the local log replica's first entry decides:
// an op envelope means the key was actually a multi-writer log, and the
// open re-dispatches to the channel path, persisting the marker and a
// migration record for the legacy key.
func (n *Node) OpenByKey(ctx context.Context, keyHex string) (*Resolved, error) {
	keyHex = strings.ToLower(keyHex)
	if !validation.IsHex32(keyHex) {
		return nil, fmt.Errorf("%w: key must be 64 hex chars", channel.ErrInvalidArgument)
	}

	// Marker first: a known multi-writer key skips the probe entirely.
	if n.meta.IsMultiWriter(keyHex) {
		ch, err := n.OpenChannel(ctx, keyHex)
		if err != nil {
			return nil, err
		}
		return &Resolved{Kind: KindChannel, Channel: ch}, nil
	}

	// A recorded migration redirects the legacy key to its replacement
	// channel.
	if rec, err := n.meta.Migration(keyHex); err == nil && rec != nil {
		ch, err := n.OpenChannel(ctx, rec.ChannelKey)
		if err != nil {
			return nil, err
		}
		return &Resolved{Kind: KindChannel, Channel: ch}, nil
	}

	if n.probeIsMultiWriter(keyHex) {
		return n.redispatch(ctx, keyHex)
	}

	// Single-writer shape (or nothing replicated yet): open as a drive.
	// With no marker written, a later OpenByKey re-probes once entries
	// have replicated.
	bee, err := n.OpenMirror(ctx, keyHex)
	if err != nil {
		return nil, err
	}
	return &Resolved{Kind: KindDrive, Drive: bee}, nil
}

// probeIsMultiWriter inspects the local replica of the key's log: the
// founding entry of a channel bootstrap log is an op envelope (its first
// op is the founding add-writer), while a drive's records carry no op
// type. An empty replica proves nothing and reports false.
func (n *Node) probeIsMultiWriter(keyHex string) bool {
	l, err := oplog.OpenRemote(n.db, keyHex)
	if err != nil || l.Length() == 0 {
		return false
	}
	entry, err := l.Read(0)
	if err != nil {
		return false
	}
	op, err := ops.Decode(entry.Payload)
	if err != nil {
		return false
	}
	return ops.Known(op.Type)
}

// redispatch persists the decode-mismatch decision and opens the key on
// the multi-writer path. A drive handle opened for the key before the
// mismatch surfaced is released.
func (n *Node) redispatch(ctx context.Context, keyHex string) (*Resolved, error) {
	n.meta.MarkMultiWriter(keyHex)
	if err := n.meta.RecordMigration(MigrationRecord{LegacyKey: keyHex, ChannelKey: keyHex}); err != nil {
		logging.Warn().Err(err).Str("key", keyHex).Msg("migration record failed")
	}
	logging.Info().Str("key", keyHex).Msg("single-writer open re-dispatched to multi-writer path")

	n.mu.Lock()
	stale := n.mirrors[keyHex]
	delete(n.mirrors, keyHex)
	n.mu.Unlock()
	if stale != nil {
		//nolint:errcheck // best-effort release of the mis-typed handle
		stale.Close()
	}

	ch, err := n.OpenChannel(ctx, keyHex)
	if err != nil {
		return nil, err
	}
	return &Resolved{Kind: KindChannel, Channel: ch}, nil
}
