// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package channel

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/pearstream/pearstream/internal/linearizer"
	"github.com/pearstream/pearstream/internal/metrics"
	"github.com/pearstream/pearstream/internal/ops"
	"github.com/pearstream/pearstream/internal/view"
)

// applier materializes committed ops into the channel view. It is a pure
// function of (op, batch state, nodeIndex, entry info): no wall clock, no
// randomness, no out-of-view reads. Rate limiting and ACL live on the
// mutator path only.
type applier struct {
	ch *Channel
}

// Apply implements linearizer.Applier.
func (a *applier) Apply(ctx context.Context, op *ops.Envelope, batch *view.Batch, host linearizer.Host, nodeIndex uint64, info linearizer.EntryInfo) error {
	if info.Optimistic {
		// The main channel admits no optimistic participation; the
		// comments ring has its own applier for that.
		return nil
	}

	// 1. Normalize schema.
	if err := ops.Migrate(op, ops.CurrentSchemaVersion); err != nil {
		metrics.OpsSkipped.WithLabelValues("invalid").Inc()
		return nil
	}

	// 2. Validate. Invalid ops are skipped silently (forward compat).
	if err := ops.Validate(op); err != nil {
		metrics.OpsSkipped.WithLabelValues("invalid").Inc()
		return nil
	}

	// 3. The node index is the deterministic tie-breaker for ops whose
	// mutator never stamped a clock.
	if op.LogicalClock == 0 {
		op.Set("logicalClock", nodeIndex)
	}

	var err error
	switch op.Type {
	case ops.TypeUpdateChannel:
		err = applyUpdateChannel(op, batch)
	case ops.TypeAddVideo:
		err = applyAddVideo(op, batch)
	case ops.TypeUpdateVideo:
		err = applyUpdateVideo(op, batch)
	case ops.TypeDeleteVideo:
		batch.Delete(PrefixVideos + op.String("id"))
	case ops.TypeAddWriter, ops.TypeUpsertWriter, ops.TypeRemoveWriter:
		err = ApplyMembershipOp(op, batch, host, info)
	case ops.TypeAddInvite:
		err = applyAddInvite(op, batch)
	case ops.TypeDeleteInvite:
		err = applyDeleteInvite(op, batch)
	case ops.TypeAddVectorIndex:
		err = putEnvelope(batch, PrefixVectors+op.String("videoId"), op)
	case ops.TypeLogWatchEvent:
		err = putEnvelope(batch, PrefixWatch+op.String("videoId")+"/"+op.String("eventId"), op)
	case ops.TypeMigrateSchema:
		err = applyMigrateSchema(op, batch, info)
	case ops.TypeAddComment, ops.TypeHideComment, ops.TypeRemoveComment,
		ops.TypeAddReaction, ops.TypeRemoveReaction:
		// Comment-ring traffic does not belong in the main channel log;
		// tolerated and ignored for convergence.
	default:
		// 7. Unknown op types are ignored (forward compat).
		metrics.OpsSkipped.WithLabelValues("unknown_type").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	metrics.OpsApplied.WithLabelValues(op.Type).Inc()
	return nil
}

// putEnvelope stores the op's full field map as the record value, keeping
// unknown fields intact.
func putEnvelope(batch *view.Batch, key string, op *ops.Envelope) error {
	data, err := op.Encode()
	if err != nil {
		return err
	}
	batch.Put(key, data)
	return nil
}

// writerRole reads the role of keyHex from the materialized writer set.
// Unknown writers rank below every role.
func writerRole(batch *view.Batch, keyHex string) string {
	raw, ok, err := batch.Get(PrefixWriters + keyHex)
	if err != nil || !ok {
		return ""
	}
	var rec WriterRecord
	if err := decodeRecord(raw, &rec); err != nil {
		return ""
	}
	return rec.Role
}

// shouldUseNew evaluates the precedence tuple
// (role priority, logical clock, updatedAt) for merge-on-write.
func shouldUseNew(newRole, prevRole int, newClock, prevClock uint64, newAt, prevAt int64) bool {
	if newRole != prevRole {
		return newRole > prevRole
	}
	if newClock != prevClock {
		return newClock > prevClock
	}
	return newAt > prevAt
}

// stickyKeyFields admit their first non-null value and never change after
// (rule (a): the first publish wins regardless of the precedence tuple).
var stickyKeyFields = []string{"publicBeeKey", "commentsAutobaseKey"}

func applyUpdateChannel(op *ops.Envelope, batch *view.Batch) error {
	prevRaw, hadPrev, err := batch.Get(KeyChannelMeta)
	if err != nil {
		return err
	}

	if !hadPrev {
		return putEnvelope(batch, KeyChannelMeta, op)
	}

	prev, err := rawFields(prevRaw)
	if err != nil {
		// Unreadable previous value; the op wins wholesale.
		return putEnvelope(batch, KeyChannelMeta, op)
	}

	newRole := ops.RolePriority(writerRole(batch, op.String("updatedBy")))
	prevRole := ops.RolePriority(writerRole(batch, fieldString(prev, "updatedBy")))
	useNew := shouldUseNew(
		newRole, prevRole,
		op.LogicalClock, fieldUint64(prev, "logicalClock"),
		op.Int64("updatedAt"), fieldInt64(prev, "updatedAt"),
	)

	// Merge into a copy of prev so unspecified and unknown fields survive
	// and the sticky check below still sees the previous values.
	merged := make(map[string]json.RawMessage, len(prev))
	for k, v := range prev {
		merged[k] = v
	}
	if useNew {
		for field, raw := range op.Fields {
			merged[field] = raw
		}
	} else {
		// Losing op: scalars keep their previous values, updatedAt
		// becomes the max of both sides.
		if op.Int64("updatedAt") > fieldInt64(prev, "updatedAt") {
			merged["updatedAt"] = op.Fields["updatedAt"]
		}
	}

	// Sticky canonical keys, applied in both directions: a key already
	// set is restored, a key first published by the losing side is kept.
	for _, field := range stickyKeyFields {
		prevVal := fieldString(prev, field)
		if prevVal != "" {
			merged[field] = prev[field]
			continue
		}
		if v := op.String(field); v != "" {
			merged[field] = op.Fields[field]
		}
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	batch.Put(KeyChannelMeta, data)
	return nil
}

func applyAddVideo(op *ops.Envelope, batch *view.Batch) error {
	return putEnvelope(batch, PrefixVideos+op.String("id"), op)
}

func applyUpdateVideo(op *ops.Envelope, batch *view.Batch) error {
	key := PrefixVideos + op.String("id")
	prevRaw, hadPrev, err := batch.Get(key)
	if err != nil {
		return err
	}
	if !hadPrev {
		// Update for a video we never saw (or already deleted): skip, a
		// later add-video would otherwise be shadowed.
		return nil
	}

	prev, err := rawFields(prevRaw)
	if err != nil {
		return putEnvelope(batch, key, op)
	}

	newRole := ops.RolePriority(writerRole(batch, op.String("uploadedBy")))
	prevRole := ops.RolePriority(writerRole(batch, fieldString(prev, "uploadedBy")))
	useNew := shouldUseNew(
		newRole, prevRole,
		op.LogicalClock, fieldUint64(prev, "logicalClock"),
		op.Int64("updatedAt"), fieldInt64(prev, "updatedAt"),
	)
	if !useNew {
		if op.Int64("updatedAt") > fieldInt64(prev, "updatedAt") {
			merged := prev
			merged["updatedAt"] = op.Fields["updatedAt"]
			data, err := json.Marshal(merged)
			if err != nil {
				return err
			}
			batch.Put(key, data)
		}
		return nil
	}

	merged := prev
	for field, raw := range op.Fields {
		if field == "type" || field == "schemaVersion" {
			// The record keeps its add-video identity.
			continue
		}
		merged[field] = raw
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	batch.Put(key, data)
	return nil
}

// ApplyMembershipOp handles add-writer, upsert-writer, and remove-writer.
// It first drives the log host's membership primitive so the linearizer
// learns the writer set, then materializes the writer record. Shared with
// the comments ring applier.
func ApplyMembershipOp(op *ops.Envelope, batch *view.Batch, host linearizer.Host, info linearizer.EntryInfo) error {
	keyHex := op.String("keyHex")

	if op.Type == ops.TypeRemoveWriter {
		if err := host.RemoveWriter(keyHex, info.Clock); err != nil {
			return fmt.Errorf("remove writer: %w", err)
		}
		batch.Delete(PrefixWriters + keyHex)
		return nil
	}

	if err := host.AddWriter(keyHex); err != nil {
		return fmt.Errorf("add writer: %w", err)
	}

	rec := WriterRecord{
		KeyHex:       keyHex,
		Role:         op.String("role"),
		DeviceName:   op.String("deviceName"),
		AddedAt:      op.Int64("addedAt"),
		BlobDriveKey: op.String("blobDriveKey"),
	}

	if op.Type == ops.TypeAddWriter {
		// add-writer does not demote an existing record; upsert-writer
		// replaces it outright.
		raw, ok, err := batch.Get(PrefixWriters + keyHex)
		if err == nil && ok {
			var prevRec WriterRecord
			if decodeRecord(raw, &prevRec) == nil &&
				ops.RolePriority(prevRec.Role) > ops.RolePriority(rec.Role) {
				return nil
			}
		}
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	batch.Put(PrefixWriters+keyHex, data)
	return nil
}

func applyAddInvite(op *ops.Envelope, batch *view.Batch) error {
	idHex := op.String("idHex")
	if err := putEnvelope(batch, PrefixInvites+idHex, op); err != nil {
		return err
	}
	// At most one active invite: the pointer names the newest.
	batch.Put(KeyCurrInvite, []byte(`"`+idHex+`"`))
	return nil
}

func applyDeleteInvite(op *ops.Envelope, batch *view.Batch) error {
	idHex := op.String("idHex")
	batch.Delete(PrefixInvites + idHex)

	raw, ok, err := batch.Get(KeyCurrInvite)
	if err != nil {
		return err
	}
	if ok {
		var current string
		//nolint:errcheck // corrupt pointer clears below
		json.Unmarshal(raw, &current)
		if current == idHex || current == "" {
			batch.Delete(KeyCurrInvite)
		}
	}
	return nil
}

// applyMigrateSchema records a schema migration marker. Owner-only: ops
// authored by a non-owner writer are skipped.
func applyMigrateSchema(op *ops.Envelope, batch *view.Batch, info linearizer.EntryInfo) error {
	if writerRole(batch, info.Writer) != ops.RoleOwner {
		metrics.OpsSkipped.WithLabelValues("acl").Inc()
		return nil
	}
	key := fmt.Sprintf("%s%d-%d", PrefixMigrations, op.Uint64("fromVersion"), op.Uint64("toVersion"))
	return putEnvelope(batch, key, op)
}
