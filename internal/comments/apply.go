// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package comments

import (
	"context"
	"sync"

	"github.com/goccy/go-json"

	"github.com/pearstream/pearstream/internal/channel"
	"github.com/pearstream/pearstream/internal/linearizer"
	"github.com/pearstream/pearstream/internal/metrics"
	"github.com/pearstream/pearstream/internal/ops"
	"github.com/pearstream/pearstream/internal/view"
)

// ringApplier materializes ring ops. Committed ops follow the same
// determinism contract as the channel applier; the optimistic branch is
// the acknowledger's admission gate: it queues valid candidates, and the
// acknowledger appends their add-writer ops so admission replicates like
// any other membership change. It never writes the view.
type ringApplier struct {
	ring *Ring

	mu      sync.Mutex
	pending map[string]struct{}
}

// takePending drains the queued candidate writers.
func (a *ringApplier) takePending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.pending))
	for w := range a.pending {
		out = append(out, w)
	}
	a.pending = nil
	return out
}

// ackable reports whether an optimistic op type may earn admission.
// Moderation from an unacknowledged source is never admitted.
func ackable(opType string) bool {
	switch opType {
	case ops.TypeAddComment, ops.TypeAddReaction, ops.TypeRemoveReaction:
		return true
	}
	return false
}

// Apply implements linearizer.Applier.
func (a *ringApplier) Apply(ctx context.Context, op *ops.Envelope, batch *view.Batch, host linearizer.Host, nodeIndex uint64, info linearizer.EntryInfo) error {
	if info.Optimistic {
		return a.applyOptimistic(ctx, op, host, info)
	}

	if err := ops.Migrate(op, ops.CurrentSchemaVersion); err != nil {
		metrics.OpsSkipped.WithLabelValues("invalid").Inc()
		return nil
	}
	if err := ops.Validate(op); err != nil {
		metrics.OpsSkipped.WithLabelValues("invalid").Inc()
		return nil
	}
	if op.LogicalClock == 0 {
		op.Set("logicalClock", nodeIndex)
	}

	switch op.Type {
	case ops.TypeAddComment:
		return applyAddComment(op, batch)
	case ops.TypeHideComment:
		return applyHideComment(op, batch, info)
	case ops.TypeRemoveComment:
		return applyRemoveComment(op, batch, info)
	case ops.TypeAddReaction:
		return applyAddReaction(op, batch)
	case ops.TypeRemoveReaction:
		batch.Delete(channel.PrefixReactions + op.String("videoId") + "/" + op.String("authorKeyHex"))
	case ops.TypeAddWriter, ops.TypeUpsertWriter, ops.TypeRemoveWriter:
		return channel.ApplyMembershipOp(op, batch, host, info)
	case ops.TypeLogWatchEvent:
		data, err := op.Encode()
		if err != nil {
			return err
		}
		batch.Put(channel.PrefixWatch+op.String("videoId")+"/"+op.String("eventId"), data)
	default:
		metrics.OpsSkipped.WithLabelValues("unknown_type").Inc()
		return nil
	}
	metrics.OpsApplied.WithLabelValues(op.Type).Inc()
	return nil
}

// applyOptimistic is the acknowledger path: a valid comment or reaction op
// from a candidate log queues its writer for admission; everything else is
// skipped (moderation never earns admission). Only the ring owner
// acknowledges. The op itself materializes on the committed pass after the
// admission op applies.
func (a *ringApplier) applyOptimistic(_ context.Context, op *ops.Envelope, _ linearizer.Host, info linearizer.EntryInfo) error {
	if !a.ring.owner {
		return nil
	}
	if !ackable(op.Type) {
		metrics.OpsSkipped.WithLabelValues("acl").Inc()
		return nil
	}
	if err := ops.Migrate(op, ops.CurrentSchemaVersion); err != nil {
		metrics.OpsSkipped.WithLabelValues("invalid").Inc()
		return nil
	}
	if err := ops.Validate(op); err != nil {
		metrics.OpsSkipped.WithLabelValues("invalid").Inc()
		return nil
	}
	// The op must be authored by the log that carries it; an optimistic
	// source may not impersonate.
	if field := ops.WriterKeyField(op.Type); field != "" && op.String(field) != info.Writer {
		metrics.OpsSkipped.WithLabelValues("acl").Inc()
		return nil
	}

	a.mu.Lock()
	if a.pending == nil {
		a.pending = map[string]struct{}{}
	}
	a.pending[info.Writer] = struct{}{}
	a.mu.Unlock()
	return nil
}

func applyAddComment(op *ops.Envelope, batch *view.Batch) error {
	key := channel.PrefixComments + op.String("videoId") + "/" + op.String("commentId")
	if _, exists, err := batch.Get(key); err != nil {
		return err
	} else if exists {
		// First write wins; a re-played add cannot resurrect moderation.
		return nil
	}
	c := Comment{
		CommentID:    op.String("commentId"),
		VideoID:      op.String("videoId"),
		Text:         op.String("text"),
		ParentID:     op.String("parentId"),
		AuthorKeyHex: op.String("authorKeyHex"),
		CreatedAt:    op.Int64("createdAt"),
		Hidden:       false,
	}
	data, err := json.Marshal(&c)
	if err != nil {
		return err
	}
	batch.Put(key, data)
	return nil
}

// moderator reports whether the op's author may moderate: role moderator
// or owner in the ring's writer set.
func moderator(batch *view.Batch, keyHex string) bool {
	raw, ok, err := batch.Get(channel.PrefixWriters + keyHex)
	if err != nil || !ok {
		return false
	}
	var rec channel.WriterRecord
	if json.Unmarshal(raw, &rec) != nil {
		return false
	}
	return ops.RolePriority(rec.Role) >= ops.RolePriority(ops.RoleModerator)
}

func applyHideComment(op *ops.Envelope, batch *view.Batch, info linearizer.EntryInfo) error {
	if !moderator(batch, info.Writer) {
		metrics.OpsSkipped.WithLabelValues("acl").Inc()
		return nil
	}
	key := channel.PrefixComments + op.String("videoId") + "/" + op.String("commentId")
	raw, ok, err := batch.Get(key)
	if err != nil || !ok {
		return err
	}
	var c Comment
	if err := json.Unmarshal(raw, &c); err != nil {
		return err
	}
	c.Hidden = true
	data, err := json.Marshal(&c)
	if err != nil {
		return err
	}
	batch.Put(key, data)
	return nil
}

func applyRemoveComment(op *ops.Envelope, batch *view.Batch, info linearizer.EntryInfo) error {
	key := channel.PrefixComments + op.String("videoId") + "/" + op.String("commentId")
	if !moderator(batch, info.Writer) {
		// The author may remove its own comment.
		raw, ok, err := batch.Get(key)
		if err != nil || !ok {
			return err
		}
		var c Comment
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		if c.AuthorKeyHex != info.Writer {
			metrics.OpsSkipped.WithLabelValues("acl").Inc()
			return nil
		}
	}
	batch.Delete(key)
	return nil
}

func applyAddReaction(op *ops.Envelope, batch *view.Batch) error {
	rec := Reaction{
		VideoID:      op.String("videoId"),
		AuthorKeyHex: op.String("authorKeyHex"),
		Reaction:     op.String("reaction"),
		CreatedAt:    op.Int64("createdAt"),
	}
	data, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	// One reaction per author per video; re-adding overwrites.
	batch.Put(channel.PrefixReactions+rec.VideoID+"/"+rec.AuthorKeyHex, data)
	return nil
}
