// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

// Package comments implements the open-participation comments ring: a
// second channel-shaped engine per video channel where any connected peer
// may append optimistically and an acknowledger (the ring owner) admits
// valid participants into the writer set before their ops materialize.
package comments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pearstream/pearstream/internal/blob"
	"github.com/pearstream/pearstream/internal/channel"
	"github.com/pearstream/pearstream/internal/config"
	"github.com/pearstream/pearstream/internal/logging"
	"github.com/pearstream/pearstream/internal/ops"
	"github.com/pearstream/pearstream/internal/swarm"
)

// confirmation wait for optimistic appends before reporting queued
const optimisticConfirmWait = 2500 * time.Millisecond

// acknowledger background loop cadence
const (
	ackLoopInterval = 5 * time.Second
	ackUpdateBudget = 2 * time.Second
)

// acknowledgement append retry schedule
var ackBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// Comment is the materialized record under comments/{videoId}/{commentId}.
type Comment struct {
	CommentID    string `json:"commentId"`
	VideoID      string `json:"videoId"`
	Text         string `json:"text"`
	ParentID     string `json:"parentId,omitempty"`
	AuthorKeyHex string `json:"authorKeyHex"`
	CreatedAt    int64  `json:"createdAt"`
	Hidden       bool   `json:"hidden"`
}

// Reaction is the single record per (video, author) under
// reactions/{videoId}/{authorKeyHex}.
type Reaction struct {
	VideoID      string `json:"videoId"`
	AuthorKeyHex string `json:"authorKeyHex"`
	Reaction     string `json:"reaction"`
	CreatedAt    int64  `json:"createdAt"`
}

// AddCommentResult reports an optimistic append's outcome. Queued means
// the op sits in the local log awaiting acknowledgement; it is not lost.
type AddCommentResult struct {
	CommentID string `json:"commentId"`
	Success   bool   `json:"success"`
	Queued    bool   `json:"queued"`
}

// Ring is the per-channel comments engine.
type Ring struct {
	ch      *channel.Channel
	applier *ringApplier
	owner   bool

	stopAck context.CancelFunc
	ackDone chan struct{}
}

// Options configures a ring open.
type Options struct {
	DB        *badger.DB
	Cfg       *config.Config
	Swarm     *swarm.Swarm
	Corestore *blob.Store

	// RingKeyHex opens an existing ring; empty creates one (the creator
	// becomes its owner and acknowledger).
	RingKeyHex string

	DeviceName string
}

// Open brings up a comments ring. The creator's first op installs it as
// the owning moderator; everyone else participates optimistically until
// acknowledged.
func Open(ctx context.Context, opts Options) (*Ring, error) {
	r := &Ring{}

	app := &ringApplier{ring: r}
	ch, err := channel.Open(ctx, channel.Options{
		DB:                opts.DB,
		Cfg:               opts.Cfg,
		Swarm:             opts.Swarm,
		Corestore:         opts.Corestore,
		BootstrapHex:      opts.RingKeyHex,
		DeviceName:        opts.DeviceName,
		AcceptCandidates:  true,
		Applier:           app,
		SkipFoundingOwner: true,
	})
	if err != nil {
		return nil, err
	}
	r.ch = ch
	r.applier = app
	r.owner = ch.LocalKey() == ch.Key()

	if opts.RingKeyHex == "" {
		op := ops.New(ops.TypeAddWriter)
		op.Set("keyHex", ch.LocalKey())
		op.Set("role", ops.RoleOwner)
		op.Set("deviceName", opts.DeviceName)
		op.Set("addedAt", time.Now().UnixMilli())
		if err := ch.Append(ctx, op); err != nil {
			//nolint:errcheck // open failed; best-effort teardown
			ch.Close()
			return nil, err
		}
	}

	return r, nil
}

// Key returns the ring's bootstrap key, advertised in the video channel's
// metadata.
func (r *Ring) Key() string { return r.ch.Key() }

// LocalKey returns this node's ring writer key.
func (r *Ring) LocalKey() string { return r.ch.LocalKey() }

// Channel exposes the underlying engine for wiring and tests.
func (r *Ring) Channel() *channel.Channel { return r.ch }

// Writable reports whether this node's log has been acknowledged.
func (r *Ring) Writable() bool { return r.ch.Writable() }

// AddComment appends a comment. Non-empty text up to the configured cap.
// When the local log is not yet acknowledged the append is optimistic: a
// bounded confirmation wait follows, and a lapsed wait reports queued
// rather than failed.
func (r *Ring) AddComment(ctx context.Context, videoID, text, parentID string) (*AddCommentResult, error) {
	maxLen := r.ch.MaxCommentBytes()
	if len(text) == 0 || len(text) > maxLen {
		return nil, fmt.Errorf("%w: comment text must be 1..%d bytes", channel.ErrInvalidArgument, maxLen)
	}
	if videoID == "" {
		return nil, fmt.Errorf("%w: video id required", channel.ErrInvalidArgument)
	}

	commentID := uuid.NewString()
	op := ops.New(ops.TypeAddComment)
	op.Set("videoId", videoID)
	op.Set("commentId", commentID)
	op.Set("text", text)
	if parentID != "" {
		op.Set("parentId", parentID)
	}
	op.Set("authorKeyHex", r.ch.LocalKey())
	op.Set("createdAt", time.Now().UnixMilli())

	if err := ops.Validate(op); err != nil {
		return nil, fmt.Errorf("%w: %s", channel.ErrInvalidArgument, err)
	}

	optimistic := !r.ch.Writable()
	if err := r.ch.Append(ctx, op); err != nil {
		return nil, err
	}

	if !optimistic {
		return &AddCommentResult{CommentID: commentID, Success: true}, nil
	}

	// Bounded wait for the acknowledger to confirm.
	waitCtx, cancel := context.WithTimeout(ctx, optimisticConfirmWait)
	defer cancel()
	for {
		//nolint:errcheck // a lapsed wait reports queued below
		r.ch.Update(waitCtx, true)
		if c, err := r.GetComment(videoID, commentID); err == nil && c != nil {
			return &AddCommentResult{CommentID: commentID, Success: true}, nil
		}
		select {
		case <-waitCtx.Done():
			// Left pending in the local log; a later acknowledgement
			// materializes it.
			return &AddCommentResult{CommentID: commentID, Success: true, Queued: true}, nil
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// ListComments returns a video's comments, oldest first, hidden included
// (the caller's UI decides what to show).
func (r *Ring) ListComments(videoID string) ([]Comment, error) {
	pairs, err := r.ch.View().Scan(channel.PrefixComments + videoID + "/")
	if err != nil {
		return nil, err
	}
	out := make([]Comment, 0, len(pairs))
	for _, kv := range pairs {
		var c Comment
		if err := decode(kv.Value, &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	sortCommentsByCreation(out)
	return out, nil
}

// GetComment returns one comment, or nil when absent.
func (r *Ring) GetComment(videoID, commentID string) (*Comment, error) {
	raw, ok, err := r.ch.View().Get(channel.PrefixComments + videoID + "/" + commentID)
	if err != nil || !ok {
		return nil, err
	}
	var c Comment
	if err := decode(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// HideComment flags a comment hidden. Moderator or owner only, and only
// once this node's log is acknowledged.
func (r *Ring) HideComment(ctx context.Context, videoID, commentID string) error {
	if err := r.requireModerator(); err != nil {
		return err
	}
	op := ops.New(ops.TypeHideComment)
	op.Set("videoId", videoID)
	op.Set("commentId", commentID)
	op.Set("moderatorKeyHex", r.ch.LocalKey())
	return r.ch.Append(ctx, op)
}

// RemoveComment deletes a comment. Moderator, owner, or the comment's
// author.
func (r *Ring) RemoveComment(ctx context.Context, videoID, commentID string) error {
	if err := r.requireModerator(); err != nil {
		// The author may remove its own comment.
		c, gerr := r.GetComment(videoID, commentID)
		if gerr != nil || c == nil || c.AuthorKeyHex != r.ch.LocalKey() || !r.ch.Writable() {
			return err
		}
	}
	op := ops.New(ops.TypeRemoveComment)
	op.Set("videoId", videoID)
	op.Set("commentId", commentID)
	op.Set("moderatorKeyHex", r.ch.LocalKey())
	return r.ch.Append(ctx, op)
}

// AddReaction sets this author's reaction on a video; re-adding
// overwrites the previous one.
func (r *Ring) AddReaction(ctx context.Context, videoID, reaction string) error {
	if videoID == "" || reaction == "" {
		return fmt.Errorf("%w: video id and reaction required", channel.ErrInvalidArgument)
	}
	op := ops.New(ops.TypeAddReaction)
	op.Set("videoId", videoID)
	op.Set("reaction", reaction)
	op.Set("authorKeyHex", r.ch.LocalKey())
	op.Set("createdAt", time.Now().UnixMilli())
	return r.ch.Append(ctx, op)
}

// RemoveReaction clears this author's reaction on a video.
func (r *Ring) RemoveReaction(ctx context.Context, videoID string) error {
	op := ops.New(ops.TypeRemoveReaction)
	op.Set("videoId", videoID)
	op.Set("authorKeyHex", r.ch.LocalKey())
	return r.ch.Append(ctx, op)
}

// ListReactions returns every reaction on a video.
func (r *Ring) ListReactions(videoID string) ([]Reaction, error) {
	pairs, err := r.ch.View().Scan(channel.PrefixReactions + videoID + "/")
	if err != nil {
		return nil, err
	}
	out := make([]Reaction, 0, len(pairs))
	for _, kv := range pairs {
		var rec Reaction
		if err := decode(kv.Value, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Ring) requireModerator() error {
	if !r.ch.Writable() {
		return channel.ErrNotWritable
	}
	role := r.ch.RoleOf(r.ch.LocalKey())
	if ops.RolePriority(role) < ops.RolePriority(ops.RoleModerator) {
		return channel.ErrPermissionDenied
	}
	return nil
}

// StartAcknowledger runs the owner's background update loop so incoming
// optimistic ops are ingested and acknowledged even when no reader is
// actively scanning. No-op on non-owners.
func (r *Ring) StartAcknowledger(ctx context.Context) {
	if !r.owner || r.stopAck != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.stopAck = cancel
	r.ackDone = make(chan struct{})

	go func() {
		defer close(r.ackDone)
		ticker := time.NewTicker(ackLoopInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				updateCtx, cancel := context.WithTimeout(loopCtx, ackUpdateBudget)
				if err := r.ch.Update(updateCtx, true); err != nil &&
					!errors.Is(err, context.Canceled) && !errors.Is(err, channel.ErrStorageClosed) {
					logging.Debug().Err(err).Msg("acknowledger update failed")
				}
				cancel()
				r.drainAcks(loopCtx)
			}
		}
	}()
}

// drainAcks appends an admission op for every queued optimistic writer.
// Each append is retried on a short exponential backoff; a writer that
// still fails stays skipped until its next optimistic op re-queues it.
func (r *Ring) drainAcks(ctx context.Context) {
	for _, writer := range r.applier.takePending() {
		if r.ch.Linearizer().IsWriter(writer) {
			continue
		}
		op := ops.New(ops.TypeAddWriter)
		op.Set("keyHex", writer)
		op.Set("role", ops.RoleDevice)
		op.Set("addedAt", time.Now().UnixMilli())

		var err error
		for attempt := 0; attempt < len(ackBackoff); attempt++ {
			if err = r.ch.Append(ctx, op); err == nil {
				logging.Debug().Str("writer", writer).Msg("optimistic writer acknowledged")
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(ackBackoff[attempt]):
			}
		}
		if err != nil {
			logging.Warn().Err(err).Str("writer", writer).Msg("acknowledgement failed")
		}
	}
}

// Close stops the acknowledger loop and the underlying engine.
func (r *Ring) Close() error {
	if r.stopAck != nil {
		r.stopAck()
		<-r.ackDone
		r.stopAck = nil
	}
	return r.ch.Close()
}

func sortCommentsByCreation(cs []Comment) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].CreatedAt != cs[j].CreatedAt {
			return cs[i].CreatedAt < cs[j].CreatedAt
		}
		return cs[i].CommentID < cs[j].CommentID
	})
}

func decode(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}
