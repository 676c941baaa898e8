// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package comments

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearstream/pearstream/internal/blob"
	"github.com/pearstream/pearstream/internal/channel"
	"github.com/pearstream/pearstream/internal/config"
	"github.com/pearstream/pearstream/internal/ops"
)

func testDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testCfg(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = t.TempDir()
	return cfg
}

func newOwnerRing(t *testing.T) *Ring {
	t.Helper()
	db := testDB(t)
	r, err := Open(context.Background(), Options{
		DB:         db,
		Cfg:        testCfg(t),
		Corestore:  blob.NewStore(db, time.Second),
		DeviceName: "owner",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func openParticipant(t *testing.T, ringKey string) *Ring {
	t.Helper()
	db := testDB(t)
	r, err := Open(context.Background(), Options{
		DB:         db,
		Cfg:        testCfg(t),
		Corestore:  blob.NewStore(db, time.Second),
		RingKeyHex: ringKey,
		DeviceName: "commenter",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// syncOnce mirrors the channel test helper: manual entry exchange.
func syncOnce(t *testing.T, src, dst *Ring) {
	t.Helper()
	for writer, length := range src.Channel().Linearizer().Heads() {
		if length == 0 {
			continue
		}
		l := src.Channel().Linearizer().Log(writer)
		require.NotNil(t, l)
		entries, err := l.ReadFrom(0, int(length))
		require.NoError(t, err)
		_, err = dst.Channel().Linearizer().Ingest(writer, entries)
		require.NoError(t, err)
	}
	dst.Channel().Linearizer().Signal()
	require.NoError(t, dst.Channel().Update(context.Background(), false))
}

func TestOwnerComment_Immediate(t *testing.T) {
	r := newOwnerRing(t)

	res, err := r.AddComment(context.Background(), "vid1", "hello", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Queued)

	comments, err := r.ListComments("vid1")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "hello", comments[0].Text)
	assert.False(t, comments[0].Hidden)
}

func TestCommentValidation(t *testing.T) {
	r := newOwnerRing(t)

	_, err := r.AddComment(context.Background(), "vid1", "", "")
	assert.ErrorIs(t, err, channel.ErrInvalidArgument)

	_, err = r.AddComment(context.Background(), "vid1", strings.Repeat("x", 5001), "")
	assert.ErrorIs(t, err, channel.ErrInvalidArgument)

	// Exactly at the cap passes.
	_, err = r.AddComment(context.Background(), "vid1", strings.Repeat("x", 5000), "")
	require.NoError(t, err)
}

func TestOptimisticComment_AcknowledgedAndMaterialized(t *testing.T) {
	owner := newOwnerRing(t)
	participant := openParticipant(t, owner.Key())

	// Joiner state sync first so the participant holds the owner's log.
	syncOnce(t, owner, participant)
	assert.False(t, participant.Writable())

	res, err := participant.AddComment(context.Background(), "vid1", "hi", "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Queued) // no acknowledger reachable yet

	// The optimistic entry reaches the owner, which queues the admission
	// and appends it (the acknowledger loop's work, invoked directly).
	syncOnce(t, participant, owner)
	owner.drainAcks(context.Background())
	require.NoError(t, owner.Channel().Update(context.Background(), false))

	got, err := owner.GetComment("vid1", res.CommentID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "hi", got.Text)
	assert.False(t, got.Hidden)

	// Admission replicates back: the participant turns writable and its
	// own view materializes the comment.
	syncOnce(t, owner, participant)
	assert.True(t, participant.Writable())
	mine, err := participant.GetComment("vid1", res.CommentID)
	require.NoError(t, err)
	require.NotNil(t, mine)
}

func TestOptimisticModeration_NeverAcknowledged(t *testing.T) {
	owner := newOwnerRing(t)
	res, err := owner.AddComment(context.Background(), "vid1", "target", "")
	require.NoError(t, err)

	participant := openParticipant(t, owner.Key())
	syncOnce(t, owner, participant)

	// An unacknowledged participant appends moderation ops directly.
	err = participant.HideComment(context.Background(), "vid1", res.CommentID)
	assert.ErrorIs(t, err, channel.ErrNotWritable)

	// Even hand-rolled moderation ops from a candidate log are skipped
	// and earn no admission.
	op := newModerationOp("hide-comment", "vid1", res.CommentID, participant.LocalKey())
	require.NoError(t, participant.Channel().Append(context.Background(), op))
	syncOnce(t, participant, owner)
	owner.drainAcks(context.Background())
	require.NoError(t, owner.Channel().Update(context.Background(), false))

	got, err := owner.GetComment("vid1", res.CommentID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Hidden)
	assert.False(t, owner.Channel().Linearizer().IsWriter(participant.LocalKey()))
}

func TestHideComment_ByOwner(t *testing.T) {
	owner := newOwnerRing(t)
	res, err := owner.AddComment(context.Background(), "vid1", "to-hide", "")
	require.NoError(t, err)

	require.NoError(t, owner.HideComment(context.Background(), "vid1", res.CommentID))

	got, err := owner.GetComment("vid1", res.CommentID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Hidden)
}

func TestRemoveComment_AuthorAllowed(t *testing.T) {
	owner := newOwnerRing(t)
	participant := openParticipant(t, owner.Key())
	syncOnce(t, owner, participant)

	res, err := participant.AddComment(context.Background(), "vid1", "mine", "")
	require.NoError(t, err)
	syncOnce(t, participant, owner)
	owner.drainAcks(context.Background())
	require.NoError(t, owner.Channel().Update(context.Background(), false))
	syncOnce(t, owner, participant)
	require.True(t, participant.Writable())

	// The author removes its own comment; no moderator role needed.
	require.NoError(t, participant.RemoveComment(context.Background(), "vid1", res.CommentID))
	syncOnce(t, participant, owner)

	got, err := owner.GetComment("vid1", res.CommentID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReactionOverwrite(t *testing.T) {
	owner := newOwnerRing(t)

	require.NoError(t, owner.AddReaction(context.Background(), "vid1", "like"))
	require.NoError(t, owner.AddReaction(context.Background(), "vid1", "love"))

	reactions, err := owner.ListReactions("vid1")
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, "love", reactions[0].Reaction)

	require.NoError(t, owner.RemoveReaction(context.Background(), "vid1"))
	reactions, err = owner.ListReactions("vid1")
	require.NoError(t, err)
	assert.Empty(t, reactions)
}

func newModerationOp(opType, videoID, commentID, moderatorKey string) *ops.Envelope {
	op := ops.New(opType)
	op.Set("videoId", videoID)
	op.Set("commentId", commentID)
	op.Set("moderatorKeyHex", moderatorKey)
	return op
}
