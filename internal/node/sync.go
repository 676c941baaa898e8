// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package node

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/pearstream/pearstream/internal/channel"
	"github.com/pearstream/pearstream/internal/logging"
	"github.com/pearstream/pearstream/internal/mirror"
	"github.com/pearstream/pearstream/internal/view"
)

// SyncState is one step of the initial-sync progress sequence.
type SyncState string

const (
	SyncConnecting SyncState = "connecting"
	SyncSyncing    SyncState = "syncing"
	SyncSynced     SyncState = "synced"
	SyncOffline    SyncState = "offline"
	SyncFailed     SyncState = "failed"
	SyncCancelled  SyncState = "cancelled"
)

// initial-sync poll cadence and per-poll update budget
const (
	syncPollInterval = 2 * time.Second
	syncUpdateBudget = 10 * time.Second
)

// SyncOptions tunes WaitForInitialSync. Zero timeouts take the configured
// defaults.
type SyncOptions struct {
	PeerTimeout time.Duration
	DataTimeout time.Duration
	OnProgress  func(state SyncState, videos int)
}

// WaitForInitialSync blocks until the channel has peers and data, emitting
// progress along the way. It polls with waiting linearizer updates and
// succeeds as soon as the video list is non-empty; videos arriving even
// after the data timeout still count as synced.
func (n *Node) WaitForInitialSync(ctx context.Context, ch *channel.Channel, opts SyncOptions) SyncState {
	if opts.PeerTimeout <= 0 {
		opts.PeerTimeout = n.cfg.Timeouts.InitialSyncPeer
	}
	if opts.DataTimeout <= 0 {
		opts.DataTimeout = n.cfg.Timeouts.InitialSyncData
	}
	progress := func(state SyncState, videos int) {
		if opts.OnProgress != nil {
			opts.OnProgress(state, videos)
		}
		n.publish(topicSyncProgress, ch.Key()+":"+string(state))
	}

	finish := func(state SyncState) SyncState {
		progress(state, n.videoCount(ch))
		return state
	}

	progress(SyncConnecting, 0)

	// Phase 1: a peer. The channel topic was joined at open; wait for
	// any connection to show up.
	peerDeadline := time.Now().Add(opts.PeerTimeout)
	for len(n.swarm.Connections()) == 0 {
		if ctx.Err() != nil {
			return finish(SyncCancelled)
		}
		if time.Now().After(peerDeadline) {
			return finish(SyncOffline)
		}
		if ch.Topic() != nil {
			flushCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeouts.DiscoveryFlush)
			//nolint:errcheck // best-effort re-announce
			ch.Topic().Flush(flushCtx)
			cancel()
		}
		select {
		case <-ctx.Done():
			return finish(SyncCancelled)
		case <-time.After(syncPollInterval):
		}
	}

	// Phase 2: data. Poll with waiting updates until videos appear.
	dataDeadline := time.Now().Add(opts.DataTimeout)
	for {
		if ctx.Err() != nil {
			return finish(SyncCancelled)
		}

		updateCtx, cancel := context.WithTimeout(ctx, syncUpdateBudget)
		err := ch.Update(updateCtx, true)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			logging.Warn().Err(err).Str("channel", ch.Key()).Msg("initial sync update failed")
			return finish(SyncFailed)
		}

		count := n.videoCount(ch)
		progress(SyncSyncing, count)
		if count > 0 {
			return finish(SyncSynced)
		}

		if time.Now().After(dataDeadline) {
			// The outer timeout lapsed with no data; one last look in
			// case entries landed between the poll and now.
			if n.videoCount(ch) > 0 {
				return finish(SyncSynced)
			}
			return finish(SyncOffline)
		}

		select {
		case <-ctx.Done():
			return finish(SyncCancelled)
		case <-time.After(syncPollInterval):
		}
	}
}

func (n *Node) videoCount(ch *channel.Channel) int {
	videos, err := ch.ListVideos()
	if err != nil {
		return 0
	}
	return len(videos)
}

// startMirrorSync runs the owner-driven incremental mirror sync: after
// every mutating update on the channel, diff the channel-meta and videos
// prefixes and apply the changes to the public bee.
func (n *Node) startMirrorSync(oc *openChannel) {
	if oc.bee == nil || !oc.bee.Writable() || oc.syncStop != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(n.ctx)
	oc.syncStop = cancel
	oc.syncDone = make(chan struct{})

	msgs, err := n.bus.Subscribe(loopCtx, topicChannelMutated)
	if err != nil {
		cancel()
		close(oc.syncDone)
		logging.Warn().Err(err).Msg("mirror sync subscribe failed")
		return
	}

	go func() {
		defer close(oc.syncDone)

		// Baseline: one full sync, then incremental diffs.
		metaSnap, videoSnap, err := n.mirrorSnapshots(oc.ch)
		if err != nil {
			logging.Warn().Err(err).Msg("mirror baseline snapshot failed")
			metaSnap, videoSnap = map[string][]byte{}, map[string][]byte{}
		}
		if err := syncSnapshotsToBee(oc.bee, nil, nil, metaSnap, videoSnap); err != nil {
			logging.Warn().Err(err).Msg("mirror baseline sync failed")
		}

		for {
			select {
			case <-loopCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				msg.Ack()
				if string(msg.Payload) != oc.ch.Key() {
					continue
				}
				newMeta, newVideos, err := n.mirrorSnapshots(oc.ch)
				if err != nil {
					logging.Debug().Err(err).Msg("mirror snapshot failed")
					continue
				}
				if err := syncSnapshotsToBee(oc.bee, metaSnap, videoSnap, newMeta, newVideos); err != nil {
					logging.Debug().Err(err).Msg("mirror incremental sync failed")
					continue
				}
				metaSnap, videoSnap = newMeta, newVideos
			}
		}
	}()
}

func (n *Node) mirrorSnapshots(ch *channel.Channel) (map[string][]byte, map[string][]byte, error) {
	metaSnap, err := ch.View().Snapshot(channel.KeyChannelMeta)
	if err != nil {
		return nil, nil, err
	}
	videoSnap, err := ch.View().Snapshot(channel.PrefixVideos)
	if err != nil {
		return nil, nil, err
	}
	return metaSnap, videoSnap, nil
}

// syncSnapshotsToBee diffs before/after snapshots and pushes the public
// projection: metadata changes merge, video changes batch.
func syncSnapshotsToBee(bee *mirror.Bee, prevMeta, prevVideos, newMeta, newVideos map[string][]byte) error {
	for _, c := range view.Diff(prevMeta, newMeta) {
		if c.Kind != view.ChangePut {
			continue
		}
		projected, err := mirror.Project(c.Value)
		if err != nil {
			continue
		}
		patch := map[string]json.RawMessage{}
		if err := json.Unmarshal(projected, &patch); err != nil {
			continue
		}
		if err := bee.SetMetadata(patch); err != nil {
			return err
		}
	}

	changes := []mirror.Change{}
	for _, c := range view.Diff(prevVideos, newVideos) {
		switch c.Kind {
		case view.ChangePut:
			projected, err := mirror.Project(c.Value)
			if err != nil {
				continue
			}
			changes = append(changes, mirror.Change{Put: true, Key: c.Key, Value: projected})
		case view.ChangeDel:
			changes = append(changes, mirror.Change{Put: false, Key: c.Key})
		}
	}
	return bee.ApplyVideoChanges(changes)
}

// SyncMirrorFromChannel runs the one-shot full copy: metadata plus every
// video, projected. Exposed for the owner's explicit re-publish.
func (n *Node) SyncMirrorFromChannel(ch *channel.Channel, bee *mirror.Bee) error {
	metaSnap, videoSnap, err := n.mirrorSnapshots(ch)
	if err != nil {
		return err
	}
	return syncSnapshotsToBee(bee, nil, nil, metaSnap, videoSnap)
}
