// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

// Package node is the orchestrator: it brings up the store, swarm, and
// blob fabric, owns the channel registries, and wires every new peer
// connection into the corestore and into each open channel. Channel state
// changes flow over an in-process event bus that the mirror sync loop
// subscribes to; the sync progress API publishes its events on the same bus.
package node

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/dgraph-io/badger/v4"

	"github.com/pearstream/pearstream/internal/blob"
	"github.com/pearstream/pearstream/internal/channel"
	"github.com/pearstream/pearstream/internal/comments"
	"github.com/pearstream/pearstream/internal/config"
	"github.com/pearstream/pearstream/internal/logging"
	"github.com/pearstream/pearstream/internal/mirror"
	"github.com/pearstream/pearstream/internal/oplog"
	"github.com/pearstream/pearstream/internal/pairing"
	"github.com/pearstream/pearstream/internal/replication"
	"github.com/pearstream/pearstream/internal/swarm"
)

// bus topics
const (
	topicChannelMutated = "channel.mutated"
	topicSyncProgress   = "sync.progress"
)

// openChannel bundles a channel with its per-channel companions.
type openChannel struct {
	ch        *channel.Channel
	ring      *comments.Ring
	bee       *mirror.Bee
	responder *pairing.Responder

	syncStop context.CancelFunc
	syncDone chan struct{}
}

// Node is the process-wide orchestrator.
type Node struct {
	cfg       *config.Config
	db        *badger.DB
	swarm     *swarm.Swarm
	corestore *blob.Store
	coreRepl  *replication.CorestoreReplicator
	bus       *gochannel.GoChannel
	meta      *MetaStore

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]*openChannel
	loads    map[string]chan struct{} // in-flight opens by bootstrap key
	mirrors  map[string]*mirror.Bee   // viewer-opened bees by bee key
	closed   bool
}

// Open brings up a node: store, swarm, corestore, event bus, and the
// connection wiring that attaches every subsystem to every connection.
func Open(cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	badgerOpts := badger.DefaultOptions(filepath.Join(cfg.Storage.Path, "store"))
	badgerOpts.SyncWrites = cfg.Storage.SyncWrites
	badgerOpts.Logger = nil
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sw, err := swarm.Open(cfg.Swarm, cfg.SwarmKeyPath())
	if err != nil {
		//nolint:errcheck // open failed; best-effort teardown
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:       cfg,
		db:        db,
		swarm:     sw,
		corestore: blob.NewStore(db, cfg.Timeouts.BlobEntryLookup),
		bus: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, watermill.NopLogger{}),
		meta:     NewMetaStore(db),
		ctx:      ctx,
		cancel:   cancel,
		channels: map[string]*openChannel{},
		loads:    map[string]chan struct{}{},
		mirrors:  map[string]*mirror.Bee{},
	}
	n.coreRepl = replication.NewCorestoreReplicator(n.corestore)

	// Connection wiring: the corestore and EVERY open channel attach to
	// each new connection. Attaching only the corestore would leave
	// linearizers unable to receive writer log entries.
	sw.OnConnection(func(conn *swarm.Conn) {
		n.attachConnection(conn)
	})

	logging.Info().Str("storage", cfg.Storage.Path).Msg("node open")
	return n, nil
}

// attachConnection wires one connection into every open subsystem. Every
// attach call is idempotent, so replaying existing connections is safe.
func (n *Node) attachConnection(conn *swarm.Conn) {
	n.coreRepl.Attach(conn)

	n.mu.Lock()
	chans := make([]*openChannel, 0, len(n.channels))
	for _, oc := range n.channels {
		chans = append(chans, oc)
	}
	bees := make([]*mirror.Bee, 0, len(n.mirrors))
	for _, b := range n.mirrors {
		bees = append(bees, b)
	}
	n.mu.Unlock()

	for _, oc := range chans {
		oc.ch.Replicator().Attach(conn)
		if oc.ring != nil {
			oc.ring.Channel().Replicator().Attach(conn)
		}
		if oc.bee != nil {
			oc.bee.Replicator().Attach(conn)
		}
	}
	for _, b := range bees {
		b.Replicator().Attach(conn)
	}
}

// attachExisting replays the current connection set through a fresh
// subsystem's attach. Must run before the subsystem's first waiting
// update, or the update has no sources.
func (n *Node) attachExisting(attach func(*swarm.Conn)) {
	for _, conn := range n.swarm.Connections() {
		attach(conn)
	}
}

// Swarm exposes the discovery fabric.
func (n *Node) Swarm() *swarm.Swarm { return n.swarm }

// Corestore exposes the shared blob store.
func (n *Node) Corestore() *blob.Store { return n.corestore }

// Meta exposes the node metadata database.
func (n *Node) Meta() *MetaStore { return n.meta }

// CreateChannel creates a new channel owned by this node, with its
// comments ring and public mirror, and publishes both keys in the channel
// metadata.
func (n *Node) CreateChannel(ctx context.Context, name, deviceName string) (*channel.Channel, error) {
	ch, err := channel.Open(ctx, channel.Options{
		DB:           n.db,
		Cfg:          n.cfg,
		Swarm:        n.swarm,
		Corestore:    n.corestore,
		BootstrapHex: "",
		DeviceName:   deviceName,
		OnMutation:   nil, // installed below once registered
	})
	if err != nil {
		return nil, err
	}

	oc := &openChannel{ch: ch}

	ring, err := comments.Open(ctx, comments.Options{
		DB:         n.db,
		Cfg:        n.cfg,
		Swarm:      n.swarm,
		Corestore:  n.corestore,
		DeviceName: deviceName,
	})
	if err != nil {
		logging.Warn().Err(err).Msg("comments ring open failed, channel continues without")
	} else {
		oc.ring = ring
		ring.StartAcknowledger(n.ctx)
	}

	bee, err := mirror.OpenOwner(n.db, ch.Key())
	if err != nil {
		logging.Warn().Err(err).Msg("public mirror open failed, channel continues without")
	} else {
		oc.bee = bee
		if topic, terr := oplog.DiscoveryTopic(bee.KeyHex()); terr == nil {
			//nolint:errcheck // viewers can still reach us via the channel topic
			n.swarm.Join(topic)
		}
	}

	n.register(oc)

	beeKey := ""
	ringKey := ""
	if oc.bee != nil {
		beeKey = oc.bee.KeyHex()
	}
	if oc.ring != nil {
		ringKey = oc.ring.Key()
	}
	patch := channel.MetaPatch{Name: &name}
	if beeKey != "" {
		patch.PublicBeeKey = &beeKey
	}
	if ringKey != "" {
		patch.CommentsAutobaseKey = &ringKey
	}
	if err := ch.UpdateMetadata(ctx, patch); err != nil {
		n.evict(ch.Key())
		//nolint:errcheck // create failed; best-effort teardown
		n.closeOpenChannel(oc)
		return nil, err
	}

	n.meta.MarkMultiWriter(ch.Key())
	if err := n.meta.Subscribe(ch.Key()); err != nil {
		logging.Warn().Err(err).Msg("subscription record failed")
	}
	n.startMirrorSync(oc)
	return ch, nil
}

// OpenChannel opens a channel by bootstrap key. The channel cache prevents
// duplicate opens; the in-flight map deduplicates concurrent opens of the
// same key. Replication is attached to all existing and future connections
// before the first waiting update.
func (n *Node) OpenChannel(ctx context.Context, keyHex string) (*channel.Channel, error) {
	keyHex = strings.ToLower(keyHex)

	for {
		n.mu.Lock()
		if n.closed {
			n.mu.Unlock()
			return nil, channel.ErrStorageClosed
		}
		if oc, ok := n.channels[keyHex]; ok {
			n.mu.Unlock()
			return oc.ch, nil
		}
		if inflight, ok := n.loads[keyHex]; ok {
			n.mu.Unlock()
			select {
			case <-inflight:
				continue // the winner registered (or failed); re-check
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		inflight := make(chan struct{})
		n.loads[keyHex] = inflight
		n.mu.Unlock()

		ch, err := n.openChannelLocked(ctx, keyHex)

		n.mu.Lock()
		delete(n.loads, keyHex)
		close(inflight)
		n.mu.Unlock()
		return ch, err
	}
}

func (n *Node) openChannelLocked(ctx context.Context, keyHex string) (*channel.Channel, error) {
	ch, err := channel.Open(ctx, channel.Options{
		DB:           n.db,
		Cfg:          n.cfg,
		Swarm:        n.swarm,
		Corestore:    n.corestore,
		BootstrapHex: keyHex,
	})
	if err != nil {
		return nil, err
	}

	oc := &openChannel{ch: ch}
	n.register(oc)
	n.meta.MarkMultiWriter(keyHex)

	// Companions resolve lazily: their keys live in channel metadata,
	// which may not have replicated yet.
	return ch, nil
}

// register installs the channel into the registry, wires its mutation
// events, and attaches its replication to every existing connection.
func (n *Node) register(oc *openChannel) {
	ch := oc.ch
	ch.SetOnMutation(func() {
		n.publish(topicChannelMutated, ch.Key())
	})

	n.mu.Lock()
	n.channels[ch.Key()] = oc
	n.mu.Unlock()

	n.attachExisting(ch.Replicator().Attach)
	if oc.ring != nil {
		n.attachExisting(oc.ring.Channel().Replicator().Attach)
	}
	if oc.bee != nil {
		n.attachExisting(oc.bee.Replicator().Attach)
	}
}

func (n *Node) evict(keyHex string) {
	n.mu.Lock()
	delete(n.channels, keyHex)
	n.mu.Unlock()
}

// Channel returns an open channel, or nil.
func (n *Node) Channel(keyHex string) *channel.Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	if oc, ok := n.channels[strings.ToLower(keyHex)]; ok {
		return oc.ch
	}
	return nil
}

// OwnerMirror returns the owner-side public mirror of an open channel, or
// nil when the channel has none (viewers use OpenMirror instead).
func (n *Node) OwnerMirror(keyHex string) *mirror.Bee {
	n.mu.Lock()
	defer n.mu.Unlock()
	if oc, ok := n.channels[strings.ToLower(keyHex)]; ok {
		return oc.bee
	}
	return nil
}

// CommentsRing returns (opening if needed) the comments ring for an open
// channel. The ring key comes from the channel metadata; absent metadata
// means no ring yet.
func (n *Node) CommentsRing(ctx context.Context, ch *channel.Channel) (*comments.Ring, error) {
	n.mu.Lock()
	oc, ok := n.channels[ch.Key()]
	if ok && oc.ring != nil {
		ring := oc.ring
		n.mu.Unlock()
		return ring, nil
	}
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: channel not open", channel.ErrNotFound)
	}

	meta, err := ch.Metadata()
	if err != nil {
		return nil, err
	}
	if meta == nil || meta.CommentsAutobaseKey == "" {
		return nil, fmt.Errorf("%w: channel has no comments ring", channel.ErrNotFound)
	}

	ring, err := comments.Open(ctx, comments.Options{
		DB:         n.db,
		Cfg:        n.cfg,
		Swarm:      n.swarm,
		Corestore:  n.corestore,
		RingKeyHex: meta.CommentsAutobaseKey,
	})
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	if oc.ring == nil {
		oc.ring = ring
	} else {
		// Lost the race; keep the winner.
		winner := oc.ring
		n.mu.Unlock()
		//nolint:errcheck // duplicate loser teardown
		ring.Close()
		return winner, nil
	}
	n.mu.Unlock()

	n.attachExisting(ring.Channel().Replicator().Attach)
	return ring, nil
}

// OpenMirror opens a read-only public mirror by bee key, without opening
// the full channel.
func (n *Node) OpenMirror(ctx context.Context, beeKeyHex string) (*mirror.Bee, error) {
	beeKeyHex = strings.ToLower(beeKeyHex)

	n.mu.Lock()
	if b, ok := n.mirrors[beeKeyHex]; ok {
		n.mu.Unlock()
		return b, nil
	}
	n.mu.Unlock()

	b, err := mirror.OpenViewer(n.db, beeKeyHex)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	if existing, ok := n.mirrors[beeKeyHex]; ok {
		n.mu.Unlock()
		//nolint:errcheck // duplicate loser teardown
		b.Close()
		return existing, nil
	}
	n.mirrors[beeKeyHex] = b
	n.mu.Unlock()

	// Replication before the first bounded-wait read, on existing and
	// future connections.
	n.attachExisting(b.Replicator().Attach)

	// The bee key is its own rendezvous; viewers need nothing else.
	if topic, terr := oplog.DiscoveryTopic(beeKeyHex); terr == nil {
		if _, jerr := n.swarm.Join(topic); jerr != nil {
			logging.Debug().Err(jerr).Msg("mirror topic join failed")
		}
	}
	return b, nil
}

// CloseChannel tears down one channel and its companions: background
// loops stopped, connection scopes released, discovery topic left. All
// steps are best effort.
func (n *Node) CloseChannel(keyHex string) error {
	keyHex = strings.ToLower(keyHex)
	n.mu.Lock()
	oc, ok := n.channels[keyHex]
	delete(n.channels, keyHex)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	return n.closeOpenChannel(oc)
}

func (n *Node) closeOpenChannel(oc *openChannel) error {
	if oc.syncStop != nil {
		oc.syncStop()
		<-oc.syncDone
	}
	if oc.responder != nil {
		//nolint:errcheck // best-effort teardown
		oc.responder.Close()
	}
	if oc.ring != nil {
		//nolint:errcheck // best-effort teardown
		oc.ring.Close()
	}
	if oc.bee != nil {
		//nolint:errcheck // best-effort teardown
		oc.bee.Close()
	}
	return oc.ch.Close()
}

// publish emits a bus event; bus errors are logged and dropped.
func (n *Node) publish(topic, payload string) {
	msg := message.NewMessage(watermill.NewUUID(), []byte(payload))
	if err := n.bus.Publish(topic, msg); err != nil {
		logging.Debug().Err(err).Str("topic", topic).Msg("bus publish failed")
	}
}

// Close shuts the node down: channels, swarm, bus, store.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	chans := make([]*openChannel, 0, len(n.channels))
	for _, oc := range n.channels {
		chans = append(chans, oc)
	}
	n.channels = map[string]*openChannel{}
	bees := make([]*mirror.Bee, 0, len(n.mirrors))
	for _, b := range n.mirrors {
		bees = append(bees, b)
	}
	n.mirrors = map[string]*mirror.Bee{}
	n.mu.Unlock()

	n.cancel()
	for _, oc := range chans {
		//nolint:errcheck // best-effort teardown
		n.closeOpenChannel(oc)
	}
	for _, b := range bees {
		//nolint:errcheck // best-effort teardown
		b.Close()
	}
	//nolint:errcheck // best-effort teardown
	n.bus.Close()
	//nolint:errcheck // best-effort teardown
	n.swarm.Close()
	if err := n.db.Close(); err != nil && !errors.Is(err, badger.ErrDBClosed) {
		return err
	}
	logging.Info().Msg("node closed")
	return nil
}
