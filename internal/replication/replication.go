// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

// Package replication wires linearizers and the shared blob store onto
// swarm connections. Each channel claims one scope per connection and
// speaks a small have/want/entries protocol; the corestore claims a single
// shared scope for block exchange.
//
// Every attach path is idempotent: a per-scope set of connection ids makes
// repeat attachment a no-op, and new connections must be explicitly
// attached to every open channel or its linearizer never receives entries.
package replication

import (
	"encoding/base64"
	"sync"

	"github.com/goccy/go-json"

	"github.com/pearstream/pearstream/internal/blob"
	"github.com/pearstream/pearstream/internal/logging"
	"github.com/pearstream/pearstream/internal/metrics"
	"github.com/pearstream/pearstream/internal/oplog"
	"github.com/pearstream/pearstream/internal/swarm"
)

// message types on a channel scope
const (
	msgHave    = "have"
	msgWant    = "want"
	msgEntries = "entries"
)

// message types on the corestore scope
const (
	msgWantBlock = "want-block"
	msgBlock     = "block"
)

// CorestoreScope is the shared scope carrying blob block exchange.
const CorestoreScope = "corestore"

const entryBatchMax = 256

type haveMsg struct {
	Heads map[string]uint64 `json:"heads"`
}

type wantMsg struct {
	Writer string `json:"writer"`
	From   uint64 `json:"from"`
}

type entriesMsg struct {
	Writer  string        `json:"writer"`
	Entries []oplog.Entry `json:"entries"`
}

type wantBlockMsg struct {
	Core  string `json:"core"`
	Block uint64 `json:"block"`
}

type blockMsg struct {
	Core  string `json:"core"`
	Block uint64 `json:"block"`
	Data  string `json:"data"` // base64
}

// LogSource is the local side of a log replication session: the channel
// linearizer, or the public mirror's single log. The linearizer satisfies
// it directly.
type LogSource interface {
	Heads() map[string]uint64
	Log(writerHex string) *oplog.Log
	Ingest(writerHex string, entries []oplog.Entry) (int, error)
	Signal()
	SetSyncRequester(fn func())
}

// Replicator keeps one log source in sync over every attached connection.
type Replicator struct {
	scope string
	src   LogSource

	mu    sync.Mutex
	conns map[uint64]*swarm.Conn
}

// NewReplicator creates the replication endpoint for a log source. scope
// must be unique per source; the bootstrap key hex is the conventional
// choice.
func NewReplicator(scope string, src LogSource) *Replicator {
	r := &Replicator{scope: "ch:" + scope, src: src, conns: map[uint64]*swarm.Conn{}}
	src.SetSyncRequester(r.BroadcastHaves)
	return r
}

// Attach wires the replicator onto conn. Idempotent: repeat calls for the
// same connection are no-ops.
func (r *Replicator) Attach(conn *swarm.Conn) {
	r.mu.Lock()
	if _, ok := r.conns[conn.ID()]; ok {
		r.mu.Unlock()
		metrics.ReplicationAttaches.WithLabelValues("channel", "duplicate").Inc()
		return
	}
	r.conns[conn.ID()] = conn
	r.mu.Unlock()
	metrics.ReplicationAttaches.WithLabelValues("channel", "attached").Inc()

	conn.Handle(r.scope, func(msgType string, data json.RawMessage) {
		r.dispatch(conn, msgType, data)
	})
	conn.OnClose(func() {
		r.mu.Lock()
		delete(r.conns, conn.ID())
		r.mu.Unlock()
	})

	// Opening move: tell the peer what we hold.
	r.sendHave(conn)
}

// Detach releases the channel's scope on every connection. Called during
// channel close.
func (r *Replicator) Detach() {
	r.mu.Lock()
	conns := make([]*swarm.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = map[uint64]*swarm.Conn{}
	r.mu.Unlock()

	for _, c := range conns {
		c.Unhandle(r.scope)
	}
}

func (r *Replicator) sendHave(conn *swarm.Conn) {
	if err := conn.Send(r.scope, msgHave, &haveMsg{Heads: r.src.Heads()}); err != nil {
		logging.Debug().Err(err).Msg("send have failed")
	}
}

// BroadcastHaves announces local heads on every attached connection. The
// linearizer invokes this before a waiting update; the channel engine
// invokes it after every local append.
func (r *Replicator) BroadcastHaves() {
	r.mu.Lock()
	conns := make([]*swarm.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		r.sendHave(c)
	}
}

func (r *Replicator) dispatch(conn *swarm.Conn, msgType string, data json.RawMessage) {
	switch msgType {
	case msgHave:
		var m haveMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		local := r.src.Heads()
		for writer, remoteLen := range m.Heads {
			if remoteLen > local[writer] {
				//nolint:errcheck // peer gone; the next have retries
				conn.Send(r.scope, msgWant, &wantMsg{Writer: writer, From: local[writer]})
			}
		}
		// A have doubles as a sync request: if the sender is behind on
		// anything we hold, answer with our heads so it pulls. Only sent
		// when strictly ahead, so the exchange terminates.
		for writer, localLen := range local {
			if localLen > m.Heads[writer] {
				r.sendHave(conn)
				break
			}
		}

	case msgWant:
		var m wantMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		l := r.src.Log(m.Writer)
		if l == nil {
			return
		}
		entries, err := l.ReadFrom(m.From, entryBatchMax)
		if err != nil || len(entries) == 0 {
			return
		}
		metrics.EntriesReplicated.WithLabelValues("out").Add(float64(len(entries)))
		//nolint:errcheck // peer gone; the next have retries
		conn.Send(r.scope, msgEntries, &entriesMsg{Writer: m.Writer, Entries: entries})

	case msgEntries:
		var m entriesMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		added, err := r.src.Ingest(m.Writer, m.Entries)
		if err != nil {
			logging.Debug().Err(err).Str("writer", m.Writer).Msg("entry ingest failed")
		}
		if added > 0 {
			metrics.EntriesReplicated.WithLabelValues("in").Add(float64(added))
			r.src.Signal()
			// The batch may have been full; keep pulling from the new
			// head until the peer has nothing more to send.
			//nolint:errcheck // peer gone; the next have retries
			conn.Send(r.scope, msgWant, &wantMsg{Writer: m.Writer, From: r.src.Heads()[m.Writer]})
			// And advertise progress so the peer can pull from us.
			r.sendHave(conn)
		}
	}
}

// CorestoreReplicator exchanges blob blocks for every core in the shared
// store over every attached connection.
type CorestoreReplicator struct {
	store *blob.Store

	mu    sync.Mutex
	conns map[uint64]*swarm.Conn
}

// NewCorestoreReplicator creates the block exchange endpoint and installs
// itself as the store's block requester.
func NewCorestoreReplicator(store *blob.Store) *CorestoreReplicator {
	r := &CorestoreReplicator{store: store, conns: map[uint64]*swarm.Conn{}}
	store.SetBlockRequester(r.RequestBlock)
	return r
}

// Attach wires block exchange onto conn. Idempotent per connection.
func (r *CorestoreReplicator) Attach(conn *swarm.Conn) {
	r.mu.Lock()
	if _, ok := r.conns[conn.ID()]; ok {
		r.mu.Unlock()
		metrics.ReplicationAttaches.WithLabelValues("corestore", "duplicate").Inc()
		return
	}
	r.conns[conn.ID()] = conn
	r.mu.Unlock()
	metrics.ReplicationAttaches.WithLabelValues("corestore", "attached").Inc()

	conn.Handle(CorestoreScope, func(msgType string, data json.RawMessage) {
		r.dispatch(conn, msgType, data)
	})
	conn.OnClose(func() {
		r.mu.Lock()
		delete(r.conns, conn.ID())
		r.mu.Unlock()
	})
}

// RequestBlock asks every attached peer for one block. Responses arrive
// asynchronously and wake the waiting reader through the core's ingest
// path.
func (r *CorestoreReplicator) RequestBlock(coreHex string, block uint64) {
	r.mu.Lock()
	conns := make([]*swarm.Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		//nolint:errcheck // peer gone; the reader's timeout bounds the wait
		c.Send(CorestoreScope, msgWantBlock, &wantBlockMsg{Core: coreHex, Block: block})
	}
}

func (r *CorestoreReplicator) dispatch(conn *swarm.Conn, msgType string, data json.RawMessage) {
	switch msgType {
	case msgWantBlock:
		var m wantBlockMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		core, err := r.store.Core(m.Core, false)
		if err != nil {
			return
		}
		blockData, ok, err := core.Block(m.Block)
		if err != nil || !ok {
			return
		}
		//nolint:errcheck // peer gone; it will re-request
		conn.Send(CorestoreScope, msgBlock, &blockMsg{
			Core:  m.Core,
			Block: m.Block,
			Data:  base64.StdEncoding.EncodeToString(blockData),
		})

	case msgBlock:
		var m blockMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		blockData, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			return
		}
		core, err := r.store.Core(m.Core, false)
		if err != nil {
			return
		}
		if err := core.IngestBlock(m.Block, blockData); err != nil {
			logging.Debug().Err(err).Str("core", m.Core).Msg("block ingest failed")
		}
	}
}
