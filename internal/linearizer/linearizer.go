// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

// Package linearizer orders the entries of every admitted writer log into a
// single deterministic sequence and feeds them to an applier that
// materializes the channel view.
//
// The total order sorts committed entries by (lamport clock, writer key,
// sequence). Two honest nodes holding the same set of entries therefore
// produce byte-identical views. When a newly learned entry sorts before
// already-applied positions the view is reset and re-materialized from
// scratch; the applier is required to be deterministic and idempotent, so
// replays converge.
package linearizer

import (
	"context"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/pearstream/pearstream/internal/logging"
	"github.com/pearstream/pearstream/internal/metrics"
	"github.com/pearstream/pearstream/internal/oplog"
	"github.com/pearstream/pearstream/internal/ops"
	"github.com/pearstream/pearstream/internal/view"
)

// Host is the membership primitive handed to the applier. Membership ops
// must go through it so the linearizer learns the writer set; the applier
// additionally writes the writer record to the view.
type Host interface {
	// AddWriter admits a writer log into the committed order.
	AddWriter(keyHex string) error

	// RemoveWriter evicts a writer log as of the removing op's clock.
	// Entries the writer contributed with earlier clocks stay in the
	// order; later entries are no longer admitted. Removal is permanent.
	RemoveWriter(keyHex string, atClock uint64) error
}

// EntryInfo describes the log position of the op being applied.
type EntryInfo struct {
	Writer     string
	Seq        uint64
	Clock      uint64
	Optimistic bool
}

// Applier materializes one committed op into the view. It must be a pure
// function of (op, batch state, nodeIndex, info): no wall clock, no
// randomness, no data outside the view. Errors skip the op; they never
// abort materialization.
type Applier interface {
	Apply(ctx context.Context, op *ops.Envelope, batch *view.Batch, host Host, nodeIndex uint64, info EntryInfo) error
}

// entryRef identifies an applied position for divergence checks.
type entryRef struct {
	writer string
	seq    uint64
	clock  uint64
}

// writerState tracks an admitted source log. A non-nil removedAt caps the
// entries admitted into the order: only clocks strictly below it count.
type writerState struct {
	log       *oplog.Log
	removedAt *uint64
}

// Linearizer combines writer logs under a designated bootstrap log.
type Linearizer struct {
	db        *badger.DB
	view      *view.View
	applier   Applier
	bootstrap string
	local     *oplog.Log

	// acceptCandidates admits non-member logs as optimistic sources
	// (the comments ring). The main channel leaves this off.
	acceptCandidates bool

	mu         sync.RWMutex
	writers    map[string]*writerState
	candidates map[string]*oplog.Log

	// stash holds replicated logs not (yet) in the writer or candidate
	// sets. Entries land here until an add-writer op admits the log.
	stash map[string]*oplog.Log

	// updateMu serializes materialization; the applier is never
	// re-entered concurrently for the same channel.
	updateMu sync.Mutex
	applied  []entryRef

	notifyMu sync.Mutex
	pending  bool
	waiters  []chan struct{}

	// requestSync asks attached replicators to pull fresh entries before
	// a waiting update. Set by the replication layer; may be nil.
	requestSync func()
}

// Options configures a Linearizer.
type Options struct {
	// Bootstrap is the designated bootstrap log key (hex). The founding
	// writer's add-writer op is the only op accepted from outside the
	// writer set.
	Bootstrap string

	// Local is this node's own log; nil on pure viewers.
	Local *oplog.Log

	// AcceptCandidates admits optimistic non-member logs.
	AcceptCandidates bool
}

// New creates a linearizer over db materializing into v via applier.
func New(db *badger.DB, v *view.View, applier Applier, opts Options) (*Linearizer, error) {
	lz := &Linearizer{
		db:               db,
		view:             v,
		applier:          applier,
		bootstrap:        opts.Bootstrap,
		local:            opts.Local,
		acceptCandidates: opts.AcceptCandidates,
		writers:          map[string]*writerState{},
		candidates:       map[string]*oplog.Log{},
		stash:            map[string]*oplog.Log{},
	}

	// The bootstrap log is always a source, locally writable or not.
	if opts.Local != nil && opts.Local.WriterHex() == opts.Bootstrap {
		lz.writers[opts.Bootstrap] = &writerState{log: opts.Local}
	} else {
		bl, err := oplog.OpenRemote(db, opts.Bootstrap)
		if err != nil {
			return nil, err
		}
		lz.writers[opts.Bootstrap] = &writerState{log: bl}
	}

	// A non-bootstrap local log starts as a candidate until an add-writer
	// op admits it.
	if opts.Local != nil && opts.Local.WriterHex() != opts.Bootstrap {
		lz.candidates[opts.Local.WriterHex()] = opts.Local
	}

	return lz, nil
}

// Bootstrap returns the bootstrap log key hex.
func (lz *Linearizer) Bootstrap() string { return lz.bootstrap }

// Local returns this node's own log, or nil on pure viewers.
func (lz *Linearizer) Local() *oplog.Log { return lz.local }

// AddWriter implements Host.
func (lz *Linearizer) AddWriter(keyHex string) error {
	lz.mu.Lock()
	defer lz.mu.Unlock()
	return lz.addWriterLocked(keyHex)
}

func (lz *Linearizer) addWriterLocked(keyHex string) error {
	if _, ok := lz.writers[keyHex]; ok {
		// Already known; a removed writer stays removed.
		return nil
	}
	if cand, ok := lz.candidates[keyHex]; ok {
		delete(lz.candidates, keyHex)
		lz.writers[keyHex] = &writerState{log: cand}
		return nil
	}
	if stashed, ok := lz.stash[keyHex]; ok {
		delete(lz.stash, keyHex)
		lz.writers[keyHex] = &writerState{log: stashed}
		return nil
	}
	if lz.local != nil && lz.local.WriterHex() == keyHex {
		lz.writers[keyHex] = &writerState{log: lz.local}
		return nil
	}
	l, err := oplog.OpenRemote(lz.db, keyHex)
	if err != nil {
		return err
	}
	lz.writers[keyHex] = &writerState{log: l}
	return nil
}

// Ingest verifies and stores replicated entries for writerHex, opening a
// passive source when the writer is not yet known. With candidate
// acceptance on, unknown writers enter the optimistic candidate set;
// otherwise they stay stashed until admitted by a membership op.
func (lz *Linearizer) Ingest(writerHex string, entries []oplog.Entry) (int, error) {
	l := lz.Log(writerHex)
	if l == nil {
		lz.mu.Lock()
		if stashed, ok := lz.stash[writerHex]; ok {
			l = stashed
		} else {
			opened, err := oplog.OpenRemote(lz.db, writerHex)
			if err != nil {
				lz.mu.Unlock()
				return 0, err
			}
			if lz.acceptCandidates {
				lz.candidates[writerHex] = opened
			} else {
				lz.stash[writerHex] = opened
			}
			l = opened
		}
		lz.mu.Unlock()
	}
	return l.Ingest(entries)
}

// RemoveWriter implements Host. The clock cap keeps the order a pure
// function of the entry set: two nodes learning of the removal at
// different times still admit exactly the same entries.
func (lz *Linearizer) RemoveWriter(keyHex string, atClock uint64) error {
	lz.mu.Lock()
	defer lz.mu.Unlock()
	if keyHex == lz.bootstrap {
		// The bootstrap log anchors the channel and cannot be evicted.
		return nil
	}
	ws, ok := lz.writers[keyHex]
	if !ok {
		lz.writers[keyHex] = &writerState{removedAt: &atClock}
		return nil
	}
	if ws.removedAt == nil {
		ws.removedAt = &atClock
	}
	return nil
}

// AckWriter promotes an optimistic candidate directly. Admission that
// must replicate rides an add-writer op through the applier instead; this
// is the local primitive both paths end in.
func (lz *Linearizer) AckWriter(keyHex string) error {
	lz.mu.Lock()
	defer lz.mu.Unlock()
	return lz.addWriterLocked(keyHex)
}

// AddCandidate registers a non-member log as an optimistic source. No-op
// when candidates are not accepted, when the log is already admitted, or
// when the writer was removed.
func (lz *Linearizer) AddCandidate(keyHex string) error {
	if !lz.acceptCandidates {
		return nil
	}
	lz.mu.Lock()
	defer lz.mu.Unlock()
	if _, ok := lz.writers[keyHex]; ok {
		return nil
	}
	if _, ok := lz.candidates[keyHex]; ok {
		return nil
	}
	if stashed, ok := lz.stash[keyHex]; ok {
		delete(lz.stash, keyHex)
		lz.candidates[keyHex] = stashed
		return nil
	}
	if lz.local != nil && lz.local.WriterHex() == keyHex {
		lz.candidates[keyHex] = lz.local
		return nil
	}
	l, err := oplog.OpenRemote(lz.db, keyHex)
	if err != nil {
		return err
	}
	lz.candidates[keyHex] = l
	return nil
}

// IsWriter reports whether keyHex is in the admitted writer set.
func (lz *Linearizer) IsWriter(keyHex string) bool {
	lz.mu.RLock()
	defer lz.mu.RUnlock()
	ws, ok := lz.writers[keyHex]
	return ok && ws.removedAt == nil
}

// Log returns the source log for keyHex, admitted or candidate.
func (lz *Linearizer) Log(keyHex string) *oplog.Log {
	lz.mu.RLock()
	defer lz.mu.RUnlock()
	if ws, ok := lz.writers[keyHex]; ok && ws.log != nil {
		return ws.log
	}
	if l, ok := lz.candidates[keyHex]; ok {
		return l
	}
	return lz.stash[keyHex]
}

// Heads returns the current length of every known source log. The
// replication layer announces these to peers.
func (lz *Linearizer) Heads() map[string]uint64 {
	lz.mu.RLock()
	defer lz.mu.RUnlock()
	heads := make(map[string]uint64, len(lz.writers)+len(lz.candidates))
	for hex, ws := range lz.writers {
		if ws.log != nil {
			heads[hex] = ws.log.Length()
		}
	}
	for hex, l := range lz.candidates {
		heads[hex] = l.Length()
	}
	for hex, l := range lz.stash {
		heads[hex] = l.Length()
	}
	return heads
}

// MaxClock returns the highest Lamport clock across every known entry.
// Mutators stamp appends with MaxClock()+1.
func (lz *Linearizer) MaxClock() uint64 {
	lz.mu.RLock()
	logs := make([]*oplog.Log, 0, len(lz.writers)+len(lz.candidates))
	for _, ws := range lz.writers {
		if ws.log != nil {
			logs = append(logs, ws.log)
		}
	}
	for _, l := range lz.candidates {
		logs = append(logs, l)
	}
	lz.mu.RUnlock()

	var maxClock uint64
	for _, l := range logs {
		length := l.Length()
		if length == 0 {
			continue
		}
		e, err := l.Read(length - 1)
		if err != nil {
			continue
		}
		if e.Clock > maxClock {
			maxClock = e.Clock
		}
	}
	return maxClock
}

// SetSyncRequester installs the replication callback invoked before a
// waiting update.
func (lz *Linearizer) SetSyncRequester(fn func()) {
	lz.notifyMu.Lock()
	defer lz.notifyMu.Unlock()
	lz.requestSync = fn
}

// Signal marks new data pending and wakes waiting updates. The replication
// layer calls this after every ingest.
func (lz *Linearizer) Signal() {
	lz.notifyMu.Lock()
	defer lz.notifyMu.Unlock()
	lz.pending = true
	for _, w := range lz.waiters {
		close(w)
	}
	lz.waiters = nil
}

// Update materializes all known entries into the view. With wait=true it
// first asks attached replicators for fresh entries and blocks until data
// arrives or ctx expires; a timeout is not an error, the view simply
// reflects what has arrived so far.
func (lz *Linearizer) Update(ctx context.Context, wait bool) error {
	if wait {
		lz.notifyMu.Lock()
		hasPending := lz.pending
		requestSync := lz.requestSync
		var waiter chan struct{}
		if !hasPending {
			waiter = make(chan struct{})
			lz.waiters = append(lz.waiters, waiter)
		}
		lz.notifyMu.Unlock()

		if requestSync != nil {
			requestSync()
		}
		if waiter != nil {
			select {
			case <-waiter:
			case <-ctx.Done():
				metrics.LinearizerUpdates.WithLabelValues("timeout").Inc()
			}
		}
	}

	lz.notifyMu.Lock()
	lz.pending = false
	lz.notifyMu.Unlock()

	return lz.materialize(ctx)
}

// materialize runs the order-and-apply loop to a fixpoint. Membership ops
// applied mid-pass change the source set, which can retroactively reorder
// the committed prefix; the loop detects that and rebuilds.
func (lz *Linearizer) materialize(ctx context.Context) error {
	lz.updateMu.Lock()
	defer lz.updateMu.Unlock()

	for pass := 0; ; pass++ {
		order, entries, err := lz.collectOrdered()
		if err != nil {
			return err
		}

		diverge := lz.firstDivergence(order)
		if diverge < len(lz.applied) {
			// Causal reordering: reset and re-materialize from scratch.
			if err := lz.view.Reset(); err != nil {
				return err
			}
			lz.applied = nil
			diverge = 0
			metrics.ViewRebuilds.Inc()
		}

		if diverge == len(order) {
			// Committed order fully applied; handle optimistic sources.
			changed, err := lz.runOptimistic(ctx)
			if err != nil {
				return err
			}
			if !changed {
				if pass == 0 {
					metrics.LinearizerUpdates.WithLabelValues("noop").Inc()
				}
				return nil
			}
			continue
		}

		batch := lz.view.Batch()
		membershipBefore := lz.writerSetKey()
		for i := diverge; i < len(order); i++ {
			ref := order[i]
			entry := entries[i]

			op, err := ops.Decode(entry.Payload)
			if err != nil {
				logging.Debug().Err(err).Str("writer", ref.writer).Uint64("seq", ref.seq).
					Msg("undecodable op skipped")
				lz.applied = append(lz.applied, ref)
				continue
			}

			info := EntryInfo{Writer: ref.writer, Seq: ref.seq, Clock: ref.clock}
			if err := lz.applier.Apply(ctx, op, batch, lz, uint64(i), info); err != nil {
				// Apply failures on a single op are logged and skipped.
				logging.Debug().Err(err).Str("type", op.Type).Msg("apply failed, op skipped")
			}
			lz.applied = append(lz.applied, ref)

			if lz.writerSetKey() != membershipBefore {
				// Membership changed: commit what we have and re-run the
				// ordering pass with the new source set.
				break
			}
		}
		if err := batch.Commit(); err != nil {
			return err
		}

		if lz.writerSetKey() == membershipBefore && diverge < len(order) && len(lz.applied) == len(order) {
			metrics.LinearizerUpdates.WithLabelValues("extended").Inc()
		}
	}
}

// runOptimistic feeds candidate entries to the applier flagged optimistic.
// The acknowledger's applier inspects them and queues admissions; a direct
// promotion (AckWriter) changes membership, reported through the return
// value so the caller reruns the committed pass.
func (lz *Linearizer) runOptimistic(ctx context.Context) (bool, error) {
	lz.mu.RLock()
	cands := make(map[string]*oplog.Log, len(lz.candidates))
	for hex, l := range lz.candidates {
		cands[hex] = l
	}
	lz.mu.RUnlock()

	if len(cands) == 0 {
		return false, nil
	}

	before := lz.writerSetKey()
	scratch := lz.view.Batch() // optimistic ops never commit view writes
	for writerHex, l := range cands {
		length := l.Length()
		for seq := uint64(0); seq < length; seq++ {
			e, err := l.Read(seq)
			if err != nil {
				break
			}
			op, err := ops.Decode(e.Payload)
			if err != nil {
				continue
			}
			info := EntryInfo{Writer: writerHex, Seq: seq, Clock: e.Clock, Optimistic: true}
			if err := lz.applier.Apply(ctx, op, scratch, lz, 0, info); err != nil {
				logging.Debug().Err(err).Str("type", op.Type).Msg("optimistic op skipped")
			}
			if lz.writerSetKey() != before {
				// Acknowledged: remaining entries become committed.
				return true, nil
			}
		}
	}
	return lz.writerSetKey() != before, nil
}

// collectOrdered gathers every committed entry and sorts deterministically.
func (lz *Linearizer) collectOrdered() ([]entryRef, []oplog.Entry, error) {
	lz.mu.RLock()
	type source struct {
		log       *oplog.Log
		removedAt *uint64
	}
	sources := make(map[string]source, len(lz.writers))
	for hex, ws := range lz.writers {
		if ws.log != nil {
			sources[hex] = source{log: ws.log, removedAt: ws.removedAt}
		}
	}
	lz.mu.RUnlock()

	type indexed struct {
		ref   entryRef
		entry oplog.Entry
	}
	var all []indexed
	for writerHex, src := range sources {
		length := src.log.Length()
		for seq := uint64(0); seq < length; seq++ {
			e, err := src.log.Read(seq)
			if err != nil {
				return nil, nil, err
			}
			if src.removedAt != nil && e.Clock >= *src.removedAt {
				// Appends at or past the removal clock are not admitted.
				break
			}
			all = append(all, indexed{
				ref:   entryRef{writer: writerHex, seq: seq, clock: e.Clock},
				entry: e,
			})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].ref, all[j].ref
		if a.clock != b.clock {
			return a.clock < b.clock
		}
		if a.writer != b.writer {
			return a.writer < b.writer
		}
		return a.seq < b.seq
	})

	refs := make([]entryRef, len(all))
	entries := make([]oplog.Entry, len(all))
	for i, x := range all {
		refs[i] = x.ref
		entries[i] = x.entry
	}
	return refs, entries, nil
}

// firstDivergence returns the first applied position whose order changed,
// or len(applied) when the new order extends the applied prefix.
func (lz *Linearizer) firstDivergence(order []entryRef) int {
	n := len(lz.applied)
	if len(order) < n {
		n = len(order)
	}
	for i := 0; i < n; i++ {
		if lz.applied[i] != order[i] {
			return i
		}
	}
	if len(order) < len(lz.applied) {
		return len(order)
	}
	return len(lz.applied)
}

// writerSetKey builds a comparable fingerprint of the admitted writer set.
func (lz *Linearizer) writerSetKey() string {
	lz.mu.RLock()
	defer lz.mu.RUnlock()
	keys := make([]string, 0, len(lz.writers))
	for hex, ws := range lz.writers {
		if ws.removedAt != nil {
			hex += "-"
		}
		keys = append(keys, hex)
	}
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		out += k + ","
	}
	return out
}
