// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

// Package channel implements the multi-writer channel engine: a linearized
// operation log applied deterministically into a key-value view, with
// membership management, role-based conflict resolution, invites, and
// content-addressed blob storage.
package channel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pearstream/pearstream/internal/blob"
	"github.com/pearstream/pearstream/internal/config"
	"github.com/pearstream/pearstream/internal/linearizer"
	"github.com/pearstream/pearstream/internal/logging"
	"github.com/pearstream/pearstream/internal/metrics"
	"github.com/pearstream/pearstream/internal/oplog"
	"github.com/pearstream/pearstream/internal/ops"
	"github.com/pearstream/pearstream/internal/pairing"
	"github.com/pearstream/pearstream/internal/replication"
	"github.com/pearstream/pearstream/internal/swarm"
	"github.com/pearstream/pearstream/internal/validation"
	"github.com/pearstream/pearstream/internal/view"
)

// State is the channel lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateOpeningLog
	StateOpeningView
	StateFirstApply
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateOpeningLog:
		return "opening-log"
	case StateOpeningView:
		return "opening-view"
	case StateFirstApply:
		return "first-apply"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Options configures a channel open.
type Options struct {
	DB        *badger.DB
	Cfg       *config.Config
	Swarm     *swarm.Swarm // nil disables discovery (tests)
	Corestore *blob.Store

	// BootstrapHex opens an existing channel by key; empty creates a new
	// channel whose bootstrap is this node's fresh local log.
	BootstrapHex string

	// DeviceName names this device in its writer record.
	DeviceName string

	// AcceptCandidates turns on open participation (the comments ring).
	AcceptCandidates bool

	// Applier overrides the default channel applier. The comments ring
	// installs its open-participation applier here.
	Applier linearizer.Applier

	// SkipFoundingOwner suppresses the founding add-writer op on create;
	// the comments ring seeds its own membership.
	SkipFoundingOwner bool

	// OnMutation runs after every local append once applied. The mirror
	// sync loop hooks channel->mirror diffing here.
	OnMutation func()
}

// Channel composes the log, linearizer, view, and blob store behind the
// channel mutator API. All mutators serialize at the append boundary.
type Channel struct {
	cfg       *config.Config
	db        *badger.DB
	swarm     *swarm.Swarm
	corestore *blob.Store

	bootstrapHex string
	localHex     string
	log          *oplog.Log
	view         *view.View
	lz           *linearizer.Linearizer
	repl         *replication.Replicator
	blobCore     *blob.Core
	topic        *swarm.Topic

	limiter *writerLimiter
	state   atomic.Int32

	// mu serializes mutators: apply runs to completion between accepted
	// appends.
	mu sync.Mutex

	onMutation func()

	closeOnce sync.Once
}

// Open brings a channel from Initializing to Ready. The bootstrap wait is
// bounded by the configured log bootstrap timeout; expiry fails the open.
func Open(ctx context.Context, opts Options) (*Channel, error) {
	if opts.DB == nil || opts.Cfg == nil || opts.Corestore == nil {
		return nil, fmt.Errorf("%w: missing store or config", ErrInvalidArgument)
	}

	ch := &Channel{
		cfg:        opts.Cfg,
		db:         opts.DB,
		swarm:      opts.Swarm,
		corestore:  opts.Corestore,
		limiter:    newWriterLimiter(opts.Cfg.Limits.OpsPerWriterPerMinute),
		onMutation: opts.OnMutation,
	}
	ch.state.Store(int32(StateInitializing))

	bootCtx, cancel := context.WithTimeout(ctx, opts.Cfg.Timeouts.LogBootstrap)
	defer cancel()

	ch.state.Store(int32(StateOpeningLog))
	if err := ch.openLog(bootCtx, opts); err != nil {
		ch.state.Store(int32(StateFailed))
		return nil, err
	}

	ch.state.Store(int32(StateOpeningView))
	ch.view = view.Open(opts.DB, ch.bootstrapHex)

	app := opts.Applier
	if app == nil {
		app = &applier{ch: ch}
	}
	lz, err := linearizer.New(opts.DB, ch.view, app, linearizer.Options{
		Bootstrap:        ch.bootstrapHex,
		Local:            ch.log,
		AcceptCandidates: opts.AcceptCandidates,
	})
	if err != nil {
		ch.state.Store(int32(StateFailed))
		return nil, err
	}
	ch.lz = lz
	ch.repl = replication.NewReplicator(ch.bootstrapHex, lz)

	blobCore, err := opts.Corestore.Core(blob.LocalCoreKey(ch.localHex), true)
	if err != nil {
		ch.state.Store(int32(StateFailed))
		return nil, err
	}
	ch.blobCore = blobCore

	if opts.Swarm != nil {
		topic, err := oplog.DiscoveryTopic(ch.bootstrapHex)
		if err != nil {
			ch.state.Store(int32(StateFailed))
			return nil, err
		}
		t, err := opts.Swarm.Join(topic)
		if err != nil {
			logging.Warn().Err(err).Msg("discovery join failed, channel continues unannounced")
		} else {
			ch.topic = t
		}
	}

	ch.state.Store(int32(StateFirstApply))
	if err := lz.Update(bootCtx, false); err != nil {
		ch.state.Store(int32(StateFailed))
		return nil, err
	}

	if opts.BootstrapHex == "" && !opts.SkipFoundingOwner {
		if err := ch.appendFoundingOwner(ctx, opts.DeviceName); err != nil {
			ch.state.Store(int32(StateFailed))
			return nil, err
		}
	}

	ch.state.Store(int32(StateReady))
	metrics.ChannelsOpen.Inc()
	logging.Info().
		Str("channel", ch.bootstrapHex).
		Bool("writable", ch.Writable()).
		Msg("channel ready")
	return ch, nil
}

// openLog loads or creates the per-channel local writer log, and resolves
// the bootstrap key.
func (ch *Channel) openLog(ctx context.Context, opts Options) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: log bootstrap", ErrTimeout)
	}

	if opts.BootstrapHex != "" {
		ch.bootstrapHex = strings.ToLower(opts.BootstrapHex)
		if !validation.IsHex32(ch.bootstrapHex) {
			return fmt.Errorf("%w: bootstrap key must be 64 hex chars", ErrInvalidArgument)
		}
	}

	// The local writer keypair is per channel and persisted so reopening
	// resumes the same log.
	seedKey := func(bootstrap string) []byte {
		return []byte("localwriter:" + bootstrap)
	}

	var priv ed25519.PrivateKey
	if opts.BootstrapHex != "" {
		var seed []byte
		err := ch.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(seedKey(ch.bootstrapHex))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			seed, err = item.ValueCopy(nil)
			return err
		})
		if err != nil {
			return fmt.Errorf("load channel key: %w", err)
		}
		if seed == nil {
			seed = make([]byte, ed25519.SeedSize)
			if _, err := rand.Read(seed); err != nil {
				return fmt.Errorf("generate channel key: %w", err)
			}
			err = ch.db.Update(func(txn *badger.Txn) error {
				return txn.Set(seedKey(ch.bootstrapHex), seed)
			})
			if err != nil {
				return fmt.Errorf("persist channel key: %w", err)
			}
		}
		priv = ed25519.NewKeyFromSeed(seed)
	} else {
		// Creating: the fresh local log IS the bootstrap log.
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return fmt.Errorf("generate channel key: %w", err)
		}
		priv = ed25519.NewKeyFromSeed(seed)
		ch.bootstrapHex = hex.EncodeToString(priv.Public().(ed25519.PublicKey))
		err := ch.db.Update(func(txn *badger.Txn) error {
			return txn.Set(seedKey(ch.bootstrapHex), seed)
		})
		if err != nil {
			return fmt.Errorf("persist channel key: %w", err)
		}
	}

	l, err := oplog.OpenLocal(ch.db, priv)
	if err != nil {
		return err
	}
	ch.log = l
	ch.localHex = l.WriterHex()
	return nil
}

// appendFoundingOwner installs this node as the channel's owner. The one
// op every channel log starts with.
func (ch *Channel) appendFoundingOwner(ctx context.Context, deviceName string) error {
	op := ops.New(ops.TypeAddWriter)
	op.Set("keyHex", ch.localHex)
	op.Set("role", ops.RoleOwner)
	op.Set("deviceName", deviceName)
	op.Set("addedAt", time.Now().UnixMilli())
	op.Set("blobDriveKey", blob.LocalCoreKey(ch.localHex))
	return ch.appendOp(ctx, op)
}

// Key returns the channel bootstrap key (lowercase hex).
func (ch *Channel) Key() string { return ch.bootstrapHex }

// LocalKey returns this node's writer key for the channel.
func (ch *Channel) LocalKey() string { return ch.localHex }

// State returns the lifecycle state.
func (ch *Channel) State() State { return State(ch.state.Load()) }

// Writable reports whether the local log is admitted to the writer set.
// The ReadOnly -> Writable transition happens when an add-writer op naming
// the local key is applied; there is no reverse transition.
func (ch *Channel) Writable() bool {
	return ch.lz.IsWriter(ch.localHex)
}

// Replicator exposes the channel's replication endpoint; the orchestrator
// attaches it to every connection.
func (ch *Channel) Replicator() *replication.Replicator { return ch.repl }

// Linearizer exposes the ordering core for the comments ring and tests.
func (ch *Channel) Linearizer() *linearizer.Linearizer { return ch.lz }

// View exposes the read side of the materialized state.
func (ch *Channel) View() *view.View { return ch.view }

// Topic returns the joined discovery topic, or nil without a swarm.
func (ch *Channel) Topic() *swarm.Topic { return ch.topic }

// Update runs a linearizer pass. wait blocks for fresh replicated data up
// to ctx's deadline; a lapsed wait leaves the view partial, not failed.
func (ch *Channel) Update(ctx context.Context, wait bool) error {
	if ch.State() != StateReady {
		return ErrStorageClosed
	}
	return ch.lz.Update(ctx, wait)
}

// localRole reads this node's role from the writer set.
func (ch *Channel) localRole() string {
	return ch.RoleOf(ch.localHex)
}

// RoleOf reads a writer's role from the materialized writer set; "" for
// keys outside it.
func (ch *Channel) RoleOf(keyHex string) string {
	raw, ok, err := ch.view.Get(PrefixWriters + keyHex)
	if err != nil || !ok {
		return ""
	}
	var rec WriterRecord
	if decodeRecord(raw, &rec) != nil {
		return ""
	}
	return rec.Role
}

// MaxCommentBytes exposes the configured comment length cap.
func (ch *Channel) MaxCommentBytes() int {
	if ch.cfg.Limits.MaxCommentBytes > 0 {
		return ch.cfg.Limits.MaxCommentBytes
	}
	return ops.MaxCommentLen
}

// requireRole enforces the mutator ACL table.
func (ch *Channel) requireRole(minPriority int) error {
	if !ch.Writable() {
		return ErrNotWritable
	}
	if ops.RolePriority(ch.localRole()) < minPriority {
		return ErrPermissionDenied
	}
	return nil
}

// appendOp rate limits, stamps the logical clock, appends to the local
// log, and applies. Mutators hold ch.mu through the whole sequence so
// apply runs to completion between accepted appends.
func (ch *Channel) appendOp(ctx context.Context, op *ops.Envelope) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	switch ch.State() {
	case StateReady, StateFirstApply:
	default:
		return ErrStorageClosed
	}

	if !ch.limiter.allow(ch.localHex) {
		metrics.RateLimited.Inc()
		return fmt.Errorf("%w: over %d ops per minute", ErrRateLimited, ch.cfg.Limits.OpsPerWriterPerMinute)
	}

	clock := ch.lz.MaxClock() + 1
	op.Set("logicalClock", clock)

	payload, err := op.Encode()
	if err != nil {
		if errors.Is(err, ops.ErrOversize) {
			return fmt.Errorf("%w: op exceeds %d bytes", ErrInvalidArgument, ops.MaxOpBytes)
		}
		return err
	}

	if _, err := ch.log.Append(payload, clock); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	metrics.OpsAppended.WithLabelValues(op.Type).Inc()

	ch.lz.Signal()
	if err := ch.lz.Update(ctx, false); err != nil {
		return err
	}

	ch.repl.BroadcastHaves()
	if ch.onMutation != nil {
		ch.onMutation()
	}
	return nil
}

// SetOnMutation installs (or replaces) the post-append hook. The
// orchestrator routes it onto the event bus after registering the channel.
func (ch *Channel) SetOnMutation(fn func()) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onMutation = fn
}

// Append rate limits, stamps, appends, and applies an already-built op.
// The comments ring and the pairing responder drive their extra op types
// through here; regular callers use the typed mutators.
func (ch *Channel) Append(ctx context.Context, op *ops.Envelope) error {
	return ch.appendOp(ctx, op)
}

// MetaPatch is a partial channel metadata update; nil fields are preserved.
type MetaPatch struct {
	Name                *string
	Description         *string
	Avatar              *string
	PublicBeeKey        *string
	CommentsAutobaseKey *string
}

// UpdateMetadata applies a partial metadata patch. Any writer may call it.
func (ch *Channel) UpdateMetadata(ctx context.Context, patch MetaPatch) error {
	if err := ch.requireRole(ops.RolePriority(ops.RoleDevice)); err != nil {
		return err
	}

	op := ops.New(ops.TypeUpdateChannel)
	setIf := func(field string, v *string) {
		if v != nil {
			op.Set(field, *v)
		}
	}
	setIf("name", patch.Name)
	setIf("description", patch.Description)
	setIf("avatar", patch.Avatar)
	setIf("publicBeeKey", patch.PublicBeeKey)
	setIf("commentsAutobaseKey", patch.CommentsAutobaseKey)
	op.Set("updatedAt", time.Now().UnixMilli())
	op.Set("updatedBy", ch.localHex)

	if _, ok, _ := ch.view.Get(KeyChannelMeta); !ok {
		op.Set("createdAt", time.Now().UnixMilli())
		op.Set("createdBy", ch.localHex)
	}

	if err := ops.Validate(op); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}
	return ch.appendOp(ctx, op)
}

// Metadata returns the channel metadata record, or nil before the first
// update-channel op.
func (ch *Channel) Metadata() (*ChannelMeta, error) {
	raw, ok, err := ch.view.Get(KeyChannelMeta)
	if err != nil || !ok {
		return nil, err
	}
	var meta ChannelMeta
	if err := decodeRecord(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// VideoMeta describes a video being added.
type VideoMeta struct {
	ID           string
	Title        string
	Description  string
	MimeType     string
	Size         int64
	BlobID       string
	BlobsCoreKey string
	Duration     int64
	Thumbnail    string
	Category     string
}

// AddVideo appends an add-video op. A missing ID gets a fresh UUID; the
// blob fields default to the local blob core.
func (ch *Channel) AddVideo(ctx context.Context, meta VideoMeta) (*VideoRecord, error) {
	if err := ch.requireRole(ops.RolePriority(ops.RoleDevice)); err != nil {
		return nil, err
	}
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.BlobsCoreKey == "" {
		meta.BlobsCoreKey = ch.blobCore.KeyHex()
	}

	op := ops.New(ops.TypeAddVideo)
	op.Set("id", meta.ID)
	op.Set("title", meta.Title)
	if meta.Description != "" {
		op.Set("description", meta.Description)
	}
	if meta.MimeType != "" {
		op.Set("mimeType", meta.MimeType)
	}
	op.Set("size", meta.Size)
	op.Set("uploadedAt", time.Now().UnixMilli())
	op.Set("uploadedBy", ch.localHex)
	op.Set("blobId", meta.BlobID)
	op.Set("blobsCoreKey", strings.ToLower(meta.BlobsCoreKey))
	if meta.Duration > 0 {
		op.Set("duration", meta.Duration)
	}
	if meta.Thumbnail != "" {
		op.Set("thumbnail", meta.Thumbnail)
	}
	if meta.Category != "" {
		op.Set("category", meta.Category)
	}

	if err := ops.Validate(op); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}
	if ptr, err := blob.ParsePointer(meta.BlobID); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	} else if ptr.ByteLength != uint64(meta.Size) {
		return nil, fmt.Errorf("%w: blob pointer length %d does not match size %d",
			ErrInvalidArgument, ptr.ByteLength, meta.Size)
	}
	if err := ch.appendOp(ctx, op); err != nil {
		return nil, err
	}
	return ch.GetVideo(meta.ID)
}

// VideoPatch is a partial video update; nil fields are preserved.
type VideoPatch struct {
	Title       *string
	Description *string
	Thumbnail   *string
	Category    *string
	Duration    *int64
}

// UpdateVideo appends an update-video op merging into the stored record.
func (ch *Channel) UpdateVideo(ctx context.Context, id string, patch VideoPatch) error {
	if err := ch.requireRole(ops.RolePriority(ops.RoleDevice)); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: video id required", ErrInvalidArgument)
	}

	op := ops.New(ops.TypeUpdateVideo)
	op.Set("id", id)
	if patch.Title != nil {
		op.Set("title", *patch.Title)
	}
	if patch.Description != nil {
		op.Set("description", *patch.Description)
	}
	if patch.Thumbnail != nil {
		op.Set("thumbnail", *patch.Thumbnail)
	}
	if patch.Category != nil {
		op.Set("category", *patch.Category)
	}
	if patch.Duration != nil {
		op.Set("duration", *patch.Duration)
	}
	op.Set("updatedAt", time.Now().UnixMilli())
	op.Set("uploadedBy", ch.localHex)

	if err := ops.Validate(op); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}
	return ch.appendOp(ctx, op)
}

// DeleteVideo soft-deletes a video: the record leaves the view, the
// content-addressed bytes stay referenced by the log tail.
func (ch *Channel) DeleteVideo(ctx context.Context, id string) error {
	if err := ch.requireRole(ops.RolePriority(ops.RoleDevice)); err != nil {
		return err
	}
	op := ops.New(ops.TypeDeleteVideo)
	op.Set("id", id)
	return ch.appendOp(ctx, op)
}

// ListVideos scans the video records, newest upload first.
func (ch *Channel) ListVideos() ([]VideoRecord, error) {
	pairs, err := ch.view.Scan(PrefixVideos)
	if err != nil {
		return nil, err
	}
	out := make([]VideoRecord, 0, len(pairs))
	for _, kv := range pairs {
		var rec VideoRecord
		if err := decodeRecord(kv.Value, &rec); err != nil {
			logging.Debug().Err(err).Str("key", kv.Key).Msg("undecodable video record skipped")
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt != out[j].UploadedAt {
			return out[i].UploadedAt > out[j].UploadedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetVideo returns a video record, or nil when absent.
func (ch *Channel) GetVideo(id string) (*VideoRecord, error) {
	raw, ok, err := ch.view.Get(PrefixVideos + id)
	if err != nil || !ok {
		return nil, err
	}
	var rec VideoRecord
	if err := decodeRecord(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListWriters returns the materialized writer set.
func (ch *Channel) ListWriters() ([]WriterRecord, error) {
	pairs, err := ch.view.Scan(PrefixWriters)
	if err != nil {
		return nil, err
	}
	out := make([]WriterRecord, 0, len(pairs))
	for _, kv := range pairs {
		var rec WriterRecord
		if err := decodeRecord(kv.Value, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// AddWriterRequest describes a writer admission.
type AddWriterRequest struct {
	KeyHex       string `validate:"required,hex32"`
	Role         string `validate:"required,oneof=owner moderator device"`
	DeviceName   string `validate:"max=100"`
	BlobDriveKey string `validate:"omitempty,hex32"`
}

// AddWriter admits a key to the writer set. Adding moderators or owners is
// owner-only; adding devices requires moderator or better.
func (ch *Channel) AddWriter(ctx context.Context, req AddWriterRequest) error {
	if verr := validation.ValidateStruct(&req); verr != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, verr)
	}

	minRole := ops.RoleModerator
	if req.Role == ops.RoleModerator || req.Role == ops.RoleOwner {
		minRole = ops.RoleOwner
	}
	if err := ch.requireRole(ops.RolePriority(minRole)); err != nil {
		return err
	}

	op := ops.New(ops.TypeAddWriter)
	op.Set("keyHex", strings.ToLower(req.KeyHex))
	op.Set("role", req.Role)
	op.Set("deviceName", req.DeviceName)
	op.Set("addedAt", time.Now().UnixMilli())
	if req.BlobDriveKey != "" {
		op.Set("blobDriveKey", strings.ToLower(req.BlobDriveKey))
	}
	return ch.appendOp(ctx, op)
}

// UpsertWriter replaces a writer record outright, role changes included.
// Owner-only.
func (ch *Channel) UpsertWriter(ctx context.Context, req AddWriterRequest) error {
	if verr := validation.ValidateStruct(&req); verr != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, verr)
	}
	if err := ch.requireRole(ops.RolePriority(ops.RoleOwner)); err != nil {
		return err
	}

	op := ops.New(ops.TypeUpsertWriter)
	op.Set("keyHex", strings.ToLower(req.KeyHex))
	op.Set("role", req.Role)
	op.Set("deviceName", req.DeviceName)
	op.Set("addedAt", time.Now().UnixMilli())
	if req.BlobDriveKey != "" {
		op.Set("blobDriveKey", strings.ToLower(req.BlobDriveKey))
	}
	return ch.appendOp(ctx, op)
}

// MigrateSchema records a schema migration marker. Owner-only; apply
// additionally skips instances authored by non-owners.
func (ch *Channel) MigrateSchema(ctx context.Context, from, to uint32) error {
	if err := ch.requireRole(ops.RolePriority(ops.RoleOwner)); err != nil {
		return err
	}
	if to <= from {
		return fmt.Errorf("%w: migration must move forward", ErrInvalidArgument)
	}
	op := ops.New(ops.TypeMigrateSchema)
	op.Set("fromVersion", from)
	op.Set("toVersion", to)
	op.Set("migratedAt", time.Now().UnixMilli())
	return ch.appendOp(ctx, op)
}

// RemoveWriter evicts a writer. Owner-only, and a writer may not remove
// itself.
func (ch *Channel) RemoveWriter(ctx context.Context, keyHex string) error {
	keyHex = strings.ToLower(keyHex)
	if !validation.IsHex32(keyHex) {
		return fmt.Errorf("%w: keyHex must be 64 hex chars", ErrInvalidArgument)
	}
	if err := ch.requireRole(ops.RolePriority(ops.RoleOwner)); err != nil {
		return err
	}
	if keyHex == ch.localHex {
		return fmt.Errorf("%w: a writer may not remove itself", ErrPermissionDenied)
	}

	op := ops.New(ops.TypeRemoveWriter)
	op.Set("keyHex", keyHex)
	return ch.appendOp(ctx, op)
}

// CreateInvite returns the channel's active invite code, minting a fresh
// single-use invite when none is active. expires <= 0 never expires.
func (ch *Channel) CreateInvite(ctx context.Context, expires int64) (string, error) {
	if err := ch.requireRole(ops.RolePriority(ops.RoleOwner)); err != nil {
		return "", err
	}

	if inv, err := ch.currentInvite(); err != nil {
		return "", err
	} else if inv != nil && (inv.Expires == 0 || inv.Expires > time.Now().UnixMilli()) {
		return inv.InviteZ32, nil
	}

	gen, err := pairing.GenerateInvite()
	if err != nil {
		return "", err
	}

	op := ops.New(ops.TypeAddInvite)
	op.Set("idHex", gen.IDHex)
	op.Set("inviteZ32", gen.Z32)
	op.Set("publicKeyHex", gen.PublicKeyHex)
	op.Set("expires", expires)
	op.Set("createdAt", time.Now().UnixMilli())
	if err := ch.appendOp(ctx, op); err != nil {
		return "", err
	}
	metrics.InvitesCreated.Inc()
	return gen.Z32, nil
}

// ClearInvite revokes the active invite, if any.
func (ch *Channel) ClearInvite(ctx context.Context) error {
	if err := ch.requireRole(ops.RolePriority(ops.RoleOwner)); err != nil {
		return err
	}
	inv, err := ch.currentInvite()
	if err != nil || inv == nil {
		return err
	}
	op := ops.New(ops.TypeDeleteInvite)
	op.Set("idHex", inv.IDHex)
	return ch.appendOp(ctx, op)
}

// ConsumeInvite deletes a just-redeemed invite; the pairing responder
// calls this after admitting the joiner.
func (ch *Channel) ConsumeInvite(ctx context.Context, idHex string) error {
	op := ops.New(ops.TypeDeleteInvite)
	op.Set("idHex", idHex)
	return ch.appendOp(ctx, op)
}

// CurrentInvite returns the active invite record, or nil.
func (ch *Channel) CurrentInvite() (*InviteRecord, error) {
	return ch.currentInvite()
}

func (ch *Channel) currentInvite() (*InviteRecord, error) {
	raw, ok, err := ch.view.Get(KeyCurrInvite)
	if err != nil || !ok {
		return nil, err
	}
	var idHex string
	if err := json.Unmarshal(raw, &idHex); err != nil || idHex == "" {
		return nil, nil
	}
	recRaw, ok, err := ch.view.Get(PrefixInvites + idHex)
	if err != nil || !ok {
		return nil, err
	}
	var rec InviteRecord
	if err := decodeRecord(recRaw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AddVectorIndex stores a video's embedding vector for the data
// collaborator's semantic search.
func (ch *Channel) AddVectorIndex(ctx context.Context, videoID, vectorBase64 string) error {
	if err := ch.requireRole(ops.RolePriority(ops.RoleDevice)); err != nil {
		return err
	}
	op := ops.New(ops.TypeAddVectorIndex)
	op.Set("videoId", videoID)
	op.Set("vector", vectorBase64)
	if err := ops.Validate(op); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}
	return ch.appendOp(ctx, op)
}

// LogWatchEvent records a playback event.
func (ch *Channel) LogWatchEvent(ctx context.Context, videoID, event string) error {
	if err := ch.requireRole(ops.RolePriority(ops.RoleDevice)); err != nil {
		return err
	}
	op := ops.New(ops.TypeLogWatchEvent)
	op.Set("videoId", videoID)
	op.Set("eventId", uuid.NewString())
	op.Set("event", event)
	op.Set("authorKeyHex", ch.localHex)
	op.Set("at", time.Now().UnixMilli())
	return ch.appendOp(ctx, op)
}

// PutBlob stores bytes in this node's blob core and returns the pointer.
func (ch *Channel) PutBlob(ctx context.Context, data []byte) (blob.Pointer, error) {
	if !ch.Writable() {
		return blob.Pointer{}, ErrNotWritable
	}
	return ch.blobCore.Put(ctx, data)
}

// BlobCoreKey returns the local blob core's key for video records.
func (ch *Channel) BlobCoreKey() string { return ch.blobCore.KeyHex() }

// GetBlob reads a full blob from any core, waiting on replication for
// remote blocks up to the entry lookup timeout.
func (ch *Channel) GetBlob(ctx context.Context, coreHex string, ptr blob.Pointer) ([]byte, error) {
	core, err := ch.corestore.Core(coreHex, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}
	return core.Get(ctx, ptr)
}

// CreateBlobReadStream opens a ranged reader over a blob.
func (ch *Channel) CreateBlobReadStream(ctx context.Context, coreHex string, ptr blob.Pointer, start, length int64) (io.ReadCloser, error) {
	core, err := ch.corestore.Core(coreHex, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}
	return core.ReadStream(ctx, ptr, start, length)
}

// BlobURL issues the HTTP URL the blob server collaborator serves a video
// record's bytes from.
func (ch *Channel) BlobURL(rec *VideoRecord) (string, error) {
	ptr, err := blob.ParsePointer(rec.BlobID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}
	return blob.URL(ch.cfg.BlobServer.Host, ch.cfg.BlobServer.Port, rec.BlobsCoreKey, ptr), nil
}

// WaitForWritable blocks until the local log is admitted or ctx expires.
func (ch *Channel) WaitForWritable(ctx context.Context) error {
	for {
		if ch.Writable() {
			return nil
		}
		updateCtx, cancel := context.WithTimeout(ctx, time.Second)
		//nolint:errcheck // a lapsed wait loops and re-checks
		ch.lz.Update(updateCtx, true)
		cancel()
		if ch.Writable() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for writability", ErrTimeout)
		default:
		}
	}
}

// Close tears the channel down: replication scopes detached, discovery
// topic left, state terminal. All steps are best effort.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		ch.state.Store(int32(StateClosing))
		if ch.repl != nil {
			ch.repl.Detach()
		}
		if ch.topic != nil {
			if err := ch.topic.Leave(); err != nil {
				logging.Debug().Err(err).Msg("topic leave failed")
			}
		}
		ch.state.Store(int32(StateClosed))
		metrics.ChannelsOpen.Dec()
		logging.Info().Str("channel", ch.bootstrapHex).Msg("channel closed")
	})
	return nil
}
