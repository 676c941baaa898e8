// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package node

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/pearstream/pearstream/internal/channel"
	"github.com/pearstream/pearstream/internal/logging"
	"github.com/pearstream/pearstream/internal/ops"
	"github.com/pearstream/pearstream/internal/pairing"
)

// responderHost adapts a channel to the pairing responder surface.
type responderHost struct {
	ch *channel.Channel
}

func (h *responderHost) ActiveInviteID() (string, error) {
	inv, err := h.ch.CurrentInvite()
	if err != nil || inv == nil {
		return "", err
	}
	return inv.IDHex, nil
}

func (h *responderHost) Admit(ctx context.Context, keyHex string) error {
	err := h.ch.AddWriter(ctx, channel.AddWriterRequest{
		KeyHex: keyHex,
		Role:   ops.RoleDevice,
	})
	if err != nil {
		return err
	}
	// Invite consumption rides the same op sequence as the admission.
	inv, err := h.ch.CurrentInvite()
	if err != nil || inv == nil {
		return err
	}
	return h.ch.ConsumeInvite(ctx, inv.IDHex)
}

func (h *responderHost) BootstrapKey() string { return h.ch.Key() }

// CreateInvite mints (or returns) the channel's active invite and starts
// answering pairing requests for it.
func (n *Node) CreateInvite(ctx context.Context, ch *channel.Channel, expires int64) (string, error) {
	code, err := ch.CreateInvite(ctx, expires)
	if err != nil {
		return "", err
	}

	n.mu.Lock()
	oc, ok := n.channels[ch.Key()]
	hasResponder := ok && oc.responder != nil
	n.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: channel not open", channel.ErrNotFound)
	}
	if hasResponder {
		return code, nil
	}

	responder, err := pairing.StartResponder(n.swarm, &responderHost{ch: ch}, code)
	if err != nil {
		return "", err
	}
	n.mu.Lock()
	oc.responder = responder
	n.mu.Unlock()
	return code, nil
}

// PairWithInvite redeems an invite code: rendezvous with the owner, get
// admitted, open the channel by the granted bootstrap key, and wait until
// the local log turns writable.
func (n *Node) PairWithInvite(ctx context.Context, inviteZ32, deviceName string) (*channel.Channel, *pairing.JoinResult, error) {
	// The joiner's channel writer key must exist before the channel does:
	// its public half is the pairing user data. Generate now, persist
	// under the bootstrap key once granted.
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, nil, fmt.Errorf("generate writer key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	localKeyHex := hex.EncodeToString(priv.Public().(ed25519.PublicKey))

	joinCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeouts.InitialSyncPeer)
	defer cancel()

	result, err := pairing.Join(joinCtx, n.swarm, inviteZ32, localKeyHex)
	if err != nil {
		return nil, result, err
	}

	bootstrap := result.BootstrapHex
	err = n.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("localwriter:"+bootstrap), seed)
	})
	if err != nil {
		return nil, result, fmt.Errorf("persist writer key: %w", err)
	}

	ch, err := n.OpenChannel(ctx, bootstrap)
	if err != nil {
		return nil, result, err
	}

	readyCtx, cancelReady := context.WithTimeout(ctx, n.cfg.Timeouts.ChannelReady)
	defer cancelReady()
	if err := ch.WaitForWritable(readyCtx); err != nil {
		logging.Warn().Err(err).Msg("paired but admission not yet replicated")
		return ch, result, err
	}

	if err := n.meta.Subscribe(bootstrap); err != nil {
		logging.Debug().Err(err).Msg("subscription record failed")
	}
	logging.Info().Str("channel", bootstrap).Msg("paired with channel")
	return ch, result, nil
}
