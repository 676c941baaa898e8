// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package pairing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/pearstream/pearstream/internal/logging"
	"github.com/pearstream/pearstream/internal/metrics"
	"github.com/pearstream/pearstream/internal/swarm"
	"github.com/pearstream/pearstream/internal/validation"
)

// Scope prefix for pairing frames on a peer connection; the invite id
// keeps concurrent pairings apart.
const scopePrefix = "pairing:"

// message types on a pairing scope
const (
	msgRequest  = "request"
	msgGrant    = "grant"
	msgRejected = "rejected"
)

// JoinState is the outcome of an invite acceptance attempt.
type JoinState string

const (
	StatePaired    JoinState = "paired"
	StateOffline   JoinState = "offline"
	StateCancelled JoinState = "cancelled"
	StateFailed    JoinState = "failed"
)

var (
	// ErrOwnerOffline is returned when no owner answered before the peer
	// timeout.
	ErrOwnerOffline = errors.New("pairing: owner offline")

	// ErrRejected is returned when the owner refused the request.
	ErrRejected = errors.New("pairing: request rejected")
)

type requestMsg struct {
	IDHex    string `json:"idHex"`
	UserData string `json:"userData"` // joiner's local log key, hex
	SigHex   string `json:"sig"`
}

type grantMsg struct {
	BootstrapKeyHex  string `json:"bootstrapKey"`
	EncryptionKeyHex string `json:"encryptionKey,omitempty"`
}

type rejectedMsg struct {
	Reason string `json:"reason"`
}

// GeneratedInvite is a freshly minted invite: the code, its id, and the
// derived public key recorded with the invite op.
type GeneratedInvite struct {
	IDHex        string
	Z32          string
	PublicKeyHex string
}

// GenerateInvite mints a cryptographically random invite id and its
// derived keypair.
func GenerateInvite() (*GeneratedInvite, error) {
	id := make([]byte, inviteIDLen)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("generate invite id: %w", err)
	}
	pub, _ := DeriveKeyPair(id)
	inv := &Invite{ID: id, PublicKey: pub}
	return &GeneratedInvite{
		IDHex:        inv.IDHex(),
		Z32:          EncodeInvite(inv),
		PublicKeyHex: hex.EncodeToString(pub),
	}, nil
}

// ResponderHost is the owner-side channel surface the responder drives.
// The node implements it over a channel so this package stays below the
// engine in the dependency order.
type ResponderHost interface {
	// ActiveInviteID returns the current invite's id hex, or "".
	ActiveInviteID() (string, error)

	// Admit adds the joiner's log key as a device writer and consumes
	// the invite. Returns once the membership op has applied.
	Admit(ctx context.Context, keyHex string) error

	// BootstrapKey is the channel key granted to the joiner.
	BootstrapKey() string
}

// Responder accepts pairing requests for one channel's active invite.
type Responder struct {
	sw    *swarm.Swarm
	host  ResponderHost
	topic *swarm.Topic
	scope string

	mu     sync.Mutex
	closed bool
}

// StartResponder joins the invite's rendezvous topic and answers pairing
// requests on every existing and future connection.
func StartResponder(sw *swarm.Swarm, host ResponderHost, inviteZ32 string) (*Responder, error) {
	inv, err := DecodeInvite(inviteZ32)
	if err != nil {
		return nil, err
	}

	topic, err := sw.Join(inv.Topic())
	if err != nil {
		return nil, fmt.Errorf("join pairing topic: %w", err)
	}

	r := &Responder{
		sw:    sw,
		host:  host,
		topic: topic,
		scope: scopePrefix + inv.IDHex(),
	}

	sw.OnConnection(func(conn *swarm.Conn) {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}
		conn.Handle(r.scope, func(msgType string, data json.RawMessage) {
			if msgType == msgRequest {
				r.handleRequest(conn, data)
			}
		})
	})

	return r, nil
}

// handleRequest verifies and admits one pairing candidate.
func (r *Responder) handleRequest(conn *swarm.Conn, data json.RawMessage) {
	reject := func(reason string) {
		//nolint:errcheck // joiner gone; nothing to recover
		conn.Send(r.scope, msgRejected, &rejectedMsg{Reason: reason})
		metrics.PairingsCompleted.WithLabelValues("failed").Inc()
	}

	var req requestMsg
	if err := json.Unmarshal(data, &req); err != nil {
		reject("malformed request")
		return
	}

	activeID, err := r.host.ActiveInviteID()
	if err != nil || activeID == "" || req.IDHex != activeID {
		reject("invite not active")
		return
	}

	// The candidate's user data must be a valid writer key, and the
	// signature must verify under the keypair derived from the invite id.
	if !validation.IsHex32(req.UserData) {
		reject("invalid user data")
		return
	}
	id, err := hex.DecodeString(req.IDHex)
	if err != nil {
		reject("invalid invite id")
		return
	}
	pub, _ := DeriveKeyPair(id)
	sig, err := hex.DecodeString(req.SigHex)
	if err != nil || !ed25519.Verify(pub, []byte(req.UserData), sig) {
		reject("bad signature")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.host.Admit(ctx, req.UserData); err != nil {
		logging.Warn().Err(err).Str("candidate", req.UserData).Msg("pairing admit failed")
		reject("admission failed")
		return
	}

	//nolint:errcheck // joiner re-requests if the grant is lost
	conn.Send(r.scope, msgGrant, &grantMsg{BootstrapKeyHex: r.host.BootstrapKey()})
	metrics.PairingsCompleted.WithLabelValues("paired").Inc()
	logging.Info().Str("candidate", req.UserData).Msg("pairing candidate admitted")
}

// Close leaves the rendezvous topic and stops answering.
func (r *Responder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.topic.Leave()
}

// JoinResult is the joiner-side outcome.
type JoinResult struct {
	State        JoinState
	BootstrapHex string
}

// Join redeems an invite: rendezvous on the invite topic, publish a signed
// candidacy carrying localKeyHex as user data, and wait for the owner's
// grant. An invalid code fails immediately; an absent owner returns state
// offline after ctx expires.
func Join(ctx context.Context, sw *swarm.Swarm, inviteZ32, localKeyHex string) (*JoinResult, error) {
	inv, err := DecodeInvite(inviteZ32)
	if err != nil {
		metrics.PairingsCompleted.WithLabelValues("invalid").Inc()
		return &JoinResult{State: StateFailed}, err
	}
	if !validation.IsHex32(localKeyHex) {
		return &JoinResult{State: StateFailed}, fmt.Errorf("%w: local key", ErrInvalidInvite)
	}

	topic, err := sw.Join(inv.Topic())
	if err != nil {
		return &JoinResult{State: StateFailed}, err
	}
	defer func() {
		//nolint:errcheck // best-effort teardown
		topic.Leave()
	}()

	flushCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	//nolint:errcheck // best-effort discovery flush
	topic.Flush(flushCtx)
	cancel()

	_, priv := DeriveKeyPair(inv.ID)
	req := &requestMsg{
		IDHex:    inv.IDHex(),
		UserData: localKeyHex,
		SigHex:   hex.EncodeToString(ed25519.Sign(priv, []byte(localKeyHex))),
	}
	scope := scopePrefix + inv.IDHex()

	grants := make(chan grantMsg, 1)
	rejections := make(chan rejectedMsg, 1)
	var done sync.Once
	finished := make(chan struct{})

	sw.OnConnection(func(conn *swarm.Conn) {
		select {
		case <-finished:
			return
		default:
		}
		conn.Handle(scope, func(msgType string, data json.RawMessage) {
			switch msgType {
			case msgGrant:
				var g grantMsg
				if json.Unmarshal(data, &g) == nil {
					select {
					case grants <- g:
					default:
					}
				}
			case msgRejected:
				var rej rejectedMsg
				if json.Unmarshal(data, &rej) == nil {
					select {
					case rejections <- rej:
					default:
					}
				}
			}
		})
		//nolint:errcheck // unanswered requests retry on the next connection
		conn.Send(scope, msgRequest, req)
	})
	defer done.Do(func() { close(finished) })

	// Re-send periodically: the owner may connect (or attach the scope)
	// after our first request.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case g := <-grants:
			metrics.PairingsCompleted.WithLabelValues("paired").Inc()
			return &JoinResult{State: StatePaired, BootstrapHex: g.BootstrapKeyHex}, nil
		case rej := <-rejections:
			metrics.PairingsCompleted.WithLabelValues("failed").Inc()
			return &JoinResult{State: StateFailed}, fmt.Errorf("%w: %s", ErrRejected, rej.Reason)
		case <-ticker.C:
			for _, conn := range sw.Connections() {
				//nolint:errcheck // unanswered requests retry next tick
				conn.Send(scope, msgRequest, req)
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return &JoinResult{State: StateCancelled}, ctx.Err()
			}
			metrics.PairingsCompleted.WithLabelValues("offline").Inc()
			return &JoinResult{State: StateOffline}, ErrOwnerOffline
		}
	}
}
