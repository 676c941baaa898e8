// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

// Package pairing implements invite-based device onboarding: single-use
// invite codes minted by a channel owner, and the request/grant exchange
// that admits a joining device's log as a writer.
//
// An invite code is a z-base-32 string over an opaque payload of
// {id[16], publicKey[32]}. The pairing keypair is derived from the id, so
// holding a valid code proves the right to request admission; the derived
// public key doubles as the rendezvous topic, keeping the channel's
// bootstrap key out of the invite entirely.
package pairing

import (
	"crypto/ed25519"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// z-base-32 alphabet (Crockford-style, permutation chosen for human
// transcription).
const z32Alphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

var z32 = base32.NewEncoding(z32Alphabet).WithPadding(base32.NoPadding)

// invite payload layout
const (
	inviteIDLen  = 16
	invitePubLen = ed25519.PublicKeySize
	invitePayLen = inviteIDLen + invitePubLen
)

// ErrInvalidInvite marks a code that does not decode to a pairing payload.
var ErrInvalidInvite = errors.New("pairing: invalid invite code")

// EncodeZ32 encodes raw bytes as z-base-32.
func EncodeZ32(raw []byte) string {
	return z32.EncodeToString(raw)
}

// DecodeZ32 decodes a z-base-32 string.
func DecodeZ32(s string) ([]byte, error) {
	raw, err := z32.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInvite, err)
	}
	return raw, nil
}

// Invite is a decoded invite payload.
type Invite struct {
	ID        []byte
	PublicKey ed25519.PublicKey
}

// IDHex returns the invite id in hex.
func (i *Invite) IDHex() string { return hex.EncodeToString(i.ID) }

// DeriveKeyPair derives the transient pairing keypair from an invite id.
// Both sides compute the same pair, so a signature under it proves
// possession of the code.
func DeriveKeyPair(id []byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	seed := blake2b.Sum256(append([]byte("pearstream/pairing/"), id...))
	priv := ed25519.NewKeyFromSeed(seed[:])
	return priv.Public().(ed25519.PublicKey), priv
}

// EncodeInvite packs an invite payload into its z32 code.
func EncodeInvite(inv *Invite) string {
	raw := make([]byte, 0, invitePayLen)
	raw = append(raw, inv.ID...)
	raw = append(raw, inv.PublicKey...)
	return EncodeZ32(raw)
}

// DecodeInvite unpacks a z32 code. Invalid encoding fails immediately.
func DecodeInvite(code string) (*Invite, error) {
	raw, err := DecodeZ32(code)
	if err != nil {
		return nil, err
	}
	if len(raw) != invitePayLen {
		return nil, fmt.Errorf("%w: payload length %d", ErrInvalidInvite, len(raw))
	}
	inv := &Invite{
		ID:        append([]byte{}, raw[:inviteIDLen]...),
		PublicKey: ed25519.PublicKey(raw[inviteIDLen:]),
	}
	return inv, nil
}

// Topic derives the 32-byte rendezvous topic from the invite public key.
func (i *Invite) Topic() [32]byte {
	return blake2b.Sum256(append([]byte("pearstream/pairing-topic/"), i.PublicKey...))
}
