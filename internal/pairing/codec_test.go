// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package pairing

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInviteRoundTrip(t *testing.T) {
	gen, err := GenerateInvite()
	require.NoError(t, err)
	assert.Len(t, gen.IDHex, 32)
	assert.Len(t, gen.PublicKeyHex, 64)

	inv, err := DecodeInvite(gen.Z32)
	require.NoError(t, err)
	assert.Equal(t, gen.IDHex, inv.IDHex())
	assert.Equal(t, EncodeInvite(inv), gen.Z32)
}

func TestDecodeInvite_Invalid(t *testing.T) {
	for _, bad := range []string{"", "0OIl", "ybndr", "!!!"} {
		_, err := DecodeInvite(bad)
		assert.ErrorIs(t, err, ErrInvalidInvite, bad)
	}
}

func TestDeriveKeyPair_Deterministic(t *testing.T) {
	id := []byte("0123456789abcdef")
	pub1, priv1 := DeriveKeyPair(id)
	pub2, _ := DeriveKeyPair(id)
	assert.Equal(t, pub1, pub2)

	sig := ed25519.Sign(priv1, []byte("user-data"))
	assert.True(t, ed25519.Verify(pub2, []byte("user-data"), sig))

	otherPub, _ := DeriveKeyPair([]byte("fedcba9876543210"))
	assert.NotEqual(t, pub1, otherPub)
}

func TestInviteTopic_BoundToPublicKey(t *testing.T) {
	gen1, err := GenerateInvite()
	require.NoError(t, err)
	gen2, err := GenerateInvite()
	require.NoError(t, err)

	inv1, err := DecodeInvite(gen1.Z32)
	require.NoError(t, err)
	inv2, err := DecodeInvite(gen2.Z32)
	require.NoError(t, err)

	assert.Equal(t, inv1.Topic(), inv1.Topic())
	assert.NotEqual(t, inv1.Topic(), inv2.Topic())
}

func TestZ32Alphabet(t *testing.T) {
	// The code must survive transcription: no padding, lowercase z-base-32.
	gen, err := GenerateInvite()
	require.NoError(t, err)
	for _, c := range gen.Z32 {
		assert.Contains(t, z32Alphabet, string(c))
	}
}
