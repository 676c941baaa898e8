// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package ops

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncode_PreservesUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"update-video","schemaVersion":1,"id":"v1","futureField":{"nested":true},"title":"x"}`)

	e, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeUpdateVideo, e.Type)
	assert.Equal(t, uint32(1), e.SchemaVersion)
	assert.True(t, e.Has("futureField"))

	out, err := e.Encode()
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &m))
	assert.JSONEq(t, `{"nested":true}`, string(m["futureField"]))
}

func TestDecode_MissingType(t *testing.T) {
	_, err := Decode([]byte(`{"schemaVersion":1}`))
	assert.Error(t, err)
}

func TestDecode_Oversize(t *testing.T) {
	big := `{"type":"add-video","pad":"` + strings.Repeat("a", MaxOpBytes) + `"}`
	_, err := Decode([]byte(big))
	assert.ErrorIs(t, err, ErrOversize)
}

func TestEnvelope_SetUpdatesHeader(t *testing.T) {
	e := New(TypeAddVideo)
	e.Set("logicalClock", uint64(42))
	assert.Equal(t, uint64(42), e.LogicalClock)
	assert.Equal(t, uint64(42), e.Uint64("logicalClock"))
}

func TestWriterKeyField(t *testing.T) {
	assert.Equal(t, "updatedBy", WriterKeyField(TypeUpdateChannel))
	assert.Equal(t, "uploadedBy", WriterKeyField(TypeAddVideo))
	assert.Equal(t, "authorKeyHex", WriterKeyField(TypeAddComment))
	assert.Equal(t, "moderatorKeyHex", WriterKeyField(TypeHideComment))
	assert.Equal(t, "", WriterKeyField(TypeDeleteVideo))
}

func TestMigrate_V0FillsSchemaVersion(t *testing.T) {
	e, err := Decode([]byte(`{"type":"add-video","id":"v1"}`))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), e.SchemaVersion)

	require.NoError(t, Migrate(e, CurrentSchemaVersion))
	assert.Equal(t, uint32(CurrentSchemaVersion), e.SchemaVersion)
}

func TestMigrate_IsPure(t *testing.T) {
	raw := []byte(`{"type":"add-video","id":"v1","extra":"kept"}`)
	a, err := Decode(raw)
	require.NoError(t, err)
	b, err := Decode(raw)
	require.NoError(t, err)

	require.NoError(t, Migrate(a, CurrentSchemaVersion))
	require.NoError(t, Migrate(b, CurrentSchemaVersion))

	ea, err := a.Encode()
	require.NoError(t, err)
	eb, err := b.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, string(ea), string(eb))
}

func TestRolePriority_Ordering(t *testing.T) {
	assert.Greater(t, RolePriority(RoleOwner), RolePriority(RoleModerator))
	assert.Greater(t, RolePriority(RoleModerator), RolePriority(RoleDevice))
	assert.Greater(t, RolePriority(RoleDevice), RolePriority("stranger"))
}

func validVideoOp() *Envelope {
	e := New(TypeAddVideo)
	e.Set("id", "v1")
	e.Set("title", "Hello")
	e.Set("size", int64(1048576))
	e.Set("blobId", "0:16:0:1048576")
	e.Set("blobsCoreKey", strings.Repeat("ab", 32))
	return e
}

func TestValidate_Video(t *testing.T) {
	assert.NoError(t, Validate(validVideoOp()))

	short := validVideoOp()
	short.Set("blobsCoreKey", strings.Repeat("ab", 31)+"a") // 63 chars
	assert.Error(t, Validate(short))

	long := validVideoOp()
	long.Set("blobsCoreKey", strings.Repeat("ab", 32)+"a") // 65 chars
	assert.Error(t, Validate(long))

	badPtr := validVideoOp()
	badPtr.Set("blobId", "0:16:0:-5")
	assert.Error(t, Validate(badPtr))
}

func TestValidate_CommentBoundaries(t *testing.T) {
	comment := func(n int) *Envelope {
		e := New(TypeAddComment)
		e.Set("videoId", "v1")
		e.Set("commentId", "c1")
		e.Set("text", strings.Repeat("x", n))
		e.Set("authorKeyHex", strings.Repeat("cd", 32))
		return e
	}

	assert.NoError(t, Validate(comment(MaxCommentLen)))
	assert.Error(t, Validate(comment(MaxCommentLen+1)))
	assert.Error(t, Validate(comment(0)))
}

func TestValidate_Vector(t *testing.T) {
	vector := func(decoded int) *Envelope {
		e := New(TypeAddVectorIndex)
		e.Set("videoId", "v1")
		e.Set("vector", base64.StdEncoding.EncodeToString(make([]byte, decoded)))
		return e
	}

	assert.NoError(t, Validate(vector(VectorBytes)))
	assert.Error(t, Validate(vector(VectorBytes-4)))
	assert.Error(t, Validate(vector(VectorBytes+4)))

	e := New(TypeAddVectorIndex)
	e.Set("videoId", "v1")
	e.Set("vector", "!!!not-base64!!!")
	assert.Error(t, Validate(e))
}

func TestValidate_UnknownTypePasses(t *testing.T) {
	e, err := Decode([]byte(`{"type":"future-op","anything":1}`))
	require.NoError(t, err)
	assert.NoError(t, Validate(e))
	assert.False(t, Known(e.Type))
}

func TestValidate_Writer(t *testing.T) {
	w := New(TypeAddWriter)
	w.Set("keyHex", strings.Repeat("ef", 32))
	w.Set("role", "device")
	assert.NoError(t, Validate(w))

	w.Set("role", "admin")
	assert.Error(t, Validate(w))

	w.Set("role", "owner")
	w.Set("keyHex", "zz")
	assert.Error(t, Validate(w))
}
