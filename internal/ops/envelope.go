// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

// Package ops defines the operation envelope shared by every channel log,
// its per-type validation rules, and the schema migration registry.
//
// Operations travel as JSON records tagged by "type". The envelope keeps
// every field it does not understand so a record written by a newer peer
// round-trips unchanged through an older one.
package ops

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// CurrentSchemaVersion is the schema every locally appended op carries.
const CurrentSchemaVersion = 1

// MaxOpBytes caps a single serialized operation.
const MaxOpBytes = 100 * 1024

// Operation types. The set is open: unknown types are preserved and ignored.
const (
	TypeUpdateChannel  = "update-channel"
	TypeAddVideo       = "add-video"
	TypeUpdateVideo    = "update-video"
	TypeDeleteVideo    = "delete-video"
	TypeAddWriter      = "add-writer"
	TypeUpsertWriter   = "upsert-writer"
	TypeRemoveWriter   = "remove-writer"
	TypeAddInvite      = "add-invite"
	TypeDeleteInvite   = "delete-invite"
	TypeAddComment     = "add-comment"
	TypeHideComment    = "hide-comment"
	TypeRemoveComment  = "remove-comment"
	TypeAddReaction    = "add-reaction"
	TypeRemoveReaction = "remove-reaction"
	TypeAddVectorIndex = "add-vector-index"
	TypeLogWatchEvent  = "log-watch-event"
	TypeMigrateSchema  = "migrate-schema"
)

// ErrOversize is returned when a serialized op exceeds MaxOpBytes.
var ErrOversize = errors.New("ops: operation exceeds size limit")

// Envelope is a decoded operation. Known header fields are lifted out;
// every field, known or not, stays in Fields for lossless re-emit.
type Envelope struct {
	Type          string
	SchemaVersion uint32
	LogicalClock  uint64

	// Fields holds every raw field of the record, including the header
	// fields above. Mutations go through Set/Remove so the two stay
	// consistent.
	Fields map[string]json.RawMessage
}

// Decode parses a serialized op. Records without a "type" field fail;
// everything else decodes, including unknown types.
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) > MaxOpBytes {
		return nil, ErrOversize
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode op: %w", err)
	}

	e := &Envelope{Fields: fields}
	if err := json.Unmarshal(fields["type"], &e.Type); err != nil || e.Type == "" {
		return nil, fmt.Errorf("decode op: missing type")
	}
	if raw, ok := fields["schemaVersion"]; ok {
		//nolint:errcheck // malformed version decodes as zero, handled by migration
		json.Unmarshal(raw, &e.SchemaVersion)
	}
	if raw, ok := fields["logicalClock"]; ok {
		//nolint:errcheck // malformed clock decodes as zero, applier assigns nodeIndex
		json.Unmarshal(raw, &e.LogicalClock)
	}
	return e, nil
}

// New builds an envelope of the given type at the current schema version.
func New(opType string) *Envelope {
	e := &Envelope{
		Type:          opType,
		SchemaVersion: CurrentSchemaVersion,
		Fields:        map[string]json.RawMessage{},
	}
	e.Set("type", opType)
	e.Set("schemaVersion", CurrentSchemaVersion)
	return e
}

// Encode serializes the envelope, preserving unknown fields.
func (e *Envelope) Encode() ([]byte, error) {
	e.Set("type", e.Type)
	e.Set("schemaVersion", e.SchemaVersion)
	if e.LogicalClock != 0 {
		e.Set("logicalClock", e.LogicalClock)
	}
	data, err := json.Marshal(e.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode op: %w", err)
	}
	if len(data) > MaxOpBytes {
		return nil, ErrOversize
	}
	return data, nil
}

// Set stores a field value, replacing any previous value.
func (e *Envelope) Set(field string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	e.Fields[field] = data
	switch field {
	case "type":
		//nolint:errcheck // round-trips the value just marshaled
		json.Unmarshal(data, &e.Type)
	case "schemaVersion":
		//nolint:errcheck // round-trips the value just marshaled
		json.Unmarshal(data, &e.SchemaVersion)
	case "logicalClock":
		//nolint:errcheck // round-trips the value just marshaled
		json.Unmarshal(data, &e.LogicalClock)
	}
}

// Remove drops a field.
func (e *Envelope) Remove(field string) {
	delete(e.Fields, field)
}

// Has reports whether the record carries field.
func (e *Envelope) Has(field string) bool {
	_, ok := e.Fields[field]
	return ok
}

// String returns the string value of field, or "" when absent or mistyped.
func (e *Envelope) String(field string) string {
	var s string
	if raw, ok := e.Fields[field]; ok {
		//nolint:errcheck // mistyped field reads as zero value
		json.Unmarshal(raw, &s)
	}
	return s
}

// Uint64 returns the numeric value of field, or 0 when absent or mistyped.
func (e *Envelope) Uint64(field string) uint64 {
	var n uint64
	if raw, ok := e.Fields[field]; ok {
		//nolint:errcheck // mistyped field reads as zero value
		json.Unmarshal(raw, &n)
	}
	return n
}

// Int64 returns the signed numeric value of field, or 0 when absent.
func (e *Envelope) Int64(field string) int64 {
	var n int64
	if raw, ok := e.Fields[field]; ok {
		//nolint:errcheck // mistyped field reads as zero value
		json.Unmarshal(raw, &n)
	}
	return n
}

// Bool returns the boolean value of field, defaulting to false.
func (e *Envelope) Bool(field string) bool {
	var b bool
	if raw, ok := e.Fields[field]; ok {
		//nolint:errcheck // mistyped field reads as zero value
		json.Unmarshal(raw, &b)
	}
	return b
}

// Unmarshal decodes field into v.
func (e *Envelope) Unmarshal(field string, v interface{}) error {
	raw, ok := e.Fields[field]
	if !ok {
		return fmt.Errorf("field %q absent", field)
	}
	return json.Unmarshal(raw, v)
}

// Known reports whether the op type belongs to the current inventory.
func Known(opType string) bool {
	switch opType {
	case TypeUpdateChannel, TypeAddVideo, TypeUpdateVideo, TypeDeleteVideo,
		TypeAddWriter, TypeUpsertWriter, TypeRemoveWriter,
		TypeAddInvite, TypeDeleteInvite,
		TypeAddComment, TypeHideComment, TypeRemoveComment,
		TypeAddReaction, TypeRemoveReaction,
		TypeAddVectorIndex, TypeLogWatchEvent, TypeMigrateSchema:
		return true
	}
	return false
}

// WriterKeyField names the type-specific field carrying the originating
// writer key, or "" when the type has none.
func WriterKeyField(opType string) string {
	switch opType {
	case TypeUpdateChannel:
		return "updatedBy"
	case TypeAddVideo, TypeUpdateVideo:
		return "uploadedBy"
	case TypeAddComment, TypeAddReaction, TypeRemoveReaction, TypeLogWatchEvent:
		return "authorKeyHex"
	case TypeHideComment, TypeRemoveComment:
		return "moderatorKeyHex"
	}
	return ""
}
