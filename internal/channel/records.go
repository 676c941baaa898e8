// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package channel

import (
	"github.com/goccy/go-json"
)

// View key scheme. These keys form the sync contract with the public
// mirror and the snapshot differ; they must not change shape.
const (
	KeyChannelMeta = "channel-meta/meta"
	KeyCurrInvite  = "invites/current"

	PrefixVideos     = "videos/"
	PrefixWriters    = "writers/"
	PrefixInvites    = "invites/"
	PrefixComments   = "comments/"
	PrefixReactions  = "reactions/"
	PrefixWatch      = "watch-events/"
	PrefixVectors    = "vectors/"
	PrefixMigrations = "schema-migrations/"
)

// WriterRecord is the materialized membership record under writers/{keyHex}.
type WriterRecord struct {
	KeyHex       string `json:"keyHex"`
	Role         string `json:"role"`
	DeviceName   string `json:"deviceName,omitempty"`
	AddedAt      int64  `json:"addedAt"`
	BlobDriveKey string `json:"blobDriveKey,omitempty"`
}

// VideoRecord is the materialized video under videos/{id}. Records are
// stored as the raw op JSON, so unknown fields written by newer peers
// survive; this struct is the typed reading of the known fields.
type VideoRecord struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	MimeType     string `json:"mimeType,omitempty"`
	Size         int64  `json:"size"`
	UploadedAt   int64  `json:"uploadedAt"`
	UploadedBy   string `json:"uploadedBy"`
	BlobID       string `json:"blobId"`
	BlobsCoreKey string `json:"blobsCoreKey"`
	Duration     int64  `json:"duration,omitempty"`
	Thumbnail    string `json:"thumbnail,omitempty"`
	Category     string `json:"category,omitempty"`
	LogicalClock uint64 `json:"logicalClock,omitempty"`
}

// ChannelMeta is the single metadata record at channel-meta/meta.
type ChannelMeta struct {
	Name                string `json:"name"`
	Description         string `json:"description,omitempty"`
	Avatar              string `json:"avatar,omitempty"`
	PublicBeeKey        string `json:"publicBeeKey,omitempty"`
	CommentsAutobaseKey string `json:"commentsAutobaseKey,omitempty"`
	CreatedAt           int64  `json:"createdAt,omitempty"`
	CreatedBy           string `json:"createdBy,omitempty"`
	UpdatedAt           int64  `json:"updatedAt,omitempty"`
	UpdatedBy           string `json:"updatedBy,omitempty"`
	LogicalClock        uint64 `json:"logicalClock,omitempty"`
}

// InviteRecord is the materialized invite under invites/{idHex}.
type InviteRecord struct {
	IDHex        string `json:"idHex"`
	InviteZ32    string `json:"inviteZ32"`
	PublicKeyHex string `json:"publicKeyHex"`
	Expires      int64  `json:"expires"`
	CreatedAt    int64  `json:"createdAt"`
}

// decodeRecord reads a raw view value into a typed record.
func decodeRecord(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// rawFields decodes a view value or op payload into its loose field map.
func rawFields(raw []byte) (map[string]json.RawMessage, error) {
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fieldString(m map[string]json.RawMessage, field string) string {
	var s string
	if raw, ok := m[field]; ok {
		//nolint:errcheck // mistyped field reads as zero value
		json.Unmarshal(raw, &s)
	}
	return s
}

func fieldInt64(m map[string]json.RawMessage, field string) int64 {
	var n int64
	if raw, ok := m[field]; ok {
		//nolint:errcheck // mistyped field reads as zero value
		json.Unmarshal(raw, &n)
	}
	return n
}

func fieldUint64(m map[string]json.RawMessage, field string) uint64 {
	var n uint64
	if raw, ok := m[field]; ok {
		//nolint:errcheck // mistyped field reads as zero value
		json.Unmarshal(raw, &n)
	}
	return n
}
