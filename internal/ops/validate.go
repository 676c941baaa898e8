// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package ops

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/pearstream/pearstream/internal/validation"
)

// VectorBytes is the exact decoded length of an embedding vector
// (384 float32 values).
const VectorBytes = 384 * 4

// Field length caps shared by mutator-side and apply-side validation.
const (
	MaxNameLen        = 200
	MaxTitleLen       = 300
	MaxDescriptionLen = 5000
	MaxCommentLen     = 5000
	MaxDeviceNameLen  = 100
	MaxCategoryLen    = 100
	MaxMimeTypeLen    = 255
)

// ErrInvalid wraps every validation failure so callers can errors.Is it.
var ErrInvalid = errors.New("ops: invalid operation")

// Roles in descending priority order.
const (
	RoleOwner     = "owner"
	RoleModerator = "moderator"
	RoleDevice    = "device"
)

// RolePriority maps a role to its conflict-resolution precedence.
// Unknown roles rank below device.
func RolePriority(role string) int {
	switch role {
	case RoleOwner:
		return 3
	case RoleModerator:
		return 2
	case RoleDevice:
		return 1
	}
	return 0
}

// Validate checks the type-specific schema of a decoded op. Unknown types
// validate trivially (forward compatibility); the applier ignores them.
// Callers on the mutator path treat a validation error as InvalidArgument;
// the applier skips the op silently.
func Validate(e *Envelope) error {
	switch e.Type {
	case TypeUpdateChannel:
		return validateUpdateChannel(e)
	case TypeAddVideo, TypeUpdateVideo:
		return validateVideo(e, e.Type == TypeAddVideo)
	case TypeDeleteVideo:
		return requireFields(e, "id")
	case TypeAddWriter, TypeUpsertWriter:
		return validateWriter(e)
	case TypeRemoveWriter:
		return requireHex32(e, "keyHex")
	case TypeAddInvite:
		return validateInvite(e)
	case TypeDeleteInvite:
		return requireFields(e, "idHex")
	case TypeAddComment:
		return validateComment(e)
	case TypeHideComment, TypeRemoveComment:
		if err := requireFields(e, "videoId", "commentId"); err != nil {
			return err
		}
		return requireHex32(e, "moderatorKeyHex")
	case TypeAddReaction:
		if err := requireFields(e, "videoId", "reaction"); err != nil {
			return err
		}
		return requireHex32(e, "authorKeyHex")
	case TypeRemoveReaction:
		if err := requireFields(e, "videoId"); err != nil {
			return err
		}
		return requireHex32(e, "authorKeyHex")
	case TypeAddVectorIndex:
		return validateVector(e)
	case TypeLogWatchEvent:
		return requireFields(e, "videoId", "eventId")
	case TypeMigrateSchema:
		return requireFields(e, "fromVersion", "toVersion")
	}
	// Unknown type: nothing to check here, the applier skips it.
	return nil
}

func requireFields(e *Envelope, fields ...string) error {
	for _, f := range fields {
		if !e.Has(f) {
			return fmt.Errorf("%w: %s requires %s", ErrInvalid, e.Type, f)
		}
	}
	return nil
}

func requireHex32(e *Envelope, field string) error {
	if !validation.IsHex32(e.String(field)) {
		return fmt.Errorf("%w: %s must be a 64-char hex key", ErrInvalid, field)
	}
	return nil
}

func checkLen(e *Envelope, field string, max int) error {
	if len(e.String(field)) > max {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalid, field, max)
	}
	return nil
}

func validateUpdateChannel(e *Envelope) error {
	if err := checkLen(e, "name", MaxNameLen); err != nil {
		return err
	}
	if err := checkLen(e, "description", MaxDescriptionLen); err != nil {
		return err
	}
	for _, f := range []string{"publicBeeKey", "commentsAutobaseKey"} {
		if e.Has(f) && e.String(f) != "" && !validation.IsHex32(e.String(f)) {
			return fmt.Errorf("%w: %s must be a 64-char hex key", ErrInvalid, f)
		}
	}
	if e.Has("updatedBy") {
		return requireHex32(e, "updatedBy")
	}
	return nil
}

func validateVideo(e *Envelope, isAdd bool) error {
	if err := requireFields(e, "id"); err != nil {
		return err
	}
	if isAdd {
		if err := requireFields(e, "title", "blobId", "blobsCoreKey", "size"); err != nil {
			return err
		}
	}
	if err := checkLen(e, "title", MaxTitleLen); err != nil {
		return err
	}
	if err := checkLen(e, "description", MaxDescriptionLen); err != nil {
		return err
	}
	if err := checkLen(e, "category", MaxCategoryLen); err != nil {
		return err
	}
	if err := checkLen(e, "mimeType", MaxMimeTypeLen); err != nil {
		return err
	}
	if e.Has("blobsCoreKey") {
		if err := requireHex32(e, "blobsCoreKey"); err != nil {
			return err
		}
	}
	if e.Has("blobId") && !validation.IsBlobPointer(e.String("blobId")) {
		return fmt.Errorf("%w: blobId must parse as four non-negative integers", ErrInvalid)
	}
	if e.Has("size") && e.Int64("size") < 0 {
		return fmt.Errorf("%w: size must be non-negative", ErrInvalid)
	}
	return nil
}

func validateWriter(e *Envelope) error {
	if err := requireHex32(e, "keyHex"); err != nil {
		return err
	}
	switch e.String("role") {
	case RoleOwner, RoleModerator, RoleDevice:
	default:
		return fmt.Errorf("%w: role must be owner, moderator, or device", ErrInvalid)
	}
	return checkLen(e, "deviceName", MaxDeviceNameLen)
}

func validateInvite(e *Envelope) error {
	if err := requireFields(e, "idHex", "inviteZ32"); err != nil {
		return err
	}
	return requireHex32(e, "publicKeyHex")
}

func validateComment(e *Envelope) error {
	if err := requireFields(e, "videoId", "commentId", "text"); err != nil {
		return err
	}
	text := e.String("text")
	if len(text) == 0 {
		return fmt.Errorf("%w: comment text must be non-empty", ErrInvalid)
	}
	if len(text) > MaxCommentLen {
		return fmt.Errorf("%w: comment text exceeds %d bytes", ErrInvalid, MaxCommentLen)
	}
	return requireHex32(e, "authorKeyHex")
}

func validateVector(e *Envelope) error {
	if err := requireFields(e, "videoId", "vector"); err != nil {
		return err
	}
	decoded, err := base64.StdEncoding.DecodeString(e.String("vector"))
	if err != nil {
		return fmt.Errorf("%w: vector must be valid base64", ErrInvalid)
	}
	if len(decoded) != VectorBytes {
		return fmt.Errorf("%w: vector must decode to %d bytes, got %d", ErrInvalid, VectorBytes, len(decoded))
	}
	return nil
}
