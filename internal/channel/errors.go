// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package channel

import "errors"

// Error taxonomy for mutator results. Apply-time failures are never
// surfaced through these; the applier skips bad ops so views converge.
var (
	// ErrInvalidArgument marks malformed caller input: bad hex keys,
	// over-length strings, unparseable pointers.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPermissionDenied marks ACL rejections on the mutator path.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRateLimited marks appends over the per-writer budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrStorageClosed marks use of a closed or failed channel; the
	// caller must reopen.
	ErrStorageClosed = errors.New("storage closed")

	// ErrNotWritable marks mutations on a read-only channel.
	ErrNotWritable = errors.New("channel not writable")

	// ErrTimeout marks a bounded wait that expired on a mutating path.
	// Read paths return partial data instead.
	ErrTimeout = errors.New("timed out")

	// ErrTransientNetwork wraps transport failures surfaced at the
	// module boundary.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrNotFound marks a missing record where one is required.
	ErrNotFound = errors.New("not found")
)
