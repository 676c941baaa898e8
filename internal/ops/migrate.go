// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package ops

import "fmt"

// Transform is a one-step schema migration v -> v+1. Transforms are pure
// functions of the envelope: no clocks, no randomness, no view access.
type Transform func(e *Envelope) error

// migrationKey addresses the registry by op type and source version.
// An empty type registers a transform applied to every op type at that
// version unless a type-specific transform exists.
type migrationKey struct {
	opType string
	from   uint32
}

var registry = map[migrationKey]Transform{}

// Register installs a transform for {opType, from} -> from+1.
// opType "" registers the default transform for that version step.
func Register(opType string, from uint32, t Transform) {
	registry[migrationKey{opType, from}] = t
}

//nolint:gochecknoinits // migration registry is part of the package contract
func init() {
	// v0 -> v1: fill the missing schemaVersion header. Ops written before
	// versioning carry no schemaVersion field at all.
	Register("", 0, func(e *Envelope) error {
		e.Set("schemaVersion", uint32(1))
		return nil
	})

	// v1 -> v2 is reserved: assign logicalClock where absent. Registered
	// here so the pipeline is exercised the day CurrentSchemaVersion moves.
	Register("", 1, func(e *Envelope) error {
		if !e.Has("logicalClock") {
			e.Set("logicalClock", uint64(0))
		}
		return nil
	})
}

// Migrate lifts an op from its recorded schema version to target, applying
// one-step transforms in sequence. Missing transforms for an intermediate
// step fail the migration; the applier then skips the op.
func Migrate(e *Envelope, target uint32) error {
	for e.SchemaVersion < target {
		from := e.SchemaVersion

		t, ok := registry[migrationKey{e.Type, from}]
		if !ok {
			t, ok = registry[migrationKey{"", from}]
		}
		if !ok {
			return fmt.Errorf("no migration for %s v%d", e.Type, from)
		}
		if err := t(e); err != nil {
			return fmt.Errorf("migrate %s v%d: %w", e.Type, from, err)
		}
		if e.SchemaVersion <= from {
			// A transform must advance the version or the pipeline loops.
			e.Set("schemaVersion", from+1)
		}
	}
	return nil
}
