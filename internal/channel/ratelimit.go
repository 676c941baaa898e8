// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package channel

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// writerLimiter enforces the per-writer append budget on the mutator path.
// Counters live in process only and are never consulted inside apply, so
// replaying the same op stream with limiting disabled yields an identical
// view.
type writerLimiter struct {
	opsPerMinute int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newWriterLimiter(opsPerMinute int) *writerLimiter {
	if opsPerMinute <= 0 {
		opsPerMinute = 100
	}
	return &writerLimiter{
		opsPerMinute: opsPerMinute,
		limiters:     map[string]*rate.Limiter{},
	}
}

// allow consumes one token from writerHex's bucket. The bucket refills the
// full budget over a rolling minute.
func (w *writerLimiter) allow(writerHex string) bool {
	w.mu.Lock()
	l, ok := w.limiters[writerHex]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(w.opsPerMinute)), w.opsPerMinute)
		w.limiters[writerHex] = l
	}
	w.mu.Unlock()
	return l.Allow()
}
