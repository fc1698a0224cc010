// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingress

import (
	"sync"
	"time"
)

// RateLimiter is a per-sender sliding window limiter.
//
// Description:
//
//	Limits the number of inbound messages per minute from each sender using
//	a sliding window of timestamps. When the limit is exceeded, returns the
//	duration until the next message would be accepted.
//
// Thread Safety: Safe for concurrent use via sync.Mutex.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string][]int64 // timestamps in Unix milliseconds
	now     func() time.Time
}

// NewRateLimiter creates a limiter that accepts perMinute messages per
// sender. perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		limit:   perMinute,
		window:  time.Minute,
		windows: make(map[string][]int64),
		now:     time.Now,
	}
}

// Allow checks whether a message from sender is within the limit and records
// it when it is.
//
// Outputs:
//   - bool: True if the message is allowed.
//   - time.Duration: If limited, how long until the oldest message leaves
//     the window. Zero if allowed.
func (r *RateLimiter) Allow(sender string) (bool, time.Duration) {
	if r.limit <= 0 {
		return true, 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UnixMilli()
	windowMs := r.window.Milliseconds()
	pruned := prune(r.windows[sender], now-windowMs)

	if len(pruned) >= r.limit {
		retryAfter := time.Duration(pruned[0]+windowMs-now) * time.Millisecond
		r.windows[sender] = pruned
		return false, retryAfter
	}

	r.windows[sender] = append(pruned, now)
	return true, 0
}

// Sweep drops senders with no messages inside the window and returns how
// many were removed.
func (r *RateLimiter) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().UnixMilli() - r.window.Milliseconds()
	removed := 0
	for sender, ts := range r.windows {
		if len(prune(ts, cutoff)) == 0 {
			delete(r.windows, sender)
			removed++
		}
	}
	return removed
}

func prune(timestamps []int64, cutoff int64) []int64 {
	out := timestamps[:0:0]
	for _, ts := range timestamps {
		if ts > cutoff {
			out = append(out, ts)
		}
	}
	return out
}
