// MIT License
//
// Copyright (c) 2024 TTBT Enterprises LLC
// Copyright (c) 2024 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package throttle limits the number of failed attempts per key, e.g.
// password failures per username.
package throttle

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const maxKeys = 100000

// Throttle locks a key out after limit failures within window.
type Throttle struct {
	limit  int64
	window time.Duration

	// mu serializes get-or-create so that concurrent first failures share
	// one counter.
	mu       sync.Mutex
	counters *expirable.LRU[string, *Counter]
}

// New returns a new Throttle.
func New(limit int, window time.Duration) *Throttle {
	return &Throttle{
		limit:    int64(limit),
		window:   window,
		counters: expirable.NewLRU[string, *Counter](maxKeys, nil, window),
	}
}

// Allowed returns false when key is locked out.
func (t *Throttle) Allowed(key string) bool {
	c, ok := t.counters.Peek(key)
	if !ok {
		return true
	}
	return c.Delta(t.window) < t.limit
}

// Failure records a failed attempt. It returns true when key is now locked
// out.
func (t *Throttle) Failure(key string) bool {
	t.mu.Lock()
	c, ok := t.counters.Get(key)
	if !ok {
		c = NewCounter(t.window, max(t.window/60, time.Second))
	}
	c.Incr(1)
	// Re-adding extends the entry's lifetime to a full window after the
	// latest failure.
	t.counters.Add(key, c)
	t.mu.Unlock()
	return c.Delta(t.window) >= t.limit
}

// Reset forgets the failures of key, e.g. after a successful attempt.
func (t *Throttle) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters.Remove(key)
}
