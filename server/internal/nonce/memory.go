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

package nonce

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Backend. It is only suitable when a single
// instance serves all the requests of a transaction.
type Memory struct {
	mu      sync.Mutex
	records map[string]*memRecord
}

type memRecord struct {
	data     []byte
	expires  time.Time
	consumed bool
}

// NewMemory returns a new Memory backend.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*memRecord),
	}
}

func (m *Memory) Put(_ context.Context, kind, key string, data []byte, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[kind+":"+key] = &memRecord{
		data:    data,
		expires: expires,
	}
	return nil
}

func (m *Memory) Take(_ context.Context, kind, key string, now time.Time) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[kind+":"+key]
	switch {
	case !ok:
		return nil, ErrNotFound
	case r.consumed:
		return r.data, ErrAlreadyConsumed
	case !now.Before(r.expires):
		return r.data, ErrExpired
	}
	r.consumed = true
	return r.data, nil
}

func (m *Memory) Peek(_ context.Context, kind, key string, now time.Time) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[kind+":"+key]
	switch {
	case !ok:
		return nil, ErrNotFound
	case r.consumed:
		return r.data, ErrAlreadyConsumed
	case !now.Before(r.expires):
		return r.data, ErrExpired
	}
	return r.data, nil
}

func (m *Memory) Sweep(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for k, r := range m.records {
		if r.expires.Before(before) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}
