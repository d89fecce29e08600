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
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/c2FmZQ/hostedauth/server/internal/sqldb"
)

func backends(t *testing.T) map[string]Backend {
	db, err := sqldb.Open(filepath.Join(t.TempDir(), "nonce.db"))
	if err != nil {
		t.Fatalf("sqldb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return map[string]Backend{
		"memory": NewMemory(),
		"sql":    NewSQL(db),
	}
}

func setTime(t *testing.T, now time.Time) *time.Time {
	cur := now
	timeNow = func() time.Time { return cur }
	t.Cleanup(func() { timeNow = time.Now })
	return &cur
}

func TestIssueAndConsume(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := NewManager(be, 10*time.Minute, nil)
			n, err := m.Issue(ctx, AuthRequest{
				AppID:       "app1",
				RedirectURI: "https://a.com/cb",
				CallerState: "xyz",
			})
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			if len(n) < 22 {
				t.Fatalf("nonce %q is too short", n)
			}

			got, err := m.Lookup(ctx, n)
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if got.AppID != "app1" || got.CallerState != "xyz" {
				t.Errorf("Lookup = %+v", got)
			}

			got, err = m.Consume(ctx, n)
			if err != nil {
				t.Fatalf("Consume: %v", err)
			}
			if got.RedirectURI != "https://a.com/cb" {
				t.Errorf("RedirectURI = %q", got.RedirectURI)
			}
			if got.ExpiresAt.Sub(got.CreatedAt) != 10*time.Minute {
				t.Errorf("lifetime = %v", got.ExpiresAt.Sub(got.CreatedAt))
			}

			got, err = m.Consume(ctx, n)
			if !errors.Is(err, ErrAlreadyConsumed) {
				t.Fatalf("second Consume = %v, want ErrAlreadyConsumed", err)
			}
			if got == nil || got.AppID != "app1" {
				t.Errorf("second Consume should still return the request, got %+v", got)
			}
			if _, err := m.Lookup(ctx, n); !errors.Is(err, ErrAlreadyConsumed) {
				t.Errorf("Lookup after Consume = %v, want ErrAlreadyConsumed", err)
			}
		})
	}
}

func TestConsumeUnknown(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := NewManager(be, 0, nil)
			for _, n := range []string{"", "garbage", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"} {
				if _, err := m.Consume(ctx, n); !errors.Is(err, ErrNotFound) {
					t.Errorf("Consume(%q) = %v, want ErrNotFound", n, err)
				}
			}
		})
	}
}

func TestExpiry(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			now := setTime(t, t0)

			m := NewManager(be, 10*time.Minute, nil)
			n, err := m.Issue(ctx, AuthRequest{AppID: "app1"})
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			*now = t0.Add(11 * time.Minute)
			got, err := m.Consume(ctx, n)
			if !errors.Is(err, ErrExpired) {
				t.Fatalf("Consume at t0+11m = %v, want ErrExpired", err)
			}
			if got == nil || got.AppID != "app1" {
				t.Errorf("Consume should return the expired request, got %+v", got)
			}

			// Still expired, never redeemable.
			if _, err := m.Consume(ctx, n); !errors.Is(err, ErrExpired) {
				t.Errorf("Consume again = %v, want ErrExpired", err)
			}

			if _, err := be.Sweep(ctx, now.Add(-retention)); err != nil {
				t.Fatalf("Sweep: %v", err)
			}
			if _, err := m.Consume(ctx, n); !errors.Is(err, ErrExpired) {
				t.Errorf("Consume within retention = %v, want ErrExpired", err)
			}
			*now = t0.Add(time.Hour)
			if _, err := be.Sweep(ctx, now.Add(-retention)); err != nil {
				t.Fatalf("Sweep: %v", err)
			}
			if _, err := m.Consume(ctx, n); !errors.Is(err, ErrNotFound) {
				t.Errorf("Consume after sweep = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestConcurrentConsume(t *testing.T) {
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := NewManager(be, 0, nil)
			for range 20 {
				n, err := m.Issue(ctx, AuthRequest{AppID: "app1"})
				if err != nil {
					t.Fatalf("Issue: %v", err)
				}
				const workers = 8
				var (
					wg        sync.WaitGroup
					mu        sync.Mutex
					succeeded int
					consumed  int
				)
				for range workers {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := m.Consume(ctx, n)
						mu.Lock()
						defer mu.Unlock()
						switch {
						case err == nil:
							succeeded++
						case errors.Is(err, ErrAlreadyConsumed):
							consumed++
						default:
							t.Errorf("Consume: %v", err)
						}
					}()
				}
				wg.Wait()
				if succeeded != 1 || consumed != workers-1 {
					t.Fatalf("succeeded = %d, already consumed = %d", succeeded, consumed)
				}
			}
		})
	}
}

func TestTables(t *testing.T) {
	type code struct {
		SessionID string `json:"sid"`
	}
	for name, be := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			codes := NewTable[code](be, "code", 5*time.Minute)
			other := NewTable[code](be, "other", 5*time.Minute)

			n, err := codes.Issue(ctx, &code{SessionID: "s1"})
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			if _, err := other.Consume(ctx, n); !errors.Is(err, ErrNotFound) {
				t.Errorf("Consume from another table = %v, want ErrNotFound", err)
			}
			got, err := codes.Consume(ctx, n)
			if err != nil {
				t.Fatalf("Consume: %v", err)
			}
			if got.SessionID != "s1" {
				t.Errorf("SessionID = %q", got.SessionID)
			}

			// A record attached to the consumed nonce can still be read.
			if err := other.Attach(ctx, n, &code{SessionID: "s2"}); err != nil {
				t.Fatalf("Attach: %v", err)
			}
			for range 2 {
				got, err := other.Lookup(ctx, n)
				if err != nil || got.SessionID != "s2" {
					t.Errorf("Lookup = %+v, %v", got, err)
				}
			}
			if err := other.Attach(ctx, "bad", &code{}); !errors.Is(err, ErrNotFound) {
				t.Errorf("Attach(bad) = %v, want ErrNotFound", err)
			}
		})
	}
}
