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

// Package nonce issues and redeems the short-lived, single-use records that
// bind the steps of an authentication transaction together: the inbound
// authentication request, the state handed to OAuth providers, WebAuthn
// challenges, and the authorization codes returned to calling applications.
package nonce

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"
)

var (
	// ErrNotFound means that the nonce was never issued or has been purged.
	ErrNotFound = errors.New("nonce not found")
	// ErrExpired means that the nonce was issued but its lifetime is over.
	ErrExpired = errors.New("nonce expired")
	// ErrAlreadyConsumed means that the nonce was already redeemed.
	ErrAlreadyConsumed = errors.New("nonce already consumed")

	timeNow = time.Now
)

const (
	// DefaultRequestLifetime is the lifetime of an AuthRequest.
	DefaultRequestLifetime = 10 * time.Minute
	// retention is how long expired and consumed records are kept so that
	// late callers get ErrExpired or ErrAlreadyConsumed instead of
	// ErrNotFound.
	retention = 10 * time.Minute

	nonceSize = 32
)

// Backend stores single-use records. Take must be atomic: of several
// concurrent calls for the same key, at most one returns a nil error.
// Take and Peek return the stored data alongside ErrExpired and
// ErrAlreadyConsumed.
type Backend interface {
	Put(ctx context.Context, kind, key string, data []byte, expires time.Time) error
	Take(ctx context.Context, kind, key string, now time.Time) ([]byte, error)
	Peek(ctx context.Context, kind, key string, now time.Time) ([]byte, error)
	Sweep(ctx context.Context, before time.Time) (int, error)
}

// Logger is the interface used for logging.
type Logger interface {
	Errorf(format string, args ...any)
}

type defaultLogger struct{}

func (defaultLogger) Errorf(format string, args ...any) {
	log.Printf(format, args...)
}

// AuthRequest is the record created when a browser is redirected in by a
// calling application.
type AuthRequest struct {
	AppID               string    `json:"app_id"`
	AppVersion          string    `json:"app_version"`
	RedirectURI         string    `json:"redirect_uri"`
	CallerState         string    `json:"caller_state,omitempty"`
	Provider            string    `json:"provider,omitempty"`
	Mode                string    `json:"mode,omitempty"`
	UsernameHint        string    `json:"username_hint,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	PasskeyDeadline     time.Time `json:"passkey_deadline,omitzero"`
}

// Manager issues and consumes AuthRequest nonces.
type Manager struct {
	backend  Backend
	logger   Logger
	requests *Table[AuthRequest]
}

// NewManager returns a Manager that stores its records in backend.
// A lifetime of zero selects DefaultRequestLifetime.
func NewManager(backend Backend, lifetime time.Duration, logger Logger) *Manager {
	if logger == nil {
		logger = defaultLogger{}
	}
	if lifetime <= 0 {
		lifetime = DefaultRequestLifetime
	}
	return &Manager{
		backend:  backend,
		logger:   logger,
		requests: NewTable[AuthRequest](backend, "request", lifetime),
	}
}

// Issue stores req and returns its nonce. CreatedAt and ExpiresAt are set by
// Issue.
func (m *Manager) Issue(ctx context.Context, req AuthRequest) (string, error) {
	return m.requests.issue(ctx, &req, func(created, expires time.Time) {
		req.CreatedAt = created
		req.ExpiresAt = expires
	})
}

// Consume redeems the nonce. It succeeds at most once per nonce. With
// ErrExpired and ErrAlreadyConsumed, the request is returned too so that the
// caller can still report the failure to the original destination.
func (m *Manager) Consume(ctx context.Context, nonce string) (*AuthRequest, error) {
	return m.requests.Consume(ctx, nonce)
}

// Lookup returns the request without consuming it.
func (m *Manager) Lookup(ctx context.Context, nonce string) (*AuthRequest, error) {
	return m.requests.Lookup(ctx, nonce)
}

// SweepLoop purges stale records every minute until ctx is canceled.
func (m *Manager) SweepLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
		}
		if _, err := m.backend.Sweep(ctx, timeNow().Add(-retention)); err != nil && ctx.Err() == nil {
			m.logger.Errorf("ERR nonce sweep: %v", err)
		}
	}
}

// Table is a typed view of one kind of single-use record.
type Table[T any] struct {
	backend  Backend
	kind     string
	lifetime time.Duration
}

// NewTable returns a Table for records of the given kind.
func NewTable[T any](backend Backend, kind string, lifetime time.Duration) *Table[T] {
	return &Table[T]{
		backend:  backend,
		kind:     kind,
		lifetime: lifetime,
	}
}

// Lifetime returns the lifetime of the records in this table.
func (t *Table[T]) Lifetime() time.Duration {
	return t.lifetime
}

// Issue stores v and returns a new random nonce for it.
func (t *Table[T]) Issue(ctx context.Context, v *T) (string, error) {
	return t.issue(ctx, v, nil)
}

func (t *Table[T]) issue(ctx context.Context, v *T, stamp func(created, expires time.Time)) (string, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	now := timeNow().UTC()
	expires := now.Add(t.lifetime)
	if stamp != nil {
		stamp(now, expires)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%s: %w", t.kind, err)
	}
	if err := t.backend.Put(ctx, t.kind, hashKey(nonce), data, expires); err != nil {
		return "", fmt.Errorf("%s: %w", t.kind, err)
	}
	return nonce, nil
}

// Attach stores v under a nonce that was issued by another table, so
// that it can be found again from that nonce.
func (t *Table[T]) Attach(ctx context.Context, nonce string, v *T) error {
	if !wellFormed(nonce) {
		return ErrNotFound
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: %w", t.kind, err)
	}
	if err := t.backend.Put(ctx, t.kind, hashKey(nonce), data, timeNow().UTC().Add(t.lifetime)); err != nil {
		return fmt.Errorf("%s: %w", t.kind, err)
	}
	return nil
}

// Consume redeems the nonce atomically.
func (t *Table[T]) Consume(ctx context.Context, nonce string) (*T, error) {
	if !wellFormed(nonce) {
		return nil, ErrNotFound
	}
	data, err := t.backend.Take(ctx, t.kind, hashKey(nonce), timeNow())
	return t.decode(data, err)
}

// Lookup returns the record without consuming it.
func (t *Table[T]) Lookup(ctx context.Context, nonce string) (*T, error) {
	if !wellFormed(nonce) {
		return nil, ErrNotFound
	}
	data, err := t.backend.Peek(ctx, t.kind, hashKey(nonce), timeNow())
	return t.decode(data, err)
}

func (t *Table[T]) decode(data []byte, err error) (*T, error) {
	if data == nil {
		if err == nil {
			err = ErrNotFound
		}
		return nil, err
	}
	var v T
	if jerr := json.Unmarshal(data, &v); jerr != nil {
		return nil, fmt.Errorf("%s: %w", t.kind, jerr)
	}
	return &v, err
}

func newNonce() (string, error) {
	var b [nonceSize]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

func wellFormed(nonce string) bool {
	b, err := base64.RawURLEncoding.DecodeString(nonce)
	return err == nil && len(b) == nonceSize
}

// hashKey is the storage key of a nonce. Only hashes are stored.
func hashKey(nonce string) string {
	h := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(h[:])
}
