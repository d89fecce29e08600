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

package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"

	"github.com/c2FmZQ/hostedauth/server/internal/store"
	"github.com/c2FmZQ/hostedauth/server/internal/tokenmanager"
)

type events struct {
	mu     sync.Mutex
	events map[string]int
}

func (e *events) Record(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.events == nil {
		e.events = make(map[string]int)
	}
	e.events[s]++
}

func (e *events) count(s string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events[s]
}

var testPolicy = Policy{
	AccessTokenLifetime:  time.Hour,
	RefreshEnabled:       true,
	RefreshTokenLifetime: 24 * time.Hour,
}

func newIssuer(t *testing.T) (*Issuer, store.Store, *events) {
	mk, err := crypto.CreateAESMasterKeyForTest()
	if err != nil {
		t.Fatalf("crypto.CreateMasterKey: %v", err)
	}
	s := storage.New(t.TempDir(), mk)
	tm, err := tokenmanager.New(s, nil)
	if err != nil {
		t.Fatalf("tokenmanager.New: %v", err)
	}
	db, err := store.NewEncrypted(s)
	if err != nil {
		t.Fatalf("store.NewEncrypted: %v", err)
	}
	if err := db.CreateUser(t.Context(), &store.User{ID: "user-1", Handle: []byte("h1"), Username: "bob", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	ev := &events{}
	return New(Config{
		Store:         db,
		TokenManager:  tm,
		Issuer:        "https://auth.example.com",
		EventRecorder: ev,
	}), db, ev
}

func TestIssueAndValidate(t *testing.T) {
	iss, _, _ := newIssuer(t)
	ctx := t.Context()

	sess, tp, err := iss.IssueSession(ctx, "user-1", "app-1", []string{"passkey"}, testPolicy)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if tp.TokenType != "Bearer" || tp.ExpiresIn != 3600 || tp.RefreshToken == "" {
		t.Errorf("TokenPair = %+v", tp)
	}
	claims, err := iss.ValidateAccessToken(ctx, tp.AccessToken, "app-1")
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims["sub"] != "user-1" || claims["sid"] != sess.ID || claims["token_use"] != UseAccess {
		t.Errorf("claims = %v", claims)
	}
	if _, err := iss.ValidateAccessToken(ctx, tp.AccessToken, "app-2"); !errors.Is(err, ErrInvalid) {
		t.Errorf("ValidateAccessToken(other app) = %v, want ErrInvalid", err)
	}
	// A refresh token is never accepted as an access token.
	if _, err := iss.ValidateAccessToken(ctx, tp.RefreshToken, "app-1"); !errors.Is(err, ErrInvalid) {
		t.Errorf("ValidateAccessToken(refresh token) = %v, want ErrInvalid", err)
	}
	if _, err := iss.Refresh(ctx, tp.AccessToken, "app-1", testPolicy); !errors.Is(err, ErrInvalid) {
		t.Errorf("Refresh(access token) = %v, want ErrInvalid", err)
	}
	if _, err := iss.ValidateAccessToken(ctx, "garbage", ""); !errors.Is(err, ErrInvalid) {
		t.Errorf("ValidateAccessToken(garbage) = %v, want ErrInvalid", err)
	}

	sid, err := iss.SessionID(tp.RefreshToken, "app-1")
	if err != nil || sid != sess.ID {
		t.Errorf("SessionID = %q, %v, want %q", sid, err, sess.ID)
	}
	if err := iss.Revoke(ctx, sess.ID, "logout"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := iss.ValidateAccessToken(ctx, tp.AccessToken, "app-1"); !errors.Is(err, ErrRevoked) {
		t.Errorf("ValidateAccessToken(revoked) = %v, want ErrRevoked", err)
	}
	if _, err := iss.Refresh(ctx, tp.RefreshToken, "app-1", testPolicy); !errors.Is(err, ErrRevoked) {
		t.Errorf("Refresh(revoked) = %v, want ErrRevoked", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	iss, db, ev := newIssuer(t)
	ctx := t.Context()

	sess, tp1, err := iss.IssueSession(ctx, "user-1", "app-1", []string{"oauth"}, testPolicy)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	tp2, err := iss.Refresh(ctx, tp1.RefreshToken, "app-1", testPolicy)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tp2.RefreshToken == tp1.RefreshToken {
		t.Fatal("refresh token not rotated")
	}
	if _, err := iss.Refresh(ctx, tp2.RefreshToken, "app-2", testPolicy); !errors.Is(err, ErrInvalid) {
		t.Errorf("Refresh(other app) = %v, want ErrInvalid", err)
	}
	tp3, err := iss.Refresh(ctx, tp2.RefreshToken, "app-1", testPolicy)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// The first token was copied and is presented again.
	if _, err := iss.Refresh(ctx, tp1.RefreshToken, "app-1", testPolicy); !errors.Is(err, ErrReused) {
		t.Fatalf("Refresh(old token) = %v, want ErrReused", err)
	}
	s, err := db.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !s.Revoked {
		t.Error("session not revoked after refresh token reuse")
	}
	if _, err := iss.Refresh(ctx, tp3.RefreshToken, "app-1", testPolicy); !errors.Is(err, ErrRevoked) {
		t.Errorf("Refresh(latest token) = %v, want ErrRevoked", err)
	}
	if _, err := iss.ValidateAccessToken(ctx, tp3.AccessToken, "app-1"); !errors.Is(err, ErrRevoked) {
		t.Errorf("ValidateAccessToken = %v, want ErrRevoked", err)
	}
	if got := ev.count("refresh token reuse"); got != 1 {
		t.Errorf("refresh token reuse events = %d, want 1", got)
	}
}

func TestConcurrentRefresh(t *testing.T) {
	iss, db, _ := newIssuer(t)
	ctx := t.Context()

	sess, tp, err := iss.IssueSession(ctx, "user-1", "app-1", nil, testPolicy)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = iss.Refresh(ctx, tp.RefreshToken, "app-1", testPolicy)
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrReused), errors.Is(err, ErrRevoked):
		default:
			t.Errorf("Refresh: unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("%d successful refreshes, want 1", ok)
	}
	s, err := db.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !s.Revoked {
		t.Error("session not revoked after concurrent reuse")
	}
}

func TestExpiredRefreshToken(t *testing.T) {
	iss, _, _ := newIssuer(t)
	ctx := t.Context()

	timeNow = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	_, tp, err := iss.IssueSession(ctx, "user-1", "app-1", nil, testPolicy)
	timeNow = time.Now
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if _, err := iss.Refresh(ctx, tp.RefreshToken, "app-1", testPolicy); !errors.Is(err, ErrExpired) {
		t.Errorf("Refresh = %v, want ErrExpired", err)
	}
	if _, err := iss.ValidateAccessToken(ctx, tp.AccessToken, "app-1"); !errors.Is(err, ErrExpired) {
		t.Errorf("ValidateAccessToken = %v, want ErrExpired", err)
	}
}

func TestRefreshDisabled(t *testing.T) {
	iss, _, _ := newIssuer(t)
	p := Policy{AccessTokenLifetime: time.Minute}
	sess, tp, err := iss.IssueSession(t.Context(), "user-1", "app-1", nil, p)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if tp.RefreshToken != "" {
		t.Error("refresh token issued with refresh disabled")
	}
	if _, err := iss.Tokens(t.Context(), sess.ID, p); err != nil {
		t.Errorf("Tokens: %v", err)
	}
	// With refresh enabled, the first tokens can only be issued once.
	sess2, err := iss.CreateSession(t.Context(), "user-1", "app-1", nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := iss.Tokens(t.Context(), sess2.ID, testPolicy); err != nil {
		t.Fatalf("Tokens: %v", err)
	}
	if _, err := iss.Tokens(t.Context(), sess2.ID, testPolicy); !errors.Is(err, ErrReused) {
		t.Errorf("Tokens(again) = %v, want ErrReused", err)
	}
}
