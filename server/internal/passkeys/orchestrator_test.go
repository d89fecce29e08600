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

package passkeys

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/c2FmZQ/hostedauth/server/internal/nonce"
	"github.com/c2FmZQ/hostedauth/server/internal/sqldb"
	"github.com/c2FmZQ/hostedauth/server/internal/store"
)

type eventRecorder struct {
	mu     sync.Mutex
	events map[string]int
}

func (r *eventRecorder) Record(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(map[string]int)
	}
	r.events[e]++
}

func (r *eventRecorder) count(e string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[e]
}

type testEnv struct {
	o      *Orchestrator
	store  store.Store
	events *eventRecorder
	rp     RelyingParty
}

func newTestEnv(t *testing.T) *testEnv {
	db, err := sqldb.Open(filepath.Join(t.TempDir(), "passkeys.db"))
	if err != nil {
		t.Fatalf("sqldb.Open: %v", err)
	}
	st := store.NewSQL(db)
	t.Cleanup(func() { st.Close() })
	events := &eventRecorder{}
	return &testEnv{
		o:      New(Config{Store: st, Nonces: nonce.NewSQL(db), EventRecorder: events}),
		store:  st,
		events: events,
		rp: RelyingParty{
			ID:      "example.com",
			Name:    "Example",
			Origins: []string{"https://example.com"},
		},
	}
}

func challengeID(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func (e *testEnv) register(t *testing.T, auth *FakeAuthenticator, username string, alg int) (*Result, error) {
	t.Helper()
	ctx := context.Background()
	opts, err := e.o.BeginRegistration(ctx, RegistrationRequest{RP: e.rp, Username: username, FlowNonce: "flow1"})
	if err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}
	if alg != 0 {
		opts.PubKeyCredParams = []PubKeyCredParam{{Type: "public-key", Alg: alg}}
	}
	resp, err := auth.Create(opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return e.o.FinishRegistration(ctx, challengeID(opts.Challenge), *resp)
}

func (e *testEnv) login(t *testing.T, auth *FakeAuthenticator, username string) (*Result, error) {
	t.Helper()
	ctx := context.Background()
	opts, err := e.o.BeginAuthentication(ctx, AuthenticationRequest{RP: e.rp, Username: username, FlowNonce: "flow2"})
	if err != nil {
		t.Fatalf("BeginAuthentication: %v", err)
	}
	resp, err := auth.Get(opts)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return e.o.FinishAuthentication(ctx, challengeID(opts.Challenge), *resp)
}

func TestRegisterAndLogin(t *testing.T) {
	for _, tc := range []struct {
		name string
		alg  int
	}{
		{"ES256", algES256},
		{"EdDSA", algEdDSA},
		{"RS256", algRS256},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			auth, err := NewFakeAuthenticator()
			if err != nil {
				t.Fatalf("NewFakeAuthenticator: %v", err)
			}
			reg, err := env.register(t, auth, "alice", tc.alg)
			if err != nil {
				t.Fatalf("FinishRegistration: %v", err)
			}
			if !reg.NewUser || reg.User.Username != "alice" || reg.FlowNonce != "flow1" {
				t.Errorf("FinishRegistration = %+v", reg)
			}
			if reg.Credential.AttestationFormat != "none" || reg.Credential.SignCount != 0 || !reg.Credential.Discoverable {
				t.Errorf("Credential = %+v", reg.Credential)
			}

			// Discoverable.
			res, err := env.login(t, auth, "")
			if err != nil {
				t.Fatalf("FinishAuthentication: %v", err)
			}
			if res.User.ID != reg.User.ID || res.FlowNonce != "flow2" {
				t.Errorf("FinishAuthentication = %+v", res)
			}
			// Targeted.
			if res, err = env.login(t, auth, "alice"); err != nil {
				t.Fatalf("FinishAuthentication: %v", err)
			}
			if res.Credential.SignCount != 2 {
				t.Errorf("SignCount = %d, want 2", res.Credential.SignCount)
			}
			cred, err := env.store.Credential(context.Background(), "example.com", reg.Credential.ID)
			if err != nil {
				t.Fatalf("Credential: %v", err)
			}
			if cred.SignCount != 2 {
				t.Errorf("stored SignCount = %d, want 2", cred.SignCount)
			}

			// The username is now taken.
			if _, err := env.o.BeginRegistration(context.Background(), RegistrationRequest{RP: env.rp, Username: "alice"}); !errors.Is(err, store.ErrUsernameTaken) {
				t.Errorf("BeginRegistration = %v, want ErrUsernameTaken", err)
			}
		})
	}
}

func TestNonDiscoverableCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	auth, err := NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	auth.NonResidentKeys = true
	reg, err := env.register(t, auth, "bob", 0)
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	if reg.Credential.Discoverable {
		t.Error("Discoverable = true, want false")
	}
	cred, err := env.store.Credential(ctx, "example.com", reg.Credential.ID)
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if cred.Discoverable {
		t.Error("stored Discoverable = true, want false")
	}
	// Only a targeted login can find it.
	opts, err := env.o.BeginAuthentication(ctx, AuthenticationRequest{RP: env.rp})
	if err != nil {
		t.Fatalf("BeginAuthentication: %v", err)
	}
	if _, err := auth.Get(opts); err == nil {
		t.Error("discoverable Get succeeded")
	}
	if _, err := env.login(t, auth, "bob"); err != nil {
		t.Fatalf("FinishAuthentication: %v", err)
	}

	// A client that doesn't report credProps.
	opts2, err := env.o.BeginRegistration(ctx, RegistrationRequest{RP: env.rp, Username: "carol"})
	if err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}
	if !opts2.Extensions.CredProps {
		t.Error("credProps not requested")
	}
	auth2, _ := NewFakeAuthenticator()
	resp, err := auth2.Create(opts2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	resp.ClientExtensionResults = ClientExtensionResults{}
	res, err := env.o.FinishRegistration(ctx, challengeID(opts2.Challenge), *resp)
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	if res.Credential.Discoverable {
		t.Error("Discoverable = true without credProps, want false")
	}
}

func TestAddCredentialToExistingUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	auth1, _ := NewFakeAuthenticator()
	reg, err := env.register(t, auth1, "alice", 0)
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	opts, err := env.o.BeginRegistration(ctx, RegistrationRequest{RP: env.rp, UserID: reg.User.ID})
	if err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}
	if len(opts.ExcludeCredentials) != 1 || !bytes.Equal(opts.User.ID, reg.User.Handle) {
		t.Fatalf("BeginRegistration = %+v", opts)
	}
	auth2, _ := NewFakeAuthenticator()
	resp, err := auth2.Create(opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := env.o.FinishRegistration(ctx, challengeID(opts.Challenge), *resp)
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	if res.NewUser || res.User.ID != reg.User.ID {
		t.Errorf("FinishRegistration = %+v", res)
	}
	creds, err := env.store.Credentials(ctx, reg.User.ID, "example.com")
	if err != nil || len(creds) != 2 {
		t.Fatalf("Credentials = %v, %v", creds, err)
	}
	if _, err := env.login(t, auth2, "alice"); err != nil {
		t.Fatalf("FinishAuthentication: %v", err)
	}
}

func TestChallengeIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	auth, _ := NewFakeAuthenticator()
	if _, err := env.register(t, auth, "alice", 0); err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	opts, err := env.o.BeginAuthentication(ctx, AuthenticationRequest{RP: env.rp})
	if err != nil {
		t.Fatalf("BeginAuthentication: %v", err)
	}
	resp, err := auth.Get(opts)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := env.o.FinishAuthentication(ctx, challengeID(opts.Challenge), *resp); err != nil {
		t.Fatalf("FinishAuthentication: %v", err)
	}
	if _, err := env.o.FinishAuthentication(ctx, challengeID(opts.Challenge), *resp); !errors.Is(err, ErrRejected) {
		t.Fatalf("replayed FinishAuthentication = %v, want ErrRejected", err)
	}
	// A registration challenge can't be used to log in.
	regOpts, err := env.o.BeginRegistration(ctx, RegistrationRequest{RP: env.rp, Username: "bob"})
	if err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}
	opts.Challenge = regOpts.Challenge
	if resp, err = auth.Get(opts); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := env.o.FinishAuthentication(ctx, challengeID(opts.Challenge), *resp); !errors.Is(err, ErrRejected) {
		t.Fatalf("FinishAuthentication = %v, want ErrRejected", err)
	}
}

func TestCeremonyRejections(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(*testEnv, *FakeAuthenticator)
	}{
		{"wrong origin", func(_ *testEnv, a *FakeAuthenticator) { a.SetOrigin("https://evil.example") }},
		{"origin with path", func(_ *testEnv, a *FakeAuthenticator) { a.SetOrigin("https://example.com/") }},
		{"no user verification", func(_ *testEnv, a *FakeAuthenticator) { a.SkipUserVerification = true }},
		{"direct attestation without statement", func(e *testEnv, _ *FakeAuthenticator) { e.rp.Attestation = AttestationDirect }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			auth, _ := NewFakeAuthenticator()
			tc.setup(env, auth)
			if _, err := env.register(t, auth, "alice", 0); !errors.Is(err, ErrRejected) {
				t.Fatalf("FinishRegistration = %v, want ErrRejected", err)
			}
			if _, err := env.store.UserByUsername(context.Background(), "alice"); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("UserByUsername = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestRPIDMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	auth, _ := NewFakeAuthenticator()
	opts, err := env.o.BeginRegistration(ctx, RegistrationRequest{RP: env.rp, Username: "alice"})
	if err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}
	opts.RelyingParty.ID = "evil.example"
	resp, err := auth.Create(opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.o.FinishRegistration(ctx, challengeID(opts.Challenge), *resp); !errors.Is(err, ErrRejected) {
		t.Fatalf("FinishRegistration = %v, want ErrRejected", err)
	}
}

func TestAttestationPolicy(t *testing.T) {
	for _, tc := range []struct {
		conveyance  string
		attestation string
		forge       bool
		wantFormat  string
	}{
		{AttestationNone, "none", false, "none"},
		{AttestationNone, "packed", false, "packed"},
		{AttestationIndirect, "none", false, "none"},
		{AttestationIndirect, "packed-x5c", false, "packed"},
		{AttestationDirect, "packed", false, "packed"},
		{AttestationDirect, "packed-x5c", false, "packed"},
		{AttestationDirect, "none", false, ""},
		{AttestationNone, "packed", true, ""},
		{AttestationIndirect, "packed", true, ""},
		{AttestationDirect, "packed", true, ""},
		{AttestationDirect, "packed-x5c", true, ""},
	} {
		name := tc.conveyance + "/" + tc.attestation
		if tc.forge {
			name += "/forged"
		}
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			env.rp.Attestation = tc.conveyance
			auth, _ := NewFakeAuthenticator()
			auth.Attestation = tc.attestation
			auth.ForgeAttestation = tc.forge
			auth.AAGUID = [16]byte{1, 2, 3, 4}

			res, err := env.register(t, auth, "alice", 0)
			if tc.wantFormat == "" {
				if !errors.Is(err, ErrRejected) {
					t.Fatalf("FinishRegistration = %v, want ErrRejected", err)
				}
				if _, err := env.store.UserByUsername(context.Background(), "alice"); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("UserByUsername = %v, want ErrNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FinishRegistration: %v", err)
			}
			if got := res.Credential.AttestationFormat; got != tc.wantFormat {
				t.Errorf("AttestationFormat = %q, want %q", got, tc.wantFormat)
			}
		})
	}
	env := newTestEnv(t)
	auth, _ := NewFakeAuthenticator()
	auth.Attestation = "packed"
	auth.ForgeAttestation = true
	env.register(t, auth, "alice", 0)
	if n := env.events.count("passkey attestation rejected"); n != 1 {
		t.Errorf("attestation rejected events = %d, want 1", n)
	}
}

func TestAttestationRoots(t *testing.T) {
	vendor, _ := NewFakeAuthenticator()
	for _, tc := range []struct {
		name        string
		attestation string
		sameVendor  bool
		ok          bool
	}{
		{"trusted", "packed-x5c", true, true},
		{"other vendor", "packed-x5c", false, false},
		{"self attestation", "packed", true, false},
		{"no attestation", "none", true, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.rp.Attestation = AttestationDirect
			env.rp.AttestationRoots = [][]byte{vendor.AttestationRoot()}
			auth := vendor
			if !tc.sameVendor {
				auth, _ = NewFakeAuthenticator()
			}
			auth = auth.Clone()
			auth.Attestation = tc.attestation
			res, err := env.register(t, auth, "alice", 0)
			if !tc.ok {
				if !errors.Is(err, ErrRejected) {
					t.Fatalf("FinishRegistration = %v, want ErrRejected", err)
				}
				if _, err := env.store.UserByUsername(context.Background(), "alice"); !errors.Is(err, store.ErrNotFound) {
					t.Errorf("UserByUsername = %v, want ErrNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FinishRegistration: %v", err)
			}
			if got := res.Credential.AttestationFormat; got != "packed" {
				t.Errorf("AttestationFormat = %q, want packed", got)
			}
		})
	}
}

func TestClonedAuthenticator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	auth, _ := NewFakeAuthenticator()
	reg, err := env.register(t, auth, "alice", 0)
	if err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	if err := env.store.CreateSession(ctx, &store.Session{ID: "s1", UserID: reg.User.ID, AppID: "app", IssuedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	clone := auth.Clone()
	if _, err := env.login(t, auth, "alice"); err != nil {
		t.Fatalf("FinishAuthentication: %v", err)
	}
	// The clone presents the same count as the last accepted assertion.
	if _, err := env.login(t, clone, "alice"); !errors.Is(err, ErrRejected) {
		t.Fatalf("FinishAuthentication(clone) = %v, want ErrRejected", err)
	}
	cred, err := env.store.Credential(ctx, "example.com", reg.Credential.ID)
	if err != nil {
		t.Fatalf("Credential: %v", err)
	}
	if !cred.Revoked {
		t.Error("credential should be revoked")
	}
	sess, err := env.store.Session(ctx, "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if !sess.Revoked {
		t.Error("session should be revoked")
	}
	if n := env.events.count("passkey clone detected"); n != 1 {
		t.Errorf("clone events = %d, want 1", n)
	}
	// The original authenticator can't use the revoked credential either.
	auth.SetSignCount(reg.Credential.ID, 100)
	if _, err := env.login(t, auth, ""); !errors.Is(err, ErrRejected) {
		t.Fatalf("FinishAuthentication = %v, want ErrRejected", err)
	}
}

func TestCounterlessAuthenticator(t *testing.T) {
	for _, allow := range []bool{false, true} {
		env := newTestEnv(t)
		env.rp.AllowCounterless = allow
		auth, _ := NewFakeAuthenticator()
		auth.CounterIncrement = -1
		if _, err := env.register(t, auth, "alice", 0); err != nil {
			t.Fatalf("FinishRegistration: %v", err)
		}
		for i := range 2 {
			_, err := env.login(t, auth, "alice")
			if allow && err != nil {
				t.Fatalf("[%d] FinishAuthentication: %v", i, err)
			}
			if !allow && !errors.Is(err, ErrRejected) {
				t.Fatalf("[%d] FinishAuthentication = %v, want ErrRejected", i, err)
			}
		}
	}
}

func TestCredentialOfAnotherUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice, _ := NewFakeAuthenticator()
	bob, _ := NewFakeAuthenticator()
	if _, err := env.register(t, alice, "alice", 0); err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	if _, err := env.register(t, bob, "bob", 0); err != nil {
		t.Fatalf("FinishRegistration: %v", err)
	}
	opts, err := env.o.BeginAuthentication(ctx, AuthenticationRequest{RP: env.rp, Username: "alice"})
	if err != nil {
		t.Fatalf("BeginAuthentication: %v", err)
	}
	if len(opts.AllowCredentials) != 1 {
		t.Fatalf("AllowCredentials = %v", opts.AllowCredentials)
	}
	opts.AllowCredentials = nil
	resp, err := bob.Get(opts)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := env.o.FinishAuthentication(ctx, challengeID(opts.Challenge), *resp); !errors.Is(err, ErrRejected) {
		t.Fatalf("FinishAuthentication = %v, want ErrRejected", err)
	}
}

func TestUnknownUsernameHint(t *testing.T) {
	env := newTestEnv(t)
	opts, err := env.o.BeginAuthentication(context.Background(), AuthenticationRequest{RP: env.rp, Username: "nobody"})
	if err != nil {
		t.Fatalf("BeginAuthentication: %v", err)
	}
	if len(opts.AllowCredentials) != 1 || !bytes.Equal(opts.AllowCredentials[0].ID, []byte{0xff}) {
		t.Errorf("AllowCredentials = %v", opts.AllowCredentials)
	}
	if opts.RPID != "example.com" {
		t.Errorf("RPID = %q", opts.RPID)
	}
}
