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

package oauthprovider

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/c2FmZQ/hostedauth/server/internal/jwks"
	"github.com/c2FmZQ/hostedauth/server/internal/nonce"
)

type fakeIDP struct {
	t      *testing.T
	ts     *httptest.Server
	key    *ecdsa.PrivateKey
	mu     sync.Mutex
	claims map[string]any
	// challenge is the PKCE challenge of the last authorization request.
	challenge string
	// tokenStatus, if set, is returned by the token endpoint.
	tokenStatus int
	tokenError  string
	tokenCalls  int
}

func newFakeIDP(t *testing.T) *fakeIDP {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	idp := &fakeIDP{t: t, key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 idp.ts.URL,
			"authorization_endpoint": idp.ts.URL + "/authorize",
			"token_endpoint":         idp.ts.URL + "/token",
			"userinfo_endpoint":      idp.ts.URL + "/userinfo",
			"jwks_uri":               idp.ts.URL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(jwks.JWKS{Keys: []jwks.JWK{*jwks.FromPublicKey("k1", &key.PublicKey)}})
	})
	mux.HandleFunc("/token", idp.token)
	mux.HandleFunc("/user", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("authorization") != "Bearer at-123" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"id":1234,"login":"octocat","name":"The Octocat","avatar_url":"https://example.com/a.png","email":null}`))
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`[{"email":"other@example.com","primary":false,"verified":true},{"email":"octo@example.com","primary":true,"verified":true}]`))
	})
	idp.ts = httptest.NewServer(mux)
	t.Cleanup(idp.ts.Close)
	return idp
}

func (idp *fakeIDP) token(w http.ResponseWriter, req *http.Request) {
	idp.mu.Lock()
	defer idp.mu.Unlock()
	idp.tokenCalls++
	if idp.tokenStatus != 0 {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(idp.tokenStatus)
		json.NewEncoder(w).Encode(map[string]string{"error": idp.tokenError})
		return
	}
	if err := req.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	clientID, secret, ok := req.BasicAuth()
	if !ok {
		clientID, secret = req.PostForm.Get("client_id"), req.PostForm.Get("client_secret")
	}
	h := sha256.Sum256([]byte(req.PostForm.Get("code_verifier")))
	if clientID != "client-1" || secret != "secret-1" || req.PostForm.Get("code") != "good-code" || base64.RawURLEncoding.EncodeToString(h[:]) != idp.challenge {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
		return
	}
	resp := map[string]any{
		"access_token": "at-123",
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if idp.claims != nil {
		tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims(idp.claims))
		tok.Header["kid"] = "k1"
		s, err := tok.SignedString(idp.key)
		if err != nil {
			idp.t.Errorf("SignedString: %v", err)
		}
		resp["id_token"] = s
	}
	w.Header().Set("content-type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func testAdapter(t *testing.T) *Adapter {
	client := NewClient()
	client.RetryWaitMin = time.Millisecond
	client.RetryWaitMax = 10 * time.Millisecond
	a := New(Config{
		CallbackBase: "https://auth.example.com/oauth/callback/",
		Nonces:       nonce.NewMemory(),
		Client:       client,
	})
	t.Cleanup(a.Stop)
	return a
}

// authorize runs BeginAuthorization and returns the state and the OIDC
// nonce from the authorization URL.
func authorize(t *testing.T, a *Adapter, idp *fakeIDP, p Provider) (string, string) {
	t.Helper()
	u, err := a.BeginAuthorization(t.Context(), p, "flow-1")
	if err != nil {
		t.Fatalf("BeginAuthorization: %v", err)
	}
	pu, err := url.Parse(u)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	q := pu.Query()
	if got, want := q.Get("redirect_uri"), "https://auth.example.com/oauth/callback/"+p.ID; got != want {
		t.Errorf("redirect_uri = %q, want %q", got, want)
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
	if q.Has("client_secret") {
		t.Error("client secret in authorization URL")
	}
	idp.mu.Lock()
	idp.challenge = q.Get("code_challenge")
	idp.mu.Unlock()
	return q.Get("state"), q.Get("nonce")
}

func oidcProvider(idp *fakeIDP) Provider {
	return Provider{
		ID:           "acme",
		Kind:         KindOIDC,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		DiscoveryURL: idp.ts.URL + "/.well-known/openid-configuration",
	}
}

func TestOIDCLogin(t *testing.T) {
	idp := newFakeIDP(t)
	a := testAdapter(t)
	p := oidcProvider(idp)

	state, oidcNonce := authorize(t, a, idp, p)
	if oidcNonce == "" {
		t.Fatal("no nonce in authorization URL")
	}
	now := time.Now()
	idp.mu.Lock()
	idp.claims = map[string]any{
		"iss":            idp.ts.URL,
		"sub":            "user-42",
		"aud":            "client-1",
		"exp":            now.Add(time.Hour).Unix(),
		"iat":            now.Unix(),
		"nonce":          oidcNonce,
		"email":          "bob@example.com",
		"email_verified": true,
		"name":           "Bob",
	}
	idp.mu.Unlock()

	st, err := a.ConsumeState(t.Context(), state)
	if err != nil {
		t.Fatalf("ConsumeState: %v", err)
	}
	if st.FlowNonce != "flow-1" || st.Provider != "acme" {
		t.Errorf("State = %+v", st)
	}
	profile, err := a.CompleteAuthorization(t.Context(), p, "good-code", st)
	if err != nil {
		t.Fatalf("CompleteAuthorization: %v", err)
	}
	want := Profile{Provider: "acme", Subject: "user-42", Email: "bob@example.com", EmailVerified: true, Name: "Bob"}
	if *profile != want {
		t.Errorf("Profile = %+v, want %+v", *profile, want)
	}

	if _, err := a.ConsumeState(t.Context(), state); !errors.Is(err, ErrInvalidState) || !errors.Is(err, nonce.ErrAlreadyConsumed) {
		t.Errorf("ConsumeState(replay) = %v, want ErrInvalidState, ErrAlreadyConsumed", err)
	}
}

func TestIDTokenRejections(t *testing.T) {
	idp := newFakeIDP(t)
	a := testAdapter(t)
	p := oidcProvider(idp)

	for _, tc := range []struct {
		name   string
		mutate func(claims map[string]any)
	}{
		{"wrong nonce", func(c map[string]any) { c["nonce"] = "something-else" }},
		{"wrong audience", func(c map[string]any) { c["aud"] = "client-2" }},
		{"wrong issuer", func(c map[string]any) { c["iss"] = "https://evil.example.com" }},
		{"expired", func(c map[string]any) { c["exp"] = time.Now().Add(-time.Hour).Unix() }},
		{"no expiration", func(c map[string]any) { delete(c, "exp") }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			state, oidcNonce := authorize(t, a, idp, p)
			claims := map[string]any{
				"iss":   idp.ts.URL,
				"sub":   "user-42",
				"aud":   "client-1",
				"exp":   time.Now().Add(time.Hour).Unix(),
				"nonce": oidcNonce,
			}
			tc.mutate(claims)
			idp.mu.Lock()
			idp.claims = claims
			idp.mu.Unlock()

			st, err := a.ConsumeState(t.Context(), state)
			if err != nil {
				t.Fatalf("ConsumeState: %v", err)
			}
			if _, err := a.CompleteAuthorization(t.Context(), p, "good-code", st); !errors.Is(err, ErrInvalidIDToken) {
				t.Errorf("CompleteAuthorization = %v, want ErrInvalidIDToken", err)
			}
		})
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	idp := newFakeIDP(t)
	a := testAdapter(t)
	p := oidcProvider(idp)

	state, _ := authorize(t, a, idp, p)
	st, err := a.ConsumeState(t.Context(), state)
	if err != nil {
		t.Fatalf("ConsumeState: %v", err)
	}
	if _, err := a.CompleteAuthorization(t.Context(), p, "bad-code", st); !errors.Is(err, ErrProviderConfig) {
		t.Errorf("CompleteAuthorization(bad code) = %v, want ErrProviderConfig", err)
	}

	idp.mu.Lock()
	idp.tokenStatus = http.StatusServiceUnavailable
	idp.tokenCalls = 0
	idp.mu.Unlock()
	if _, err := a.CompleteAuthorization(t.Context(), p, "good-code", st); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("CompleteAuthorization(503) = %v, want ErrProviderUnavailable", err)
	}
	idp.mu.Lock()
	defer idp.mu.Unlock()
	if idp.tokenCalls != 2 {
		t.Errorf("token endpoint called %d times, want 2", idp.tokenCalls)
	}
}

func TestGitHubLogin(t *testing.T) {
	idp := newFakeIDP(t)
	a := testAdapter(t)
	p := Provider{
		ID:           "github",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		AuthURL:      idp.ts.URL + "/authorize",
		TokenURL:     idp.ts.URL + "/token",
		UserinfoURL:  idp.ts.URL + "/user",
	}
	state, oidcNonce := authorize(t, a, idp, p)
	if oidcNonce != "" {
		t.Errorf("unexpected OIDC nonce %q", oidcNonce)
	}
	st, err := a.ConsumeState(t.Context(), state)
	if err != nil {
		t.Fatalf("ConsumeState: %v", err)
	}
	profile, err := a.CompleteAuthorization(t.Context(), p, "good-code", st)
	if err != nil {
		t.Fatalf("CompleteAuthorization: %v", err)
	}
	want := Profile{
		Provider:      "github",
		Subject:       "1234",
		Email:         "octo@example.com",
		EmailVerified: true,
		Name:          "The Octocat",
		Picture:       "https://example.com/a.png",
		Login:         "octocat",
	}
	if *profile != want {
		t.Errorf("Profile = %+v, want %+v", *profile, want)
	}
}

func TestStateBoundToProvider(t *testing.T) {
	idp := newFakeIDP(t)
	a := testAdapter(t)
	p := oidcProvider(idp)
	state, _ := authorize(t, a, idp, p)
	st, err := a.ConsumeState(t.Context(), state)
	if err != nil {
		t.Fatalf("ConsumeState: %v", err)
	}
	other := p
	other.ID = "other"
	if _, err := a.CompleteAuthorization(t.Context(), other, "good-code", st); !errors.Is(err, ErrInvalidState) {
		t.Errorf("CompleteAuthorization(other provider) = %v, want ErrInvalidState", err)
	}
	if _, err := a.ConsumeState(t.Context(), "not-a-state"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ConsumeState(garbage) = %v, want ErrInvalidState", err)
	}
}

func TestCallbackError(t *testing.T) {
	for _, tc := range []struct {
		code string
		want error
	}{
		{"access_denied", ErrAccessDenied},
		{"login_required", ErrAccessDenied},
		{"temporarily_unavailable", ErrProviderUnavailable},
		{"invalid_scope", ErrProviderConfig},
		{"unauthorized_client", ErrProviderConfig},
	} {
		if err := CallbackError(tc.code, ""); !errors.Is(err, tc.want) {
			t.Errorf("CallbackError(%q) = %v, want %v", tc.code, err, tc.want)
		}
	}
}
