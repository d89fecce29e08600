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
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2"

	"github.com/c2FmZQ/hostedauth/server/internal/jwks"
	"github.com/c2FmZQ/hostedauth/server/internal/nonce"
)

const (
	// StateLifetime is how long the user has to complete the login at the
	// provider.
	StateLifetime = 10 * time.Minute

	defaultTimeout     = 10 * time.Second
	discoveryCacheSize = 64
	discoveryCacheTTL  = time.Hour
	maxBodySize        = 1 << 20
)

var (
	// ErrAccessDenied means that the user, or the provider, declined the
	// authorization request. It isn't a fault.
	ErrAccessDenied = errors.New("access denied")
	// ErrProviderConfig means that the provider rejected the client's
	// configuration or request.
	ErrProviderConfig = errors.New("provider configuration error")
	// ErrProviderUnavailable means that the provider couldn't be reached or
	// returned a server error after retries.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrInvalidState means that the state parameter isn't a valid,
	// unexpired, unused state.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidIDToken means that the ID token failed verification.
	ErrInvalidIDToken = errors.New("invalid id token")
)

// EventRecorder is used to record events.
type EventRecorder interface {
	Record(string)
}

type nopRecorder struct{}

func (nopRecorder) Record(string) {}

type defaultLogger struct{}

func (defaultLogger) Errorf(format string, args ...any) {
	log.Printf(format, args...)
}

// Config is the configuration of the Adapter.
type Config struct {
	// CallbackBase is the URL prefix of the callback endpoint, e.g.
	// https://auth.example.com/oauth/callback/. The provider ID is
	// appended to it.
	CallbackBase string
	Nonces       nonce.Backend
	// Client is used for all the calls to the providers. The default
	// retries once with a linear jittered backoff.
	Client *retryablehttp.Client
	// Keys verifies the providers' ID tokens.
	Keys *jwks.Remote
	// Timeout is the timeout of each call to a provider.
	Timeout       time.Duration
	EventRecorder EventRecorder
	// ObserveExchange, if set, is called after each code exchange.
	ObserveExchange func(provider string, d time.Duration, err error)
	Logger          interface {
		Errorf(format string, args ...any)
	}
}

// State is the record bound to the state parameter sent to the provider.
type State struct {
	FlowNonce string `json:"flow"`
	Provider  string `json:"provider"`
	Verifier  string `json:"verifier"`
	OIDCNonce string `json:"nonce,omitempty"`
}

// Adapter runs the authorization code flow with the providers.
type Adapter struct {
	cfg       Config
	client    *retryablehttp.Client
	keys      *jwks.Remote
	states    *nonce.Table[State]
	discovery *expirable.LRU[string, *providerEndpoints]
}

// NewClient returns the default HTTP client for provider calls.
func NewClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 1
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.Backoff = retryablehttp.LinearJitterBackoff
	c.HTTPClient.Timeout = defaultTimeout
	c.Logger = nil
	return c
}

// New returns a new Adapter.
func New(cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger{}
	}
	if cfg.EventRecorder == nil {
		cfg.EventRecorder = nopRecorder{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = NewClient()
	}
	if cfg.Keys == nil {
		cfg.Keys = jwks.NewRemote(cfg.Client, cfg.Logger)
	}
	return &Adapter{
		cfg:       cfg,
		client:    cfg.Client,
		keys:      cfg.Keys,
		states:    nonce.NewTable[State](cfg.Nonces, "provider", StateLifetime),
		discovery: expirable.NewLRU[string, *providerEndpoints](discoveryCacheSize, nil, discoveryCacheTTL),
	}
}

// Stop stops the background key refreshes.
func (a *Adapter) Stop() {
	a.keys.Stop()
}

// CallbackURL returns the redirect URI registered with the provider.
func (a *Adapter) CallbackURL(providerID string) string {
	return a.cfg.CallbackBase + url.PathEscape(providerID)
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// BeginAuthorization returns the provider's authorization URL for the
// flow. The state parameter is a new single-use nonce bound to flowNonce
// that also holds the PKCE verifier and the OIDC nonce. The client secret
// is never part of the URL.
func (a *Adapter) BeginAuthorization(ctx context.Context, p Provider, flowNonce string) (string, error) {
	ep, err := a.endpoints(ctx, p)
	if err != nil {
		return "", err
	}
	st := &State{
		FlowNonce: flowNonce,
		Provider:  p.ID,
		Verifier:  oauth2.GenerateVerifier(),
	}
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(st.Verifier)}
	if p.isOIDC() {
		if st.OIDCNonce, err = randomString(16); err != nil {
			return "", err
		}
		opts = append(opts, oauth2.SetAuthURLParam("nonce", st.OIDCNonce))
	}
	state, err := a.states.Issue(ctx, st)
	if err != nil {
		return "", err
	}
	a.cfg.EventRecorder.Record("oauth auth request")
	return a.oauth2Config(p, ep).AuthCodeURL(state, opts...), nil
}

// ConsumeState redeems the state parameter of a callback. Expired and
// replayed states still return the record with the error, so that the
// caller can find the flow.
func (a *Adapter) ConsumeState(ctx context.Context, state string) (*State, error) {
	st, err := a.states.Consume(ctx, state)
	if err != nil {
		return st, fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	return st, nil
}

// CallbackError converts the error parameters of a callback.
func CallbackError(code, description string) error {
	if description == "" {
		description = code
	}
	switch code {
	case "access_denied", "consent_required", "login_required", "interaction_required":
		return fmt.Errorf("%w: %s", ErrAccessDenied, description)
	case "temporarily_unavailable", "server_error":
		return fmt.Errorf("%w: %s", ErrProviderUnavailable, description)
	default:
		return fmt.Errorf("%w: %s: %s", ErrProviderConfig, code, description)
	}
}

// CompleteAuthorization exchanges the code and returns the user's profile.
// The profile comes from the verified ID token for OIDC providers, and
// from the userinfo endpoint otherwise.
func (a *Adapter) CompleteAuthorization(ctx context.Context, p Provider, code string, st *State) (*Profile, error) {
	if st == nil || st.Provider != p.ID {
		return nil, ErrInvalidState
	}
	ep, err := a.endpoints(ctx, p)
	if err != nil {
		return nil, err
	}
	tok, err := a.exchange(ctx, p, ep, code, st.Verifier)
	if err != nil {
		return nil, err
	}

	profile := &Profile{Provider: p.ID}
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" && p.isOIDC() {
		if err := a.verifyIDToken(ctx, p, ep, raw, st.OIDCNonce, profile); err != nil {
			a.cfg.EventRecorder.Record("oauth invalid id token")
			return nil, err
		}
	} else if p.isOIDC() && ep.UserinfoURL == "" {
		return nil, fmt.Errorf("%w: %s: no id token", ErrProviderConfig, p.ID)
	}

	if profile.Email == "" && ep.UserinfoURL != "" {
		var info userinfo
		if err := a.getJSON(ctx, ep.UserinfoURL, tok.AccessToken, &info); err != nil {
			return nil, err
		}
		if profile.Subject != "" && info.Subject != "" && info.Subject != profile.Subject {
			return nil, fmt.Errorf("%w: userinfo subject mismatch", ErrInvalidIDToken)
		}
		info.merge(profile)
		if p.kind() == KindGitHub {
			a.githubEmail(ctx, ep, tok.AccessToken, profile)
		}
	}
	if profile.Subject == "" {
		return nil, fmt.Errorf("%w: %s: no subject", ErrProviderConfig, p.ID)
	}
	a.cfg.EventRecorder.Record("oauth auth success")
	return profile, nil
}

func (a *Adapter) exchange(ctx context.Context, p Provider, ep *providerEndpoints, code, verifier string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client.StandardClient())

	start := time.Now()
	tok, err := a.oauth2Config(p, ep).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		err = classifyExchangeError(err)
	}
	if a.cfg.ObserveExchange != nil {
		a.cfg.ObserveExchange(p.ID, time.Since(start), err)
	}
	return tok, err
}

func classifyExchangeError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	switch re.ErrorCode {
	case "access_denied":
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	case "temporarily_unavailable", "server_error":
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	case "":
		if re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrProviderConfig, err)
}

type idTokenClaims struct {
	Nonce             string   `json:"nonce"`
	Email             string   `json:"email"`
	EmailVerified     flexBool `json:"email_verified"`
	Name              string   `json:"name"`
	Picture           string   `json:"picture"`
	PreferredUsername string   `json:"preferred_username"`
	jwt.RegisteredClaims
}

func (a *Adapter) verifyIDToken(ctx context.Context, p Provider, ep *providerEndpoints, raw, oidcNonce string, profile *Profile) error {
	if ep.Issuer == "" || ep.JWKSURI == "" {
		return fmt.Errorf("%w: %s: no issuer or jwks_uri", ErrProviderConfig, p.ID)
	}
	a.keys.Track(jwks.Issuer{Issuer: ep.Issuer, JWKSURI: ep.JWKSURI})

	var claims idTokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		return a.keys.Key(ctx, ep.Issuer, kid)
	},
		jwt.WithValidMethods([]string{"RS256", "ES256", "EdDSA"}),
		jwt.WithAudience(p.ClientID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Minute),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}
	issuers := []string{ep.Issuer}
	if p.kind() == KindGoogle {
		issuers = append(issuers, strings.TrimPrefix(googleIssuer, "https://"))
	}
	if !slices.Contains(issuers, claims.Issuer) {
		return fmt.Errorf("%w: unexpected issuer %q", ErrInvalidIDToken, claims.Issuer)
	}
	if oidcNonce == "" || claims.Nonce != oidcNonce {
		return fmt.Errorf("%w: nonce mismatch", ErrInvalidIDToken)
	}
	if claims.Subject == "" {
		return fmt.Errorf("%w: no subject", ErrInvalidIDToken)
	}
	info := userinfo{
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		Picture:       claims.Picture,
		Username:      claims.PreferredUsername,
	}
	info.merge(profile)
	return nil
}

// githubEmail fills in the primary email address, which the user endpoint
// doesn't return when it is private, and its verification status.
func (a *Adapter) githubEmail(ctx context.Context, ep *providerEndpoints, accessToken string, profile *Profile) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := a.getJSON(ctx, strings.TrimSuffix(ep.UserinfoURL, "/")+"/emails", accessToken, &emails); err != nil {
		a.cfg.Logger.Errorf("ERR github emails: %v", err)
		return
	}
	for _, e := range emails {
		if e.Primary {
			profile.Email = e.Email
			profile.EmailVerified = e.Verified
			return
		}
	}
}
