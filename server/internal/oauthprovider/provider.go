// MIT License
//
// Copyright (c) 2023 TTBT Enterprises LLC
// Copyright (c) 2023 Robin Thellend <rthellend@rthellend.com>
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

// Package oauthprovider runs the authorization code flow with upstream
// identity providers (Google, GitHub, and generic OpenID Connect providers)
// and turns the result into a verified user profile.
package oauthprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// Provider kinds.
const (
	KindGoogle = "google"
	KindGitHub = "github"
	KindOIDC   = "oidc"
)

const (
	googleIssuer      = "https://accounts.google.com"
	googleJWKSURI     = "https://www.googleapis.com/oauth2/v3/certs"
	googleUserinfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	githubUserURL     = "https://api.github.com/user"
)

// Provider is the configuration of one identity provider for one
// application.
type Provider struct {
	// ID is the name of the provider in URLs, e.g. "google".
	ID string
	// Kind is one of google, github, or oidc. It defaults to ID.
	Kind         string
	ClientID     string
	ClientSecret string
	// Scopes defaults to openid, email, profile for OIDC providers and
	// read:user, user:email for GitHub.
	Scopes []string
	// DiscoveryURL is the OpenID Connect discovery document of an oidc
	// provider.
	DiscoveryURL string

	// The endpoints below override the ones of the provider kind or the
	// discovery document.
	AuthURL     string
	TokenURL    string
	UserinfoURL string
	Issuer      string
	JWKSURI     string
}

func (p Provider) kind() string {
	if p.Kind != "" {
		return p.Kind
	}
	return p.ID
}

func (p Provider) scopes() []string {
	if len(p.Scopes) > 0 {
		return p.Scopes
	}
	if p.kind() == KindGitHub {
		return []string{"read:user", "user:email"}
	}
	return []string{"openid", "email", "profile"}
}

func (p Provider) isOIDC() bool {
	return p.kind() != KindGitHub
}

// Profile is the user information obtained from the provider.
type Profile struct {
	Provider      string `json:"provider"`
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Login         string `json:"login,omitempty"`
}

// providerEndpoints are the resolved endpoints of a provider.
type providerEndpoints struct {
	AuthURL     string `json:"authorization_endpoint"`
	TokenURL    string `json:"token_endpoint"`
	UserinfoURL string `json:"userinfo_endpoint"`
	Issuer      string `json:"issuer"`
	JWKSURI     string `json:"jwks_uri"`
}

func (e *providerEndpoints) override(p Provider) {
	for _, f := range []struct {
		dst *string
		v   string
	}{
		{&e.AuthURL, p.AuthURL},
		{&e.TokenURL, p.TokenURL},
		{&e.UserinfoURL, p.UserinfoURL},
		{&e.Issuer, p.Issuer},
		{&e.JWKSURI, p.JWKSURI},
	} {
		if f.v != "" {
			*f.dst = f.v
		}
	}
}

// endpoints resolves the endpoints of the provider, fetching the discovery
// document if needed.
func (a *Adapter) endpoints(ctx context.Context, p Provider) (*providerEndpoints, error) {
	var ep providerEndpoints
	switch p.kind() {
	case KindGoogle:
		ep = providerEndpoints{
			AuthURL:     endpoints.Google.AuthURL,
			TokenURL:    endpoints.Google.TokenURL,
			UserinfoURL: googleUserinfoURL,
			Issuer:      googleIssuer,
			JWKSURI:     googleJWKSURI,
		}
	case KindGitHub:
		ep = providerEndpoints{
			AuthURL:     endpoints.GitHub.AuthURL,
			TokenURL:    endpoints.GitHub.TokenURL,
			UserinfoURL: githubUserURL,
		}
	case KindOIDC:
		if p.DiscoveryURL != "" {
			d, err := a.discover(ctx, p.DiscoveryURL)
			if err != nil {
				return nil, err
			}
			ep = *d
		}
	default:
		return nil, fmt.Errorf("%w: unknown provider kind %q", ErrProviderConfig, p.kind())
	}
	ep.override(p)
	if ep.AuthURL == "" || ep.TokenURL == "" {
		return nil, fmt.Errorf("%w: %s: missing endpoints", ErrProviderConfig, p.ID)
	}
	if p.isOIDC() && (ep.Issuer == "" || ep.JWKSURI == "") && ep.UserinfoURL == "" {
		return nil, fmt.Errorf("%w: %s: no way to get the user profile", ErrProviderConfig, p.ID)
	}
	return &ep, nil
}

func (a *Adapter) discover(ctx context.Context, discoveryURL string) (*providerEndpoints, error) {
	if d, ok := a.discovery.Get(discoveryURL); ok {
		return d, nil
	}
	var d providerEndpoints
	if err := a.getJSON(ctx, discoveryURL, "", &d); err != nil {
		return nil, fmt.Errorf("discovery document: %w", err)
	}
	if d.Issuer == "" || d.AuthURL == "" || d.TokenURL == "" {
		return nil, fmt.Errorf("%w: incomplete discovery document %s", ErrProviderConfig, discoveryURL)
	}
	a.discovery.Add(discoveryURL, &d)
	return &d, nil
}

func (a *Adapter) oauth2Config(p Provider, ep *providerEndpoints) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  ep.AuthURL,
			TokenURL: ep.TokenURL,
			// One request per exchange, no auth style probing.
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: a.CallbackURL(p.ID),
		Scopes:      p.scopes(),
	}
}

// getJSON fetches a JSON document, with the bearer token if set. Network
// errors and 5xx responses are reported as ErrProviderUnavailable.
func (a *Adapter) getJSON(ctx context.Context, url, bearer string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderConfig, err)
	}
	req.Header.Set("accept", "application/json")
	if bearer != "" {
		req.Header.Set("authorization", "Bearer "+bearer)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s: %s", ErrProviderUnavailable, url, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: %s", ErrProviderConfig, url, resp.Status)
	}
	if err := json.NewDecoder(&io.LimitedReader{R: resp.Body, N: maxBodySize}).Decode(v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, url, err)
	}
	return nil
}

// flexBool accepts booleans encoded as JSON booleans or strings.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "true":
		*b = true
	case "false", "null", "":
		*b = false
	default:
		return errors.New("invalid boolean")
	}
	return nil
}

// userinfo is the union of the fields returned by the userinfo endpoints
// and in ID tokens.
type userinfo struct {
	Subject       string      `json:"sub"`
	ID            json.Number `json:"id"` // github
	Email         string      `json:"email"`
	EmailVerified flexBool    `json:"email_verified"`
	Name          string      `json:"name"`
	Picture       string      `json:"picture"`
	AvatarURL     string      `json:"avatar_url"`         // github
	Login         string      `json:"login"`              // github
	Username      string      `json:"preferred_username"` // oidc
}

func (u *userinfo) merge(p *Profile) {
	if p.Subject == "" {
		p.Subject = u.Subject
		if p.Subject == "" {
			p.Subject = u.ID.String()
		}
	}
	if p.Email == "" && u.Email != "" {
		p.Email = u.Email
		p.EmailVerified = bool(u.EmailVerified)
	}
	if p.Name == "" {
		p.Name = u.Name
	}
	if p.Picture == "" {
		p.Picture = u.Picture
		if p.Picture == "" {
			p.Picture = u.AvatarURL
		}
	}
	if p.Login == "" {
		p.Login = u.Login
		if p.Login == "" {
			p.Login = u.Username
		}
	}
}
