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

package server

import (
	"bytes"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/c2FmZQ/hostedauth/server/internal/passkeys"
)

func TestReadConfig(t *testing.T) {
	got, err := ReadConfig("../examples/example-config.yaml")
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}

	want := &Config{
		Issuer:              "https://auth.example.com",
		ListenAddr:          ":8080",
		AcceptProxyProtocol: true,
		MetricsAddr:         "127.0.0.1:9090",
		DataDir:             "/var/lib/hostedauth",
		Storage:             StorageSQLite,
		SQLitePath:          "/var/lib/hostedauth/hostedauth.db",
		RequestLifetime:     10 * time.Minute,
		PasskeyWindow:       2 * time.Minute,
		TokenAlg:            "ES256",
		Applications: []*Application{
			{
				AppID:               "www",
				AllowedRedirectURIs: []string{"https://www.example.com/auth/callback"},
				AllowedOrigins:      []string{"https://auth.example.com", "https://www.example.com"},
				RPID:                "example.com",
				RPName:              "Example",
				OAuthProviders: map[string]*ConfigProvider{
					"google": {
						Kind:         "google",
						ClientID:     "<google client id>",
						ClientSecret: "<google client secret>",
					},
					"github": {
						Kind:         "github",
						ClientID:     "<github client id>",
						ClientSecret: "<github client secret>",
					},
				},
				PasskeyEnabled:       true,
				PasswordEnabled:      true,
				Attestation:          passkeys.AttestationNone,
				UserVerification:     "required",
				SessionDuration:      2 * time.Hour,
				RefreshEnabled:       true,
				RefreshTokenLifetime: 30 * 24 * time.Hour,
				ClientSecretHash:     "$2a$10$YJ1j7p8eMfOZ9GOJK4kF3.Y3tE3G1wF0xS1oH7b8pYQ7o7YQm7Uu2",
				RateLimit:            10,
				TokenRateLimit:       20,
			},
			{
				AppID:               "mobile",
				AllowedRedirectURIs: []string{"http://127.0.0.1:18080/redirect"},
				AllowedOrigins:      []string{"https://auth.example.com"},
				RPID:                "auth.example.com",
				RPName:              "auth.example.com",
				OAuthProviders: map[string]*ConfigProvider{
					"acme": {
						Kind:         "oidc",
						ClientID:     "<acme client id>",
						ClientSecret: "<acme client secret>",
						DiscoveryURL: "https://login.acme.example/.well-known/openid-configuration",
					},
				},
				Attestation:          passkeys.AttestationNone,
				UserVerification:     "required",
				SessionDuration:      time.Hour,
				RefreshTokenLifetime: 30 * 24 * time.Hour,
				RateLimit:            10,
				TokenRateLimit:       20,
			},
		},
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Errorf("ReadConfig() = %#v, want %#v", got, want)
		for _, d := range diff {
			t.Logf("  %s", d)
		}
	}
	if got.Applications[0].Version() == "" || got.Applications[0].Version() == got.Applications[1].Version() {
		t.Errorf("Versions = %q, %q", got.Applications[0].Version(), got.Applications[1].Version())
	}
}

func TestConfigVersion(t *testing.T) {
	cfg := func(name string) *Config {
		return &Config{
			Issuer:  "https://auth.example.com",
			DataDir: t.TempDir(),
			Applications: []*Application{{
				AppID:               "app",
				RPName:              name,
				AllowedRedirectURIs: []string{"https://app.example.com/cb"},
				PasskeyEnabled:      true,
			}},
		}
	}
	a, b, c := cfg("A"), cfg("A"), cfg("B")
	for _, x := range []*Config{a, b, c} {
		if err := x.Check(); err != nil {
			t.Fatalf("Check: %v", err)
		}
	}
	if a.Applications[0].Version() != b.Applications[0].Version() {
		t.Error("same settings, different versions")
	}
	if a.Applications[0].Version() == c.Applications[0].Version() {
		t.Error("different settings, same version")
	}
	if got := a.clone().Applications[0].Version(); got != a.Applications[0].Version() {
		t.Errorf("clone version = %q, want %q", got, a.Applications[0].Version())
	}
}

func TestConfigErrors(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Issuer:  "https://auth.example.com",
			DataDir: t.TempDir(),
			Applications: []*Application{{
				AppID:               "app",
				AllowedRedirectURIs: []string{"https://app.example.com/cb"},
				PasskeyEnabled:      true,
			}},
		}
	}
	if err := valid().Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
	for _, tc := range []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"no issuer", func(c *Config) { c.Issuer = "" }, "issuer: must be set"},
		{"http issuer", func(c *Config) { c.Issuer = "http://auth.example.com" }, "issuer: must be an https URL"},
		{"issuer path", func(c *Config) { c.Issuer = "https://auth.example.com/x" }, "issuer: must not have a path"},
		{"storage", func(c *Config) { c.Storage = "redis" }, "storage: invalid value"},
		{"request lifetime", func(c *Config) { c.RequestLifetime = time.Second }, "requestLifetime"},
		{"passkey window", func(c *Config) { c.PasskeyWindow = time.Hour }, "passkeyWindow"},
		{"token alg", func(c *Config) { c.TokenAlg = "HS256" }, "tokenAlg: invalid value"},
		{"no app id", func(c *Config) { c.Applications[0].AppID = "" }, "applications[0].appId: must be set"},
		{"duplicate app id", func(c *Config) {
			app := *c.Applications[0]
			c.Applications = append(c.Applications, &app)
		}, "applications[1].appId: duplicate"},
		{"no redirect", func(c *Config) { c.Applications[0].AllowedRedirectURIs = nil }, "allowedRedirectURIs: must not be empty"},
		{"http redirect", func(c *Config) {
			c.Applications[0].AllowedRedirectURIs = []string{"http://app.example.com/cb"}
		}, "allowedRedirectURIs[0]: must be an https URL"},
		{"redirect fragment", func(c *Config) {
			c.Applications[0].AllowedRedirectURIs = []string{"https://app.example.com/cb#x"}
		}, "must not have a fragment"},
		{"origin outside rp", func(c *Config) {
			c.Applications[0].AllowedOrigins = []string{"https://evil.example.net"}
		}, "isn't within rpId"},
		{"attestation", func(c *Config) { c.Applications[0].Attestation = "enterprise" }, "attestation: invalid value"},
		{"roots without direct", func(c *Config) {
			c.Applications[0].AttestationRoots = []string{"x"}
		}, "attestationRoots: requires direct attestation"},
		{"bad root", func(c *Config) {
			c.Applications[0].Attestation = passkeys.AttestationDirect
			c.Applications[0].AttestationRoots = []string{"not pem"}
		}, "attestationRoots[0]: not a PEM certificate"},
		{"no methods", func(c *Config) { c.Applications[0].PasskeyEnabled = false }, "at least one sign-in method"},
		{"provider kind", func(c *Config) {
			c.Applications[0].OAuthProviders = map[string]*ConfigProvider{"x": {ClientID: "a", ClientSecret: "b"}}
		}, "oauthProviders[x].kind: invalid value"},
		{"oidc without endpoints", func(c *Config) {
			c.Applications[0].OAuthProviders = map[string]*ConfigProvider{"x": {Kind: "oidc", ClientID: "a", ClientSecret: "b"}}
		}, "discoveryUrl"},
		{"provider secret", func(c *Config) {
			c.Applications[0].OAuthProviders = map[string]*ConfigProvider{"google": {ClientID: "a"}}
		}, "clientId and clientSecret must be set"},
		{"session duration", func(c *Config) { c.Applications[0].SessionDuration = 48 * time.Hour }, "sessionDuration"},
		{"client secret hash", func(c *Config) { c.Applications[0].ClientSecretHash = "plaintext" }, "clientSecretHash"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.modify(cfg)
			err := cfg.Check()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Check() = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestAttestationRootsConfig(t *testing.T) {
	auth, err := passkeys.NewFakeAuthenticator()
	if err != nil {
		t.Fatalf("NewFakeAuthenticator: %v", err)
	}
	root := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: auth.AttestationRoot()}))
	cfg := &Config{
		Issuer:  "https://auth.example.com",
		DataDir: t.TempDir(),
		Applications: []*Application{{
			AppID:               "app",
			AllowedRedirectURIs: []string{"https://app.example.com/cb"},
			PasskeyEnabled:      true,
			Attestation:         passkeys.AttestationDirect,
			AttestationRoots:    []string{root},
		}},
	}
	if err := cfg.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
	rp := cfg.Applications[0].relyingParty()
	if len(rp.AttestationRoots) != 1 || !bytes.Equal(rp.AttestationRoots[0], auth.AttestationRoot()) {
		t.Errorf("AttestationRoots = %x", rp.AttestationRoots)
	}
}
