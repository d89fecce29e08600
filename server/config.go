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
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/idna"
	yaml "gopkg.in/yaml.v3"

	"github.com/c2FmZQ/hostedauth/server/internal/oauthprovider"
	"github.com/c2FmZQ/hostedauth/server/internal/passkeys"
)

const (
	StorageEncrypted = "encrypted"
	StorageSQLite    = "sqlite"

	defaultListenAddr           = ":8080"
	defaultRequestLifetime      = 10 * time.Minute
	defaultPasskeyWindow        = 2 * time.Minute
	defaultSessionDuration      = time.Hour
	maxSessionDuration          = 24 * time.Hour
	defaultRefreshTokenLifetime = 30 * 24 * time.Hour
	defaultRateLimit            = 10
	defaultTokenRateLimit       = 20
)

// Config is the configuration of the authentication server.
type Config struct {
	// Definitions is a section where yaml anchors can be defined. It is
	// otherwise ignored.
	Definitions any `yaml:"definitions,omitempty"`

	// Issuer is the public URL of the server, e.g.
	// https://auth.example.com. It is the iss claim of the tokens and the
	// default WebAuthn origin.
	Issuer string `yaml:"issuer"`
	// ListenAddr is the address where the server receives HTTP requests.
	// TLS is expected to be terminated by a load balancer.
	ListenAddr string `yaml:"listenAddr,omitempty"`
	// AcceptProxyProtocol indicates that incoming connections start with a
	// PROXY protocol header, e.g. from a load balancer.
	AcceptProxyProtocol bool `yaml:"acceptProxyProtocol,omitempty"`
	// MetricsAddr, if set, is the address where prometheus metrics are
	// exported.
	MetricsAddr string `yaml:"metricsAddr,omitempty"`
	// DataDir is the directory where the master key, the token signing
	// keys, and the encrypted store are kept.
	DataDir string `yaml:"dataDir,omitempty"`
	// HWBacked indicates that the master key is bound to the local TPM.
	HWBacked bool `yaml:"hwBacked,omitempty"`
	// Storage is the backend of users, credentials, sessions, and
	// single-use records: encrypted (the default) or sqlite. Several
	// replicas can share a sqlite database.
	Storage string `yaml:"storage,omitempty"`
	// SQLitePath is the database file of the sqlite backend. It defaults
	// to hostedauth.db in DataDir.
	SQLitePath string `yaml:"sqlitePath,omitempty"`
	// RequestLifetime is how long a user has to complete an authentication
	// flow. The default is 10m.
	RequestLifetime time.Duration `yaml:"requestLifetime,omitempty"`
	// PasskeyWindow is how long the hosted page waits for a passkey before
	// offering the other sign-in methods. The default is 2m.
	PasskeyWindow time.Duration `yaml:"passkeyWindow,omitempty"`
	// TokenAlg is the signing algorithm of the issued tokens: ES256 (the
	// default), RS256, or EdDSA.
	TokenAlg string `yaml:"tokenAlg,omitempty"`
	// LogFilter controls what gets logged.
	LogFilter LogFilter `yaml:"logFilter,omitempty"`
	// Applications is the list of calling applications.
	Applications []*Application `yaml:"applications"`
}

// LogFilter controls what gets logged.
type LogFilter struct {
	// Requests indicates that HTTP requests should be logged.
	Requests *bool `yaml:"requests,omitempty"`
	// Errors indicates that errors should be logged.
	Errors *bool `yaml:"errors,omitempty"`
}

// Application is a calling application.
type Application struct {
	// AppID identifies the application. It is the client_id at the token
	// endpoint and the aud claim of its tokens.
	AppID string `yaml:"appId"`
	// AllowedRedirectURIs is the exact list of URIs where users can be
	// sent back. There is no wildcard or prefix matching.
	AllowedRedirectURIs []string `yaml:"allowedRedirectURIs"`
	// AllowedOrigins are the origins allowed in WebAuthn ceremonies. The
	// default is the origin of the issuer.
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"`
	// RPID is the WebAuthn relying party ID. The default is the host name
	// of the issuer.
	RPID string `yaml:"rpId,omitempty"`
	// RPName is the relying party name shown by authenticators.
	RPName string `yaml:"rpName,omitempty"`
	// OAuthProviders are the identity providers enabled for the
	// application, by provider ID.
	OAuthProviders map[string]*ConfigProvider `yaml:"oauthProviders,omitempty"`
	// PasskeyEnabled enables sign-in with passkeys.
	PasskeyEnabled bool `yaml:"passkeyEnabled,omitempty"`
	// PasswordEnabled enables sign-in with a username and password.
	PasswordEnabled bool `yaml:"passwordEnabled,omitempty"`
	// Attestation is the attestation policy of passkey registrations:
	// none (the default), indirect, or direct.
	Attestation string `yaml:"attestation,omitempty"`
	// AttestationRoots are PEM-encoded CA certificates. With direct
	// attestation, only authenticators whose attestation certificate chains
	// to one of them can register.
	AttestationRoots []string `yaml:"attestationRoots,omitempty"`
	// UserVerification is required (the default) or preferred.
	UserVerification string `yaml:"userVerification,omitempty"`
	// AllowCounterlessAuthenticators accepts authenticators that always
	// report a sign count of 0.
	AllowCounterlessAuthenticators bool `yaml:"allowCounterlessAuthenticators,omitempty"`
	// SessionDuration is the lifetime of access tokens. The default is 1h.
	SessionDuration time.Duration `yaml:"sessionDuration,omitempty"`
	// RefreshEnabled enables refresh tokens.
	RefreshEnabled bool `yaml:"refreshEnabled,omitempty"`
	// RefreshTokenLifetime is the lifetime of refresh tokens. The default
	// is 30 days.
	RefreshTokenLifetime time.Duration `yaml:"refreshTokenLifetime,omitempty"`
	// ClientSecretHash is the bcrypt hash of the client secret. Without
	// it, the application is a public client and must use PKCE.
	ClientSecretHash string `yaml:"clientSecretHash,omitempty"`
	// RateLimit is the number of authentication requests per second
	// allowed for the application. The default is 10.
	RateLimit float64 `yaml:"rateLimit,omitempty"`
	// TokenRateLimit is the number of token requests per second allowed
	// for the application. The default is 20.
	TokenRateLimit float64 `yaml:"tokenRateLimit,omitempty"`

	version string
}

// ConfigProvider is the configuration of an identity provider for an
// application.
type ConfigProvider struct {
	// Kind is google, github, or oidc. It defaults to the provider ID.
	Kind         string   `yaml:"kind,omitempty"`
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	Scopes       []string `yaml:"scopes,omitempty"`
	// DiscoveryURL is the OpenID Connect discovery document of an oidc
	// provider.
	DiscoveryURL string `yaml:"discoveryUrl,omitempty"`
	// The endpoints below override the ones of the kind or the discovery
	// document.
	AuthURL     string `yaml:"authUrl,omitempty"`
	TokenURL    string `yaml:"tokenUrl,omitempty"`
	UserinfoURL string `yaml:"userinfoUrl,omitempty"`
	Issuer      string `yaml:"issuer,omitempty"`
	JWKSURI     string `yaml:"jwksUri,omitempty"`
}

func (cfg *Config) clone() *Config {
	b, _ := yaml.Marshal(cfg)
	var out Config
	yaml.Unmarshal(b, &out)
	for i, app := range cfg.Applications {
		if app != nil && out.Applications[i] != nil {
			out.Applications[i].version = app.version
		}
	}
	return &out
}

func (cfg *Config) equal(other *Config) bool {
	if other == nil {
		return false
	}
	a, _ := yaml.Marshal(cfg)
	b, _ := yaml.Marshal(other)
	return bytes.Equal(a, b)
}

// secureURL returns an error unless u is an absolute https URL, or an http
// URL on the loopback interface.
func secureURL(u *url.URL) error {
	if u.Scheme == "https" && u.Host != "" {
		return nil
	}
	if u.Scheme == "http" {
		host := u.Hostname()
		if host == "localhost" {
			return nil
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return nil
		}
	}
	return errors.New("must be an https URL")
}

// Check checks that the Config is valid and sets some default values.
func (cfg *Config) Check() error {
	cfg.Definitions = nil
	if cfg.Issuer == "" {
		return errors.New("issuer: must be set")
	}
	iss, err := url.Parse(cfg.Issuer)
	if err != nil {
		return fmt.Errorf("issuer: %v", err)
	}
	if err := secureURL(iss); err != nil {
		return fmt.Errorf("issuer: %v", err)
	}
	if iss.Path != "" && iss.Path != "/" || iss.RawQuery != "" || iss.Fragment != "" {
		return errors.New("issuer: must not have a path, query, or fragment")
	}
	cfg.Issuer = iss.Scheme + "://" + iss.Host
	issuerHost := strings.ToLower(iss.Hostname())

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.DataDir == "" {
		d, err := os.UserCacheDir()
		if err != nil {
			return errors.New("dataDir: must be set")
		}
		cfg.DataDir = filepath.Join(d, "hostedauth")
	}
	switch cfg.Storage {
	case "":
		cfg.Storage = StorageEncrypted
	case StorageEncrypted, StorageSQLite:
	default:
		return fmt.Errorf("storage: invalid value %q", cfg.Storage)
	}
	if cfg.Storage == StorageSQLite && cfg.SQLitePath == "" {
		cfg.SQLitePath = filepath.Join(cfg.DataDir, "hostedauth.db")
	}
	if cfg.RequestLifetime == 0 {
		cfg.RequestLifetime = defaultRequestLifetime
	}
	if cfg.RequestLifetime < time.Minute || cfg.RequestLifetime > time.Hour {
		return errors.New("requestLifetime: must be between 1m and 1h")
	}
	if cfg.PasskeyWindow == 0 {
		cfg.PasskeyWindow = defaultPasskeyWindow
	}
	if cfg.PasskeyWindow < 0 || cfg.PasskeyWindow > cfg.RequestLifetime {
		return errors.New("passkeyWindow: must be between 0 and requestLifetime")
	}
	switch cfg.TokenAlg {
	case "":
		cfg.TokenAlg = "ES256"
	case "ES256", "RS256", "EdDSA":
	default:
		return fmt.Errorf("tokenAlg: invalid value %q", cfg.TokenAlg)
	}

	appIDs := make(map[string]bool)
	for i, app := range cfg.Applications {
		if app == nil {
			return fmt.Errorf("applications[%d]: must not be empty", i)
		}
		if err := app.check(cfg.Issuer, issuerHost); err != nil {
			return fmt.Errorf("applications[%d].%w", i, err)
		}
		if appIDs[app.AppID] {
			return fmt.Errorf("applications[%d].appId: duplicate %q", i, app.AppID)
		}
		appIDs[app.AppID] = true
	}
	return nil
}

func (app *Application) check(issuer, issuerHost string) error {
	if app.AppID == "" {
		return errors.New("appId: must be set")
	}
	if len(app.AllowedRedirectURIs) == 0 {
		return errors.New("allowedRedirectURIs: must not be empty")
	}
	for i, r := range app.AllowedRedirectURIs {
		u, err := url.Parse(r)
		if err != nil {
			return fmt.Errorf("allowedRedirectURIs[%d]: %v", i, err)
		}
		if err := secureURL(u); err != nil {
			return fmt.Errorf("allowedRedirectURIs[%d]: %v", i, err)
		}
		if u.Fragment != "" {
			return fmt.Errorf("allowedRedirectURIs[%d]: must not have a fragment", i)
		}
	}

	if app.RPID == "" {
		app.RPID = issuerHost
	}
	rpID, err := idna.Lookup.ToASCII(strings.TrimSuffix(app.RPID, "."))
	if err != nil {
		return fmt.Errorf("rpId: %v", err)
	}
	app.RPID = rpID
	if app.RPName == "" {
		app.RPName = app.RPID
	}
	if len(app.AllowedOrigins) == 0 {
		app.AllowedOrigins = []string{issuer}
	}
	for i, o := range app.AllowedOrigins {
		u, err := url.Parse(o)
		if err != nil {
			return fmt.Errorf("allowedOrigins[%d]: %v", i, err)
		}
		if err := secureURL(u); err != nil {
			return fmt.Errorf("allowedOrigins[%d]: %v", i, err)
		}
		if u.Path != "" || u.RawQuery != "" || u.Fragment != "" {
			return fmt.Errorf("allowedOrigins[%d]: must be an origin", i)
		}
		host, err := idna.Lookup.ToASCII(u.Hostname())
		if err != nil {
			return fmt.Errorf("allowedOrigins[%d]: %v", i, err)
		}
		if host != app.RPID && !strings.HasSuffix(host, "."+app.RPID) {
			return fmt.Errorf("allowedOrigins[%d]: %q isn't within rpId %q", i, host, app.RPID)
		}
	}

	switch app.Attestation {
	case "":
		app.Attestation = passkeys.AttestationNone
	case passkeys.AttestationNone, passkeys.AttestationIndirect, passkeys.AttestationDirect:
	default:
		return fmt.Errorf("attestation: invalid value %q", app.Attestation)
	}
	if len(app.AttestationRoots) > 0 && app.Attestation != passkeys.AttestationDirect {
		return errors.New("attestationRoots: requires direct attestation")
	}
	for i, r := range app.AttestationRoots {
		if _, err := parseRoot(r); err != nil {
			return fmt.Errorf("attestationRoots[%d]: %w", i, err)
		}
	}
	switch app.UserVerification {
	case "":
		app.UserVerification = "required"
	case "required", "preferred":
	default:
		return fmt.Errorf("userVerification: invalid value %q", app.UserVerification)
	}

	for id, p := range app.OAuthProviders {
		if p == nil {
			return fmt.Errorf("oauthProviders[%s]: must not be empty", id)
		}
		if p.Kind == "" {
			p.Kind = id
		}
		switch p.Kind {
		case oauthprovider.KindGoogle, oauthprovider.KindGitHub:
		case oauthprovider.KindOIDC:
			if p.DiscoveryURL == "" && (p.AuthURL == "" || p.TokenURL == "") {
				return fmt.Errorf("oauthProviders[%s]: discoveryUrl, or authUrl and tokenUrl, must be set", id)
			}
		default:
			return fmt.Errorf("oauthProviders[%s].kind: invalid value %q", id, p.Kind)
		}
		if p.ClientID == "" || p.ClientSecret == "" {
			return fmt.Errorf("oauthProviders[%s]: clientId and clientSecret must be set", id)
		}
		for _, v := range []string{p.DiscoveryURL, p.AuthURL, p.TokenURL, p.UserinfoURL, p.JWKSURI} {
			if v == "" {
				continue
			}
			if _, err := url.Parse(v); err != nil {
				return fmt.Errorf("oauthProviders[%s]: %v", id, err)
			}
		}
	}
	if !app.PasskeyEnabled && !app.PasswordEnabled && len(app.OAuthProviders) == 0 {
		return errors.New("passkeyEnabled: at least one sign-in method must be enabled")
	}

	if app.SessionDuration == 0 {
		app.SessionDuration = defaultSessionDuration
	}
	if app.SessionDuration < time.Minute || app.SessionDuration > maxSessionDuration {
		return errors.New("sessionDuration: must be between 1m and 24h")
	}
	if app.RefreshTokenLifetime == 0 {
		app.RefreshTokenLifetime = defaultRefreshTokenLifetime
	}
	if app.RefreshTokenLifetime < app.SessionDuration {
		return errors.New("refreshTokenLifetime: must be at least sessionDuration")
	}
	if app.ClientSecretHash != "" {
		if _, err := bcrypt.Cost([]byte(app.ClientSecretHash)); err != nil {
			return fmt.Errorf("clientSecretHash: %v", err)
		}
	}
	if app.RateLimit == 0 {
		app.RateLimit = defaultRateLimit
	}
	if app.TokenRateLimit == 0 {
		app.TokenRateLimit = defaultTokenRateLimit
	}
	if app.RateLimit < 0 || app.TokenRateLimit < 0 {
		return errors.New("rateLimit: must be positive")
	}

	b, err := yaml.Marshal(app)
	if err != nil {
		return fmt.Errorf("appId: %v", err)
	}
	sum := sha256.Sum256(b)
	app.version = hex.EncodeToString(sum[:8])
	return nil
}

// Version identifies the application's configuration. It changes when any
// setting changes.
func (app *Application) Version() string {
	return app.version
}

func (app *Application) allowedRedirectURI(uri string) bool {
	return slices.Contains(app.AllowedRedirectURIs, uri)
}

func (app *Application) publicClient() bool {
	return app.ClientSecretHash == ""
}

func (app *Application) relyingParty() passkeys.RelyingParty {
	return passkeys.RelyingParty{
		ID:               app.RPID,
		Name:             app.RPName,
		Origins:          app.AllowedOrigins,
		Attestation:      app.Attestation,
		UserVerification: app.UserVerification,
		AllowCounterless: app.AllowCounterlessAuthenticators,
		AttestationRoots: app.attestationRoots(),
	}
}

func (app *Application) attestationRoots() [][]byte {
	var roots [][]byte
	for _, r := range app.AttestationRoots {
		if der, err := parseRoot(r); err == nil {
			roots = append(roots, der)
		}
	}
	return roots
}

// parseRoot returns the DER encoding of a PEM CA certificate.
func parseRoot(s string) ([]byte, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	if !cert.IsCA {
		return nil, errors.New("not a CA certificate")
	}
	return block.Bytes, nil
}

func (app *Application) provider(id string) (oauthprovider.Provider, bool) {
	p, ok := app.OAuthProviders[id]
	if !ok {
		return oauthprovider.Provider{}, false
	}
	return oauthprovider.Provider{
		ID:           id,
		Kind:         p.Kind,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Scopes:       p.Scopes,
		DiscoveryURL: p.DiscoveryURL,
		AuthURL:      p.AuthURL,
		TokenURL:     p.TokenURL,
		UserinfoURL:  p.UserinfoURL,
		Issuer:       p.Issuer,
		JWKSURI:      p.JWKSURI,
	}, true
}

func (app *Application) providerIDs() []string {
	ids := make([]string, 0, len(app.OAuthProviders))
	for id := range app.OAuthProviders {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ReadConfig reads and validates a YAML config file.
func ReadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
