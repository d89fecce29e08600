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

// Package session creates sessions and issues the access and refresh tokens
// that calling applications receive in exchange for an authorization code.
//
// Refresh tokens are rotated on every use. Only the most recent refresh
// token of a session is valid. Presenting an older one, which means that a
// token was copied, revokes the whole session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/c2FmZQ/hostedauth/server/internal/store"
)

const (
	// UseAccess is the token_use claim of access tokens.
	UseAccess = "access"
	// UseRefresh is the token_use claim of refresh tokens.
	UseRefresh = "refresh"

	// DefaultAlg is the default signing algorithm.
	DefaultAlg = "ES256"
)

var (
	// ErrInvalid means that the token isn't one of ours, or isn't the
	// right kind of token for the operation.
	ErrInvalid = errors.New("invalid token")
	// ErrExpired means that the token has expired.
	ErrExpired = errors.New("token expired")
	// ErrRevoked means that the token's session was revoked.
	ErrRevoked = errors.New("session revoked")
	// ErrReused means that a refresh token was presented after it had
	// been rotated. The session is revoked.
	ErrReused = errors.New("refresh token reused")

	timeNow = time.Now
)

// TokenManager signs and validates tokens.
type TokenManager interface {
	CreateToken(claims jwt.Claims, alg string) (string, error)
	ValidateToken(token string, opts ...jwt.ParserOption) (*jwt.Token, error)
}

// EventRecorder is used to record security events.
type EventRecorder interface {
	Record(string)
}

type nopRecorder struct{}

func (nopRecorder) Record(string) {}

type defaultLogger struct{}

func (defaultLogger) Errorf(format string, args ...any) {
	log.Printf(format, args...)
}

// Policy is the token policy of an application.
type Policy struct {
	AccessTokenLifetime  time.Duration
	RefreshEnabled       bool
	RefreshTokenLifetime time.Duration
}

// TokenPair is what the token endpoint returns.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Config is the configuration of the Issuer.
type Config struct {
	Store         store.Store
	TokenManager  TokenManager
	Issuer        string
	Alg           string
	EventRecorder EventRecorder
	Logger        interface {
		Errorf(format string, args ...any)
	}
}

// Issuer issues and validates tokens.
type Issuer struct {
	cfg Config
}

// New returns a new Issuer.
func New(cfg Config) *Issuer {
	if cfg.Alg == "" {
		cfg.Alg = DefaultAlg
	}
	if cfg.EventRecorder == nil {
		cfg.EventRecorder = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger{}
	}
	return &Issuer{cfg: cfg}
}

// CreateSession creates a session for a user who has just authenticated.
// No token is issued until the authorization code is redeemed.
func (i *Issuer) CreateSession(ctx context.Context, userID, appID string, methods []string) (*store.Session, error) {
	s := &store.Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		AppID:       appID,
		AuthMethods: methods,
		IssuedAt:    timeNow().UTC(),
	}
	if err := i.cfg.Store.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// IssueSession creates a session and returns its first tokens.
func (i *Issuer) IssueSession(ctx context.Context, userID, appID string, methods []string, p Policy) (*store.Session, *TokenPair, error) {
	s, err := i.CreateSession(ctx, userID, appID, methods)
	if err != nil {
		return nil, nil, err
	}
	tp, err := i.Tokens(ctx, s.ID, p)
	if err != nil {
		return nil, nil, err
	}
	return s, tp, nil
}

// Tokens returns the first tokens of a session. It succeeds only once per
// session when refresh tokens are enabled.
func (i *Issuer) Tokens(ctx context.Context, sessionID string, p Policy) (*TokenPair, error) {
	s, err := i.cfg.Store.Session(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, err
	}
	if s.Revoked {
		return nil, ErrRevoked
	}
	return i.mint(ctx, s, "", p)
}

// mint issues a new access token, and a new refresh token replacing
// oldRefreshID when refresh is enabled.
func (i *Issuer) mint(ctx context.Context, s *store.Session, oldRefreshID string, p Policy) (*TokenPair, error) {
	now := timeNow().UTC()
	accessExp := now.Add(p.AccessTokenLifetime)
	var refreshID string
	var refreshExp time.Time
	if p.RefreshEnabled {
		refreshID = uuid.NewString()
		refreshExp = now.Add(p.RefreshTokenLifetime)
	}
	err := i.cfg.Store.RotateRefreshToken(ctx, s.ID, store.Rotation{
		OldRefreshID:    oldRefreshID,
		NewRefreshID:    refreshID,
		AccessTokenExp:  accessExp,
		RefreshTokenExp: refreshExp,
	})
	switch {
	case errors.Is(err, store.ErrSessionRevoked):
		return nil, ErrRevoked
	case errors.Is(err, store.ErrRefreshTokenMismatch):
		i.revokeReused(ctx, s.ID)
		return nil, ErrReused
	case err != nil:
		return nil, err
	}

	tp := &TokenPair{
		TokenType: "Bearer",
		ExpiresIn: int64(p.AccessTokenLifetime / time.Second),
	}
	if tp.AccessToken, err = i.cfg.TokenManager.CreateToken(jwt.MapClaims{
		"iss":       i.cfg.Issuer,
		"sub":       s.UserID,
		"aud":       s.AppID,
		"sid":       s.ID,
		"jti":       uuid.NewString(),
		"iat":       now.Unix(),
		"exp":       accessExp.Unix(),
		"amr":       s.AuthMethods,
		"token_use": UseAccess,
	}, i.cfg.Alg); err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	if refreshID != "" {
		if tp.RefreshToken, err = i.cfg.TokenManager.CreateToken(jwt.MapClaims{
			"iss":       i.cfg.Issuer,
			"sub":       s.UserID,
			"aud":       s.AppID,
			"sid":       s.ID,
			"jti":       refreshID,
			"iat":       now.Unix(),
			"exp":       refreshExp.Unix(),
			"token_use": UseRefresh,
		}, i.cfg.Alg); err != nil {
			return nil, fmt.Errorf("refresh token: %w", err)
		}
	}
	return tp, nil
}

func (i *Issuer) revokeReused(ctx context.Context, sessionID string) {
	i.cfg.EventRecorder.Record("refresh token reuse")
	if err := i.cfg.Store.RevokeSession(ctx, sessionID, "refresh token reuse"); err != nil {
		i.cfg.Logger.Errorf("ERR RevokeSession(%q): %v", sessionID, err)
	}
}

// parse validates the token's signature, issuer, audience, expiration and
// use, and returns its claims.
func (i *Issuer) parse(token, appID, use string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithExpirationRequired(),
	}
	if appID != "" {
		opts = append(opts, jwt.WithAudience(appID))
	}
	tok, err := i.cfg.TokenManager.ValidateToken(token, opts...)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrExpired
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalid
	}
	if u, _ := claims["token_use"].(string); u != use {
		return nil, fmt.Errorf("%w: token_use %q", ErrInvalid, u)
	}
	return claims, nil
}

// Refresh redeems a refresh token for a new token pair.
func (i *Issuer) Refresh(ctx context.Context, refreshToken, appID string, p Policy) (*TokenPair, error) {
	if !p.RefreshEnabled {
		return nil, ErrInvalid
	}
	claims, err := i.parse(refreshToken, appID, UseRefresh)
	if err != nil {
		return nil, err
	}
	sid, _ := claims["sid"].(string)
	jti, _ := claims["jti"].(string)
	if sid == "" || jti == "" {
		return nil, ErrInvalid
	}
	s, err := i.cfg.Store.Session(ctx, sid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, err
	}
	if s.Revoked {
		return nil, ErrRevoked
	}
	if s.AppID != appID {
		return nil, ErrInvalid
	}
	if s.RefreshTokenID != jti {
		i.revokeReused(ctx, s.ID)
		return nil, ErrReused
	}
	return i.mint(ctx, s, jti, p)
}

// ValidateAccessToken returns the claims of a valid access token. When
// appID isn't empty, the token's audience must be appID.
func (i *Issuer) ValidateAccessToken(ctx context.Context, token, appID string) (jwt.MapClaims, error) {
	claims, err := i.parse(token, appID, UseAccess)
	if err != nil {
		return nil, err
	}
	sid, _ := claims["sid"].(string)
	s, err := i.cfg.Store.Session(ctx, sid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalid
	}
	if err != nil {
		return nil, err
	}
	if s.Revoked {
		return nil, ErrRevoked
	}
	return claims, nil
}

// SessionID returns the session of a token that has a valid signature,
// even if it has expired. It is used to revoke sessions.
func (i *Issuer) SessionID(token, appID string) (string, error) {
	tok, err := i.cfg.TokenManager.ValidateToken(token, jwt.WithoutClaimsValidation())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalid
	}
	iss, _ := claims.GetIssuer()
	aud, _ := claims.GetAudience()
	if iss != i.cfg.Issuer || !slices.Contains(aud, appID) {
		return "", ErrInvalid
	}
	sid, _ := claims["sid"].(string)
	if sid == "" {
		return "", ErrInvalid
	}
	return sid, nil
}

// Revoke revokes a session and all its tokens.
func (i *Issuer) Revoke(ctx context.Context, sessionID, reason string) error {
	return i.cfg.Store.RevokeSession(ctx, sessionID, reason)
}
