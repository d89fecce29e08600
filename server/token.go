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
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"mime"
	"net/http"
	"net/url"

	"golang.org/x/crypto/bcrypt"

	"github.com/c2FmZQ/hostedauth/server/internal/nonce"
	"github.com/c2FmZQ/hostedauth/server/internal/session"
	"github.com/c2FmZQ/hostedauth/server/internal/store"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
	Token        string `json:"token"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// parseTokenRequest accepts the form encoding of RFC 6749, and JSON.
func parseTokenRequest(w http.ResponseWriter, req *http.Request) (*tokenRequest, error) {
	var tr tokenRequest
	if ct, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type")); ct == "application/json" {
		if err := decodeJSON(w, req, &tr); err != nil {
			return nil, err
		}
	} else {
		req.Body = http.MaxBytesReader(w, req.Body, maxRequestBody)
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		f := req.PostForm
		tr = tokenRequest{
			GrantType:    f.Get("grant_type"),
			Code:         f.Get("code"),
			RedirectURI:  f.Get("redirect_uri"),
			CodeVerifier: f.Get("code_verifier"),
			RefreshToken: f.Get("refresh_token"),
			Token:        f.Get("token"),
			ClientID:     f.Get("client_id"),
			ClientSecret: f.Get("client_secret"),
		}
	}
	if id, secret, ok := req.BasicAuth(); ok {
		// RFC 6749 2.3.1: the credentials are form-encoded before being
		// put in the header.
		if v, err := url.QueryUnescape(id); err == nil {
			id = v
		}
		if v, err := url.QueryUnescape(secret); err == nil {
			secret = v
		}
		if tr.ClientID != "" && tr.ClientID != id {
			return nil, errors.New("client_id mismatch")
		}
		tr.ClientID, tr.ClientSecret = id, secret
	}
	return &tr, nil
}

// authenticateClient returns the application of the request. Applications
// without a client secret are public clients that rely on PKCE.
func (s *Server) authenticateClient(w http.ResponseWriter, tr *tokenRequest) (*Application, bool) {
	app, ok := s.apps.get(tr.ClientID)
	if ok {
		if app.publicClient() {
			ok = tr.ClientSecret == ""
		} else {
			ok = bcrypt.CompareHashAndPassword([]byte(app.ClientSecretHash), []byte(tr.ClientSecret)) == nil
		}
	}
	if !ok {
		s.logErrorF("ERR client authentication failed for %q", tr.ClientID)
		w.Header().Set("WWW-Authenticate", `Basic realm="hostedauth"`)
		writeError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return nil, false
	}
	return app, true
}

func policy(app *Application) session.Policy {
	return session.Policy{
		AccessTokenLifetime:  app.SessionDuration,
		RefreshEnabled:       app.RefreshEnabled,
		RefreshTokenLifetime: app.RefreshTokenLifetime,
	}
}

func (s *Server) handleToken(w http.ResponseWriter, req *http.Request) {
	tr, err := parseTokenRequest(w, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	app, ok := s.authenticateClient(w, tr)
	if !ok {
		return
	}
	if !s.apps.allowToken(app) {
		writeError(w, http.StatusTooManyRequests, "slow_down", "too many requests")
		return
	}
	switch tr.GrantType {
	case "authorization_code":
		s.redeemCode(w, req, app, tr)
	case "refresh_token":
		s.refresh(w, req, app, tr)
	case "":
		writeError(w, http.StatusBadRequest, "invalid_request", "grant_type is required")
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (s *Server) redeemCode(w http.ResponseWriter, req *http.Request, app *Application, tr *tokenRequest) {
	ctx := req.Context()
	if tr.Code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}
	c, err := s.codes.Consume(ctx, tr.Code)
	switch {
	case err == nil:
	case c != nil && errors.Is(err, nonce.ErrAlreadyConsumed):
		// Someone else has the code. Whatever it was exchanged for can't
		// be trusted anymore.
		s.recordEvent("code replay")
		if err := s.issuer.Revoke(ctx, c.SessionID, "authorization code replay"); err != nil {
			s.logErrorF("ERR Revoke(%q): %v", c.SessionID, err)
		}
		writeError(w, http.StatusBadRequest, "invalid_grant", "the code was already used")
		return
	case c != nil && errors.Is(err, nonce.ErrExpired):
		writeError(w, http.StatusBadRequest, "invalid_grant", "the code expired")
		return
	case errors.Is(err, nonce.ErrNotFound):
		writeError(w, http.StatusBadRequest, "invalid_grant", "invalid code")
		return
	default:
		s.logErrorF("ERR codes.Consume: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if c.AppID != app.AppID || c.RedirectURI != tr.RedirectURI {
		s.logErrorF("ERR code of %q presented by %q", c.AppID, app.AppID)
		writeError(w, http.StatusBadRequest, "invalid_grant", "invalid code")
		return
	}
	if c.CodeChallenge != "" {
		sum := sha256.Sum256([]byte(tr.CodeVerifier))
		v := base64.RawURLEncoding.EncodeToString(sum[:])
		if tr.CodeVerifier == "" || subtle.ConstantTimeCompare([]byte(v), []byte(c.CodeChallenge)) != 1 {
			writeError(w, http.StatusBadRequest, "invalid_grant", "invalid code_verifier")
			return
		}
	} else if tr.CodeVerifier != "" {
		writeError(w, http.StatusBadRequest, "invalid_grant", "unexpected code_verifier")
		return
	}
	tp, err := s.issuer.Tokens(ctx, c.SessionID, policy(app))
	if err != nil {
		s.tokenFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tp)
}

func (s *Server) refresh(w http.ResponseWriter, req *http.Request, app *Application, tr *tokenRequest) {
	if tr.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}
	if !app.RefreshEnabled {
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "refresh tokens aren't enabled")
		return
	}
	tp, err := s.issuer.Refresh(req.Context(), tr.RefreshToken, app.AppID, policy(app))
	if err != nil {
		s.tokenFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tp)
}

func (s *Server) tokenFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalid):
		writeError(w, http.StatusBadRequest, "invalid_grant", "invalid token")
	case errors.Is(err, session.ErrExpired):
		writeError(w, http.StatusBadRequest, "invalid_grant", "the token expired")
	case errors.Is(err, session.ErrRevoked):
		writeError(w, http.StatusBadRequest, "invalid_grant", "the session was revoked")
	case errors.Is(err, session.ErrReused):
		writeError(w, http.StatusBadRequest, "invalid_grant", "the refresh token was already used")
	default:
		s.logErrorF("ERR token: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// handleRevoke implements RFC 7009. Unknown tokens aren't an error.
func (s *Server) handleRevoke(w http.ResponseWriter, req *http.Request) {
	tr, err := parseTokenRequest(w, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	app, ok := s.authenticateClient(w, tr)
	if !ok {
		return
	}
	if tr.Token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	if sid, err := s.issuer.SessionID(tr.Token, app.AppID); err == nil {
		if err := s.issuer.Revoke(req.Context(), sid, "revoked by application"); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logErrorF("ERR Revoke(%q): %v", sid, err)
			writeError(w, http.StatusServiceUnavailable, "server_error", "internal error")
			return
		}
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

type userInfo struct {
	Subject       string   `json:"sub"`
	AppID         string   `json:"app_id"`
	Username      string   `json:"username,omitempty"`
	Email         string   `json:"email,omitempty"`
	EmailVerified bool     `json:"email_verified,omitempty"`
	Name          string   `json:"name,omitempty"`
	Picture       string   `json:"picture,omitempty"`
	AMR           []string `json:"amr,omitempty"`
}

// handleUser returns the profile of the access token's user.
func (s *Server) handleUser(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	tok, ok := bearerToken(req)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="hostedauth"`)
		writeError(w, http.StatusUnauthorized, "invalid_token", "missing access token")
		return
	}
	claims, err := s.issuer.ValidateAccessToken(ctx, tok, "")
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="hostedauth", error="invalid_token"`)
		writeError(w, http.StatusUnauthorized, "invalid_token", "invalid access token")
		return
	}
	sub, _ := claims.GetSubject()
	aud, _ := claims.GetAudience()
	u, err := s.store.User(ctx, sub)
	if err != nil {
		s.logErrorF("ERR User(%q): %v", sub, err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	info := userInfo{
		Subject:       u.ID,
		Username:      u.Username,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Name:          u.Name,
		Picture:       u.Picture,
	}
	if len(aud) > 0 {
		info.AppID = aud[0]
	}
	if amr, ok := claims["amr"].([]any); ok {
		for _, m := range amr {
			if s, ok := m.(string); ok {
				info.AMR = append(info.AMR, s)
			}
		}
	}
	writeJSON(w, http.StatusOK, info)
}
