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

package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"unicode"

	"github.com/c2FmZQ/hostedauth/server/internal/fromctx"
	"github.com/c2FmZQ/hostedauth/server/internal/passkeys"
	"github.com/c2FmZQ/hostedauth/server/internal/store"
)

type passkeyBeginRequest struct {
	Flow        string `json:"flow,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type passkeyFinishRequest[T any] struct {
	Flow      string `json:"flow,omitempty"`
	Challenge string `json:"challenge"`
	Response  T      `json:"response"`
}

// flowResponse tells the hosted page where to send the browser next.
type flowResponse struct {
	Redirect string `json:"redirect,omitempty"`
	// Enrolled is set when a signed-in user added a passkey.
	Enrolled bool `json:"enrolled,omitempty"`
}

func (s *Server) sendJSONFlowError(w http.ResponseWriter, fe *flowError) {
	if fe.redirect != "" {
		writeJSON(w, http.StatusOK, flowResponse{Redirect: fe.redirect})
		return
	}
	writeError(w, fe.status, "invalid_request", fe.message)
}

func normalizeUsername(u string) (string, bool) {
	u = strings.TrimSpace(u)
	if u == "" || len(u) > maxUsernameLength {
		return "", false
	}
	if strings.IndexFunc(u, unicode.IsControl) >= 0 {
		return "", false
	}
	return u, true
}

func (s *Server) handlePasskeyLoginBegin(w http.ResponseWriter, req *http.Request) {
	if !checkCSRF(w, req) {
		return
	}
	ctx := req.Context()
	var body passkeyBeginRequest
	if err := decodeJSON(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	ar, app, fe := s.flow(ctx, body.Flow, false)
	if fe != nil {
		s.sendJSONFlowError(w, fe)
		return
	}
	if !app.PasskeyEnabled {
		writeError(w, http.StatusBadRequest, "invalid_request", "passkeys aren't enabled")
		return
	}
	username := body.Username
	if username == "" && s.dispatch(ctx, app, ar).Targeted {
		username = ar.UsernameHint
	}
	opts, err := s.passkeys.BeginAuthentication(ctx, passkeys.AuthenticationRequest{
		RP:        app.relyingParty(),
		Username:  username,
		FlowNonce: body.Flow,
	})
	if err != nil {
		s.logErrorF("ERR BeginAuthentication: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (s *Server) handlePasskeyLoginFinish(w http.ResponseWriter, req *http.Request) {
	if !checkCSRF(w, req) {
		return
	}
	ctx := req.Context()
	var body passkeyFinishRequest[passkeys.AssertionResponse]
	if err := decodeJSON(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	res, err := s.passkeys.FinishAuthentication(ctx, body.Challenge, body.Response)
	if err != nil {
		s.logErrorF("ERR FinishAuthentication: %v", err)
		s.ceremonyFailed(w, req, body.Flow, err)
		return
	}
	if res.FlowNonce != body.Flow {
		s.logErrorF("ERR FinishAuthentication: challenge of another flow")
		s.ceremonyFailed(w, req, body.Flow, passkeys.ErrRejected)
		return
	}
	ar, app, fe := s.flow(ctx, res.FlowNonce, true)
	if fe != nil {
		s.sendJSONFlowError(w, fe)
		return
	}
	redirect, err := s.completeFlow(ctx, res.FlowNonce, ar, app, res.User.ID, methodPasskey)
	if err != nil {
		s.logErrorF("ERR completeFlow: %v", err)
		redirect = errorURL(ar, "server_error", "internal error")
	}
	writeJSON(w, http.StatusOK, flowResponse{Redirect: redirect})
}

// ceremonyFailed ends the flow after a failed ceremony. A rejected ceremony
// is reported to the caller as access_denied.
func (s *Server) ceremonyFailed(w http.ResponseWriter, req *http.Request, flowID string, err error) {
	if flowID == "" {
		if errors.Is(err, passkeys.ErrRejected) {
			writeError(w, http.StatusBadRequest, "access_denied", "the passkey was rejected")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	ar, _, fe := s.flow(req.Context(), flowID, true)
	if fe != nil {
		s.sendJSONFlowError(w, fe)
		return
	}
	if errors.Is(err, passkeys.ErrRejected) {
		writeJSON(w, http.StatusOK, flowResponse{Redirect: s.failFlow(ar, methodPasskey, "access_denied", "the passkey was rejected")})
		return
	}
	writeJSON(w, http.StatusOK, flowResponse{Redirect: s.failFlow(ar, methodPasskey, "server_error", "internal error")})
}

func (s *Server) handlePasskeyRegisterBegin(w http.ResponseWriter, req *http.Request) {
	s.allowOrigin(w, req)
	if !checkCSRF(w, req) {
		return
	}
	ctx := req.Context()
	var body passkeyBeginRequest
	if err := decodeJSON(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	var rr passkeys.RegistrationRequest
	if tok, ok := bearerToken(req); ok {
		// A signed-in user adds a passkey to their account.
		claims, err := s.issuer.ValidateAccessToken(ctx, tok, "")
		if err != nil {
			s.logErrorF("ERR passkey enrollment: %v", err)
			writeError(w, http.StatusUnauthorized, "invalid_token", "invalid access token")
			return
		}
		ctx = fromctx.WithClaims(ctx, claims)
		app, ok := s.tokenApp(ctx)
		if !ok || !app.PasskeyEnabled {
			writeError(w, http.StatusBadRequest, "invalid_request", "passkeys aren't enabled")
			return
		}
		sub, _ := claims.GetSubject()
		rr = passkeys.RegistrationRequest{
			RP:     app.relyingParty(),
			UserID: sub,
		}
	} else {
		_, app, fe := s.flow(ctx, body.Flow, false)
		if fe != nil {
			s.sendJSONFlowError(w, fe)
			return
		}
		if !app.PasskeyEnabled {
			writeError(w, http.StatusBadRequest, "invalid_request", "passkeys aren't enabled")
			return
		}
		username, ok := normalizeUsername(body.Username)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid username")
			return
		}
		rr = passkeys.RegistrationRequest{
			RP:          app.relyingParty(),
			Username:    username,
			DisplayName: body.DisplayName,
			FlowNonce:   body.Flow,
		}
	}
	opts, err := s.passkeys.BeginRegistration(ctx, rr)
	if errors.Is(err, store.ErrUsernameTaken) {
		writeError(w, http.StatusConflict, "username_taken", "this username is already taken")
		return
	}
	if err != nil {
		s.logErrorF("ERR BeginRegistration: %v", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

func (s *Server) handlePasskeyRegisterFinish(w http.ResponseWriter, req *http.Request) {
	s.allowOrigin(w, req)
	if !checkCSRF(w, req) {
		return
	}
	ctx := req.Context()
	var body passkeyFinishRequest[passkeys.AttestationResponse]
	if err := decodeJSON(w, req, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	res, err := s.passkeys.FinishRegistration(ctx, body.Challenge, body.Response)
	if err != nil {
		s.logErrorF("ERR FinishRegistration: %v", err)
		s.ceremonyFailed(w, req, body.Flow, err)
		return
	}
	if res.FlowNonce == "" {
		writeJSON(w, http.StatusOK, flowResponse{Enrolled: true})
		return
	}
	if res.FlowNonce != body.Flow {
		s.logErrorF("ERR FinishRegistration: challenge of another flow")
		s.ceremonyFailed(w, req, body.Flow, passkeys.ErrRejected)
		return
	}
	ar, app, fe := s.flow(ctx, res.FlowNonce, true)
	if fe != nil {
		s.sendJSONFlowError(w, fe)
		return
	}
	redirect, err := s.completeFlow(ctx, res.FlowNonce, ar, app, res.User.ID, methodPasskey)
	if err != nil {
		s.logErrorF("ERR completeFlow: %v", err)
		redirect = errorURL(ar, "server_error", "internal error")
	}
	writeJSON(w, http.StatusOK, flowResponse{Redirect: redirect})
}

// tokenApp returns the application of the access token in ctx.
func (s *Server) tokenApp(ctx context.Context) (*Application, bool) {
	claims := fromctx.Claims(ctx)
	if claims == nil {
		return nil, false
	}
	aud, _ := claims.GetAudience()
	for _, id := range aud {
		if app, ok := s.apps.get(id); ok {
			return app, true
		}
	}
	return nil, false
}

// allowOrigin sets the CORS headers for the origins of the applications.
func (s *Server) allowOrigin(w http.ResponseWriter, req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return false
	}
	for _, app := range s.config().Applications {
		if slices.Contains(app.AllowedOrigins, origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-CSRF-Check")
			h.Set("Access-Control-Allow-Methods", "POST")
			h.Set("Access-Control-Max-Age", "600")
			h.Add("Vary", "Origin")
			return true
		}
	}
	return false
}

// handlePreflight answers the CORS preflight of passkey enrollment from an
// application's page.
func (s *Server) handlePreflight(w http.ResponseWriter, req *http.Request) {
	if !s.allowOrigin(w, req) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
