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
	"cmp"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/c2FmZQ/hostedauth/server/internal/nonce"
	"github.com/c2FmZQ/hostedauth/server/internal/oauthprovider"
	"github.com/c2FmZQ/hostedauth/server/internal/store"
)

// startOAuth redirects the browser to the provider's authorization endpoint.
func (s *Server) startOAuth(w http.ResponseWriter, req *http.Request, flowID string, ar *nonce.AuthRequest, app *Application, providerID string) {
	ctx := req.Context()
	p, ok := app.provider(providerID)
	if !ok {
		s.errorPage(w, http.StatusBadRequest, "This provider isn't enabled.")
		return
	}
	u, err := s.oauth.BeginAuthorization(ctx, p, flowID)
	if err != nil {
		s.logErrorF("ERR BeginAuthorization(%q): %v", providerID, err)
		if _, _, fe := s.flow(ctx, flowID, true); fe != nil {
			s.sendFlowError(w, req, fe)
			return
		}
		http.Redirect(w, req, s.failFlow(ar, methodOAuth, "server_error", "the identity provider is unavailable"), http.StatusSeeOther)
		return
	}
	http.Redirect(w, req, u, http.StatusFound)
}

// handleOAuthCallback is where the providers send the browser back.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()
	providerID := req.PathValue("provider")

	st, err := s.oauth.ConsumeState(ctx, q.Get("state"))
	if st == nil {
		s.logErrorF("ERR OAuth callback %q: %v", providerID, err)
		s.errorPage(w, http.StatusBadRequest, "This sign-in request is unknown or has expired.")
		return
	}
	if err != nil {
		// A replayed or expired state still identifies the flow. It is
		// consumed so that it can't be completed by anyone.
		s.logErrorF("ERR OAuth callback %q: %v", providerID, err)
		if errors.Is(err, nonce.ErrAlreadyConsumed) {
			s.recordEvent("oauth state replay")
		}
		ar, _, fe := s.flow(ctx, st.FlowNonce, true)
		if fe != nil {
			s.sendFlowError(w, req, fe)
			return
		}
		http.Redirect(w, req, s.failFlow(ar, methodOAuth, "invalid_request", "the provider's response is stale"), http.StatusSeeOther)
		return
	}
	ar, app, fe := s.flow(ctx, st.FlowNonce, true)
	if fe != nil {
		s.sendFlowError(w, req, fe)
		return
	}
	if st.Provider != providerID {
		s.logErrorF("ERR OAuth callback: state of %q presented to %q", st.Provider, providerID)
		http.Redirect(w, req, s.failFlow(ar, methodOAuth, "invalid_request", "provider mismatch"), http.StatusSeeOther)
		return
	}
	if code := q.Get("error"); code != "" {
		err := oauthprovider.CallbackError(code, q.Get("error_description"))
		s.logErrorF("ERR OAuth callback %q: %v", providerID, err)
		s.providerFailure(w, req, ar, err)
		return
	}
	p, ok := app.provider(providerID)
	if !ok {
		http.Redirect(w, req, s.failFlow(ar, methodOAuth, "invalid_request", "provider isn't enabled"), http.StatusSeeOther)
		return
	}
	profile, err := s.oauth.CompleteAuthorization(ctx, p, q.Get("code"), st)
	if err != nil {
		s.logErrorF("ERR CompleteAuthorization(%q): %v", providerID, err)
		s.providerFailure(w, req, ar, err)
		return
	}

	handle, err := store.NewUserHandle()
	if err != nil {
		s.logErrorF("ERR NewUserHandle: %v", err)
		http.Redirect(w, req, s.failFlow(ar, methodOAuth, "server_error", "internal error"), http.StatusSeeOther)
		return
	}
	user, err := s.store.LinkIdentity(ctx, store.Identity{Provider: providerID, Subject: profile.Subject}, &store.User{
		ID:            uuid.NewString(),
		Handle:        handle,
		Email:         profile.Email,
		EmailVerified: profile.EmailVerified,
		Name:          cmp.Or(profile.Name, profile.Login),
		Picture:       profile.Picture,
		CreatedAt:     timeNow().UTC(),
	})
	if err != nil {
		s.logErrorF("ERR LinkIdentity(%q, %q): %v", providerID, profile.Subject, err)
		http.Redirect(w, req, s.failFlow(ar, methodOAuth, "server_error", "internal error"), http.StatusSeeOther)
		return
	}
	redirect, err := s.completeFlow(ctx, st.FlowNonce, ar, app, user.ID, methodOAuth)
	if err != nil {
		s.logErrorF("ERR completeFlow: %v", err)
		http.Redirect(w, req, errorURL(ar, "server_error", "internal error"), http.StatusSeeOther)
		return
	}
	http.Redirect(w, req, redirect, http.StatusSeeOther)
}

// providerFailure maps a provider error to the caller's error code. The
// cause is only logged.
func (s *Server) providerFailure(w http.ResponseWriter, req *http.Request, ar *nonce.AuthRequest, err error) {
	code, desc := "server_error", "the identity provider returned an error"
	switch {
	case errors.Is(err, oauthprovider.ErrAccessDenied):
		code, desc = "access_denied", "the user denied the request"
	case errors.Is(err, oauthprovider.ErrProviderUnavailable):
		desc = "the identity provider is unavailable"
	case errors.Is(err, oauthprovider.ErrInvalidIDToken):
		desc = "the identity provider's response is invalid"
	}
	http.Redirect(w, req, s.failFlow(ar, methodOAuth, code, desc), http.StatusSeeOther)
}
