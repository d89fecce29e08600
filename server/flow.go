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
	"cmp"
	"context"
	_ "embed"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"regexp"

	"github.com/c2FmZQ/hostedauth/server/internal/nonce"
	"github.com/c2FmZQ/hostedauth/server/internal/store"
)

// Requested modes.
const (
	modePasskey  = "passkey"
	modePassword = "password"
	modeRegister = "register"
)

// Flows selected by dispatch.
const (
	flowOAuth    = "oauth"
	flowPasskey  = "passkey"
	flowPassword = "password"
	flowRegister = "register"
	flowChooser  = "chooser"
)

// Authentication methods, as they appear in the amr claim.
const (
	methodOAuth    = "oauth"
	methodPasskey  = "passkey"
	methodPassword = "password"
)

const maxUsernameLength = 256

var (
	//go:embed templates/flow.html
	flowEmbed    string
	flowTemplate *template.Template
	//go:embed templates/error.html
	errorEmbed    string
	errorTemplate *template.Template
	//go:embed templates/webauthn.js
	webauthnJSEmbed []byte

	codeChallengeRE = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)
)

func init() {
	flowTemplate = template.Must(template.New("flow").Parse(flowEmbed))
	errorTemplate = template.Must(template.New("error").Parse(errorEmbed))
}

// dispatchResult is the flow that a new authentication request starts with.
type dispatchResult struct {
	Flow     string
	Provider string
	// Targeted means that the passkey ceremony is restricted to the
	// credentials of the requested username.
	Targeted bool
}

// dispatch selects the flow of an authentication request:
//  1. an explicit provider goes to that provider,
//  2. an explicit mode goes to that mode,
//  3. a username with a registered passkey goes to a targeted passkey
//     ceremony,
//  4. otherwise passkeys, then passwords, then the only provider, and
//     finally the provider chooser.
func (s *Server) dispatch(ctx context.Context, app *Application, ar *nonce.AuthRequest) dispatchResult {
	if ar.Provider != "" {
		return dispatchResult{Flow: flowOAuth, Provider: ar.Provider}
	}
	switch ar.Mode {
	case modePasskey:
		return dispatchResult{Flow: flowPasskey, Targeted: ar.UsernameHint != ""}
	case modePassword:
		return dispatchResult{Flow: flowPassword}
	case modeRegister:
		return dispatchResult{Flow: flowRegister}
	}
	if ar.UsernameHint != "" && app.PasskeyEnabled && s.hasPasskey(ctx, app, ar.UsernameHint) {
		return dispatchResult{Flow: flowPasskey, Targeted: true}
	}
	if app.PasskeyEnabled {
		return dispatchResult{Flow: flowPasskey}
	}
	if app.PasswordEnabled {
		return dispatchResult{Flow: flowPassword}
	}
	if ids := app.providerIDs(); len(ids) == 1 {
		return dispatchResult{Flow: flowOAuth, Provider: ids[0]}
	}
	return dispatchResult{Flow: flowChooser}
}

// hasPasskey returns true if the user has a usable credential for the
// application's relying party.
func (s *Server) hasPasskey(ctx context.Context, app *Application, username string) bool {
	u, err := s.store.UserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logErrorF("ERR UserByUsername: %v", err)
		}
		return false
	}
	creds, err := s.store.Credentials(ctx, u.ID, app.RPID)
	if err != nil {
		s.logErrorF("ERR Credentials: %v", err)
		return false
	}
	for _, c := range creds {
		if !c.Revoked {
			return true
		}
	}
	return false
}

// handleAuth is where calling applications send their users.
func (s *Server) handleAuth(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()
	// client_id is accepted for OAuth 2.0 client libraries.
	appID := cmp.Or(q.Get("app_id"), q.Get("client_id"))
	redirectURI := q.Get("redirect_uri")

	// Nothing is ever redirected to an unverified URI.
	app, ok := s.apps.get(appID)
	if !ok || !app.allowedRedirectURI(redirectURI) {
		s.logErrorF("ERR /auth: unregistered app_id %q or redirect_uri %q", appID, redirectURI)
		s.errorPage(w, http.StatusBadRequest, "This application or its redirect URI isn't registered.")
		return
	}
	ar := nonce.AuthRequest{
		AppID:               app.AppID,
		AppVersion:          app.Version(),
		RedirectURI:         redirectURI,
		CallerState:         q.Get("state"),
		Provider:            q.Get("provider"),
		Mode:                q.Get("mode"),
		UsernameHint:        q.Get("username"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	fail := func(code, desc string) {
		s.metrics.flow(app.AppID, "none", outcomeInvalid)
		http.Redirect(w, req, errorURL(&ar, code, desc), http.StatusFound)
	}
	if !s.apps.allowAuth(app) {
		fail("temporarily_unavailable", "too many requests")
		return
	}
	if ar.CodeChallenge != "" || ar.CodeChallengeMethod != "" {
		if ar.CodeChallengeMethod != "S256" {
			fail("invalid_request", "code_challenge_method must be S256")
			return
		}
		if !codeChallengeRE.MatchString(ar.CodeChallenge) {
			fail("invalid_request", "invalid code_challenge")
			return
		}
	} else if app.publicClient() {
		fail("invalid_request", "code_challenge is required")
		return
	}
	if ar.Provider != "" {
		if _, ok := app.OAuthProviders[ar.Provider]; !ok {
			fail("invalid_request", "provider isn't enabled")
			return
		}
	}
	switch ar.Mode {
	case "":
	case modePasskey:
		if !app.PasskeyEnabled {
			fail("invalid_request", "passkeys aren't enabled")
			return
		}
	case modePassword:
		if !app.PasswordEnabled {
			fail("invalid_request", "passwords aren't enabled")
			return
		}
	case modeRegister:
		if !app.PasskeyEnabled && !app.PasswordEnabled {
			fail("invalid_request", "registration isn't enabled")
			return
		}
	default:
		fail("invalid_request", "invalid mode")
		return
	}
	if len(ar.UsernameHint) > maxUsernameLength {
		fail("invalid_request", "username too long")
		return
	}
	if app.PasskeyEnabled {
		ar.PasskeyDeadline = timeNow().UTC().Add(s.config().PasskeyWindow)
	}

	flowID, err := s.nonces.Issue(ctx, ar)
	if err != nil {
		s.logErrorF("ERR nonces.Issue: %v", err)
		s.metrics.flow(app.AppID, "none", outcomeError)
		http.Redirect(w, req, errorURL(&ar, "server_error", "internal error"), http.StatusFound)
		return
	}
	d := s.dispatch(ctx, app, &ar)
	if d.Flow == flowOAuth {
		s.startOAuth(w, req, flowID, &ar, app, d.Provider)
		return
	}
	http.Redirect(w, req, "/flow/"+url.PathEscape(flowID), http.StatusSeeOther)
}

// flowError is the outcome of a flow step that can't continue.
type flowError struct {
	// redirect is the caller's redirect URI with the error parameters.
	redirect string
	// status and message are shown on an error page when there is no
	// verified redirect URI.
	status  int
	message string
}

func (s *Server) sendFlowError(w http.ResponseWriter, req *http.Request, fe *flowError) {
	if fe.redirect != "" {
		http.Redirect(w, req, fe.redirect, http.StatusSeeOther)
		return
	}
	s.errorPage(w, fe.status, fe.message)
}

// flow returns the authentication request and the application version it
// pinned. With consume, the request is redeemed: this succeeds once.
func (s *Server) flow(ctx context.Context, id string, consume bool) (*nonce.AuthRequest, *Application, *flowError) {
	var (
		ar  *nonce.AuthRequest
		err error
	)
	if consume {
		ar, err = s.nonces.Consume(ctx, id)
	} else {
		ar, err = s.nonces.Lookup(ctx, id)
	}
	switch {
	case err == nil:
	case ar != nil && errors.Is(err, nonce.ErrExpired):
		s.metrics.flow(ar.AppID, "none", outcomeInvalid)
		return nil, nil, &flowError{redirect: errorURL(ar, "invalid_request", "the authentication request expired")}
	case ar != nil && errors.Is(err, nonce.ErrAlreadyConsumed):
		s.recordEvent("flow replay")
		if consume {
			s.revokeFlowSession(ctx, id)
		}
		return nil, nil, &flowError{redirect: errorURL(ar, "invalid_request", "the authentication request was already used")}
	case errors.Is(err, nonce.ErrNotFound):
		return nil, nil, &flowError{status: http.StatusBadRequest, message: "This sign-in request is unknown or has expired."}
	default:
		s.logErrorF("ERR flow %v", err)
		return nil, nil, &flowError{status: http.StatusInternalServerError, message: "Internal error."}
	}
	app, ok := s.apps.pinned(ar.AppID, ar.AppVersion)
	if !ok {
		if !consume {
			s.nonces.Consume(ctx, id)
		}
		s.metrics.flow(ar.AppID, "none", outcomeInvalid)
		return nil, nil, &flowError{redirect: errorURL(ar, "invalid_request", "the application's configuration changed")}
	}
	return ar, app, nil
}

// completeFlow creates the session of a user who was just authenticated and
// returns the redirect to the caller with an authorization code. The flow
// must already be consumed.
func (s *Server) completeFlow(ctx context.Context, flowID string, ar *nonce.AuthRequest, app *Application, userID, method string) (string, error) {
	sess, err := s.issuer.CreateSession(ctx, userID, app.AppID, []string{method})
	if err != nil {
		s.metrics.flow(app.AppID, method, outcomeError)
		return "", err
	}
	if err := s.flowSessions.Attach(ctx, flowID, &flowSession{SessionID: sess.ID}); err != nil {
		s.metrics.flow(app.AppID, method, outcomeError)
		if rerr := s.issuer.Revoke(ctx, sess.ID, "flow not recorded"); rerr != nil {
			s.logErrorF("ERR Revoke(%q): %v", sess.ID, rerr)
		}
		return "", err
	}
	code, err := s.codes.Issue(ctx, &authCode{
		AppID:               app.AppID,
		AppVersion:          app.Version(),
		RedirectURI:         ar.RedirectURI,
		SessionID:           sess.ID,
		UserID:              userID,
		CodeChallenge:       ar.CodeChallenge,
		CodeChallengeMethod: ar.CodeChallengeMethod,
	})
	if err != nil {
		s.metrics.flow(app.AppID, method, outcomeError)
		return "", err
	}
	s.metrics.flow(app.AppID, method, outcomeSuccess)
	return codeURL(ar, code), nil
}

// revokeFlowSession revokes the session issued from a flow that is being
// redeemed again.
func (s *Server) revokeFlowSession(ctx context.Context, flowID string) {
	fs, _ := s.flowSessions.Lookup(ctx, flowID)
	if fs == nil {
		return
	}
	s.logErrorF("ERR flow replay, revoking session %s", fs.SessionID)
	if err := s.issuer.Revoke(ctx, fs.SessionID, "flow replay"); err != nil {
		s.logErrorF("ERR Revoke(%q): %v", fs.SessionID, err)
	}
}

// failFlow returns the redirect to the caller for a flow that ended with an
// error.
func (s *Server) failFlow(ar *nonce.AuthRequest, method, code, desc string) string {
	outcome := outcomeError
	switch code {
	case "access_denied":
		outcome = outcomeDenied
	case "invalid_request":
		outcome = outcomeInvalid
	}
	s.metrics.flow(ar.AppID, method, outcome)
	return errorURL(ar, code, desc)
}

func callerURL(ar *nonce.AuthRequest, params url.Values) string {
	u, err := url.Parse(ar.RedirectURI)
	if err != nil {
		// The URI was checked when the request was created.
		return ar.RedirectURI
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	if ar.CallerState != "" {
		q.Set("state", ar.CallerState)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// codeURL returns {redirect_uri}?code=..&state=..
func codeURL(ar *nonce.AuthRequest, code string) string {
	return callerURL(ar, url.Values{"code": {code}})
}

// errorURL returns {redirect_uri}?error=..&error_description=..&state=..
func errorURL(ar *nonce.AuthRequest, code, desc string) string {
	return callerURL(ar, url.Values{
		"error":             {code},
		"error_description": {desc},
	})
}

type flowPageData struct {
	FlowID          string
	AppName         string
	Flow            string
	Username        string
	Targeted        bool
	PasskeyEnabled  bool
	PasswordEnabled bool
	Providers       []string
	// PasskeyDeadline is when the other methods are offered, in
	// milliseconds since the epoch. Zero means immediately.
	PasskeyDeadline int64
	Error           string
}

// handleFlowPage renders the hosted sign-in page.
func (s *Server) handleFlowPage(w http.ResponseWriter, req *http.Request) {
	s.renderFlowPage(w, req, req.PathValue("id"), "")
}

func (s *Server) renderFlowPage(w http.ResponseWriter, req *http.Request, flowID, errMsg string) {
	ctx := req.Context()
	ar, app, fe := s.flow(ctx, flowID, false)
	if fe != nil {
		s.sendFlowError(w, req, fe)
		return
	}
	d := s.dispatch(ctx, app, ar)
	data := flowPageData{
		FlowID:          flowID,
		AppName:         app.RPName,
		Flow:            d.Flow,
		Username:        ar.UsernameHint,
		Targeted:        d.Targeted,
		PasskeyEnabled:  app.PasskeyEnabled,
		PasswordEnabled: app.PasswordEnabled,
		Providers:       app.providerIDs(),
		Error:           errMsg,
	}
	switch d.Flow {
	case flowPasskey:
		if !ar.PasskeyDeadline.IsZero() && ar.Mode != modePasskey {
			data.PasskeyDeadline = ar.PasskeyDeadline.UnixMilli()
		}
	case flowPassword, flowRegister, flowChooser:
		data.PasskeyEnabled = app.PasskeyEnabled && d.Flow != flowPassword
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'; frame-ancestors 'none'")
	if errMsg != "" {
		w.WriteHeader(http.StatusUnauthorized)
	}
	if err := flowTemplate.Execute(w, data); err != nil {
		s.logErrorF("ERR flow template: %v", err)
	}
}

func (s *Server) handleWebAuthnJS(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(webauthnJSEmbed)
}

func (s *Server) errorPage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := errorTemplate.Execute(w, struct{ Message string }{msg}); err != nil {
		s.logErrorF("ERR error template: %v", err)
	}
}

// handleProviderChoice starts the login with a provider chosen on the
// hosted page.
func (s *Server) handleProviderChoice(w http.ResponseWriter, req *http.Request) {
	flowID := req.URL.Query().Get("flow")
	ar, app, fe := s.flow(req.Context(), flowID, false)
	if fe != nil {
		s.sendFlowError(w, req, fe)
		return
	}
	providerID := req.PathValue("provider")
	if _, ok := app.OAuthProviders[providerID]; !ok {
		s.errorPage(w, http.StatusBadRequest, "This provider isn't enabled.")
		return
	}
	s.startOAuth(w, req, flowID, ar, app, providerID)
}

// handleCancel ends the flow at the user's request.
func (s *Server) handleCancel(w http.ResponseWriter, req *http.Request) {
	ar, _, fe := s.flow(req.Context(), req.URL.Query().Get("flow"), true)
	if fe != nil {
		s.sendFlowError(w, req, fe)
		return
	}
	s.metrics.flow(ar.AppID, "none", outcomeCanceled)
	http.Redirect(w, req, errorURL(ar, "access_denied", "the user canceled the sign-in"), http.StatusSeeOther)
}
