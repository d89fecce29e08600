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
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/c2FmZQ/hostedauth/server/internal/fromctx"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Browser redirects.
	mux.HandleFunc("GET /auth", s.handleAuth)
	mux.HandleFunc("GET /auth/provider/{provider}", s.handleProviderChoice)
	mux.HandleFunc("GET /auth/cancel", s.handleCancel)
	mux.HandleFunc("GET /flow/{id}", s.handleFlowPage)
	mux.HandleFunc("GET /flow/webauthn.js", s.handleWebAuthnJS)
	mux.HandleFunc("GET /oauth/callback/{provider}", s.handleOAuthCallback)

	// Hosted page calls.
	mux.HandleFunc("POST /passkey/login/begin", s.handlePasskeyLoginBegin)
	mux.HandleFunc("POST /passkey/login/finish", s.handlePasskeyLoginFinish)
	mux.HandleFunc("POST /passkey/register/begin", s.handlePasskeyRegisterBegin)
	mux.HandleFunc("POST /passkey/register/finish", s.handlePasskeyRegisterFinish)
	mux.HandleFunc("OPTIONS /passkey/register/{step}", s.handlePreflight)
	mux.HandleFunc("POST /password/login", s.handlePasswordLogin)
	mux.HandleFunc("POST /password/register", s.handlePasswordRegister)

	// Calling application back channel.
	mux.HandleFunc("POST /oauth/token", s.handleToken)
	mux.HandleFunc("POST /oauth/revoke", s.handleRevoke)
	mux.HandleFunc("GET /user", s.handleUser)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.handleMetadata)
	mux.HandleFunc("GET /.well-known/jwks.json", s.tokenManager.ServeJWKS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s.instrument(mux)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// instrument records the client IP in the request context, sets the common
// security headers, and logs and counts every request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := timeNow()
		host, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			host = req.RemoteAddr
		}
		req = req.WithContext(fromctx.WithClientIP(req.Context(), host))

		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, req)
		if sw.code == 0 {
			sw.code = http.StatusOK
		}
		d := time.Since(start)
		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.request(route, sw.code, d)
		// Path wildcards can be live nonces, e.g. /flow/{id}. Matched
		// requests are logged by pattern.
		target := req.Pattern
		if target == "" {
			target = req.Method + " " + req.URL.Path
		}
		s.logRequestF("REQ %s ➔ %s ➔ %d (%s)", host, target, sw.code, d.Truncate(time.Millisecond))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n"))
}

type metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

func (s *Server) handleMetadata(w http.ResponseWriter, req *http.Request) {
	iss := s.config().Issuer
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	json.NewEncoder(w).Encode(metadata{
		Issuer:                            iss,
		AuthorizationEndpoint:             iss + "/auth",
		TokenEndpoint:                     iss + "/oauth/token",
		RevocationEndpoint:                iss + "/oauth/revoke",
		UserinfoEndpoint:                  iss + "/user",
		JWKSURI:                           iss + "/.well-known/jwks.json",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	})
}
