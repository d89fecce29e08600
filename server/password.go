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
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/c2FmZQ/hostedauth/server/internal/store"
)

const (
	minPasswordLength = 8
	// bcrypt ignores anything after 72 bytes.
	maxPasswordLength = 72
)

// dummyHash is compared against when the username doesn't exist so that
// the response time doesn't tell.
var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	return h
})

func throttleKey(username string) string {
	return strings.ToLower(username)
}

func (s *Server) parsePasswordForm(w http.ResponseWriter, req *http.Request) (flowID, username, password string, ok bool) {
	req.Body = http.MaxBytesReader(w, req.Body, maxRequestBody)
	if err := req.ParseForm(); err != nil {
		s.errorPage(w, http.StatusBadRequest, "Invalid request.")
		return "", "", "", false
	}
	return req.PostForm.Get("flow"), req.PostForm.Get("username"), req.PostForm.Get("password"), true
}

func (s *Server) handlePasswordLogin(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	flowID, username, password, ok := s.parsePasswordForm(w, req)
	if !ok {
		return
	}
	_, app, fe := s.flow(ctx, flowID, false)
	if fe != nil {
		s.sendFlowError(w, req, fe)
		return
	}
	if !app.PasswordEnabled {
		s.errorPage(w, http.StatusBadRequest, "Passwords aren't enabled.")
		return
	}
	username, ok = normalizeUsername(username)
	if !ok {
		s.renderFlowPage(w, req, flowID, "Wrong username or password.")
		return
	}
	key := throttleKey(username)
	if !s.passwords.Allowed(key) {
		s.lockedOut(w, req, flowID)
		return
	}

	u, err := s.store.UserByUsername(ctx, username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logErrorF("ERR UserByUsername: %v", err)
		s.errorPage(w, http.StatusInternalServerError, "Internal error.")
		return
	}
	hash := dummyHash()
	if u != nil && len(u.PasswordHash) > 0 {
		hash = u.PasswordHash
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || u == nil || len(u.PasswordHash) == 0 {
		if s.passwords.Failure(key) {
			s.recordEvent("password lockout")
			s.lockedOut(w, req, flowID)
			return
		}
		s.renderFlowPage(w, req, flowID, "Wrong username or password.")
		return
	}
	s.passwords.Reset(key)
	if cost, err := bcrypt.Cost(u.PasswordHash); err == nil && cost < bcrypt.DefaultCost {
		if h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost); err == nil {
			if err := s.store.SetPasswordHash(ctx, u.ID, h); err != nil {
				s.logErrorF("ERR SetPasswordHash: %v", err)
			}
		}
	}

	ar, app, fe := s.flow(ctx, flowID, true)
	if fe != nil {
		s.sendFlowError(w, req, fe)
		return
	}
	redirect, err := s.completeFlow(ctx, flowID, ar, app, u.ID, methodPassword)
	if err != nil {
		s.logErrorF("ERR completeFlow: %v", err)
		redirect = errorURL(ar, "server_error", "internal error")
	}
	http.Redirect(w, req, redirect, http.StatusSeeOther)
}

// lockedOut ends the flow of a username that has too many failures.
func (s *Server) lockedOut(w http.ResponseWriter, req *http.Request, flowID string) {
	ar, _, fe := s.flow(req.Context(), flowID, true)
	if fe != nil {
		s.sendFlowError(w, req, fe)
		return
	}
	http.Redirect(w, req, s.failFlow(ar, methodPassword, "access_denied", "too many failed attempts, try again later"), http.StatusSeeOther)
}

func (s *Server) handlePasswordRegister(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	flowID, username, password, ok := s.parsePasswordForm(w, req)
	if !ok {
		return
	}
	_, app, fe := s.flow(ctx, flowID, false)
	if fe != nil {
		s.sendFlowError(w, req, fe)
		return
	}
	if !app.PasswordEnabled {
		s.errorPage(w, http.StatusBadRequest, "Passwords aren't enabled.")
		return
	}
	username, ok = normalizeUsername(username)
	if !ok {
		s.renderFlowPage(w, req, flowID, "Invalid username.")
		return
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		s.renderFlowPage(w, req, flowID, "The password must have between 8 and 72 characters.")
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		s.logErrorF("ERR bcrypt: %v", err)
		s.errorPage(w, http.StatusInternalServerError, "Internal error.")
		return
	}
	handle, err := store.NewUserHandle()
	if err != nil {
		s.logErrorF("ERR NewUserHandle: %v", err)
		s.errorPage(w, http.StatusInternalServerError, "Internal error.")
		return
	}
	u := &store.User{
		ID:           uuid.NewString(),
		Handle:       handle,
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    timeNow().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			s.renderFlowPage(w, req, flowID, "This username is already taken.")
			return
		}
		s.logErrorF("ERR CreateUser: %v", err)
		s.errorPage(w, http.StatusInternalServerError, "Internal error.")
		return
	}

	ar, app, fe := s.flow(ctx, flowID, true)
	if fe != nil {
		s.sendFlowError(w, req, fe)
		return
	}
	redirect, err := s.completeFlow(ctx, flowID, ar, app, u.ID, methodPassword)
	if err != nil {
		s.logErrorF("ERR completeFlow: %v", err)
		redirect = errorURL(ar, "server_error", "internal error")
	}
	http.Redirect(w, req, redirect, http.StatusSeeOther)
}
