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

// Package store is the durable state of the authentication engine: users and
// their federated identities, WebAuthn credentials, and sessions.
//
// Two interchangeable backends implement Store: Encrypted keeps everything in
// files encrypted with the server's master key, and SQL keeps everything in a
// SQLite database that several replicas can share.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"time"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrUsernameTaken        = errors.New("username already taken")
	ErrDuplicateCredential  = errors.New("credential already registered")
	ErrCredentialRevoked    = errors.New("credential revoked")
	ErrSignCountConflict    = errors.New("sign count changed concurrently")
	ErrSessionRevoked       = errors.New("session revoked")
	ErrRefreshTokenMismatch = errors.New("refresh token is not current")
)

// User is an end user of the hosted authentication pages.
type User struct {
	ID            string    `json:"id"`
	Handle        []byte    `json:"handle"`
	Username      string    `json:"username,omitempty"`
	Email         string    `json:"email,omitempty"`
	EmailVerified bool      `json:"emailVerified,omitempty"`
	Name          string    `json:"name,omitempty"`
	Picture       string    `json:"picture,omitempty"`
	PasswordHash  []byte    `json:"passwordHash,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Identity links an account at an OAuth provider to a User.
type Identity struct {
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
}

// Credential is a registered WebAuthn public key credential.
type Credential struct {
	ID                []byte    `json:"id"`
	UserID            string    `json:"userId"`
	RPID              string    `json:"rpId"`
	PublicKey         []byte    `json:"publicKey"`
	SignCount         uint32    `json:"signCount"`
	Discoverable      bool      `json:"discoverable"`
	Transports        []string  `json:"transports,omitempty"`
	AttestationFormat string    `json:"attestationFormat"`
	AAGUID            []byte    `json:"aaguid,omitempty"`
	BackupEligible    bool      `json:"backupEligible,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	LastUsedAt        time.Time `json:"lastUsedAt"`
	Revoked           bool      `json:"revoked,omitempty"`
	RevokedAt         time.Time `json:"revokedAt,omitzero"`
	RevokeReason      string    `json:"revokeReason,omitempty"`
}

// Session is created when a user authenticates for an application.
type Session struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId"`
	AppID           string    `json:"appId"`
	AuthMethods     []string  `json:"authMethods,omitempty"`
	IssuedAt        time.Time `json:"issuedAt"`
	AccessTokenExp  time.Time `json:"accessTokenExp,omitzero"`
	RefreshTokenID  string    `json:"refreshTokenId,omitempty"`
	RefreshTokenExp time.Time `json:"refreshTokenExp,omitzero"`
	Revoked         bool      `json:"revoked,omitempty"`
	RevokedAt       time.Time `json:"revokedAt,omitzero"`
	RevokeReason    string    `json:"revokeReason,omitempty"`
}

// Rotation describes a refresh token rotation.
type Rotation struct {
	OldRefreshID    string
	NewRefreshID    string
	AccessTokenExp  time.Time
	RefreshTokenExp time.Time
}

// Store is implemented by Encrypted and SQL.
type Store interface {
	// CreateUser stores a new user. ID, Handle and CreatedAt must be set.
	CreateUser(ctx context.Context, u *User) error
	User(ctx context.Context, id string) (*User, error)
	UserByUsername(ctx context.Context, username string) (*User, error)
	UserByHandle(ctx context.Context, handle []byte) (*User, error)
	// LinkIdentity returns the user linked to id. If there is none, u is
	// created and linked.
	LinkIdentity(ctx context.Context, id Identity, u *User) (*User, error)
	SetPasswordHash(ctx context.Context, userID string, hash []byte) error

	AddCredential(ctx context.Context, c *Credential) error
	Credential(ctx context.Context, rpID string, id []byte) (*Credential, error)
	// Credentials returns the user's credentials for the RP, including
	// revoked ones.
	Credentials(ctx context.Context, userID, rpID string) ([]*Credential, error)
	// UpdateSignCount sets the sign count to newCount only if it is still
	// oldCount and the credential isn't revoked.
	UpdateSignCount(ctx context.Context, rpID string, id []byte, oldCount, newCount uint32, usedAt time.Time) error
	RevokeCredential(ctx context.Context, rpID string, id []byte, reason string) error

	CreateSession(ctx context.Context, s *Session) error
	Session(ctx context.Context, id string) (*Session, error)
	// RotateRefreshToken replaces the session's refresh token ID only if
	// it is still r.OldRefreshID and the session isn't revoked.
	RotateRefreshToken(ctx context.Context, sessionID string, r Rotation) error
	RevokeSession(ctx context.Context, id, reason string) error
	RevokeUserSessions(ctx context.Context, userID, reason string) (int, error)

	Close() error
}

// NewUserHandle returns a random WebAuthn user handle.
func NewUserHandle() ([]byte, error) {
	h := make([]byte, 32)
	if _, err := rand.Read(h); err != nil {
		return nil, err
	}
	return h, nil
}
