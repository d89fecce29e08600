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

package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"slices"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
)

const (
	usersFile       = "users"
	credentialsFile = "credentials"
	sessionsFile    = "sessions"
)

// Encrypted is a Store backed by encrypted files. Updates are transactional
// through storage.OpenForUpdate, which also makes the compare-and-swap
// operations atomic.
type Encrypted struct {
	store *storage.Storage
	// mu serializes the read-modify-write cycles of this process.
	// OpenForUpdate protects against other processes.
	mu sync.Mutex
}

type usersDB struct {
	Users      map[string]*User
	Usernames  map[string]string
	Handles    map[string]string
	Identities map[string]string
}

func (db *usersDB) init() {
	if db.Users == nil {
		db.Users = make(map[string]*User)
	}
	if db.Usernames == nil {
		db.Usernames = make(map[string]string)
	}
	if db.Handles == nil {
		db.Handles = make(map[string]string)
	}
	if db.Identities == nil {
		db.Identities = make(map[string]string)
	}
}

type credentialsDB struct {
	Credentials map[string]*Credential
}

func (db *credentialsDB) init() {
	if db.Credentials == nil {
		db.Credentials = make(map[string]*Credential)
	}
}

type sessionsDB struct {
	Sessions map[string]*Session
}

func (db *sessionsDB) init() {
	if db.Sessions == nil {
		db.Sessions = make(map[string]*Session)
	}
}

// NewEncrypted returns a Store that keeps its data in s.
func NewEncrypted(s *storage.Storage) (*Encrypted, error) {
	var u usersDB
	u.init()
	s.CreateEmptyFile(usersFile, &u)
	var c credentialsDB
	c.init()
	s.CreateEmptyFile(credentialsFile, &c)
	var ss sessionsDB
	ss.init()
	s.CreateEmptyFile(sessionsFile, &ss)

	e := &Encrypted{store: s}
	for _, f := range []struct {
		name string
		obj  any
	}{
		{usersFile, &u},
		{credentialsFile, &c},
		{sessionsFile, &ss},
	} {
		if err := s.ReadDataFile(f.name, f.obj); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Encrypted) Close() error {
	return nil
}

func credKey(rpID string, id []byte) string {
	return rpID + "/" + base64.RawURLEncoding.EncodeToString(id)
}

func identityKey(id Identity) string {
	return id.Provider + "\x00" + id.Subject
}

func handleKey(h []byte) string {
	return base64.RawURLEncoding.EncodeToString(h)
}

func (e *Encrypted) readUsers() (*usersDB, error) {
	var db usersDB
	if err := e.store.ReadDataFile(usersFile, &db); err != nil {
		return nil, err
	}
	db.init()
	return &db, nil
}

func (e *Encrypted) updateUsers(f func(*usersDB) error) (retErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var db usersDB
	commit, err := e.store.OpenForUpdate(usersFile, &db)
	if err != nil {
		return err
	}
	defer commit(false, &retErr)
	db.init()
	if err := f(&db); err != nil {
		return err
	}
	return commit(true, nil)
}

func (e *Encrypted) CreateUser(_ context.Context, u *User) error {
	return e.updateUsers(func(db *usersDB) error {
		if _, exists := db.Users[u.ID]; exists {
			return ErrUsernameTaken
		}
		if u.Username != "" {
			if _, exists := db.Usernames[u.Username]; exists {
				return ErrUsernameTaken
			}
			db.Usernames[u.Username] = u.ID
		}
		nu := *u
		db.Users[u.ID] = &nu
		db.Handles[handleKey(u.Handle)] = u.ID
		return nil
	})
}

func (e *Encrypted) User(_ context.Context, id string) (*User, error) {
	db, err := e.readUsers()
	if err != nil {
		return nil, err
	}
	u, ok := db.Users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (e *Encrypted) UserByUsername(ctx context.Context, username string) (*User, error) {
	db, err := e.readUsers()
	if err != nil {
		return nil, err
	}
	id, ok := db.Usernames[username]
	if !ok {
		return nil, ErrNotFound
	}
	return db.Users[id], nil
}

func (e *Encrypted) UserByHandle(ctx context.Context, handle []byte) (*User, error) {
	db, err := e.readUsers()
	if err != nil {
		return nil, err
	}
	id, ok := db.Handles[handleKey(handle)]
	if !ok {
		return nil, ErrNotFound
	}
	return db.Users[id], nil
}

func (e *Encrypted) LinkIdentity(_ context.Context, id Identity, u *User) (*User, error) {
	var out *User
	err := e.updateUsers(func(db *usersDB) error {
		if uid, ok := db.Identities[identityKey(id)]; ok {
			if existing, ok := db.Users[uid]; ok {
				out = existing
				return nil
			}
		}
		if u.Username != "" {
			if _, exists := db.Usernames[u.Username]; exists {
				return ErrUsernameTaken
			}
			db.Usernames[u.Username] = u.ID
		}
		nu := *u
		db.Users[u.ID] = &nu
		db.Handles[handleKey(u.Handle)] = u.ID
		db.Identities[identityKey(id)] = u.ID
		out = &nu
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Encrypted) SetPasswordHash(_ context.Context, userID string, hash []byte) error {
	return e.updateUsers(func(db *usersDB) error {
		u, ok := db.Users[userID]
		if !ok {
			return ErrNotFound
		}
		u.PasswordHash = slices.Clone(hash)
		return nil
	})
}

func (e *Encrypted) readCredentials() (*credentialsDB, error) {
	var db credentialsDB
	if err := e.store.ReadDataFile(credentialsFile, &db); err != nil {
		return nil, err
	}
	db.init()
	return &db, nil
}

func (e *Encrypted) updateCredentials(f func(*credentialsDB) error) (retErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var db credentialsDB
	commit, err := e.store.OpenForUpdate(credentialsFile, &db)
	if err != nil {
		return err
	}
	defer commit(false, &retErr)
	db.init()
	if err := f(&db); err != nil {
		return err
	}
	return commit(true, nil)
}

func (e *Encrypted) AddCredential(_ context.Context, c *Credential) error {
	return e.updateCredentials(func(db *credentialsDB) error {
		k := credKey(c.RPID, c.ID)
		if _, exists := db.Credentials[k]; exists {
			return ErrDuplicateCredential
		}
		nc := *c
		db.Credentials[k] = &nc
		return nil
	})
}

func (e *Encrypted) Credential(_ context.Context, rpID string, id []byte) (*Credential, error) {
	db, err := e.readCredentials()
	if err != nil {
		return nil, err
	}
	c, ok := db.Credentials[credKey(rpID, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (e *Encrypted) Credentials(_ context.Context, userID, rpID string) ([]*Credential, error) {
	db, err := e.readCredentials()
	if err != nil {
		return nil, err
	}
	var out []*Credential
	for _, c := range db.Credentials {
		if c.UserID == userID && c.RPID == rpID {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b *Credential) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return bytes.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (e *Encrypted) UpdateSignCount(_ context.Context, rpID string, id []byte, oldCount, newCount uint32, usedAt time.Time) error {
	return e.updateCredentials(func(db *credentialsDB) error {
		c, ok := db.Credentials[credKey(rpID, id)]
		if !ok {
			return ErrNotFound
		}
		if c.Revoked {
			return ErrCredentialRevoked
		}
		if c.SignCount != oldCount {
			return ErrSignCountConflict
		}
		c.SignCount = newCount
		c.LastUsedAt = usedAt
		return nil
	})
}

func (e *Encrypted) RevokeCredential(_ context.Context, rpID string, id []byte, reason string) error {
	return e.updateCredentials(func(db *credentialsDB) error {
		c, ok := db.Credentials[credKey(rpID, id)]
		if !ok {
			return ErrNotFound
		}
		if c.Revoked {
			return nil
		}
		c.Revoked = true
		c.RevokedAt = time.Now().UTC()
		c.RevokeReason = reason
		return nil
	})
}

func (e *Encrypted) readSessions() (*sessionsDB, error) {
	var db sessionsDB
	if err := e.store.ReadDataFile(sessionsFile, &db); err != nil {
		return nil, err
	}
	db.init()
	return &db, nil
}

func (e *Encrypted) updateSessions(f func(*sessionsDB) error) (retErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var db sessionsDB
	commit, err := e.store.OpenForUpdate(sessionsFile, &db)
	if err != nil {
		return err
	}
	defer commit(false, &retErr)
	db.init()
	if err := f(&db); err != nil {
		return err
	}
	return commit(true, nil)
}

func (e *Encrypted) CreateSession(_ context.Context, s *Session) error {
	return e.updateSessions(func(db *sessionsDB) error {
		ns := *s
		db.Sessions[s.ID] = &ns
		return nil
	})
}

func (e *Encrypted) Session(_ context.Context, id string) (*Session, error) {
	db, err := e.readSessions()
	if err != nil {
		return nil, err
	}
	s, ok := db.Sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (e *Encrypted) RotateRefreshToken(_ context.Context, sessionID string, r Rotation) error {
	return e.updateSessions(func(db *sessionsDB) error {
		s, ok := db.Sessions[sessionID]
		if !ok {
			return ErrNotFound
		}
		if s.Revoked {
			return ErrSessionRevoked
		}
		if s.RefreshTokenID != r.OldRefreshID {
			return ErrRefreshTokenMismatch
		}
		s.RefreshTokenID = r.NewRefreshID
		s.AccessTokenExp = r.AccessTokenExp
		s.RefreshTokenExp = r.RefreshTokenExp
		return nil
	})
}

func (e *Encrypted) RevokeSession(_ context.Context, id, reason string) error {
	return e.updateSessions(func(db *sessionsDB) error {
		s, ok := db.Sessions[id]
		if !ok {
			return ErrNotFound
		}
		revoke(s, reason)
		return nil
	})
}

func (e *Encrypted) RevokeUserSessions(_ context.Context, userID, reason string) (int, error) {
	var n int
	err := e.updateSessions(func(db *sessionsDB) error {
		for _, s := range db.Sessions {
			if s.UserID == userID && !s.Revoked {
				revoke(s, reason)
				n++
			}
		}
		return nil
	})
	return n, err
}

func revoke(s *Session, reason string) {
	if s.Revoked {
		return
	}
	s.Revoked = true
	s.RevokedAt = time.Now().UTC()
	s.RevokeReason = reason
}
