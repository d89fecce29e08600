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
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQL is a Store on the SQLite database opened by the sqldb package.
// Compare-and-swap operations are single conditional UPDATE statements.
type SQL struct {
	db *sql.DB
}

// NewSQL returns a Store using db.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func isConstraint(err error) bool {
	var e *sqlite.Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

type scanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, handle, username, email, email_verified, name, picture, password_hash, created_at`

func scanUser(row scanner) (*User, error) {
	var (
		u         User
		username  sql.NullString
		createdAt int64
	)
	if err := row.Scan(&u.ID, &u.Handle, &username, &u.Email, &u.EmailVerified, &u.Name, &u.Picture, &u.PasswordHash, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Username = username.String
	u.CreatedAt = fromMillis(createdAt)
	return &u, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertUser(ctx context.Context, db execer, u *User) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Handle, nullString(u.Username), u.Email, u.EmailVerified, u.Name, u.Picture, u.PasswordHash, millis(u.CreatedAt))
	if isConstraint(err) {
		return ErrUsernameTaken
	}
	return err
}

func (s *SQL) CreateUser(ctx context.Context, u *User) error {
	return insertUser(ctx, s.db, u)
}

func (s *SQL) User(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (s *SQL) UserByUsername(ctx context.Context, username string) (*User, error) {
	if username == "" {
		return nil, ErrNotFound
	}
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

func (s *SQL) UserByHandle(ctx context.Context, handle []byte) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE handle = ?`, handle))
}

func (s *SQL) linkedUser(ctx context.Context, id Identity) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+prefixed("u.", userColumns)+` FROM identities i JOIN users u ON u.id = i.user_id
		 WHERE i.provider = ? AND i.subject = ?`, id.Provider, id.Subject))
}

func prefixed(p, cols string) string {
	parts := strings.Split(cols, ", ")
	for i := range parts {
		parts[i] = p + parts[i]
	}
	return strings.Join(parts, ", ")
}

func (s *SQL) LinkIdentity(ctx context.Context, id Identity, u *User) (*User, error) {
	existing, err := s.linkedUser(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := insertUser(ctx, tx, u); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO identities (provider, subject, user_id, created_at) VALUES (?, ?, ?, ?)`,
		id.Provider, id.Subject, u.ID, millis(u.CreatedAt))
	if isConstraint(err) {
		// Linked concurrently.
		tx.Rollback()
		return s.linkedUser(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	nu := *u
	return &nu, nil
}

func (s *SQL) SetPasswordHash(ctx context.Context, userID string, hash []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, hash, userID)
	return affected(res, err, ErrNotFound)
}

// affected returns noRows if the statement didn't change anything.
func affected(res sql.Result, err, noRows error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return noRows
	}
	return nil
}

const credentialColumns = `id, user_id, rp_id, public_key, sign_count, discoverable, transports, attestation_format, aaguid, backup_eligible, created_at, last_used_at, revoked_at, revoke_reason`

func scanCredential(row scanner) (*Credential, error) {
	var (
		c          Credential
		transports string
		createdAt  int64
		lastUsedAt int64
		revokedAt  sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.RPID, &c.PublicKey, &c.SignCount, &c.Discoverable, &transports, &c.AttestationFormat, &c.AAGUID, &c.BackupEligible, &createdAt, &lastUsedAt, &revokedAt, &c.RevokeReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if transports != "" {
		c.Transports = strings.Split(transports, ",")
	}
	c.CreatedAt = fromMillis(createdAt)
	c.LastUsedAt = fromMillis(lastUsedAt)
	if revokedAt.Valid {
		c.Revoked = true
		c.RevokedAt = fromMillis(revokedAt.Int64)
	}
	return &c, nil
}

func (s *SQL) AddCredential(ctx context.Context, c *Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (`+credentialColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '')`,
		c.ID, c.UserID, c.RPID, c.PublicKey, c.SignCount, c.Discoverable, strings.Join(c.Transports, ","),
		c.AttestationFormat, c.AAGUID, c.BackupEligible, millis(c.CreatedAt), millis(c.LastUsedAt))
	if isConstraint(err) {
		return ErrDuplicateCredential
	}
	return err
}

func (s *SQL) Credential(ctx context.Context, rpID string, id []byte) (*Credential, error) {
	return scanCredential(s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE rp_id = ? AND id = ?`, rpID, id))
}

func (s *SQL) Credentials(ctx context.Context, userID, rpID string) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE user_id = ? AND rp_id = ? ORDER BY created_at, id`, userID, rpID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQL) UpdateSignCount(ctx context.Context, rpID string, id []byte, oldCount, newCount uint32, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET sign_count = ?, last_used_at = ?
		 WHERE rp_id = ? AND id = ? AND sign_count = ? AND revoked_at IS NULL`,
		newCount, millis(usedAt), rpID, id, oldCount)
	if err := affected(res, err, errNoChange); !errors.Is(err, errNoChange) {
		return err
	}
	c, err := s.Credential(ctx, rpID, id)
	if err != nil {
		return err
	}
	if c.Revoked {
		return ErrCredentialRevoked
	}
	return ErrSignCountConflict
}

var errNoChange = errors.New("no change")

func (s *SQL) RevokeCredential(ctx context.Context, rpID string, id []byte, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET revoked_at = ?, revoke_reason = ? WHERE rp_id = ? AND id = ? AND revoked_at IS NULL`,
		time.Now().UnixMilli(), reason, rpID, id)
	if err := affected(res, err, errNoChange); !errors.Is(err, errNoChange) {
		return err
	}
	// Either unknown or already revoked.
	_, err = s.Credential(ctx, rpID, id)
	return err
}

const sessionColumns = `id, user_id, app_id, auth_methods, issued_at, access_token_exp, refresh_token_id, refresh_token_exp, revoked_at, revoke_reason`

func scanSession(row scanner) (*Session, error) {
	var (
		ss              Session
		methods         string
		issuedAt        int64
		accessTokenExp  int64
		refreshTokenExp int64
		revokedAt       sql.NullInt64
	)
	if err := row.Scan(&ss.ID, &ss.UserID, &ss.AppID, &methods, &issuedAt, &accessTokenExp, &ss.RefreshTokenID, &refreshTokenExp, &revokedAt, &ss.RevokeReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if methods != "" {
		ss.AuthMethods = strings.Split(methods, ",")
	}
	ss.IssuedAt = fromMillis(issuedAt)
	ss.AccessTokenExp = fromMillis(accessTokenExp)
	ss.RefreshTokenExp = fromMillis(refreshTokenExp)
	if revokedAt.Valid {
		ss.Revoked = true
		ss.RevokedAt = fromMillis(revokedAt.Int64)
	}
	return &ss, nil
}

func (s *SQL) CreateSession(ctx context.Context, ss *Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, '')`,
		ss.ID, ss.UserID, ss.AppID, strings.Join(ss.AuthMethods, ","), millis(ss.IssuedAt),
		millis(ss.AccessTokenExp), ss.RefreshTokenID, millis(ss.RefreshTokenExp))
	if isConstraint(err) {
		return fmt.Errorf("session %s: %w", ss.ID, err)
	}
	return err
}

func (s *SQL) Session(ctx context.Context, id string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

func (s *SQL) RotateRefreshToken(ctx context.Context, sessionID string, r Rotation) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET refresh_token_id = ?, access_token_exp = ?, refresh_token_exp = ?
		 WHERE id = ? AND refresh_token_id = ? AND revoked_at IS NULL`,
		r.NewRefreshID, millis(r.AccessTokenExp), millis(r.RefreshTokenExp), sessionID, r.OldRefreshID)
	if err := affected(res, err, errNoChange); !errors.Is(err, errNoChange) {
		return err
	}
	ss, err := s.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if ss.Revoked {
		return ErrSessionRevoked
	}
	return ErrRefreshTokenMismatch
}

func (s *SQL) RevokeSession(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ?, revoke_reason = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now().UnixMilli(), reason, id)
	if err := affected(res, err, errNoChange); !errors.Is(err, errNoChange) {
		return err
	}
	_, err = s.Session(ctx, id)
	return err
}

func (s *SQL) RevokeUserSessions(ctx context.Context, userID, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = ?, revoke_reason = ? WHERE user_id = ? AND revoked_at IS NULL`,
		time.Now().UnixMilli(), reason, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
