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

package nonce

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQL is a Backend on a shared SQL database, so that any replica can
// redeem what another one issued. The schema is created by the sqldb
// package.
type SQL struct {
	db *sql.DB
}

// NewSQL returns a Backend using db.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

func (s *SQL) Put(ctx context.Context, kind, key string, data []byte, expires time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO single_use (kind, id, data, expires_at, consumed_at) VALUES (?, ?, ?, ?, NULL)`,
		kind, key, data, expires.UnixMilli())
	return err
}

func (s *SQL) Take(ctx context.Context, kind, key string, now time.Time) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`UPDATE single_use SET consumed_at = ?
		 WHERE kind = ? AND id = ? AND consumed_at IS NULL AND expires_at > ?
		 RETURNING data`,
		now.UnixMilli(), kind, key, now.UnixMilli()).Scan(&data)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return s.classify(ctx, kind, key, now)
}

func (s *SQL) Peek(ctx context.Context, kind, key string, now time.Time) ([]byte, error) {
	return s.classify(ctx, kind, key, now)
}

// classify reads the record and reports why it can't be redeemed, if it
// can't.
func (s *SQL) classify(ctx context.Context, kind, key string, now time.Time) ([]byte, error) {
	var (
		data       []byte
		expiresAt  int64
		consumedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, expires_at, consumed_at FROM single_use WHERE kind = ? AND id = ?`,
		kind, key).Scan(&data, &expiresAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if consumedAt.Valid {
		return data, ErrAlreadyConsumed
	}
	if expiresAt <= now.UnixMilli() {
		return data, ErrExpired
	}
	return data, nil
}

func (s *SQL) Sweep(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM single_use WHERE expires_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
