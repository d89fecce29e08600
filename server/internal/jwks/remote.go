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

package jwks

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

var (
	// ErrUnknownIssuer is returned when a key is requested for an issuer
	// that isn't tracked.
	ErrUnknownIssuer = errors.New("unknown issuer")
	// ErrKeyNotFound is returned when the issuer doesn't publish the
	// requested key.
	ErrKeyNotFound = errors.New("key not found")

	timeNow = time.Now
)

const (
	minTTL         = 5 * time.Minute
	defaultTTL     = time.Hour
	minRefetchWait = time.Minute
	maxBodySize    = 1 << 20
)

// Issuer identifies an upstream token issuer and where its keys are published.
type Issuer struct {
	Issuer  string
	JWKSURI string
}

// Logger is the interface used for logging.
type Logger interface {
	Errorf(format string, args ...any)
}

type defaultLogger struct{}

func (defaultLogger) Errorf(format string, args ...any) {
	log.Printf(format, args...)
}

// Remote keeps the public keys of upstream identity providers up to date.
type Remote struct {
	client *retryablehttp.Client
	logger Logger

	mu      sync.Mutex
	issuers map[string]*remoteIssuer
}

type remoteIssuer struct {
	jwksURI     string
	keys        map[string]crypto.PublicKey
	nextUpdate  time.Time
	lastFetched time.Time
	cancel      context.CancelFunc
}

// NewRemote returns a new Remote. A nil client gets a default retrying client.
func NewRemote(client *retryablehttp.Client, logger Logger) *Remote {
	if logger == nil {
		logger = defaultLogger{}
	}
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = nil
	}
	return &Remote{
		client:  client,
		logger:  logger,
		issuers: make(map[string]*remoteIssuer),
	}
}

// SetIssuers replaces the set of tracked issuers. New issuers get a
// background refresh loop, removed ones have theirs stopped.
func (r *Remote) SetIssuers(issuers []Issuer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inUse := make(map[string]bool)
	for _, iss := range issuers {
		inUse[iss.Issuer] = true
		r.trackLocked(iss)
	}
	for k, ri := range r.issuers {
		if !inUse[k] {
			ri.cancel()
			delete(r.issuers, k)
		}
	}
}

// Track adds an issuer, or updates its JWKS URI, without affecting the
// others.
func (r *Remote) Track(iss Issuer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackLocked(iss)
}

func (r *Remote) trackLocked(iss Issuer) {
	ri, exists := r.issuers[iss.Issuer]
	if exists && ri.jwksURI == iss.JWKSURI {
		return
	}
	if exists {
		ri.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	ri = &remoteIssuer{
		jwksURI: iss.JWKSURI,
		cancel:  cancel,
	}
	r.issuers[iss.Issuer] = ri
	go r.refreshLoop(ctx, iss.Issuer, ri)
}

// Stop stops all the refresh loops.
func (r *Remote) Stop() {
	r.SetIssuers(nil)
}

// Key returns the issuer's public key with the given key ID. An unknown key
// ID triggers one synchronous refetch, at most once per minute per issuer,
// so that provider key rotations are picked up promptly.
func (r *Remote) Key(ctx context.Context, issuer, kid string) (crypto.PublicKey, error) {
	r.mu.Lock()
	ri, ok := r.issuers[issuer]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownIssuer
	}
	if pk, ok := ri.keys[kid]; ok {
		r.mu.Unlock()
		return pk, nil
	}
	refetch := ri.keys == nil || timeNow().Sub(ri.lastFetched) >= minRefetchWait
	r.mu.Unlock()

	if !refetch {
		return nil, ErrKeyNotFound
	}
	if err := r.fetch(ctx, ri); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if pk, ok := ri.keys[kid]; ok {
		return pk, nil
	}
	return nil, ErrKeyNotFound
}

func (r *Remote) refreshLoop(ctx context.Context, issuer string, ri *remoteIssuer) {
	for {
		if err := r.fetch(ctx, ri); err != nil && ctx.Err() == nil {
			r.logger.Errorf("ERR jwks fetch %s: %v", issuer, err)
		}
		r.mu.Lock()
		wait := ri.nextUpdate.Sub(timeNow())
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *Remote) fetch(ctx context.Context, ri *remoteIssuer) error {
	r.mu.Lock()
	uri := ri.jwksURI
	ri.lastFetched = timeNow()
	ri.nextUpdate = ri.lastFetched.Add(minTTL)
	r.mu.Unlock()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}
	req.Header.Set("accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", uri, resp.Status)
	}

	var set JWKS
	if err := json.NewDecoder(&io.LimitedReader{R: resp.Body, N: maxBodySize}).Decode(&set); err != nil {
		return fmt.Errorf("%s: %w", uri, err)
	}
	keys := make(map[string]crypto.PublicKey)
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pk, err := k.PublicKey()
		if err != nil {
			r.logger.Errorf("ERR jwk %s: %v", k.ID, err)
			continue
		}
		keys[k.ID] = pk
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ri.keys = keys
	ri.nextUpdate = timeNow().Add(cacheTTL(resp.Header))
	return nil
}

// cacheTTL derives the refresh interval from the Cache-Control and Age
// response headers.
func cacheTTL(h http.Header) time.Duration {
	ttl := defaultTTL
	for _, part := range strings.Split(h.Get("cache-control"), ",") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "max-age="); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				ttl = time.Duration(n) * time.Second
			}
		}
	}
	if age := h.Get("age"); age != "" {
		if n, err := strconv.Atoi(age); err == nil && n > 0 {
			ttl -= time.Duration(n) * time.Second
		}
	}
	return max(ttl, minTTL)
}
