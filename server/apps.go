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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// appRegistry holds the configured applications. Flows pin the version of
// the application they started with; retired versions stay available for
// the lifetime of the flows that may still reference them.
type appRegistry struct {
	mu        sync.Mutex
	current   map[string]*Application
	retired   map[appKey]retiredApp
	retention time.Duration

	authLimiters  map[string]*rate.Limiter
	tokenLimiters map[string]*rate.Limiter
}

type appKey struct {
	id      string
	version string
}

type retiredApp struct {
	app       *Application
	retiredAt time.Time
}

func newAppRegistry() *appRegistry {
	return &appRegistry{
		current:       make(map[string]*Application),
		retired:       make(map[appKey]retiredApp),
		authLimiters:  make(map[string]*rate.Limiter),
		tokenLimiters: make(map[string]*rate.Limiter),
	}
}

// update replaces the applications. Versions that go away are retained for
// retention.
func (r *appRegistry) update(apps []*Application, retention time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := timeNow()
	r.retention = retention

	next := make(map[string]*Application, len(apps))
	for _, app := range apps {
		next[app.AppID] = app
	}
	for id, old := range r.current {
		if app, ok := next[id]; ok && app.Version() == old.Version() {
			continue
		}
		r.retired[appKey{id, old.Version()}] = retiredApp{app: old, retiredAt: now}
	}
	for k, v := range r.retired {
		if now.Sub(v.retiredAt) > retention {
			delete(r.retired, k)
		}
	}
	r.current = next

	for id, l := range r.authLimiters {
		if app, ok := next[id]; ok {
			l.SetLimit(rate.Limit(app.RateLimit))
			l.SetBurst(burst(app.RateLimit))
			continue
		}
		delete(r.authLimiters, id)
	}
	for id, l := range r.tokenLimiters {
		if app, ok := next[id]; ok {
			l.SetLimit(rate.Limit(app.TokenRateLimit))
			l.SetBurst(burst(app.TokenRateLimit))
			continue
		}
		delete(r.tokenLimiters, id)
	}
}

func burst(r float64) int {
	return max(1, int(2*r))
}

// get returns the current version of an application.
func (r *appRegistry) get(appID string) (*Application, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.current[appID]
	return app, ok
}

// pinned returns the given version of an application, which may have been
// retired since.
func (r *appRegistry) pinned(appID, version string) (*Application, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if app, ok := r.current[appID]; ok && app.Version() == version {
		return app, true
	}
	v, ok := r.retired[appKey{appID, version}]
	if !ok || timeNow().Sub(v.retiredAt) > r.retention {
		return nil, false
	}
	return v.app, true
}

func (r *appRegistry) allowAuth(app *Application) bool {
	return r.limiter(r.authLimiters, app.AppID, app.RateLimit).Allow()
}

func (r *appRegistry) allowToken(app *Application) bool {
	return r.limiter(r.tokenLimiters, app.AppID, app.TokenRateLimit).Allow()
}

func (r *appRegistry) limiter(m map[string]*rate.Limiter, id string, limit float64) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := m[id]
	if !ok {
		l = rate.NewLimiter(rate.Limit(limit), burst(limit))
		m[id] = l
	}
	return l
}
