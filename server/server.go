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

// Package server implements the hosted authentication engine: the redirect
// and callback router, the hosted sign-in pages, and the token endpoint.
//
// A calling application redirects the browser to /auth. The engine
// authenticates the user with an OAuth provider, a passkey, or a password,
// and redirects the browser back to the application with a single-use
// authorization code. The application redeems the code at /oauth/token for
// an access token and, optionally, a refresh token.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/c2FmZQ/tpm"
	"github.com/pires/go-proxyproto"

	"github.com/c2FmZQ/hostedauth/server/internal/nonce"
	"github.com/c2FmZQ/hostedauth/server/internal/oauthprovider"
	"github.com/c2FmZQ/hostedauth/server/internal/passkeys"
	"github.com/c2FmZQ/hostedauth/server/internal/session"
	"github.com/c2FmZQ/hostedauth/server/internal/sqldb"
	"github.com/c2FmZQ/hostedauth/server/internal/store"
	"github.com/c2FmZQ/hostedauth/server/internal/throttle"
	"github.com/c2FmZQ/hostedauth/server/internal/tokenmanager"
)

const (
	// codeLifetime is how long an authorization code can be redeemed.
	codeLifetime = 5 * time.Minute

	// Password failures allowed per username within passwordWindow.
	passwordFailures = 5
	passwordWindow   = 15 * time.Minute

	readHeaderTimeout = 10 * time.Second
	appRetentionSlack = 15 * time.Minute
)

var timeNow = time.Now

// Server is the hosted authentication server.
type Server struct {
	mu   sync.Mutex
	cfg  *Config
	apps *appRegistry

	tpm     *tpm.TPM
	mk      crypto.MasterKey
	storage *storage.Storage
	db      *sql.DB

	store        store.Store
	nonces       *nonce.Manager
	codes        *nonce.Table[authCode]
	flowSessions *nonce.Table[flowSession]
	tokenManager *tokenmanager.TokenManager
	issuer       *session.Issuer
	passkeys     *passkeys.Orchestrator
	oauth        *oauthprovider.Adapter
	passwords    *throttle.Throttle
	metrics      *metrics
	handler      http.Handler

	ctx           context.Context
	cancel        context.CancelFunc
	listener      net.Listener
	httpServer    *http.Server
	metricsServer *http.Server
	startTime     time.Time
	closeOnce     sync.Once

	eventsmu sync.Mutex
	events   map[string]int64
}

// flowSession is the session issued at the end of a flow, keyed by the
// flow's nonce.
type flowSession struct {
	SessionID string `json:"sid"`
}

// authCode is the record behind an authorization code.
type authCode struct {
	AppID               string `json:"app_id"`
	AppVersion          string `json:"app_version"`
	RedirectURI         string `json:"redirect_uri"`
	SessionID           string `json:"sid"`
	UserID              string `json:"sub"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
}

// New returns a new Server. The passphrase protects the master key, which
// encrypts everything the server stores on disk.
func New(cfg *Config, passphrase []byte) (*Server, error) {
	cfg = cfg.clone()
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	s := &Server{
		apps:    newAppRegistry(),
		metrics: newMetrics(),
	}
	var sTPM *tpm.TPM
	if cfg.HWBacked {
		t, err := tpm.New(tpm.WithObjectAuth(passphrase))
		if err != nil {
			return nil, err
		}
		sTPM = t
	}
	mk, err := openMasterKey(cfg.DataDir, passphrase, sTPM, s.extLogger())
	if err != nil {
		if sTPM != nil {
			sTPM.Close()
		}
		return nil, err
	}
	s.tpm = sTPM
	s.mk = mk
	if err := s.init(cfg); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// openMasterKey reads the master key in dir, or creates it. When t isn't
// nil, the key is bound to the TPM.
func openMasterKey(dir string, passphrase []byte, t *tpm.TPM, l logger) (crypto.MasterKey, error) {
	opts := []crypto.Option{
		crypto.WithLogger(l),
	}
	if t != nil {
		opts = append(opts, crypto.WithTPM(t))
	} else {
		opts = append(opts, crypto.WithAlgo(crypto.PickFastest))
	}
	mkFile := filepath.Join(dir, "masterkey")
	mk, err := crypto.ReadMasterKey(passphrase, mkFile, opts...)
	if errors.Is(err, os.ErrNotExist) {
		if mk, err = crypto.CreateMasterKey(opts...); err != nil {
			return nil, errors.New("failed to create master key")
		}
		err = mk.Save(passphrase, mkFile)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mkFile, err)
	}
	return mk, nil
}

func (s *Server) init(cfg *Config) error {
	s.storage = storage.New(cfg.DataDir, s.mk)
	logger := s.extLogger()
	events := eventRecorder{s}

	tm, err := tokenmanager.New(s.storage, logger)
	if err != nil {
		return err
	}
	s.tokenManager = tm

	var backend nonce.Backend
	switch cfg.Storage {
	case StorageSQLite:
		db, err := sqldb.Open(cfg.SQLitePath)
		if err != nil {
			return err
		}
		s.db = db
		s.store = store.NewSQL(db)
		backend = nonce.NewSQL(db)
	default:
		st, err := store.NewEncrypted(s.storage)
		if err != nil {
			return err
		}
		s.store = st
		backend = nonce.NewMemory()
	}
	s.nonces = nonce.NewManager(backend, cfg.RequestLifetime, logger)
	s.codes = nonce.NewTable[authCode](backend, "code", codeLifetime)
	s.flowSessions = nonce.NewTable[flowSession](backend, "flowsession", cfg.RequestLifetime)
	s.issuer = session.New(session.Config{
		Store:         s.store,
		TokenManager:  tm,
		Issuer:        cfg.Issuer,
		Alg:           cfg.TokenAlg,
		EventRecorder: events,
		Logger:        logger,
	})
	s.passkeys = passkeys.New(passkeys.Config{
		Store:         s.store,
		Nonces:        backend,
		EventRecorder: events,
		Logger:        logger,
	})
	s.oauth = oauthprovider.New(oauthprovider.Config{
		CallbackBase:    cfg.Issuer + "/oauth/callback/",
		Nonces:          backend,
		EventRecorder:   events,
		ObserveExchange: s.metrics.observeExchange,
		Logger:          logger,
	})
	s.passwords = throttle.New(passwordFailures, passwordWindow)
	s.handler = s.routes()
	return s.Reconfigure(cfg)
}

// Reconfigure updates the server's configuration. The issuer, the data
// directory, the storage backend, the request lifetime, and the token
// algorithm can't be changed without a restart.
func (s *Server) Reconfigure(cfg *Config) error {
	cfg = cfg.clone()
	if err := cfg.Check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.equal(s.cfg) {
		return nil
	}
	if cur := s.cfg; cur != nil {
		if cfg.Issuer != cur.Issuer || cfg.DataDir != cur.DataDir || cfg.Storage != cur.Storage ||
			cfg.SQLitePath != cur.SQLitePath || cfg.HWBacked != cur.HWBacked ||
			cfg.RequestLifetime != cur.RequestLifetime || cfg.TokenAlg != cur.TokenAlg {
			return errors.New("issuer, dataDir, storage, sqlitePath, hwBacked, requestLifetime, and tokenAlg require a restart")
		}
		log.Print("INF Configuration changed")
		s.recordEvent("config change")
	}
	s.cfg = cfg
	s.apps.update(cfg.Applications, cfg.RequestLifetime+codeLifetime+appRetentionSlack)
	return nil
}

func (s *Server) config() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and the background loops.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.config()
	s.startTime = timeNow()

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	if cfg.AcceptProxyProtocol {
		listener = &proxyproto.Listener{
			Listener:          listener,
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}
	s.mu.Lock()
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	if cfg.MetricsAddr != "" {
		ml, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			s.mu.Unlock()
			listener.Close()
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", s.metrics.handler())
		s.metricsServer = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		}
		go serveHTTP(s.metricsServer, ml)
	}
	s.mu.Unlock()

	go serveHTTP(s.httpServer, listener)
	go s.nonces.SweepLoop(s.ctx)
	go s.tokenManager.KeyRotationLoop(s.ctx)
	log.Printf("INF Listening on %s", listener.Addr())
	return nil
}

func serveHTTP(s *http.Server, l net.Listener) {
	if err := s.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("ERR Serve: %v", err)
	}
}

// Addr returns the address of the listener after Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting new requests and waits for the ongoing ones to
// finish, or for ctx to be canceled.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	hs, ms := s.httpServer, s.metricsServer
	s.mu.Unlock()
	if hs != nil {
		if err := hs.Shutdown(ctx); err != nil {
			log.Printf("ERR Shutdown: %v", err)
		}
	}
	if ms != nil {
		ms.Shutdown(ctx)
	}
	s.Stop()
}

// Stop stops everything immediately.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	hs, ms := s.httpServer, s.metricsServer
	s.mu.Unlock()
	if hs != nil {
		hs.Close()
	}
	if ms != nil {
		ms.Close()
	}
	s.close()
}

func (s *Server) close() {
	s.closeOnce.Do(func() {
		if s.oauth != nil {
			s.oauth.Stop()
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				log.Printf("ERR store.Close: %v", err)
			}
		}
		if s.db != nil {
			s.db.Close()
		}
		if s.mk != nil {
			s.mk.Wipe()
		}
		if s.tpm != nil {
			s.tpm.Close()
		}
	})
}
