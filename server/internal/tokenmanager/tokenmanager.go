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

// Package tokenmanager manages the keys that sign the tokens issued to
// calling applications. It handles key rotation, token creation, token
// validation, and publishes the public keys as a JSON Web Key Set.
package tokenmanager

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/c2FmZQ/hostedauth/server/internal/jwks"
)

const (
	tokenKeyFile = "token-keys"

	// A new set of keys is created every day.
	rotationInterval = 24 * time.Hour
	// Keys are deleted after 7 days. No token outlives its key.
	keyLifetime = 7 * 24 * time.Hour
	// New keys are published for 2 hours before being used so that JWKS
	// consumers have them cached when the first token arrives.
	activationDelay = 2 * time.Hour
)

const (
	typeECDSA   = "ecdsa"
	typeRSA     = "rsa"
	typeEd25519 = "ed25519"
)

var (
	// ErrUnknownKey means that the token's key ID isn't one of ours, or
	// that the key was retired.
	ErrUnknownKey = errors.New("unknown key")

	timeNow = time.Now
)

// Logger is the interface used for logging.
type Logger interface {
	Errorf(format string, args ...any)
}

type defaultLogger struct{}

func (defaultLogger) Errorf(format string, args ...any) {
	log.Printf(format, args...)
}

type tokenKeys struct {
	Keys []*tokenKey
}

type tokenKey struct {
	ID           string
	Type         string
	Key          []byte
	privKey      crypto.Signer
	CreationTime time.Time
}

// TokenManager manages the signing keys.
type TokenManager struct {
	store  *storage.Storage
	logger Logger

	mu   sync.Mutex
	keys tokenKeys
}

// New returns a new TokenManager. The keys are kept in store, encrypted with
// its master key.
func New(store *storage.Storage, logger Logger) (*TokenManager, error) {
	if logger == nil {
		logger = defaultLogger{}
	}
	tm := TokenManager{
		store:  store,
		logger: logger,
	}
	store.CreateEmptyFile(tokenKeyFile, &tm.keys)
	if err := tm.rotateKeys(); err != nil {
		return nil, err
	}
	return &tm, nil
}

// KeyRotationLoop takes care of key rotation. It runs until ctx is canceled.
func (tm *TokenManager) KeyRotationLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Hour):
			if err := tm.rotateKeys(); err != nil && err != storage.ErrRolledBack {
				tm.logger.Errorf("ERR tokenManager.rotateKeys(): %v", err)
			}
		}
	}
}

func (tm *TokenManager) rotateKeys() (retErr error) {
	var keys tokenKeys
	commit, err := tm.store.OpenForUpdate(tokenKeyFile, &keys)
	if err != nil {
		return err
	}
	defer commit(false, &retErr)
	var changed bool
	now := timeNow().UTC()

	if len(keys.Keys) == 0 || keys.Keys[len(keys.Keys)-1].CreationTime.Add(rotationInterval).Before(now) {
		tk, err := createNewTokenKeys(now)
		if err != nil {
			return err
		}
		keys.Keys = append(keys.Keys, tk...)
		changed = true
	}
	for len(keys.Keys) > 0 && keys.Keys[0].CreationTime.Add(keyLifetime).Before(now) {
		keys.Keys = keys.Keys[1:]
		changed = true
	}
	if !changed && len(tm.keys.Keys) > 0 {
		return nil
	}

	for _, k := range keys.Keys {
		privKey, err := x509.ParsePKCS8PrivateKey(k.Key)
		if err != nil {
			return fmt.Errorf("key %s: %w", k.ID, err)
		}
		signer, ok := privKey.(crypto.Signer)
		if !ok {
			return fmt.Errorf("key %s: unexpected type %T", k.ID, privKey)
		}
		k.privKey = signer
	}
	tm.mu.Lock()
	tm.keys = keys
	tm.mu.Unlock()
	return commit(true, nil)
}

func createNewTokenKeys(now time.Time) ([]*tokenKey, error) {
	var out []*tokenKey
	for _, gen := range []struct {
		typ string
		f   func() (crypto.Signer, error)
	}{
		{typeECDSA, func() (crypto.Signer, error) { return ecdsa.GenerateKey(elliptic.P256(), rand.Reader) }},
		{typeRSA, func() (crypto.Signer, error) { return rsa.GenerateKey(rand.Reader, 2048) }},
		{typeEd25519, func() (crypto.Signer, error) {
			_, k, err := ed25519.GenerateKey(rand.Reader)
			return k, err
		}},
	} {
		var id [16]byte
		if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
			return nil, err
		}
		privKey, err := gen.f()
		if err != nil {
			return nil, err
		}
		b, err := x509.MarshalPKCS8PrivateKey(privKey)
		if err != nil {
			return nil, err
		}
		out = append(out, &tokenKey{
			ID:           hex.EncodeToString(id[:]),
			Type:         gen.typ,
			Key:          b,
			privKey:      privKey,
			CreationTime: now,
		})
	}
	return out, nil
}

// CreateToken creates a new JSON Web Token (JWT) with the provided claims.
// alg is one of ES256, RS256, or EdDSA.
func (tm *TokenManager) CreateToken(claims jwt.Claims, alg string) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	method := jwt.GetSigningMethod(alg)
	var keyType string
	switch method {
	case jwt.SigningMethodES256:
		keyType = typeECDSA
	case jwt.SigningMethodRS256:
		keyType = typeRSA
	case jwt.SigningMethodEdDSA:
		keyType = typeEd25519
	default:
		return "", fmt.Errorf("unsupported signing method %q", alg)
	}
	var tk *tokenKey
	cutoff := timeNow().Add(-activationDelay)
	for _, k := range tm.keys.Keys {
		// Pick the most recent key that's at least 2 hours old.
		if k.Type == keyType && (tk == nil || k.CreationTime.Before(cutoff)) {
			tk = k
		}
	}
	if tk == nil {
		return "", ErrUnknownKey
	}
	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = tk.ID
	return tok.SignedString(tk.privKey)
}

func (tm *TokenManager) getKey(tok *jwt.Token) (any, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, tk := range tm.keys.Keys {
		if tk.ID == tok.Header["kid"] {
			return tk.privKey.Public(), nil
		}
	}
	return nil, ErrUnknownKey
}

// ValidateToken validates a JSON Web Token (JWT) signed by one of our keys.
func (tm *TokenManager) ValidateToken(t string, opts ...jwt.ParserOption) (*jwt.Token, error) {
	opts = append(opts, jwt.WithValidMethods([]string{"ES256", "RS256", "EdDSA"}))
	return jwt.ParseWithClaims(t, jwt.MapClaims{}, tm.getKey, opts...)
}

// JWKS returns the current public keys.
func (tm *TokenManager) JWKS() jwks.JWKS {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	var out jwks.JWKS
	for _, key := range tm.keys.Keys {
		if k := jwks.FromPublicKey(key.ID, key.privKey.Public()); k != nil {
			out.Keys = append(out.Keys, *k)
		}
	}
	return out
}

// ServeJWKS returns the current public keys as a JSON Web Key Set (JWKS).
func (tm *TokenManager) ServeJWKS(w http.ResponseWriter, req *http.Request) {
	content, err := json.MarshalIndent(tm.JWKS(), "", "  ")
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	sum := sha256.Sum256(content)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Etag", etag)

	if e := req.Header.Get("If-None-Match"); e == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}
