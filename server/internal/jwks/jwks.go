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

// Package jwks converts between crypto public keys and JSON Web Key Sets, and
// tracks the published key sets of upstream identity providers.
package jwks

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

// JWKS is a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK is a JSON Web Key. Only signature keys are supported.
type JWK struct {
	Type string `json:"kty"`
	Use  string `json:"use,omitempty"`
	ID   string `json:"kid"`
	Alg  string `json:"alg,omitempty"`
	// EC and OKP
	Curve string `json:"crv,omitempty"`
	X     string `json:"x,omitempty"`
	Y     string `json:"y,omitempty"`
	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`
}

// Key returns the key with the given ID.
func (s *JWKS) Key(kid string) (JWK, bool) {
	for _, k := range s.Keys {
		if k.ID == kid {
			return k, true
		}
	}
	return JWK{}, false
}

// PublicKey decodes the JWK.
func (k JWK) PublicKey() (crypto.PublicKey, error) {
	switch k.Type {
	case "EC":
		var curve elliptic.Curve
		switch k.Curve {
		case "P-256":
			curve = elliptic.P256()
		case "P-384":
			curve = elliptic.P384()
		case "P-521":
			curve = elliptic.P521()
		default:
			return nil, fmt.Errorf("unsupported EC curve %q", k.Curve)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("x: %w", err)
		}
		y, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("y: %w", err)
		}
		pub := &ecdsa.PublicKey{Curve: curve, X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}
		if !curve.IsOnCurve(pub.X, pub.Y) {
			return nil, errors.New("point not on curve")
		}
		return pub, nil
	case "RSA":
		n, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, fmt.Errorf("n: %w", err)
		}
		e, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, fmt.Errorf("e: %w", err)
		}
		exp := new(big.Int).SetBytes(e)
		if !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
			return nil, errors.New("invalid RSA exponent")
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
	case "OKP":
		if k.Curve != "" && k.Curve != "Ed25519" {
			return nil, fmt.Errorf("unsupported OKP curve %q", k.Curve)
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil {
			return nil, fmt.Errorf("x: %w", err)
		}
		if len(x) != ed25519.PublicKeySize {
			return nil, errors.New("invalid Ed25519 key size")
		}
		return ed25519.PublicKey(x), nil
	default:
		return nil, fmt.Errorf("unknown key type %q", k.Type)
	}
}

// FromPublicKey converts a public key to a JWK with the given key ID.
// It returns nil for unsupported key types.
func FromPublicKey(kid string, pub crypto.PublicKey) *JWK {
	switch pub := pub.(type) {
	case *ecdsa.PublicKey:
		var alg, crv string
		switch pub.Curve {
		case elliptic.P256():
			alg, crv = "ES256", "P-256"
		case elliptic.P384():
			alg, crv = "ES384", "P-384"
		case elliptic.P521():
			alg, crv = "ES512", "P-521"
		default:
			return nil
		}
		size := (pub.Curve.Params().BitSize + 7) / 8
		x := make([]byte, size)
		y := make([]byte, size)
		pub.X.FillBytes(x)
		pub.Y.FillBytes(y)
		return &JWK{
			Type:  "EC",
			Use:   "sig",
			ID:    kid,
			Alg:   alg,
			Curve: crv,
			X:     base64.RawURLEncoding.EncodeToString(x),
			Y:     base64.RawURLEncoding.EncodeToString(y),
		}
	case ed25519.PublicKey:
		return &JWK{
			Type:  "OKP",
			Use:   "sig",
			ID:    kid,
			Alg:   "EdDSA",
			Curve: "Ed25519",
			X:     base64.RawURLEncoding.EncodeToString(pub),
		}
	case *rsa.PublicKey:
		return &JWK{
			Type: "RSA",
			Use:  "sig",
			ID:   kid,
			Alg:  "RS256",
			N:    base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:    base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}
	default:
		return nil
	}
}
