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
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"testing"
	"time"
)

func TestPublicKeyConversion(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("ed25519.GenerateKey: %v", err)
	}

	for _, tc := range []struct {
		kid  string
		pub  any
		kty  string
		same func(any) bool
	}{
		{"ec", &ecKey.PublicKey, "EC", func(k any) bool { return ecKey.PublicKey.Equal(k) }},
		{"rsa", &rsaKey.PublicKey, "RSA", func(k any) bool { return rsaKey.PublicKey.Equal(k) }},
		{"ed", edPub, "OKP", func(k any) bool { return edPub.Equal(k) }},
	} {
		jwk := FromPublicKey(tc.kid, tc.pub)
		if jwk == nil {
			t.Fatalf("FromPublicKey(%s) = nil", tc.kid)
		}
		if jwk.Type != tc.kty || jwk.ID != tc.kid {
			t.Errorf("FromPublicKey(%s) = %+v", tc.kid, jwk)
		}
		got, err := jwk.PublicKey()
		if err != nil {
			t.Fatalf("PublicKey(%s): %v", tc.kid, err)
		}
		if !tc.same(got) {
			t.Errorf("PublicKey(%s) doesn't match the original key", tc.kid)
		}
	}
}

func TestPublicKeyRejectsBadInput(t *testing.T) {
	for _, k := range []JWK{
		{Type: "EC", Curve: "P-256", X: "AAAA", Y: "AAAA"},
		{Type: "EC", Curve: "secp256k1"},
		{Type: "OKP", Curve: "Ed25519", X: "AAAA"},
		{Type: "RSA", N: "AQAB", E: "AQ"},
		{Type: "oct"},
	} {
		if _, err := k.PublicKey(); err == nil {
			t.Errorf("PublicKey(%+v) should fail", k)
		}
	}
}

func TestCacheTTL(t *testing.T) {
	for _, tc := range []struct {
		cc, age string
		want    time.Duration
	}{
		{"", "", time.Hour},
		{"public, max-age=7200", "", 2 * time.Hour},
		{"max-age=7200", "3600", time.Hour},
		{"max-age=10", "", 5 * time.Minute},
	} {
		h := http.Header{}
		if tc.cc != "" {
			h.Set("cache-control", tc.cc)
		}
		if tc.age != "" {
			h.Set("age", tc.age)
		}
		if got := cacheTTL(h); got != tc.want {
			t.Errorf("cacheTTL(%q, %q) = %v, want %v", tc.cc, tc.age, got, tc.want)
		}
	}
}
