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

// Package passkeys implements the server side of the WebAuthn registration
// and authentication ceremonies.
package passkeys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	cbor "github.com/fxamacker/cbor/v2"
)

const (
	// https://w3c.github.io/webauthn/#sctn-alg-identifier
	algES256 = -7
	algEdDSA = -8
	algRS256 = -257

	// https://www.rfc-editor.org/rfc/rfc9053#section-7
	ktyOKP = 1
	ktyEC2 = 2
	ktyRSA = 3

	crvP256    = 1
	crvEd25519 = 6

	// Timeout of the ceremonies in milliseconds.
	ceremonyTimeout = 120000
)

// errTooShort indicates that the message is too short and can't be decoded.
var errTooShort = errors.New("too short")

// Bytes is a byte slice that is encoded as base64url in JSON, the way
// browsers encode ArrayBuffers.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return json.Marshal(base64.RawURLEncoding.EncodeToString(b))
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// AttestationOptions encapsulates the options to navigator.credentials.create().
type AttestationOptions struct {
	// The cryptographic challenge is 32 random bytes.
	Challenge Bytes `json:"challenge"`
	// The relying party.
	RelyingParty struct {
		Name string `json:"name"`
		ID   string `json:"id,omitempty"`
	} `json:"rp"`
	// The user information.
	User struct {
		ID          Bytes  `json:"id"`
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
	} `json:"user"`
	// The acceptable public key params.
	PubKeyCredParams []PubKeyCredParam `json:"pubKeyCredParams,omitempty"`
	// Timeout in milliseconds.
	Timeout int `json:"timeout,omitempty"`
	// A list of credentials already registered for this user.
	ExcludeCredentials []CredentialID `json:"excludeCredentials,omitempty"`
	// none, indirect, or direct
	Attestation string `json:"attestation,omitempty"`
	// Authenticator selection parameters.
	AuthenticatorSelection struct {
		// required, preferred, or discouraged
		UserVerification string `json:"userVerification"`
		// required, preferred, or discouraged
		ResidentKey string `json:"residentKey"`
	} `json:"authenticatorSelection"`
	// Client extensions. credProps asks the client to report whether the
	// credential is discoverable.
	Extensions struct {
		CredProps bool `json:"credProps,omitempty"`
	} `json:"extensions"`
}

// newAttestationOptions returns a new AttestationOptions with PubKeyCredParams
// and Timeout already populated.
func newAttestationOptions(challenge []byte) *AttestationOptions {
	ao := &AttestationOptions{
		Challenge: challenge,
		PubKeyCredParams: []PubKeyCredParam{
			{Type: "public-key", Alg: algES256},
			{Type: "public-key", Alg: algEdDSA},
			{Type: "public-key", Alg: algRS256},
		},
		Timeout:     ceremonyTimeout,
		Attestation: "none",
	}
	ao.AuthenticatorSelection.UserVerification = "required"
	ao.AuthenticatorSelection.ResidentKey = "preferred"
	ao.Extensions.CredProps = true
	return ao
}

// AssertionOptions encapsulates the options to navigator.credentials.get().
type AssertionOptions struct {
	// The cryptographic challenge is 32 random bytes.
	Challenge Bytes `json:"challenge"`
	// The relying party ID.
	RPID string `json:"rpId,omitempty"`
	// Timeout in milliseconds.
	Timeout int `json:"timeout,omitempty"`
	// The credentials that may be used. Empty for discoverable credentials.
	AllowCredentials []CredentialID `json:"allowCredentials"`
	// UserVerification: required, preferred, discouraged
	UserVerification string `json:"userVerification"`
}

func newAssertionOptions(challenge []byte) *AssertionOptions {
	return &AssertionOptions{
		Challenge:        challenge,
		Timeout:          ceremonyTimeout,
		UserVerification: "required",
		AllowCredentials: make([]CredentialID, 0),
	}
}

// PubKeyCredParam: Public key credential parameters.
type PubKeyCredParam struct {
	// The type of credentials. Always "public-key"
	Type string `json:"type"`
	// The signature algorithm: -7 for ES256, -8 for EdDSA, -257 for RS256.
	Alg int `json:"alg"`
}

// CredentialID is a credential ID from an authenticator.
type CredentialID struct {
	// The type of credentials. Always "public-key"
	Type string `json:"type"`
	// The credential ID.
	ID Bytes `json:"id"`
	// The available transports for this credential.
	Transports []string `json:"transports,omitempty"`
}

// AttestationResponse is what the browser returns from
// navigator.credentials.create().
type AttestationResponse struct {
	ClientDataJSON         Bytes                  `json:"clientDataJSON"`
	AttestationObject      Bytes                  `json:"attestationObject"`
	Transports             []string               `json:"transports,omitempty"`
	ClientExtensionResults ClientExtensionResults `json:"clientExtensionResults"`
}

// ClientExtensionResults is the output of getClientExtensionResults().
type ClientExtensionResults struct {
	CredProps *CredProps `json:"credProps,omitempty"`
}

// CredProps is the output of the credProps extension.
type CredProps struct {
	// RK is true when the credential is discoverable. Clients that can't
	// tell leave it out.
	RK bool `json:"rk"`
}

// discoverable reports whether the client says the credential is a
// resident key. Without credProps, the credential is treated as
// non-discoverable.
func (r AttestationResponse) discoverable() bool {
	return r.ClientExtensionResults.CredProps != nil && r.ClientExtensionResults.CredProps.RK
}

// AssertionResponse is what the browser returns from
// navigator.credentials.get().
type AssertionResponse struct {
	ID                Bytes `json:"id"`
	ClientDataJSON    Bytes `json:"clientDataJSON"`
	AuthenticatorData Bytes `json:"authenticatorData"`
	Signature         Bytes `json:"signature"`
	UserHandle        Bytes `json:"userHandle,omitempty"`
}

// clientData is a decoded ClientDataJSON object.
type clientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin,omitempty"`
}

// attestation. https://w3c.github.io/webauthn/#sctn-attestation
type attestation struct {
	Format      string          `cbor:"fmt"`
	AttStmt     cbor.RawMessage `cbor:"attStmt"`
	RawAuthData []byte          `cbor:"authData"`

	AuthData authenticatorData `cbor:"-"`
}

// authenticatorData is the authenticator data provided during attestation and
// assertion. https://w3c.github.io/webauthn/#sctn-authenticator-data
type authenticatorData struct {
	RPIDHash               Bytes
	UserPresence           bool
	BackupEligible         bool
	BackupState            bool
	UserVerification       bool
	AttestedCredentialData bool
	ExtensionData          bool
	SignCount              uint32
	AttestedCredentials    *attestedCredentials
}

// attestedCredentials. https://w3c.github.io/webauthn/#sctn-attested-credential-data
type attestedCredentials struct {
	AAGUID  Bytes
	ID      Bytes
	COSEKey Bytes
}

func parseAttestationObject(attestationObject []byte) (*attestation, error) {
	var att attestation
	if err := cbor.Unmarshal(attestationObject, &att); err != nil {
		return nil, fmt.Errorf("cbor.Unmarshal: %w", err)
	}
	if err := parseAuthenticatorData(att.RawAuthData, &att.AuthData); err != nil {
		return nil, fmt.Errorf("parseAuthenticatorData: %w", err)
	}
	return &att, nil
}

func parseAuthenticatorData(raw []byte, ad *authenticatorData) error {
	// https://w3c.github.io/webauthn/#sctn-authenticator-data
	if len(raw) < 37 {
		return errTooShort
	}
	ad.RPIDHash = raw[:32]
	raw = raw[32:]
	ad.UserPresence = raw[0]&1 != 0
	ad.UserVerification = (raw[0]>>2)&1 != 0
	ad.BackupEligible = (raw[0]>>3)&1 != 0
	ad.BackupState = (raw[0]>>4)&1 != 0
	ad.AttestedCredentialData = (raw[0]>>6)&1 != 0
	ad.ExtensionData = (raw[0]>>7)&1 != 0
	raw = raw[1:]
	ad.SignCount = binary.BigEndian.Uint32(raw[:4])
	raw = raw[4:]

	if ad.AttestedCredentialData {
		// https://w3c.github.io/webauthn/#sctn-attested-credential-data
		if len(raw) < 18 {
			return errTooShort
		}
		ad.AttestedCredentials = &attestedCredentials{}
		ad.AttestedCredentials.AAGUID = raw[:16]
		raw = raw[16:]

		sz := binary.BigEndian.Uint16(raw[:2])
		raw = raw[2:]
		if sz > 1023 {
			return errors.New("invalid credentialId length")
		}
		if len(raw) < int(sz) {
			return errTooShort
		}
		ad.AttestedCredentials.ID = raw[:int(sz)]
		raw = raw[int(sz):]

		var coseKey cbor.RawMessage
		if _, err := cbor.UnmarshalFirst(raw, &coseKey); err != nil {
			return err
		}
		ad.AttestedCredentials.COSEKey = Bytes(coseKey)
	}
	return nil
}

func parseClientData(js []byte) (*clientData, error) {
	var out clientData
	err := json.Unmarshal(js, &out)
	return &out, err
}

func signedBytes(authData, clientDataJSON []byte) []byte {
	clientDataHash := sha256.Sum256(clientDataJSON)
	signedBytes := make([]byte, len(authData)+len(clientDataHash))
	copy(signedBytes, authData)
	copy(signedBytes[len(authData):], clientDataHash[:])
	return signedBytes
}

// parseCOSEKey decodes a COSE_Key and returns the public key with its
// algorithm. Only ES256 on P-256, EdDSA on Ed25519, and RS256 are accepted.
func parseCOSEKey(coseKey []byte) (crypto.PublicKey, int, error) {
	var hdr struct {
		KTY int `cbor:"1,keyasint"`
		ALG int `cbor:"3,keyasint"`
	}
	if err := cbor.Unmarshal(coseKey, &hdr); err != nil {
		return nil, 0, fmt.Errorf("cbor.Unmarshal: %w", err)
	}
	switch hdr.KTY {
	case ktyEC2:
		var ecKey struct {
			Curve int    `cbor:"-1,keyasint"`
			X     []byte `cbor:"-2,keyasint"`
			Y     []byte `cbor:"-3,keyasint"`
		}
		if err := cbor.Unmarshal(coseKey, &ecKey); err != nil {
			return nil, 0, err
		}
		if hdr.ALG != algES256 {
			return nil, 0, errors.New("unexpected EC key alg")
		}
		if ecKey.Curve != crvP256 {
			return nil, 0, errors.New("unexpected EC key curve")
		}
		publicKey := &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(ecKey.X),
			Y:     new(big.Int).SetBytes(ecKey.Y),
		}
		if !publicKey.Curve.IsOnCurve(publicKey.X, publicKey.Y) {
			return nil, 0, errors.New("invalid public key")
		}
		return publicKey, algES256, nil
	case ktyOKP:
		var okpKey struct {
			Curve int    `cbor:"-1,keyasint"`
			X     []byte `cbor:"-2,keyasint"`
		}
		if err := cbor.Unmarshal(coseKey, &okpKey); err != nil {
			return nil, 0, err
		}
		if hdr.ALG != algEdDSA {
			return nil, 0, errors.New("unexpected OKP key alg")
		}
		if okpKey.Curve != crvEd25519 || len(okpKey.X) != ed25519.PublicKeySize {
			return nil, 0, errors.New("unexpected OKP key curve")
		}
		return ed25519.PublicKey(okpKey.X), algEdDSA, nil
	case ktyRSA:
		var rsaKey struct {
			N []byte          `cbor:"-1,keyasint"`
			E cbor.RawMessage `cbor:"-2,keyasint"`
		}
		if err := cbor.Unmarshal(coseKey, &rsaKey); err != nil {
			return nil, 0, err
		}
		if hdr.ALG != algRS256 {
			return nil, 0, errors.New("unexpected RSA key alg")
		}
		e, err := rsaExponent(rsaKey.E)
		if err != nil {
			return nil, 0, err
		}
		publicKey := &rsa.PublicKey{
			N: new(big.Int).SetBytes(rsaKey.N),
			E: e,
		}
		if publicKey.N.BitLen() < 2048 {
			return nil, 0, errors.New("RSA key too small")
		}
		return publicKey, algRS256, nil
	default:
		return nil, 0, errors.New("unsupported key type")
	}
}

// rsaExponent decodes the RSA exponent, which authenticators encode either
// as a byte string (RFC 8230) or as an integer.
func rsaExponent(raw cbor.RawMessage) (int, error) {
	var n int
	if err := cbor.Unmarshal(raw, &n); err == nil {
		if n < 3 || n&1 == 0 {
			return 0, errors.New("invalid RSA exponent")
		}
		return n, nil
	}
	var b []byte
	if err := cbor.Unmarshal(raw, &b); err != nil {
		return 0, err
	}
	if len(b) == 0 || len(b) > 4 {
		return 0, errors.New("invalid RSA exponent")
	}
	e := new(big.Int).SetBytes(b)
	if e.Int64() < 3 || e.Bit(0) == 0 {
		return 0, errors.New("invalid RSA exponent")
	}
	return int(e.Int64()), nil
}

// verifyWithKey checks a signature made with alg over data.
func verifyWithKey(pub crypto.PublicKey, alg int, data, signature []byte) error {
	switch alg {
	case algES256:
		k, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return errors.New("key is not ECDSA")
		}
		hashed := sha256.Sum256(data)
		if !ecdsa.VerifyASN1(k, hashed[:], signature) {
			return errors.New("invalid signature")
		}
		return nil
	case algRS256:
		k, ok := pub.(*rsa.PublicKey)
		if !ok {
			return errors.New("key is not RSA")
		}
		hashed := sha256.Sum256(data)
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, hashed[:], signature)
	case algEdDSA:
		k, ok := pub.(ed25519.PublicKey)
		if !ok {
			return errors.New("key is not Ed25519")
		}
		if !ed25519.Verify(k, data, signature) {
			return errors.New("invalid signature")
		}
		return nil
	default:
		return fmt.Errorf("unsupported alg %d", alg)
	}
}

// verifySignature verifies the webauthn signature.
func verifySignature(coseKey, authData, clientDataJSON, signature Bytes) error {
	pub, alg, err := parseCOSEKey(coseKey)
	if err != nil {
		return err
	}
	return verifyWithKey(pub, alg, signedBytes(authData, clientDataJSON), signature)
}
