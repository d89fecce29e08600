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

package passkeys

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

// FakeAuthenticator mimics the behavior of a WebAuthn authenticator for testing.
type FakeAuthenticator struct {
	keys   map[string]*fakeAuthKey
	origin string
	// The vendor CA that issues the "packed-x5c" batch certificates.
	caKey  crypto.Signer
	caCert *x509.Certificate

	// Attestation selects the attestation statement returned by Create:
	// "none" (default), "packed" (self attestation), or "packed-x5c".
	Attestation string
	// ForgeAttestation makes Create return an attestation signature made
	// with an unrelated key.
	ForgeAttestation bool
	// SkipUserVerification clears the UV flag.
	SkipUserVerification bool
	// NonResidentKeys makes Create ignore a "preferred" residentKey, like
	// security keys with no room left.
	NonResidentKeys bool
	// CounterIncrement is added to the sign count before each assertion.
	// Zero means 1. Use a negative value for a counterless authenticator.
	CounterIncrement int
	AAGUID           [16]byte
}

type fakeAuthKey struct {
	id         []byte
	uid        []byte
	rpIDHash   []byte
	rk         bool
	alg        int
	privateKey crypto.Signer
	signCount  uint32
}

// NewFakeAuthenticator returns a new FakeAuthenticator for testing.
func NewFakeAuthenticator() (*FakeAuthenticator, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	templ := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Fake Authenticator"}, CommonName: "Fake Attestation Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, templ, templ, caKey.Public(), caKey)
	if err != nil {
		return nil, err
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &FakeAuthenticator{
		keys:   make(map[string]*fakeAuthKey),
		origin: "https://example.com",
		caKey:  caKey,
		caCert: caCert,
	}, nil
}

// AttestationRoot returns the DER certificate of the CA that issues the
// authenticator's batch certificates.
func (a *FakeAuthenticator) AttestationRoot() []byte {
	return a.caCert.Raw
}

func (a *FakeAuthenticator) SetOrigin(orig string) {
	a.origin = orig
}

// SetSignCount overwrites the sign count of a credential, e.g. to simulate
// a cloned authenticator.
func (a *FakeAuthenticator) SetSignCount(id []byte, n uint32) {
	if k, ok := a.keys[base64.RawURLEncoding.EncodeToString(id)]; ok {
		k.signCount = n
	}
}

// Clone returns an authenticator holding copies of the same keys.
func (a *FakeAuthenticator) Clone() *FakeAuthenticator {
	b := *a
	b.keys = make(map[string]*fakeAuthKey, len(a.keys))
	for k, v := range a.keys {
		kk := *v
		b.keys[k] = &kk
	}
	return &b
}

func generateKey(alg int) (crypto.Signer, []byte, error) {
	switch alg {
	case algES256:
		privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		coseKey, err := es256CoseKey(privKey.PublicKey)
		return privKey, coseKey, err
	case algRS256:
		privKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, nil, err
		}
		coseKey, err := rs256CoseKey(privKey.PublicKey)
		return privKey, coseKey, err
	case algEdDSA:
		pub, privKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		coseKey, err := ed25519CoseKey(pub)
		return privKey, coseKey, err
	default:
		return nil, nil, errors.New("unexpected alg")
	}
}

// Create mimics the behavior of the WebAuthn create call. It uses the first
// algorithm of options.PubKeyCredParams.
func (a *FakeAuthenticator) Create(options *AttestationOptions) (*AttestationResponse, error) {
	if len(options.PubKeyCredParams) == 0 {
		return nil, errors.New("no PubKeyCredParams")
	}
	authKey := &fakeAuthKey{alg: options.PubKeyCredParams[0].Alg}
	privKey, coseKey, err := generateKey(authKey.alg)
	if err != nil {
		return nil, err
	}
	authKey.privateKey = privKey

	cd := clientData{
		Type:      "webauthn.create",
		Challenge: base64.RawURLEncoding.EncodeToString(options.Challenge),
		Origin:    a.origin,
	}
	clientDataJSON, err := json.Marshal(cd)
	if err != nil {
		return nil, err
	}

	authKey.uid = options.User.ID
	switch options.AuthenticatorSelection.ResidentKey {
	case "required":
		if a.NonResidentKeys {
			return nil, errors.New("resident keys not supported")
		}
		authKey.rk = true
	case "preferred":
		authKey.rk = !a.NonResidentKeys
	}
	authKey.id = make([]byte, 32)
	if _, err := rand.Read(authKey.id); err != nil {
		return nil, err
	}
	rpIDHash := sha256.Sum256([]byte(options.RelyingParty.ID))
	authKey.rpIDHash = rpIDHash[:]

	authData := a.makeAuthData(authKey, coseKey)
	att := struct {
		Format      string         `cbor:"fmt"`
		AttStmt     map[string]any `cbor:"attStmt"`
		RawAuthData []byte         `cbor:"authData"`
	}{
		Format:      "none",
		AttStmt:     map[string]any{},
		RawAuthData: authData,
	}
	if a.Attestation == "packed" || a.Attestation == "packed-x5c" {
		att.Format = "packed"
		clientDataHash := sha256.Sum256(clientDataJSON)
		signed := append(bytes.Clone(authData), clientDataHash[:]...)
		signer, alg := crypto.Signer(privKey), authKey.alg
		var x5c [][]byte
		if a.Attestation == "packed-x5c" {
			attKey, cert, err := a.attestationCert()
			if err != nil {
				return nil, err
			}
			signer, alg, x5c = attKey, algES256, [][]byte{cert}
		}
		if a.ForgeAttestation {
			if signer, _, err = generateKey(alg); err != nil {
				return nil, err
			}
		}
		sig, err := signWithAlg(signer, alg, signed)
		if err != nil {
			return nil, err
		}
		att.AttStmt = map[string]any{"alg": alg, "sig": sig}
		if x5c != nil {
			att.AttStmt["x5c"] = x5c
		}
	}
	attestationObject, err := cbor.Marshal(att)
	if err != nil {
		return nil, err
	}
	a.keys[base64.RawURLEncoding.EncodeToString(authKey.id)] = authKey
	resp := &AttestationResponse{
		ClientDataJSON:    clientDataJSON,
		AttestationObject: attestationObject,
		Transports:        []string{"internal"},
	}
	if options.Extensions.CredProps {
		resp.ClientExtensionResults.CredProps = &CredProps{RK: authKey.rk}
	}
	return resp, nil
}

// attestationCert returns a new attestation key and its batch certificate.
func (a *FakeAuthenticator) attestationCert() (crypto.Signer, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	aaguid, err := asn1.Marshal(a.AAGUID[:])
	if err != nil {
		return nil, nil, err
	}
	templ := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject: pkix.Name{
			Country:            []string{"US"},
			Organization:       []string{"Fake Authenticator"},
			OrganizationalUnit: []string{"Authenticator Attestation"},
			CommonName:         "Batch Certificate",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  false,
		ExtraExtensions: []pkix.Extension{
			{Id: oidAAGUID, Value: aaguid},
		},
	}
	cert, err := x509.CreateCertificate(rand.Reader, templ, a.caCert, key.Public(), a.caKey)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

// Get mimics the behavior of the WebAuthn get call.
func (a *FakeAuthenticator) Get(options *AssertionOptions) (*AssertionResponse, error) {
	rpIDHash := sha256.Sum256([]byte(options.RPID))
	var (
		authKey *fakeAuthKey
		resp    AssertionResponse
	)
	if len(options.AllowCredentials) > 0 {
		for _, k := range options.AllowCredentials {
			if ak, ok := a.keys[base64.RawURLEncoding.EncodeToString(k.ID)]; ok && bytes.Equal(ak.rpIDHash, rpIDHash[:]) {
				authKey = ak
				break
			}
		}
	} else {
		for _, key := range a.keys {
			if key.rk && bytes.Equal(key.rpIDHash, rpIDHash[:]) {
				authKey = key
				resp.UserHandle = key.uid
				break
			}
		}
	}
	if authKey == nil {
		return nil, errors.New("key not found")
	}
	resp.ID = authKey.id
	cd := clientData{
		Type:      "webauthn.get",
		Challenge: base64.RawURLEncoding.EncodeToString(options.Challenge),
		Origin:    a.origin,
	}
	var err error
	if resp.ClientDataJSON, err = json.Marshal(cd); err != nil {
		return nil, err
	}
	switch inc := a.CounterIncrement; {
	case inc == 0:
		authKey.signCount++
	case inc > 0:
		authKey.signCount += uint32(inc)
	}
	resp.AuthenticatorData = a.makeAuthData(authKey, nil)
	if resp.Signature, err = signWithAlg(authKey.privateKey, authKey.alg, signedBytes(resp.AuthenticatorData, resp.ClientDataJSON)); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RotateKeys replaces the private keys so that signatures become invalid.
func (a *FakeAuthenticator) RotateKeys() error {
	for _, v := range a.keys {
		privKey, _, err := generateKey(v.alg)
		if err != nil {
			return err
		}
		v.privateKey = privKey
	}
	return nil
}

func (a *FakeAuthenticator) makeAuthData(k *fakeAuthKey, coseKey []byte) []byte {
	var buf bytes.Buffer
	buf.Write(k.rpIDHash)

	var bits uint8
	bits |= 1 // UP
	if !a.SkipUserVerification {
		bits |= 1 << 2 // UV
	}
	if coseKey != nil {
		bits |= 1 << 6 // AT
	}
	buf.Write([]byte{bits})
	binary.Write(&buf, binary.BigEndian, k.signCount)

	if coseKey != nil {
		buf.Write(a.AAGUID[:])
		binary.Write(&buf, binary.BigEndian, uint16(len(k.id)))
		buf.Write(k.id)
		buf.Write(coseKey)
	}
	return buf.Bytes()
}

// es256CoseKey converts a ECDSA public key to COSE.
func es256CoseKey(publicKey ecdsa.PublicKey) ([]byte, error) {
	if publicKey.Curve != elliptic.P256() {
		return nil, errors.New("unexpected EC curve")
	}
	ecKey := struct {
		KTY   int    `cbor:"1,keyasint"`
		ALG   int    `cbor:"3,keyasint"`
		Curve int    `cbor:"-1,keyasint"`
		X     []byte `cbor:"-2,keyasint"`
		Y     []byte `cbor:"-3,keyasint"`
	}{
		KTY:   ktyEC2,
		ALG:   algES256,
		Curve: crvP256,
		X:     publicKey.X.FillBytes(make([]byte, 32)),
		Y:     publicKey.Y.FillBytes(make([]byte, 32)),
	}
	return cbor.Marshal(ecKey)
}

// rs256CoseKey converts a RSA public key to COSE. The exponent is encoded
// as a byte string.
func rs256CoseKey(publicKey rsa.PublicKey) ([]byte, error) {
	rsaKey := struct {
		KTY int    `cbor:"1,keyasint"`
		ALG int    `cbor:"3,keyasint"`
		N   []byte `cbor:"-1,keyasint"`
		E   []byte `cbor:"-2,keyasint"`
	}{
		KTY: ktyRSA,
		ALG: algRS256,
		N:   publicKey.N.Bytes(),
		E:   big.NewInt(int64(publicKey.E)).Bytes(),
	}
	return cbor.Marshal(rsaKey)
}

func ed25519CoseKey(publicKey ed25519.PublicKey) ([]byte, error) {
	okpKey := struct {
		KTY   int    `cbor:"1,keyasint"`
		ALG   int    `cbor:"3,keyasint"`
		Curve int    `cbor:"-1,keyasint"`
		X     []byte `cbor:"-2,keyasint"`
	}{
		KTY:   ktyOKP,
		ALG:   algEdDSA,
		Curve: crvEd25519,
		X:     publicKey,
	}
	return cbor.Marshal(okpKey)
}

func signWithAlg(signer crypto.Signer, alg int, data []byte) ([]byte, error) {
	if alg == algEdDSA {
		return signer.Sign(rand.Reader, data, crypto.Hash(0))
	}
	hashed := sha256.Sum256(data)
	return signer.Sign(rand.Reader, hashed[:], crypto.SHA256)
}
