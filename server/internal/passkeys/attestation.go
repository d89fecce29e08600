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

package passkeys

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// Attestation conveyance preferences.
const (
	AttestationNone     = "none"
	AttestationIndirect = "indirect"
	AttestationDirect   = "direct"
)

// id-fido-gen-ce-aaguid
var oidAAGUID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 45724, 1, 1, 4}

type attStmt struct {
	Alg int      `cbor:"alg"`
	Sig []byte   `cbor:"sig"`
	X5C [][]byte `cbor:"x5c"`
}

// verifyAttestation checks the attestation statement against the RP's
// conveyance preference and returns the format to record. Statements in
// supported formats are always verified. With "direct", a verifiable
// statement is required and, when the RP has attestation roots, its
// certificate chain must lead to one of them.
func verifyAttestation(att *attestation, clientDataHash []byte, rp RelyingParty) (string, error) {
	creds := att.AuthData.AttestedCredentials
	if creds == nil {
		return "", errors.New("no attested credentials")
	}
	conveyance := rp.Attestation
	if conveyance == AttestationDirect && len(rp.AttestationRoots) > 0 && att.Format != "none" {
		var stmt attStmt
		if err := cbor.Unmarshal(att.AttStmt, &stmt); err != nil {
			return "", fmt.Errorf("%s attStmt: %w", att.Format, err)
		}
		if err := verifyChain(stmt.X5C, rp.AttestationRoots); err != nil {
			return "", err
		}
	}
	switch att.Format {
	case "none":
		var m map[string]cbor.RawMessage
		if err := cbor.Unmarshal(att.AttStmt, &m); err != nil {
			return "", fmt.Errorf("none attStmt: %w", err)
		}
		if len(m) != 0 {
			return "", errors.New("none attStmt is not empty")
		}
		if conveyance == AttestationDirect {
			return "", errors.New("attestation statement required")
		}
		return "none", nil
	case "packed":
		var stmt attStmt
		if err := cbor.Unmarshal(att.AttStmt, &stmt); err != nil {
			return "", fmt.Errorf("packed attStmt: %w", err)
		}
		if err := verifyPacked(att, &stmt, clientDataHash); err != nil {
			return "", fmt.Errorf("packed: %w", err)
		}
		return "packed", nil
	case "fido-u2f":
		var stmt attStmt
		if err := cbor.Unmarshal(att.AttStmt, &stmt); err != nil {
			return "", fmt.Errorf("fido-u2f attStmt: %w", err)
		}
		if err := verifyU2F(att, &stmt, clientDataHash); err != nil {
			return "", fmt.Errorf("fido-u2f: %w", err)
		}
		return "fido-u2f", nil
	default:
		if conveyance == AttestationDirect {
			return "", fmt.Errorf("unsupported attestation format %q", att.Format)
		}
		return "none", nil
	}
}

// verifyChain checks that x5c[0] chains to one of the roots, with the rest
// of x5c as intermediates.
func verifyChain(x5c [][]byte, roots [][]byte) error {
	if len(x5c) == 0 {
		return errors.New("attestation isn't from a trusted authenticator")
	}
	opts := x509.VerifyOptions{
		Roots:         x509.NewCertPool(),
		Intermediates: x509.NewCertPool(),
		CurrentTime:   timeNow(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, der := range roots {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("attestation root: %w", err)
		}
		opts.Roots.AddCert(cert)
	}
	leaf, err := x509.ParseCertificate(x5c[0])
	if err != nil {
		return err
	}
	for _, der := range x5c[1:] {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return err
		}
		opts.Intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(opts); err != nil {
		return fmt.Errorf("attestation certificate: %w", err)
	}
	return nil
}

// https://w3c.github.io/webauthn/#sctn-packed-attestation
func verifyPacked(att *attestation, stmt *attStmt, clientDataHash []byte) error {
	data := append(bytes.Clone(att.RawAuthData), clientDataHash...)
	creds := att.AuthData.AttestedCredentials

	if len(stmt.X5C) == 0 {
		// Self attestation.
		pub, alg, err := parseCOSEKey(creds.COSEKey)
		if err != nil {
			return err
		}
		if stmt.Alg != alg {
			return errors.New("alg doesn't match the credential key")
		}
		return verifyWithKey(pub, alg, data, stmt.Sig)
	}

	cert, err := x509.ParseCertificate(stmt.X5C[0])
	if err != nil {
		return err
	}
	if cert.Version != 3 {
		return errors.New("attestation certificate must be v3")
	}
	if cert.BasicConstraintsValid && cert.IsCA {
		return errors.New("attestation certificate is a CA")
	}
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oidAAGUID) {
			continue
		}
		if ext.Critical {
			return errors.New("aaguid extension is critical")
		}
		var aaguid []byte
		if _, err := asn1.Unmarshal(ext.Value, &aaguid); err != nil {
			return fmt.Errorf("aaguid extension: %w", err)
		}
		if !bytes.Equal(aaguid, creds.AAGUID) {
			return errors.New("aaguid mismatch")
		}
	}
	return verifyWithKey(cert.PublicKey, stmt.Alg, data, stmt.Sig)
}

// https://w3c.github.io/webauthn/#sctn-fido-u2f-attestation
func verifyU2F(att *attestation, stmt *attStmt, clientDataHash []byte) error {
	if len(stmt.X5C) != 1 {
		return errors.New("expected exactly one certificate")
	}
	cert, err := x509.ParseCertificate(stmt.X5C[0])
	if err != nil {
		return err
	}
	certKey, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || certKey.Curve != elliptic.P256() {
		return errors.New("certificate key must be ECDSA P-256")
	}
	creds := att.AuthData.AttestedCredentials
	pub, _, err := parseCOSEKey(creds.COSEKey)
	if err != nil {
		return err
	}
	credKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("credential key must be ECDSA P-256")
	}
	var pubU2F [65]byte
	pubU2F[0] = 0x04
	credKey.X.FillBytes(pubU2F[1:33])
	credKey.Y.FillBytes(pubU2F[33:])

	var data bytes.Buffer
	data.WriteByte(0)
	data.Write(att.AuthData.RPIDHash)
	data.Write(clientDataHash)
	data.Write(creds.ID)
	data.Write(pubU2F[:])
	hashed := sha256.Sum256(data.Bytes())
	if !ecdsa.VerifyASN1(certKey, hashed[:], stmt.Sig) {
		return errors.New("invalid signature")
	}
	return nil
}
