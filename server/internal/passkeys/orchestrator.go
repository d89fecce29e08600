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
	"cmp"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/c2FmZQ/hostedauth/server/internal/nonce"
	"github.com/c2FmZQ/hostedauth/server/internal/store"
)

const (
	// ChallengeLifetime is how long a ceremony challenge can be redeemed.
	ChallengeLifetime = 2 * time.Minute

	ceremonyCreate = "create"
	ceremonyGet    = "get"

	// maxSignCountAttempts bounds the compare-and-swap loop on the sign
	// count.
	maxSignCountAttempts = 3
)

var (
	// ErrRejected is returned, wrapped with the reason, when a ceremony
	// fails verification. The attempt can't be retried.
	ErrRejected = errors.New("ceremony rejected")

	timeNow = time.Now
)

func reject(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// RelyingParty holds the WebAuthn settings of an application.
type RelyingParty struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Origins          []string `json:"origins"`
	Attestation      string   `json:"attestation,omitempty"`
	UserVerification string   `json:"userVerification,omitempty"`
	// AllowCounterless accepts authenticators that always report a sign
	// count of 0.
	AllowCounterless bool `json:"allowCounterless,omitempty"`
	// AttestationRoots are the DER certificates that "direct" attestation
	// chains must lead to. Empty means any verifiable statement.
	AttestationRoots [][]byte `json:"attestationRoots,omitempty"`
}

func (rp RelyingParty) uvRequired() bool {
	return rp.UserVerification == "" || rp.UserVerification == "required"
}

// EventRecorder is used to record events.
type EventRecorder interface {
	Record(string)
}

type nopRecorder struct{}

func (nopRecorder) Record(string) {}

type defaultLogger struct{}

func (defaultLogger) Errorf(format string, args ...any) {
	log.Printf(format, args...)
}

// Config is the configuration of the Orchestrator.
type Config struct {
	Store         store.Store
	Nonces        nonce.Backend
	EventRecorder EventRecorder
	Logger        interface {
		Errorf(format string, args ...any)
	}
}

// Orchestrator runs the registration and authentication ceremonies.
type Orchestrator struct {
	cfg        Config
	challenges *nonce.Table[challenge]
}

type challenge struct {
	Ceremony  string       `json:"ceremony"`
	RP        RelyingParty `json:"rp"`
	UserID    string       `json:"userId,omitempty"`
	NewUser   *newUser     `json:"newUser,omitempty"`
	FlowNonce string       `json:"flow,omitempty"`
}

type newUser struct {
	ID          string `json:"id"`
	Handle      []byte `json:"handle"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// RegistrationRequest starts a registration ceremony.
type RegistrationRequest struct {
	RP RelyingParty
	// UserID adds a credential to an existing user. When it is empty, a
	// new user with Username is created when the ceremony succeeds.
	UserID      string
	Username    string
	DisplayName string
	FlowNonce   string
}

// AuthenticationRequest starts an authentication ceremony.
type AuthenticationRequest struct {
	RP RelyingParty
	// Username, when set, restricts the ceremony to the user's credentials.
	Username  string
	FlowNonce string
}

// Result is the outcome of a successful ceremony.
type Result struct {
	User       *store.User
	Credential *store.Credential
	FlowNonce  string
	NewUser    bool
}

// New returns a new Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger{}
	}
	if cfg.EventRecorder == nil {
		cfg.EventRecorder = nopRecorder{}
	}
	return &Orchestrator{
		cfg:        cfg,
		challenges: nonce.NewTable[challenge](cfg.Nonces, "challenge", ChallengeLifetime),
	}
}

func (o *Orchestrator) issueChallenge(ctx context.Context, c *challenge) ([]byte, error) {
	id, err := o.challenges.Issue(ctx, c)
	if err != nil {
		return nil, err
	}
	return base64.RawURLEncoding.DecodeString(id)
}

// BeginRegistration returns the options for navigator.credentials.create().
// The challenge ID is the base64url encoding of the challenge.
func (o *Orchestrator) BeginRegistration(ctx context.Context, req RegistrationRequest) (*AttestationOptions, error) {
	c := &challenge{
		Ceremony:  ceremonyCreate,
		RP:        req.RP,
		FlowNonce: req.FlowNonce,
	}
	var (
		handle      []byte
		name        = req.Username
		displayName = req.DisplayName
		exclude     []CredentialID
	)
	if req.UserID != "" {
		u, err := o.cfg.Store.User(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("user: %w", err)
		}
		c.UserID = u.ID
		handle = u.Handle
		name = cmp.Or(u.Username, u.Email, u.ID)
		displayName = cmp.Or(u.Name, name)
		creds, err := o.cfg.Store.Credentials(ctx, u.ID, req.RP.ID)
		if err != nil {
			return nil, fmt.Errorf("credentials: %w", err)
		}
		for _, cred := range creds {
			exclude = append(exclude, CredentialID{Type: "public-key", ID: cred.ID, Transports: cred.Transports})
		}
	} else {
		if req.Username == "" {
			return nil, errors.New("username is required")
		}
		if _, err := o.cfg.Store.UserByUsername(ctx, req.Username); err == nil {
			return nil, store.ErrUsernameTaken
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		h, err := store.NewUserHandle()
		if err != nil {
			return nil, err
		}
		handle = h
		c.NewUser = &newUser{
			ID:          uuid.NewString(),
			Handle:      h,
			Username:    req.Username,
			DisplayName: cmp.Or(req.DisplayName, req.Username),
		}
		displayName = c.NewUser.DisplayName
	}

	chal, err := o.issueChallenge(ctx, c)
	if err != nil {
		return nil, err
	}
	opts := newAttestationOptions(chal)
	opts.RelyingParty.ID = req.RP.ID
	opts.RelyingParty.Name = cmp.Or(req.RP.Name, req.RP.ID)
	opts.User.ID = handle
	opts.User.Name = name
	opts.User.DisplayName = displayName
	opts.ExcludeCredentials = exclude
	opts.Attestation = cmp.Or(req.RP.Attestation, AttestationNone)
	if !req.RP.uvRequired() {
		opts.AuthenticatorSelection.UserVerification = req.RP.UserVerification
	}
	return opts, nil
}

// consumeChallenge redeems the challenge and checks the client data that
// is common to both ceremonies.
func (o *Orchestrator) consumeChallenge(ctx context.Context, challengeID, ceremony string, clientDataJSON []byte) (*challenge, error) {
	c, err := o.challenges.Consume(ctx, challengeID)
	if err != nil {
		return nil, reject("challenge: %v", err)
	}
	if c.Ceremony != ceremony {
		return nil, reject("unexpected ceremony %q", c.Ceremony)
	}
	cd, err := parseClientData(clientDataJSON)
	if err != nil {
		return nil, reject("clientData: %v", err)
	}
	if cd.Type != "webauthn."+ceremony {
		return nil, reject("unexpected clientData.type %q", cd.Type)
	}
	if subtle.ConstantTimeCompare([]byte(cd.Challenge), []byte(challengeID)) != 1 {
		return nil, reject("clientData.challenge mismatch")
	}
	if !slices.Contains(c.RP.Origins, cd.Origin) {
		return nil, reject("unexpected clientData.origin %q", cd.Origin)
	}
	if cd.CrossOrigin {
		return nil, reject("cross-origin request")
	}
	return c, nil
}

func checkAuthData(rp RelyingParty, ad *authenticatorData) error {
	if hash := sha256.Sum256([]byte(rp.ID)); subtle.ConstantTimeCompare(ad.RPIDHash, hash[:]) != 1 {
		return reject("rpIdHash mismatch")
	}
	if !ad.UserPresence {
		return reject("user presence is false")
	}
	if rp.uvRequired() && !ad.UserVerification {
		return reject("user verification is false")
	}
	return nil
}

// FinishRegistration verifies the authenticator's response and stores the
// new credential. Nothing is stored when verification fails.
func (o *Orchestrator) FinishRegistration(ctx context.Context, challengeID string, resp AttestationResponse) (*Result, error) {
	c, err := o.consumeChallenge(ctx, challengeID, ceremonyCreate, resp.ClientDataJSON)
	if err != nil {
		return nil, err
	}
	att, err := parseAttestationObject(resp.AttestationObject)
	if err != nil {
		return nil, reject("attestationObject: %v", err)
	}
	if err := checkAuthData(c.RP, &att.AuthData); err != nil {
		return nil, err
	}
	creds := att.AuthData.AttestedCredentials
	if creds == nil {
		return nil, reject("no attested credentials")
	}
	if _, _, err := parseCOSEKey(creds.COSEKey); err != nil {
		return nil, reject("credential public key: %v", err)
	}
	clientDataHash := sha256.Sum256(resp.ClientDataJSON)
	format, err := verifyAttestation(att, clientDataHash[:], c.RP)
	if err != nil {
		o.cfg.EventRecorder.Record("passkey attestation rejected")
		return nil, reject("attestation: %v", err)
	}
	if _, err := o.cfg.Store.Credential(ctx, c.RP.ID, creds.ID); err == nil {
		return nil, reject("credential already registered")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := timeNow().UTC()
	res := &Result{FlowNonce: c.FlowNonce}
	if c.NewUser != nil {
		res.User = &store.User{
			ID:        c.NewUser.ID,
			Handle:    c.NewUser.Handle,
			Username:  c.NewUser.Username,
			Name:      c.NewUser.DisplayName,
			CreatedAt: now,
		}
		if err := o.cfg.Store.CreateUser(ctx, res.User); err != nil {
			if errors.Is(err, store.ErrUsernameTaken) {
				return nil, reject("username taken")
			}
			return nil, err
		}
		res.NewUser = true
	} else {
		if res.User, err = o.cfg.Store.User(ctx, c.UserID); err != nil {
			return nil, err
		}
	}

	res.Credential = &store.Credential{
		ID:                creds.ID,
		UserID:            res.User.ID,
		RPID:              c.RP.ID,
		PublicKey:         creds.COSEKey,
		SignCount:         att.AuthData.SignCount,
		Discoverable:      resp.discoverable(),
		Transports:        resp.Transports,
		AttestationFormat: format,
		AAGUID:            creds.AAGUID,
		BackupEligible:    att.AuthData.BackupEligible,
		CreatedAt:         now,
		LastUsedAt:        now,
	}
	if err := o.cfg.Store.AddCredential(ctx, res.Credential); err != nil {
		if errors.Is(err, store.ErrDuplicateCredential) {
			return nil, reject("credential already registered")
		}
		return nil, err
	}
	o.cfg.EventRecorder.Record("passkey registered")
	return res, nil
}

// BeginAuthentication returns the options for navigator.credentials.get().
// With a username, only that user's credentials are allowed. Otherwise, the
// authenticator offers its discoverable credentials.
func (o *Orchestrator) BeginAuthentication(ctx context.Context, req AuthenticationRequest) (*AssertionOptions, error) {
	c := &challenge{
		Ceremony:  ceremonyGet,
		RP:        req.RP,
		FlowNonce: req.FlowNonce,
	}
	var allow []CredentialID
	if req.Username != "" {
		u, err := o.cfg.Store.UserByUsername(ctx, req.Username)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if u != nil {
			c.UserID = u.ID
			creds, err := o.cfg.Store.Credentials(ctx, u.ID, req.RP.ID)
			if err != nil {
				return nil, err
			}
			for _, cred := range creds {
				if cred.Revoked {
					continue
				}
				allow = append(allow, CredentialID{Type: "public-key", ID: cred.ID, Transports: cred.Transports})
			}
		}
		if len(allow) == 0 {
			// Force the client to report that no passkey is registered
			// without revealing whether the user exists.
			allow = append(allow, CredentialID{Type: "public-key", ID: Bytes{0xff}, Transports: []string{"internal"}})
		}
	}
	chal, err := o.issueChallenge(ctx, c)
	if err != nil {
		return nil, err
	}
	opts := newAssertionOptions(chal)
	opts.RPID = req.RP.ID
	if allow != nil {
		opts.AllowCredentials = allow
	}
	if !req.RP.uvRequired() {
		opts.UserVerification = req.RP.UserVerification
	}
	return opts, nil
}

// FinishAuthentication verifies the assertion and advances the credential's
// sign count.
func (o *Orchestrator) FinishAuthentication(ctx context.Context, challengeID string, resp AssertionResponse) (*Result, error) {
	c, err := o.consumeChallenge(ctx, challengeID, ceremonyGet, resp.ClientDataJSON)
	if err != nil {
		return nil, err
	}
	var authData authenticatorData
	if err := parseAuthenticatorData(resp.AuthenticatorData, &authData); err != nil {
		return nil, reject("authenticatorData: %v", err)
	}
	if err := checkAuthData(c.RP, &authData); err != nil {
		return nil, err
	}
	cred, err := o.cfg.Store.Credential(ctx, c.RP.ID, resp.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, reject("unknown credential")
	}
	if err != nil {
		return nil, err
	}
	if cred.Revoked {
		return nil, reject("credential revoked")
	}
	if c.UserID != "" && cred.UserID != c.UserID {
		return nil, reject("credential belongs to another user")
	}
	user, err := o.cfg.Store.User(ctx, cred.UserID)
	if err != nil {
		return nil, err
	}
	if resp.UserHandle != nil && !bytes.Equal(resp.UserHandle, user.Handle) {
		return nil, reject("userHandle mismatch")
	}
	if err := verifySignature(cred.PublicKey, resp.AuthenticatorData, resp.ClientDataJSON, resp.Signature); err != nil {
		return nil, reject("signature: %v", err)
	}
	if err := o.advanceSignCount(ctx, c.RP, cred, authData.SignCount); err != nil {
		return nil, err
	}
	o.cfg.EventRecorder.Record("passkey login")
	return &Result{
		User:       user,
		Credential: cred,
		FlowNonce:  c.FlowNonce,
	}, nil
}

// advanceSignCount stores the presented sign count if it is greater than
// the stored one. A count that doesn't increase means that the credential
// was cloned: it is revoked along with the user's sessions.
func (o *Orchestrator) advanceSignCount(ctx context.Context, rp RelyingParty, cred *store.Credential, presented uint32) error {
	for range maxSignCountAttempts {
		if cred.Revoked {
			return reject("credential revoked")
		}
		stored := cred.SignCount
		counterless := rp.AllowCounterless && stored == 0 && presented == 0
		if presented <= stored && !counterless {
			o.cfg.EventRecorder.Record("passkey clone detected")
			o.cfg.Logger.Errorf("ERR passkey %s of user %s: sign count %d <= %d, revoking", base64.RawURLEncoding.EncodeToString(cred.ID), cred.UserID, presented, stored)
			if err := o.cfg.Store.RevokeCredential(ctx, rp.ID, cred.ID, "sign count regression"); err != nil {
				o.cfg.Logger.Errorf("ERR RevokeCredential: %v", err)
			}
			if _, err := o.cfg.Store.RevokeUserSessions(ctx, cred.UserID, "passkey clone detected"); err != nil {
				o.cfg.Logger.Errorf("ERR RevokeUserSessions: %v", err)
			}
			return reject("sign count %d is not greater than %d", presented, stored)
		}
		now := timeNow().UTC()
		err := o.cfg.Store.UpdateSignCount(ctx, rp.ID, cred.ID, stored, presented, now)
		switch {
		case err == nil:
			cred.SignCount = presented
			cred.LastUsedAt = now
			return nil
		case errors.Is(err, store.ErrCredentialRevoked):
			return reject("credential revoked")
		case !errors.Is(err, store.ErrSignCountConflict):
			return err
		}
		if cred, err = o.cfg.Store.Credential(ctx, rp.ID, cred.ID); err != nil {
			return err
		}
	}
	return reject("sign count changed concurrently")
}
