// Package auth models the external Authenticator collaborator from
// spec.md §6 as a narrow interface, with a single in-process
// CredentialVerifier implementation backed by the credentials table so the
// core is runnable standalone without a real administrative system.
package auth

import (
	"context"
	"crypto/sha256"
	"strings"
	"time"

	"trongateway-core/core"
	"trongateway-core/store"
)

// VerifyResult is the shape spec.md §6 gives the external Authenticator
// collaborator's contract: verify(token) -> {credentialId, permissions,
// rateCeiling}.
type VerifyResult struct {
	CredentialID string
	Permissions  []string
	RateCeiling  *int
}

// Authenticator verifies a bearer credential presented by an HTTP request
// or a stream session's initial frame.
type Authenticator interface {
	// Verify returns the credential's id, permission set, and rate ceiling
	// if token is valid and not expired, or an *core.Error with kind
	// ErrUnauthenticated otherwise.
	Verify(ctx context.Context, token string) (VerifyResult, error)
}

// CredentialVerifier is the minimal local stand-in for the administrative
// system spec.md places out of scope: it only ever reads the credentials
// table, never issues or rotates tokens.
type CredentialVerifier struct {
	store store.Store
}

// NewCredentialVerifier builds a CredentialVerifier over st.
func NewCredentialVerifier(st store.Store) *CredentialVerifier {
	return &CredentialVerifier{store: st}
}

func hashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

func (c *CredentialVerifier) lookup(ctx context.Context, token string) (core.Credential, error) {
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		return core.Credential{}, core.NewError(core.ErrUnauthenticated, nil)
	}
	cred, err := c.store.GetCredentialByTokenHash(ctx, hashToken(token))
	if err != nil {
		return core.Credential{}, err
	}
	if cred.ExpiresAt != nil && cred.ExpiresAt.Before(time.Now()) {
		return core.Credential{}, core.NewError(core.ErrUnauthenticated, nil)
	}
	return cred, nil
}

func (c *CredentialVerifier) Verify(ctx context.Context, token string) (VerifyResult, error) {
	cred, err := c.lookup(ctx, token)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{CredentialID: cred.ID, Permissions: cred.Permissions, RateCeiling: cred.RateCeiling}, nil
}
