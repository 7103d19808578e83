// Copyright 2026 The OIDCGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package oauth2 implements the token-endpoint core: client
// authentication, per-grant validation, JWT client-assertion
// verification, policy gating and token minting for RFC 6749 §§4.1/4.4/6,
// RFC 7636 and RFC 7523.
package oauth2

import (
	"context"
	"crypto"
	"time"
)

// ClientType distinguishes providers that must present a client secret
// from those that cannot keep one confidential.
type ClientType string

const (
	ClientConfidential ClientType = "CONFIDENTIAL"
	ClientPublic       ClientType = "PUBLIC"
)

const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// VerificationKey is a statically configured keypair a provider trusts
// for RFC 7523 assertion verification. Deprecated in favor of
// JWKSSources but retained per spec.md §9 — a provider migrating fully
// to JWKS simply leaves this slice empty.
type VerificationKey struct {
	ID        string
	Algorithm string // "RS256" or "ES256"
	Public    crypto.PublicKey
}

// Provider is the server-side configuration of a registered OAuth2
// client (the spec's `P`). It is immutable for the lifetime of a
// request.
type Provider struct {
	ID                  string
	ClientID            string
	ClientSecretHash    string
	ClientType          ClientType
	Name                string
	RedirectURIPatterns []string // one regular expression per configured line
	TokenValidity       time.Duration
	SigningAlgorithm    string // "RS256" or "ES256"; TokenMinter signs with the KeyStore key's Algorithm instead
	VerificationKeys    []VerificationKey
	JWKSSources         []string // opaque source identifiers resolved via JWKSource
}

// Application is the policy/audit target bound 1:1 to a Provider (the
// spec's `A`).
type Application struct {
	ID         string
	ProviderID string
	Name       string
}

// AuthorizationCode is a single-use credential minted by the (external)
// authorization endpoint and exchanged here (the spec's `C`).
type AuthorizationCode struct {
	ID                  string
	Code                string
	ProviderID          string
	UserID              string
	Scope               []string
	Nonce               string
	IsOpenID            bool
	CodeChallenge       string
	CodeChallengeMethod string // "S256" or "plain"
	ExpiresAt           time.Time
	CreatedAt           time.Time
}

// Expired reports whether the code is no longer exchangeable.
func (c *AuthorizationCode) Expired() bool {
	return !c.ExpiresAt.After(time.Now())
}

// RefreshToken is the spec's `R`: created by TokenMinter.Mint, mutated
// only by setting Revoked on rotation, never deleted by this core.
//
// The ID token paired with a refresh token is referenced by key
// (IDTokenRef), not owned, to avoid the cyclic R↔IdToken relation noted
// in spec.md §9.
type RefreshToken struct {
	ID           string
	RefreshToken string // opaque
	AccessToken  string // opaque
	ProviderID   string
	UserID       string
	Scope        []string
	IDTokenRef   string // non-empty when an IDToken was minted alongside this R
	ATHash       string
	ExpiresAt    time.Time
	Revoked      bool
	CreatedAt    time.Time
}

// Expired reports whether the refresh token is past its lifetime.
func (r *RefreshToken) Expired() bool {
	return !r.ExpiresAt.After(time.Now())
}

// IDToken is the set of OIDC claims paired with a RefreshToken.
type IDToken struct {
	RefreshTokenRef string // key back-reference to the owning RefreshToken
	Issuer          string
	Subject         string
	Audience        string
	ExpiresAt       time.Time
	IssuedAt        time.Time
	Nonce           string
	ATHash          string
}

// User is an opaque identity the core treats as a (uid, attributes)
// pair. JwtAssertionVerifier may synthesize one for an otherwise
// unknown JWT subject.
type User struct {
	UID        string
	Attributes map[string]any
}

// GeneratedUsername builds the synthetic username spec.md §4.3 requires
// for a JWT-assertion-derived user: "{provider.name}-{sub}".
func GeneratedUsername(providerName, sub string) string {
	return providerName + "-" + sub
}

// AppPasswordToken is an opaque credential used by the password grant
// (and the client_credentials username+password branch), identified by
// (Key, Intent=APP_PASSWORD).
type AppPasswordToken struct {
	Key       string
	Intent    string
	UserID    string
	ExpiresAt time.Time
}

const IntentAppPassword = "APP_PASSWORD"

// Expired reports whether the app password token is past its lifetime.
func (t *AppPasswordToken) Expired() bool {
	return !t.ExpiresAt.IsZero() && !t.ExpiresAt.After(time.Now())
}

// --- External collaborators (contracts only; see SPEC_FULL.md §1) ---

// ProviderStore resolves a Provider by its public client_id.
type ProviderStore interface {
	GetByClientID(ctx context.Context, clientID string) (*Provider, error)
}

// ApplicationStore resolves the Application bound to a Provider.
type ApplicationStore interface {
	GetByProviderID(ctx context.Context, providerID string) (*Application, error)
}

// UserStore resolves and synthesizes User identities.
type UserStore interface {
	GetByUsername(ctx context.Context, username string) (*User, error)
	// Upsert creates the user if absent. created reports whether this
	// call performed the creation (so EXPIRES is persisted only once,
	// per spec.md §4.3).
	Upsert(ctx context.Context, user *User) (u *User, created bool, err error)
}

// CodeStore persists and atomically consumes authorization codes.
type CodeStore interface {
	Get(ctx context.Context, code string) (*AuthorizationCode, error)
	// Consume atomically deletes the code if, and only if, it is still
	// present, returning ErrCodeNotFound if a concurrent exchange has
	// already consumed it. Enforces invariant I1.
	Consume(ctx context.Context, code string) (*AuthorizationCode, error)
}

// RefreshTokenStore persists refresh tokens and atomically rotates
// them.
type RefreshTokenStore interface {
	Get(ctx context.Context, token string) (*RefreshToken, error)
	Create(ctx context.Context, rt *RefreshToken) error
	// Rotate atomically sets Revoked=true on the token identified by
	// oldToken and persists newRT, succeeding only if oldToken was not
	// already revoked. Returns ErrTokenRevoked on a replay (invariant
	// I2/I3).
	Rotate(ctx context.Context, oldToken string, newRT *RefreshToken) error
}

// AppPasswordStore resolves app-password credentials.
type AppPasswordStore interface {
	Get(ctx context.Context, key, intent string) (*AppPasswordToken, error)
}

// KeyStore resolves the signing key a Provider uses to sign its issued
// ID tokens.
type KeyStore interface {
	SigningKey(ctx context.Context, providerID string) (*SigningKey, error)
}

// SigningKey is the material TokenMinter.signIDToken signs with.
type SigningKey struct {
	KeyID     string
	Algorithm string // "RS256" or "ES256"
	Signer    crypto.Signer
}

// JWKSource fetches (and SHOULD cache, with a TTL) the keys exposed by
// one of a provider's configured jwks_sources.
type JWKSource interface {
	Keys(ctx context.Context, sourceID string) ([]JWK, error)
}

// JWK is a parsed JSON Web Key usable for signature verification.
type JWK struct {
	KeyID     string
	Algorithm string
	Public    crypto.PublicKey
}

// PolicyEngine is the opaque rule engine behind PolicyGate. Its
// internal rules are not this core's concern (spec.md §4.4).
type PolicyEngine interface {
	Evaluate(ctx context.Context, app *Application, user *User, evalCtx map[string]any) (passing bool, reasons []string, err error)
}
