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

package oauth2

import (
	"context"
	"time"

	"github.com/oidcgate/oidcgate/internal/oidc"
)

// MintedTokens is the response payload common to every grant branch
// that issues a fresh token pair (spec.md §4.5).
type MintedTokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresIn    int64
	Scope        []string
}

// TokenMinter issues access/refresh token pairs and, when the openid
// scope is granted, the paired ID token (spec.md §4.5 and invariant
// I5).
type TokenMinter struct {
	keys            KeyStore
	refresh         RefreshTokenStore
	signer          *oidc.Signer
	issuer          string
	defaultValidity time.Duration
}

// NewTokenMinter constructs a TokenMinter. issuer is the value placed
// in every ID token's iss claim. defaultValidity is the token lifetime
// used when a Provider leaves TokenValidity unset (config's
// OAUTH2_DEFAULT_TOKEN_VALIDITY); a non-positive value falls back to
// one hour.
func NewTokenMinter(keys KeyStore, refresh RefreshTokenStore, issuer string, defaultValidity time.Duration) *TokenMinter {
	if defaultValidity <= 0 {
		defaultValidity = time.Hour
	}
	return &TokenMinter{keys: keys, refresh: refresh, signer: oidc.NewSigner(), issuer: issuer, defaultValidity: defaultValidity}
}

// Mint creates a fresh token pair bound to provider and userID and
// persists the refresh token as new (no prior token is touched). Used
// by the authorization_code branch.
func (m *TokenMinter) Mint(ctx context.Context, provider *Provider, userID string, scope []string, nonce string) (*MintedTokens, error) {
	out, rt, err := m.build(ctx, provider, userID, scope, nonce, containsScope(scope, "openid"))
	if err != nil {
		return nil, err
	}
	if err := m.refresh.Create(ctx, rt); err != nil {
		return nil, NewTokenError(ErrServerError, "failed to persist refresh token")
	}
	return out, nil
}

// MintWithIDToken mints a fresh token pair that always carries an ID
// token regardless of whether scope includes openid — the
// client_credentials/password branch's contract (spec.md §4.6.5).
func (m *TokenMinter) MintWithIDToken(ctx context.Context, provider *Provider, userID string, scope []string) (*MintedTokens, error) {
	out, rt, err := m.build(ctx, provider, userID, scope, "", true)
	if err != nil {
		return nil, err
	}
	if err := m.refresh.Create(ctx, rt); err != nil {
		return nil, NewTokenError(ErrServerError, "failed to persist refresh token")
	}
	return out, nil
}

// Rotate mints a fresh token pair to replace old, atomically revoking
// old as part of persisting the replacement (invariant I2: old becomes
// unusable the instant the replacement exists). Used by the
// refresh_token branch. An ID token is attached exactly when old
// carried one — independent of whether scope still includes openid
// (spec.md §4.6.4).
func (m *TokenMinter) Rotate(ctx context.Context, provider *Provider, old *RefreshToken, scope []string) (*MintedTokens, error) {
	out, rt, err := m.build(ctx, provider, old.UserID, scope, "", old.IDTokenRef != "")
	if err != nil {
		return nil, err
	}
	if err := m.refresh.Rotate(ctx, old.RefreshToken, rt); err != nil {
		return nil, NewTokenError(ErrInvalidGrant, "refresh token rotation failed")
	}
	return out, nil
}

func (m *TokenMinter) build(ctx context.Context, provider *Provider, userID string, scope []string, nonce string, mintIDToken bool) (*MintedTokens, *RefreshToken, error) {
	accessToken := generateOpaqueToken()
	now := time.Now().UTC()
	validity := provider.TokenValidity
	if validity <= 0 {
		validity = m.defaultValidity
	}

	rt := &RefreshToken{
		ID:           newID(),
		RefreshToken: generateOpaqueToken(),
		AccessToken:  accessToken,
		ProviderID:   provider.ID,
		UserID:       userID,
		Scope:        scope,
		ATHash:       atHash(accessToken),
		ExpiresAt:    now.Add(validity),
		CreatedAt:    now,
	}

	out := &MintedTokens{
		AccessToken:  accessToken,
		RefreshToken: rt.RefreshToken,
		ExpiresIn:    int64(validity.Seconds()),
		Scope:        scope,
	}

	if mintIDToken {
		idToken, err := m.signIDToken(ctx, provider, userID, rt.ATHash, nonce, now, validity)
		if err != nil {
			return nil, nil, err
		}
		out.IDToken = idToken
		rt.IDTokenRef = rt.ID
	}

	return out, rt, nil
}

func (m *TokenMinter) signIDToken(ctx context.Context, provider *Provider, userID, atHashValue, nonce string, issuedAt time.Time, validity time.Duration) (string, error) {
	key, err := m.keys.SigningKey(ctx, provider.ID)
	if err != nil {
		return "", NewTokenError(ErrServerError, "no signing key configured for provider")
	}

	claims := oidc.Claims{
		Issuer:    m.issuer,
		Subject:   userID,
		Audience:  provider.ClientID,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(validity),
		Nonce:     nonce,
		ATHash:    atHashValue,
	}

	return m.signer.Encode(oidc.SigningKey{
		KeyID:     key.KeyID,
		Algorithm: key.Algorithm,
		Signer:    key.Signer,
	}, claims)
}
