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
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oidcgate/oidcgate/internal/audit"
)

// TokenEndpoint orchestrates the full POST /token flow of spec.md
// §4.6: authenticate the client, validate the grant, gate policy, mint
// tokens, and persist. Every step's ordering matches §5's strict
// sequence: authenticate client → look up provider → validate grant →
// gate policy → mint → persist → respond.
type TokenEndpoint struct {
	providers ProviderStore
	apps      ApplicationStore
	users     UserStore
	apppw     AppPasswordStore

	clientAuth *ClientAuthenticator
	grants     *GrantValidator
	assertions *JwtAssertionVerifier
	policy     *PolicyGate
	minter     *TokenMinter

	events audit.Logger
}

// NewTokenEndpoint wires the collaborators a TokenEndpoint needs. All
// arguments are required except assertions, which may be nil in a
// deployment that never configures client_assertion-based providers —
// any assertion grant then fails closed with invalid_grant.
func NewTokenEndpoint(
	providers ProviderStore,
	apps ApplicationStore,
	users UserStore,
	apppw AppPasswordStore,
	clientAuth *ClientAuthenticator,
	grants *GrantValidator,
	assertions *JwtAssertionVerifier,
	policy *PolicyGate,
	minter *TokenMinter,
	events audit.Logger,
) *TokenEndpoint {
	return &TokenEndpoint{
		providers:  providers,
		apps:       apps,
		users:      users,
		apppw:      apppw,
		clientAuth: clientAuth,
		grants:     grants,
		assertions: assertions,
		policy:     policy,
		minter:     minter,
		events:     events,
	}
}

// Exchange implements spec.md §4.6.1 steps 1-4: extract credentials,
// resolve the provider, authenticate, validate the grant, and dispatch
// to the matching response builder.
func (e *TokenEndpoint) Exchange(ctx context.Context, r *http.Request) (*MintedTokens, error) {
	creds := e.clientAuth.Extract(r)
	if creds.ClientID == "" && creds.ClientAssertion != "" {
		// Assertion-first lookup: the provider is resolved from the
		// assertion's iss claim; its signature is verified afterwards
		// against that provider's keys.
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(creds.ClientAssertion, claims); err == nil {
			if iss, ok := claims["iss"].(string); ok {
				creds.ClientID = iss
			}
		}
	}

	provider, err := e.providers.GetByClientID(ctx, creds.ClientID)
	if err != nil {
		return nil, NewTokenError(ErrInvalidClient, "unknown client_id")
	}

	grantType := r.PostFormValue("grant_type")
	if err := e.clientAuth.Authenticate(provider, creds, grantType); err != nil {
		return nil, err
	}

	params, err := e.grants.Parse(ctx, r, provider)
	if err != nil {
		return nil, err
	}

	switch params.GrantType {
	case GrantAuthorizationCode:
		return e.createCodeResponse(ctx, provider, params)
	case GrantRefreshToken:
		return e.createRefreshResponse(ctx, provider, params)
	case GrantClientCredentials, GrantPassword:
		return e.createClientCredentialsResponse(ctx, provider, creds, params)
	default:
		return nil, NewTokenError(ErrUnsupportedGrantType, "unsupported grant_type: "+params.GrantType)
	}
}

// createCodeResponse implements spec.md §4.6.3.
func (e *TokenEndpoint) createCodeResponse(ctx context.Context, provider *Provider, params *TokenParams) (*MintedTokens, error) {
	rec := params.AuthorizationCode.Record

	// No policy gate here: authorization for this grant was already
	// decided by the authorization endpoint that minted rec, not by
	// this core (spec.md §4.6.3). Only the username/password and JWT
	// assertion branches of client_credentials/password re-check policy.

	// Invariant I1: consuming the code is the atomic compare-and-set
	// gate — run it before minting so a concurrent second exchange of
	// the same code observes it gone and fails here, not after already
	// having handed out a token.
	if _, err := e.grants.codes.Consume(ctx, rec.Code); err != nil {
		return nil, NewTokenError(ErrInvalidGrant, "authorization code already used")
	}

	tokens, err := e.minter.Mint(ctx, provider, rec.UserID, rec.Scope, rec.Nonce)
	if err != nil {
		return nil, err
	}

	e.events.Log(ctx, audit.Event{
		Type:     audit.TypeTokenIssued,
		Resource: audit.ResourceToken,
		Metadata: map[string]any{"provider_id": provider.ID, "grant_type": GrantAuthorizationCode},
	})

	return tokens, nil
}

// createRefreshResponse implements spec.md §4.6.4. It does not re-run
// the policy gate: authorization is inherited from the prior grant.
func (e *TokenEndpoint) createRefreshResponse(ctx context.Context, provider *Provider, params *TokenParams) (*MintedTokens, error) {
	old := params.RefreshToken.Record

	scope := params.Scope
	if len(scope) == 0 {
		scope = old.Scope
	} else if !scopeSubset(scope, old.Scope) {
		return nil, NewTokenError(ErrInvalidScope, "requested scope exceeds the scope of the refresh token")
	}

	tokens, err := e.minter.Rotate(ctx, provider, old, scope)
	if err != nil {
		// A concurrent exchange of the same token won the rotation:
		// old is now revoked, so this is a replay (invariant I3).
		if cur, gerr := e.grants.refresh.Get(ctx, old.RefreshToken); gerr == nil && cur.Revoked {
			e.events.Log(ctx, audit.Event{
				Type:     audit.TypeSuspiciousRequest,
				Resource: audit.ResourceToken,
				Metadata: map[string]any{
					"provider_id": provider.ID,
					"reason":      "concurrent refresh token rotation",
				},
			})
		}
		return nil, err
	}

	e.events.Log(ctx, audit.Event{
		Type:     audit.TypeTokenIssued,
		Resource: audit.ResourceToken,
		Metadata: map[string]any{"provider_id": provider.ID, "grant_type": GrantRefreshToken},
	})

	return tokens, nil
}

// createClientCredentialsResponse implements spec.md §4.6.5, covering
// both the client_credentials and password grants: a JWT assertion
// branch delegating to JwtAssertionVerifier, and a username/password
// branch against AppPasswordStore. Either way the response never
// carries a refresh_token.
func (e *TokenEndpoint) createClientCredentialsResponse(ctx context.Context, provider *Provider, creds ClientCredentials, params *TokenParams) (*MintedTokens, error) {
	cc := params.ClientCredentials

	var user *User
	var err error
	if cc.AssertionType != "" {
		if e.assertions == nil {
			return nil, NewTokenError(ErrInvalidGrant, "client assertion grants are not configured")
		}
		user, err = e.assertions.Verify(ctx, provider, creds, params)
	} else {
		user, err = e.authenticateAppPassword(ctx, provider, params, cc.Username, cc.Password)
	}
	if err != nil {
		return nil, err
	}

	tokens, err := e.minter.MintWithIDToken(ctx, provider, user.UID, params.Scope)
	if err != nil {
		return nil, err
	}
	tokens.RefreshToken = ""

	return tokens, nil
}

// authenticateAppPassword implements the username/password sub-branch
// shared by client_credentials and password (spec.md §4.2's final two
// paragraphs).
func (e *TokenEndpoint) authenticateAppPassword(ctx context.Context, provider *Provider, params *TokenParams, username, password string) (*User, error) {
	user, err := e.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, NewTokenError(ErrInvalidGrant, "unknown user")
	}

	token, err := e.apppw.Get(ctx, password, IntentAppPassword)
	if err != nil || token.Expired() {
		return nil, NewTokenError(ErrInvalidGrant, "invalid or expired app password")
	}
	if !constantTimeEqual(token.UserID, user.UID) {
		return nil, NewTokenError(ErrInvalidGrant, "app password does not belong to this user")
	}

	app, err := e.apps.GetByProviderID(ctx, provider.ID)
	if err != nil {
		return nil, NewTokenError(ErrInvalidGrant, "no application bound to provider")
	}
	if err := e.policy.Check(ctx, app, user, grantEvalContext(params)); err != nil {
		return nil, err
	}

	e.events.Log(ctx, audit.Event{
		Type:     audit.TypeLogin,
		Resource: audit.ResourceUser,
		Metadata: map[string]any{"method": "token", "provider_id": provider.ID},
	})

	return user, nil
}
