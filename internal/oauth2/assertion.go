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
	"crypto"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oidcgate/oidcgate/internal/audit"
)

// AssertionTypeJWTBearer is the only client_assertion_type this core
// accepts (RFC 7523 §2.1).
const AssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// JwtAssertionVerifier implements the RFC 7523 JWT Bearer client
// assertion grant (spec.md §4.3): verify a signed assertion against a
// provider's statically configured verification_keys or its
// jwks_sources, then synthesize the asserting user.
type JwtAssertionVerifier struct {
	apps   ApplicationStore
	users  UserStore
	jwks   JWKSource
	policy *PolicyGate
	events audit.Logger
}

// NewJwtAssertionVerifier constructs a JwtAssertionVerifier.
func NewJwtAssertionVerifier(apps ApplicationStore, users UserStore, jwks JWKSource, policy *PolicyGate, events audit.Logger) *JwtAssertionVerifier {
	return &JwtAssertionVerifier{apps: apps, users: users, jwks: jwks, policy: policy, events: events}
}

// Verify authenticates creds.ClientAssertion against provider and
// returns the (possibly newly synthesized) asserting user.
func (v *JwtAssertionVerifier) Verify(ctx context.Context, provider *Provider, creds ClientCredentials, params *TokenParams) (*User, error) {
	if creds.ClientAssertionType != AssertionTypeJWTBearer {
		return nil, NewTokenError(ErrInvalidGrant, "unsupported client_assertion_type")
	}

	claims, err := v.verifySignature(ctx, provider, creds.ClientAssertion)
	if err != nil {
		return nil, NewTokenError(ErrInvalidGrant, "client assertion failed signature verification")
	}

	var exp int64
	if raw, ok := claims["exp"]; ok {
		e, ok := toUnix(raw)
		if !ok {
			return nil, NewTokenError(ErrInvalidGrant, "client assertion exp claim malformed")
		}
		if e <= time.Now().UTC().Unix() {
			return nil, NewTokenError(ErrInvalidGrant, "client assertion expired")
		}
		exp = e
	}

	app, err := v.apps.GetByProviderID(ctx, provider.ID)
	if err != nil {
		return nil, NewTokenError(ErrInvalidGrant, "no application bound to provider")
	}

	evalCtx := map[string]any{"oauth_jwt": map[string]any(claims)}
	if err := v.policy.Check(ctx, app, nil, evalCtx); err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	attrs := map[string]any{
		"GENERATED":  true,
		"last_login": time.Now().UTC(),
	}
	if exp != 0 {
		attrs["EXPIRES"] = exp
	}

	user, created, err := v.users.Upsert(ctx, &User{
		UID:        GeneratedUsername(provider.Name, sub),
		Attributes: attrs,
	})
	if err != nil {
		return nil, NewTokenError(ErrServerError, "failed to synthesize asserting user")
	}

	v.events.Log(ctx, audit.Event{
		Type:     audit.TypeLogin,
		Resource: audit.ResourceUser,
		Metadata: map[string]any{
			"method":      "jwt",
			"provider_id": provider.ID,
			"created":     created,
		},
	})

	return user, nil
}

// verifySignature runs the two-pass verification of spec.md §4.3: the
// provider's static verification_keys first, then each configured JWKS
// source. The first key whose signature validates wins — this core
// short-circuits rather than exhausting every remaining key, an
// observably equivalent strategy the spec explicitly permits.
func (v *JwtAssertionVerifier) verifySignature(ctx context.Context, provider *Provider, assertion string) (jwt.MapClaims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())

	for _, vk := range provider.VerificationKeys {
		if claims, err := tryParseAssertion(parser, assertion, vk.Algorithm, vk.Public); err == nil {
			return claims, nil
		}
	}

	for _, source := range provider.JWKSSources {
		keys, err := v.jwks.Keys(ctx, source)
		if err != nil {
			continue
		}
		for _, k := range keys {
			if claims, err := tryParseAssertion(parser, assertion, k.Algorithm, k.Public); err == nil {
				return claims, nil
			}
		}
	}

	return nil, fmt.Errorf("oauth2: no configured key verified this assertion")
}

// tryParseAssertion attempts one signature verification with a single
// candidate key, rejecting algorithms outside {RS256, ES256} per
// spec.md §4.3.
func tryParseAssertion(parser *jwt.Parser, assertion, algorithm string, public crypto.PublicKey) (jwt.MapClaims, error) {
	if algorithm != "RS256" && algorithm != "ES256" {
		return nil, fmt.Errorf("oauth2: unsupported assertion key algorithm %q", algorithm)
	}

	claims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(assertion, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != algorithm {
			return nil, fmt.Errorf("oauth2: assertion alg %q does not match key alg %q", t.Method.Alg(), algorithm)
		}
		return public, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// toUnix normalizes the numeric types a decoded JWT claim may surface
// as into an int64 Unix timestamp (spec.md §9: exp is UTC epoch
// seconds).
func toUnix(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
