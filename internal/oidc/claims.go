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

// Package oidc mints and signs OpenID Connect ID tokens: the
// iss/sub/aud/exp/iat/nonce/at_hash claim set of OIDC Core §2, carried
// alongside a RefreshToken whenever the openid scope was granted.
package oidc

import (
	"crypto"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the ID token claim set this core issues. It deliberately
// omits claims this deployment never produces (acr, amr, azp) rather
// than carrying always-empty fields.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Nonce     string
	ATHash    string
}

// SigningKey is the material Signer.Encode signs with, resolved by the
// caller from its own KeyStore. Decoupled from the oauth2 package's
// identically-shaped type to avoid an import cycle; a provider's
// signing key is converted at the oauth2/oidc boundary.
type SigningKey struct {
	KeyID     string
	Algorithm string // "RS256" or "ES256"
	Signer    crypto.Signer
}

// Signer mints signed ID tokens. It carries no state of its own — key
// material always comes from the caller's KeyStore lookup — so one
// Signer instance serves every provider.
type Signer struct{}

// NewSigner constructs a Signer.
func NewSigner() *Signer { return &Signer{} }

// Encode signs claims with key, producing a compact JWS. The signing
// method is selected from key.Algorithm so a single Signer supports a
// deployment with a mix of RSA- and EC-keyed providers.
func (s *Signer) Encode(key SigningKey, claims Claims) (string, error) {
	method, err := signingMethod(key.Algorithm)
	if err != nil {
		return "", err
	}

	mapClaims := jwt.MapClaims{
		"iss": claims.Issuer,
		"sub": claims.Subject,
		"aud": claims.Audience,
		"exp": claims.ExpiresAt.UTC().Unix(),
		"iat": claims.IssuedAt.UTC().Unix(),
	}
	if claims.Nonce != "" {
		mapClaims["nonce"] = claims.Nonce
	}
	if claims.ATHash != "" {
		mapClaims["at_hash"] = claims.ATHash
	}

	token := jwt.NewWithClaims(method, mapClaims)
	token.Header["kid"] = key.KeyID

	return token.SignedString(key.Signer)
}

// DecodeUnverified extracts the claim set from a signed token without
// checking its signature. Exercised by tests confirming a minted token
// round-trips; no inbound-credential path in this core calls it.
func DecodeUnverified(token string) (Claims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}, err
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("oidc: unexpected claims type %T", parsed.Claims)
	}

	var claims Claims
	if v, ok := mc["iss"].(string); ok {
		claims.Issuer = v
	}
	if v, ok := mc["sub"].(string); ok {
		claims.Subject = v
	}
	if v, ok := mc["aud"].(string); ok {
		claims.Audience = v
	}
	if v, ok := mc["nonce"].(string); ok {
		claims.Nonce = v
	}
	if v, ok := mc["at_hash"].(string); ok {
		claims.ATHash = v
	}
	if v, ok := mc["exp"].(float64); ok {
		claims.ExpiresAt = time.Unix(int64(v), 0).UTC()
	}
	if v, ok := mc["iat"].(float64); ok {
		claims.IssuedAt = time.Unix(int64(v), 0).UTC()
	}
	return claims, nil
}

func signingMethod(algorithm string) (jwt.SigningMethod, error) {
	switch algorithm {
	case "RS256":
		return jwt.SigningMethodRS256, nil
	case "ES256":
		return jwt.SigningMethodES256, nil
	default:
		return nil, fmt.Errorf("oidc: unsupported signing algorithm %q", algorithm)
	}
}
