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

package oidc_test

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/oidcgate/oidcgate/internal/oidc"
	"github.com/stretchr/testify/require"
)

func testSigningKey(t *testing.T) oidc.SigningKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return oidc.SigningKey{KeyID: "test-key-1", Algorithm: "RS256", Signer: key}
}

// TestPurpose: Verifies a minted ID token carries every claim passed
// to Encode, unchanged, and round-trips through DecodeUnverified.
// Scope: Unit Test
// Security: Claim Fidelity
// Expected: decoded claims equal the claims that were encoded.
func TestOIDC_Signer_Encode_RoundTripsClaims(t *testing.T) {
	signer := oidc.NewSigner()
	key := testSigningKey(t)

	now := time.Now().UTC().Truncate(time.Second)
	claims := oidc.Claims{
		Issuer:    "https://issuer.example.com",
		Subject:   "user-123",
		Audience:  "client-abc",
		IssuedAt:  now,
		ExpiresAt: now.Add(5 * time.Minute),
		Nonce:     "n-0S6_WzA2Mj",
		ATHash:    "MTIzNDU2Nzg5MDEyMzQ1Ng",
	}

	token, err := signer.Encode(key, claims)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	decoded, err := oidc.DecodeUnverified(token)
	require.NoError(t, err)
	require.Equal(t, claims.Issuer, decoded.Issuer)
	require.Equal(t, claims.Subject, decoded.Subject)
	require.Equal(t, claims.Audience, decoded.Audience)
	require.Equal(t, claims.Nonce, decoded.Nonce)
	require.Equal(t, claims.ATHash, decoded.ATHash)
	require.Equal(t, claims.IssuedAt.Unix(), decoded.IssuedAt.Unix())
	require.Equal(t, claims.ExpiresAt.Unix(), decoded.ExpiresAt.Unix())
}

// TestPurpose: Verifies an ID token minted without the openid-specific
// nonce/at_hash fields omits them from the claim set entirely, rather
// than encoding them as empty strings.
// Scope: Unit Test
// Security: Minimal Disclosure
// Expected: decoded.Nonce and decoded.ATHash are both empty.
func TestOIDC_Signer_Encode_OmitsAbsentOptionalClaims(t *testing.T) {
	signer := oidc.NewSigner()
	key := testSigningKey(t)

	now := time.Now().UTC().Truncate(time.Second)
	token, err := signer.Encode(key, oidc.Claims{
		Issuer:    "https://issuer.example.com",
		Subject:   "user-123",
		Audience:  "client-abc",
		IssuedAt:  now,
		ExpiresAt: now.Add(5 * time.Minute),
	})
	require.NoError(t, err)

	decoded, err := oidc.DecodeUnverified(token)
	require.NoError(t, err)
	require.Empty(t, decoded.Nonce)
	require.Empty(t, decoded.ATHash)
}

// TestPurpose: Verifies Encode rejects an unsupported signing
// algorithm rather than silently defaulting to one.
// Scope: Unit Test
// Security: Fail-Closed Configuration
// Expected: a non-nil error and no token.
func TestOIDC_Signer_Encode_RejectsUnsupportedAlgorithm(t *testing.T) {
	signer := oidc.NewSigner()
	key := testSigningKey(t)
	key.Algorithm = "HS256"

	_, err := signer.Encode(key, oidc.Claims{
		Issuer:    "https://issuer.example.com",
		Subject:   "user-123",
		Audience:  "client-abc",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
	})
	require.Error(t, err)
}
