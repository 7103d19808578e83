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
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func benchSigningKey(b *testing.B) *SigningKey {
	b.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		b.Fatal(err)
	}
	return &SigningKey{KeyID: "bench-key", Algorithm: "RS256", Signer: key}
}

func formRequestForBench(values url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(values.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ParseForm()
	return r
}

// benchCodeStore never actually consumes its code, so a single fixture
// can be exchanged b.N times without per-iteration setup.
type benchCodeStore struct{ code *AuthorizationCode }

func (b *benchCodeStore) Get(_ context.Context, code string) (*AuthorizationCode, error) {
	cp := *b.code
	return &cp, nil
}
func (b *benchCodeStore) Consume(_ context.Context, code string) (*AuthorizationCode, error) {
	cp := *b.code
	return &cp, nil
}

func BenchmarkTokenEndpoint_Exchange_AuthorizationCode(b *testing.B) {
	provider := testProvider()
	app := &Application{ID: "a1", ProviderID: provider.ID}

	keyStore := &mockKeyStore{key: benchSigningKey(b)}
	refresh := &mockRefreshStore{byToken: map[string]*RefreshToken{}}
	codes := &benchCodeStore{code: &AuthorizationCode{
		Code:       "bench-code",
		ProviderID: provider.ID,
		UserID:     "user-1",
		Scope:      []string{"openid"},
		IsOpenID:   true,
		ExpiresAt:  time.Now().Add(10 * time.Minute),
	}}

	clientAuth := NewClientAuthenticator()
	grants := NewGrantValidator(codes, refresh, &mockAuditLogger{}, 0)
	policy := NewPolicyGate(nil, &mockAuditLogger{})
	minter := NewTokenMinter(keyStore, refresh, "https://issuer.example.com", 10*time.Minute)
	endpoint := NewTokenEndpoint(
		&mockProviderStore{byClientID: map[string]*Provider{provider.ClientID: provider}},
		&mockApplicationStore{byProviderID: map[string]*Application{provider.ID: app}},
		&mockUserStore{byUsername: map[string]*User{}},
		&mockAppPasswordStore{byKey: map[string]*AppPasswordToken{}},
		clientAuth, grants, nil, policy, minter, &mockAuditLogger{},
	)

	values := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {"bench-code"},
		"redirect_uri": {"https://app.example/cb"},
	}

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r := formRequestForBench(values)
		if _, err := endpoint.Exchange(ctx, r); err != nil {
			b.Fatal(err)
		}
	}
}
