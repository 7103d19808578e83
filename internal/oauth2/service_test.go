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
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/oidcgate/oidcgate/internal/audit"
)

// --- in-memory mock stores grounded in spec.md §3/§6's contracts ---

type mockProviderStore struct{ byClientID map[string]*Provider }

func (m *mockProviderStore) GetByClientID(_ context.Context, clientID string) (*Provider, error) {
	p, ok := m.byClientID[clientID]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

type mockApplicationStore struct{ byProviderID map[string]*Application }

func (m *mockApplicationStore) GetByProviderID(_ context.Context, providerID string) (*Application, error) {
	a, ok := m.byProviderID[providerID]
	if !ok {
		return nil, ErrApplicationNotFound
	}
	return a, nil
}

type mockUserStore struct {
	mu         sync.Mutex
	byUsername map[string]*User
}

func (m *mockUserStore) GetByUsername(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byUsername[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (m *mockUserStore) Upsert(_ context.Context, user *User) (*User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byUsername == nil {
		m.byUsername = map[string]*User{}
	}
	if existing, ok := m.byUsername[user.UID]; ok {
		return existing, false, nil
	}
	m.byUsername[user.UID] = user
	return user, true, nil
}

type mockCodeStore struct {
	mu     sync.Mutex
	byCode map[string]*AuthorizationCode
}

func (m *mockCodeStore) Get(_ context.Context, code string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byCode[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockCodeStore) Consume(_ context.Context, code string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byCode[code]
	if !ok {
		return nil, ErrCodeNotFound
	}
	delete(m.byCode, code)
	return c, nil
}

type mockRefreshStore struct {
	mu         sync.Mutex
	byToken    map[string]*RefreshToken
	rotateHook func()
}

func (m *mockRefreshStore) Get(_ context.Context, token string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byToken[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockRefreshStore) Create(_ context.Context, rt *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byToken == nil {
		m.byToken = map[string]*RefreshToken{}
	}
	m.byToken[rt.RefreshToken] = rt
	return nil
}

func (m *mockRefreshStore) Rotate(_ context.Context, oldToken string, newRT *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rotateHook != nil {
		m.rotateHook()
	}
	old, ok := m.byToken[oldToken]
	if !ok || old.Revoked {
		return ErrTokenRevoked
	}
	old.Revoked = true
	m.byToken[newRT.RefreshToken] = newRT
	return nil
}

type mockAppPasswordStore struct{ byKey map[string]*AppPasswordToken }

func (m *mockAppPasswordStore) Get(_ context.Context, key, intent string) (*AppPasswordToken, error) {
	t, ok := m.byKey[key]
	if !ok || t.Intent != intent {
		return nil, ErrTokenNotFound
	}
	return t, nil
}

type mockKeyStore struct {
	key *SigningKey
}

func (m *mockKeyStore) SigningKey(_ context.Context, providerID string) (*SigningKey, error) {
	return m.key, nil
}

type mockAuditLogger struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *mockAuditLogger) Log(_ context.Context, e audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *mockAuditLogger) has(eventType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

// --- test fixtures ---

func testRSAKeyStore(t *testing.T) *mockKeyStore {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &mockKeyStore{key: &SigningKey{KeyID: "k1", Algorithm: "RS256", Signer: key}}
}

type harness struct {
	providers *mockProviderStore
	apps      *mockApplicationStore
	users     *mockUserStore
	codes     *mockCodeStore
	refresh   *mockRefreshStore
	apppw     *mockAppPasswordStore
	keys      *mockKeyStore
	audit     *mockAuditLogger
	endpoint  *TokenEndpoint
}

func newHarness(t *testing.T, provider *Provider, app *Application) *harness {
	t.Helper()
	h := &harness{
		providers: &mockProviderStore{byClientID: map[string]*Provider{provider.ClientID: provider}},
		apps:      &mockApplicationStore{byProviderID: map[string]*Application{provider.ID: app}},
		users:     &mockUserStore{byUsername: map[string]*User{}},
		codes:     &mockCodeStore{byCode: map[string]*AuthorizationCode{}},
		refresh:   &mockRefreshStore{byToken: map[string]*RefreshToken{}},
		apppw:     &mockAppPasswordStore{byKey: map[string]*AppPasswordToken{}},
		keys:      testRSAKeyStore(t),
		audit:     &mockAuditLogger{},
	}

	clientAuth := NewClientAuthenticator()
	grants := NewGrantValidator(h.codes, h.refresh, h.audit, 0)
	policy := NewPolicyGate(nil, h.audit)
	minter := NewTokenMinter(h.keys, h.refresh, "https://issuer.example.com", 10*time.Minute)
	assertions := NewJwtAssertionVerifier(h.apps, h.users, nil, policy, h.audit)

	h.endpoint = NewTokenEndpoint(h.providers, h.apps, h.users, h.apppw, clientAuth, grants, assertions, policy, minter, h.audit)
	return h
}

func testProvider() *Provider {
	return &Provider{
		ID:                  "p1",
		ClientID:            "client-1",
		ClientType:          ClientPublic,
		Name:                "acme",
		RedirectURIPatterns: []string{`https://app\.example/cb`},
		TokenValidity:       10 * time.Minute,
		SigningAlgorithm:    "RS256",
	}
}

func formRequest(t *testing.T, values url.Values) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(values.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	require.NoError(t, r.ParseForm())
	return r
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// S1 — code exchange (OIDC): successful exchange returns access,
// refresh and ID tokens; the ID token's nonce and at_hash match the
// source code and the minted access token (invariant I5).
func TestTokenEndpoint_Exchange_AuthorizationCode_OIDC_Success(t *testing.T) {
	provider := testProvider()
	app := &Application{ID: "a1", ProviderID: provider.ID, Name: "acme-app"}
	h := newHarness(t, provider, app)

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	h.codes.byCode["abc"] = &AuthorizationCode{
		Code:                "abc",
		ProviderID:          provider.ID,
		UserID:              "user-1",
		Scope:               []string{"openid", "email"},
		Nonce:               "n1",
		IsOpenID:            true,
		CodeChallenge:       s256Challenge(verifier),
		CodeChallengeMethod: MethodS256,
		ExpiresAt:           time.Now().Add(5 * time.Minute),
	}

	r := formRequest(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"abc"},
		"redirect_uri":  {"https://app.example/cb"},
		"code_verifier": {verifier},
	})

	tokens, err := h.endpoint.Exchange(context.Background(), r)
	require.NoError(t, err)
	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)
	require.Equal(t, int64(600), tokens.ExpiresIn)
	require.NotEmpty(t, tokens.IDToken)

	claims, err := decodeForTest(tokens.IDToken)
	require.NoError(t, err)
	require.Equal(t, "n1", claims["nonce"])
	require.Equal(t, atHash(tokens.AccessToken), claims["at_hash"])

	// I1: the code is gone after a successful exchange.
	_, err = h.codes.Get(context.Background(), "abc")
	require.ErrorIs(t, err, ErrCodeNotFound)
}

// S2 — code reuse: a second exchange of the same code fails
// invalid_grant and does not mint a token.
func TestTokenEndpoint_Exchange_AuthorizationCode_Reuse_Fails(t *testing.T) {
	provider := testProvider()
	app := &Application{ID: "a1", ProviderID: provider.ID}
	h := newHarness(t, provider, app)

	h.codes.byCode["abc"] = &AuthorizationCode{
		Code:       "abc",
		ProviderID: provider.ID,
		UserID:     "user-1",
		Scope:      []string{"email"},
		ExpiresAt:  time.Now().Add(5 * time.Minute),
	}

	r := formRequest(t, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {"abc"},
		"redirect_uri": {"https://app.example/cb"},
	})
	_, err := h.endpoint.Exchange(context.Background(), r)
	require.NoError(t, err)

	r2 := formRequest(t, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {"abc"},
		"redirect_uri": {"https://app.example/cb"},
	})
	_, err = h.endpoint.Exchange(context.Background(), r2)
	requireTokenError(t, err, ErrInvalidGrant)
}

// S3 — refresh rotation: a successful refresh revokes the old token
// and replaying it fails invalid_grant with a SUSPICIOUS_REQUEST audit
// event (invariants I2/I3).
func TestTokenEndpoint_Exchange_RefreshToken_RotatesAndDetectsReplay(t *testing.T) {
	provider := testProvider()
	app := &Application{ID: "a1", ProviderID: provider.ID}
	h := newHarness(t, provider, app)

	old := &RefreshToken{
		RefreshToken: "old-rt",
		AccessToken:  "old-at",
		ProviderID:   provider.ID,
		UserID:       "user-1",
		Scope:        []string{"a", "b"},
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	h.refresh.byToken[old.RefreshToken] = old

	r := formRequest(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"old-rt"},
		"scope":         {"a"},
	})
	tokens, err := h.endpoint.Exchange(context.Background(), r)
	require.NoError(t, err)
	require.NotEqual(t, "old-rt", tokens.RefreshToken)

	// Replaying the old token must fail and emit SUSPICIOUS_REQUEST.
	r2 := formRequest(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"old-rt"},
	})
	_, err = h.endpoint.Exchange(context.Background(), r2)
	requireTokenError(t, err, ErrInvalidGrant)
	require.True(t, h.audit.has(audit.TypeSuspiciousRequest))
}

// S4 — scope widening: requesting a scope outside the source refresh
// token's scope fails invalid_scope.
func TestTokenEndpoint_Exchange_RefreshToken_ScopeWidening_Fails(t *testing.T) {
	provider := testProvider()
	app := &Application{ID: "a1", ProviderID: provider.ID}
	h := newHarness(t, provider, app)

	h.refresh.byToken["rt"] = &RefreshToken{
		RefreshToken: "rt",
		ProviderID:   provider.ID,
		UserID:       "user-1",
		Scope:        []string{"a"},
		ExpiresAt:    time.Now().Add(time.Hour),
	}

	r := formRequest(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"rt"},
		"scope":         {"a b"},
	})
	_, err := h.endpoint.Exchange(context.Background(), r)
	requireTokenError(t, err, ErrInvalidScope)
}

// S5 — client_credentials via JWT assertion: a valid RS256 assertion
// yields a token response without a refresh_token, and an autogenerated
// user "{provider.name}-{sub}" is created.
func TestTokenEndpoint_Exchange_ClientCredentials_JWTAssertion_Success(t *testing.T) {
	provider := testProvider()
	provider.ClientType = ClientConfidential
	app := &Application{ID: "a1", ProviderID: provider.ID}
	h := newHarness(t, provider, app)

	assertionKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	provider.VerificationKeys = []VerificationKey{{ID: "vk1", Algorithm: "RS256", Public: &assertionKey.PublicKey}}

	claims := jwt.MapClaims{
		"iss": "client-1",
		"sub": "svc-account",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	assertion, err := tok.SignedString(assertionKey)
	require.NoError(t, err)

	r := formRequest(t, url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {AssertionTypeJWTBearer},
		"client_assertion":      {assertion},
		"scope":                 {"api"},
	})
	tokens, err := h.endpoint.Exchange(context.Background(), r)
	require.NoError(t, err)
	require.Empty(t, tokens.RefreshToken)
	require.NotEmpty(t, tokens.IDToken)

	_, err = h.users.GetByUsername(context.Background(), GeneratedUsername(provider.Name, "svc-account"))
	require.NoError(t, err)
}

// S6 — unknown grant_type fails unsupported_grant_type.
func TestTokenEndpoint_Exchange_UnknownGrantType_Fails(t *testing.T) {
	provider := testProvider()
	app := &Application{ID: "a1", ProviderID: provider.ID}
	h := newHarness(t, provider, app)

	r := formRequest(t, url.Values{"grant_type": {"device_code"}})
	_, err := h.endpoint.Exchange(context.Background(), r)
	requireTokenError(t, err, ErrUnsupportedGrantType)
}

// S7 — bad redirect_uri: a valid code but mismatched redirect_uri
// fails invalid_client, and the code is NOT consumed.
func TestTokenEndpoint_Exchange_AuthorizationCode_BadRedirect_Fails(t *testing.T) {
	provider := testProvider()
	app := &Application{ID: "a1", ProviderID: provider.ID}
	h := newHarness(t, provider, app)

	h.codes.byCode["abc"] = &AuthorizationCode{
		Code:       "abc",
		ProviderID: provider.ID,
		UserID:     "user-1",
		ExpiresAt:  time.Now().Add(5 * time.Minute),
	}

	r := formRequest(t, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {"abc"},
		"redirect_uri": {"https://evil/cb"},
	})
	_, err := h.endpoint.Exchange(context.Background(), r)
	requireTokenError(t, err, ErrInvalidClient)

	_, err = h.codes.Get(context.Background(), "abc")
	require.NoError(t, err, "code must still exist after a rejected exchange")
}

// PKCE: a code_challenge with no code_verifier presented is rejected
// (spec.md §9's required-PKCE redesign over the source's tolerant
// behavior).
func TestTokenEndpoint_Exchange_AuthorizationCode_PKCERequired(t *testing.T) {
	provider := testProvider()
	app := &Application{ID: "a1", ProviderID: provider.ID}
	h := newHarness(t, provider, app)

	h.codes.byCode["abc"] = &AuthorizationCode{
		Code:                "abc",
		ProviderID:          provider.ID,
		UserID:              "user-1",
		CodeChallenge:       s256Challenge("whatever"),
		CodeChallengeMethod: MethodS256,
		ExpiresAt:           time.Now().Add(5 * time.Minute),
	}

	r := formRequest(t, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {"abc"},
		"redirect_uri": {"https://app.example/cb"},
	})
	_, err := h.endpoint.Exchange(context.Background(), r)
	requireTokenError(t, err, ErrInvalidGrant)
}

// Concurrent code exchange: only one of two simultaneous exchanges of
// the same code may succeed (spec.md §5's compare-and-set guarantee).
func TestTokenEndpoint_Exchange_AuthorizationCode_ConcurrentExchangeSingleWinner(t *testing.T) {
	provider := testProvider()
	app := &Application{ID: "a1", ProviderID: provider.ID}
	h := newHarness(t, provider, app)

	h.codes.byCode["abc"] = &AuthorizationCode{
		Code:       "abc",
		ProviderID: provider.ID,
		UserID:     "user-1",
		ExpiresAt:  time.Now().Add(5 * time.Minute),
	}

	const n = 8
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := formRequest(t, url.Values{
				"grant_type":   {"authorization_code"},
				"code":         {"abc"},
				"redirect_uri": {"https://app.example/cb"},
			})
			_, err := h.endpoint.Exchange(context.Background(), r)
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	require.Equal(t, 1, count, "exactly one concurrent exchange of the same code must succeed")
}

func requireTokenError(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	te, ok := err.(*TokenError)
	require.Truef(t, ok, "expected *TokenError, got %T", err)
	require.Equal(t, code, te.Body.Code)
}

func decodeForTest(token string) (jwt.MapClaims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return parsed.Claims.(jwt.MapClaims), nil
}
