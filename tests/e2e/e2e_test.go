//go:build e2e

package e2e

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oidcgate/oidcgate/internal/audit"
	"github.com/oidcgate/oidcgate/internal/config"
	"github.com/oidcgate/oidcgate/internal/oauth2"
	"github.com/oidcgate/oidcgate/internal/store/memory"
	transportHTTP "github.com/oidcgate/oidcgate/internal/transport/http"
)

// testServer wires the full in-process stack (memory stores, the real
// oauth2 core, and the real chi router) behind an httptest.Server, so
// these tests exercise the actual HTTP surface spec.md §6 defines
// rather than calling TokenEndpoint.Exchange directly.
type testServer struct {
	*httptest.Server
	providers *memory.ProviderStore
	apps      *memory.ApplicationStore
	users     *memory.UserStore
	codes     *memory.CodeStore
	refresh   *memory.RefreshTokenStore
	apppw     *memory.AppPasswordStore
	keys      *memory.KeyStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	providers := memory.NewProviderStore()
	apps := memory.NewApplicationStore()
	users := memory.NewUserStore()
	codes := memory.NewCodeStore()
	refresh := memory.NewRefreshTokenStore()
	apppw := memory.NewAppPasswordStore()
	keys := memory.NewKeyStore()

	events := audit.NewSlogLogger()
	clientAuth := oauth2.NewClientAuthenticator()
	grants := oauth2.NewGrantValidator(codes, refresh, events, 512)
	policy := oauth2.NewPolicyGate(nil, events)
	assertions := oauth2.NewJwtAssertionVerifier(apps, users, nil, policy, events)
	minter := oauth2.NewTokenMinter(keys, refresh, "https://issuer.example.com", 10*time.Minute)

	endpoint := oauth2.NewTokenEndpoint(providers, apps, users, apppw, clientAuth, grants, assertions, policy, minter, events)

	originLookup := transportHTTP.NewStoreOriginLookup(providers)
	handler := transportHTTP.NewTokenHandler(endpoint, originLookup)
	rl := transportHTTP.NewRateLimiter(1000, 1000)
	router := transportHTTP.NewRouter(handler, rl, serverConfigForTest())

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{
		Server:    srv,
		providers: providers,
		apps:      apps,
		users:     users,
		codes:     codes,
		refresh:   refresh,
		apppw:     apppw,
		keys:      keys,
	}
}

func (ts *testServer) registerProvider(t *testing.T, id string) *oauth2.Provider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &oauth2.Provider{
		ID:                  id,
		ClientID:            id + "-client",
		ClientType:          oauth2.ClientPublic,
		Name:                id,
		RedirectURIPatterns: []string{`https://app\.example/cb`},
		TokenValidity:       10 * time.Minute,
		SigningAlgorithm:    "RS256",
	}
	ts.providers.Put(p)
	ts.apps.Put(&oauth2.Application{ID: id + "-app", ProviderID: id, Name: id})
	ts.keys.Put(id, &oauth2.SigningKey{KeyID: id + "-key", Algorithm: "RS256", Signer: key})
	return p
}

func (ts *testServer) tokenRequest(t *testing.T, values url.Values) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.PostForm(ts.URL+"/token", values)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestE2E_AuthorizationCode_PKCE_Success(t *testing.T) {
	ts := newTestServer(t)
	provider := ts.registerProvider(t, "p1")

	verifier := "a-sufficiently-long-code-verifier-value"
	ts.codes.Put(&oauth2.AuthorizationCode{
		Code:                "auth-code-1",
		ProviderID:          provider.ID,
		UserID:              "user-1",
		Scope:               []string{"openid", "profile"},
		IsOpenID:            true,
		CodeChallenge:       s256Challenge(verifier),
		CodeChallengeMethod: oauth2.MethodS256,
		ExpiresAt:           time.Now().Add(5 * time.Minute),
	})

	resp, body := ts.tokenRequest(t, url.Values{
		"grant_type":    {oauth2.GrantAuthorizationCode},
		"client_id":     {provider.ClientID},
		"code":          {"auth-code-1"},
		"redirect_uri":  {"https://app.example/cb"},
		"code_verifier": {verifier},
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["refresh_token"])
	assert.NotEmpty(t, body["id_token"])
	assert.Equal(t, "bearer", body["token_type"])
}

func TestE2E_AuthorizationCode_ReusedCode_Fails(t *testing.T) {
	ts := newTestServer(t)
	provider := ts.registerProvider(t, "p2")

	ts.codes.Put(&oauth2.AuthorizationCode{
		Code:         "auth-code-2",
		ProviderID:   provider.ID,
		UserID:       "user-1",
		Scope:        []string{"profile"},
		ExpiresAt:    time.Now().Add(5 * time.Minute),
	})

	values := url.Values{
		"grant_type":   {oauth2.GrantAuthorizationCode},
		"client_id":    {provider.ClientID},
		"code":         {"auth-code-2"},
		"redirect_uri": {"https://app.example/cb"},
	}

	first, _ := ts.tokenRequest(t, values)
	require.Equal(t, http.StatusOK, first.StatusCode)

	second, body := ts.tokenRequest(t, values)
	assert.Equal(t, http.StatusBadRequest, second.StatusCode)
	assert.Equal(t, oauth2.ErrInvalidGrant, body["error"])
}

func TestE2E_RefreshToken_RotatesAndRejectsReplay(t *testing.T) {
	ts := newTestServer(t)
	provider := ts.registerProvider(t, "p3")

	require.NoError(t, ts.refresh.Create(context.Background(), &oauth2.RefreshToken{
		RefreshToken: "initial-refresh",
		AccessToken:  "initial-access",
		ProviderID:   provider.ID,
		UserID:       "user-1",
		Scope:        []string{"profile"},
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	first, body := ts.tokenRequest(t, url.Values{
		"grant_type":    {oauth2.GrantRefreshToken},
		"client_id":     {provider.ClientID},
		"refresh_token": {"initial-refresh"},
	})
	require.Equal(t, http.StatusOK, first.StatusCode)
	assert.NotEmpty(t, body["refresh_token"])
	assert.NotEqual(t, "initial-refresh", body["refresh_token"])

	replay, replayBody := ts.tokenRequest(t, url.Values{
		"grant_type":    {oauth2.GrantRefreshToken},
		"client_id":     {provider.ClientID},
		"refresh_token": {"initial-refresh"},
	})
	assert.Equal(t, http.StatusBadRequest, replay.StatusCode)
	assert.Equal(t, oauth2.ErrInvalidGrant, replayBody["error"])
}

func TestE2E_ClientCredentials_AppPassword_Success(t *testing.T) {
	ts := newTestServer(t)
	provider := ts.registerProvider(t, "p4")

	_, _, err := ts.users.Upsert(context.Background(), &oauth2.User{
		UID:        "user-42",
		Attributes: map[string]any{"username": "svc-account"},
	})
	require.NoError(t, err)
	ts.apppw.Put(&oauth2.AppPasswordToken{Key: "app-pw-1", Intent: oauth2.IntentAppPassword, UserID: "user-42"})

	resp, body := ts.tokenRequest(t, url.Values{
		"grant_type": {oauth2.GrantClientCredentials},
		"client_id":  {provider.ClientID},
		"username":   {"svc-account"},
		"password":   {"app-pw-1"},
		"scope":      {"openid"},
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["access_token"])
	assert.Empty(t, body["refresh_token"])
	assert.NotEmpty(t, body["id_token"])
}

func TestE2E_UnsupportedGrantType_Fails(t *testing.T) {
	ts := newTestServer(t)
	provider := ts.registerProvider(t, "p5")

	resp, body := ts.tokenRequest(t, url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:device_code"},
		"client_id":  {provider.ClientID},
	})

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, oauth2.ErrUnsupportedGrantType, body["error"])
}

func TestE2E_OptionsPreflight_MirrorsConfiguredOrigin(t *testing.T) {
	ts := newTestServer(t)
	provider := ts.registerProvider(t, "p6")

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/token?client_id="+provider.ClientID, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Empty(t, payload)
}

func serverConfigForTest() config.ServerConfig {
	return config.ServerConfig{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}
