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
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/oidcgate/oidcgate/internal/audit"
)

// Recognized grant_type values (spec.md §4.2).
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
	GrantPassword          = "password"
)

// TokenParams is a tagged sum over the four grant branches rather than
// a wide record of optional fields, per spec.md §9's dispatch-table
// design note: at most one of AuthorizationCode / RefreshToken /
// ClientCredentials is set, selected by GrantType.
type TokenParams struct {
	GrantType string
	State     string
	Scope     []string

	AuthorizationCode *AuthorizationCodeParams
	RefreshToken      *RefreshTokenParams
	ClientCredentials *ClientCredentialsParams
}

// AuthorizationCodeParams is the parsed+validated authorization_code
// branch. Record is the resolved AuthorizationCode the code response
// builder consumes.
type AuthorizationCodeParams struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
	Record       *AuthorizationCode
}

// RefreshTokenParams is the parsed+validated refresh_token branch.
type RefreshTokenParams struct {
	Token  string
	Record *RefreshToken
}

// ClientCredentialsParams carries both the RFC 7523 assertion fields
// and the username/password fallback; exactly one sub-path applies
// (spec.md §4.2: "If client_assertion_type is non-empty, delegate to
// §4.3. Else authenticate by username/password").
type ClientCredentialsParams struct {
	Assertion     string
	AssertionType string
	Username      string
	Password      string
}

// GrantValidator implements spec.md §4.2: per-grant input parsing,
// invariant checks, PKCE, and code/refresh lookup and expiry.
type GrantValidator struct {
	codes    CodeStore
	refresh  RefreshTokenStore
	events   audit.Logger
	patterns *redirectPatternCache
}

// NewGrantValidator constructs a GrantValidator. cacheSize bounds the
// compiled-redirect-pattern cache (spec.md §9); 0 selects a sane
// default.
func NewGrantValidator(codes CodeStore, refresh RefreshTokenStore, events audit.Logger, cacheSize int) *GrantValidator {
	return &GrantValidator{
		codes:    codes,
		refresh:  refresh,
		events:   events,
		patterns: newRedirectPatternCache(cacheSize),
	}
}

// Parse extracts and validates the grant-specific parameters for an
// already-authenticated request against provider.
func (v *GrantValidator) Parse(ctx context.Context, r *http.Request, provider *Provider) (*TokenParams, error) {
	grantType := r.PostFormValue("grant_type")
	params := &TokenParams{
		GrantType: grantType,
		State:     r.PostFormValue("state"),
		Scope:     splitScope(r.PostFormValue("scope")),
	}

	switch grantType {
	case GrantAuthorizationCode:
		ac, err := v.parseAuthorizationCode(ctx, r, provider)
		if err != nil {
			return nil, err
		}
		params.AuthorizationCode = ac
	case GrantRefreshToken:
		rt, err := v.parseRefreshToken(ctx, r, provider)
		if err != nil {
			return nil, err
		}
		params.RefreshToken = rt
	case GrantClientCredentials, GrantPassword:
		params.ClientCredentials = &ClientCredentialsParams{
			Assertion:     r.PostFormValue("client_assertion"),
			AssertionType: r.PostFormValue("client_assertion_type"),
			Username:      r.PostFormValue("username"),
			Password:      r.PostFormValue("password"),
		}
	default:
		return nil, NewTokenError(ErrUnsupportedGrantType, "unsupported grant_type: "+grantType)
	}

	return params, nil
}

func (v *GrantValidator) parseAuthorizationCode(ctx context.Context, r *http.Request, provider *Provider) (*AuthorizationCodeParams, error) {
	code := r.PostFormValue("code")
	if code == "" {
		return nil, NewTokenError(ErrInvalidGrant, "missing code")
	}

	rec, err := v.codes.Get(ctx, code)
	if err != nil {
		return nil, NewTokenError(ErrInvalidGrant, "authorization code not found")
	}
	if rec.Expired() || rec.ProviderID != provider.ID {
		return nil, NewTokenError(ErrInvalidGrant, "authorization code expired or not issued to this client")
	}

	redirectURI := strings.ToLower(r.PostFormValue("redirect_uri"))
	if err := v.matchRedirectURI(ctx, provider, redirectURI); err != nil {
		return nil, err
	}

	verifier := r.PostFormValue("code_verifier")
	if err := validatePKCE(rec, verifier); err != nil {
		return nil, err
	}

	return &AuthorizationCodeParams{
		Code:         code,
		RedirectURI:  redirectURI,
		CodeVerifier: verifier,
		Record:       rec,
	}, nil
}

func (v *GrantValidator) parseRefreshToken(ctx context.Context, r *http.Request, provider *Provider) (*RefreshTokenParams, error) {
	token := r.PostFormValue("refresh_token")
	if token == "" {
		return nil, NewTokenError(ErrInvalidGrant, "missing refresh_token")
	}

	rec, err := v.refresh.Get(ctx, token)
	if err != nil {
		return nil, NewTokenError(ErrInvalidGrant, "refresh token not found")
	}
	if rec.ProviderID != provider.ID || rec.Expired() {
		return nil, NewTokenError(ErrInvalidGrant, "refresh token expired or not issued to this client")
	}
	if rec.Revoked {
		// Invariant I3: a revoked refresh token presented again MUST
		// emit SUSPICIOUS_REQUEST even though the request also fails.
		v.events.Log(ctx, audit.Event{
			Type:     audit.TypeSuspiciousRequest,
			Resource: audit.ResourceToken,
			Metadata: map[string]any{
				"provider_id": provider.ID,
				"reason":      "revoked refresh token replay",
			},
		})
		return nil, NewTokenError(ErrInvalidGrant, "refresh token revoked")
	}

	return &RefreshTokenParams{Token: token, Record: rec}, nil
}

// validatePKCE recomputes the code_challenge from code_verifier and
// compares it in constant time (RFC 7636 §4.6). A challenge set with
// no verifier presented is rejected — the required-PKCE redesign of
// spec.md §9 over the source's tolerant behavior.
func validatePKCE(rec *AuthorizationCode, verifier string) error {
	if rec.CodeChallenge == "" {
		return nil
	}
	if verifier == "" {
		return NewTokenError(ErrInvalidGrant, "code_verifier required for this authorization code")
	}

	var challenge string
	switch rec.CodeChallengeMethod {
	case MethodS256:
		sum := sha256.Sum256([]byte(verifier))
		challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	default: // "plain" or unset
		challenge = verifier
	}

	if !constantTimeEqual(challenge, rec.CodeChallenge) {
		return NewTokenError(ErrInvalidGrant, "code_verifier does not match code_challenge")
	}
	return nil
}

// matchRedirectURI treats each configured pattern as a regular
// expression the supplied redirect_uri must fully match at least one
// of (spec.md §4.2). A malformed pattern surfaces as invalid_client
// with a CONFIGURATION_ERROR audit event rather than an internal
// error (spec.md §9).
func (v *GrantValidator) matchRedirectURI(ctx context.Context, provider *Provider, redirectURI string) error {
	if len(provider.RedirectURIPatterns) == 0 {
		return NewTokenError(ErrInvalidClient, "no redirect_uri patterns configured")
	}

	for _, pattern := range provider.RedirectURIPatterns {
		re, err := v.patterns.compile(provider.ID, pattern)
		if err != nil {
			v.events.Log(ctx, audit.Event{
				Type:     audit.TypeConfigurationError,
				Resource: audit.ResourceProvider,
				Metadata: map[string]any{
					"provider_id": provider.ID,
					"pattern":     pattern,
					"error":       err.Error(),
				},
			})
			return NewTokenError(ErrInvalidClient, "malformed redirect_uri pattern")
		}
		if re.MatchString(redirectURI) {
			return nil
		}
	}
	return NewTokenError(ErrInvalidClient, "redirect_uri does not match any configured pattern")
}

// redirectPatternCache compiles each provider's redirect_uri patterns
// once and bounds total memory with an LRU-ish eviction (spec.md §9:
// "Compile patterns once per provider with a bounded cache").
type redirectPatternCache struct {
	mu    sync.Mutex
	size  int
	cache map[string]*regexp.Regexp
	order []string
}

func newRedirectPatternCache(size int) *redirectPatternCache {
	if size <= 0 {
		size = 512
	}
	return &redirectPatternCache{size: size, cache: make(map[string]*regexp.Regexp)}
}

func (c *redirectPatternCache) compile(providerID, pattern string) (*regexp.Regexp, error) {
	key := providerID + "\x00" + pattern

	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.cache[key]; ok {
		return re, nil
	}

	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, err
	}

	if len(c.order) >= c.size {
		delete(c.cache, c.order[0])
		c.order = c.order[1:]
	}
	c.cache[key] = re
	c.order = append(c.order, key)
	return re, nil
}

// splitScope implements the whitespace-list parsing spec.md §6 and §3
// describe for the `scope` form field.
func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}

// scopeSubset reports whether issued is a subset of source — invariant
// I4 / testable property 3 (scope monotonicity).
func scopeSubset(issued, source []string) bool {
	allowed := make(map[string]struct{}, len(source))
	for _, s := range source {
		allowed[s] = struct{}{}
	}
	for _, s := range issued {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}

// grantEvalContext builds the PolicyGate evaluation context spec.md
// §4.4 defines for the authorization_code/refresh_token/
// client_credentials/password branches.
func grantEvalContext(params *TokenParams) map[string]any {
	evalCtx := map[string]any{
		"oauth_scopes":     params.Scope,
		"oauth_grant_type": params.GrantType,
	}
	if params.AuthorizationCode != nil {
		evalCtx["oauth_code_verifier"] = params.AuthorizationCode.CodeVerifier
	}
	return evalCtx
}

// containsScope reports whether scope includes target.
func containsScope(scope []string, target string) bool {
	for _, s := range scope {
		if s == target {
			return true
		}
	}
	return false
}
