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

package http

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/oidcgate/oidcgate/internal/oauth2"
	"github.com/oidcgate/oidcgate/internal/observability/logger"
)

// TokenHandler exposes the token endpoint core over HTTP: POST to
// exchange a grant, OPTIONS for CORS preflight.
type TokenHandler struct {
	endpoint *oauth2.TokenEndpoint
	// providerOrigins resolves a client_id to the origins its redirect
	// URIs live on, for per-request CORS mirroring. Populated by the
	// caller (cmd/server) from the same ProviderStore the endpoint uses.
	providerOrigins ProviderOriginLookup
}

// ProviderOriginLookup resolves the CORS-allowed origins for a client,
// decoupling the handler from any particular ProviderStore
// implementation.
type ProviderOriginLookup interface {
	OriginsForClientID(clientID string) []string
}

func NewTokenHandler(endpoint *oauth2.TokenEndpoint, origins ProviderOriginLookup) *TokenHandler {
	return &TokenHandler{endpoint: endpoint, providerOrigins: origins}
}

// tokenResponse is the RFC 6749 §5.1 success body; MintedTokens carries
// the same data untagged since the oauth2 core has no HTTP concerns.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (h *TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.applyCORS(w, r)

	if r.Method == http.MethodOptions {
		respondJSON(w, http.StatusOK, struct{}{})
		return
	}
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "malformed form body")
		return
	}

	tokens, err := h.endpoint.Exchange(r.Context(), r)
	if err != nil {
		h.respondOAuthError(r, w, err)
		return
	}

	respondJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    tokens.ExpiresIn,
		IDToken:      tokens.IDToken,
		Scope:        strings.Join(tokens.Scope, " "),
	})
}

// respondOAuthError maps the core's error taxonomy (spec.md §7) onto
// the HTTP status codes the endpoint contract requires: server_error
// -> 500, every other TokenError (invalid_client included) -> 400. A UserAuthError
// maps to 403 even though no validation path in this core constructs
// one today (see DESIGN.md).
func (h *TokenHandler) respondOAuthError(r *http.Request, w http.ResponseWriter, err error) {
	var tokenErr *oauth2.TokenError
	if errors.As(err, &tokenErr) {
		status := http.StatusBadRequest
		switch tokenErr.Body.Code {
		case oauth2.ErrServerError:
			status = http.StatusInternalServerError
		}
		if status == http.StatusInternalServerError {
			slog.ErrorContext(r.Context(), "token exchange failed",
				logger.GrantType(r.PostFormValue("grant_type")),
				logger.ClientID(r.PostFormValue("client_id")),
				logger.Error(err))
		}
		respondJSON(w, status, tokenErr.Body)
		return
	}

	var authErr *oauth2.UserAuthError
	if errors.As(err, &authErr) {
		respondJSON(w, http.StatusForbidden, authErr.Body)
		return
	}

	slog.ErrorContext(r.Context(), "unclassified token exchange error",
		logger.GrantType(r.PostFormValue("grant_type")),
		logger.Error(err))
	respondJSON(w, http.StatusInternalServerError, &oauth2.Error{
		Code:        oauth2.ErrServerError,
		Description: "internal server error",
	})
}

// applyCORS mirrors the request Origin back only when it matches one of
// the client's configured redirect URI origins (spec.md §6); an
// unrecognized client_id or a request without Origin gets no CORS
// headers at all, which browsers treat as same-origin-only.
func (h *TokenHandler) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || h.providerOrigins == nil {
		return
	}

	clientID := r.FormValue("client_id")
	if clientID == "" {
		if u, p, ok := r.BasicAuth(); ok {
			clientID, _ = u, p // client_secret in p is irrelevant for origin lookup
		}
	}
	if clientID == "" {
		return
	}

	for _, allowed := range h.providerOrigins.OriginsForClientID(clientID) {
		if allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			return
		}
	}
}

// originFromURL extracts the scheme://host[:port] origin component of
// a redirect URI pattern. RedirectURIPatterns are matched as regex by
// grant.go (spec.md §4.2: "^https://app\\.example/cb$"), so the raw
// pattern is not itself a parseable URL: strip the `^`/`$` anchors and
// the backslash-escapes regex patterns use for literal dots before
// parsing, then skip anything that still isn't a well-formed origin (a
// provider's patterns in actual use are concrete URIs a browser can
// originate from, just regex-escaped).
func originFromURL(raw string) (string, bool) {
	pattern := strings.TrimPrefix(raw, "^")
	pattern = strings.TrimSuffix(pattern, "$")
	pattern = strings.ReplaceAll(pattern, `\`, "")

	u, err := url.Parse(pattern)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}
