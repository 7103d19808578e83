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
	"net/http"
	"net/url"
	"strings"
)

// ClientCredentials is the (client_id, client_secret) pair extracted
// from a token request, plus the raw JWT-assertion fields passed
// through untouched for JwtAssertionVerifier (spec.md §4.1).
type ClientCredentials struct {
	ClientID            string
	ClientSecret        string
	ClientAssertion     string
	ClientAssertionType string
}

// ClientAuthenticator extracts and verifies the client credentials
// presented on a token request.
type ClientAuthenticator struct{}

// NewClientAuthenticator constructs a ClientAuthenticator. It carries
// no state; credential verification is pure given a resolved Provider.
func NewClientAuthenticator() *ClientAuthenticator {
	return &ClientAuthenticator{}
}

// Extract reads client credentials off the request: HTTP Basic first,
// then form fields (spec.md §4.1 order 1/2).
func (a *ClientAuthenticator) Extract(r *http.Request) ClientCredentials {
	creds := ClientCredentials{
		ClientAssertion:     r.PostFormValue("client_assertion"),
		ClientAssertionType: r.PostFormValue("client_assertion_type"),
	}

	if user, pass, ok := basicAuth(r); ok {
		creds.ClientID = user
		creds.ClientSecret = pass
		return creds
	}

	creds.ClientID = r.PostFormValue("client_id")
	creds.ClientSecret = r.PostFormValue("client_secret")
	return creds
}

// basicAuth is a thin wrapper around http.Request.BasicAuth that also
// URL-decodes the historical `Authorization: Basic <base64(id:secret)>`
// form some clients still percent-encode the colon-separated pair
// into, matching the "URL-decoded" language of spec.md §4.1.
func basicAuth(r *http.Request) (string, string, bool) {
	id, secret, ok := r.BasicAuth()
	if !ok {
		return "", "", false
	}
	if decodedID, err := decodeIfEscaped(id); err == nil {
		id = decodedID
	}
	if decodedSecret, err := decodeIfEscaped(secret); err == nil {
		secret = decodedSecret
	}
	return id, secret, true
}

func decodeIfEscaped(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	return url.QueryUnescape(s)
}

// Authenticate verifies creds against provider, performing the secret
// comparison only when the provider is confidential and the grant is
// one that requires it (spec.md §4.1). PUBLIC providers, and grants
// outside {authorization_code, refresh_token}, are exempt here —
// client_credentials/password/JWT-assertion branches authenticate via
// a different mechanism entirely.
func (a *ClientAuthenticator) Authenticate(provider *Provider, creds ClientCredentials, grantType string) error {
	if provider.ClientType != ClientConfidential {
		return nil
	}
	if grantType != "authorization_code" && grantType != "refresh_token" {
		return nil
	}
	if !VerifySecret(creds.ClientSecret, provider.ClientSecretHash) {
		return NewTokenError(ErrInvalidClient, "invalid client credentials")
	}
	return nil
}
