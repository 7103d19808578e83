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
	"errors"
	"fmt"
)

// Error is a protocol-level OAuth2 error body (RFC 6749 §5.2).
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	State       string `json:"state,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("oauth2 error: %s (%s)", e.Code, e.Description)
}

// WithState attaches a state parameter to the error. The token leg of
// RFC 6749 §4.1.2.1 does not define `state` on error responses — this
// exists for a caller that wants to echo it anyway and is not exercised
// by POST /token itself.
func (e *Error) WithState(state string) *Error {
	e.State = state
	return e
}

// OAuth2 standard error codes (RFC 6749 §5.2).
const (
	ErrInvalidRequest       = "invalid_request"
	ErrInvalidClient        = "invalid_client"
	ErrInvalidGrant         = "invalid_grant"
	ErrUnauthorizedClient   = "unauthorized_client"
	ErrUnsupportedGrantType = "unsupported_grant_type"
	ErrInvalidScope         = "invalid_scope"
	ErrServerError          = "server_error"
)

// TokenError is any of the ClientAuth / GrantValidation / ScopeWidening
// / UnknownGrant / InternalConsistency error kinds of spec.md §7. The
// endpoint boundary maps it to HTTP 400, except server_error, which
// maps to HTTP 500.
type TokenError struct {
	Body *Error
}

func (e *TokenError) Error() string { return e.Body.Error() }

// UserAuthError is a distinct error kind mapped to HTTP 403. No
// validation path in this core constructs one today — see DESIGN.md —
// it is kept for taxonomic completeness with spec.md §4.6.1.
type UserAuthError struct {
	Body *Error
}

func (e *UserAuthError) Error() string { return e.Body.Error() }

// NewTokenError builds a TokenError carrying the given RFC 6749 error
// code and description.
func NewTokenError(code, description string) *TokenError {
	return &TokenError{Body: &Error{Code: code, Description: description}}
}

// NewUserAuthError builds a UserAuthError.
func NewUserAuthError(code, description string) *UserAuthError {
	return &UserAuthError{Body: &Error{Code: code, Description: description}}
}

// Domain errors returned by store implementations and checked by the
// core's validation branches.
var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrApplicationNotFound = errors.New("application not found")
	ErrCodeNotFound        = errors.New("authorization code not found")
	ErrTokenNotFound       = errors.New("token not found")
	ErrTokenRevoked        = errors.New("refresh token revoked")
	ErrUserNotFound        = errors.New("user not found")
)
