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
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"github.com/google/uuid"
)

// newID returns an opaque, internally-unique identifier for a newly
// created RefreshToken record.
func newID() string {
	return uuid.NewString()
}

// generateOpaqueToken returns a cryptographically random opaque string
// suitable for an access_token, refresh_token, or authorization code.
func generateOpaqueToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failing is a fatal entropy failure, not a handleable error
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// constantTimeEqual compares two strings without leaking timing
// information about where they first differ (spec.md §9).
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// atHash computes I5: BASE64URL(leftmost_half(SHA-256(accessToken))).
func atHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
