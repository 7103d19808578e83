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
	"context"

	"github.com/oidcgate/oidcgate/internal/oauth2"
)

// StoreOriginLookup implements ProviderOriginLookup against the same
// ProviderStore the token endpoint core reads from, deriving origins
// from RedirectURIPatterns rather than requiring a separate CORS
// configuration surface.
type StoreOriginLookup struct {
	providers oauth2.ProviderStore
}

func NewStoreOriginLookup(providers oauth2.ProviderStore) *StoreOriginLookup {
	return &StoreOriginLookup{providers: providers}
}

func (l *StoreOriginLookup) OriginsForClientID(clientID string) []string {
	provider, err := l.providers.GetByClientID(context.Background(), clientID)
	if err != nil {
		return nil
	}
	var origins []string
	for _, pattern := range provider.RedirectURIPatterns {
		if origin, ok := originFromURL(pattern); ok {
			origins = append(origins, origin)
		}
	}
	return origins
}
