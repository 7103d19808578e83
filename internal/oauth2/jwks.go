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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
)

// HTTPJWKSource fetches and caches the JWKS document published at each
// of a provider's jwks_sources, refreshing an entry at most once per
// ttl and coalescing concurrent cache misses for the same source
// (spec.md §4.3: "jwks_sources SHOULD be cached with a TTL").
type HTTPJWKSource struct {
	client *http.Client
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]jwksCacheEntry
	group   singleflight.Group
}

type jwksCacheEntry struct {
	keys      []JWK
	fetchedAt time.Time
}

// NewHTTPJWKSource constructs an HTTPJWKSource. A nil client gets a
// 10s-timeout default; ttl<=0 selects a 10-minute default.
func NewHTTPJWKSource(client *http.Client, ttl time.Duration) *HTTPJWKSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &HTTPJWKSource{client: client, ttl: ttl, entries: make(map[string]jwksCacheEntry)}
}

// Keys implements JWKSource. sourceID is the provider-configured URL
// of the JWKS document.
func (s *HTTPJWKSource) Keys(ctx context.Context, sourceID string) ([]JWK, error) {
	s.mu.RLock()
	entry, cached := s.entries[sourceID]
	s.mu.RUnlock()

	if cached && time.Since(entry.fetchedAt) < s.ttl {
		return entry.keys, nil
	}

	v, err, _ := s.group.Do(sourceID, func() (any, error) {
		return s.fetch(ctx, sourceID)
	})
	if err != nil {
		if cached {
			// A stale cache entry beats a hard failure on a transient
			// fetch error against an otherwise-trusted source.
			return entry.keys, nil
		}
		return nil, err
	}
	return v.([]JWK), nil
}

func (s *HTTPJWKSource) fetch(ctx context.Context, sourceID string) ([]JWK, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceID, nil)
	if err != nil {
		return nil, fmt.Errorf("jwks: build request for %s: %w", sourceID, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks: fetch %s: %w", sourceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks: fetch %s: unexpected status %d", sourceID, resp.StatusCode)
	}

	var doc jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("jwks: decode %s: %w", sourceID, err)
	}

	keys := make([]JWK, 0, len(doc.Keys))
	for _, k := range doc.Keys {
		if !k.Valid() || (k.Use != "" && k.Use != "sig") {
			continue
		}
		keys = append(keys, JWK{KeyID: k.KeyID, Algorithm: k.Algorithm, Public: k.Key})
	}

	s.mu.Lock()
	s.entries[sourceID] = jwksCacheEntry{keys: keys, fetchedAt: time.Now()}
	s.mu.Unlock()

	return keys, nil
}
