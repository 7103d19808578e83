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

// Package memory implements the oauth2 core's store interfaces entirely
// in-memory, guarded by mutexes. It backs local development and the
// end-to-end test suite; the postgres package backs production.
package memory

import (
	"context"
	"sync"

	"github.com/oidcgate/oidcgate/internal/oauth2"
)

// ProviderStore is a mutex-guarded map keyed by client_id.
type ProviderStore struct {
	mu   sync.RWMutex
	byID map[string]*oauth2.Provider
}

func NewProviderStore() *ProviderStore {
	return &ProviderStore{byID: make(map[string]*oauth2.Provider)}
}

// Put registers or replaces a provider. Test/bootstrap helper, not part
// of oauth2.ProviderStore.
func (s *ProviderStore) Put(p *oauth2.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.byID[p.ClientID] = &cp
}

func (s *ProviderStore) GetByClientID(_ context.Context, clientID string) (*oauth2.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[clientID]
	if !ok {
		return nil, oauth2.ErrProviderNotFound
	}
	cp := *p
	return &cp, nil
}

// ApplicationStore is a mutex-guarded map keyed by provider ID.
type ApplicationStore struct {
	mu           sync.RWMutex
	byProviderID map[string]*oauth2.Application
}

func NewApplicationStore() *ApplicationStore {
	return &ApplicationStore{byProviderID: make(map[string]*oauth2.Application)}
}

func (s *ApplicationStore) Put(a *oauth2.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.byProviderID[a.ProviderID] = &cp
}

func (s *ApplicationStore) GetByProviderID(_ context.Context, providerID string) (*oauth2.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byProviderID[providerID]
	if !ok {
		return nil, oauth2.ErrApplicationNotFound
	}
	cp := *a
	return &cp, nil
}

// UserStore is a mutex-guarded map keyed by the synthetic username
// derived via oauth2.GeneratedUsername, or any caller-assigned username.
type UserStore struct {
	mu         sync.Mutex
	byUsername map[string]*oauth2.User
}

func NewUserStore() *UserStore {
	return &UserStore{byUsername: make(map[string]*oauth2.User)}
}

func (s *UserStore) GetByUsername(_ context.Context, username string) (*oauth2.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byUsername[username]
	if !ok {
		return nil, oauth2.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *UserStore) Upsert(_ context.Context, user *oauth2.User) (*oauth2.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	username, _ := user.Attributes["username"].(string)
	if username == "" {
		username = user.UID
	}
	if existing, ok := s.byUsername[username]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *user
	s.byUsername[username] = &cp
	out := *user
	return &out, true, nil
}

// CodeStore is a mutex-guarded map keyed by the opaque code string.
// Consume enforces invariant I1 by deleting under the same lock it
// reads with — no other goroutine can observe the code between check
// and delete.
type CodeStore struct {
	mu     sync.Mutex
	byCode map[string]*oauth2.AuthorizationCode
}

func NewCodeStore() *CodeStore {
	return &CodeStore{byCode: make(map[string]*oauth2.AuthorizationCode)}
}

func (s *CodeStore) Put(c *oauth2.AuthorizationCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.byCode[c.Code] = &cp
}

func (s *CodeStore) Get(_ context.Context, code string) (*oauth2.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byCode[code]
	if !ok {
		return nil, oauth2.ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *CodeStore) Consume(_ context.Context, code string) (*oauth2.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byCode[code]
	if !ok {
		return nil, oauth2.ErrCodeNotFound
	}
	delete(s.byCode, code)
	return c, nil
}

// RefreshTokenStore is a mutex-guarded map keyed by the opaque refresh
// token string. Rotate enforces invariants I2/I3 under a single lock:
// revoked status is checked and flipped atomically with respect to any
// concurrent Rotate on the same token.
type RefreshTokenStore struct {
	mu      sync.Mutex
	byToken map[string]*oauth2.RefreshToken
}

func NewRefreshTokenStore() *RefreshTokenStore {
	return &RefreshTokenStore{byToken: make(map[string]*oauth2.RefreshToken)}
}

func (s *RefreshTokenStore) Get(_ context.Context, token string) (*oauth2.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.byToken[token]
	if !ok {
		return nil, oauth2.ErrTokenNotFound
	}
	cp := *rt
	return &cp, nil
}

func (s *RefreshTokenStore) Create(_ context.Context, rt *oauth2.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rt
	s.byToken[rt.RefreshToken] = &cp
	return nil
}

func (s *RefreshTokenStore) Rotate(_ context.Context, oldToken string, newRT *oauth2.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byToken[oldToken]
	if !ok {
		return oauth2.ErrTokenNotFound
	}
	if old.Revoked {
		return oauth2.ErrTokenRevoked
	}
	old.Revoked = true
	cp := *newRT
	s.byToken[newRT.RefreshToken] = &cp
	return nil
}

// AppPasswordStore is a mutex-guarded map keyed by (key, intent).
type AppPasswordStore struct {
	mu   sync.RWMutex
	byID map[string]*oauth2.AppPasswordToken
}

func NewAppPasswordStore() *AppPasswordStore {
	return &AppPasswordStore{byID: make(map[string]*oauth2.AppPasswordToken)}
}

func (s *AppPasswordStore) Put(t *oauth2.AppPasswordToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.byID[t.Key+"|"+t.Intent] = &cp
}

func (s *AppPasswordStore) Get(_ context.Context, key, intent string) (*oauth2.AppPasswordToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[key+"|"+intent]
	if !ok {
		return nil, oauth2.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

// KeyStore is a mutex-guarded map keyed by provider ID, for local
// development and tests where keys are generated once at startup
// rather than read from an encrypted column.
type KeyStore struct {
	mu   sync.RWMutex
	byID map[string]*oauth2.SigningKey
}

func NewKeyStore() *KeyStore {
	return &KeyStore{byID: make(map[string]*oauth2.SigningKey)}
}

func (s *KeyStore) Put(providerID string, key *oauth2.SigningKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[providerID] = key
}

func (s *KeyStore) SigningKey(_ context.Context, providerID string) (*oauth2.SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byID[providerID]
	if !ok {
		return nil, oauth2.ErrProviderNotFound
	}
	return k, nil
}
