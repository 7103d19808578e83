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

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oidcgate/oidcgate/internal/oauth2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeStore_Consume_OnlyOneWinnerUnderConcurrency(t *testing.T) {
	store := NewCodeStore()
	store.Put(&oauth2.AuthorizationCode{Code: "abc123", ExpiresAt: time.Now().Add(time.Minute)})

	const n = 16
	var wg sync.WaitGroup
	var successes int
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(context.Background(), "abc123"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)

	_, err := store.Get(context.Background(), "abc123")
	assert.ErrorIs(t, err, oauth2.ErrCodeNotFound)
}

func TestRefreshTokenStore_Rotate_RejectsReplay(t *testing.T) {
	store := NewRefreshTokenStore()
	require.NoError(t, store.Create(context.Background(), &oauth2.RefreshToken{
		RefreshToken: "old-token",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	err := store.Rotate(context.Background(), "old-token", &oauth2.RefreshToken{
		RefreshToken: "new-token",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	err = store.Rotate(context.Background(), "old-token", &oauth2.RefreshToken{
		RefreshToken: "replay-token",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, oauth2.ErrTokenRevoked)

	got, err := store.Get(context.Background(), "new-token")
	require.NoError(t, err)
	assert.False(t, got.Revoked)
}

func TestUserStore_Upsert_OnlyCreatesOnce(t *testing.T) {
	store := NewUserStore()
	u1, created1, err := store.Upsert(context.Background(), &oauth2.User{UID: "sub-1", Attributes: map[string]any{"username": "provider-sub-1"}})
	require.NoError(t, err)
	assert.True(t, created1)
	assert.Equal(t, "sub-1", u1.UID)

	u2, created2, err := store.Upsert(context.Background(), &oauth2.User{UID: "sub-1", Attributes: map[string]any{"username": "provider-sub-1"}})
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, "sub-1", u2.UID)
}
