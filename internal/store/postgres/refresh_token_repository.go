package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/oidcgate/oidcgate/internal/oauth2"
)

// RefreshTokenRepository implements oauth2.RefreshTokenStore.
type RefreshTokenRepository struct {
	db *DB
}

func NewRefreshTokenRepository(db *DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

func (r *RefreshTokenRepository) Get(ctx context.Context, token string) (*oauth2.RefreshToken, error) {
	var rt oauth2.RefreshToken
	err := r.db.pool.QueryRow(ctx, `
		SELECT id, refresh_token, access_token, provider_id, user_id, scope,
			id_token_ref, at_hash, expires_at, revoked, created_at
		FROM refresh_tokens WHERE refresh_token = $1
	`, token).Scan(
		&rt.ID, &rt.RefreshToken, &rt.AccessToken, &rt.ProviderID, &rt.UserID,
		&rt.Scope, &rt.IDTokenRef, &rt.ATHash, &rt.ExpiresAt, &rt.Revoked, &rt.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, oauth2.ErrTokenNotFound
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return &rt, nil
}

func (r *RefreshTokenRepository) Create(ctx context.Context, rt *oauth2.RefreshToken) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO refresh_tokens (
			id, refresh_token, access_token, provider_id, user_id, scope,
			id_token_ref, at_hash, expires_at, revoked, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		rt.ID, rt.RefreshToken, rt.AccessToken, rt.ProviderID, rt.UserID, rt.Scope,
		rt.IDTokenRef, rt.ATHash, rt.ExpiresAt, rt.Revoked, rt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// Rotate runs the revoke-old/insert-new pair inside one transaction, and
// gates the UPDATE on revoked = false so a second, concurrent Rotate of
// the same oldToken affects zero rows and fails with ErrTokenRevoked —
// enforcing invariants I2/I3 the same way memory.RefreshTokenStore does
// under its mutex, without needing row-level locking hints.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldToken string, newRT *oauth2.RefreshToken) error {
	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rotate transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE refresh_tokens SET revoked = true
		WHERE refresh_token = $1 AND revoked = false
	`, oldToken)
	if err != nil {
		return fmt.Errorf("revoke old refresh token: %w", err)
	}
	if result.RowsAffected() == 0 {
		exists, existsErr := tokenExists(ctx, tx, oldToken)
		if existsErr != nil {
			return existsErr
		}
		if !exists {
			return oauth2.ErrTokenNotFound
		}
		return oauth2.ErrTokenRevoked
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO refresh_tokens (
			id, refresh_token, access_token, provider_id, user_id, scope,
			id_token_ref, at_hash, expires_at, revoked, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		newRT.ID, newRT.RefreshToken, newRT.AccessToken, newRT.ProviderID, newRT.UserID, newRT.Scope,
		newRT.IDTokenRef, newRT.ATHash, newRT.ExpiresAt, newRT.Revoked, newRT.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rotated refresh token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rotate transaction: %w", err)
	}
	return nil
}

func tokenExists(ctx context.Context, tx pgx.Tx, token string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM refresh_tokens WHERE refresh_token = $1)`, token).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check refresh token existence: %w", err)
	}
	return exists, nil
}
