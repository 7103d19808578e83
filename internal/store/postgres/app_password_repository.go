package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oidcgate/oidcgate/internal/oauth2"
)

// AppPasswordRepository implements oauth2.AppPasswordStore.
type AppPasswordRepository struct {
	db *DB
}

func NewAppPasswordRepository(db *DB) *AppPasswordRepository {
	return &AppPasswordRepository{db: db}
}

func (r *AppPasswordRepository) Get(ctx context.Context, key, intent string) (*oauth2.AppPasswordToken, error) {
	var t oauth2.AppPasswordToken
	var expiresAt *time.Time
	err := r.db.pool.QueryRow(ctx, `
		SELECT key, intent, user_id, expires_at FROM app_password_tokens
		WHERE key = $1 AND intent = $2
	`, key, intent).Scan(&t.Key, &t.Intent, &t.UserID, &expiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, oauth2.ErrTokenNotFound
		}
		return nil, fmt.Errorf("get app password token: %w", err)
	}
	if expiresAt != nil {
		t.ExpiresAt = *expiresAt
	}
	return &t, nil
}
