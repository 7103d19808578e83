package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/oidcgate/oidcgate/internal/oauth2"
)

// CodeRepository implements oauth2.CodeStore.
type CodeRepository struct {
	db *DB
}

func NewCodeRepository(db *DB) *CodeRepository {
	return &CodeRepository{db: db}
}

func (r *CodeRepository) Create(ctx context.Context, code *oauth2.AuthorizationCode) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO authorization_codes (
			id, code, provider_id, user_id, scope, nonce, is_open_id,
			code_challenge, code_challenge_method, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		code.ID, code.Code, code.ProviderID, code.UserID, code.Scope,
		code.Nonce, code.IsOpenID, code.CodeChallenge, code.CodeChallengeMethod,
		code.ExpiresAt, code.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create authorization code: %w", err)
	}
	return nil
}

func (r *CodeRepository) Get(ctx context.Context, codeStr string) (*oauth2.AuthorizationCode, error) {
	return r.scanOne(ctx, `
		SELECT id, code, provider_id, user_id, scope, nonce, is_open_id,
			code_challenge, code_challenge_method, expires_at, created_at
		FROM authorization_codes WHERE code = $1
	`, codeStr)
}

// Consume atomically deletes the code and returns the row it deleted, so
// a concurrent exchange of the same code observes ErrCodeNotFound rather
// than a second, already-spent code — enforcing invariant I1 without a
// separate is_used flag the teacher's MarkAsUsed relied on, which left a
// read-then-write window between GetByCode and MarkAsUsed.
func (r *CodeRepository) Consume(ctx context.Context, codeStr string) (*oauth2.AuthorizationCode, error) {
	return r.scanOne(ctx, `
		DELETE FROM authorization_codes WHERE code = $1
		RETURNING id, code, provider_id, user_id, scope, nonce, is_open_id,
			code_challenge, code_challenge_method, expires_at, created_at
	`, codeStr)
}

func (r *CodeRepository) scanOne(ctx context.Context, query, codeStr string) (*oauth2.AuthorizationCode, error) {
	var c oauth2.AuthorizationCode
	err := r.db.pool.QueryRow(ctx, query, codeStr).Scan(
		&c.ID, &c.Code, &c.ProviderID, &c.UserID, &c.Scope, &c.Nonce, &c.IsOpenID,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.ExpiresAt, &c.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, oauth2.ErrCodeNotFound
		}
		return nil, fmt.Errorf("read authorization code: %w", err)
	}
	return &c, nil
}

// DeleteExpired removes codes past their lifetime. It is not called from
// the request path, and nothing in this repository schedules it.
func (r *CodeRepository) DeleteExpired(ctx context.Context) error {
	_, err := r.db.pool.Exec(ctx, `DELETE FROM authorization_codes WHERE expires_at < now()`)
	if err != nil {
		return fmt.Errorf("delete expired authorization codes: %w", err)
	}
	return nil
}
