package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/oidcgate/oidcgate/internal/oauth2"
)

// UserRepository implements oauth2.UserStore.
type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*oauth2.User, error) {
	var u oauth2.User
	var attrsJSON []byte
	err := r.db.pool.QueryRow(ctx, `
		SELECT uid, attributes FROM users WHERE username = $1
	`, username).Scan(&u.UID, &attrsJSON)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, oauth2.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by username: %w", err)
	}
	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &u.Attributes); err != nil {
			return nil, fmt.Errorf("decode user attributes: %w", err)
		}
	}
	return &u, nil
}

// Upsert inserts the user if its username is unseen, relying on the
// username UNIQUE constraint plus ON CONFLICT DO NOTHING to make the
// insert-or-noop atomic under concurrent JWT-assertion exchanges for the
// same subject. The returned created flag drives whether the caller
// persists spec.md §4.3's one-time EXPIRES attribute.
func (r *UserRepository) Upsert(ctx context.Context, user *oauth2.User) (*oauth2.User, bool, error) {
	username, _ := user.Attributes["username"].(string)
	if username == "" {
		username = user.UID
	}
	attrsJSON, err := json.Marshal(user.Attributes)
	if err != nil {
		return nil, false, fmt.Errorf("encode user attributes: %w", err)
	}

	var insertedUID string
	err = r.db.pool.QueryRow(ctx, `
		INSERT INTO users (uid, username, attributes)
		VALUES ($1, $2, $3)
		ON CONFLICT (username) DO NOTHING
		RETURNING uid
	`, user.UID, username, attrsJSON).Scan(&insertedUID)
	if err == nil {
		out := *user
		return &out, true, nil
	}
	if err != pgx.ErrNoRows {
		return nil, false, fmt.Errorf("upsert user: %w", err)
	}

	existing, getErr := r.GetByUsername(ctx, username)
	if getErr != nil {
		return nil, false, fmt.Errorf("read back existing user: %w", getErr)
	}
	return existing, false, nil
}
