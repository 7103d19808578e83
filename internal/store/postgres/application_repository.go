package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/oidcgate/oidcgate/internal/oauth2"
)

// ApplicationRepository implements oauth2.ApplicationStore.
type ApplicationRepository struct {
	db *DB
}

func NewApplicationRepository(db *DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

func (r *ApplicationRepository) GetByProviderID(ctx context.Context, providerID string) (*oauth2.Application, error) {
	var a oauth2.Application
	err := r.db.pool.QueryRow(ctx, `
		SELECT id, provider_id, name FROM applications WHERE provider_id = $1
	`, providerID).Scan(&a.ID, &a.ProviderID, &a.Name)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, oauth2.ErrApplicationNotFound
		}
		return nil, fmt.Errorf("get application by provider id: %w", err)
	}
	return &a, nil
}
