package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oidcgate/oidcgate/internal/oauth2"
)

// ProviderRepository implements oauth2.ProviderStore.
type ProviderRepository struct {
	db *DB
}

func NewProviderRepository(db *DB) *ProviderRepository {
	return &ProviderRepository{db: db}
}

type verificationKeyRow struct {
	ID        string `json:"id"`
	Algorithm string `json:"algorithm"`
	PublicPEM string `json:"public_pem"`
}

// GetByClientID resolves a provider by its public client_id. Verification
// keys are stored as JSON-encoded PEM blocks and are parsed into
// crypto.PublicKey values here, at read time, with parsePublicKeyPEM.
func (r *ProviderRepository) GetByClientID(ctx context.Context, clientID string) (*oauth2.Provider, error) {
	var p oauth2.Provider
	var redirectPatterns string
	var tokenValiditySeconds int64
	var verificationKeysJSON []byte

	err := r.db.pool.QueryRow(ctx, `
		SELECT id, client_id, client_secret_hash, client_type, name,
			redirect_uri_patterns, token_validity_seconds, signing_algorithm,
			verification_keys, jwks_sources
		FROM providers
		WHERE client_id = $1
	`, clientID).Scan(
		&p.ID, &p.ClientID, &p.ClientSecretHash, &p.ClientType, &p.Name,
		&redirectPatterns, &tokenValiditySeconds, &p.SigningAlgorithm,
		&verificationKeysJSON, &p.JWKSSources,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, oauth2.ErrProviderNotFound
		}
		return nil, fmt.Errorf("get provider by client id: %w", err)
	}

	if redirectPatterns != "" {
		p.RedirectURIPatterns = strings.Split(redirectPatterns, "\n")
	}
	p.TokenValidity = time.Duration(tokenValiditySeconds) * time.Second

	var rows []verificationKeyRow
	if len(verificationKeysJSON) > 0 {
		if err := json.Unmarshal(verificationKeysJSON, &rows); err != nil {
			return nil, fmt.Errorf("decode verification keys: %w", err)
		}
	}
	for _, row := range rows {
		pub, err := parsePublicKeyPEM(row.PublicPEM)
		if err != nil {
			return nil, fmt.Errorf("parse verification key %s: %w", row.ID, err)
		}
		p.VerificationKeys = append(p.VerificationKeys, oauth2.VerificationKey{
			ID:        row.ID,
			Algorithm: row.Algorithm,
			Public:    pub,
		})
	}

	return &p, nil
}
