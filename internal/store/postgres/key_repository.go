package postgres

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/oidcgate/oidcgate/internal/oauth2"
)

// KeyRepository implements oauth2.KeyStore. private_key_encrypted holds
// a PKCS#8 DER private key; a production deployment is expected to run
// this column through envelope encryption at the KMS layer before it
// reaches this process, which is out of scope for the repository itself.
type KeyRepository struct {
	db *DB
}

func NewKeyRepository(db *DB) *KeyRepository {
	return &KeyRepository{db: db}
}

func (r *KeyRepository) SigningKey(ctx context.Context, providerID string) (*oauth2.SigningKey, error) {
	var keyID, algorithm string
	var der []byte
	err := r.db.pool.QueryRow(ctx, `
		SELECT key_id, algorithm, private_key_encrypted FROM signing_keys WHERE provider_id = $1
	`, providerID).Scan(&keyID, &algorithm, &der)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, oauth2.ErrProviderNotFound
		}
		return nil, fmt.Errorf("get signing key: %w", err)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("signing key for provider %s is not a crypto.Signer", providerID)
	}
	switch signer.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
	default:
		return nil, fmt.Errorf("unsupported signing key type for provider %s", providerID)
	}

	return &oauth2.SigningKey{KeyID: keyID, Algorithm: algorithm, Signer: signer}, nil
}
