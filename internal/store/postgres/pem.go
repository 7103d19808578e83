package postgres

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// parsePublicKeyPEM decodes a PKIX-encoded PEM public key, the format
// providers.verification_keys stores each VerificationKey.Public under.
func parsePublicKeyPEM(s string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}
	return pub, nil
}
