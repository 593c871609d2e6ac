// Package adminauth hashes and compares the gateway's admin shared secret.
// A plaintext RequiredAPIKey is still compared with subtle.ConstantTimeCompare
// in internal/api, but an operator may instead store a bcrypt hash
// (RequiredAPIKeyHash) so the secret itself never sits in config.yaml.
package adminauth

import "golang.org/x/crypto/bcrypt"

// DefaultCost mirrors bcrypt's own default, named here so callers don't
// need to import bcrypt just to pick a cost factor.
const DefaultCost = bcrypt.DefaultCost

// HashSharedSecret bcrypt-hashes plain for storage in config.yaml's
// required-api-key-hash field.
func HashSharedSecret(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Compare reports whether presented matches the bcrypt hash produced by
// HashSharedSecret. bcrypt's comparison is already constant-time per byte
// of the hash, so no additional subtle.ConstantTimeCompare wrapping is
// needed here.
func Compare(hash, presented string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) == nil
}
