// ABOUTME: Static API key authentication for service callers
// ABOUTME: Keys are stored as bcrypt hashes and compared in constant time by bcrypt

package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnknownAPIKey is returned when no configured key matches.
var ErrUnknownAPIKey = errors.New("unknown api key")

// APIKey is one configured service credential.
type APIKey struct {
	Principal string
	Tier      string
	Hash      []byte
}

// APIKeyVerifier matches presented keys against configured bcrypt hashes.
type APIKeyVerifier struct {
	keys []APIKey
}

// NewAPIKeyVerifier validates that every hash is a bcrypt hash.
func NewAPIKeyVerifier(keys []APIKey) (*APIKeyVerifier, error) {
	for _, k := range keys {
		if _, err := bcrypt.Cost(k.Hash); err != nil {
			return nil, fmt.Errorf("api key for %s: %w", k.Principal, err)
		}
	}
	return &APIKeyVerifier{keys: keys}, nil
}

// Verify returns the key entry matching the presented secret.
func (v *APIKeyVerifier) Verify(key string) (*APIKey, error) {
	if key == "" {
		return nil, ErrUnknownAPIKey
	}
	for i := range v.keys {
		if bcrypt.CompareHashAndPassword(v.keys[i].Hash, []byte(key)) == nil {
			return &v.keys[i], nil
		}
	}
	return nil, ErrUnknownAPIKey
}

// HashAPIKey produces the bcrypt hash to paste into auth.api_keys.
func HashAPIKey(key string) (string, error) {
	if len(key) < 16 {
		return "", errors.New("api key must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(hash), nil
}
