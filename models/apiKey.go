package models

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyPrefix    = "fk_"
	apiKeyPrefixLen = 11
)

var ErrInvalidApiKey = errors.New("invalid api key")

// GenerateApiKey returns a new plaintext key with its lookup prefix and bcrypt
// hash. Only the prefix and hash are stored.
func GenerateApiKey() (key, prefix, hash string, err error) {
	b := make([]byte, 24)
	if _, err = rand.Read(b); err != nil {
		return "", "", "", err
	}
	key = apiKeyPrefix + hex.EncodeToString(b)
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", err
	}
	return key, key[:apiKeyPrefixLen], string(hashed), nil
}

// ApiKeyPrefix extracts the lookup prefix of a presented key.
func ApiKeyPrefix(key string) (string, error) {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, apiKeyPrefix) || len(key) <= apiKeyPrefixLen {
		return "", ErrInvalidApiKey
	}
	return key[:apiKeyPrefixLen], nil
}

func (t *Tenant) VerifyApiKey(key string) error {
	if t.ApiKeyHash == "" {
		return ErrInvalidApiKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(t.ApiKeyHash), []byte(key)); err != nil {
		return ErrInvalidApiKey
	}
	return nil
}

// RotateApiKey replaces the tenant's credentials and returns the new plaintext key.
func (t *Tenant) RotateApiKey() (string, error) {
	key, prefix, hash, err := GenerateApiKey()
	if err != nil {
		return "", err
	}
	t.ApiKeyPrefix = prefix
	t.ApiKeyHash = hash
	return key, nil
}
