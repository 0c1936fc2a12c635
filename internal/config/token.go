package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

const apiTokenAccount = "api_token"

// SecretStore reads and writes secrets in the platform secret store.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

type platformSecrets struct{ keychainReader }

func (platformSecrets) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// NewKeychain returns the platform secret store.
func NewKeychain() SecretStore {
	return platformSecrets{}
}

// GetAPIToken returns the bearer token for the local API. ORCHMEM_API_TOKEN
// wins; otherwise the token is read from the secret store and generated on
// first use.
func GetAPIToken(s SecretStore) (string, error) {
	if tok := os.Getenv("ORCHMEM_API_TOKEN"); tok != "" {
		return tok, nil
	}
	if tok, err := s.Get(secretService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok := hex.EncodeToString(buf)
	if err := s.Set(secretService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
