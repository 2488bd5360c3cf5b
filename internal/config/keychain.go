package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Keychain abstracts the platform secret store: macOS Keychain on darwin,
// a 0600 JSON file under $XDG_DATA_HOME elsewhere.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

var errSecretNotFound = errors.New("secret not found")

func NewKeychain() Keychain { return platformKeychain{} }

type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

const apiTokenEnv = "GENREVIEW_API_TOKEN"

// GetAPIToken returns the bearer token guarding the HTTP API. The
// environment wins; otherwise the token is read from the secret store and
// generated on first use.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := strings.TrimSpace(os.Getenv(apiTokenEnv)); tok != "" {
		return tok, nil
	}
	tok, err := kc.Get(secretService, apiTokenAccount)
	if err == nil && tok != "" {
		return tok, nil
	}
	// Only a missing token is replaced; a locked or unreadable store must
	// not rotate the token under running clients.
	if err != nil && !errors.Is(err, errSecretNotFound) {
		return "", fmt.Errorf("reading API token: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := kc.Set(secretService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
