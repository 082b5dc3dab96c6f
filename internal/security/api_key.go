package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// apiKeyPrefix marks keys issued by the relay.
const apiKeyPrefix = "rg_"

// GenerateAPIKey creates a new random caller API key.
func GenerateAPIKey() (string, error) {
	secret := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(secret), nil
}

// LooksLikeAPIKey reports whether s has the shape of a relay-issued key.
func LooksLikeAPIKey(s string) bool {
	return strings.HasPrefix(s, apiKeyPrefix) && len(s) == len(apiKeyPrefix)+64
}
