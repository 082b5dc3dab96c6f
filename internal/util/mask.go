// Package util holds small helpers for keeping secrets out of logs.
package util

import (
	"net/url"
	"strings"
)

// HideSecret shortens a secret to its first and last few characters.
func HideSecret(secret string) string {
	switch n := len(secret); {
	case n > 8:
		return secret[:4] + "..." + secret[n-4:]
	case n > 4:
		return secret[:2] + "..." + secret[n-2:]
	case n > 2:
		return secret[:1] + "..." + secret[n-1:]
	default:
		return secret
	}
}

// MaskSensitiveQuery masks credential-like parameters within a raw query string.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	changed := false
	for i, part := range parts {
		if part == "" {
			continue
		}
		keyPart, valuePart, _ := strings.Cut(part, "=")
		decodedKey, err := url.QueryUnescape(keyPart)
		if err != nil {
			decodedKey = keyPart
		}
		if !isSensitiveName(decodedKey) {
			continue
		}
		decodedValue, err := url.QueryUnescape(valuePart)
		if err != nil {
			decodedValue = valuePart
		}
		parts[i] = keyPart + "=" + url.QueryEscape(HideSecret(strings.TrimSpace(decodedValue)))
		changed = true
	}
	if !changed {
		return raw
	}
	return strings.Join(parts, "&")
}

func isSensitiveName(key string) bool {
	key = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(key)), "[]")
	if key == "" {
		return false
	}
	if key == "key" || strings.Contains(key, "api-key") || strings.Contains(key, "apikey") || strings.Contains(key, "api_key") {
		return true
	}
	return strings.Contains(key, "token") || strings.Contains(key, "secret") || strings.Contains(key, "password")
}
