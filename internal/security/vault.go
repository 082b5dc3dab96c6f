package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrDecryption is returned for any record that cannot be opened, including malformed records and tag mismatches.
var ErrDecryption = errors.New("credential decryption failed")

// ErrMalformedRecord is returned when a record does not have the nonce:tag:ciphertext shape. It wraps ErrDecryption.
var ErrMalformedRecord = fmt.Errorf("%w: malformed record", ErrDecryption)

const (
	vaultKeySize   = 32
	vaultNonceSize = 16
	vaultTagSize   = 16
)

// Vault encrypts upstream credentials at rest with AES-256-GCM.
// Records are "hex(nonce):hex(tag):hex(ciphertext)".
type Vault struct {
	block cipher.Block
}

// NewVault builds a vault from a 32-byte key.
func NewVault(key []byte) (*Vault, error) {
	if len(key) != vaultKeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", vaultKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return &Vault{block: block}, nil
}

// ParseVaultKey accepts 64 hex characters or a raw 32-byte string.
func ParseVaultKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) == vaultKeySize*2 {
		if decoded, err := hex.DecodeString(trimmed); err == nil {
			return decoded, nil
		}
	}
	if len(trimmed) == vaultKeySize {
		return []byte(trimmed), nil
	}
	return nil, fmt.Errorf("vault: key must be %d hex characters or %d bytes", vaultKeySize*2, vaultKeySize)
}

// NewVaultFromString is ParseVaultKey followed by NewVault.
func NewVaultFromString(raw string) (*Vault, error) {
	key, err := ParseVaultKey(raw)
	if err != nil {
		return nil, err
	}
	return NewVault(key)
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	gcm, err := cipher.NewGCMWithNonceSize(v.block, vaultNonceSize)
	if err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}
	nonce := make([]byte, vaultNonceSize)
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	split := len(sealed) - gcm.Overhead()
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed[split:]) + ":" + hex.EncodeToString(sealed[:split]), nil
}

// Decrypt opens a record produced by Encrypt. Records with 12-byte nonces are also accepted.
func (v *Vault) Decrypt(record string) (string, error) {
	parts := strings.Split(record, ":")
	if len(parts) != 3 {
		return "", ErrMalformedRecord
	}
	nonce, errNonce := hex.DecodeString(parts[0])
	tag, errTag := hex.DecodeString(parts[1])
	ciphertext, errCT := hex.DecodeString(parts[2])
	if errNonce != nil || errTag != nil || errCT != nil {
		return "", ErrMalformedRecord
	}
	if (len(nonce) != vaultNonceSize && len(nonce) != 12) || len(tag) != vaultTagSize {
		return "", ErrMalformedRecord
	}

	gcm, err := cipher.NewGCMWithNonceSize(v.block, len(nonce))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}
