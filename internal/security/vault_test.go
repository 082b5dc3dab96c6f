package security

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"math/rand"
	"strings"
	"testing"
)

const testVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVaultFromString(testVaultKey)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestVaultRoundTripRandomPlaintexts(t *testing.T) {
	v := newTestVault(t)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		buf := make([]byte, rng.Intn(512))
		rng.Read(buf)
		plaintext := string(buf)

		record, err := v.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		got, err := v.Decrypt(record)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if got != plaintext {
			t.Fatalf("round trip mismatch at iteration %d", i)
		}
	}
}

func TestVaultRecordFormat(t *testing.T) {
	v := newTestVault(t)
	record, err := v.Encrypt("sk-live-123")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	parts := strings.Split(record, ":")
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	if len(parts[0]) != 32 {
		t.Fatalf("expected 16-byte nonce, got %d hex chars", len(parts[0]))
	}
	if len(parts[1]) != 32 {
		t.Fatalf("expected 16-byte tag, got %d hex chars", len(parts[1]))
	}
	if len(parts[2]) != len("sk-live-123")*2 {
		t.Fatalf("unexpected ciphertext length %d", len(parts[2]))
	}
}

func TestVaultNonceIsFresh(t *testing.T) {
	v := newTestVault(t)
	first, _ := v.Encrypt("same")
	second, _ := v.Encrypt("same")
	if first == second {
		t.Fatalf("expected distinct records for repeated plaintext")
	}
}

func TestVaultDetectsTampering(t *testing.T) {
	v := newTestVault(t)
	record, err := v.Encrypt("upstream-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	for i, ch := range record {
		if ch == ':' {
			continue
		}
		flipped := byte('0')
		if ch == '0' {
			flipped = '1'
		}
		tampered := record[:i] + string(flipped) + record[i+1:]
		if _, errDecrypt := v.Decrypt(tampered); !errors.Is(errDecrypt, ErrDecryption) {
			t.Fatalf("expected decryption error when position %d is altered, got %v", i, errDecrypt)
		}
	}
}

func TestVaultRejectsMalformedRecords(t *testing.T) {
	v := newTestVault(t)
	for _, record := range []string{
		"",
		"abc",
		"00:11",
		"zz:zz:zz",
		"00112233:00112233445566778899aabbccddeeff:00",
		"00112233445566778899aabbccddeeff:0011:00",
		"a:b:c:d",
	} {
		_, err := v.Decrypt(record)
		if !errors.Is(err, ErrMalformedRecord) {
			t.Fatalf("record %q: expected malformed error, got %v", record, err)
		}
		if !errors.Is(err, ErrDecryption) {
			t.Fatalf("record %q: malformed error must also match ErrDecryption", record)
		}
	}
}

func TestVaultWrongKeyFails(t *testing.T) {
	v := newTestVault(t)
	record, _ := v.Encrypt("secret")
	other, err := NewVaultFromString(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	if _, errDecrypt := other.Decrypt(record); !errors.Is(errDecrypt, ErrDecryption) {
		t.Fatalf("expected decryption error with wrong key, got %v", errDecrypt)
	}
}

func TestVaultAcceptsTwelveByteNonceRecords(t *testing.T) {
	key, _ := hex.DecodeString(testVaultKey)
	block, _ := aes.NewCipher(key)
	gcm, _ := cipher.NewGCM(block)
	nonce := []byte("0123456789ab")
	sealed := gcm.Seal(nil, nonce, []byte("legacy"), nil)
	split := len(sealed) - gcm.Overhead()
	record := hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed[split:]) + ":" + hex.EncodeToString(sealed[:split])

	got, err := newTestVault(t).Decrypt(record)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "legacy" {
		t.Fatalf("expected legacy, got %s", got)
	}
}

func TestParseVaultKey(t *testing.T) {
	if key, err := ParseVaultKey(testVaultKey); err != nil || len(key) != 32 || key[1] != 0x01 {
		t.Fatalf("hex key: %v %x", err, key)
	}
	if key, err := ParseVaultKey("0123456789abcdefghijklmnopqrstuv"); err != nil || len(key) != 32 {
		t.Fatalf("raw key: %v", err)
	}
	if _, err := ParseVaultKey("short"); err == nil {
		t.Fatalf("expected error for short key")
	}
}
