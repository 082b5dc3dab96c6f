package security

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateAndParseToken(t *testing.T) {
	token, err := GenerateToken("secret", 42, "dev@example.com", "Dev", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ParseToken("secret", token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != 42 || claims.Email != "dev@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token, _ := GenerateToken("secret", 1, "a@b.c", "", time.Hour)
	if _, err := ParseToken("other", token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestParseTokenExpired(t *testing.T) {
	token, _ := GenerateToken("secret", 1, "a@b.c", "", -time.Minute)
	if _, err := ParseToken("secret", token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestGenerateAPIKeyShape(t *testing.T) {
	key, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !LooksLikeAPIKey(key) {
		t.Fatalf("unexpected key shape %s", key)
	}
	other, _ := GenerateAPIKey()
	if key == other {
		t.Fatalf("expected unique keys")
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	bcryptCost = 4
	t.Cleanup(func() { bcryptCost = 12 })
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPassword(hash, "hunter2") || CheckPassword(hash, "hunter3") {
		t.Fatalf("password check mismatch")
	}
}
