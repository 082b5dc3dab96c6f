package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcryptCost is lowered by tests to keep hashing fast.
var bcryptCost = 12

// HashPassword returns the bcrypt hash stored in users.password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
