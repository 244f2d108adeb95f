package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/playloop/rendezvous/coordinator/faults"
)

// HashPassword derives a bcrypt hash for storage. Plaintext never touches
// the record store.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a candidate password against its stored hash. A
// mismatch is an Unauthorized fault with a message safe to show the caller.
func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return faults.New(faults.Unauthorized, "invalid credentials")
	}
	return nil
}
