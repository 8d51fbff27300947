package password

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const MinLength = 8

// Hash returns the bcrypt hash stored as admin.password_hash.
func Hash(plain string) (string, error) {
	if len(plain) < MinLength {
		return "", fmt.Errorf("password must be at least %d characters", MinLength)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func Compare(hash, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
}
