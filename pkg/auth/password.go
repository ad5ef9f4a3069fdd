package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt ignores input past 72 bytes.
const maxPasswordBytes = 72

var (
	ErrPasswordEmpty   = errors.New("password required")
	ErrPasswordTooLong = errors.New("password must be at most 72 bytes")
)

var bcryptPrefixes = []string{"$2a$", "$2b$", "$2y$"}

// HashPassword returns a bcrypt hash. All new credentials go through here.
func HashPassword(password string) (string, error) {
	if err := ValidatePassword(password); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ValidatePassword checks the constraints a new password must meet.
func ValidatePassword(password string) error {
	if password == "" {
		return ErrPasswordEmpty
	}
	if len(password) > maxPasswordBytes {
		return ErrPasswordTooLong
	}
	return nil
}

// IsHashed reports whether stored looks like a bcrypt hash.
func IsHashed(stored string) bool {
	for _, p := range bcryptPrefixes {
		if strings.HasPrefix(stored, p) {
			return true
		}
	}
	return false
}

// CheckPassword verifies a candidate against a bcrypt hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// VerifyCredentials accepts a candidate against a stored credential.
// Stored bcrypt hashes are compared with bcrypt. Any other stored value is
// legacy seed data and is compared for equality in constant time.
func VerifyCredentials(stored, candidate string) bool {
	if stored == "" {
		return false
	}
	if IsHashed(stored) {
		return CheckPassword(candidate, stored)
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}
