package crypto

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashSecret hashes an admin or consumer API key for storage in config
func HashSecret(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// IsHashedSecret reports whether stored looks like a bcrypt hash
func IsHashedSecret(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$")
}

// MatchSecret compares a presented secret against a configured one, which
// may be stored either as a bcrypt hash or in plain text.
func MatchSecret(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	if IsHashedSecret(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
