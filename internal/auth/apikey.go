package auth

import "crypto/subtle"

// ValidAPIKey compares got with expected in constant time; an unset expected key rejects everything
func ValidAPIKey(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
