package helpers

import (
	"fmt"
	"net/mail"
	"strings"
)

// NormalizeAddress lowercases and trims an email address so address
// comparisons behave the same across matching, storage, and lookups.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ValidateAddress checks that a string parses as a single RFC 5322 address.
func ValidateAddress(address string) error {
	if _, err := mail.ParseAddress(address); err != nil {
		return fmt.Errorf("invalid email address %q: %w", address, err)
	}
	return nil
}

func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(email)
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return email, ""
	}
	return parts[0], parts[1]
}
