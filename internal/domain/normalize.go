package domain

import (
	"regexp"
	"strings"
)

var (
	whitespaceRegex = regexp.MustCompile(`\s+`)
	nonDigitRegex   = regexp.MustCompile(`\D+`)
)

// NormalizeName lowercases and collapses whitespace.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(whitespaceRegex.ReplaceAllString(name, " ")))
}

// NormalizeEmail lowercases and trims the provided email.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

// NormalizePhone keeps digits only, dropping an international "00" prefix.
func NormalizePhone(phone string) string {
	phone = nonDigitRegex.ReplaceAllString(phone, "")
	return strings.TrimPrefix(phone, "00")
}
