// Package redact strips contact and payment data from text before it is
// persisted as a task error or logged.
package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxMessageLength = 2000

var (
	emailPattern  = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
	phonePattern  = regexp.MustCompile(`(?:\+?\d[\d()\-\s.]{7,}\d)`)
)

func String(value string) string {
	masked := emailPattern.ReplaceAllString(value, "[email_redacted]")
	masked = bearerPattern.ReplaceAllString(masked, "Bearer [token_redacted]")
	masked = cardPattern.ReplaceAllStringFunc(masked, maskCardNumber)
	masked = phonePattern.ReplaceAllString(masked, "[phone_redacted]")
	return masked
}

// Error renders err for storage: redacted and capped in length.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return Truncate(String(strings.TrimSpace(err.Error())), maxMessageLength)
}

// Truncate cuts value to at most maxBytes bytes without splitting a UTF-8
// sequence.
func Truncate(value string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(value) <= maxBytes {
		return value
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

func maskCardNumber(value string) string {
	digits := make([]rune, 0, len(value))
	for _, char := range value {
		if char >= '0' && char <= '9' {
			digits = append(digits, char)
		}
	}
	if len(digits) < 8 {
		return "[card_redacted]"
	}
	return "[card_redacted_" + string(digits[len(digits)-4:]) + "]"
}
