package http

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
)

// Input validation constants
const (
	MinPhoneDigits   = 10
	MaxPhoneDigits   = 15
	MaxMessageLength = 4096
)

var (
	nonDigits         = regexp.MustCompile(`[^0-9]`)
	suspiciousContent = regexp.MustCompile(`(?i)<\s*script|javascript:|\bon(?:error|load)\s*=|<\s*iframe`)
)

// SanitizePhone keeps the digits of raw and returns them in E.164 form.
// It is idempotent: SanitizePhone(SanitizePhone(x)) == SanitizePhone(x).
func SanitizePhone(raw string) (string, error) {
	digits := nonDigits.ReplaceAllString(raw, "")
	if len(digits) < MinPhoneDigits {
		return "", entities.NewValidationError("phone", "Invalid phone number format")
	}
	if len(digits) > MaxPhoneDigits {
		return "", entities.NewValidationError("phone", "Invalid phone number length")
	}
	return "+" + digits, nil
}

// ValidateMessageContent trims text and rejects empty, oversized or
// script-bearing content.
func ValidateMessageContent(text string) (string, error) {
	text = strings.TrimSpace(SanitizeString(text))
	if text == "" {
		return "", entities.NewValidationError("text", "Message content is empty")
	}
	if len(text) > MaxMessageLength {
		return "", entities.NewValidationError("text", "Message content too long")
	}
	if suspiciousContent.MatchString(text) {
		return "", entities.NewValidationError("text", "Suspicious message content detected")
	}
	return text, nil
}

// SanitizeString removes null bytes and invalid UTF-8
func SanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return s
}
