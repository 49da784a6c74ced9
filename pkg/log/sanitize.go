package log

import (
	"strings"
)

var sensitiveKeywords = []string{
	"password", "passwd", "pwd",
	"api_key", "apikey", "api-key", "admin_key",
	"token", "secret", "authorization",
	"credential", "private_key", "privatekey",
}

// SanitizeField masks the value when the key names a secret or an email address.
func SanitizeField(key, value string) string {
	if value == "" {
		return value
	}

	lowerKey := strings.ToLower(key)

	if strings.Contains(lowerKey, "email") || strings.Contains(lowerKey, "mail") {
		return sanitizeEmail(value)
	}

	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return sanitizeToken(value)
		}
	}

	return value
}

// sanitizeToken keeps the first and last 4 characters of long values.
func sanitizeToken(value string) string {
	if len(value) <= 8 {
		if len(value) <= 2 {
			return strings.Repeat("*", len(value))
		}
		return string(value[0]) + strings.Repeat("*", len(value)-2) + string(value[len(value)-1])
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// sanitizeEmail keeps up to 3 characters of the local part and the domain.
func sanitizeEmail(value string) string {
	local, domain, ok := strings.Cut(value, "@")
	if !ok || strings.Contains(domain, "@") {
		return strings.Repeat("*", len(value))
	}

	switch {
	case local == "":
		return "@" + domain
	case len(local) <= 3:
		return string(local[0]) + strings.Repeat("*", len(local)-1) + "@" + domain
	default:
		return local[:3] + "***@" + domain
	}
}

// MaskEmail is SanitizeField for values that are always email addresses.
func MaskEmail(email string) string {
	if email == "" {
		return email
	}
	return sanitizeEmail(email)
}
