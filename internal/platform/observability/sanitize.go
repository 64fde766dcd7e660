package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sanitizeString drops control characters and caps the result at limit runes so request-supplied
// values cannot forge log lines.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	var b strings.Builder
	b.Grow(min(len(value), limit*utf8.UTFMax))
	n := 0
	for _, r := range value {
		if n == limit {
			break
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute cleans a chi route pattern or raw path for use as a log field or span name.
func SanitizeRoute(route string) string {
	if route = sanitizeString(route, 180); route == "" {
		return "/"
	}
	return route
}

func SanitizeMethod(method string) string {
	return strings.ToUpper(sanitizeString(method, 10))
}

// RedactEmail keeps the first character of the mailbox and the whole domain: "j***@example.com".
func RedactEmail(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return ""
	}
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	first, _ := utf8.DecodeRuneInString(email)
	return sanitizeString(string(first)+"***"+email[at:], 128)
}
