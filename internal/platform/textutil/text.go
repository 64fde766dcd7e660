package textutil

import (
	"html"
	"strings"
	"sync"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/width"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
	upperCaser       = cases.Upper(language.BritishEnglish)
)

func policy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// NormalizeStringMap trims keys and values, removing entries with empty keys.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		result[trimmedKey] = strings.TrimSpace(value)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// NormalizeCode folds full-width characters, strips whitespace and upper-cases a
// customer-entered code.
func NormalizeCode(raw string) string {
	folded := width.Fold.String(raw)
	folded = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, folded)
	return upperCaser.String(folded)
}

// NormalizeRegistration canonicalises a vehicle registration plate.
func NormalizeRegistration(raw string) string {
	folded := width.Fold.String(raw)
	folded = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, folded)
	return upperCaser.String(folded)
}

// NormalizeEmail trims and lower-cases an email address for keying.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(width.Fold.String(raw)))
}

// SanitizeText strips markup and collapses whitespace in customer free text.
func SanitizeText(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	cleaned := html.UnescapeString(policy().Sanitize(raw))
	return strings.Join(strings.Fields(cleaned), " ")
}
