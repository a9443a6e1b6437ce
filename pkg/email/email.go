// Package email derives display attributes from email addresses.
package email

import (
	"strings"
	"unicode"
)

// DisplayName builds a human-readable name from the local part of an email
// address. "jane.doe@example.com" becomes "Jane Doe". Separators are dots,
// underscores, hyphens, and plus signs; an unparseable local part falls back
// to "User".
func DisplayName(addr string) string {
	local := addr
	if at := strings.IndexByte(addr, '@'); at > 0 {
		local = addr[:at]
	}

	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	if len(parts) == 0 {
		return "User"
	}

	for i, p := range parts {
		parts[i] = capitalize(p)
	}
	return strings.Join(parts, " ")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
