package util

import (
	"strings"
	"unicode/utf8"
)

// SanitizePostgresText drops what PostgreSQL text and jsonb columns reject:
// invalid UTF-8 sequences and NUL bytes.
func SanitizePostgresText(value string) string {
	if value == "" || (!strings.ContainsRune(value, 0) && utf8.ValidString(value)) {
		return value
	}
	return strings.ReplaceAll(strings.ToValidUTF8(value, ""), "\x00", "")
}
