package string

import (
	"strings"
	"unicode"
)

// ToSnakeCase converts Go field names to the snake_case used in JSON
// bodies, keeping acronyms together ("MaxRetries" -> "max_retries",
// "MIMEType" -> "mime_type").
func ToSnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 &&
			(unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
