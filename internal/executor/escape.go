package executor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EscapeMessage makes text safe to splice into a double-quoted string literal
// inside the page's editor script. The output contains no raw quote, backslash
// or control character and decodes back with UnescapeMessage or JSON.parse.
func EscapeMessage(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

func UnescapeMessage(s string) (string, error) {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return "", fmt.Errorf("unescape message: %w", err)
	}
	return out, nil
}
