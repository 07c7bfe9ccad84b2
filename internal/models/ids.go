package models

import (
	"strings"
	"unicode"
)

// HasControl reports whether s contains a control character. Ids holding
// one are refused because the store joins id parts with NUL.
func HasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}
