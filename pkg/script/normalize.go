package script

import "strings"

var punctuationReplacer = strings.NewReplacer(
	"—", "-", // em dash
	"–", "-", // en dash
	"‘", "'",
	"’", "'",
	"“", `"`,
	"”", `"`,
)

// Normalize canonicalizes s for script comparison: typographic dashes and
// quotes become their ASCII forms, whitespace runs collapse to one space, and
// the result is trimmed and lowercased. Normalize is idempotent.
func Normalize(s string) string {
	s = punctuationReplacer.Replace(s)
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Equivalent reports whether a and b are the same line once normalized.
func Equivalent(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
