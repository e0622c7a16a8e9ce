package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

var caseFolder = cases.Fold()

// Email trims whitespace, Unicode case-folds, then lowercases an address.
// Case-folding runs ahead of the ASCII lowercasing so non-ASCII local
// parts (e.g. a Turkish dotted İ) normalize consistently rather than
// relying on strings.ToLower's byte-wise ASCII-only behavior.
func Email(raw string) string {
	trimmed := strings.TrimSpace(raw)
	folded := caseFolder.String(trimmed)
	return strings.ToLower(folded)
}

// ValidEmail reports whether an already-normalized address matches a
// simple RFC-ish local@domain.tld pattern.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}