package backend

import (
	"strings"
	"unicode"
)

const maxQueryTerms = 32

// queryTerms lowercases text and splits it into unique letter/digit runs.
func queryTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	terms := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if len([]rune(field)) < 2 {
			continue
		}
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		terms = append(terms, field)
		if len(terms) == maxQueryTerms {
			break
		}
	}
	return terms
}

// ftsMatchExpression quotes each term so FTS5 operators in user input are
// treated as plain text, and ORs them together.
func ftsMatchExpression(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(term, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}
