// Package language normalizes article language codes and detects the language
// of untagged articles.
package language

import (
	"strings"

	xlanguage "golang.org/x/text/language"
)

// Undetermined is stored for articles whose language is unknown.
const Undetermined = "und"

// NormalizeCode reduces a BCP 47 tag such as "pt-BR" or "EN_us" to its
// lowercase primary language subtag. Malformed or unknown tags yield "".
func NormalizeCode(raw string) string {
	trimmed := strings.ReplaceAll(strings.TrimSpace(raw), "_", "-")
	if trimmed == "" {
		return ""
	}
	tag, err := xlanguage.Parse(trimmed)
	if err != nil {
		return ""
	}
	base, _ := tag.Base()
	code := strings.ToLower(base.String())
	if code == Undetermined {
		return ""
	}
	return code
}
