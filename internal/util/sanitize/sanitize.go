package sanitize

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// htmlBody strips all markup down to plain text. Issue/PR bodies and CI
// summaries are fetched as untrusted HTML/Markdown-rendered-to-HTML from
// external providers; stripping to plain text keeps any embedded
// script/style content from ever reaching an agent's context verbatim
// (SPEC_FULL.md §B, bluemonday wiring).
var htmlBody = bluemonday.StrictPolicy()

// Body sanitizes a fetched issue, PR, or CI summary body: tags are
// stripped entirely (StrictPolicy), leaving plain text safe to embed in a
// mail body or a generated Markdown report.
func Body(s string) string {
	return strings.TrimSpace(htmlBody.Sanitize(s))
}

// Title sanitizes a terminal title by removing control characters
// and limiting the length.
func Title(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
