package rollup

import (
	"html"
	"strings"
	"unicode/utf8"
)

// maxSnippet is the maximum byte length of a conversation snippet.
const maxSnippet = 200

// CleanSnippet unescapes HTML entities, collapses whitespace and truncates
// at a word boundary.
func CleanSnippet(text string) string {
	text = html.UnescapeString(text)
	text = strings.Join(strings.Fields(text), " ")

	if len(text) <= maxSnippet {
		return text
	}

	cut := maxSnippet
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	text = text[:cut]
	if lastSpace := strings.LastIndex(text, " "); lastSpace > maxSnippet-40 {
		text = text[:lastSpace]
	}
	return text + "…"
}
