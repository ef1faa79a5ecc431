package markdown

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// AbstractLength is the number of characters kept in a topic abstract.
const AbstractLength = 60

const ellipsis = "…"

// Abstract derives the plain-text preview of rendered HTML.
func Abstract(rendered string) string {
	return Truncate(StripTags(rendered), AbstractLength)
}

// StripTags returns the text content of an HTML fragment with runs of
// whitespace collapsed to single spaces.
func StripTags(fragment string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(fragment))
	var b strings.Builder
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(tokenizer.Text())
		}
	}
}

// Truncate cuts s to limit characters and appends an ellipsis when anything
// was cut.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + ellipsis
}
