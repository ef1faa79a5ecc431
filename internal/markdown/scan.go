package markdown

import (
	"iter"
	"regexp"
)

var mentionPattern = regexp.MustCompile(`@(\w+)`)

// Token is one segment of a text run: either literal text or a mention.
// Start and Stop are byte offsets into the scanned run.
type Token struct {
	Start   int
	Stop    int
	Mention bool
	Name    string
}

// Tokens yields the literal and mention segments of run in order. Matches are
// found in a single left-to-right pass and never overlap.
func Tokens(run []byte) iter.Seq[Token] {
	return func(yield func(Token) bool) {
		cursor := 0
		for _, loc := range mentionPattern.FindAllSubmatchIndex(run, -1) {
			if loc[0] > cursor {
				if !yield(Token{Start: cursor, Stop: loc[0]}) {
					return
				}
			}
			if !yield(Token{Start: loc[0], Stop: loc[1], Mention: true, Name: string(run[loc[2]:loc[3]])}) {
				return
			}
			cursor = loc[1]
		}
		if cursor < len(run) {
			yield(Token{Start: cursor, Stop: len(run)})
		}
	}
}
