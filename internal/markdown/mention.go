package markdown

import (
	"context"
	"fmt"
	"html"
	"net/url"
)

// UserDirectory answers whether an account with exactly the given username
// exists. Lookups are read-only.
type UserDirectory interface {
	UserExists(ctx context.Context, username string) (bool, error)
}

// ProfileURLFunc builds the profile route for a username.
type ProfileURLFunc func(username string) string

// DefaultProfileURL is the profile route used by the forum API.
func DefaultProfileURL(username string) string {
	return "/u/" + url.PathEscape(username)
}

// Piece is one segment of a transformed text run. A piece with empty HTML
// keeps the literal run bytes [Start, Stop); otherwise HTML replaces them.
type Piece struct {
	Start   int
	Stop    int
	HTML    string
	Mention string
}

// TextTransformer rewrites inline text runs.
type TextTransformer interface {
	TransformText(ctx context.Context, run []byte) ([]Piece, error)
}

// MentionLinker turns @username references to existing accounts into
// profile links. Unknown names stay literal text.
type MentionLinker struct {
	Directory  UserDirectory
	ProfileURL ProfileURLFunc
}

func NewMentionLinker(directory UserDirectory, profileURL ProfileURLFunc) *MentionLinker {
	if profileURL == nil {
		profileURL = DefaultProfileURL
	}
	return &MentionLinker{Directory: directory, ProfileURL: profileURL}
}

func (l *MentionLinker) TransformText(ctx context.Context, run []byte) ([]Piece, error) {
	pieces := make([]Piece, 0, 1)
	for tok := range Tokens(run) {
		piece := Piece{Start: tok.Start, Stop: tok.Stop}
		if tok.Mention {
			exists, err := l.Directory.UserExists(ctx, tok.Name)
			if err != nil {
				return nil, fmt.Errorf("lookup user %q: %w", tok.Name, err)
			}
			if exists {
				piece.HTML = l.link(tok.Name)
				piece.Mention = tok.Name
			}
		}
		pieces = append(pieces, piece)
	}
	return pieces, nil
}

func (l *MentionLinker) link(username string) string {
	return fmt.Sprintf(`<a class="user mention" href="%s">@%s</a>`,
		html.EscapeString(l.ProfileURL(username)),
		html.EscapeString(username),
	)
}
