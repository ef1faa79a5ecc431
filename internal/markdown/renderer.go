// Package markdown renders forum markdown into sanitized HTML. Code blocks
// are highlighted, raw HTML is escaped, and @username mentions of existing
// accounts become profile links.
package markdown

import (
	"bytes"
	"context"
	"fmt"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// Result is the output of a single Render call.
type Result struct {
	HTML      string
	Mentioned []string
	Abstract  string
}

// Renderer converts markdown to HTML. It holds no per-call state and is safe
// for concurrent use.
type Renderer struct {
	md        goldmark.Markdown
	transform TextTransformer
	policy    *bluemonday.Policy
}

// New builds a renderer from a code block formatter and an inline text
// transformer. A nil code formatter disables highlighting; a nil transformer
// leaves text runs untouched.
func New(code CodeFormatter, transform TextTransformer) *Renderer {
	if code == nil {
		code = PlainFormatter{}
	}
	inlineStyles := false
	switch cf := code.(type) {
	case ChromaFormatter:
		inlineStyles = cf.InlineStyles
	case *ChromaFormatter:
		inlineStyles = cf != nil && cf.InlineStyles
	}

	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(
			renderer.WithNodeRenderers(util.Prioritized(&nodeRenderer{code: code}, 100)),
		),
	)

	return &Renderer{
		md:        md,
		transform: transform,
		policy:    newPolicy(inlineStyles),
	}
}

func newPolicy(inlineStyles bool) *bluemonday.Policy {
	policy := bluemonday.UGCPolicy()
	policy.AllowStyling()
	if inlineStyles {
		policy.AllowAttrs("style").OnElements("span", "pre", "div", "code", "table", "td")
	}
	return policy
}

// Render converts source written by author. Mentioned lists the resolved
// usernames in order of first appearance, without duplicates and without the
// author. Errors come only from the user directory or the output writer; the
// caller must not persist anything when Render fails.
func (r *Renderer) Render(ctx context.Context, author, source string) (Result, error) {
	src := []byte(source)
	doc := r.md.Parser().Parse(text.NewReader(src))

	mentioned, err := r.rewriteText(ctx, doc, src)
	if err != nil {
		return Result{}, fmt.Errorf("resolve mentions: %w", err)
	}

	var buf bytes.Buffer
	if err := r.md.Renderer().Render(&buf, src, doc); err != nil {
		return Result{}, fmt.Errorf("render markdown: %w", err)
	}
	rendered := r.policy.SanitizeBytes(buf.Bytes())

	names := make([]string, 0, len(mentioned))
	for _, name := range mentioned {
		if name != author {
			names = append(names, name)
		}
	}

	out := string(rendered)
	return Result{HTML: out, Mentioned: names, Abstract: Abstract(out)}, nil
}

// rewriteText hands every eligible text run to the transformer and splices
// the returned pieces back into the tree.
func (r *Renderer) rewriteText(ctx context.Context, doc ast.Node, src []byte) ([]string, error) {
	if r.transform == nil {
		return nil, nil
	}

	runs := collectRuns(doc)
	seen := make(map[string]struct{})
	mentioned := make([]string, 0)

	for _, run := range runs {
		first, last := run[0], run[len(run)-1]
		start, stop := first.Segment.Start, last.Segment.Stop

		pieces, err := r.transform.TransformText(ctx, src[start:stop])
		if err != nil {
			return nil, err
		}
		if !hasReplacement(pieces) {
			continue
		}

		parent := first.Parent()
		var tail ast.Node
		for _, piece := range pieces {
			var node ast.Node
			if piece.HTML == "" {
				node = ast.NewTextSegment(text.NewSegment(start+piece.Start, start+piece.Stop))
			} else {
				node = &Replacement{HTML: piece.HTML, Mention: piece.Mention}
				if piece.Mention != "" {
					if _, ok := seen[piece.Mention]; !ok {
						seen[piece.Mention] = struct{}{}
						mentioned = append(mentioned, piece.Mention)
					}
				}
			}
			parent.InsertBefore(parent, first, node)
			tail = node
		}

		if last.SoftLineBreak() || last.HardLineBreak() {
			textTail, ok := tail.(*ast.Text)
			if !ok {
				textTail = ast.NewTextSegment(text.NewSegment(stop, stop))
				parent.InsertBefore(parent, first, textTail)
			}
			textTail.SetSoftLineBreak(last.SoftLineBreak())
			textTail.SetHardLineBreak(last.HardLineBreak())
		}

		for _, node := range run {
			parent.RemoveChild(parent, node)
		}
	}

	return mentioned, nil
}

func hasReplacement(pieces []Piece) bool {
	for _, piece := range pieces {
		if piece.HTML != "" {
			return true
		}
	}
	return false
}

// collectRuns groups sibling text nodes that cover one contiguous stretch of
// the source. Text inside links, images and code spans is left alone.
func collectRuns(doc ast.Node) [][]*ast.Text {
	var runs [][]*ast.Text
	var current []*ast.Text

	flush := func() {
		if len(current) > 0 {
			runs = append(runs, current)
			current = nil
		}
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() != ast.TypeInline {
				flush()
			}
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindLink, ast.KindImage, ast.KindAutoLink, ast.KindCodeSpan, ast.KindRawHTML:
			flush()
			return ast.WalkSkipChildren, nil
		case ast.KindFencedCodeBlock, ast.KindCodeBlock, ast.KindHTMLBlock:
			flush()
			return ast.WalkSkipChildren, nil
		}

		t, ok := n.(*ast.Text)
		if !ok {
			flush()
			return ast.WalkContinue, nil
		}
		if t.IsRaw() || t.Segment.Padding > 0 {
			flush()
			return ast.WalkContinue, nil
		}
		if len(current) > 0 {
			prev := current[len(current)-1]
			if prev.NextSibling() != ast.Node(t) || prev.Segment.Stop != t.Segment.Start ||
				prev.SoftLineBreak() || prev.HardLineBreak() {
				flush()
			}
		}
		current = append(current, t)
		return ast.WalkContinue, nil
	})
	flush()

	return runs
}
