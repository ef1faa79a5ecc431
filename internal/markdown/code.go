package markdown

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// CodeFormatter writes the HTML for a code block. lang is the raw info
// string language, empty for indented blocks and untagged fences.
type CodeFormatter interface {
	FormatCode(w io.Writer, code, lang string) error
}

var errUnknownLanguage = errors.New("unknown language")

// PlainFormatter writes escaped code without highlighting.
type PlainFormatter struct{}

func (PlainFormatter) FormatCode(w io.Writer, code, lang string) error {
	if lang == "" {
		return writePlain(w, code)
	}
	return writeTagged(w, code, lang)
}

// ChromaFormatter highlights code blocks whose language chroma knows and
// degrades to escaped <pre><code> output for everything else.
type ChromaFormatter struct {
	InlineStyles bool
	LineNumbers  bool
	Style        string
}

func (f ChromaFormatter) FormatCode(w io.Writer, code, lang string) error {
	if lang == "" {
		return writePlain(w, code)
	}

	highlighted, err := f.highlight(code, lang)
	if err != nil {
		return writeTagged(w, code, lang)
	}
	_, err = w.Write(highlighted)
	return err
}

// WriteCSS writes the stylesheet matching the class names emitted when
// InlineStyles is off.
func (f ChromaFormatter) WriteCSS(w io.Writer) error {
	formatter := chromahtml.New(chromahtml.WithClasses(true), chromahtml.WithLineNumbers(f.LineNumbers))
	return formatter.WriteCSS(w, styles.Get(f.Style))
}

func (f ChromaFormatter) highlight(code, lang string) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("highlight %s: %v", lang, r)
		}
	}()

	lexer := lexers.Get(lang)
	if lexer == nil {
		return nil, errUnknownLanguage
	}
	lexer = chroma.Coalesce(lexer)

	iterator, err := lexer.Tokenise(nil, strings.TrimSpace(code)+"\n")
	if err != nil {
		return nil, fmt.Errorf("tokenise %s: %w", lang, err)
	}

	formatter := chromahtml.New(
		chromahtml.WithClasses(!f.InlineStyles),
		chromahtml.WithLineNumbers(f.LineNumbers),
	)

	var buf bytes.Buffer
	if f.LineNumbers {
		buf.WriteString(`<div class="highlight-wrapper">`)
	}
	if err := formatter.Format(&buf, styles.Get(f.Style), iterator); err != nil {
		return nil, fmt.Errorf("format %s: %w", lang, err)
	}
	if f.LineNumbers {
		buf.WriteString(`</div>`)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func writePlain(w io.Writer, code string) error {
	_, err := fmt.Fprintf(w, "<pre><code>%s</code></pre>\n", html.EscapeString(strings.TrimSpace(code)))
	return err
}

// writeTagged keeps the language as a class hint. The sanitizer drops class
// values outside its safe pattern, so tags like "c++" lose the hint.
func writeTagged(w io.Writer, code, lang string) error {
	_, err := fmt.Fprintf(w, "<pre class=\"%s\"><code>%s</code></pre>\n", html.EscapeString(lang), html.EscapeString(code))
	return err
}
