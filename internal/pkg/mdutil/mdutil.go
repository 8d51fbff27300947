package mdutil

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
)

type Renderer struct {
	md goldmark.Markdown
}

// NewRenderer renders GitHub flavoured Markdown. Raw HTML in the input is
// dropped.
func NewRenderer() *Renderer {
	return &Renderer{md: goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	)}
}

func (r *Renderer) Render(markdown string) (string, error) {
	if markdown == "" {
		return "", nil
	}
	var out bytes.Buffer
	if err := r.md.Convert([]byte(markdown), &out); err != nil {
		return "", err
	}
	return out.String(), nil
}
