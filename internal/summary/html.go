package summary

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"git.home.luguber.info/inful/conveyor/internal/errors"
)

// RenderHTML converts a rendered summary into an HTML fragment. GFM tables
// carry most of the document, so the extension is always on.
func RenderHTML(md []byte) ([]byte, error) {
	gm := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := gm.Convert(md, &buf); err != nil {
		return nil, errors.WrapError(err, errors.CategoryRuntime, "failed to render summary HTML").Build()
	}
	return buf.Bytes(), nil
}
