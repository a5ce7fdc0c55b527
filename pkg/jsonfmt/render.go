package jsonfmt

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Style is the layout applied when rendering a document.
type Style struct {
	Newline Newline
	Indent  Indent
	// TrailingNewline is set when the source ends with its line ending.
	TrailingNewline bool
}

// DefaultStyle is used for files that do not exist yet.
var DefaultStyle = Style{
	Indent:  Indent{Char: ' ', Depth: 4},
	Newline: Newline{Sequence: "\n", Multiline: true},
}

// DetectStyle detects the layout of an existing document.
func DetectStyle(text string) (Style, error) {
	indent, err := DetectIndentation(text)
	if err != nil {
		return Style{}, err
	}
	nl := DetectNewline(text)
	return Style{
		Indent:          indent,
		Newline:         nl,
		TrailingNewline: nl.Sequence != "" && strings.HasSuffix(text, nl.Sequence),
	}, nil
}

// Compact reports whether the style renders everything on a single line.
func (s Style) Compact() bool {
	return s.Indent.Char == 0 && (s.Newline.Sequence == "" || !s.Newline.Multiline)
}

// Render encodes v in the layout of original. An empty original means the
// file does not exist yet and DefaultStyle applies. The only failures are a
// mixed-indentation original and a value that cannot be encoded.
func Render(v any, original string) ([]byte, error) {
	style := DefaultStyle
	if original != "" {
		var err error
		if style, err = DetectStyle(original); err != nil {
			return nil, err
		}
	}
	return style.Render(v)
}

// Render encodes v in this style.
func (s Style) Render(v any) ([]byte, error) {
	data, err := encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}

	var buf bytes.Buffer
	if s.Compact() {
		err = json.Compact(&buf, data)
	} else {
		// An empty unit still breaks lines, at zero width.
		err = json.Indent(&buf, data, "", s.Indent.Unit())
	}
	if err != nil {
		return nil, fmt.Errorf("format document: %w", err)
	}

	out := buf.Bytes()
	if s.Newline.Sequence == "\r\n" {
		// Encoded strings escape their line breaks, so every raw "\n" is structural.
		out = bytes.ReplaceAll(out, []byte("\n"), []byte("\r\n"))
	}
	if s.TrailingNewline {
		out = append(out, s.Newline.Sequence...)
	}
	return out, nil
}

// encode marshals v without HTML escaping. The output of a json.Marshaler is
// used as is, since the encoder would escape it again.
func encode(v any) ([]byte, error) {
	if m, ok := v.(json.Marshaler); ok {
		return m.MarshalJSON()
	}
	return json.MarshalNoEscape(v)
}
