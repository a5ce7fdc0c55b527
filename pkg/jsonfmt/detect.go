// Package jsonfmt re-serializes JSON documents in the layout of an existing
// file (indent character and depth, line endings, single or multi-line) so
// that replacing the file produces a minimal diff.
//
// Detection is a deliberate heuristic: only the first line that does not open
// with a brace is inspected for indentation, and only the first line ending is
// inspected for the newline convention.
package jsonfmt

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMixedIndentation is matched by *MixedIndentationError.
var ErrMixedIndentation = errors.New("mixed indentation")

// MixedIndentationError reports an indented line that mixes spaces and tabs.
type MixedIndentationError struct {
	Content string
	Line    int // 1-based
}

func (e *MixedIndentationError) Error() string {
	return fmt.Sprintf("the existing file uses mixed indentation characters on line %d: %q", e.Line, e.Content)
}

// Is lets errors.Is match ErrMixedIndentation.
func (e *MixedIndentationError) Is(target error) bool {
	return target == ErrMixedIndentation
}

// Indent is the indentation unit of a document. A zero Char means the
// document is not indented.
type Indent struct {
	Char  rune
	Depth int
}

// Unit returns the indentation string for one nesting level.
func (i Indent) Unit() string {
	if i.Char == 0 || i.Depth <= 0 {
		return ""
	}
	return strings.Repeat(string(i.Char), i.Depth)
}

// Newline is the line-ending convention of a document.
type Newline struct {
	// Sequence is "\r\n", "\n", or "" when the first line has no line ending.
	Sequence string
	// Multiline is set when the document has a second line.
	Multiline bool
}

// DetectIndentation finds the indentation of the first line that does not
// start with an opening brace. The leading whitespace of that line must be
// all spaces or all tabs.
func DetectIndentation(text string) (Indent, error) {
	for i, line := range splitLines(text) {
		if strings.HasPrefix(line, "{") {
			continue
		}

		var indent Indent
		for _, r := range line {
			if r != ' ' && r != '\t' {
				break
			}
			if indent.Char == 0 {
				indent.Char = r
			} else if r != indent.Char {
				return Indent{}, &MixedIndentationError{Line: i + 1, Content: line}
			}
			indent.Depth++
		}
		return indent, nil
	}
	return Indent{}, nil
}

// DetectNewline inspects the first line ending of text.
func DetectNewline(text string) Newline {
	var nl Newline
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		switch {
		case text[i] == '\n':
			nl.Sequence = "\n"
		case i+1 < len(text) && text[i+1] == '\n':
			nl.Sequence = "\r\n"
		}
	}
	nl.Multiline = len(splitLines(text)) > 1
	return nl
}

// splitLines splits text at "\n", "\r\n" and "\r". A final line ending does
// not start a new, empty line.
func splitLines(text string) []string {
	var lines []string
	for text != "" {
		i := strings.IndexAny(text, "\r\n")
		if i < 0 {
			lines = append(lines, text)
			break
		}
		lines = append(lines, text[:i])
		if text[i] == '\r' && i+1 < len(text) && text[i+1] == '\n' {
			i++
		}
		text = text[i+1:]
	}
	return lines
}
