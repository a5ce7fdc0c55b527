// Package dictionary models Neurobagel data dictionaries: JSON documents that
// describe the columns of a tabular phenotypic file and annotate them with
// standardized concept terms. It validates dictionaries against a structural
// schema plus consistency rules, and classifies changes between two versions.
package dictionary

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

const annotationsKey = "Annotations"

// Term is a controlled-vocabulary term.
type Term struct {
	TermURL string `json:"TermURL"`
	Label   string `json:"Label,omitempty"`
}

// Annotations holds the Neurobagel annotations of a single column.
// Keys other than the ones below (Transformation, Identifies, IsPartOf, ...)
// are accepted but not interpreted.
type Annotations struct {
	IsAbout       *Term           `json:"IsAbout"`
	Levels        map[string]Term `json:"Levels,omitempty"`
	MissingValues []string        `json:"MissingValues,omitempty"`
}

// Column is the descriptor of one column. Levels is the raw BIDS levels
// mapping, which lives next to Annotations rather than inside it.
type Column struct {
	Annotations *Annotations   `json:"Annotations,omitempty"`
	Levels      map[string]any `json:"Levels,omitempty"`
	Description string         `json:"Description,omitempty"`
}

// Annotated reports whether the column carries Neurobagel annotations.
func (c Column) Annotated() bool {
	return c.Annotations != nil
}

// Categorical reports whether the column is annotated with levels.
func (c Column) Categorical() bool {
	return c.Annotations != nil && c.Annotations.Levels != nil
}

// About returns the concept the column is annotated as being about.
func (c Column) About() Concept {
	if c.Annotations == nil || c.Annotations.IsAbout == nil {
		return ""
	}
	return Concept(c.Annotations.IsAbout.TermURL)
}

// Dictionary is a data dictionary. Column order follows the source document;
// each column keeps its original encoding so that re-serialization does not
// reorder the fields inside a column.
type Dictionary struct {
	columns map[string]json.RawMessage
	names   []string
}

// Parse decodes a data dictionary. Malformed JSON and documents whose top
// level is not an object fail with a schema ValidationError. A repeated column
// name keeps its first position and its last value.
func Parse(data []byte) (*Dictionary, error) {
	if !json.Valid(data) {
		return nil, schemaError("", "the document is not valid JSON")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, schemaError("", err.Error())
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, schemaError("", "the data dictionary must be a JSON object")
	}

	d := &Dictionary{columns: make(map[string]json.RawMessage)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, schemaError("", err.Error())
		}
		name, ok := tok.(string)
		if !ok {
			return nil, schemaError("", fmt.Sprintf("unexpected token %v", tok))
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, schemaError(name, err.Error())
		}
		if _, seen := d.columns[name]; !seen {
			d.names = append(d.names, name)
		}
		d.columns[name] = raw
	}
	return d, nil
}

// Names returns the column names in document order.
func (d *Dictionary) Names() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.names...)
}

// Len returns the number of columns.
func (d *Dictionary) Len() int {
	if d == nil {
		return 0
	}
	return len(d.names)
}

// Column decodes the descriptor of the named column.
func (d *Dictionary) Column(name string) (Column, error) {
	var col Column
	raw, ok := d.columns[name]
	if !ok {
		return col, fmt.Errorf("column %q not found", name)
	}
	if err := json.Unmarshal(raw, &col); err != nil {
		return col, fmt.Errorf("decode column %q: %w", name, err)
	}
	return col, nil
}

// Document returns a freshly decoded, untyped view of the dictionary.
func (d *Dictionary) Document() map[string]any {
	doc := make(map[string]any, d.Len())
	if d == nil {
		return doc
	}
	for _, name := range d.names {
		var v any
		if err := json.Unmarshal(d.columns[name], &v); err != nil {
			v = string(d.columns[name])
		}
		doc[name] = v
	}
	return doc
}

// MarshalJSON encodes the dictionary compactly, in document order.
func (d *Dictionary) MarshalJSON() ([]byte, error) {
	var buf, col bytes.Buffer
	buf.WriteByte('{')
	for i, name := range d.Names() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.MarshalNoEscape(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		// Compact overwrites its destination, so each column gets a fresh buffer.
		col.Reset()
		if err := json.Compact(&col, d.columns[name]); err != nil {
			return nil, fmt.Errorf("encode column %q: %w", name, err)
		}
		buf.Write(col.Bytes())
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
