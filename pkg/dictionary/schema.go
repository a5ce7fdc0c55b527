package dictionary

import (
	_ "embed"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON []byte

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
})

// Schema returns the JSON Schema a data dictionary must conform to.
func Schema() []byte {
	return append([]byte(nil), schemaJSON...)
}

// checkSchema reports the first schema violation, ordered by path so that the
// same document always yields the same error.
func checkSchema(d *Dictionary) error {
	schema, err := compiledSchema()
	if err != nil {
		return schemaError("", "schema could not be loaded: "+err.Error())
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(d.Document()))
	if err != nil {
		return schemaError("", err.Error())
	}
	if result.Valid() {
		return nil
	}

	errs := result.Errors()
	sort.SliceStable(errs, func(i, j int) bool {
		return errs[i].Field() < errs[j].Field()
	})
	first := errs[0]
	return schemaError(schemaPath(first.Field()), first.Description())
}

// schemaPath turns a gojsonschema field ("(root)" or "age.Annotations") into
// the entry name reported to users.
func schemaPath(field string) string {
	if field == "" || field == gojsonschema.STRING_ROOT_SCHEMA_PROPERTY {
		return entireDocument
	}
	return strings.TrimPrefix(field, gojsonschema.STRING_ROOT_SCHEMA_PROPERTY+".")
}
