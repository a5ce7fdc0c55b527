package dictionary

import "errors"

// Kinds of validation failure. Match them with errors.Is.
var (
	ErrSchema            = errors.New("data dictionary does not conform to the schema")
	ErrMissingAnnotation = errors.New("data dictionary is missing a required annotation")
	ErrCardinality       = errors.New("data dictionary has more than one participant or session ID column")
)

// entireDocument names the schema path of a failure on the top-level value.
const entireDocument = "Entire document"

// ValidationError is a terminating validation failure.
type ValidationError struct {
	// Kind is one of ErrSchema, ErrMissingAnnotation or ErrCardinality.
	Kind error
	// Path is the offending entry for schema failures, empty otherwise.
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

func schemaError(path, details string) *ValidationError {
	if path == "" {
		path = entireDocument
	}
	return &ValidationError{
		Kind: ErrSchema,
		Path: path,
		Message: "The data dictionary is not a valid Neurobagel data dictionary. " +
			"Entry that failed validation: " + path + ". " +
			"Details: " + details + ". " +
			"TIP: Ensure each annotated column contains an 'Annotations' key.",
	}
}
