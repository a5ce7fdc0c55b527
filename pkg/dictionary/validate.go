package dictionary

import (
	"strings"
)

// WarningKind classifies a non-terminating validation finding.
type WarningKind string

// Warning kinds produced by Validate and by ChangeWarnings.
const (
	WarnMultipleSexColumns          WarningKind = "multiple_sex_columns"
	WarnMultipleAgeColumns          WarningKind = "multiple_age_columns"
	WarnMultipleSubjectGroupColumns WarningKind = "multiple_subject_group_columns"
	WarnCategoricalWithoutLevels    WarningKind = "categorical_without_levels"
	WarnMismatchedLevels            WarningKind = "mismatched_levels"
	WarnNonAnnotationChanges        WarningKind = "non_annotation_changes"
	WarnNoChanges                   WarningKind = "no_changes"
)

// Warning is an issue that does not block an upload but should be shown to
// whoever reviews it.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	Message string      `json:"message"`
	Columns []string    `json:"columns,omitempty"`
}

func (w Warning) String() string {
	return w.Message
}

// Warnings is an ordered list of warnings.
type Warnings []Warning

// Messages returns the message of every warning.
func (ws Warnings) Messages() []string {
	msgs := make([]string, len(ws))
	for i, w := range ws {
		msgs[i] = w.Message
	}
	return msgs
}

// namedColumn is a decoded column together with its name.
type namedColumn struct {
	name string
	Column
}

// multiColumnWarnings lists the concepts for which several annotated columns
// are tolerated, and what is said about them.
var multiColumnWarnings = []struct {
	concept Concept
	kind    WarningKind
	message string
}{
	{
		concept: Sex,
		kind:    WarnMultipleSexColumns,
		message: "The data dictionary indicates more than one column about sex. " +
			"Neurobagel cannot resolve multiple sex values per subject-session, and so will use only the first identified column for sex data.",
	},
	{
		concept: Age,
		kind:    WarnMultipleAgeColumns,
		message: "The data dictionary indicates more than one column about age. " +
			"Neurobagel cannot resolve multiple age values per subject-session, so will use only the first identified column for age data.",
	},
	{
		concept: SubjectGroup,
		kind:    WarnMultipleSubjectGroupColumns,
		message: "The data dictionary indicates more than one column about subject group. " +
			"Neurobagel cannot resolve multiple subject group values per subject-session, and so will use only the first identified column for subject group data.",
	},
}

// Validate checks d against the schema and the annotation rules. A non-nil
// error is always a *ValidationError; warnings are returned only when the
// dictionary is accepted.
func Validate(d *Dictionary) (Warnings, error) {
	if d == nil {
		return nil, schemaError("", "no data dictionary provided")
	}
	if err := checkSchema(d); err != nil {
		return nil, err
	}

	annotated, err := annotatedColumns(d)
	if err != nil {
		return nil, schemaError("", err.Error())
	}
	if len(annotated) == 0 {
		return nil, &ValidationError{
			Kind:    ErrMissingAnnotation,
			Message: "The data dictionary must contain at least one column with Neurobagel annotations.",
		}
	}

	participants := columnsAbout(annotated, ParticipantID)
	if len(participants) == 0 {
		return nil, &ValidationError{
			Kind:    ErrMissingAnnotation,
			Message: "The data dictionary must contain at least one column annotated as being about participant ID.",
		}
	}
	// NOTE: downstream tooling resolves a single participant and session ID column only.
	if len(participants) > 1 || len(columnsAbout(annotated, SessionID)) > 1 {
		return nil, &ValidationError{
			Kind: ErrCardinality,
			Message: "The data dictionary has more than one column about participant ID or session ID. " +
				"Please ensure only one column is annotated for participant and session IDs.",
		}
	}

	var warnings Warnings
	for _, check := range multiColumnWarnings {
		if cols := columnsAbout(annotated, check.concept); len(cols) > 1 {
			warnings = append(warnings, Warning{Kind: check.kind, Message: check.message, Columns: cols})
		}
	}

	if cols := categoricalWithoutLevels(annotated); len(cols) > 0 {
		warnings = append(warnings, Warning{
			Kind: WarnCategoricalWithoutLevels,
			Message: "The data dictionary contains at least one column that looks categorical but lacks a BIDS 'Levels' attribute: " +
				strings.Join(cols, ", "),
			Columns: cols,
		})
	}

	if cols := mismatchedLevels(annotated); len(cols) > 0 {
		warnings = append(warnings, Warning{
			Kind: WarnMismatchedLevels,
			Message: "The data dictionary contains columns with mismatched levels between the BIDS and Neurobagel annotations: " +
				strings.Join(cols, ", "),
			Columns: cols,
		})
	}

	return warnings, nil
}

// AnnotatedColumns returns the names of columns carrying Annotations, in
// document order.
func AnnotatedColumns(d *Dictionary) ([]string, error) {
	cols, err := annotatedColumns(d)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return names, nil
}

// ColumnsAbout returns the names of annotated columns about concept.
func ColumnsAbout(d *Dictionary, concept Concept) ([]string, error) {
	cols, err := annotatedColumns(d)
	if err != nil {
		return nil, err
	}
	return columnsAbout(cols, concept), nil
}

func annotatedColumns(d *Dictionary) ([]namedColumn, error) {
	var cols []namedColumn
	for _, name := range d.Names() {
		col, err := d.Column(name)
		if err != nil {
			return nil, err
		}
		if col.Annotated() {
			cols = append(cols, namedColumn{name: name, Column: col})
		}
	}
	return cols, nil
}

func columnsAbout(cols []namedColumn, concept Concept) []string {
	var names []string
	for _, c := range cols {
		if c.About() == concept {
			names = append(names, c.name)
		}
	}
	return names
}

func categoricalWithoutLevels(cols []namedColumn) []string {
	var names []string
	for _, c := range cols {
		if c.Categorical() && c.Levels == nil {
			names = append(names, c.name)
		}
	}
	return names
}

// mismatchedLevels returns categorical columns whose BIDS levels include a
// value that is neither annotated nor declared missing.
func mismatchedLevels(cols []namedColumn) []string {
	var names []string
	for _, c := range cols {
		if !c.Categorical() {
			continue
		}
		known := make(map[string]struct{}, len(c.Annotations.Levels)+len(c.Annotations.MissingValues))
		for level := range c.Annotations.Levels {
			known[level] = struct{}{}
		}
		for _, missing := range c.Annotations.MissingValues {
			known[missing] = struct{}{}
		}
		for level := range c.Levels {
			if _, ok := known[level]; !ok {
				names = append(names, c.name)
				break
			}
		}
	}
	return names
}
