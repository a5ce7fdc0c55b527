package dictionary

import (
	"github.com/google/go-cmp/cmp"
)

// ChangeWarnings compares an existing dictionary with its replacement and
// returns the warnings a reviewer should see. unchanged reports that the
// replacement renders byte-identical to the existing file.
func ChangeWarnings(current, updated *Dictionary, unchanged bool) Warnings {
	if unchanged {
		return Warnings{{
			Kind:    WarnNoChanges,
			Message: "The uploaded data dictionary is identical to the existing one, so no changes were proposed.",
		}}
	}
	if current != nil && !OnlyAnnotationChanges(current, updated) {
		return Warnings{{
			Kind: WarnNonAnnotationChanges,
			Message: "The uploaded data dictionary may contain changes that are not related to Neurobagel annotations. " +
				"Please review the pull request carefully.",
		}}
	}
	return nil
}

// OnlyAnnotationChanges reports whether every difference between current and
// updated is confined to the Annotations of their columns. Key order is not
// significant.
//
// NOTE: any key named "Annotations" is stripped, whether or not its content
// was authored by Neurobagel.
func OnlyAnnotationChanges(current, updated *Dictionary) bool {
	return cmp.Equal(withoutAnnotations(current), withoutAnnotations(updated))
}

// withoutAnnotations projects a dictionary onto its non-annotation content.
// Column values that are not objects are kept unchanged.
func withoutAnnotations(d *Dictionary) map[string]any {
	doc := d.Document()
	for _, v := range doc {
		if fields, ok := v.(map[string]any); ok {
			delete(fields, annotationsKey)
		}
	}
	return doc
}
