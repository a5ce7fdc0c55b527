package dictionary

import "strings"

// Vocabulary namespace used by concept terms.
const (
	NamespacePrefix = "nb"
	NamespaceURL    = "http://neurobagel.org/vocab/"
)

// Concept is a shorthand IRI that a column can be annotated as being "about".
type Concept string

// Concepts recognized by the validator.
const (
	ParticipantID  Concept = NamespacePrefix + ":ParticipantID"
	SessionID      Concept = NamespacePrefix + ":SessionID"
	Sex            Concept = NamespacePrefix + ":Sex"
	Age            Concept = NamespacePrefix + ":Age"
	Diagnosis      Concept = NamespacePrefix + ":Diagnosis"
	SubjectGroup   Concept = NamespacePrefix + ":SubjectGroup"
	AssessmentTool Concept = NamespacePrefix + ":Assessment"
)

var concepts = []Concept{ParticipantID, SessionID, Sex, Age, Diagnosis, SubjectGroup, AssessmentTool}

// Concepts returns the closed set of concepts, in a stable order.
func Concepts() []Concept {
	return append([]Concept(nil), concepts...)
}

// Known reports whether c is part of the vocabulary.
func (c Concept) Known() bool {
	for _, known := range concepts {
		if c == known {
			return true
		}
	}
	return false
}

// IRI expands the namespace prefix into the full vocabulary URL.
func (c Concept) IRI() string {
	if rest, ok := strings.CutPrefix(string(c), NamespacePrefix+":"); ok {
		return NamespaceURL + rest
	}
	return string(c)
}
