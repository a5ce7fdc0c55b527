package upload

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
)

const maxGitHubUsernameLen = 39

var (
	datasetIDPattern = regexp.MustCompile(`^ds[0-9]+$`)
	// Alphanumerics separated by single hyphens, not starting or ending with one.
	ghUsernamePattern = regexp.MustCompile(`^[A-Za-z0-9]+(?:-[A-Za-z0-9]+)*$`)
)

// Request is one data dictionary submission.
type Request struct {
	DatasetID      string
	Summary        string
	Name           string
	Email          string
	GitHubUsername string
	Dictionary     []byte
}

// FormError is an invalid or missing request field.
type FormError struct {
	Field   string
	Message string
}

func (e *FormError) Error() string {
	return e.Message
}

// Validate checks the request fields, not the dictionary itself.
func (r *Request) Validate() error {
	if !datasetIDPattern.MatchString(r.DatasetID) {
		return &FormError{
			Field:   "dataset_id",
			Message: fmt.Sprintf("Invalid dataset ID %q. Expected an OpenNeuro dataset ID such as ds000001.", r.DatasetID),
		}
	}
	if len(r.Dictionary) == 0 {
		return missingField("data_dictionary")
	}
	if strings.TrimSpace(r.Summary) == "" {
		return missingField("changes_summary")
	}
	if strings.TrimSpace(r.Name) == "" {
		return missingField("name")
	}
	if strings.TrimSpace(r.Email) == "" {
		return missingField("email")
	}
	if addr, err := mail.ParseAddress(r.Email); err != nil || addr.Address != strings.TrimSpace(r.Email) {
		return &FormError{Field: "email", Message: "Invalid email address."}
	}
	if r.GitHubUsername != "" && !ValidGitHubUsername(r.GitHubUsername) {
		return &FormError{Field: "gh_username", Message: "GitHub username (gh_username) contains invalid characters."}
	}
	return nil
}

// ValidGitHubUsername reports whether name follows GitHub's username rules.
func ValidGitHubUsername(name string) bool {
	return len(name) <= maxGitHubUsernameLen && ghUsernamePattern.MatchString(name)
}

func missingField(name string) *FormError {
	return &FormError{Field: name, Message: "Missing required field: " + name + "."}
}
