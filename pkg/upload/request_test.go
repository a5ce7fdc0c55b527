package upload

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidGitHubUsername(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{name: "alice", want: true},
		{name: "alice-smith", want: true},
		{name: "a1-b2-c3", want: true},
		{name: "A", want: true},
		{name: strings.Repeat("a", 39), want: true},
		{name: strings.Repeat("a", 40), want: false},
		{name: "-alice", want: false},
		{name: "alice-", want: false},
		{name: "alice--smith", want: false},
		{name: "alice_smith", want: false},
		{name: "alice smith", want: false},
		{name: "alice/../x", want: false},
		{name: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidGitHubUsername(tt.name))
		})
	}
}

func TestRequestValidate(t *testing.T) {
	valid := func() Request {
		return Request{
			DatasetID:  "ds000001",
			Summary:    "summary",
			Name:       "Alice",
			Email:      "alice@example.org",
			Dictionary: []byte("{}"),
		}
	}

	tests := []struct {
		name      string
		mutate    func(*Request)
		wantField string
	}{
		{name: "valid", mutate: func(*Request) {}},
		{name: "valid with username", mutate: func(r *Request) { r.GitHubUsername = "alice" }},
		{name: "dataset id without prefix", mutate: func(r *Request) { r.DatasetID = "000001" }, wantField: "dataset_id"},
		{name: "dataset id with path", mutate: func(r *Request) { r.DatasetID = "ds000001/../x" }, wantField: "dataset_id"},
		{name: "empty dataset id", mutate: func(r *Request) { r.DatasetID = "" }, wantField: "dataset_id"},
		{name: "no dictionary", mutate: func(r *Request) { r.Dictionary = nil }, wantField: "data_dictionary"},
		{name: "blank summary", mutate: func(r *Request) { r.Summary = "  \n" }, wantField: "changes_summary"},
		{name: "no name", mutate: func(r *Request) { r.Name = "" }, wantField: "name"},
		{name: "no email", mutate: func(r *Request) { r.Email = "" }, wantField: "email"},
		{name: "bad email", mutate: func(r *Request) { r.Email = "not-an-email" }, wantField: "email"},
		{name: "display name email", mutate: func(r *Request) { r.Email = "Alice <alice@example.org>" }, wantField: "email"},
		{name: "bad username", mutate: func(r *Request) { r.GitHubUsername = "alice_smith" }, wantField: "gh_username"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var formErr *FormError
			require.True(t, errors.As(err, &formErr), "got %v", err)
			assert.Equal(t, tt.wantField, formErr.Field)
		})
	}
}
