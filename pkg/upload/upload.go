package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/neurobagel/dictionary-upload/pkg/dictionary"
	"github.com/neurobagel/dictionary-upload/pkg/github"
	"github.com/neurobagel/dictionary-upload/pkg/jsonfmt"
	"github.com/neurobagel/dictionary-upload/pkg/logger"
)

// ErrDatasetNotFound is returned when no repository exists for the dataset ID.
var ErrDatasetNotFound = errors.New("dataset not found")

// UpstreamError is a failed GitHub operation.
type UpstreamError struct {
	Err error
	Op  string
}

func (e *UpstreamError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Result is the outcome of an accepted upload.
type Result struct {
	// PullRequest is nil when the upload changed nothing.
	PullRequest *github.PullRequest
	Branch      string
	Warnings    dictionary.Warnings
	Created     bool
}

// Upload validates req.Dictionary and proposes it as the dataset's data
// dictionary through a pull request. Validation failures are returned as
// *dictionary.ValidationError, a mixed-indentation target file as
// *jsonfmt.MixedIndentationError and GitHub failures as *UpstreamError.
func (s *Server) Upload(ctx context.Context, req Request) (*Result, error) {
	d, err := dictionary.Parse(req.Dictionary)
	if err != nil {
		return nil, err
	}
	warnings, err := dictionary.Validate(d)
	if err != nil {
		return nil, err
	}

	repo := req.DatasetID
	base, err := s.github.DefaultBranch(ctx, repo)
	if err != nil {
		if errors.Is(err, github.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, repo)
		}
		return nil, &UpstreamError{Op: "get repository", Err: err}
	}

	var original []byte
	var originalSHA string
	existing, err := s.github.File(ctx, repo, s.targetFile, base)
	switch {
	case err == nil:
		original, originalSHA = existing.Content, existing.SHA
	case errors.Is(err, github.ErrNotFound):
		logger.Info(ctx, "target file does not exist yet", logger.Fields{"dataset_id": repo, "path": s.targetFile})
	default:
		return nil, &UpstreamError{Op: "get " + s.targetFile, Err: err}
	}

	rendered, err := jsonfmt.Render(d, string(original))
	if err != nil {
		return nil, err
	}

	var current *dictionary.Dictionary
	if existing != nil {
		if current, err = dictionary.Parse(original); err != nil {
			// Unparseable content is replaced without comparing.
			logger.Warn(ctx, "existing data dictionary is not valid JSON", logger.Fields{"dataset_id": repo})
			current = nil
		}
	}
	unchanged := existing != nil && bytes.Equal(rendered, original)
	warnings = append(warnings, dictionary.ChangeWarnings(current, d, unchanged)...)

	result := &Result{Warnings: warnings, Created: existing == nil}
	if unchanged {
		return result, nil
	}

	result.Branch = s.branchName(req.GitHubUsername)
	if err := s.github.CreateBranch(ctx, repo, result.Branch, base); err != nil {
		return nil, &UpstreamError{Op: "create branch", Err: err}
	}

	title := s.title(result.Created)
	err = s.github.PutFile(ctx, repo, github.FileUpdate{
		Path:    s.targetFile,
		Branch:  result.Branch,
		Message: title,
		SHA:     originalSHA,
		Content: rendered,
		Author:  &github.Signature{Name: req.Name, Email: req.Email},
	})
	if err != nil {
		return nil, &UpstreamError{Op: "commit " + s.targetFile, Err: err}
	}

	pr, err := s.github.CreatePullRequest(ctx, repo, github.NewPullRequest{
		Title: title,
		Head:  result.Branch,
		Base:  base,
		Body:  pullRequestBody(req, warnings),
	})
	if err != nil {
		return nil, &UpstreamError{Op: "open pull request", Err: err}
	}
	result.PullRequest = pr

	logger.Info(ctx, "opened pull request", logger.Fields{
		"dataset_id": repo,
		"branch":     result.Branch,
		"number":     pr.Number,
		"warnings":   len(warnings),
	})
	return result, nil
}

// branchName is "<gh_username>-<id>", or "bot-<id>" for anonymous uploads.
func (s *Server) branchName(ghUsername string) string {
	prefix := ghUsername
	if prefix == "" {
		prefix = "bot"
	}
	return prefix + "-" + s.newID()
}

func (s *Server) title(created bool) string {
	if created {
		return "[bot] Add " + s.targetFile
	}
	return "[bot] Update " + s.targetFile
}

func pullRequestBody(req Request, warnings dictionary.Warnings) string {
	var b strings.Builder
	b.WriteString("## Changes summary\n\n")
	b.WriteString(strings.TrimSpace(req.Summary))
	b.WriteString("\n\n")

	b.WriteString("Submitted by ")
	b.WriteString(req.Name)
	if req.GitHubUsername != "" {
		b.WriteString(" (@" + req.GitHubUsername + ")")
	}
	b.WriteString(".\n")

	if len(warnings) > 0 {
		b.WriteString("\n## Warnings\n\n")
		for _, w := range warnings {
			b.WriteString("- " + w.Message + "\n")
		}
	}
	return b.String()
}
