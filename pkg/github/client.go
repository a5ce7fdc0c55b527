// Package github provides client functionality for the parts of the GitHub
// REST API used to propose data dictionary changes: reading repository
// contents, creating branches, committing files and opening pull requests.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"

	"github.com/neurobagel/dictionary-upload/pkg/logger"
)

const (
	// DefaultBaseURL is the public GitHub REST API.
	DefaultBaseURL = "https://api.github.com"

	clientTimeout   = 10 * time.Second
	maxResponseSize = 5 << 20 // 5MB
	apiVersion      = "2022-11-28"
	userAgent       = "neurobagel-dictionary-upload/1.0"
)

// ErrNotFound is returned when the requested repository, file or ref does not exist.
var ErrNotFound = errors.New("not found")

// APIError is an unsuccessful response from the GitHub API.
type APIError struct {
	Method     string
	Path       string
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("GitHub API %s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("GitHub API %s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// APIClient is the subset of the GitHub API the upload flow depends on.
type APIClient interface {
	DefaultBranch(ctx context.Context, repo string) (string, error)
	File(ctx context.Context, repo, path, ref string) (*File, error)
	CreateBranch(ctx context.Context, repo, branch, from string) error
	PutFile(ctx context.Context, repo string, update FileUpdate) error
	CreatePullRequest(ctx context.Context, repo string, pr NewPullRequest) (*PullRequest, error)
}

// Client provides GitHub API functionality for repositories of one owner.
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	observe    func(operation string, elapsed time.Duration)
	baseURL    string
	owner      string
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root, such as a test server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithObserver registers a callback receiving the duration of every API operation.
func WithObserver(fn func(operation string, elapsed time.Duration)) Option {
	return func(c *Client) { c.observe = fn }
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// NewClient creates a client for repositories owned by owner.
func NewClient(owner string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: clientTimeout},
		tokens:     tokens,
		baseURL:    DefaultBaseURL,
		owner:      owner,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Owner returns the account owning the repositories this client addresses.
func (c *Client) Owner() string {
	return c.owner
}

// File is the content of a repository file at some ref.
type File struct {
	Path    string
	SHA     string
	Content []byte
}

// Signature identifies a commit author.
type Signature struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// FileUpdate describes a single-file commit. SHA is the blob being replaced
// and must be empty when creating the file.
type FileUpdate struct {
	Author  *Signature
	Path    string
	Branch  string
	Message string
	SHA     string
	Content []byte
}

// NewPullRequest describes a pull request to open.
type NewPullRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body"`
}

// PullRequest is an opened pull request.
type PullRequest struct {
	HTMLURL string `json:"html_url"`
	Number  int    `json:"number"`
}

// DefaultBranch returns the default branch of repo.
func (c *Client) DefaultBranch(ctx context.Context, repo string) (string, error) {
	var r struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.do(ctx, "get_repository", http.MethodGet, c.repoPath(repo), nil, &r); err != nil {
		return "", fmt.Errorf("failed to get repository %s: %w", repo, err)
	}
	if r.DefaultBranch == "" {
		return "", fmt.Errorf("repository %s has no default branch", repo)
	}
	return r.DefaultBranch, nil
}

// File fetches path from repo at ref. It returns an error wrapping
// ErrNotFound when the file does not exist.
func (c *Client) File(ctx context.Context, repo, path, ref string) (*File, error) {
	p := c.repoPath(repo) + "/contents/" + escapePath(path)
	if ref != "" {
		p += "?ref=" + url.QueryEscape(ref)
	}

	var r struct {
		Type     string `json:"type"`
		Encoding string `json:"encoding"`
		Content  string `json:"content"`
		SHA      string `json:"sha"`
		Path     string `json:"path"`
	}
	if err := c.do(ctx, "get_contents", http.MethodGet, p, nil, &r); err != nil {
		return nil, fmt.Errorf("failed to get %s from %s: %w", path, repo, err)
	}
	if r.Type != "" && r.Type != "file" {
		return nil, fmt.Errorf("%s in %s is a %s, not a file", path, repo, r.Type)
	}
	if r.Encoding != "base64" {
		return nil, fmt.Errorf("%s in %s has unsupported content encoding %q", path, repo, r.Encoding)
	}

	// GitHub wraps base64 content at 60 columns.
	content, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(r.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s from %s: %w", path, repo, err)
	}
	return &File{Path: r.Path, SHA: r.SHA, Content: content}, nil
}

// CreateBranch creates branch in repo pointing at the head of from.
func (c *Client) CreateBranch(ctx context.Context, repo, branch, from string) error {
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	refPath := c.repoPath(repo) + "/git/ref/heads/" + escapePath(from)
	if err := c.do(ctx, "get_ref", http.MethodGet, refPath, nil, &ref); err != nil {
		return fmt.Errorf("failed to resolve branch %s of %s: %w", from, repo, err)
	}

	req := map[string]string{
		"ref": "refs/heads/" + branch,
		"sha": ref.Object.SHA,
	}
	if err := c.do(ctx, "create_ref", http.MethodPost, c.repoPath(repo)+"/git/refs", req, nil); err != nil {
		return fmt.Errorf("failed to create branch %s in %s: %w", branch, repo, err)
	}
	return nil
}

// PutFile commits a new version of a file.
func (c *Client) PutFile(ctx context.Context, repo string, update FileUpdate) error {
	req := struct {
		Author  *Signature `json:"author,omitempty"`
		Message string     `json:"message"`
		Content string     `json:"content"`
		SHA     string     `json:"sha,omitempty"`
		Branch  string     `json:"branch,omitempty"`
	}{
		Author:  update.Author,
		Message: update.Message,
		Content: base64.StdEncoding.EncodeToString(update.Content),
		SHA:     update.SHA,
		Branch:  update.Branch,
	}
	p := c.repoPath(repo) + "/contents/" + escapePath(update.Path)
	if err := c.do(ctx, "put_contents", http.MethodPut, p, req, nil); err != nil {
		return fmt.Errorf("failed to commit %s to %s: %w", update.Path, repo, err)
	}
	return nil
}

// CreatePullRequest opens a pull request in repo.
func (c *Client) CreatePullRequest(ctx context.Context, repo string, pr NewPullRequest) (*PullRequest, error) {
	var out PullRequest
	if err := c.do(ctx, "create_pull_request", http.MethodPost, c.repoPath(repo)+"/pulls", pr, &out); err != nil {
		return nil, fmt.Errorf("failed to open pull request in %s: %w", repo, err)
	}
	return &out, nil
}

func (c *Client) repoPath(repo string) string {
	return "/repos/" + url.PathEscape(c.owner) + "/" + url.PathEscape(repo)
}

func escapePath(p string) string {
	parts := strings.Split(strings.Trim(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// do sends one API request, retrying with exponential backoff and jitter on
// network errors, server errors and rate limiting. in is encoded as the JSON
// body; a successful response is decoded into out when out is non-nil.
func (c *Client) do(ctx context.Context, operation, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	start := time.Now()
	defer func() {
		if c.observe != nil {
			c.observe(operation, time.Since(start))
		}
	}()

	var lastErr error
	err := retry.Do(
		func() error {
			token, err := c.tokens.Token(ctx)
			if err != nil {
				lastErr = fmt.Errorf("failed to get GitHub token: %w", err)
				return retry.Unrecoverable(lastErr)
			}

			body := io.Reader(http.NoBody)
			if payload != nil {
				body = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
			if err != nil {
				lastErr = fmt.Errorf("failed to create request: %w", err)
				return retry.Unrecoverable(lastErr)
			}
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Accept", "application/vnd.github+json")
			req.Header.Set("X-GitHub-Api-Version", apiVersion) //nolint:canonicalheader // GitHub API header
			req.Header.Set("User-Agent", userAgent)
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				lastErr = fmt.Errorf("failed to make request: %w", err)
				logger.Warn(ctx, "GitHub API request failed (will retry)", logger.Fields{
					"operation": operation,
					"error":     err.Error(),
				})
				return err
			}
			defer func() {
				if err := resp.Body.Close(); err != nil {
					logger.Warn(ctx, "failed to close response body", logger.Fields{"error": err.Error()})
				}
			}()

			respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
			if err != nil {
				lastErr = fmt.Errorf("failed to read response: %w", err)
				return err
			}

			switch code := resp.StatusCode; {
			case code >= 200 && code < 300:
				if out != nil && len(respBody) > 0 {
					if err := json.Unmarshal(respBody, out); err != nil {
						lastErr = fmt.Errorf("failed to parse %s response: %w", operation, err)
						return retry.Unrecoverable(lastErr)
					}
				}
				return nil

			case code == http.StatusNotFound:
				lastErr = fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
				return retry.Unrecoverable(lastErr)

			case code == http.StatusForbidden || code == http.StatusTooManyRequests:
				if code == http.StatusTooManyRequests || resp.Header.Get("X-RateLimit-Remaining") == "0" { //nolint:canonicalheader // GitHub API header
					logger.Warn(ctx, "GitHub API rate limit hit", logger.Fields{
						"operation": operation,
						"reset":     resp.Header.Get("X-RateLimit-Reset"), //nolint:canonicalheader // GitHub API header
					})
					lastErr = errors.New("GitHub API rate limit exceeded")
					return lastErr
				}
				lastErr = newAPIError(method, path, code, respBody)
				return retry.Unrecoverable(lastErr)

			case code >= http.StatusInternalServerError:
				lastErr = newAPIError(method, path, code, respBody)
				logger.Warn(ctx, "GitHub API server error (will retry)", logger.Fields{
					"operation": operation,
					"status":    code,
				})
				return lastErr

			default:
				lastErr = newAPIError(method, path, code, respBody)
				return retry.Unrecoverable(lastErr)
			}
		},
		retry.Attempts(3),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
	)
	if err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

func newAPIError(method, path string, status int, body []byte) *APIError {
	var msg struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		msg.Message = strings.TrimSpace(string(body))
	}
	return &APIError{Method: method, Path: path, StatusCode: status, Message: msg.Message}
}
