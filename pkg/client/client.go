package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"
)

// AuthenticationError represents rejected credentials. It is never retried.
type AuthenticationError struct {
	message string
}

func (e *AuthenticationError) Error() string {
	return e.message
}

// APIError is a non-success response from the upload API.
type APIError struct {
	Message string
	Status  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upload API returned %d: %s", e.Status, e.Message)
}

const (
	// DefaultServerURL is the public upload API.
	DefaultServerURL = "https://upload.neurobagel.org"

	uploadPath      = "/openneuro/upload"
	clientTimeout   = 60 * time.Second
	maxResponseSize = 1 << 20 // 1MB
)

// Config holds the configuration for the client.
type Config struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	ServerURL  string
	Username   string
	Password   string
	MaxBackoff time.Duration
	MaxRetries int
}

// Request is one data dictionary upload.
type Request struct {
	DatasetID      string
	Summary        string
	Name           string
	Email          string
	GitHubUsername string
	// Filename is reported to the server; it defaults to participants.json.
	Filename   string
	Dictionary []byte
}

// Response is the body of a successful upload.
type Response struct {
	Message        string   `json:"message"`
	PullRequestURL string   `json:"pull_request_url,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Client uploads data dictionaries.
type Client struct {
	logger     *slog.Logger
	httpClient *http.Client
	config     Config
}

// New creates a new upload client.
func New(config Config) (*Client, error) {
	if config.ServerURL == "" {
		return nil, errors.New("serverURL is required")
	}
	if _, err := url.Parse(config.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid serverURL: %w", err)
	}
	if config.Username == "" || config.Password == "" {
		return nil, errors.New("username and password are required")
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: clientTimeout}
	}

	return &Client{config: config, logger: logger, httpClient: httpClient}, nil
}

// Upload sends req and returns the server's response. Network errors and
// server errors are retried with backoff.
func (c *Client) Upload(ctx context.Context, req Request) (*Response, error) {
	body, contentType, err := encodeForm(req)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(c.config.ServerURL, "/") + uploadPath + "?dataset_id=" + url.QueryEscape(req.DatasetID)

	var out *Response
	var lastErr error
	err = retry.Do(
		func() error {
			resp, err := c.send(ctx, endpoint, contentType, body)
			if err != nil {
				lastErr = err
				var authErr *AuthenticationError
				var apiErr *APIError
				switch {
				case errors.As(err, &authErr):
					return retry.Unrecoverable(err)
				case errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError:
					return retry.Unrecoverable(err)
				}
				return err
			}
			out = resp
			return nil
		},
		retry.Attempts(uint(c.config.MaxRetries)), //nolint:gosec // MaxRetries is small and positive
		retry.Context(ctx),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(c.config.MaxBackoff),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("upload failed, retrying", "dataset_id", req.DatasetID, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}

	c.logger.Info("upload finished", "dataset_id", req.DatasetID, "pull_request_url", out.PullRequestURL, "warnings", len(out.Warnings))
	return out, nil
}

func (c *Client) send(ctx context.Context, endpoint, contentType string, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.SetBasicAuth(c.config.Username, c.config.Password)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send upload: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", "error", err)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &AuthenticationError{message: "upload API rejected the credentials for user " + c.config.Username}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}

// encodeForm builds the multipart body once so it can be resent on retry.
func encodeForm(req Request) (body []byte, contentType string, err error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := []struct{ name, value string }{
		{"changes_summary", req.Summary},
		{"name", req.Name},
		{"email", req.Email},
		{"gh_username", req.GitHubUsername},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := mw.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("failed to encode %s: %w", f.name, err)
		}
	}

	filename := req.Filename
	if filename == "" {
		filename = "participants.json"
	}
	part, err := mw.CreateFormFile("data_dictionary", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode data dictionary: %w", err)
	}
	if _, err := part.Write(req.Dictionary); err != nil {
		return nil, "", fmt.Errorf("failed to encode data dictionary: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to encode form: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
