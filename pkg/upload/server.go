// Package upload implements the HTTP API that accepts annotated data
// dictionaries and proposes them to dataset repositories as pull requests.
package upload

import (
	"context"
	_ "embed"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/neurobagel/dictionary-upload/pkg/dictionary"
	"github.com/neurobagel/dictionary-upload/pkg/github"
	"github.com/neurobagel/dictionary-upload/pkg/jsonfmt"
	"github.com/neurobagel/dictionary-upload/pkg/logger"
	"github.com/neurobagel/dictionary-upload/pkg/metrics"
)

const (
	// UploadPath is the upload route below the root path.
	UploadPath = "/openneuro/upload"

	defaultTargetFile     = "participants.json"
	defaultMaxUploadBytes = 10 << 20 // 10MB
	multipartMemory       = 1 << 20  // 1MB

	successMessage = "Successfully uploaded file to OpenNeuroDatasets-JSONLD."
	noopMessage    = "No changes to upload: the data dictionary is identical to the existing file."
	failureMessage = "Failed to upload the file to OpenNeuroDatasets-JSONLD."
)

//go:embed openapi.json
var openAPIDocument []byte

// Config configures a Server.
type Config struct {
	GitHub  github.APIClient
	Metrics *metrics.Metrics
	// NewID generates the unique part of branch names.
	NewID          func() string
	Username       string
	Password       string
	TargetFile     string
	RootPath       string
	MaxUploadBytes int64
}

// Server handles upload API requests.
type Server struct {
	github         github.APIClient
	metrics        *metrics.Metrics
	newID          func() string
	creds          credentials
	targetFile     string
	rootPath       string
	maxUploadBytes int64
}

// SuccessResponse is returned for accepted uploads.
type SuccessResponse struct {
	Message        string   `json:"message"`
	PullRequestURL string   `json:"pull_request_url,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// ErrorResponse is returned for rejected uploads.
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.GitHub == nil {
		return nil, errors.New("GitHub client is required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("API username and password are required")
	}

	s := &Server{
		github:         cfg.GitHub,
		metrics:        cfg.Metrics,
		newID:          cfg.NewID,
		creds:          newCredentials(cfg.Username, cfg.Password),
		targetFile:     cfg.TargetFile,
		rootPath:       cfg.RootPath,
		maxUploadBytes: cfg.MaxUploadBytes,
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.targetFile == "" {
		s.targetFile = defaultTargetFile
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = defaultMaxUploadBytes
	}
	return s, nil
}

// Handler returns the API routes. Every route answers both with and without
// the root path prefix, so the API works behind a path-stripping proxy and
// when accessed directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /docs", s.handleDocs)
	mux.HandleFunc("GET /openapi.json", s.handleOpenAPI)
	mux.HandleFunc("PUT "+UploadPath, s.handleUpload)
	return s.stripRootPath(mux)
}

func (s *Server) stripRootPath(next http.Handler) http.Handler {
	root := s.rootPath
	if root == "" || root == "/" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rest, ok := strings.CutPrefix(r.URL.Path, root)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if rest == "" {
			rest = "/"
		}
		if !strings.HasPrefix(rest, "/") {
			// "/uploadfoo" does not live under "/upload".
			next.ServeHTTP(w, r)
			return
		}

		r2 := new(http.Request)
		*r2 = *r
		u := *r.URL
		u.Path = rest
		u.RawPath = ""
		r2.URL = &u
		next.ServeHTTP(w, r2)
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.creds.verify(r) {
		s.metrics.Upload(metrics.ResultUnauthorized)
		logger.Warn(ctx, "upload rejected: invalid credentials", nil)
		w.Header().Set("WWW-Authenticate", `Basic realm="neurobagel"`)
		writeError(ctx, w, http.StatusUnauthorized, "Incorrect username or password.")
		return
	}

	req, status, err := s.readRequest(w, r)
	if err != nil {
		s.metrics.Upload(metrics.ResultBadRequest)
		logger.Warn(ctx, "upload rejected: invalid form", logger.Fields{"error": err.Error()})
		writeError(ctx, w, status, err.Error())
		return
	}

	result, err := s.Upload(ctx, req)
	if err != nil {
		s.writeUploadError(ctx, w, req, err)
		return
	}

	for _, warning := range result.Warnings {
		s.metrics.Warning(string(warning.Kind))
	}
	resp := SuccessResponse{Message: successMessage, Warnings: result.Warnings.Messages()}
	if result.PullRequest == nil {
		s.metrics.Upload(metrics.ResultNoop)
		resp.Message = noopMessage
	} else {
		s.metrics.Upload(metrics.ResultPROpened)
		resp.PullRequestURL = result.PullRequest.HTMLURL
	}
	writeJSON(ctx, w, http.StatusOK, resp)
}

func (s *Server) writeUploadError(ctx context.Context, w http.ResponseWriter, req Request, err error) {
	fields := logger.Fields{"dataset_id": req.DatasetID}

	var invalid *dictionary.ValidationError
	var upstream *UpstreamError
	switch {
	case errors.As(err, &invalid):
		s.metrics.Upload(metrics.ResultInvalid)
		logger.Info(ctx, "upload rejected: invalid data dictionary", fields)
		writeError(ctx, w, http.StatusBadRequest, invalid.Message)

	case errors.Is(err, jsonfmt.ErrMixedIndentation):
		s.metrics.Upload(metrics.ResultBadRequest)
		logger.Warn(ctx, "upload rejected: existing file has mixed indentation", fields)
		writeError(ctx, w, http.StatusBadRequest, err.Error())

	case errors.Is(err, ErrDatasetNotFound):
		s.metrics.Upload(metrics.ResultBadRequest)
		logger.Info(ctx, "upload rejected: dataset not found", fields)
		writeError(ctx, w, http.StatusNotFound, "No repository found for dataset "+req.DatasetID+".")

	case errors.As(err, &upstream):
		s.metrics.Upload(metrics.ResultUpstreamError)
		logger.Error(ctx, "GitHub operation failed", err, fields)
		writeError(ctx, w, http.StatusBadGateway, "GitHub request failed: "+upstream.Op+".")

	default:
		s.metrics.Upload(metrics.ResultUpstreamError)
		logger.Error(ctx, "upload failed", err, fields)
		writeError(ctx, w, http.StatusInternalServerError, "internal error")
	}
}

// readRequest decodes the multipart form. The returned status applies when
// err is non-nil.
func (s *Server) readRequest(w http.ResponseWriter, r *http.Request) (Request, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Request{}, http.StatusRequestEntityTooLarge, &FormError{Message: "Request body is too large."}
		}
		return Request{}, http.StatusUnprocessableEntity, &FormError{Message: "Expected a multipart/form-data request."}
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			logger.Warn(r.Context(), "failed to remove multipart temp files", logger.Fields{"error": err.Error()})
		}
	}()

	req := Request{
		DatasetID:      r.URL.Query().Get("dataset_id"),
		Summary:        r.FormValue("changes_summary"),
		Name:           r.FormValue("name"),
		Email:          strings.TrimSpace(r.FormValue("email")),
		GitHubUsername: strings.TrimSpace(r.FormValue("gh_username")),
	}

	if file, _, err := r.FormFile("data_dictionary"); err == nil {
		data, readErr := io.ReadAll(file)
		_ = file.Close() //nolint:errcheck // read-only multipart file
		if readErr != nil {
			return Request{}, http.StatusUnprocessableEntity, &FormError{Field: "data_dictionary", Message: "Failed to read data_dictionary."}
		}
		req.Dictionary = data
	}

	if err := req.Validate(); err != nil {
		return Request{}, http.StatusUnprocessableEntity, err
	}
	return req, 0, nil
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, detail string) {
	writeJSON(ctx, w, status, ErrorResponse{Message: failureMessage, Error: detail})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error(ctx, "failed to write response", err, nil)
	}
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Neurobagel data dictionary upload</title>
</head>
<body>
<h1>Welcome to the upload API for Neurobagel-annotated OpenNeuro Datasets!</h1>
<p>Please visit the <a href="{{.}}/docs">API documentation</a> to view available API endpoints.</p>
</body>
</html>
`))

var docsTemplate = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Neurobagel data dictionary upload - API documentation</title>
<link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
<div id="swagger-ui"></div>
<script src="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
<script>
SwaggerUIBundle({url: "{{.}}/openapi.json", dom_id: "#swagger-ui"});
</script>
</body>
</html>
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.renderHTML(w, r, indexTemplate)
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	s.renderHTML(w, r, docsTemplate)
}

func (s *Server) renderHTML(w http.ResponseWriter, r *http.Request, tmpl *template.Template) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, s.rootPath); err != nil {
		logger.Error(r.Context(), "failed to render page", err, logger.Fields{"template": tmpl.Name()})
	}
}

func (*Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(openAPIDocument); err != nil {
		logger.Warn(r.Context(), "failed to write OpenAPI document", logger.Fields{"error": err.Error()})
	}
}
