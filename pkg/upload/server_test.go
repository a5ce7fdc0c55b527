package upload

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurobagel/dictionary-upload/pkg/dictionary"
	"github.com/neurobagel/dictionary-upload/pkg/github"
	"github.com/neurobagel/dictionary-upload/pkg/jsonfmt"
	"github.com/neurobagel/dictionary-upload/pkg/metrics"
)

const (
	testUser     = "neurobagel"
	testPassword = "correct_password"
	testDataset  = "ds000001"
)

const annotatedDictionary = `{
	"participant_id": {
		"Description": "Participant ID",
		"Annotations": {
			"IsAbout": {"TermURL": "nb:ParticipantID", "Label": "Unique subject identifier"},
			"Identifies": "participant"
		}
	},
	"age": {
		"Description": "Age of participant",
		"Annotations": {
			"IsAbout": {"TermURL": "nb:Age", "Label": "Age"},
			"Transformation": {"TermURL": "nb:FromFloat", "Label": "float value"},
			"MissingValues": ["n/a"]
		}
	}
}`

// bidsDictionary is annotatedDictionary before annotation, laid out with
// two-space indents and a trailing newline.
const bidsDictionary = "{\n  \"participant_id\": {\n    \"Description\": \"Participant ID\"\n  },\n  \"age\": {\n    \"Description\": \"Age of participant\"\n  }\n}\n"

type fixture struct {
	gh      *github.MockClient
	metrics *metrics.Metrics
	handler http.Handler
}

func newFixture(t *testing.T, rootPath string) *fixture {
	t.Helper()
	gh := github.NewMockClient()
	m := metrics.New()
	s, err := New(Config{
		GitHub:   gh,
		Metrics:  m,
		Username: testUser,
		Password: testPassword,
		RootPath: rootPath,
		NewID:    func() string { return "1234" },
	})
	require.NoError(t, err)
	return &fixture{gh: gh, metrics: m, handler: s.Handler()}
}

type form struct {
	fields     map[string]string
	dictionary string
}

func validForm(dict string) form {
	return form{
		dictionary: dict,
		fields: map[string]string{
			"changes_summary": "Annotated age and participant columns",
			"name":            "Alice Smith",
			"email":           "alice@example.org",
			"gh_username":     "alice-smith",
		},
	}
}

func uploadRequest(t *testing.T, target string, f form) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range f.fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if f.dictionary != "" {
		part, err := mw.CreateFormFile("data_dictionary", "participants.json")
		require.NoError(t, err)
		_, err = io.WriteString(part, f.dictionary)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPut, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.SetBasicAuth(testUser, testPassword)
	return req
}

func (fx *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	fx.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestUploadOpensPullRequest(t *testing.T) {
	fx := newFixture(t, "")
	fx.gh.AddFile(testDataset, "participants.json", []byte(bidsDictionary))

	w := fx.do(uploadRequest(t, "/openneuro/upload?dataset_id="+testDataset, validForm(annotatedDictionary)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[SuccessResponse](t, w)
	assert.Equal(t, successMessage, resp.Message)
	assert.Equal(t, "https://github.com/OpenNeuroDatasets-JSONLD/ds000001/pull/1", resp.PullRequestURL)
	assert.Empty(t, resp.Warnings)

	require.Len(t, fx.gh.Commits, 1)
	commit := fx.gh.Commits[0]
	assert.Equal(t, "alice-smith-1234", commit.Branch)
	assert.Equal(t, "participants.json", commit.Path)
	assert.Equal(t, "[bot] Update participants.json", commit.Message)
	assert.Equal(t, &github.Signature{Name: "Alice Smith", Email: "alice@example.org"}, commit.Author)
	assert.NotEmpty(t, commit.SHA)

	// The committed file keeps the two-space layout and trailing newline.
	style, err := jsonfmt.DetectStyle(string(commit.Content))
	require.NoError(t, err)
	assert.Equal(t, jsonfmt.Indent{Char: ' ', Depth: 2}, style.Indent)
	assert.True(t, style.TrailingNewline)
	assert.True(t, strings.HasPrefix(string(commit.Content), "{\n  \"participant_id\": {\n    \"Description\": \"Participant ID\",\n    \"Annotations\""))

	require.Len(t, fx.gh.PullRequests, 1)
	pr := fx.gh.PullRequests[0]
	assert.Equal(t, "alice-smith-1234", pr.Head)
	assert.Equal(t, "main", pr.Base)
	assert.Contains(t, pr.Body, "Annotated age and participant columns")
	assert.Contains(t, pr.Body, "Alice Smith (@alice-smith)")
	assert.NotContains(t, pr.Body, "## Warnings")

	assert.InDelta(t, 1, counter(t, fx.metrics, "dictionary_uploads_total", "result", metrics.ResultPROpened), 0)
}

// counter reads one labelled counter value from the registry.
func counter(t *testing.T, m *metrics.Metrics, name, label, value string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestUploadCreatesMissingFile(t *testing.T) {
	fx := newFixture(t, "")
	fx.gh.AddFile(testDataset, "README.md", []byte("# ds000001"))

	f := validForm(annotatedDictionary)
	delete(f.fields, "gh_username")
	w := fx.do(uploadRequest(t, "/openneuro/upload?dataset_id="+testDataset, f))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Len(t, fx.gh.Commits, 1)
	commit := fx.gh.Commits[0]
	assert.Equal(t, "bot-1234", commit.Branch)
	assert.Equal(t, "[bot] Add participants.json", commit.Message)
	assert.Empty(t, commit.SHA)

	style, err := jsonfmt.DetectStyle(string(commit.Content))
	require.NoError(t, err)
	assert.Equal(t, jsonfmt.DefaultStyle, style)
}

func TestUploadNoChanges(t *testing.T) {
	fx := newFixture(t, "")
	d, err := dictionary.Parse([]byte(annotatedDictionary))
	require.NoError(t, err)
	existing, err := jsonfmt.Render(d, "")
	require.NoError(t, err)
	fx.gh.AddFile(testDataset, "participants.json", existing)

	w := fx.do(uploadRequest(t, "/openneuro/upload?dataset_id="+testDataset, validForm(annotatedDictionary)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[SuccessResponse](t, w)
	assert.Equal(t, noopMessage, resp.Message)
	assert.Empty(t, resp.PullRequestURL)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "identical")
	assert.Empty(t, fx.gh.Commits)
	assert.Empty(t, fx.gh.PullRequests)
}

// markupDictionary is laid out exactly as Render formats it with two-space
// indents, and its descriptions contain characters HTML escaping would alter.
const markupDictionary = "{\n" +
	"  \"participant_id\": {\n" +
	"    \"Description\": \"Participant <ID> & code\",\n" +
	"    \"Annotations\": {\n" +
	"      \"IsAbout\": {\n" +
	"        \"TermURL\": \"nb:ParticipantID\",\n" +
	"        \"Label\": \"Unique subject identifier\"\n" +
	"      },\n" +
	"      \"Identifies\": \"participant\"\n" +
	"    }\n" +
	"  },\n" +
	"  \"age\": {\n" +
	"    \"Description\": \"Age < 18 excluded\",\n" +
	"    \"Annotations\": {\n" +
	"      \"IsAbout\": {\n" +
	"        \"TermURL\": \"nb:Age\",\n" +
	"        \"Label\": \"Age\"\n" +
	"      },\n" +
	"      \"Transformation\": {\n" +
	"        \"TermURL\": \"nb:FromFloat\",\n" +
	"        \"Label\": \"float value\"\n" +
	"      }\n" +
	"    }\n" +
	"  }\n" +
	"}\n"

func TestUploadNoChangesWithMarkup(t *testing.T) {
	d, err := dictionary.Parse([]byte(markupDictionary))
	require.NoError(t, err)
	rendered, err := jsonfmt.Render(d, markupDictionary)
	require.NoError(t, err)
	require.Equal(t, markupDictionary, string(rendered))

	fx := newFixture(t, "")
	fx.gh.AddFile(testDataset, "participants.json", []byte(markupDictionary))

	w := fx.do(uploadRequest(t, "/openneuro/upload?dataset_id="+testDataset, validForm(markupDictionary)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[SuccessResponse](t, w)
	assert.Equal(t, noopMessage, resp.Message)
	assert.Empty(t, resp.PullRequestURL)
	assert.Empty(t, fx.gh.Commits)
	assert.Empty(t, fx.gh.PullRequests)
	assert.InDelta(t, 1, counter(t, fx.metrics, "dictionary_uploads_total", "result", metrics.ResultNoop), 0)
}

func TestUploadWarnsAboutNonAnnotationChanges(t *testing.T) {
	fx := newFixture(t, "")
	fx.gh.AddFile(testDataset, "participants.json", []byte(`{"participant_id": {"Description": "Old description"}}`))

	w := fx.do(uploadRequest(t, "/openneuro/upload?dataset_id="+testDataset, validForm(annotatedDictionary)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[SuccessResponse](t, w)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "not related to Neurobagel annotations")

	require.Len(t, fx.gh.PullRequests, 1)
	assert.Contains(t, fx.gh.PullRequests[0].Body, "## Warnings")

	// The existing file is single-line, so the replacement is compact.
	require.Len(t, fx.gh.Commits, 1)
	assert.NotContains(t, string(fx.gh.Commits[0].Content), "\n")
}

func TestUploadValidationWarningsAreReturned(t *testing.T) {
	fx := newFixture(t, "")
	fx.gh.AddFile(testDataset, "README.md", []byte("readme"))

	dict := `{
		"participant_id": {"Annotations": {"IsAbout": {"TermURL": "nb:ParticipantID", "Label": "id"}}},
		"sex": {
			"Levels": {"M": "Male", "F": "Female", "O": "Other"},
			"Annotations": {
				"IsAbout": {"TermURL": "nb:Sex", "Label": "Sex"},
				"Levels": {"M": {"TermURL": "snomed:248153007"}, "F": {"TermURL": "snomed:248152002"}}
			}
		}
	}`
	w := fx.do(uploadRequest(t, "/openneuro/upload?dataset_id="+testDataset, validForm(dict)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[SuccessResponse](t, w)
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "mismatched levels")
	assert.Contains(t, resp.Warnings[0], "sex")
	assert.InDelta(t, 1, counter(t, fx.metrics, "dictionary_warnings_total", "kind", "mismatched_levels"), 0)
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		form       func() form
		setup      func(*github.MockClient)
		wantStatus int
		wantError  string
		wantResult string
	}{
		{
			name:       "invalid dictionary",
			target:     "/openneuro/upload?dataset_id=" + testDataset,
			form:       func() form { return validForm(`{"participant_id": {"Description": "no annotations"}}`) },
			wantStatus: http.StatusBadRequest,
			wantError:  "at least one column with Neurobagel annotations",
			wantResult: metrics.ResultInvalid,
		},
		{
			name:       "schema failure",
			target:     "/openneuro/upload?dataset_id=" + testDataset,
			form:       func() form { return validForm(`{"age": {"Annotations": {}}}`) },
			wantStatus: http.StatusBadRequest,
			wantError:  "Entry that failed validation: age.Annotations",
			wantResult: metrics.ResultInvalid,
		},
		{
			name:   "invalid github username",
			target: "/openneuro/upload?dataset_id=" + testDataset,
			form: func() form {
				f := validForm(annotatedDictionary)
				f.fields["gh_username"] = "alice--smith"
				return f
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "GitHub username (gh_username) contains invalid characters.",
			wantResult: metrics.ResultBadRequest,
		},
		{
			name:   "missing summary",
			target: "/openneuro/upload?dataset_id=" + testDataset,
			form: func() form {
				f := validForm(annotatedDictionary)
				delete(f.fields, "changes_summary")
				return f
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "changes_summary",
			wantResult: metrics.ResultBadRequest,
		},
		{
			name:       "missing dictionary",
			target:     "/openneuro/upload?dataset_id=" + testDataset,
			form:       func() form { return validForm("") },
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "data_dictionary",
			wantResult: metrics.ResultBadRequest,
		},
		{
			name:       "invalid dataset id",
			target:     "/openneuro/upload?dataset_id=../../etc",
			form:       func() form { return validForm(annotatedDictionary) },
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "Invalid dataset ID",
			wantResult: metrics.ResultBadRequest,
		},
		{
			name:       "unknown dataset",
			target:     "/openneuro/upload?dataset_id=ds999999",
			form:       func() form { return validForm(annotatedDictionary) },
			wantStatus: http.StatusNotFound,
			wantError:  "ds999999",
			wantResult: metrics.ResultBadRequest,
		},
		{
			name:   "mixed indentation in existing file",
			target: "/openneuro/upload?dataset_id=" + testDataset,
			form:   func() form { return validForm(annotatedDictionary) },
			setup: func(gh *github.MockClient) {
				gh.AddFile(testDataset, "participants.json", []byte("{\n \t\"participant_id\": {}\n}"))
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "mixed indentation characters on line 2",
			wantResult: metrics.ResultBadRequest,
		},
		{
			name:       "github failure",
			target:     "/openneuro/upload?dataset_id=" + testDataset,
			form:       func() form { return validForm(annotatedDictionary) },
			setup:      func(gh *github.MockClient) { gh.Err = errors.New("connection reset") },
			wantStatus: http.StatusBadGateway,
			wantError:  "GitHub request failed",
			wantResult: metrics.ResultUpstreamError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, "")
			fx.gh.AddFile(testDataset, "README.md", []byte("readme"))
			if tt.setup != nil {
				tt.setup(fx.gh)
			}

			w := fx.do(uploadRequest(t, tt.target, tt.form()))
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			resp := decode[ErrorResponse](t, w)
			assert.Equal(t, failureMessage, resp.Message)
			assert.Contains(t, resp.Error, tt.wantError)
			assert.Empty(t, fx.gh.PullRequests)
			assert.InDelta(t, 1, counter(t, fx.metrics, "dictionary_uploads_total", "result", tt.wantResult), 0)
		})
	}
}

func TestUploadRequiresCredentials(t *testing.T) {
	tests := []struct {
		name     string
		username string
		password string
		noAuth   bool
	}{
		{name: "wrong both", username: "johndoe", password: "wrongpass"},
		{name: "wrong password", username: testUser, password: "wrongpass"},
		{name: "wrong username", username: "wronguser", password: testPassword},
		{name: "no credentials", noAuth: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, "")
			req := uploadRequest(t, "/openneuro/upload?dataset_id="+testDataset, validForm(annotatedDictionary))
			if tt.noAuth {
				req.Header.Del("Authorization")
			} else {
				req.SetBasicAuth(tt.username, tt.password)
			}

			w := fx.do(req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")
			assert.Empty(t, fx.gh.Commits)
		})
	}
}

func TestIndex(t *testing.T) {
	fx := newFixture(t, "")
	w := fx.do(httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Neurobagel-annotated OpenNeuro Datasets")
	assert.Contains(t, w.Body.String(), `<a href="/docs">API documentation</a>`)
}

func TestRootPathRouting(t *testing.T) {
	tests := []struct {
		name       string
		rootPath   string
		prefix     string
		wantStatus int
	}{
		{name: "no prefix", rootPath: "/upload", prefix: "", wantStatus: http.StatusOK},
		{name: "root path prefix", rootPath: "/upload", prefix: "/upload", wantStatus: http.StatusOK},
		{name: "wrong prefix", rootPath: "/upload", prefix: "/wrongroot", wantStatus: http.StatusNotFound},
		{name: "trailing slash without prefix", rootPath: "/upload/", prefix: "", wantStatus: http.StatusOK},
		{name: "trailing slash with prefix", rootPath: "/upload/", prefix: "/upload/", wantStatus: http.StatusOK},
		{name: "trailing slash root missing slash", rootPath: "/upload/", prefix: "/upload", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, tt.rootPath)
			for _, path := range []string{"/docs", "/openapi.json"} {
				w := fx.do(httptest.NewRequest(http.MethodGet, tt.prefix+path, http.NoBody))
				assert.Equal(t, tt.wantStatus, w.Code, "GET %s", tt.prefix+path)
			}
		})
	}
}

func TestIndexLinksThroughRootPath(t *testing.T) {
	fx := newFixture(t, "/upload")
	w := fx.do(httptest.NewRequest(http.MethodGet, "/upload", http.NoBody))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `<a href="/upload/docs">API documentation</a>`)
}

func TestIndexLinksRouteWithTrailingSlashRoot(t *testing.T) {
	fx := newFixture(t, "/upload/")
	w := fx.do(httptest.NewRequest(http.MethodGet, "/upload/", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)

	const link = "/upload//docs"
	assert.Contains(t, w.Body.String(), `<a href="`+link+`">API documentation</a>`)

	// The rendered link routes; the slash-trimmed form does not.
	assert.Equal(t, http.StatusOK, fx.do(httptest.NewRequest(http.MethodGet, link, http.NoBody)).Code)
	assert.Equal(t, http.StatusNotFound, fx.do(httptest.NewRequest(http.MethodGet, "/upload/docs", http.NoBody)).Code)
}

func TestOpenAPIDocument(t *testing.T) {
	fx := newFixture(t, "")
	w := fx.do(httptest.NewRequest(http.MethodGet, "/openapi.json", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var doc struct {
		OpenAPI string                     `json:"openapi"`
		Paths   map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Contains(t, doc.Paths, UploadPath)
}

func TestUploadRejectsOtherMethods(t *testing.T) {
	fx := newFixture(t, "")
	w := fx.do(httptest.NewRequest(http.MethodPost, UploadPath, http.NoBody))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{GitHub: github.NewMockClient()})
	assert.Error(t, err)

	_, err = New(Config{Username: "a", Password: "b"})
	assert.Error(t, err)
}
