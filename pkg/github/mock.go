package github

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockClient is an in-memory GitHub API client for testing. Files are keyed
// by "repo/branch/path".
type MockClient struct {
	Files         map[string][]byte
	Branches      map[string]string // "repo/branch" -> source branch
	Err           error
	Default       string
	PullRequests  []NewPullRequest
	Commits       []FileUpdate
	PullRequestID int
	mu            sync.Mutex
}

// NewMockClient returns a mock whose repositories use default branch "main".
func NewMockClient() *MockClient {
	return &MockClient{
		Files:    make(map[string][]byte),
		Branches: make(map[string]string),
		Default:  "main",
	}
}

// AddFile stores content as path on the default branch of repo.
func (m *MockClient) AddFile(repo, path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Files[m.key(repo, m.Default, path)] = content
}

// DefaultBranch returns the configured default branch.
func (m *MockClient) DefaultBranch(_ context.Context, repo string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	if !m.hasRepo(repo) {
		return "", fmt.Errorf("failed to get repository %s: %w", repo, ErrNotFound)
	}
	return m.Default, nil
}

// File returns a stored file.
func (m *MockClient) File(_ context.Context, repo, path, ref string) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	content, ok := m.Files[m.key(repo, ref, path)]
	if !ok {
		return nil, fmt.Errorf("failed to get %s from %s: %w", path, repo, ErrNotFound)
	}
	return &File{Path: path, SHA: fmt.Sprintf("sha-%d", len(content)), Content: content}, nil
}

// CreateBranch copies every file of from onto branch.
func (m *MockClient) CreateBranch(_ context.Context, repo, branch, from string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.Branches[repo+"/"+branch]; ok {
		return &APIError{Method: "POST", Path: "/git/refs", StatusCode: 422, Message: "Reference already exists"}
	}
	m.Branches[repo+"/"+branch] = from

	prefix := repo + "/" + from + "/"
	for k, v := range m.Files {
		if strings.HasPrefix(k, prefix) {
			m.Files[m.key(repo, branch, strings.TrimPrefix(k, prefix))] = v
		}
	}
	return nil
}

// PutFile records the commit and stores the content.
func (m *MockClient) PutFile(_ context.Context, repo string, update FileUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Commits = append(m.Commits, update)
	m.Files[m.key(repo, update.Branch, update.Path)] = update.Content
	return nil
}

// CreatePullRequest records the pull request.
func (m *MockClient) CreatePullRequest(_ context.Context, repo string, pr NewPullRequest) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	m.PullRequests = append(m.PullRequests, pr)
	m.PullRequestID++
	return &PullRequest{
		Number:  m.PullRequestID,
		HTMLURL: fmt.Sprintf("https://github.com/OpenNeuroDatasets-JSONLD/%s/pull/%d", repo, m.PullRequestID),
	}, nil
}

// Content returns the stored file content, for assertions.
func (m *MockClient) Content(repo, branch, path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.Files[m.key(repo, branch, path)]
	return b, ok
}

func (*MockClient) key(repo, branch, path string) string {
	return repo + "/" + branch + "/" + path
}

func (m *MockClient) hasRepo(repo string) bool {
	for k := range m.Files {
		if strings.HasPrefix(k, repo+"/") {
			return true
		}
	}
	return false
}

// Ensure MockClient implements APIClient interface.
var _ APIClient = (*MockClient)(nil)
