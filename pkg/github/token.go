package github

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token for API requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token such as a personal access token.
type StaticToken string

// Token returns the token itself.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("no GitHub token configured")
	}
	return string(t), nil
}

const (
	appJWTLifetime = 10 * time.Minute
	// Clock drift allowance recommended by GitHub for app JWTs.
	appJWTBackdate = 60 * time.Second
	// Installation tokens are refreshed this long before they expire.
	tokenRefreshMargin = time.Minute
)

// AppConfig identifies a GitHub App installation.
type AppConfig struct {
	HTTPClient *http.Client
	AppID      string
	Org        string
	BaseURL    string
	PrivateKey []byte // PEM encoded RSA key
	// InstallationID is looked up from Org when zero.
	InstallationID int64
}

// AppTokenSource mints installation access tokens for a GitHub App and
// caches them until shortly before they expire.
type AppTokenSource struct {
	expires        time.Time
	key            *rsa.PrivateKey
	httpClient     *http.Client
	now            func() time.Time
	appID          string
	org            string
	baseURL        string
	token          string
	installationID int64
	mu             sync.Mutex
}

// NewAppTokenSource parses the app private key and returns a token source.
func NewAppTokenSource(cfg AppConfig) (*AppTokenSource, error) {
	if cfg.AppID == "" {
		return nil, errors.New("GitHub App ID is required")
	}
	if cfg.InstallationID == 0 && cfg.Org == "" {
		return nil, errors.New("GitHub App installation ID or organization is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GitHub App private key: %w", err)
	}

	s := &AppTokenSource{
		key:            key,
		httpClient:     cfg.HTTPClient,
		now:            time.Now,
		appID:          cfg.AppID,
		org:            cfg.Org,
		baseURL:        cfg.BaseURL,
		installationID: cfg.InstallationID,
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: clientTimeout}
	}
	if s.baseURL == "" {
		s.baseURL = DefaultBaseURL
	}
	return s, nil
}

// Token returns a cached installation token or mints a new one.
func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Add(tokenRefreshMargin).Before(s.expires) {
		return s.token, nil
	}

	signed, err := s.appJWT(now)
	if err != nil {
		return "", err
	}
	app := NewClient(s.org, StaticToken(signed), WithBaseURL(s.baseURL), WithHTTPClient(s.httpClient))

	if s.installationID == 0 {
		var inst struct {
			ID int64 `json:"id"`
		}
		if err := app.do(ctx, "get_installation", http.MethodGet, "/orgs/"+url.PathEscape(s.org)+"/installation", nil, &inst); err != nil {
			return "", fmt.Errorf("failed to find app installation for %s: %w", s.org, err)
		}
		s.installationID = inst.ID
	}

	var tok struct {
		ExpiresAt time.Time `json:"expires_at"`
		Token     string    `json:"token"`
	}
	path := "/app/installations/" + strconv.FormatInt(s.installationID, 10) + "/access_tokens"
	if err := app.do(ctx, "create_installation_token", http.MethodPost, path, nil, &tok); err != nil {
		return "", fmt.Errorf("failed to create installation token: %w", err)
	}
	if strings.TrimSpace(tok.Token) == "" {
		return "", errors.New("GitHub returned an empty installation token")
	}

	s.token = tok.Token
	s.expires = tok.ExpiresAt
	return s.token, nil
}

func (s *AppTokenSource) appJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    s.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-appJWTBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}
