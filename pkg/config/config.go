// Package config provides configuration loading for the upload service.
//
// Values are layered: Default, then an optional YAML file, then environment
// variables, then secrets from Google Secret Manager for credentials that are
// still unset. Command-line flags are applied last by the server binary.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/neurobagel/dictionary-upload/pkg/logger"
	"github.com/neurobagel/dictionary-upload/pkg/secrets"
)

// Environment variables read by ApplyEnv.
const (
	EnvAPIUsername          = "API_USERNAME"
	EnvAPIPassword          = "API_PASSWORD"
	EnvGitHubToken          = "GH_PAT"
	EnvGitHubAppID          = "GH_APP_ID"
	EnvGitHubAppKey         = "GH_APP_PRIVATE_KEY"
	EnvGitHubAppKeyPath     = "GH_APP_PRIVATE_KEY_PATH"
	EnvGitHubInstallationID = "GH_APP_INSTALLATION_ID"
	EnvGCPProject           = "GCP_PROJECT"
	EnvRootPath             = "ROOT_PATH"
)

// Config is the complete service configuration.
type Config struct {
	// Auth holds the basic authentication credentials of the upload endpoint.
	Auth AuthConfig `yaml:"auth"`

	// GitHub configures the dataset repositories and how to authenticate to them.
	GitHub GitHubConfig `yaml:"github"`

	// Server configures the HTTP listeners.
	Server ServerConfig `yaml:"server"`

	// RootPath is the prefix under which a reverse proxy exposes the API.
	RootPath string `yaml:"root_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// GCPProject enables Google Secret Manager lookups for unset credentials.
	GCPProject string `yaml:"gcp_project"`
}

// AuthConfig holds the expected basic authentication credentials. Password
// may be plain text or a bcrypt hash.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// GitHubConfig configures access to the dataset repositories.
type GitHubConfig struct {
	// Org owns one repository per dataset, named by dataset ID.
	Org string `yaml:"org"`

	// TargetFile is the path of the data dictionary within a dataset repository.
	TargetFile string `yaml:"target_file"`

	// BaseURL is the REST API root.
	BaseURL string `yaml:"base_url"`

	// Token is a personal access token. Ignored when AppID is set.
	Token string `yaml:"token"`

	// AppID, AppPrivateKey (PEM) or AppPrivateKeyPath and an optional
	// InstallationID configure GitHub App authentication.
	AppID             string `yaml:"app_id"`
	AppPrivateKey     string `yaml:"app_private_key"`
	AppPrivateKeyPath string `yaml:"app_private_key_path"`
	InstallationID    int64  `yaml:"installation_id"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// AllowedOrigins is the CORS allowlist; "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Domains enables Let's Encrypt certificates for these host names.
	Domains  []string `yaml:"domains"`
	CertDir  string   `yaml:"cert_dir"`
	MaxConns int      `yaml:"max_conns"`

	// RateLimit is the number of requests per minute allowed per client IP.
	RateLimit int `yaml:"rate_limit"`

	// MaxUploadBytes bounds the size of an upload request body.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		GitHub: GitHubConfig{
			Org:        "OpenNeuroDatasets-JSONLD",
			TargetFile: "participants.json",
			BaseURL:    "https://api.github.com",
		},
		Server: ServerConfig{
			Addr:           ":8000",
			AllowedOrigins: []string{"*"},
			CertDir:        "./certs",
			MaxConns:       256,
			RateLimit:      60,
			MaxUploadBytes: 10 << 20, // 10MB
		},
		LogLevel: "info",
	}
}

// LoadFile loads configuration from a YAML file on top of Default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides values with those environment variables that are set
// and non-empty.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		return v, ok && v != ""
	}

	if v, ok := get(EnvAPIUsername); ok {
		c.Auth.Username = v
	}
	if v, ok := get(EnvAPIPassword); ok {
		c.Auth.Password = v
	}
	if v, ok := get(EnvGitHubToken); ok {
		c.GitHub.Token = v
	}
	if v, ok := get(EnvGitHubAppID); ok {
		c.GitHub.AppID = v
	}
	if v, ok := get(EnvGitHubAppKey); ok {
		c.GitHub.AppPrivateKey = v
	}
	if v, ok := get(EnvGitHubAppKeyPath); ok {
		c.GitHub.AppPrivateKeyPath = v
	}
	if v, ok := get(EnvGitHubInstallationID); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvGitHubInstallationID, v, err)
		}
		c.GitHub.InstallationID = id
	}
	if v, ok := get(EnvGCPProject); ok {
		c.GCPProject = v
	}
	if v, ok := get(EnvRootPath); ok {
		c.RootPath = v
	}
	return nil
}

// ApplySecrets fills credentials that are still empty from the secret store.
// A missing secret is not an error here; Validate reports required values.
func (c *Config) ApplySecrets(ctx context.Context, store secrets.Getter) {
	fill := func(dst *string, name string) {
		if *dst != "" {
			return
		}
		v, err := store.GetWithEnvOverride(ctx, name, name)
		if err != nil {
			logger.Warn(ctx, "secret not available", logger.Fields{"secret_name": name, "error": err.Error()})
			return
		}
		*dst = v
	}

	fill(&c.Auth.Password, EnvAPIPassword)
	if c.GitHub.AppID != "" {
		fill(&c.GitHub.AppPrivateKey, EnvGitHubAppKey)
	} else {
		fill(&c.GitHub.Token, EnvGitHubToken)
	}
}

// UsesApp reports whether GitHub App authentication is configured.
func (c *Config) UsesApp() bool {
	return c.GitHub.AppID != ""
}

// PrivateKey returns the PEM encoded GitHub App key, reading it from
// AppPrivateKeyPath when it is not set inline.
func (c *Config) PrivateKey() ([]byte, error) {
	if c.GitHub.AppPrivateKey != "" {
		return []byte(c.GitHub.AppPrivateKey), nil
	}
	if c.GitHub.AppPrivateKeyPath == "" {
		return nil, errors.New("no GitHub App private key configured")
	}
	key, err := os.ReadFile(c.GitHub.AppPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read GitHub App private key: %w", err)
	}
	return key, nil
}

// Validate reports every configuration problem that prevents startup.
func (c *Config) Validate() error {
	var errs []error

	if c.Auth.Username == "" || c.Auth.Password == "" {
		errs = append(errs, fmt.Errorf("%s and %s must be set", EnvAPIUsername, EnvAPIPassword))
	}
	if c.GitHub.Org == "" {
		errs = append(errs, errors.New("github.org must be set"))
	}
	if c.GitHub.TargetFile == "" {
		errs = append(errs, errors.New("github.target_file must be set"))
	}
	switch {
	case c.UsesApp():
		if c.GitHub.AppPrivateKey == "" && c.GitHub.AppPrivateKeyPath == "" {
			errs = append(errs, fmt.Errorf("%s requires %s or %s", EnvGitHubAppID, EnvGitHubAppKey, EnvGitHubAppKeyPath))
		}
	case c.GitHub.Token == "":
		errs = append(errs, fmt.Errorf("either %s or %s must be set", EnvGitHubToken, EnvGitHubAppID))
	}
	if c.RootPath != "" && !strings.HasPrefix(c.RootPath, "/") {
		errs = append(errs, fmt.Errorf("root path %q must start with /", c.RootPath))
	}
	if c.Server.RateLimit <= 0 {
		errs = append(errs, errors.New("server.rate_limit must be positive"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}

	return errors.Join(errs...)
}
