// Package secrets provides integration with Google Secret Manager for fetching
// service credentials such as the API password and GitHub keys.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"

	"github.com/neurobagel/dictionary-upload/pkg/logger"
)

const (
	// secretManagerTimeout prevents indefinite hangs when accessing secrets.
	secretManagerTimeout = 10 * time.Second
)

// Getter fetches a credential by environment variable name, falling back to
// a named secret.
type Getter interface {
	GetWithEnvOverride(ctx context.Context, envVar, secretName string) (string, error)
}

// accessFunc returns the payload of a fully qualified secret version.
type accessFunc func(ctx context.Context, name string) ([]byte, error)

// Manager handles fetching secrets from Google Secret Manager.
type Manager struct {
	access    accessFunc
	close     func() error
	lookupEnv func(string) (string, bool)
	projectID string
}

// New creates a new secrets manager with optional credentials.
// If credentialsPath is empty, it uses Application Default Credentials.
func New(ctx context.Context, projectID, credentialsPath string) (*Manager, error) {
	if projectID == "" {
		return nil, errors.New("GCP project ID is required for Secret Manager")
	}

	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}

	access := func(ctx context.Context, name string) ([]byte, error) {
		result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		if err != nil {
			return nil, err
		}
		return result.GetPayload().GetData(), nil
	}
	return &Manager{
		access:    access,
		close:     client.Close,
		lookupEnv: os.LookupEnv,
		projectID: projectID,
	}, nil
}

// GetWithEnvOverride fetches a secret value from Google Secret Manager,
// but returns the environment variable value if it exists (env vars take precedence).
func (m *Manager) GetWithEnvOverride(ctx context.Context, envVar, secretName string) (string, error) {
	if value, ok := m.lookupEnv(envVar); ok && value != "" {
		logger.Debug(ctx, "using environment variable instead of secret", logger.Fields{"env_var": envVar})
		return value, nil
	}

	resourceName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", m.projectID, secretName)

	timeoutCtx, cancel := context.WithTimeout(ctx, secretManagerTimeout)
	defer cancel()

	data, err := m.access(timeoutCtx, resourceName)
	if err != nil {
		logger.Error(ctx, "failed to access secret from Secret Manager", err, logger.Fields{
			"env_var":     envVar,
			"secret_name": secretName,
			"project_id":  m.projectID,
		})
		return "", fmt.Errorf("failed to access secret %s: %w", resourceName, err)
	}

	logger.Info(ctx, "fetched secret from Google Secret Manager", logger.Fields{
		"env_var":     envVar,
		"secret_name": secretName,
		"has_value":   len(data) > 0,
	})
	return string(data), nil
}

// Close closes the Secret Manager client connection.
func (m *Manager) Close() error {
	if m.close != nil {
		return m.close()
	}
	return nil
}
