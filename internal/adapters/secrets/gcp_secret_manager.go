package secrets

import (
	"context"
	"fmt"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GCPSecretManagerConfig contains configuration for GCP Secret Manager
type GCPSecretManagerConfig struct {
	ProjectID string // GCP Project ID (e.g., "my-project-123")
}

// secretVersionAccessor is the slice of the Secret Manager client the adapter uses
type secretVersionAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

// gcpSecretManager reads secrets from Google Cloud Secret Manager
type gcpSecretManager struct {
	client    secretVersionAccessor
	projectID string
	logger    *zap.Logger
}

// NewGCPSecretManager creates a Secret Manager reader. Credentials come from
// GOOGLE_APPLICATION_CREDENTIALS, workload identity or the default application credentials.
func NewGCPSecretManager(ctx context.Context, cfg *GCPSecretManagerConfig, logger *zap.Logger) (Reader, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("GCP project ID is required")
	}

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCP Secret Manager client: %w", err)
	}

	logger.Info("GCP Secret Manager initialized", zap.String("project_id", cfg.ProjectID))

	return newGCPSecretManager(client, cfg.ProjectID, logger), nil
}

func newGCPSecretManager(client secretVersionAccessor, projectID string, logger *zap.Logger) *gcpSecretManager {
	return &gcpSecretManager{client: client, projectID: projectID, logger: logger}
}

// GetSecret retrieves the latest version of a secret.
// "recurring-billing-db-password" becomes
// projects/{project_id}/secrets/recurring-billing-db-password/versions/latest.
// A fully qualified "projects/..." name is used as is.
func (sm *gcpSecretManager) GetSecret(ctx context.Context, path string) (*Secret, error) {
	name := path
	if !strings.HasPrefix(path, "projects/") {
		name = fmt.Sprintf("projects/%s/secrets/%s/versions/latest", sm.projectID, path)
	}

	startTime := time.Now()
	result, err := sm.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
		}
		sm.logger.Error("Failed to access GCP secret",
			zap.String("path", path),
			zap.String("secret_name", name),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to access GCP secret %s: %w", path, err)
	}

	sm.logger.Debug("Secret retrieved from GCP Secret Manager",
		zap.String("path", path),
		zap.Duration("elapsed", time.Since(startTime)),
	)

	return &Secret{
		Value:   string(result.GetPayload().GetData()),
		Version: versionFromName(result.GetName()),
		Metadata: map[string]string{
			"gcp_project_id": sm.projectID,
			"gcp_secret":     path,
		},
	}, nil
}

// versionFromName extracts the version from
// projects/{project}/secrets/{secret}/versions/{version}
func versionFromName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 && i < len(name)-1 {
		return name[i+1:]
	}
	return "unknown"
}
