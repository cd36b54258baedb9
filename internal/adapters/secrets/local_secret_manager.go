package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// localSecretManager reads secrets from files under a base directory.
// WARNING: This is for development only. Use AWS Secrets Manager or Vault in production.
type localSecretManager struct {
	basePath string
	logger   *zap.Logger
}

// NewLocalSecretManager creates a new local filesystem secret reader
func NewLocalSecretManager(basePath string, logger *zap.Logger) Reader {
	return &localSecretManager{basePath: basePath, logger: logger}
}

// GetSecret reads a plain text or {"value": ...} JSON file
func (m *localSecretManager) GetSecret(_ context.Context, secretPath string) (*Secret, error) {
	filePath := filepath.Join(m.basePath, filepath.Clean("/"+secretPath))

	m.logger.Debug("Reading secret from filesystem", zap.String("path", secretPath))

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, secretPath)
		}
		return nil, fmt.Errorf("failed to read secret: %w", err)
	}

	var secretData struct {
		Value string            `json:"value"`
		Tags  map[string]string `json:"tags"`
	}
	if err := json.Unmarshal(data, &secretData); err == nil && secretData.Value != "" {
		return &Secret{Value: secretData.Value, Version: "v1", Metadata: secretData.Tags}, nil
	}

	return &Secret{Value: strings.TrimSpace(string(data)), Version: "v1"}, nil
}
