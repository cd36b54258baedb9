package secrets

import (
	"context"
	"fmt"

	"github.com/kevin07696/recurring-billing/internal/config"
	"go.uber.org/zap"
)

// NewReader builds the reader for the configured backend, wrapped in a TTL cache.
// The env backend has no reader and returns nil.
func NewReader(ctx context.Context, cfg *config.SecretsConfig, logger *zap.Logger) (Reader, error) {
	var (
		reader Reader
		err    error
	)

	switch cfg.Backend {
	case "", "env":
		return nil, nil
	case "aws":
		reader, err = NewAWSSecretsManagerAdapter(ctx, &AWSSecretsManagerConfig{
			Region:   cfg.AWSRegion,
			Profile:  cfg.AWSProfile,
			Endpoint: cfg.AWSEndpoint,
		}, logger)
	case "gcp":
		reader, err = NewGCPSecretManager(ctx, &GCPSecretManagerConfig{ProjectID: cfg.GCPProjectID}, logger)
	case "vault":
		vc := DefaultVaultConfig(cfg.VaultAddress)
		vc.AuthMethod = cfg.VaultAuthMethod
		vc.Token = cfg.VaultToken
		vc.RoleID = cfg.VaultRoleID
		vc.SecretID = cfg.VaultSecretID
		vc.Namespace = cfg.VaultNamespace
		if cfg.VaultMountPath != "" {
			vc.MountPath = cfg.VaultMountPath
		}
		reader, err = NewVaultAdapter(ctx, vc, logger)
	case "local":
		logger.Warn("Using local file secrets; not for production", zap.String("path", cfg.LocalPath))
		reader = NewLocalSecretManager(cfg.LocalPath, logger)
	default:
		return nil, fmt.Errorf("unsupported secrets backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheTTL > 0 {
		reader = NewCachedReader(reader, cfg.CacheTTL)
	}
	return reader, nil
}

// ResolveConfig fills the database password, cron secret and webhook secret from the backend
func ResolveConfig(ctx context.Context, reader Reader, cfg *config.Config, logger *zap.Logger) error {
	if reader == nil {
		return nil
	}
	return Resolve(ctx, reader, logger,
		Ref{Name: "db_password", Path: cfg.Secrets.DBPasswordPath, Target: &cfg.Database.Password},
		Ref{Name: "cron_secret", Path: cfg.Secrets.CronSecretPath, Target: &cfg.Cron.Secret},
		Ref{Name: "webhook_secret", Path: cfg.Secrets.WebhookSecretPath, Target: &cfg.Webhook.Secret},
	)
}
