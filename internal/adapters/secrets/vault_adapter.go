package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"
)

// VaultConfig contains configuration for HashiCorp Vault adapter
type VaultConfig struct {
	// Vault server address (e.g., "https://vault.example.com:8200")
	Address string

	// Authentication method: "token" or "approle"
	AuthMethod string

	Token string

	RoleID   string
	SecretID string

	// Vault namespace (Vault Enterprise)
	Namespace string

	// KV secrets engine mount path (default: "secret")
	MountPath string

	// KV version: "v1" or "v2" (default: "v2")
	KVVersion string
}

// DefaultVaultConfig returns default configuration for Vault adapter
func DefaultVaultConfig(address string) *VaultConfig {
	return &VaultConfig{
		Address:    address,
		AuthMethod: "token",
		MountPath:  "secret",
		KVVersion:  "v2",
	}
}

// vaultAdapter reads secrets from a Vault KV engine
type vaultAdapter struct {
	client *vault.Client
	config *VaultConfig
	logger *zap.Logger
}

// NewVaultAdapter creates a new HashiCorp Vault adapter
func NewVaultAdapter(ctx context.Context, cfg *VaultConfig, logger *zap.Logger) (Reader, error) {
	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	if err := authenticateVault(ctx, client, cfg); err != nil {
		return nil, fmt.Errorf("failed to authenticate with Vault: %w", err)
	}

	logger.Info("Vault adapter initialized",
		zap.String("address", cfg.Address),
		zap.String("auth_method", cfg.AuthMethod),
		zap.String("mount_path", cfg.MountPath),
		zap.String("kv_version", cfg.KVVersion),
	)

	return &vaultAdapter{client: client, config: cfg, logger: logger}, nil
}

// authenticateVault handles authentication with Vault
func authenticateVault(ctx context.Context, client *vault.Client, cfg *VaultConfig) error {
	switch cfg.AuthMethod {
	case "token", "":
		if cfg.Token == "" {
			return fmt.Errorf("token is required for token auth")
		}
		client.SetToken(cfg.Token)
		return nil

	case "approle":
		if cfg.RoleID == "" || cfg.SecretID == "" {
			return fmt.Errorf("role_id and secret_id are required for AppRole auth")
		}

		resp, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return fmt.Errorf("AppRole login failed: %w", err)
		}
		if resp == nil || resp.Auth == nil {
			return fmt.Errorf("AppRole login returned no auth info")
		}
		client.SetToken(resp.Auth.ClientToken)
		return nil

	default:
		return fmt.Errorf("unsupported auth method: %s", cfg.AuthMethod)
	}
}

// GetSecret retrieves a secret by its path under the KV mount. A secret with a
// "value" key yields that string; any other secret yields its data as a JSON
// object so Resolve can select a field.
func (a *vaultAdapter) GetSecret(ctx context.Context, path string) (*Secret, error) {
	started := time.Now()
	kv, err := a.read(ctx, path)
	if errors.Is(err, vault.ErrSecretNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}
	if err != nil {
		a.logger.Error("Failed to retrieve secret from Vault",
			zap.String("path", path),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to read secret from Vault: %w", err)
	}
	if kv == nil || len(kv.Data) == 0 {
		return nil, fmt.Errorf("%w: %s has no data", ErrSecretNotFound, path)
	}

	a.logger.Debug("Secret retrieved from Vault",
		zap.String("path", path),
		zap.Duration("elapsed", time.Since(started)),
	)
	return secretFromKV(kv)
}

func (a *vaultAdapter) read(ctx context.Context, path string) (*vault.KVSecret, error) {
	if a.config.KVVersion == "v1" {
		return a.client.KVv1(a.config.MountPath).Get(ctx, path)
	}
	return a.client.KVv2(a.config.MountPath).Get(ctx, path)
}

func secretFromKV(kv *vault.KVSecret) (*Secret, error) {
	secret := &Secret{Version: "1", Metadata: make(map[string]string)}
	if kv.VersionMetadata != nil {
		secret.Version = strconv.Itoa(kv.VersionMetadata.Version)
		secret.Metadata["created_at"] = kv.VersionMetadata.CreatedTime.UTC().Format(time.RFC3339)
	}

	if value, ok := kv.Data["value"].(string); ok {
		secret.Value = value
		return secret, nil
	}

	body, err := json.Marshal(kv.Data)
	if err != nil {
		return nil, fmt.Errorf("encode vault secret: %w", err)
	}
	secret.Value = string(body)
	return secret, nil
}
