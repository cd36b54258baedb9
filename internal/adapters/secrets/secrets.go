package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// ErrSecretNotFound is returned when the backend has no secret at the path
var ErrSecretNotFound = errors.New("secret not found")

// Secret represents a retrieved secret with metadata
type Secret struct {
	Value    string
	Version  string
	Metadata map[string]string
}

// Reader retrieves secrets from a secret management backend.
// Path format depends on the backend:
//   - AWS: "recurring-billing/db-password" or a full ARN
//   - GCP: a secret name in the configured project, or "projects/.../secrets/..."
//   - Vault: "recurring-billing/db" under the configured KV mount
//   - Local: a file path relative to the base directory
//
// Resolve additionally understands "path#field" for secrets stored as JSON objects.
type Reader interface {
	GetSecret(ctx context.Context, path string) (*Secret, error)
}

// cachedReader keeps secrets in memory for a TTL
type cachedReader struct {
	next  Reader
	cache *cache.Cache
}

// NewCachedReader wraps next with an in-memory TTL cache
func NewCachedReader(next Reader, ttl time.Duration) Reader {
	return &cachedReader{next: next, cache: cache.New(ttl, 2*ttl)}
}

func (c *cachedReader) GetSecret(ctx context.Context, path string) (*Secret, error) {
	if v, ok := c.cache.Get(path); ok {
		return v.(*Secret), nil
	}
	secret, err := c.next.GetSecret(ctx, path)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(path, secret)
	return secret, nil
}

// Ref binds a secret path to the configuration value it fills
type Ref struct {
	Name   string
	Path   string
	Target *string
}

// Resolve reads every ref with a path and stores the value in its target.
// Refs without a path keep whatever the environment supplied. A path of the
// form "name#field" reads one string field of a JSON object secret.
func Resolve(ctx context.Context, reader Reader, logger *zap.Logger, refs ...Ref) error {
	for _, ref := range refs {
		if ref.Path == "" {
			continue
		}
		path, field := splitField(ref.Path)
		secret, err := reader.GetSecret(ctx, path)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", ref.Name, err)
		}
		value := secret.Value
		if field != "" {
			if value, err = fieldValue(secret, field); err != nil {
				return fmt.Errorf("resolve %s: %w", ref.Name, err)
			}
		}
		if value == "" {
			return fmt.Errorf("resolve %s: secret at %s is empty", ref.Name, ref.Path)
		}
		*ref.Target = value
		logger.Info("Resolved secret",
			zap.String("name", ref.Name),
			zap.String("field", field),
			zap.String("version", secret.Version),
		)
	}
	return nil
}

func splitField(path string) (string, string) {
	if i := strings.LastIndex(path, "#"); i > 0 {
		return path[:i], path[i+1:]
	}
	return path, ""
}

// fieldValue reads field from a JSON object secret value
func fieldValue(secret *Secret, field string) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(secret.Value), &obj); err != nil {
		return "", fmt.Errorf("secret is not a JSON object, cannot select %q", field)
	}
	raw, ok := obj[field]
	if !ok {
		return "", fmt.Errorf("secret has no field %q", field)
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case float64, bool:
		return fmt.Sprint(v), nil
	default:
		return "", fmt.Errorf("secret field %q is not a scalar", field)
	}
}
