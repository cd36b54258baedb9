package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	secretsmanagertypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/kevin07696/recurring-billing/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingReader struct {
	values map[string]string
	calls  int
}

func (r *countingReader) GetSecret(_ context.Context, path string) (*Secret, error) {
	r.calls++
	v, ok := r.values[path]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return &Secret{Value: v, Version: "1"}, nil
}

func TestCachedReader(t *testing.T) {
	inner := &countingReader{values: map[string]string{"billing/db": "pw"}}
	reader := NewCachedReader(inner, time.Minute)

	for i := 0; i < 3; i++ {
		secret, err := reader.GetSecret(context.Background(), "billing/db")
		require.NoError(t, err)
		assert.Equal(t, "pw", secret.Value)
	}
	assert.Equal(t, 1, inner.calls)

	_, err := reader.GetSecret(context.Background(), "billing/missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)
	_, _ = reader.GetSecret(context.Background(), "billing/missing")
	assert.Equal(t, 3, inner.calls)
}

func TestResolve(t *testing.T) {
	reader := &countingReader{values: map[string]string{"billing/db": "pw", "billing/empty": ""}}

	var password, cron string
	cron = "from-env"
	err := Resolve(context.Background(), reader, zap.NewNop(),
		Ref{Name: "db_password", Path: "billing/db", Target: &password},
		Ref{Name: "cron_secret", Target: &cron},
	)
	require.NoError(t, err)
	assert.Equal(t, "pw", password)
	assert.Equal(t, "from-env", cron)

	err = Resolve(context.Background(), reader, zap.NewNop(),
		Ref{Name: "cron_secret", Path: "billing/empty", Target: &cron})
	assert.ErrorContains(t, err, "is empty")

	err = Resolve(context.Background(), reader, zap.NewNop(),
		Ref{Name: "cron_secret", Path: "billing/none", Target: &cron})
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestResolve_Field(t *testing.T) {
	reader := &countingReader{values: map[string]string{
		"billing/rds":   `{"username":"billing","password":"pw","port":5432}`,
		"billing/plain": "not-json",
	}}

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr string
	}{
		{name: "string field", path: "billing/rds#password", want: "pw"},
		{name: "number field", path: "billing/rds#port", want: "5432"},
		{name: "missing field", path: "billing/rds#host", wantErr: `no field "host"`},
		{name: "not an object", path: "billing/plain#password", wantErr: "not a JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			err := Resolve(context.Background(), reader, zap.NewNop(),
				Ref{Name: "db_password", Path: tt.path, Target: &got})
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveConfig(t *testing.T) {
	reader := &countingReader{values: map[string]string{"db": "pw", "cron": "token"}}
	cfg := &config.Config{Secrets: config.SecretsConfig{DBPasswordPath: "db", CronSecretPath: "cron"}}

	require.NoError(t, ResolveConfig(context.Background(), reader, cfg, zap.NewNop()))
	assert.Equal(t, "pw", cfg.Database.Password)
	assert.Equal(t, "token", cfg.Cron.Secret)
	assert.NoError(t, cfg.Validate())

	assert.NoError(t, ResolveConfig(context.Background(), nil, cfg, zap.NewNop()))
}

type fakeSecretsManager struct {
	out *secretsmanager.GetSecretValueOutput
	err error
	ids []string
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.ids = append(f.ids, aws.ToString(in.SecretId))
	return f.out, f.err
}

func TestAWSSecretsManagerAdapter_GetSecret(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		client := &fakeSecretsManager{out: &secretsmanager.GetSecretValueOutput{
			SecretString: aws.String("pw"),
			VersionId:    aws.String("v7"),
			ARN:          aws.String("arn:aws:secretsmanager:us-east-1:1:secret:billing/db"),
			Name:         aws.String("billing/db"),
		}}
		adapter := newAWSSecretsManagerAdapter(client, zap.NewNop())

		secret, err := adapter.GetSecret(context.Background(), "billing/db")
		require.NoError(t, err)
		assert.Equal(t, "pw", secret.Value)
		assert.Equal(t, "v7", secret.Version)
		assert.Equal(t, "billing/db", secret.Metadata["name"])
		assert.Equal(t, []string{"billing/db"}, client.ids)
	})

	t.Run("binary", func(t *testing.T) {
		client := &fakeSecretsManager{out: &secretsmanager.GetSecretValueOutput{
			SecretBinary: []byte("raw"),
			VersionId:    aws.String("v1"),
		}}
		secret, err := newAWSSecretsManagerAdapter(client, zap.NewNop()).GetSecret(context.Background(), "billing/blob")
		require.NoError(t, err)
		assert.Equal(t, "raw", secret.Value)
	})

	t.Run("not found", func(t *testing.T) {
		client := &fakeSecretsManager{err: &secretsmanagertypes.ResourceNotFoundException{Message: aws.String("gone")}}
		_, err := newAWSSecretsManagerAdapter(client, zap.NewNop()).GetSecret(context.Background(), "billing/db")
		assert.ErrorIs(t, err, ErrSecretNotFound)
	})

	t.Run("other failure", func(t *testing.T) {
		client := &fakeSecretsManager{err: errors.New("throttled")}
		_, err := newAWSSecretsManagerAdapter(client, zap.NewNop()).GetSecret(context.Background(), "billing/db")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrSecretNotFound)
		assert.Contains(t, err.Error(), "throttled")
	})
}

func newVaultServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "root" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/data/billing/db":
			_, _ = w.Write([]byte(`{"data":{"data":{"value":"pw","owner":"billing"},"metadata":{"version":3,"created_time":"2024-01-01T00:00:00Z","deletion_time":"","destroyed":false}}}`))
		case "/v1/secret/data/billing/rds":
			_, _ = w.Write([]byte(`{"data":{"data":{"username":"billing","password":"rds-pw"},"metadata":{"version":1,"created_time":"2024-01-01T00:00:00Z","deletion_time":"","destroyed":false}}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultAdapter_GetSecret(t *testing.T) {
	srv := newVaultServer(t)
	cfg := DefaultVaultConfig(srv.URL)
	cfg.Token = "root"

	reader, err := NewVaultAdapter(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	secret, err := reader.GetSecret(context.Background(), "billing/db")
	require.NoError(t, err)
	assert.Equal(t, "pw", secret.Value)
	assert.Equal(t, "3", secret.Version)
	assert.Equal(t, "2024-01-01T00:00:00Z", secret.Metadata["created_at"])

	var password string
	require.NoError(t, Resolve(context.Background(), reader, zap.NewNop(),
		Ref{Name: "db_password", Path: "billing/rds#password", Target: &password}))
	assert.Equal(t, "rds-pw", password)

	_, err = reader.GetSecret(context.Background(), "billing/missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestNewVaultAdapter_AuthErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  *VaultConfig
		want string
	}{
		{name: "missing token", cfg: &VaultConfig{Address: "http://127.0.0.1:1", AuthMethod: "token"}, want: "token is required"},
		{name: "missing approle ids", cfg: &VaultConfig{Address: "http://127.0.0.1:1", AuthMethod: "approle"}, want: "role_id and secret_id"},
		{name: "unknown method", cfg: &VaultConfig{Address: "http://127.0.0.1:1", AuthMethod: "ldap"}, want: "unsupported auth method"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVaultAdapter(context.Background(), tt.cfg, zap.NewNop())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLocalSecretManager(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db_password"), []byte("pw\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cron.json"), []byte(`{"value":"token","tags":{"env":"dev"}}`), 0o600))

	reader := NewLocalSecretManager(dir, zap.NewNop())

	plain, err := reader.GetSecret(context.Background(), "db_password")
	require.NoError(t, err)
	assert.Equal(t, "pw", plain.Value)

	tagged, err := reader.GetSecret(context.Background(), "cron.json")
	require.NoError(t, err)
	assert.Equal(t, "token", tagged.Value)
	assert.Equal(t, "dev", tagged.Metadata["env"])

	_, err = reader.GetSecret(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestNewReader(t *testing.T) {
	reader, err := NewReader(context.Background(), &config.SecretsConfig{Backend: "env"}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, reader)

	reader, err = NewReader(context.Background(), &config.SecretsConfig{Backend: "local", LocalPath: t.TempDir(), CacheTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &cachedReader{}, reader)

	_, err = NewReader(context.Background(), &config.SecretsConfig{Backend: "azure"}, zap.NewNop())
	assert.ErrorContains(t, err, "unsupported secrets backend")

	_, err = NewReader(context.Background(), &config.SecretsConfig{Backend: "gcp"}, zap.NewNop())
	assert.ErrorContains(t, err, "project ID is required")
}
