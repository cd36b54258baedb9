package secrets

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretVersionAccessor struct {
	requested []string
	resp      *secretmanagerpb.AccessSecretVersionResponse
	err       error
}

func (f *fakeSecretVersionAccessor) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.requested = append(f.requested, req.GetName())
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func TestGCPSecretManager_GetSecret(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantName string
	}{
		{
			name:     "short name",
			path:     "billing-db-password",
			wantName: "projects/acme/secrets/billing-db-password/versions/latest",
		},
		{
			name:     "fully qualified name",
			path:     "projects/other/secrets/cron/versions/2",
			wantName: "projects/other/secrets/cron/versions/2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeSecretVersionAccessor{resp: &secretmanagerpb.AccessSecretVersionResponse{
				Name:    "projects/acme/secrets/billing-db-password/versions/7",
				Payload: &secretmanagerpb.SecretPayload{Data: []byte("s3cret")},
			}}
			sm := newGCPSecretManager(client, "acme", zap.NewNop())

			secret, err := sm.GetSecret(context.Background(), tt.path)
			require.NoError(t, err)
			assert.Equal(t, "s3cret", secret.Value)
			assert.Equal(t, "7", secret.Version)
			assert.Equal(t, "acme", secret.Metadata["gcp_project_id"])
			assert.Equal(t, []string{tt.wantName}, client.requested)
		})
	}
}

func TestGCPSecretManager_Errors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		client := &fakeSecretVersionAccessor{err: status.Error(codes.NotFound, "no such secret")}
		_, err := newGCPSecretManager(client, "acme", zap.NewNop()).GetSecret(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrSecretNotFound)
	})

	t.Run("permission denied", func(t *testing.T) {
		client := &fakeSecretVersionAccessor{err: status.Error(codes.PermissionDenied, "denied")}
		_, err := newGCPSecretManager(client, "acme", zap.NewNop()).GetSecret(context.Background(), "db")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrSecretNotFound))
		assert.Contains(t, err.Error(), "failed to access GCP secret db")
	})
}

func TestVersionFromName(t *testing.T) {
	assert.Equal(t, "3", versionFromName("projects/p/secrets/s/versions/3"))
	assert.Equal(t, "unknown", versionFromName("projects/p/secrets/s/versions/"))
	assert.Equal(t, "unknown", versionFromName("latest"))
}
