package http

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name string
		cfg  *ClientConfig
	}{
		{"webhook", WebhookClientConfig()},
		{"default", DefaultClientConfig()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(tt.cfg)
			assert.Equal(t, tt.cfg.Timeout, client.Timeout)

			ua, ok := client.Transport.(*userAgentTransport)
			require.True(t, ok)
			transport, ok := ua.next.(*http.Transport)
			require.True(t, ok)
			assert.Equal(t, tt.cfg.MaxIdleConnsPerHost, transport.MaxIdleConnsPerHost)
			assert.Equal(t, tt.cfg.MaxConnsPerHost, transport.MaxConnsPerHost)
			assert.Equal(t, tt.cfg.ResponseHeaderTimeout, transport.ResponseHeaderTimeout)
			assert.Equal(t, uint16(tls.VersionTLS12), transport.TLSClientConfig.MinVersion)
			assert.True(t, transport.ForceAttemptHTTP2)
		})
	}
}

func TestNewClient_NoUserAgent(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.UserAgent = ""

	client := NewClient(cfg)
	_, ok := client.Transport.(*http.Transport)
	assert.True(t, ok)
}

func TestWebhookClientConfig_LimitsPerHost(t *testing.T) {
	cfg := WebhookClientConfig()
	assert.Less(t, cfg.MaxConnsPerHost, DefaultClientConfig().MaxConnsPerHost)
	assert.Less(t, cfg.Timeout, DefaultClientConfig().Timeout)
}

func TestClient_UserAgentAndRedirects(t *testing.T) {
	var gotUA []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = append(gotUA, r.Header.Get("User-Agent"))
		if r.URL.Path == "/moved" {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := WebhookClientConfig()
	cfg.Timeout = 5 * time.Second
	client := NewClient(cfg)

	resp, err := client.Get(srv.URL + "/moved")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ok", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "custom")
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, []string{"recurring-billing-webhooks", "custom"}, gotUA)
}
