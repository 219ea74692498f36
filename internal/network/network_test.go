// internal/network/network_test.go
package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
)

func TestNewDefaultClientConfig(t *testing.T) {
	cfg := NewDefaultClientConfig()
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, DefaultResponseHeaderTimeout, cfg.ResponseHeaderTimeout)
	assert.False(t, cfg.IgnoreTLSErrors)
	assert.NotNil(t, cfg.Logger)
}

func TestNewClient_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	client := NewClient(nil)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestNewHTTPTransport_TLS(t *testing.T) {
	cfg := NewDefaultClientConfig()
	cfg.IgnoreTLSErrors = true
	transport := NewHTTPTransport(cfg)
	require.NotNil(t, transport.TLSClientConfig)
	assert.True(t, transport.TLSClientConfig.InsecureSkipVerify)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(cfg)
	resp, err := client.Get(srv.URL)
	require.NoError(t, err, "self-signed certificates are accepted when TLS errors are ignored")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHTTPReleaser(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path+" "+r.Header.Get("Authorization"))
		mu.Unlock()
		switch r.URL.Path {
		case "/api/projects/1":
			w.WriteHeader(http.StatusNoContent)
		case "/api/projects/2":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	headers := http.Header{"Authorization": []string{"Bearer test"}}
	r := NewHTTPReleaser(nil, srv.URL, headers, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, r.Release(ctx, schemas.CreatedResource{Kind: "project", ID: "1", CleanupPath: "/api/projects/1"}))
	require.NoError(t, r.Release(ctx, schemas.CreatedResource{Kind: "project", ID: "2", CleanupPath: "/api/projects/2"}), "already gone counts as released")
	require.NoError(t, r.Release(ctx, schemas.CreatedResource{Kind: "draft", ID: "9"}), "no cleanup path is a no-op")

	err := r.Release(ctx, schemas.CreatedResource{Kind: "project", ID: "3", CleanupPath: "/api/projects/3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"DELETE /api/projects/1 Bearer test",
		"DELETE /api/projects/2 Bearer test",
		"DELETE /api/projects/3 Bearer test",
	}, calls)
}
