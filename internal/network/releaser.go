// internal/network/releaser.go
package network

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sentinel/api/schemas"
	"github.com/xkilldash9x/sentinel/internal/comparator"
)

// HTTPReleaser deletes resources a scenario created by sending DELETE to
// their cleanup path on the application's base URL.
type HTTPReleaser struct {
	client  *Client
	baseURL string
	headers http.Header
	logger  *zap.Logger
}

// NewHTTPReleaser creates a releaser. headers are sent with every request,
// e.g. an API token for the test tenant.
func NewHTTPReleaser(client *Client, baseURL string, headers http.Header, logger *zap.Logger) *HTTPReleaser {
	if client == nil {
		client = NewClient(nil)
	}
	return &HTTPReleaser{
		client:  client,
		baseURL: baseURL,
		headers: headers,
		logger:  logger.Named("releaser"),
	}
}

// Release deletes one resource. Resources without a cleanup path are left in
// place. 404 and 410 count as already released.
func (r *HTTPReleaser) Release(ctx context.Context, res schemas.CreatedResource) error {
	if res.CleanupPath == "" {
		r.logger.Debug("Resource has no cleanup path; leaving it.", zap.String("kind", res.Kind), zap.String("id", res.ID))
		return nil
	}
	target := comparator.ResolveURL(r.baseURL, res.CleanupPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return fmt.Errorf("failed to build cleanup request for %s %s: %w", res.Kind, res.ID, err)
	}
	for k, vs := range r.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("cleanup of %s %s failed: %w", res.Kind, res.ID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode < 300, resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		r.logger.Debug("Released resource.", zap.String("kind", res.Kind), zap.String("id", res.ID), zap.Int("status", resp.StatusCode))
		return nil
	}
	return fmt.Errorf("cleanup of %s %s returned %s", res.Kind, res.ID, resp.Status)
}
