package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperengineering/tether/internal/config"
)

// HTTPAdapter delivers mutations to a remote HTTP store as bearer-
// authenticated JSON requests.
type HTTPAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPAdapter creates an HTTPAdapter from configuration.
func NewHTTPAdapter(cfg config.HTTPRemoteConfig) *HTTPAdapter {
	timeout := time.Duration(cfg.Timeout)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAdapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Upsert writes the record payload via PUT. The remote treats the write as
// last-write-wins for the (table, id) pair.
func (a *HTTPAdapter) Upsert(ctx context.Context, table, id string, payload json.RawMessage) error {
	status, detail, err := a.do(ctx, http.MethodPut, a.recordURL(table, id), payload)
	if err != nil {
		return Transient(fmt.Errorf("upsert %s/%s: %w", table, id, err))
	}
	if status >= 200 && status < 300 {
		return nil
	}
	return classifyStatus(status, remoteStatusError("upsert", table, id, status, detail))
}

// Delete removes the record via DELETE. A 404 means the record is already
// gone, which is the state the mutation wanted.
func (a *HTTPAdapter) Delete(ctx context.Context, table, id string) error {
	status, detail, err := a.do(ctx, http.MethodDelete, a.recordURL(table, id), nil)
	if err != nil {
		return Transient(fmt.Errorf("delete %s/%s: %w", table, id, err))
	}
	if (status >= 200 && status < 300) || status == http.StatusNotFound {
		return nil
	}
	return classifyStatus(status, remoteStatusError("delete", table, id, status, detail))
}

// Ping checks remote reachability via the unauthenticated health endpoint.
func (a *HTTPAdapter) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// do executes one request and returns the status plus a short body snippet
// for diagnostics. A non-nil error means the request never completed.
func (a *HTTPAdapter) do(ctx context.Context, method, target string, body []byte) (int, string, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, "", err
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode, strings.TrimSpace(string(snippet)), nil
}

func (a *HTTPAdapter) recordURL(table, id string) string {
	return a.baseURL + "/api/v1/tables/" + url.PathEscape(table) + "/records/" + url.PathEscape(id)
}

func remoteStatusError(op, table, id string, status int, detail string) error {
	if detail != "" {
		return fmt.Errorf("%s %s/%s: remote returned %d: %s", op, table, id, status, detail)
	}
	return fmt.Errorf("%s %s/%s: remote returned %d", op, table, id, status)
}
