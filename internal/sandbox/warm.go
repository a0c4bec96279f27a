package sandbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const warmClaimTimeout = 10 * time.Second

// WarmPoolClient claims pre-provisioned sandboxes from a pool service via
// POST /claim/<environment>. A 200 carries an id; 404 means the pool is
// empty; timeouts and connection errors also report empty so the caller
// falls back to direct creation.
type WarmPoolClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewWarmPoolClient creates a warm pool client. Returns nil when no service
// URL is configured, which callers treat as an always-empty pool.
func NewWarmPoolClient(serviceURL string, logger *slog.Logger) *WarmPoolClient {
	if serviceURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WarmPoolClient{
		baseURL: strings.TrimRight(serviceURL, "/"),
		client:  &http.Client{Timeout: warmClaimTimeout},
		logger:  logger.With("component", "sandbox.warmpool"),
	}
}

// GetWarm implements WarmPool.
func (w *WarmPoolClient) GetWarm(ctx context.Context, environmentID string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/claim/"+environmentID, nil)
	if err != nil {
		return "", false
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Debug("warm pool claim failed", "error", err)
		return "", false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var payload struct {
			SandboxID string `json:"sandbox_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.SandboxID == "" {
			w.logger.Warn("warm pool returned unusable payload", "error", err)
			return "", false
		}
		w.logger.Info("claimed warm sandbox", "sandbox_id", payload.SandboxID, "environment", environmentID)
		return payload.SandboxID, true
	case http.StatusNotFound:
		return "", false
	default:
		w.logger.Debug("warm pool claim rejected", "status", resp.StatusCode)
		return "", false
	}
}
