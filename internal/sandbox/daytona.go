package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	apiclient "github.com/daytonaio/daytona/libs/api-client-go"
	"github.com/google/uuid"
)

const (
	defaultDaytonaAPIURL = "https://app.daytona.io/api"
	daytonaSourceHeader  = "agentd"
)

// DaytonaConfig configures the Daytona sandbox provider.
type DaytonaConfig struct {
	APIKey      string
	APIURL      string
	Target      string
	Snapshot    string
	AutoStop    *time.Duration
	AutoArchive *time.Duration
}

// DaytonaProvider provisions sandbox VMs through the Daytona API. The VM
// runs the sandbox server whose /health, /run, and /claim endpoints the
// RemoteHandle talks to through the proxy.
type DaytonaProvider struct {
	config    DaytonaConfig
	apiClient *apiclient.APIClient
	logger    *slog.Logger
}

// NewDaytonaProvider creates a Daytona-backed sandbox provider.
func NewDaytonaProvider(cfg DaytonaConfig, logger *slog.Logger) (*DaytonaProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKey == "" {
		cfg.APIKey = strings.TrimSpace(os.Getenv("DAYTONA_API_KEY"))
	}
	if cfg.APIKey == "" {
		return nil, errors.New("daytona api key is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultDaytonaAPIURL
	}

	scheme, host, basePath, err := parseBaseURL(cfg.APIURL)
	if err != nil {
		return nil, err
	}

	apiCfg := apiclient.NewConfiguration()
	apiCfg.Host = host
	apiCfg.Scheme = scheme
	apiCfg.HTTPClient = &http.Client{}
	apiCfg.AddDefaultHeader("X-Daytona-Source", daytonaSourceHeader)
	apiCfg.Servers = apiclient.ServerConfigurations{
		{URL: fmt.Sprintf("%s://%s%s", scheme, host, basePath)},
	}

	return &DaytonaProvider{
		config:    cfg,
		apiClient: apiclient.NewAPIClient(apiCfg),
		logger:    logger.With("component", "sandbox.daytona"),
	}, nil
}

func (p *DaytonaProvider) authContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, apiclient.ContextAccessToken, p.config.APIKey)
}

// Create implements Provider.
func (p *DaytonaProvider) Create(ctx context.Context, environmentID string) (string, error) {
	createReq := apiclient.NewCreateSandbox()
	createReq.SetName(fmt.Sprintf("agentd-%s", uuid.NewString()))
	if p.config.Target != "" {
		createReq.SetTarget(p.config.Target)
	}
	snapshot := p.config.Snapshot
	if environmentID != "" {
		snapshot = environmentID
	}
	if snapshot != "" {
		createReq.SetSnapshot(snapshot)
	}
	if minutes := durationToMinutes(p.config.AutoStop); minutes != nil {
		createReq.SetAutoStopInterval(*minutes)
	}
	if minutes := durationToMinutes(p.config.AutoArchive); minutes != nil {
		createReq.SetAutoArchiveInterval(*minutes)
	}

	created, httpResp, err := p.apiClient.SandboxAPI.CreateSandbox(p.authContext(ctx)).CreateSandbox(*createReq).Execute()
	if err != nil {
		return "", NewError("", "create", formatAPIError(err, httpResp))
	}

	state := created.GetState()
	if state == apiclient.SANDBOXSTATE_ERROR || state == apiclient.SANDBOXSTATE_BUILD_FAILED {
		return "", NewError(created.GetId(), "create", nil).
			WithMessage(fmt.Sprintf("sandbox failed to start: %s", state))
	}

	if err := p.waitForStarted(ctx, created.GetId()); err != nil {
		return "", err
	}
	p.logger.Info("created sandbox", "sandbox_id", created.GetId(), "environment", environmentID)
	return created.GetId(), nil
}

// Restart implements Provider. The sandbox keeps its id on a plain start;
// a destroyed sandbox is recreated under a new id.
func (p *DaytonaProvider) Restart(ctx context.Context, sandboxID string) (string, error) {
	existing, httpResp, err := p.apiClient.SandboxAPI.GetSandbox(p.authContext(ctx), sandboxID).Execute()
	if err != nil {
		if httpResp != nil && httpResp.StatusCode == http.StatusNotFound {
			p.logger.Warn("sandbox gone, recreating", "sandbox_id", sandboxID)
			return p.Create(ctx, p.config.Snapshot)
		}
		return "", NewError(sandboxID, "restart", formatAPIError(err, httpResp))
	}

	switch existing.GetState() {
	case apiclient.SANDBOXSTATE_STARTED:
		return sandboxID, nil
	case apiclient.SANDBOXSTATE_DESTROYED, apiclient.SANDBOXSTATE_ERROR, apiclient.SANDBOXSTATE_BUILD_FAILED:
		p.logger.Warn("sandbox unrecoverable, recreating",
			"sandbox_id", sandboxID, "state", existing.GetState())
		return p.Create(ctx, p.config.Snapshot)
	default:
		_, httpResp, err := p.apiClient.SandboxAPI.StartSandbox(p.authContext(ctx), sandboxID).Execute()
		if err != nil {
			return "", NewError(sandboxID, "restart", formatAPIError(err, httpResp))
		}
		if err := p.waitForStarted(ctx, sandboxID); err != nil {
			return "", err
		}
		return sandboxID, nil
	}
}

// Stop implements Provider.
func (p *DaytonaProvider) Stop(ctx context.Context, sandboxID string) error {
	_, httpResp, err := p.apiClient.SandboxAPI.StopSandbox(p.authContext(ctx), sandboxID).Execute()
	if err != nil {
		return NewError(sandboxID, "stop", formatAPIError(err, httpResp))
	}
	return nil
}

func (p *DaytonaProvider) waitForStarted(ctx context.Context, sandboxID string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		current, httpResp, err := p.apiClient.SandboxAPI.GetSandbox(p.authContext(ctx), sandboxID).Execute()
		if err != nil {
			return NewError(sandboxID, "create", formatAPIError(err, httpResp))
		}
		switch current.GetState() {
		case apiclient.SANDBOXSTATE_STARTED:
			return nil
		case apiclient.SANDBOXSTATE_ERROR, apiclient.SANDBOXSTATE_BUILD_FAILED, apiclient.SANDBOXSTATE_DESTROYED:
			return NewError(sandboxID, "create", nil).
				WithMessage(fmt.Sprintf("sandbox failed: %s", current.GetState()))
		}
		select {
		case <-ctx.Done():
			return NewError(sandboxID, "create", ctx.Err())
		case <-ticker.C:
		}
	}
}

// LocalProvider serves a fixed local sandbox for development. Create returns
// the configured URL as the id, Restart returns the id it is given, and Stop
// is a no-op.
type LocalProvider struct {
	BaseURL string
}

func (p *LocalProvider) Create(ctx context.Context, environmentID string) (string, error) {
	return p.BaseURL, nil
}

func (p *LocalProvider) Restart(ctx context.Context, sandboxID string) (string, error) {
	return sandboxID, nil
}

func (p *LocalProvider) Stop(ctx context.Context, sandboxID string) error {
	return nil
}

func parseBaseURL(raw string) (string, string, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", "", fmt.Errorf("parse daytona api url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", "", "", fmt.Errorf("daytona api url must include scheme and host: %q", raw)
	}
	basePath := strings.TrimRight(parsed.Path, "/")
	return parsed.Scheme, parsed.Host, basePath, nil
}

func formatAPIError(err error, resp *http.Response) error {
	if resp != nil {
		return fmt.Errorf("%w (HTTP %d)", err, resp.StatusCode)
	}
	return err
}

func durationToMinutes(value *time.Duration) *int32 {
	if value == nil {
		return nil
	}
	minutes := int32(value.Minutes())
	return &minutes
}
