package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kmugalkhod/Promptly-V3-sub001/internal/config"
	"github.com/kmugalkhod/Promptly-V3-sub001/pkg/logger"
)

const (
	// e2bEnvdPort is the envd API port inside every sandbox.
	e2bEnvdPort = 49983

	// e2bMaxTimeoutSec caps the inactivity timeout accepted by the control plane.
	e2bMaxTimeoutSec = 86400

	// e2bHTTPTimeout bounds individual control plane calls. Data plane calls
	// carry per-command timeouts instead.
	e2bHTTPTimeout = 60 * time.Second
)

// E2BProvider implements Provider against the E2B managed sandbox service.
// The control plane (api.{domain}) provisions sandboxes; each sandbox exposes
// an envd daemon for file and command operations, reachable at
// {port}-{sandboxID}.{domain}.
type E2BProvider struct {
	log        *slog.Logger
	cfg        *config.SandboxConfig
	httpClient *http.Client

	totalCreates  atomic.Int64
	totalConnects atomic.Int64
}

// NewE2BProvider creates an E2B provider. Returns ErrProviderUnavailable when
// no API key is configured; callers surface that as a 503.
func NewE2BProvider(cfg *config.SandboxConfig, log *slog.Logger) (*E2BProvider, error) {
	if !cfg.IsConfigured() {
		return nil, ErrProviderUnavailable.WithMessage("E2B API key is not configured")
	}
	return &E2BProvider{
		log: log.With(logger.Scope("e2b")),
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: e2bHTTPTimeout,
		},
	}, nil
}

type e2bCreateRequest struct {
	TemplateID string `json:"templateID"`
	Timeout    int    `json:"timeout"` // seconds
}

type e2bConnectRequest struct {
	Timeout int `json:"timeout"` // seconds
}

type e2bSandboxResponse struct {
	SandboxID       string `json:"sandboxID"`
	EnvdAccessToken string `json:"envdAccessToken"`
	Domain          string `json:"domain,omitempty"`
}

// Create provisions a fresh sandbox from the template.
func (p *E2BProvider) Create(ctx context.Context, template string, timeout time.Duration) (Handle, error) {
	req := e2bCreateRequest{
		TemplateID: template,
		Timeout:    clampTimeoutSec(timeout),
	}

	var resp e2bSandboxResponse
	if err := p.controlPlaneCall(ctx, http.MethodPost, "/sandboxes", req, &resp); err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	p.totalCreates.Add(1)
	p.log.Info("sandbox created",
		"sandbox_id", resp.SandboxID,
		"template", template,
		"timeout_sec", req.Timeout,
	)

	return p.newHandle(&resp), nil
}

// Connect reattaches to an existing sandbox, refreshing its timeout. The
// control plane returns 404 for expired or unknown sandboxes.
func (p *E2BProvider) Connect(ctx context.Context, sandboxID string, timeout time.Duration) (Handle, error) {
	req := e2bConnectRequest{Timeout: clampTimeoutSec(timeout)}

	var resp e2bSandboxResponse
	path := fmt.Sprintf("/sandboxes/%s/connect", sandboxID)
	if err := p.controlPlaneCall(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, fmt.Errorf("connect sandbox %s: %w", sandboxID, err)
	}
	if resp.SandboxID == "" {
		resp.SandboxID = sandboxID
	}

	p.totalConnects.Add(1)
	p.log.Debug("sandbox reconnected", "sandbox_id", resp.SandboxID)

	return p.newHandle(&resp), nil
}

// Stats returns create/connect counters since startup.
func (p *E2BProvider) Stats() (creates, connects int64) {
	return p.totalCreates.Load(), p.totalConnects.Load()
}

func (p *E2BProvider) newHandle(resp *e2bSandboxResponse) *e2bHandle {
	domain := resp.Domain
	if domain == "" {
		domain = p.cfg.Domain
	}
	return &e2bHandle{
		provider:    p,
		id:          resp.SandboxID,
		domain:      domain,
		accessToken: resp.EnvdAccessToken,
	}
}

func clampTimeoutSec(timeout time.Duration) int {
	sec := int(timeout / time.Second)
	if sec < 1 {
		sec = 1
	}
	if sec > e2bMaxTimeoutSec {
		sec = e2bMaxTimeoutSec
	}
	return sec
}

// controlPlaneCall makes a JSON request to the E2B control plane.
func (p *E2BProvider) controlPlaneCall(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.ControlPlaneURL()+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", p.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("control plane request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("control plane error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// e2bHandle is a live connection to one E2B sandbox, talking to its envd
// daemon for file and command operations.
type e2bHandle struct {
	provider    *E2BProvider
	id          string
	domain      string
	accessToken string

	// envdBase overrides the derived envd URL. Tests point it at a local server.
	envdBase string
}

func (h *e2bHandle) ID() string {
	return h.id
}

// PublicHost returns the external host for a sandbox port, e.g.
// "3000-abc123.e2b.app".
func (h *e2bHandle) PublicHost(port int) string {
	return fmt.Sprintf("%d-%s.%s", port, h.id, h.domain)
}

func (h *e2bHandle) envdURL(endpoint string) string {
	if h.envdBase != "" {
		return h.envdBase + endpoint
	}
	return fmt.Sprintf("https://%s%s", h.PublicHost(e2bEnvdPort), endpoint)
}

type e2bCommandRequest struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

type e2bCommandResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Run executes a shell command via the envd commands API.
func (h *e2bHandle) Run(ctx context.Context, command string, timeout time.Duration) (*RunResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reqBody, err := json.Marshal(e2bCommandRequest{
		Cmd:  "/bin/bash",
		Args: []string{"-l", "-c", command},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.envdURL("/commands/run"), bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Token", h.accessToken)

	resp, err := h.provider.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("envd command request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("envd command error (status %d): %s", resp.StatusCode, string(errBody))
	}

	var cmdResp e2bCommandResponse
	if err := json.NewDecoder(resp.Body).Decode(&cmdResp); err != nil {
		return nil, fmt.Errorf("decode command result: %w", err)
	}

	return &RunResult{
		ExitCode: cmdResp.ExitCode,
		Stdout:   cmdResp.Stdout,
		Stderr:   cmdResp.Stderr,
	}, nil
}

// WriteFile writes content via the envd /files multipart endpoint, creating
// parent directories first.
func (h *e2bHandle) WriteFile(ctx context.Context, filePath, content string) error {
	if dir := path.Dir(filePath); dir != "/" && dir != "." {
		if _, err := h.Run(ctx, fmt.Sprintf("mkdir -p %q", dir), 30*time.Second); err != nil {
			h.provider.log.Warn("failed to create parent directories",
				"sandbox_id", h.id, "path", dir, logger.Error(err))
		}
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filePath)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		return fmt.Errorf("write form content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	reqURL := h.envdURL("/files") + "?path=" + url.QueryEscape(filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Access-Token", h.accessToken)

	resp, err := h.provider.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("envd write request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("envd write error (status %d): %s", resp.StatusCode, string(errBody))
	}
	return nil
}

// ReadFile reads a file via the envd /files endpoint.
func (h *e2bHandle) ReadFile(ctx context.Context, filePath string) (string, error) {
	reqURL := h.envdURL("/files") + "?path=" + url.QueryEscape(filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Access-Token", h.accessToken)

	resp, err := h.provider.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("envd read request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("envd read error (status %d): %s", resp.StatusCode, string(errBody))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetTimeout resets the sandbox inactivity timeout via the control plane.
func (h *e2bHandle) SetTimeout(ctx context.Context, timeout time.Duration) error {
	body := map[string]int{"timeout": clampTimeoutSec(timeout)}
	path := fmt.Sprintf("/sandboxes/%s/timeout", h.id)
	if err := h.provider.controlPlaneCall(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("set sandbox timeout: %w", err)
	}
	return nil
}

// Kill destroys the sandbox. A 404 means it already expired.
func (h *e2bHandle) Kill(ctx context.Context) error {
	err := h.provider.controlPlaneCall(ctx, http.MethodDelete, "/sandboxes/"+h.id, nil, nil)
	if err != nil {
		if strings.Contains(err.Error(), "status 404") {
			h.provider.log.Debug("sandbox already gone", "sandbox_id", h.id)
			return nil
		}
		return fmt.Errorf("kill sandbox: %w", err)
	}
	h.provider.log.Info("sandbox killed", "sandbox_id", h.id)
	return nil
}
