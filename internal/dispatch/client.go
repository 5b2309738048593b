// Package dispatch is the client for the remote workflow platform: it
// exchanges a signed app assertion for installation tokens, triggers
// workflow runs, and retrieves produced artifacts. Every non-2xx response
// maps to one typed error code.
package dispatch

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hexweave/grimoire/internal/cache"
)

const maxArtifactBytes = 1 << 30

// Artifact describes one artifact produced by a workflow run.
type Artifact struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	SizeBytes          int64  `json:"size_in_bytes"`
	Expired            bool   `json:"expired"`
	ArchiveDownloadURL string `json:"archive_download_url"`
}

// Config configures a Client. BaseURL, AppID, and PrivateKeyPEM are required;
// the rest defaults.
type Config struct {
	BaseURL       string
	AppID         string
	PrivateKeyPEM []byte

	HTTPClient        *http.Client
	TokenCache        cache.TTLCache
	InstallationCache cache.TTLCache
	Clock             cache.Clock
	Logger            *slog.Logger
}

// Client talks to the workflow platform. Redirects are never followed
// automatically: artifact downloads handle their single redirect hop
// explicitly.
type Client struct {
	baseURL       string
	appID         string
	signingKey    *rsa.PrivateKey
	httpClient    *http.Client
	tokens        cache.TTLCache
	installations cache.TTLCache
	clock         cache.Clock
	logger        *slog.Logger
}

// NewClient validates configuration and builds a client. Missing credentials
// are a configuration error and fail fast.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("dispatch: base URL is required")
	}
	if cfg.AppID == "" {
		return nil, errors.New("dispatch: app id is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("dispatch: parse signing key: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	// Take a copy so disabling redirects does not leak into the caller's client.
	clientCopy := *httpClient
	clientCopy.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	tokens := cfg.TokenCache
	if tokens == nil {
		tokens = cache.NewBytes(64, cfg.Clock)
	}
	installations := cfg.InstallationCache
	if installations == nil {
		installations = cache.NewBytes(256, cfg.Clock)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:       cfg.BaseURL,
		appID:         cfg.AppID,
		signingKey:    key,
		httpClient:    &clientCopy,
		tokens:        tokens,
		installations: installations,
		clock:         clock,
		logger:        logger,
	}, nil
}

// TriggerDispatch starts a workflow run. The platform returns no run id from
// this call; run discovery is by polling the run list.
func (c *Client) TriggerDispatch(ctx context.Context, owner, repo, workflowFile, ref string, inputs map[string]any) error {
	token, err := c.accessToken(ctx, owner, repo)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{"ref": ref, "inputs": inputs})
	if err != nil {
		return fmt.Errorf("marshal dispatch inputs: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/dispatches",
		c.baseURL, owner, repo, workflowFile)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	c.authorize(req, token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("trigger dispatch: %w", err)
	}
	defer resp.Body.Close()

	callsTotal.WithLabelValues("trigger_dispatch", outcomeLabel(resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusNoContent {
		return statusError(resp.StatusCode, readErrorBody(resp.Body), false)
	}
	return nil
}

// ListArtifacts returns the artifacts produced by a run.
func (c *Client) ListArtifacts(ctx context.Context, owner, repo string, runID int64) ([]Artifact, error) {
	token, err := c.accessToken(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/repos/%s/%s/actions/runs/%d/artifacts", c.baseURL, owner, repo, runID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build artifact list request: %w", err)
	}
	c.authorize(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer resp.Body.Close()

	callsTotal.WithLabelValues("list_artifacts", outcomeLabel(resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, readErrorBody(resp.Body), true)
	}

	var payload struct {
		Artifacts []Artifact `json:"artifacts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode artifact list: %w", err)
	}
	return payload.Artifacts, nil
}

// DownloadArtifact retrieves an artifact's bytes. The platform contract
// guarantees exactly one redirect hop to pre-signed storage: the Location
// header is followed once, and its absence is an internal error.
func (c *Client) DownloadArtifact(ctx context.Context, owner, repo string, artifactID int64) ([]byte, error) {
	token, err := c.accessToken(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/repos/%s/%s/actions/artifacts/%d/zip", c.baseURL, owner, repo, artifactID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build artifact download request: %w", err)
	}
	c.authorize(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	callsTotal.WithLabelValues("download_artifact", outcomeLabel(resp.StatusCode)).Inc()

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		location := resp.Header.Get("Location")
		if location == "" {
			return nil, &Error{Code: CodeInternal, Status: resp.StatusCode,
				Message: "redirect response without Location header"}
		}
		return c.fetchRedirected(ctx, location)
	case resp.StatusCode == http.StatusOK:
		// Some deployments serve bytes directly.
		return readArtifact(resp.Body)
	default:
		return nil, statusError(resp.StatusCode, readErrorBody(resp.Body), true)
	}
}

// fetchRedirected follows the single pre-signed storage hop. The storage URL
// carries its own credentials, so the platform token is not forwarded.
func (c *Client) fetchRedirected(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("build redirected request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch redirected artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, readErrorBody(resp.Body), true)
	}
	return readArtifact(resp.Body)
}

func (c *Client) authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
}

func readArtifact(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxArtifactBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read artifact body: %w", err)
	}
	if len(data) > maxArtifactBytes {
		return nil, &Error{Code: CodeInternal, Status: http.StatusOK,
			Message: fmt.Sprintf("artifact exceeds %d bytes", maxArtifactBytes)}
	}
	return data, nil
}
