package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/anvilci/anvil/pkg/types"
)

// Authentication headers. The worker session token and the per-build VM
// token are distinct credentials and never interchangeable.
const (
	HeaderWorkerToken = "X-Worker-Token"
	HeaderVMToken     = "X-VM-Token"
	HeaderAPIKey      = "X-Api-Key"
)

var (
	// ErrAuthExpired maps HTTP 401: the session token has expired but the
	// controller still knows this worker.
	ErrAuthExpired = errors.New("session token expired")

	// ErrWorkerUnknown maps HTTP 404: the controller no longer knows this
	// worker and a fresh registration is required.
	ErrWorkerUnknown = errors.New("worker unknown to controller")
)

// Client talks to the farm controller over HTTP. All methods take a context
// and apply a per-call timeout; none of them retries, retry policy belongs
// to the callers.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a controller client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient overrides the underlying HTTP client. Used by tests and by
// callers that need custom timeouts.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// RegisterRequest is the body of POST /workers/register. ID is included for
// idempotent re-registration when the worker already holds a controller-
// assigned identity.
type RegisterRequest struct {
	Name         string             `json:"name"`
	Capabilities types.Capabilities `json:"capabilities"`
	ID           string             `json:"id,omitempty"`
}

// RegisterResponse is the controller's answer to a successful registration.
type RegisterResponse struct {
	ID          string `json:"id"`
	AccessToken string `json:"access_token"`
}

// Register registers (or re-registers) this worker with the controller.
func (c *Client) Register(ctx context.Context, apiKey string, req *RegisterRequest) (*RegisterResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode register request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/workers/register", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderAPIKey, apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("register request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("register failed: HTTP %d", resp.StatusCode)
	}

	var out RegisterResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode register response: %w", err)
	}
	if out.ID == "" || out.AccessToken == "" {
		return nil, fmt.Errorf("register response missing id or access_token")
	}
	return &out, nil
}

// PollOutcome tags the result of one poll so the dispatch state machine can
// switch over a closed set instead of inspecting raw status codes.
type PollOutcome int

const (
	// OutcomeJob: a job was claimed.
	OutcomeJob PollOutcome = iota
	// OutcomeIdle: queue empty, nothing to do.
	OutcomeIdle
	// OutcomeAuthExpired: HTTP 401, session token no longer valid.
	OutcomeAuthExpired
	// OutcomeWorkerUnknown: HTTP 404, worker deleted controller-side.
	OutcomeWorkerUnknown
	// OutcomeTransient: network or server error, retry with backoff.
	OutcomeTransient
)

// String returns the outcome name for logs and metrics labels.
func (o PollOutcome) String() string {
	switch o {
	case OutcomeJob:
		return "job"
	case OutcomeIdle:
		return "idle"
	case OutcomeAuthExpired:
		return "auth_expired"
	case OutcomeWorkerUnknown:
		return "worker_unknown"
	case OutcomeTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// PollResult is the tagged outcome of one poll. AccessToken carries the
// rotated session token on any 200 response.
type PollResult struct {
	Outcome     PollOutcome
	Job         *types.BuildJob
	AccessToken string
	Err         error
}

type pollResponseBody struct {
	Job         *types.BuildJob `json:"job"`
	AccessToken string          `json:"access_token"`
}

// Poll asks the controller for work. Transport errors and unexpected status
// codes surface as OutcomeTransient; they are never fatal to the worker.
func (c *Client) Poll(ctx context.Context, token string) PollResult {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/workers/poll", nil)
	if err != nil {
		return PollResult{Outcome: OutcomeTransient, Err: err}
	}
	httpReq.Header.Set(HeaderWorkerToken, token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return PollResult{Outcome: OutcomeTransient, Err: fmt.Errorf("poll request failed: %w", err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body pollResponseBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return PollResult{Outcome: OutcomeTransient, Err: fmt.Errorf("failed to decode poll response: %w", err)}
		}
		if body.Job == nil {
			return PollResult{Outcome: OutcomeIdle, AccessToken: body.AccessToken}
		}
		return PollResult{Outcome: OutcomeJob, Job: body.Job, AccessToken: body.AccessToken}
	case http.StatusNoContent:
		return PollResult{Outcome: OutcomeIdle}
	case http.StatusUnauthorized:
		return PollResult{Outcome: OutcomeAuthExpired, Err: ErrAuthExpired}
	case http.StatusNotFound:
		return PollResult{Outcome: OutcomeWorkerUnknown, Err: ErrWorkerUnknown}
	default:
		return PollResult{Outcome: OutcomeTransient, Err: fmt.Errorf("poll failed: HTTP %d", resp.StatusCode)}
	}
}

// Unregister tells the controller this worker is going away so it can
// reassign any in-flight builds server-side.
func (c *Client) Unregister(ctx context.Context, token string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/workers/unregister", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set(HeaderWorkerToken, token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("unregister request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusUnauthorized:
		return ErrAuthExpired
	case http.StatusNotFound:
		return ErrWorkerUnknown
	default:
		return fmt.Errorf("unregister failed: HTTP %d", resp.StatusCode)
	}
}

// VMStatusResponse is the controller-side readiness flag for one build's VM.
// The guest authenticates directly against the controller; this side channel
// is how the host learns the guest is up without trusting files written by a
// VM it has locked itself out of.
type VMStatusResponse struct {
	VMReady bool   `json:"vm_ready"`
	VMToken string `json:"vm_token,omitempty"`
}

// VMStatus fetches the vm_ready flag for a build.
func (c *Client) VMStatus(ctx context.Context, buildID string) (*VMStatusResponse, error) {
	url := fmt.Sprintf("%s/builds/%s/vm-status", c.baseURL, buildID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vm-status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vm-status failed: HTTP %d", resp.StatusCode)
	}

	var out VMStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode vm-status response: %w", err)
	}
	return &out, nil
}

// Heartbeat posts build liveness using the per-build VM token. The caller
// treats a non-200 as a soft warning, not a job failure.
func (c *Client) Heartbeat(ctx context.Context, buildID, workerID, vmToken string, progress *types.Progress) error {
	var body io.Reader
	if progress != nil {
		data, err := json.Marshal(map[string]float64{"progress": progress.Percent})
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("%s/builds/%s/heartbeat?worker_id=%s", c.baseURL, buildID, workerID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	httpReq.Header.Set(HeaderVMToken, vmToken)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("heartbeat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("heartbeat failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

// UploadRequest is the multipart result report. One body shape covers both
// success and failure; ArtifactPath is optional either way.
type UploadRequest struct {
	BuildID      string
	WorkerID     string
	Success      bool
	ErrorMessage string
	ArtifactPath string
}

// UploadResult posts the result of a finished build.
func (c *Client) UploadResult(ctx context.Context, req *UploadRequest) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := map[string]string{
		"build_id":  req.BuildID,
		"worker_id": req.WorkerID,
		"success":   strconv.FormatBool(req.Success),
	}
	if req.ErrorMessage != "" {
		fields["error_message"] = req.ErrorMessage
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return fmt.Errorf("failed to write field %s: %w", name, err)
		}
	}

	if req.ArtifactPath != "" {
		file, err := os.Open(req.ArtifactPath)
		if err != nil {
			return fmt.Errorf("failed to open artifact: %w", err)
		}
		defer file.Close()

		part, err := writer.CreateFormFile("result", filepath.Base(req.ArtifactPath))
		if err != nil {
			return fmt.Errorf("failed to create artifact part: %w", err)
		}
		if _, err := io.Copy(part, file); err != nil {
			return fmt.Errorf("failed to copy artifact: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/workers/upload", &buf)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("upload failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Abandon relinquishes a job without a definitive result so the controller
// can requeue it instead of waiting for a timeout.
func (c *Client) Abandon(ctx context.Context, buildID, workerID, reason string) error {
	body, err := json.Marshal(map[string]string{
		"build_id":  buildID,
		"worker_id": workerID,
		"reason":    reason,
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/workers/abandon", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("abandon request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("abandon failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

// DiagnosticsReport is the summary the doctor command posts after a
// diagnostics pass.
type DiagnosticsReport struct {
	WorkerID string            `json:"worker_id,omitempty"`
	Healthy  bool              `json:"healthy"`
	Checks   map[string]string `json:"checks"`
}

// ReportDiagnostics posts the doctor summary. Best-effort: callers log and
// ignore failures.
func (c *Client) ReportDiagnostics(ctx context.Context, report *DiagnosticsReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/workers/diagnostics", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("diagnostics request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("diagnostics report failed: HTTP %d", resp.StatusCode)
	}
	return nil
}
