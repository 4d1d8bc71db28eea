package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/observatorio-andes/snowflow/errors"
)

// HTTPClient talks to the export service over its REST API. All requests are
// throttled through a shared rate limiter so a busy orchestrator tick cannot
// trip the service's quota.
type HTTPClient struct {
	baseURL string
	project string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// NewHTTPClient creates a client for the export service at baseURL.
// requestsPerMinute bounds the outbound request rate; zero disables
// throttling.
func NewHTTPClient(baseURL, project, token string, timeout time.Duration, requestsPerMinute int, log *zap.SugaredLogger) *HTTPClient {
	limit := rate.Inf
	burst := 1
	if requestsPerMinute > 0 {
		limit = rate.Limit(float64(requestsPerMinute) / 60.0)
		burst = requestsPerMinute
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		project: project,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
}

type submitRequest struct {
	JobType string          `json:"job_type"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type submitResponse struct {
	Name string `json:"name"`
}

type operationResponse struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Artifact string `json:"artifact,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Submit starts an export task and returns the operation handle.
func (c *HTTPClient) Submit(ctx context.Context, jobType string, params []byte) (string, error) {
	body, err := json.Marshal(submitRequest{JobType: jobType, Params: params})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode submit request")
	}

	url := fmt.Sprintf("%s/v1/projects/%s/exports", c.baseURL, c.project)
	respBody, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return "", errors.Wrapf(err, "failed to submit task for %s", jobType)
	}

	var resp submitResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", errors.Wrap(err, "failed to decode submit response")
	}
	if resp.Name == "" {
		return "", errors.New("submit response missing operation name")
	}

	c.log.Debugw("Remote task submitted", "job_type", jobType, "handle", resp.Name)
	return resp.Name, nil
}

// Poll fetches the operation's current state and normalizes it.
func (c *HTTPClient) Poll(ctx context.Context, handle string) (*TaskStatus, error) {
	url := fmt.Sprintf("%s/v1/%s", c.baseURL, handle)
	respBody, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to poll task %s", handle)
	}

	var resp operationResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to decode operation response")
	}
	return normalizeStatus(&resp), nil
}

// Cancel requests cancellation of the operation. A 404 is treated as success:
// the task is already gone.
func (c *HTTPClient) Cancel(ctx context.Context, handle string) error {
	url := fmt.Sprintf("%s/v1/%s:cancel", c.baseURL, handle)
	_, err := c.do(ctx, http.MethodPost, url, nil)
	if errors.Is(err, ErrTaskNotFound) {
		return nil
	}
	return errors.Wrapf(err, "failed to cancel task %s", handle)
}

// normalizeStatus maps the service's task states onto the three phases the
// scheduler acts on. Unknown states are treated as still running so a service
// rollout adding states degrades to continued polling, not false failures.
func normalizeStatus(resp *operationResponse) *TaskStatus {
	status := &TaskStatus{Detail: resp.State}
	switch strings.ToUpper(resp.State) {
	case "COMPLETED", "SUCCEEDED":
		status.Phase = PhaseSucceeded
		status.ArtifactRef = resp.Artifact
	case "FAILED", "CANCELLED", "CANCELLED_REMOTELY":
		status.Phase = PhaseFailed
		if resp.Error != "" {
			status.Detail = resp.State + ": " + resp.Error
		}
	default:
		// SUBMITTED, READY, PENDING, RUNNING and anything new
		status.Phase = PhaseRunning
	}
	return status
}

// do executes one throttled request and classifies failures: network errors
// and 5xx/429 responses are transient, 404 is ErrTaskNotFound, everything
// else is a permanent rejection.
func (c *HTTPClient) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter interrupted")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, MarkTransient(errors.Wrap(err, "request failed"))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, MarkTransient(errors.Wrap(err, "failed to read response"))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrapf(ErrTaskNotFound, "%s %s", method, url)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, MarkTransient(errors.Newf("service returned %d: %s", resp.StatusCode, truncate(respBody)))
	default:
		return nil, errors.Newf("service rejected request with %d: %s", resp.StatusCode, truncate(respBody))
	}
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
