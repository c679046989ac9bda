// Package client talks to the genflowd admin API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/psantana5/genflow/pkg/api"
	"github.com/psantana5/genflow/pkg/cost"
	"github.com/psantana5/genflow/pkg/deadletter"
	"github.com/psantana5/genflow/pkg/middleware"
	"github.com/psantana5/genflow/pkg/models"
	"github.com/psantana5/genflow/pkg/retry"
)

// Client calls the admin API
type Client struct {
	baseURL     string
	httpClient  *http.Client
	requesterID string
	retry       retry.Config
}

// Option customises a Client
type Option func(*Client)

// WithTLS sets the transport TLS configuration
func WithTLS(cfg *tls.Config) Option {
	return func(c *Client) {
		c.httpClient.Transport = &http.Transport{TLSClientConfig: cfg}
	}
}

// WithRequester sends the given identity on every request
func WithRequester(id string) Option {
	return func(c *Client) { c.requesterID = id }
}

// WithTimeout overrides the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetry overrides the retry schedule used for reads
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// New creates a client for the API rooted at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry: retry.Config{
			MaxRetries:     2,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2,
			Jitter:         0.2,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is a non-2xx response that did not carry an error code
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Body)
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.requesterID != "" {
		req.Header.Set(middleware.RequesterHeader, c.requesterID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var apiErr api.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Code != "" {
			err = models.Errorf(models.ErrorCode(apiErr.Code), "%s", apiErr.Error)
		} else {
			err = &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		}
		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return err
		}
		return retry.Permanent(err)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = data
	}
	if method != http.MethodGet {
		return unwrapPermanent(c.once(ctx, method, path, body, out))
	}
	return unwrapPermanent(retry.Do(ctx, c.retry, func() error {
		return c.once(ctx, method, path, body, out)
	}))
}

// unwrapPermanent strips the retry marker so callers see the API error
func unwrapPermanent(err error) error {
	var ce *models.CodedError
	if errors.As(err, &ce) {
		return ce
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se
	}
	return err
}

// SubmitJob admits one job and returns its id
func (c *Client) SubmitJob(ctx context.Context, req api.SubmitJobRequest) (string, error) {
	var resp api.SubmitJobResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// SubmitBatch admits a batch
func (c *Client) SubmitBatch(ctx context.Context, req api.SubmitBatchRequest) (*models.BatchResult, error) {
	var res models.BatchResult
	if err := c.do(ctx, http.MethodPost, "/batches", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetJob fetches a job's status
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// JobAction runs cancel, pause or resume on a job
func (c *Client) JobAction(ctx context.Context, id, action string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/"+action, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// QueueStats fetches queue counts
func (c *Client) QueueStats(ctx context.Context) (*api.QueueStatsResponse, error) {
	var s api.QueueStatsResponse
	if err := c.do(ctx, http.MethodGet, "/queue/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SetQueuePaused pauses or resumes claims
func (c *Client) SetQueuePaused(ctx context.Context, paused bool) (*api.QueueStatsResponse, error) {
	path := "/queue/resume"
	if paused {
		path = "/queue/pause"
	}
	var s api.QueueStatsResponse
	if err := c.do(ctx, http.MethodPost, path, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CleanQueue purges terminal jobs and returns how many were removed
func (c *Client) CleanQueue(ctx context.Context, req api.CleanRequest) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	if err := c.do(ctx, http.MethodPost, "/queue/clean", req, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// Providers lists provider descriptors
func (c *Client) Providers(ctx context.Context) ([]models.ProviderDescriptor, error) {
	var out []models.ProviderDescriptor
	if err := c.do(ctx, http.MethodGet, "/providers", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProviderUsage fetches one provider's counters
func (c *Client) ProviderUsage(ctx context.Context, name string) (*models.ProviderUsage, error) {
	var u models.ProviderUsage
	if err := c.do(ctx, http.MethodGet, "/providers/"+url.PathEscape(name)+"/usage", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// DeadLetterQuery filters ListDeadLetter
type DeadLetterQuery struct {
	Category string
	Provider string
	Resolved *bool
	Limit    int
}

func (q DeadLetterQuery) encode() string {
	v := url.Values{}
	if q.Category != "" {
		v.Set("category", q.Category)
	}
	if q.Provider != "" {
		v.Set("provider", q.Provider)
	}
	if q.Resolved != nil {
		v.Set("resolved", fmt.Sprint(*q.Resolved))
	}
	if q.Limit > 0 {
		v.Set("limit", fmt.Sprint(q.Limit))
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

// ListDeadLetter lists dead-letter entries
func (c *Client) ListDeadLetter(ctx context.Context, q DeadLetterQuery) ([]*models.DeadLetterEntry, error) {
	var out []*models.DeadLetterEntry
	if err := c.do(ctx, http.MethodGet, "/dead-letter"+q.encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeadLetterStats fetches dead-letter totals
func (c *Client) DeadLetterStats(ctx context.Context) (*models.DeadLetterStats, error) {
	var s models.DeadLetterStats
	if err := c.do(ctx, http.MethodGet, "/dead-letter/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// RetryDeadLetter re-submits an entry
func (c *Client) RetryDeadLetter(ctx context.Context, id string, req api.RetryRequest) (*deadletter.RetryResult, error) {
	var res deadletter.RetryResult
	if err := c.do(ctx, http.MethodPost, "/dead-letter/"+url.PathEscape(id)+"/retry", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ResolveDeadLetter closes an entry
func (c *Client) ResolveDeadLetter(ctx context.Context, id string, req api.ResolveRequest) (*models.DeadLetterEntry, error) {
	var e models.DeadLetterEntry
	if err := c.do(ctx, http.MethodPost, "/dead-letter/"+url.PathEscape(id)+"/resolve", req, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// CostReport fetches a cost report; start and end are only used for custom
func (c *Client) CostReport(ctx context.Context, timeframe string, start, end *time.Time) (*models.CostReport, error) {
	v := url.Values{"timeframe": {timeframe}}
	if start != nil {
		v.Set("start", start.Format(time.RFC3339))
	}
	if end != nil {
		v.Set("end", end.Format(time.RFC3339))
	}
	var r models.CostReport
	if err := c.do(ctx, http.MethodGet, "/cost/report?"+v.Encode(), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Spend fetches spend in the current budget windows
func (c *Client) Spend(ctx context.Context) (*cost.Spend, error) {
	var s cost.Spend
	if err := c.do(ctx, http.MethodGet, "/cost/spend", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Alerts lists cost alerts; unacked restricts to open ones
func (c *Client) Alerts(ctx context.Context, unacked bool, limit int) ([]*models.CostAlert, error) {
	v := url.Values{}
	if unacked {
		v.Set("acknowledged", "false")
	}
	if limit > 0 {
		v.Set("limit", fmt.Sprint(limit))
	}
	path := "/cost/alerts"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var out []*models.CostAlert
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AcknowledgeAlert acknowledges an alert; false means it already was
func (c *Client) AcknowledgeAlert(ctx context.Context, id, by string) (bool, error) {
	var resp struct {
		Acknowledged bool `json:"acknowledged"`
	}
	if err := c.do(ctx, http.MethodPost, "/cost/alerts/"+url.PathEscape(id)+"/ack", api.AckRequest{By: by}, &resp); err != nil {
		return false, err
	}
	return resp.Acknowledged, nil
}

// Recommendations fetches cost hints
func (c *Client) Recommendations(ctx context.Context) ([]models.Recommendation, error) {
	var out []models.Recommendation
	if err := c.do(ctx, http.MethodGet, "/cost/recommendations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health fetches the daemon health summary
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var h api.HealthResponse
	// a degraded daemon answers 503 with a body worth showing
	err := c.once(ctx, http.MethodGet, "/health", nil, &h)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusServiceUnavailable {
		if jerr := json.Unmarshal([]byte(se.Body), &h); jerr == nil {
			return &h, nil
		}
	}
	if err != nil {
		return nil, unwrapPermanent(err)
	}
	return &h, nil
}
