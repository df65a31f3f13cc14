// Package platform is the REST client of the disclosure platform, the source
// of truth for datasets, datapoints and review reports.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/datapoint-review/internal/model"
	"github.com/sells-group/datapoint-review/internal/resilience"
)

// ErrNotFound is returned when the platform answers 404.
var ErrNotFound = eris.New("platform: not found")

// Datapoint statuses pushed back after a review.
const (
	StatusQaAccepted = "QaAccepted"
	StatusQaRejected = "QaRejected"
)

// APIError is a non-2xx platform response.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("platform: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, body)
}

// Is lets errors.Is match ErrNotFound on 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// API is the subset of the platform the review engine calls.
type API interface {
	GetDataset(ctx context.Context, id string) (*model.Dataset, error)
	GetDatapoint(ctx context.Context, id string) (*model.DataPoint, error)
	ListPending(ctx context.Context, status string, types []string, pageSize int) ([]model.PendingItem, error)
	PostReport(ctx context.Context, datasetID string, report *model.Report) (string, error)
	SetDatapointStatus(ctx context.Context, id, status, comment string) error
}

// Client implements API over HTTP.
type Client struct {
	http    *resty.Client
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// Option configures a Client.
type Option func(*Client)

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithRetry replaces the default retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// NewClient creates a platform client.
func NewClient(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		rc.SetHeader("X-API-Key", apiKey)
	}
	if timeout > 0 {
		rc.SetTimeout(timeout)
	}

	bcfg := resilience.DefaultBreakerConfig()
	bcfg.Counts = resilience.IsTransient
	c := &Client{
		http:    rc,
		breaker: resilience.NewCircuitBreaker("platform", bcfg),
		retry:   resilience.DefaultRetryConfig(),
	}
	c.retry.OnRetry = resilience.RetryLogger("platform", "request")
	for _, o := range opts {
		o(c)
	}
	return c
}

// do sends one request through the breaker with retries on transient
// failures. result may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			req := c.http.R().SetContext(ctx)
			if body != nil {
				req.SetHeader("Content-Type", "application/json").SetBody(body)
			}
			if result != nil {
				req.SetResult(result)
			}
			resp, err := req.Execute(method, path)
			if err != nil {
				return resilience.NewTransientError(eris.Wrapf(err, "platform: %s %s", method, path), 0)
			}
			if resp.IsError() {
				apiErr := &APIError{
					StatusCode: resp.StatusCode(),
					Method:     method,
					Path:       path,
					Body:       string(resp.Body()),
				}
				if resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
					return resilience.NewTransientError(apiErr, apiErr.StatusCode)
				}
				return apiErr
			}
			return nil
		})
	})
}

// GetDataset fetches a dataset with all its fields.
func (c *Client) GetDataset(ctx context.Context, id string) (*model.Dataset, error) {
	var ds model.Dataset
	if err := c.do(ctx, http.MethodGet, "/datasets/"+url.PathEscape(id), nil, &ds); err != nil {
		return nil, err
	}
	if ds.ID == "" {
		ds.ID = id
	}
	return &ds, nil
}

// GetDatapoint fetches one datapoint snapshot.
func (c *Client) GetDatapoint(ctx context.Context, id string) (*model.DataPoint, error) {
	var dp model.DataPoint
	if err := c.do(ctx, http.MethodGet, "/datapoints/"+url.PathEscape(id), nil, &dp); err != nil {
		return nil, err
	}
	if dp.ID == "" {
		dp.ID = id
	}
	return &dp, nil
}

type pendingResponse struct {
	Items []model.PendingItem `json:"items"`
}

// ListPending returns up to pageSize items awaiting review.
func (c *Client) ListPending(ctx context.Context, status string, types []string, pageSize int) ([]model.PendingItem, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if len(types) > 0 {
		q.Set("types", strings.Join(types, ","))
	}
	if pageSize > 0 {
		q.Set("limit", strconv.Itoa(pageSize))
	}
	path := "/review-queue"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out pendingResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Items {
		if out.Items[i].Kind == "" {
			out.Items[i].Kind = model.ItemKindDataset
		}
	}
	return out.Items, nil
}

type postReportResponse struct {
	ID string `json:"id"`
}

// PostReport uploads a dataset review report and returns its id.
func (c *Client) PostReport(ctx context.Context, datasetID string, report *model.Report) (string, error) {
	var out postReportResponse
	path := "/datasets/" + url.PathEscape(datasetID) + "/qa-reports"
	if err := c.do(ctx, http.MethodPost, path, report, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", eris.Errorf("platform: POST %s returned no report id", path)
	}
	return out.ID, nil
}

type statusRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment,omitempty"`
}

// SetDatapointStatus records the QA status of a datapoint.
func (c *Client) SetDatapointStatus(ctx context.Context, id, status, comment string) error {
	path := "/datapoints/" + url.PathEscape(id) + "/qa-status"
	return c.do(ctx, http.MethodPut, path, statusRequest{Status: status, Comment: comment}, nil)
}

// StatusFor maps a verdict to the datapoint status it pushes. NotAttempted
// has no status.
func StatusFor(v model.Verdict) (string, bool) {
	switch v {
	case model.VerdictAccepted:
		return StatusQaAccepted, true
	case model.VerdictRejected:
		return StatusQaRejected, true
	}
	return "", false
}

// IsNotFound reports whether err is a platform 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
