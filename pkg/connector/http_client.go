package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowdeck-inc/flowdeck-engine/pkg/models"
)

// DefaultTimeout bounds remote instance calls when the caller's context
// carries no deadline of its own.
const DefaultTimeout = 30 * time.Second

// apiKeyHeader carries the instance-supplied credential.
const apiKeyHeader = "X-API-Key"

// HTTPConnector talks to remote automation instances over their REST API.
// One connector serves all instances; per-instance circuit breakers keep a
// hard-down instance from consuming the sync budget of the others.
type HTTPConnector struct {
	httpClient *http.Client
	logger     *zap.Logger

	mu       sync.Mutex
	breakers map[uuid.UUID]*CircuitBreaker
	cbConfig CircuitBreakerConfig
}

// NewHTTPConnector creates a connector for the v1 instance REST API.
func NewHTTPConnector(logger *zap.Logger) *HTTPConnector {
	return &HTTPConnector{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger:   logger.Named("connector"),
		breakers: make(map[uuid.UUID]*CircuitBreaker),
		cbConfig: DefaultCircuitBreakerConfig(),
	}
}

// Probe performs a health check against the instance.
func (c *HTTPConnector) Probe(ctx context.Context, instance *models.Instance) (ProbeOutcome, error) {
	endpoint, err := buildURL(instance.Endpoint, "healthz")
	if err != nil {
		return ProbeUnreachable, NewError(KindMalformed, "invalid endpoint", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ProbeUnreachable, NewError(KindMalformed, "failed to create request", err)
	}
	req.Header.Set(apiKeyHeader, instance.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		classified := Classify(err)
		return outcomeFor(classified), classified
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

	if connErr := ClassifyStatus(resp.StatusCode, ""); connErr != nil {
		return outcomeFor(connErr), connErr
	}

	return ProbeHealthy, nil
}

// ListWorkflows fetches the instance's workflow definitions.
func (c *HTTPConnector) ListWorkflows(ctx context.Context, instance *models.Instance) ([]WorkflowSnapshot, error) {
	var payload struct {
		Data []WorkflowSnapshot `json:"data"`
	}
	if err := c.get(ctx, instance, &payload, "api", "v1", "workflows"); err != nil {
		return nil, err
	}
	return payload.Data, nil
}

// ListRecentExecutions fetches executions started after since.
func (c *HTTPConnector) ListRecentExecutions(ctx context.Context, instance *models.Instance, since time.Time) ([]ExecutionSnapshot, error) {
	var payload struct {
		Data []ExecutionSnapshot `json:"data"`
	}
	query := url.Values{}
	query.Set("includeData", "false")
	if !since.IsZero() {
		query.Set("startedAfter", since.UTC().Format(time.RFC3339))
	}
	if err := c.getWithQuery(ctx, instance, &payload, query, "api", "v1", "executions"); err != nil {
		return nil, err
	}
	return payload.Data, nil
}

// get issues an authenticated GET and decodes the JSON body into out.
func (c *HTTPConnector) get(ctx context.Context, instance *models.Instance, out any, pathSegments ...string) error {
	return c.getWithQuery(ctx, instance, out, nil, pathSegments...)
}

func (c *HTTPConnector) getWithQuery(ctx context.Context, instance *models.Instance, out any, query url.Values, pathSegments ...string) error {
	cb := c.breakerFor(instance.ID)
	if ok, cbErr := cb.Allow(); !ok {
		return NewError(KindUnreachable, "circuit open", cbErr)
	}

	endpoint, err := buildURL(instance.Endpoint, pathSegments...)
	if err != nil {
		cb.RecordFailure()
		return NewError(KindMalformed, "invalid endpoint", err)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cb.RecordFailure()
		return NewError(KindMalformed, "failed to create request", err)
	}
	req.Header.Set(apiKeyHeader, instance.APIKey)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("instance API request",
		zap.String("instance_id", instance.ID.String()),
		zap.String("url", endpoint))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cb.RecordFailure()
		return Classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		cb.RecordFailure()
		return NewError(KindUnreachable, "failed to read response", err)
	}

	if connErr := ClassifyStatus(resp.StatusCode, string(body)); connErr != nil {
		// Auth rejections are a credential problem, not an availability one.
		if connErr.Kind != KindAuthRejected {
			cb.RecordFailure()
		}
		return connErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		cb.RecordFailure()
		return NewError(KindMalformed, "failed to parse response", err)
	}

	cb.RecordSuccess()
	return nil
}

// breakerFor returns the circuit breaker guarding one instance.
func (c *HTTPConnector) breakerFor(instanceID uuid.UUID) *CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[instanceID]
	if !ok {
		cb = NewCircuitBreaker(c.cbConfig)
		c.breakers[instanceID] = cb
	}
	return cb
}

// outcomeFor maps a classified error to a probe outcome.
func outcomeFor(err *Error) ProbeOutcome {
	if err != nil && err.Kind == KindAuthRejected {
		return ProbeAuthRejected
	}
	return ProbeUnreachable
}

// buildURL constructs a URL by parsing the base and joining path segments.
func buildURL(baseURL string, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	segments := append([]string{u.Path}, pathSegments...)
	u.Path = path.Join(segments...)

	return u.String(), nil
}

// Ensure HTTPConnector implements Connector at compile time.
var _ Connector = (*HTTPConnector)(nil)
