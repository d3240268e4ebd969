package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// DefaultClusterLabel is the label that tells clusters apart on a shared backend
const DefaultClusterLabel = "cluster"

// labelValuesLookback is how far back CheckClusters looks for cluster label values
const labelValuesLookback = time.Hour

// RangeQuerier executes range queries against one cluster's metrics backend
type RangeQuerier interface {
	ExecuteRangeQuery(ctx context.Context, query Query, r TimeRange) ([]MetricSeries, error)
}

// ConnectionOption configures a Connection
type ConnectionOption func(*Connection)

// WithRetryPolicy sets the retry policy for transient backend failures
func WithRetryPolicy(policy RetryPolicy) ConnectionOption {
	return func(c *Connection) {
		c.retry = policy
	}
}

// WithConnectionLogger sets the logger of the connection
func WithConnectionLogger(log logr.Logger) ConnectionOption {
	return func(c *Connection) {
		c.log = log
	}
}

// Connection executes queries against the Prometheus HTTP API of one ClusterEndpoint.
// It is safe for concurrent use.
type Connection struct {
	endpoint ClusterEndpoint
	client   api.Client
	queryAPI v1.API
	retry    RetryPolicy
	log      logr.Logger
}

// NewConnection creates a connection to the endpoint's Prometheus API
func NewConnection(endpoint *ClusterEndpoint, opts ...ConnectionOption) (*Connection, error) {
	if endpoint == nil || endpoint.URL == "" {
		return nil, fmt.Errorf("failed to create Prometheus client: endpoint URL is empty")
	}

	client, err := api.NewClient(api.Config{
		Address:      endpoint.URL,
		RoundTripper: endpoint.RoundTripper,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	client = statusClient{Client: client}

	c := &Connection{
		endpoint: *endpoint,
		client:   client,
		queryAPI: v1.NewAPI(client),
		retry:    DefaultRetryPolicy(),
		log:      logr.Discard(),
	}
	if c.endpoint.ClusterLabel == "" {
		c.endpoint.ClusterLabel = DefaultClusterLabel
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithValues("cluster", c.endpoint.Cluster, "url", c.endpoint.URL)

	return c, nil
}

// Endpoint returns the endpoint this connection talks to
func (c *Connection) Endpoint() ClusterEndpoint {
	return c.endpoint
}

// ExecuteRangeQuery runs query over r and returns one series per result stream.
// When the endpoint selects a cluster, the cluster matcher is added to the query first.
func (c *Connection) ExecuteRangeQuery(ctx context.Context, query Query, r TimeRange) ([]MetricSeries, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	query, err := c.scope(query)
	if err != nil {
		return nil, err
	}
	log := c.log.WithValues("query", query.String())

	var (
		result     model.Value
		lastErr    error
		lastStatus int
		attempts   int
	)

	attempts, err = c.retry.do(ctx, func() error {
		value, warnings, err := c.queryAPI.QueryRange(ctx, query.String(), v1.Range{
			Start: r.Start,
			End:   r.End,
			Step:  r.Step,
		})
		if len(warnings) > 0 {
			log.Info("Prometheus returned warnings", "warnings", []string(warnings))
		}
		if err != nil {
			lastErr = err
			transient, status := classifyQueryError(err)
			if status != 0 {
				lastStatus = status
			}
			if !transient {
				return backoff.Permanent(err)
			}
			return err
		}
		result = value
		return nil
	}, func(err error, wait time.Duration) {
		log.V(1).Info("Retrying range query", "error", err.Error(), "backoff", wait)
	})

	if err != nil {
		cause := lastErr
		if cause == nil {
			cause = err
		} else if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(cause, ctxErr) {
			cause = fmt.Errorf("%w (last error: %v)", ctxErr, lastErr)
		}
		return nil, &Error{
			Kind:       ErrBackendQuery,
			Cluster:    c.endpoint.Cluster,
			StatusCode: lastStatus,
			Attempts:   attempts,
			Err:        cause,
		}
	}

	matrix, ok := result.(model.Matrix)
	if !ok {
		return nil, &Error{
			Kind:     ErrBackendQuery,
			Cluster:  c.endpoint.Cluster,
			Attempts: attempts,
			Err:      fmt.Errorf("unexpected result type %T for range query", result),
		}
	}

	return convertMatrix(matrix), nil
}

// CheckClusters fails with ErrClusterNotSpecified when the backend holds series of
// several clusters and the endpoint does not select one of them.
// Backends that cannot list label values are accepted as single-cluster.
func (c *Connection) CheckClusters(ctx context.Context) error {
	end := time.Now()
	values, _, err := c.queryAPI.LabelValues(ctx, c.endpoint.ClusterLabel, nil, end.Add(-labelValuesLookback), end)
	if err != nil {
		c.log.Info("Unable to list cluster label values, assuming a single cluster",
			"label", c.endpoint.ClusterLabel, "error", err.Error())
		return nil
	}
	if len(values) <= 1 {
		return nil
	}

	clusters := make([]string, 0, len(values))
	for _, v := range values {
		clusters = append(clusters, string(v))
	}
	sort.Strings(clusters)

	if c.endpoint.ClusterLabelValue == "" {
		return &Error{
			Kind:       ErrClusterNotSpecified,
			Cluster:    c.endpoint.Cluster,
			Candidates: clusters,
			Err: fmt.Errorf("backend at %s serves %d clusters, select one with the %q label value",
				c.endpoint.URL, len(clusters), c.endpoint.ClusterLabel),
		}
	}

	found := false
	for _, name := range clusters {
		if name == c.endpoint.ClusterLabelValue {
			found = true
			break
		}
	}
	if !found {
		c.log.Info("Selected cluster has no recent series on the backend",
			"label", c.endpoint.ClusterLabel, "value", c.endpoint.ClusterLabelValue, "available", clusters)
	}
	return nil
}

// scope restricts query to the selected cluster, if any.
// A query that cannot be scoped is never sent.
func (c *Connection) scope(query Query) (Query, error) {
	return scopeQuery(c.endpoint, query)
}

func scopeQuery(endpoint ClusterEndpoint, query Query) (Query, error) {
	scoped, err := injectLabelMatcher(query, endpoint.ClusterLabel, endpoint.ClusterLabelValue)
	if err != nil {
		return "", &Error{
			Kind:    ErrClusterNotSpecified,
			Cluster: endpoint.Cluster,
			Err:     fmt.Errorf("failed to restrict query to %s=%q: %w", endpoint.ClusterLabel, endpoint.ClusterLabelValue, err),
		}
	}
	return scoped, nil
}

// convertMatrix converts Prometheus sample streams into series, keeping their order
func convertMatrix(matrix model.Matrix) []MetricSeries {
	series := make([]MetricSeries, 0, len(matrix))
	for _, stream := range matrix {
		labels := make(map[string]string, len(stream.Metric))
		for name, value := range stream.Metric {
			labels[string(name)] = string(value)
		}
		series = append(series, MetricSeries{
			Labels:  labels,
			Samples: convertSamplePairs(stream.Values),
		})
	}
	return series
}

// convertSamplePairs converts sample pairs into samples
func convertSamplePairs(values []model.SamplePair) []Sample {
	samples := make([]Sample, 0, len(values))
	for _, value := range values {
		samples = append(samples, Sample{
			Timestamp: value.Timestamp.Time(),
			Value:     float64(value.Value),
		})
	}
	return samples
}

// classifyQueryError reports whether err is worth retrying and the HTTP status behind it
func classifyQueryError(err error) (transient bool, status int) {
	var se *statusError
	if errors.As(err, &se) {
		return true, se.code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, 0
	}

	var apiErr *v1.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case v1.ErrTimeout, v1.ErrServer:
			return true, 0
		default:
			// bad data, execution errors and malformed responses repeat identically
			return false, 0
		}
	}

	// transport level failures
	return true, 0
}

// statusError is returned for backend responses with a retryable HTTP status
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	const maxBody = 256
	body := e.body
	if len(body) > maxBody {
		body = body[:maxBody] + "..."
	}
	if body == "" {
		return fmt.Sprintf("server returned HTTP status %d %s", e.code, http.StatusText(e.code))
	}
	return fmt.Sprintf("server returned HTTP status %d %s: %s", e.code, http.StatusText(e.code), body)
}

// statusClient turns 5xx and 429 responses into statusErrors so the HTTP status
// survives the Prometheus API client. 501 is left to the client's GET fallback.
type statusClient struct {
	api.Client
}

func (c statusClient) Do(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	resp, body, err := c.Client.Do(ctx, req)
	if err != nil || resp == nil {
		return resp, body, err
	}
	if resp.StatusCode == http.StatusNotImplemented {
		return resp, body, nil
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return resp, body, &statusError{code: resp.StatusCode, body: string(body)}
	}
	return resp, body, nil
}
