package metrics

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseCPU     = 0.05     // 50m cores
	defaultBaseMemory  = 67108864 // 64Mi bytes
	defaultVariance    = 0.3      // 30% variance
	defaultMockPods    = 3
	varianceOffset     = 0.5
	varianceMultiplier = 2
	mockEndpointURL    = "http://mock-prometheus.invalid:9090"
)

// MockBackend serves fake series for testing and demos.
// It records every query it receives.
type MockBackend struct {
	// Configuration for generating fake data
	BaseCPU    float64
	BaseMemory float64
	Variance   float64
	Pods       int
	// Clusters is reported by CheckClusters as the cluster label values on the backend
	Clusters []string

	mu      sync.Mutex
	queries []Query
}

// NewMockBackend creates a mock backend with default settings
func NewMockBackend() *MockBackend {
	return &MockBackend{
		BaseCPU:    defaultBaseCPU,
		BaseMemory: defaultBaseMemory,
		Variance:   defaultVariance,
		Pods:       defaultMockPods,
	}
}

// ExecuteRangeQuery generates one series per mock pod with a sample every step
func (m *MockBackend) ExecuteRangeQuery(ctx context.Context, query Query, r TimeRange) ([]MetricSeries, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: ErrBackendQuery, Attempts: 1, Err: err}
	}

	m.mu.Lock()
	m.queries = append(m.queries, query)
	m.mu.Unlock()

	base := m.BaseCPU
	if strings.Contains(string(query), "bytes") {
		base = m.BaseMemory
	}

	suffix := generateRandomSuffix()
	series := make([]MetricSeries, 0, m.Pods)
	for i := 0; i < m.Pods; i++ {
		var samples []Sample
		for ts := r.Start; !ts.After(r.End); ts = ts.Add(r.Step) {
			variance := (rand.Float64() - varianceOffset) * varianceMultiplier * m.Variance
			value := base * (1 + variance)
			if value < 0 {
				value = 0
			}
			samples = append(samples, Sample{Timestamp: ts, Value: value})
		}

		series = append(series, MetricSeries{
			Labels: map[string]string{
				"pod":       fmt.Sprintf("mock-%s-%d", suffix, i),
				"container": "mock",
				"job":       "kubelet",
			},
			Samples: samples,
		})
	}

	return series, nil
}

// CheckClusters fails when the mock reports several clusters
func (m *MockBackend) CheckClusters(_ context.Context) error {
	if len(m.Clusters) > 1 {
		return &Error{Kind: ErrClusterNotSpecified, Candidates: append([]string(nil), m.Clusters...)}
	}
	return nil
}

// HistoryRange reports the whole lookback as available
func (m *MockBackend) HistoryRange(ctx context.Context, lookback time.Duration) (HistorySpan, error) {
	return historySpan(ctx, m, "", lookback)
}

// Queries returns the queries received so far
func (m *MockBackend) Queries() []Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Query(nil), m.queries...)
}

// Connector returns a Connector that hands out this backend for every endpoint.
// Queries are scoped to the endpoint's cluster label value like a Connection does.
func (m *MockBackend) Connector() Connector {
	return func(endpoint *ClusterEndpoint) (ClusterConnection, error) {
		e := *endpoint
		if e.ClusterLabel == "" {
			e.ClusterLabel = DefaultClusterLabel
		}
		return &mockConnection{backend: m, endpoint: e}, nil
	}
}

// mockConnection is the view of a MockBackend from one endpoint
type mockConnection struct {
	backend  *MockBackend
	endpoint ClusterEndpoint
}

func (c *mockConnection) ExecuteRangeQuery(ctx context.Context, query Query, r TimeRange) ([]MetricSeries, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	scoped, err := scopeQuery(c.endpoint, query)
	if err != nil {
		return nil, err
	}
	return c.backend.ExecuteRangeQuery(ctx, scoped, r)
}

// CheckClusters accepts a shared mock when the endpoint selects a cluster
func (c *mockConnection) CheckClusters(ctx context.Context) error {
	if c.endpoint.ClusterLabelValue != "" {
		return nil
	}
	if err := c.backend.CheckClusters(ctx); err != nil {
		var e *Error
		if errors.As(err, &e) {
			out := *e
			out.Cluster = c.endpoint.Cluster
			return &out
		}
		return err
	}
	return nil
}

func (c *mockConnection) HistoryRange(ctx context.Context, lookback time.Duration) (HistorySpan, error) {
	return historySpan(ctx, c, c.endpoint.Cluster, lookback)
}

// MockDiscoverer resolves every cluster to a fixed endpoint without network access
func MockDiscoverer() Discoverer {
	return DiscovererFunc(func(_ context.Context, cc ClusterContext) (*ClusterEndpoint, error) {
		url := cc.PrometheusURL
		if url == "" {
			url = mockEndpointURL
		}
		return &ClusterEndpoint{
			Cluster:           cc.Name,
			URL:               url,
			ClusterLabel:      cc.ClusterLabel,
			ClusterLabelValue: cc.ClusterLabelValue,
		}, nil
	})
}

// generateRandomSuffix generates a random suffix like Kubernetes does
func generateRandomSuffix() string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 5)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}
