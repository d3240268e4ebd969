package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
)

const defaultDiscoveryTimeout = 30 * time.Second

// Discoverer locates the metrics backend of a cluster
type Discoverer interface {
	Discover(ctx context.Context, cluster ClusterContext) (*ClusterEndpoint, error)
}

// DiscovererFunc adapts a function to the Discoverer interface
type DiscovererFunc func(ctx context.Context, cluster ClusterContext) (*ClusterEndpoint, error)

func (f DiscovererFunc) Discover(ctx context.Context, cluster ClusterContext) (*ClusterEndpoint, error) {
	return f(ctx, cluster)
}

// ClusterConnection is a connection to one cluster's metrics backend
type ClusterConnection interface {
	RangeQuerier
	CheckClusters(ctx context.Context) error
	HistoryRange(ctx context.Context, lookback time.Duration) (HistorySpan, error)
}

// Connector opens a connection to a resolved endpoint
type Connector func(endpoint *ClusterEndpoint) (ClusterConnection, error)

// FacadeOption configures a Facade
type FacadeOption func(*Facade)

// WithClusterContexts sets the connection parameters per cluster name
func WithClusterContexts(contexts map[string]ClusterContext) FacadeOption {
	return func(f *Facade) {
		for name, cc := range contexts {
			f.contexts[name] = cc
		}
	}
}

// WithDefaultClusterContext sets the parameters used for clusters without their own entry
func WithDefaultClusterContext(cc ClusterContext) FacadeOption {
	return func(f *Facade) {
		f.defaults = cc
	}
}

// WithConnector replaces the Prometheus connection used for resolved endpoints
func WithConnector(connect Connector) FacadeOption {
	return func(f *Facade) {
		f.connect = connect
	}
}

// WithFacadeRetryPolicy sets the retry policy of connections opened by the facade
func WithFacadeRetryPolicy(policy RetryPolicy) FacadeOption {
	return func(f *Facade) {
		f.retry = policy
	}
}

// WithDiscoveryTimeout bounds a whole discovery run
func WithDiscoveryTimeout(timeout time.Duration) FacadeOption {
	return func(f *Facade) {
		f.discoveryTimeout = timeout
	}
}

// WithFacadeLogger sets the logger of the facade and the connections it opens
func WithFacadeLogger(log logr.Logger) FacadeOption {
	return func(f *Facade) {
		f.log = log
	}
}

// resolution is the cached outcome of discovering one cluster
type resolution struct {
	endpoint *ClusterEndpoint
	conn     ClusterConnection
	err      error
}

// Facade is the entry point for loading metrics of a workload.
// Endpoints are discovered once per cluster and reused; concurrent first queries
// for the same cluster share a single discovery.
type Facade struct {
	registry         *Registry
	discoverer       Discoverer
	connect          Connector
	retry            RetryPolicy
	contexts         map[string]ClusterContext
	defaults         ClusterContext
	discoveryTimeout time.Duration
	log              logr.Logger

	mu       sync.RWMutex
	resolved map[string]*resolution
	// epochs counts Forget calls per cluster; a discovery started before the
	// latest Forget does not store its outcome
	epochs map[string]uint64
	group  singleflight.Group
}

// NewFacade creates a facade dispatching to the loaders of registry
func NewFacade(registry *Registry, discoverer Discoverer, opts ...FacadeOption) *Facade {
	f := &Facade{
		registry:         registry,
		discoverer:       discoverer,
		retry:            DefaultRetryPolicy(),
		contexts:         make(map[string]ClusterContext),
		discoveryTimeout: defaultDiscoveryTimeout,
		log:              logr.Discard(),
		resolved:         make(map[string]*resolution),
		epochs:           make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.connect == nil {
		f.connect = func(endpoint *ClusterEndpoint) (ClusterConnection, error) {
			return NewConnection(endpoint,
				WithRetryPolicy(f.retry),
				WithConnectionLogger(f.log.WithName("connection")),
			)
		}
	}
	return f
}

// Query loads the series of resource rt for the workload's pods over r.
// Failures carry an ErrorKind, except for the cancellation of ctx, which is
// returned wrapping ctx.Err().
func (f *Facade) Query(ctx context.Context, rt ResourceType, workload WorkloadDescriptor, r TimeRange) ([]MetricSeries, error) {
	if err := r.Validate(); err != nil {
		return nil, withContext(err, workload.Cluster, rt, workload)
	}

	factory, err := f.registry.Resolve(rt)
	if err != nil {
		return nil, withContext(err, workload.Cluster, rt, workload)
	}
	query := factory().Query(workload)

	res, err := f.lookup(ctx, workload.Cluster)
	if err != nil {
		return nil, withContext(err, workload.Cluster, rt, workload)
	}

	series, err := res.conn.ExecuteRangeQuery(ctx, query, r)
	if err != nil {
		return nil, withContext(err, workload.Cluster, rt, workload)
	}

	f.log.V(1).Info("Loaded metrics",
		"cluster", workload.Cluster,
		"resource", rt,
		"workload", workload.String(),
		"series", len(series))
	return series, nil
}

// Endpoint returns the resolved endpoint of a cluster, discovering it if needed
func (f *Facade) Endpoint(ctx context.Context, cluster string) (ClusterEndpoint, error) {
	res, err := f.lookup(ctx, cluster)
	if err != nil {
		return ClusterEndpoint{}, err
	}
	return *res.endpoint, nil
}

// Forget drops the cached discovery outcome of a cluster so the next query discovers again
func (f *Facade) Forget(cluster string) {
	f.mu.Lock()
	delete(f.resolved, cluster)
	f.epochs[cluster]++
	f.mu.Unlock()
	f.group.Forget(cluster)
}

func (f *Facade) cached(cluster string) (*resolution, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	res, ok := f.resolved[cluster]
	return res, ok
}

// lookup returns the cached discovery outcome of a cluster, resolving it at most
// once across concurrent callers
func (f *Facade) lookup(ctx context.Context, cluster string) (*resolution, error) {
	if res, ok := f.cached(cluster); ok {
		return res, res.err
	}

	// the shared discovery must not be cancelled by whichever caller started it
	detached := context.WithoutCancel(ctx)
	ch := f.group.DoChan(cluster, func() (interface{}, error) {
		f.mu.RLock()
		res, ok := f.resolved[cluster]
		epoch := f.epochs[cluster]
		f.mu.RUnlock()
		if ok {
			return res, nil
		}

		res = f.resolve(detached, cluster)

		f.mu.Lock()
		if f.epochs[cluster] == epoch {
			f.resolved[cluster] = res
		}
		f.mu.Unlock()
		return res, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("failed waiting for discovery of cluster %q: %w", cluster, ctx.Err())
	case result := <-ch:
		res := result.Val.(*resolution)
		return res, res.err
	}
}

func (f *Facade) resolve(ctx context.Context, cluster string) *resolution {
	ctx, cancel := context.WithTimeout(ctx, f.discoveryTimeout)
	defer cancel()

	log := f.log.WithValues("cluster", cluster)
	log.Info("Discovering metrics backend")

	endpoint, err := f.discoverer.Discover(ctx, f.clusterContext(cluster))
	if err != nil {
		log.Error(err, "Metrics backend discovery failed")
		return &resolution{err: err}
	}

	conn, err := f.connect(endpoint)
	if err != nil {
		log.Error(err, "Failed to connect to metrics backend", "url", endpoint.URL)
		return &resolution{err: &Error{Kind: ErrPrometheusNotFound, Cluster: cluster, Err: err}}
	}

	if err := conn.CheckClusters(ctx); err != nil {
		log.Error(err, "Metrics backend is shared by several clusters")
		return &resolution{err: err}
	}

	log.Info("Using metrics backend", "url", endpoint.URL, "service", endpoint.Service,
		"clusterLabelValue", endpoint.ClusterLabelValue)
	return &resolution{endpoint: endpoint, conn: conn}
}

func (f *Facade) clusterContext(cluster string) ClusterContext {
	cc, ok := f.contexts[cluster]
	if !ok {
		cc = f.defaults
	}
	if cc.Name == "" {
		cc.Name = cluster
	}
	return cc
}
