package metrics

import (
	"fmt"
	"net/http"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// ResourceType identifies the kind of resource a loader produces queries for
type ResourceType string

const (
	ResourceCPU              ResourceType = ResourceType(corev1.ResourceCPU)
	ResourceMemory           ResourceType = ResourceType(corev1.ResourceMemory)
	ResourceEphemeralStorage ResourceType = ResourceType(corev1.ResourceEphemeralStorage)
)

// WorkloadDescriptor identifies the container of a workload whose pods are queried.
// Values are built by the caller and treated as read-only.
type WorkloadDescriptor struct {
	// Cluster is the kube context the workload lives in. Empty means the current cluster.
	Cluster   string
	Namespace string
	Kind      string
	Name      string
	Container string
	Pods      []string
}

// NewWorkloadDescriptor creates a descriptor for a container running in the given pods
func NewWorkloadDescriptor(namespace, container string, pods ...string) WorkloadDescriptor {
	return WorkloadDescriptor{
		Namespace: namespace,
		Container: container,
		Pods:      append([]string(nil), pods...),
	}
}

func (w WorkloadDescriptor) String() string {
	name := w.Name
	if name == "" {
		name = "*"
	}
	if w.Kind != "" {
		name = w.Kind + "/" + name
	}
	s := fmt.Sprintf("%s/%s/%s", w.Namespace, name, w.Container)
	if w.Cluster != "" {
		s = w.Cluster + ":" + s
	}
	return s
}

// TimeRange is the interval and resolution of a range query
type TimeRange struct {
	Start time.Time
	End   time.Time
	Step  time.Duration
}

// NewTimeRange returns the range covering history up to end, sampled every step
func NewTimeRange(end time.Time, history, step time.Duration) TimeRange {
	return TimeRange{
		Start: end.Add(-history),
		End:   end,
		Step:  step,
	}
}

// MaxPointsPerSeries is the largest number of samples per series a range query may
// ask for. Prometheus rejects range queries above it.
const MaxPointsPerSeries = 11000

// Points returns the number of samples per series the range asks for
func (r TimeRange) Points() int64 {
	if r.Step <= 0 || r.End.Before(r.Start) {
		return 0
	}
	return int64(r.End.Sub(r.Start)/r.Step) + 1
}

// MinStep returns the smallest whole-second step that keeps a range over history
// within MaxPointsPerSeries
func MinStep(history time.Duration) time.Duration {
	step := history / (MaxPointsPerSeries - 1)
	if history%(MaxPointsPerSeries-1) != 0 {
		step++
	}
	if rem := step % time.Second; rem != 0 {
		step += time.Second - rem
	}
	if step < time.Second {
		step = time.Second
	}
	return step
}

// Validate checks that start <= end, step > 0 and the range fits MaxPointsPerSeries
func (r TimeRange) Validate() error {
	if r.End.Before(r.Start) {
		return &Error{Kind: ErrInvalidTimeRange, Err: fmt.Errorf("start %s is after end %s",
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))}
	}
	if r.Step <= 0 {
		return &Error{Kind: ErrInvalidTimeRange, Err: fmt.Errorf("step must be positive, got %s", r.Step)}
	}
	if points := r.Points(); points > MaxPointsPerSeries {
		return &Error{Kind: ErrInvalidTimeRange, Err: fmt.Errorf("%d points per series exceed the limit of %d, use a step of at least %s",
			points, MaxPointsPerSeries, MinStep(r.End.Sub(r.Start)))}
	}
	return nil
}

// Query is the text of a PromQL expression
type Query string

func (q Query) String() string {
	return string(q)
}

// ClusterEndpoint is a resolved metrics backend for one cluster.
// It is created once by discovery and never modified afterwards.
type ClusterEndpoint struct {
	// Cluster is the kube context this endpoint was resolved for
	Cluster string
	// URL is the base address of the Prometheus HTTP API
	URL string
	// Service is the namespace/name of the discovered service, empty for explicit URLs
	Service string
	// ClusterLabel is the series label that tells clusters apart on a shared backend
	ClusterLabel string
	// ClusterLabelValue, when set, is injected into every query sent to the backend
	ClusterLabelValue string
	// RoundTripper carries the authentication for requests to URL
	RoundTripper http.RoundTripper
}

// Sample is one point of a series
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// MetricSeries is a single time series returned by a range query
type MetricSeries struct {
	Labels  map[string]string
	Samples []Sample
}

// Pod returns the value of the pod label of the series
func (s MetricSeries) Pod() string {
	return s.Labels["pod"]
}

// Container returns the value of the container label of the series
func (s MetricSeries) Container() string {
	return s.Labels["container"]
}

// Values returns the sample values in timestamp order
func (s MetricSeries) Values() []float64 {
	values := make([]float64, 0, len(s.Samples))
	for _, sample := range s.Samples {
		values = append(values, sample.Value)
	}
	return values
}

// AuthType defines the authentication used against the metrics backend
type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeBasic  AuthType = "basic"
	AuthTypeBearer AuthType = "bearer"
)

// AuthConfig defines authentication for an explicitly configured backend
type AuthConfig struct {
	Type     AuthType
	Username string
	Password string
	Token    string
}

// ClusterContext holds the connection parameters for one cluster
type ClusterContext struct {
	// Name is the kube context. Empty means the current context or in-cluster config.
	Name string
	// PrometheusURL skips service discovery when set
	PrometheusURL string
	// Service selects one namespace/name among discovered services
	Service string
	// ClusterLabel is the label name identifying clusters on a shared backend
	ClusterLabel string
	// ClusterLabelValue restricts queries to one cluster on a shared backend
	ClusterLabelValue string

	Auth                  AuthConfig
	Headers               map[string]string
	InsecureSkipTLSVerify bool
}
