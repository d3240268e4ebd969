package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/common/model"
)

// groupingLabels are the labels every filtered query aggregates by
const groupingLabels = "container, pod, job"

// Loader produces the query for one resource type
type Loader interface {
	Query(workload WorkloadDescriptor) Query
}

// LoaderFactory creates a Loader. Factories are bound to resource types in a Registry.
type LoaderFactory func() Loader

// FilteredLoader is a loader described only by its metric and aggregation.
// The workload filter and grouping are shared by every FilteredLoader.
type FilteredLoader struct {
	// Aggregation is the PromQL aggregation operator, e.g. "sum" or "max"
	Aggregation string
	// Metric is the name of the series the query selects
	Metric string
	// RangeFunction, when set, is applied to a range vector over Window, e.g. "irate"
	RangeFunction string
	Window        time.Duration
}

// Query renders <aggregation>(<selector>) by (container, pod, job)
func (l FilteredLoader) Query(workload WorkloadDescriptor) Query {
	selector := fmt.Sprintf("%s{%s}", l.Metric, BuildFilter(workload))
	if l.RangeFunction != "" {
		selector = fmt.Sprintf("%s(%s[%s])", l.RangeFunction, selector, model.Duration(l.Window))
	}
	return Query(fmt.Sprintf("%s(%s) by (%s)", l.Aggregation, selector, groupingLabels))
}

// Factory returns a LoaderFactory that always yields this loader
func (l FilteredLoader) Factory() LoaderFactory {
	return func() Loader { return l }
}

var (
	// MemoryLoader reads the working set of a container
	MemoryLoader = FilteredLoader{
		Aggregation: "sum",
		Metric:      "container_memory_working_set_bytes",
	}

	// CPULoader reads the per-second CPU usage of a container
	CPULoader = FilteredLoader{
		Aggregation:   "sum",
		Metric:        "container_cpu_usage_seconds_total",
		RangeFunction: "irate",
		Window:        5 * time.Minute,
	}

	// EphemeralStorageLoader reads the filesystem usage of a container
	EphemeralStorageLoader = FilteredLoader{
		Aggregation: "sum",
		Metric:      "container_fs_usage_bytes",
	}
)

// DefaultRegistry returns a sealed registry holding the built-in loaders
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(ResourceCPU, CPULoader.Factory())
	r.MustRegister(ResourceMemory, MemoryLoader.Factory())
	r.MustRegister(ResourceEphemeralStorage, EphemeralStorageLoader.Factory())
	r.Seal()
	return r
}
