package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildFilter(t *testing.T) {
	w := NewWorkloadDescriptor("ns1", "c1", "p1", "p2")

	assert.Equal(t, `namespace="ns1", pod=~"p1|p2", container="c1"`, BuildFilter(w))
}

func TestBuildFilter_Deterministic(t *testing.T) {
	a := NewWorkloadDescriptor("ns1", "c1", "p2", "p1", "p2")
	b := NewWorkloadDescriptor("ns1", "c1", "p1", "p2")

	assert.Equal(t, BuildFilter(a), BuildFilter(b))
}

func TestBuildFilter_EscapesValues(t *testing.T) {
	w := NewWorkloadDescriptor(`we"ird`, `c\1`, "web-0")

	assert.Equal(t, `namespace="we\"ird", pod=~"web-0", container="c\\1"`, BuildFilter(w))
}

func TestPodAlternation(t *testing.T) {
	tests := []struct {
		name     string
		pods     []string
		expected string
	}{
		{
			name:     "empty set",
			pods:     nil,
			expected: "",
		},
		{
			name:     "single pod",
			pods:     []string{"web-7d9f8-abcde"},
			expected: "web-7d9f8-abcde",
		},
		{
			name:     "sorted and deduplicated",
			pods:     []string{"b", "a", "b", ""},
			expected: "a|b",
		},
		{
			name:     "regex metacharacters are quoted",
			pods:     []string{"job.1", "job+2"},
			expected: `job\+2|job\.1`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PodAlternation(tt.pods))
		})
	}
}

func TestMemoryLoader_Query(t *testing.T) {
	w := NewWorkloadDescriptor("ns1", "c1", "p1", "p2")

	query := MemoryLoader.Query(w)

	assert.Equal(t,
		Query(`sum(container_memory_working_set_bytes{namespace="ns1", pod=~"p1|p2", container="c1"}) by (container, pod, job)`),
		query)
}

func TestMemoryLoader_EmptyPods(t *testing.T) {
	w := NewWorkloadDescriptor("ns1", "c1")

	query := MemoryLoader.Query(w)

	assert.Equal(t,
		Query(`sum(container_memory_working_set_bytes{namespace="ns1", pod=~"", container="c1"}) by (container, pod, job)`),
		query)
}

func TestCPULoader_Query(t *testing.T) {
	w := NewWorkloadDescriptor("default", "app", "app-0")

	query := CPULoader.Query(w)

	assert.Equal(t,
		Query(`sum(irate(container_cpu_usage_seconds_total{namespace="default", pod=~"app-0", container="app"}[5m])) by (container, pod, job)`),
		query)
}

func TestFilteredLoader_CustomMetric(t *testing.T) {
	loader := FilteredLoader{
		Aggregation:   "max",
		Metric:        "container_network_receive_bytes_total",
		RangeFunction: "rate",
		Window:        90 * time.Second,
	}

	query := loader.Factory()().Query(NewWorkloadDescriptor("ns", "c", "p"))

	assert.Equal(t,
		Query(`max(rate(container_network_receive_bytes_total{namespace="ns", pod=~"p", container="c"}[1m30s])) by (container, pod, job)`),
		query)
}

func TestWorkloadDescriptor_String(t *testing.T) {
	w := NewWorkloadDescriptor("ns1", "c1", "p1")
	assert.Equal(t, "ns1/*/c1", w.String())

	w.Cluster = "prod"
	w.Kind = "Deployment"
	w.Name = "web"
	assert.Equal(t, "prod:ns1/Deployment/web/c1", w.String())
}

func TestNewWorkloadDescriptor_CopiesPods(t *testing.T) {
	pods := []string{"p1", "p2"}
	w := NewWorkloadDescriptor("ns1", "c1", pods...)

	pods[0] = "changed"
	assert.Equal(t, []string{"p1", "p2"}, w.Pods)
}

func TestTimeRange_Validate(t *testing.T) {
	end := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.NoError(t, NewTimeRange(end, time.Hour, time.Minute).Validate())
	assert.NoError(t, NewTimeRange(end, 0, time.Minute).Validate())
	assert.Error(t, NewTimeRange(end, -time.Hour, time.Minute).Validate())
	assert.Error(t, NewTimeRange(end, time.Hour, 0).Validate())

	// 14 days at one minute is 20161 points per series
	twoWeeks := 14 * 24 * time.Hour
	err := NewTimeRange(end, twoWeeks, time.Minute).Validate()
	assert.ErrorIs(t, err, ErrInvalidTimeRange)
	assert.Equal(t, ErrInvalidTimeRange, KindOf(err))
	assert.NoError(t, NewTimeRange(end, twoWeeks, MinStep(twoWeeks)).Validate())
}

func TestTimeRange_Points(t *testing.T) {
	end := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, int64(61), NewTimeRange(end, time.Hour, time.Minute).Points())
	assert.Equal(t, int64(1), NewTimeRange(end, 0, time.Minute).Points())
	assert.Equal(t, int64(0), NewTimeRange(end, time.Hour, 0).Points())
	assert.Equal(t, int64(MaxPointsPerSeries), NewTimeRange(end, (MaxPointsPerSeries-1)*time.Second, time.Second).Points())
}

func TestMinStep(t *testing.T) {
	tests := []struct {
		history  time.Duration
		expected time.Duration
	}{
		{history: time.Hour, expected: time.Second},
		{history: 14 * 24 * time.Hour, expected: 110 * time.Second},
		{history: 30 * 24 * time.Hour, expected: 236 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.history.String(), func(t *testing.T) {
			step := MinStep(tt.history)
			assert.Equal(t, tt.expected, step)
			assert.LessOrEqual(t, NewTimeRange(time.Now(), tt.history, step).Points(), int64(MaxPointsPerSeries))
		})
	}
}
