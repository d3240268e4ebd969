/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyemery/rightsizer-metrics/internal/config"
	"github.com/wesleyemery/rightsizer-metrics/pkg/metrics"
)

func useMockConfig(t *testing.T) {
	t.Helper()
	previous := cfg
	cfg = config.Default()
	cfg.UseMockMetrics = true
	cfg.Query.History = time.Hour
	t.Cleanup(func() { cfg = previous })
}

func TestRunQuery_MockBackend(t *testing.T) {
	useMockConfig(t)

	var out bytes.Buffer
	err := runQuery(context.Background(), &out, &queryOptions{
		clusters:    []string{"kind"},
		namespace:   "shop",
		resources:   []string{"cpu", "memory", "nvidia.com/gpu"},
		concurrency: 2,
		output:      "json",
		values:      true,
	})
	require.NoError(t, err)

	var results []queryResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 3)

	assert.Equal(t, "kind:shop/*/mock", results[0].Workload)
	assert.Equal(t, metrics.ResourceCPU, results[0].Resource)
	assert.NotEmpty(t, results[0].Series)
	assert.Empty(t, results[0].Error)

	assert.Equal(t, "mock", results[0].Series[0].Container)
	assert.NotNil(t, results[0].Series[0].From)
	assert.Len(t, results[0].Series[0].Values, results[0].Series[0].Samples)

	assert.Equal(t, metrics.ResourceMemory, results[1].Resource)
	assert.Greater(t, results[1].Series[0].Values[0], results[0].Series[0].Values[0])

	assert.Equal(t, metrics.ErrUnknownResourceType, results[2].ErrorKind)
	assert.Empty(t, results[2].Series)
}

func TestRunQuery_InvalidOptions(t *testing.T) {
	useMockConfig(t)

	err := runQuery(context.Background(), &bytes.Buffer{}, &queryOptions{output: "table", concurrency: 1})
	assert.Error(t, err)

	err = runQuery(context.Background(), &bytes.Buffer{}, &queryOptions{output: "yaml", concurrency: 0})
	assert.Error(t, err)

	err = runQuery(context.Background(), &bytes.Buffer{}, &queryOptions{output: "yaml", concurrency: 1, selector: "app in (a"})
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	s := metrics.MetricSeries{
		Labels: map[string]string{"pod": "web-0", "container": "app"},
		Samples: []metrics.Sample{
			{Timestamp: time.Unix(0, 0), Value: 1},
			{Timestamp: time.Unix(60, 0), Value: 3},
			{Timestamp: time.Unix(120, 0), Value: 2},
		},
	}

	summary := summarize(s, false)
	assert.Equal(t, "web-0", summary.Pod)
	assert.Equal(t, "app", summary.Container)
	assert.Equal(t, 3, summary.Samples)
	assert.Equal(t, time.Unix(0, 0).UTC(), *summary.From)
	assert.Equal(t, time.Unix(120, 0).UTC(), *summary.To)
	assert.Nil(t, summary.Values)

	assert.Equal(t, []float64{1, 3, 2}, summarize(s, true).Values)
	assert.Equal(t, seriesSummary{Pod: "web-1"}, summarize(metrics.MetricSeries{Labels: map[string]string{"pod": "web-1"}}, true))
}

func TestWriteOutput_YAML(t *testing.T) {
	var out bytes.Buffer
	err := writeOutput(&out, "yaml", []endpointResult{{Cluster: "prod", URL: "http://prometheus:9090"}})

	require.NoError(t, err)
	assert.Equal(t, "- cluster: prod\n  url: http://prometheus:9090\n", out.String())
}

func TestRunDiscover_MockBackend(t *testing.T) {
	useMockConfig(t)

	var out bytes.Buffer
	err := runDiscover(context.Background(), &out, []string{"kind"}, "json", true)
	require.NoError(t, err)

	var results []endpointResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 1)

	assert.Equal(t, "kind", results[0].Cluster)
	assert.NotEmpty(t, results[0].URL)
	assert.Empty(t, results[0].Error)
	require.NotNil(t, results[0].History)
	assert.True(t, results[0].History.Checked)
	assert.True(t, results[0].History.Enough)
	assert.Nil(t, results[0].History.ReadyAfter)
}

func TestNewHistoryResult(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	unchecked := newHistoryResult(metrics.HistoryAvailability{Enough: true, Reason: "no samples"})
	assert.False(t, unchecked.Checked)
	assert.Nil(t, unchecked.From)
	assert.Equal(t, "no samples", unchecked.Reason)

	short := newHistoryResult(metrics.HistoryAvailability{
		Checked:    true,
		Span:       metrics.HistorySpan{Start: start, End: start.Add(time.Hour)},
		ReadyAfter: start.Add(24 * time.Hour),
	})
	assert.False(t, short.Enough)
	assert.Equal(t, start, *short.From)
	assert.Equal(t, start.Add(24*time.Hour), *short.ReadyAfter)
}
