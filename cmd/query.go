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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/labels"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	ctrlconfig "sigs.k8s.io/controller-runtime/pkg/client/config"
	"sigs.k8s.io/yaml"

	"github.com/wesleyemery/rightsizer-metrics/internal/workload"
	"github.com/wesleyemery/rightsizer-metrics/pkg/metrics"
)

const (
	defaultConcurrency = 10
	mockContainer      = "mock"
)

type queryOptions struct {
	clusters          []string
	namespace         string
	selector          string
	kinds             []string
	excludeNamespaces []string
	resources         []string
	container         string
	pods              []string
	concurrency       int
	output            string
	values            bool
}

// seriesSummary describes one series of a query result
type seriesSummary struct {
	Pod       string     `json:"pod"`
	Container string     `json:"container"`
	Samples   int        `json:"samples"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
	Values    []float64  `json:"values,omitempty"`
}

// queryResult is the outcome of loading one resource of one workload container
type queryResult struct {
	Workload  string               `json:"workload"`
	Resource  metrics.ResourceType `json:"resource"`
	Series    []seriesSummary      `json:"series,omitempty"`
	Error     string               `json:"error,omitempty"`
	ErrorKind metrics.ErrorKind    `json:"errorKind,omitempty"`
}

func newQueryCmd() *cobra.Command {
	opts := &queryOptions{}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Load usage history of workloads",
		Long: `Lists the running workloads of each cluster and loads the usage history of every container.
With --container the listing is skipped and the given pods are queried directly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&opts.clusters, "context", []string{""}, "Kube contexts to query, the current context by default")
	flags.StringVarP(&opts.namespace, "namespace", "n", "", "Namespace to list workloads in, all namespaces by default")
	flags.StringVarP(&opts.selector, "selector", "l", "", "Label selector of the pods to list")
	flags.StringSliceVar(&opts.kinds, "kind", nil, "Workload kinds to include, e.g. Deployment,StatefulSet")
	flags.StringSliceVar(&opts.excludeNamespaces, "exclude-namespace", nil, "Namespaces to skip")
	flags.StringSliceVarP(&opts.resources, "resource", "r",
		[]string{string(metrics.ResourceCPU), string(metrics.ResourceMemory)}, "Resource types to load")
	flags.StringVar(&opts.container, "container", "", "Query this container directly instead of listing workloads")
	flags.StringSliceVar(&opts.pods, "pod", nil, "Pods of --container to query")
	flags.IntVar(&opts.concurrency, "concurrency", defaultConcurrency, "Maximum number of queries in flight")
	flags.StringVarP(&opts.output, "output", "o", "yaml", "Output format, yaml or json")
	flags.BoolVar(&opts.values, "values", false, "Include the sample values of every series")

	return cmd
}

func runQuery(ctx context.Context, out io.Writer, opts *queryOptions) error {
	if opts.output != "yaml" && opts.output != "json" {
		return fmt.Errorf("unsupported output format %q", opts.output)
	}
	if opts.concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", opts.concurrency)
	}
	selector, err := labels.Parse(opts.selector)
	if err != nil {
		return fmt.Errorf("invalid label selector: %w", err)
	}

	log := ctrl.Log.WithName("query")
	facade := newFacade(log)
	end := time.Now()
	r := cfg.TimeRange(end)

	var workloads []metrics.WorkloadDescriptor
	for _, cluster := range opts.clusters {
		// the mock backend needs no cluster access
		if opts.container != "" || cfg.UseMockMetrics {
			namespace := opts.namespace
			if namespace == "" {
				namespace = "default"
			}
			container := opts.container
			if container == "" {
				container = mockContainer
			}
			w := metrics.NewWorkloadDescriptor(namespace, container, opts.pods...)
			w.Cluster = cluster
			workloads = append(workloads, w)
			continue
		}

		listed, err := listWorkloads(ctx, log, workload.Target{
			Cluster:           cluster,
			Namespace:         opts.namespace,
			Selector:          selector,
			Kinds:             opts.kinds,
			ExcludeNamespaces: opts.excludeNamespaces,
		})
		if err != nil {
			return err
		}
		workloads = append(workloads, listed...)
	}

	results := make([]queryResult, len(workloads)*len(opts.resources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)

	for i, w := range workloads {
		for j, resource := range opts.resources {
			idx := i*len(opts.resources) + j
			rt := metrics.ResourceType(resource)
			g.Go(func() error {
				results[idx] = loadResult(gctx, facade, w, rt, r, opts.values)
				return gctx.Err()
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return writeOutput(out, opts.output, results)
}

func listWorkloads(ctx context.Context, log logr.Logger, target workload.Target) ([]metrics.WorkloadDescriptor, error) {
	restConfig, err := ctrlconfig.GetConfigWithContext(target.Cluster)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig for context %q: %w", target.Cluster, err)
	}
	c, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	return workload.NewLister(c, log.WithName("workload")).Workloads(ctx, target)
}

func loadResult(ctx context.Context, facade *metrics.Facade, w metrics.WorkloadDescriptor, rt metrics.ResourceType, r metrics.TimeRange, withValues bool) queryResult {
	result := queryResult{Workload: w.String(), Resource: rt}

	series, err := facade.Query(ctx, rt, w, r)
	if err != nil {
		result.Error = err.Error()
		result.ErrorKind = metrics.KindOf(err)
		return result
	}

	for _, s := range series {
		result.Series = append(result.Series, summarize(s, withValues))
	}
	return result
}

func summarize(s metrics.MetricSeries, withValues bool) seriesSummary {
	summary := seriesSummary{Pod: s.Pod(), Container: s.Container(), Samples: len(s.Samples)}
	if len(s.Samples) == 0 {
		return summary
	}

	from := s.Samples[0].Timestamp.UTC()
	to := s.Samples[len(s.Samples)-1].Timestamp.UTC()
	summary.From, summary.To = &from, &to
	if withValues {
		summary.Values = s.Values()
	}
	return summary
}

func writeOutput(out io.Writer, format string, value interface{}) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case "json":
		data, err = json.MarshalIndent(value, "", "  ")
		data = append(data, '\n')
	default:
		data, err = yaml.Marshal(value)
	}
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = out.Write(data)
	return err
}
