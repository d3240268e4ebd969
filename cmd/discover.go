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
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/wesleyemery/rightsizer-metrics/pkg/metrics"
)

// endpointResult describes the backend resolved for one cluster
type endpointResult struct {
	Cluster           string            `json:"cluster"`
	URL               string            `json:"url,omitempty"`
	Service           string            `json:"service,omitempty"`
	ClusterLabel      string            `json:"clusterLabel,omitempty"`
	ClusterLabelValue string            `json:"clusterLabelValue,omitempty"`
	History           *historyResult    `json:"history,omitempty"`
	Candidates        []string          `json:"candidates,omitempty"`
	Error             string            `json:"error,omitempty"`
	ErrorKind         metrics.ErrorKind `json:"errorKind,omitempty"`
}

// historyResult tells how much history the backend holds
type historyResult struct {
	Checked    bool       `json:"checked"`
	Enough     bool       `json:"enough"`
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
	ReadyAfter *time.Time `json:"readyAfter,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

func newDiscoverCmd() *cobra.Command {
	var clusters []string
	var output string
	var checkHistory bool

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Resolve the metrics backend of each cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd.Context(), cmd.OutOrStdout(), clusters, output, checkHistory)
		},
	}

	cmd.Flags().StringSliceVar(&clusters, "context", []string{""}, "Kube contexts to resolve, the current context by default")
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "Output format, yaml or json")
	cmd.Flags().BoolVar(&checkHistory, "check-history", true, "Check that each backend holds the configured history")

	return cmd
}

func runDiscover(ctx context.Context, out io.Writer, clusters []string, output string, checkHistory bool) error {
	if output != "yaml" && output != "json" {
		return fmt.Errorf("unsupported output format %q", output)
	}
	facade := newFacade(ctrl.Log.WithName("discover"))

	results := make([]endpointResult, 0, len(clusters))
	for _, cluster := range clusters {
		result := endpointResult{Cluster: cluster}
		endpoint, err := facade.Endpoint(ctx, cluster)
		if err != nil {
			result.Error = err.Error()
			result.ErrorKind = metrics.KindOf(err)
			var merr *metrics.Error
			if errors.As(err, &merr) {
				result.Candidates = merr.Candidates
			}
			results = append(results, result)
			continue
		}

		result.URL = endpoint.URL
		result.Service = endpoint.Service
		result.ClusterLabel = endpoint.ClusterLabel
		result.ClusterLabelValue = endpoint.ClusterLabelValue

		if checkHistory {
			availability, err := facade.History(ctx, cluster, cfg.Query.History)
			if err != nil {
				return err
			}
			result.History = newHistoryResult(availability)
		}
		results = append(results, result)
	}

	return writeOutput(out, output, results)
}

func newHistoryResult(a metrics.HistoryAvailability) *historyResult {
	result := &historyResult{Checked: a.Checked, Enough: a.Enough, Reason: a.Reason}
	if a.Checked {
		from, to := a.Span.Start.UTC(), a.Span.End.UTC()
		result.From, result.To = &from, &to
	}
	if !a.ReadyAfter.IsZero() {
		readyAfter := a.ReadyAfter.UTC()
		result.ReadyAfter = &readyAfter
	}
	return result
}
