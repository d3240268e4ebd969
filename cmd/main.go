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
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that kubeconfig contexts using them can be queried.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/wesleyemery/rightsizer-metrics/internal/config"
	"github.com/wesleyemery/rightsizer-metrics/pkg/discovery"
	"github.com/wesleyemery/rightsizer-metrics/pkg/metrics"
)

var (
	// Version information (set at build time)
	version = "dev"
	commit  = "none"
	date    = "unknown"

	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")

	v          = config.NewViper()
	cfg        *config.Config
	configPath string
	zapOpts    = zap.Options{Development: true}
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
}

var rootCmd = &cobra.Command{
	Use:           "rightsizer-metrics",
	Short:         "Load workload resource usage from Prometheus",
	Long:          `Discovers the Prometheus compatible backend of each cluster and loads per-container usage history of workloads.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))

		loaded, err := config.Load(v, configPath, setupLog)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	// the version needs no config
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rightsizer-metrics version %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	defaults := config.Default()
	flags := rootCmd.PersistentFlags()

	flags.StringVarP(&configPath, "config", "c", "", "Config file path")
	flags.String("prometheus-url", "", "Prometheus server URL (can also be set via PROMETHEUS_URL env var)")
	flags.String("prometheus-service", "", "Use the discovered service with this namespace/name")
	flags.String("cluster-label", defaults.Prometheus.ClusterLabel, "Label that tells clusters apart on a shared backend")
	flags.String("cluster-label-value", "", "Restrict queries to this value of the cluster label")
	flags.Bool("in-cluster", defaults.Discovery.InCluster, "Reach discovered services by cluster DNS instead of the API server proxy")
	flags.Duration("history", defaults.Query.History, "How far back to load usage")
	flags.Duration("step", defaults.Query.Step, "Resolution of the loaded series")
	flags.Bool("use-mock-metrics", false, "Serve generated series instead of querying Prometheus")

	mustBind("prometheus.url", "prometheus-url")
	mustBind("prometheus.service", "prometheus-service")
	mustBind("prometheus.cluster_label", "cluster-label")
	mustBind("prometheus.cluster_label_value", "cluster-label-value")
	mustBind("discovery.in_cluster", "in-cluster")
	mustBind("query.history", "history")
	mustBind("query.step", "step")
	mustBind("use_mock_metrics", "use-mock-metrics")

	zapOpts.BindFlags(flag.CommandLine)
	flags.AddGoFlagSet(flag.CommandLine)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(newDiscoverCmd())
	rootCmd.AddCommand(newQueryCmd())
}

func mustBind(key, flagName string) {
	utilruntime.Must(v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flagName)))
}

// newFacade wires discovery and connections according to the loaded config
func newFacade(log logr.Logger) *metrics.Facade {
	opts := []metrics.FacadeOption{
		metrics.WithClusterContexts(cfg.ClusterContexts()),
		metrics.WithDefaultClusterContext(cfg.DefaultClusterContext()),
		metrics.WithFacadeRetryPolicy(cfg.RetryPolicy()),
		metrics.WithDiscoveryTimeout(cfg.Discovery.Timeout),
		metrics.WithFacadeLogger(log.WithName("metrics")),
	}

	var discoverer metrics.Discoverer
	if cfg.UseMockMetrics {
		log.Info("Using mock metrics backend")
		backend := metrics.NewMockBackend()
		discoverer = metrics.MockDiscoverer()
		opts = append(opts, metrics.WithConnector(backend.Connector()))
	} else {
		discoverer = discovery.New(discovery.KubeconfigClients, cfg.DiscoveryOptions(log.WithName("discovery")))
	}

	return metrics.NewFacade(metrics.DefaultRegistry(), discoverer, opts...)
}

func main() {
	if err := rootCmd.ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
