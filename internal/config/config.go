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

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/wesleyemery/rightsizer-metrics/pkg/discovery"
	"github.com/wesleyemery/rightsizer-metrics/pkg/metrics"
)

const (
	// EnvPrefix is the prefix of environment variables overriding config keys,
	// e.g. RIGHTSIZER_PROMETHEUS_URL for prometheus.url
	EnvPrefix = "RIGHTSIZER"

	// prometheusURLEnv is honored when no URL is configured otherwise
	prometheusURLEnv = "PROMETHEUS_URL"

	minStep = time.Second
)

// Config is the complete configuration of the metrics layer
type Config struct {
	// Prometheus holds the connection parameters used for clusters without their own entry
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	// Clusters overrides the connection parameters per kube context
	Clusters  []ClusterConfig `mapstructure:"clusters"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Query     QueryConfig     `mapstructure:"query"`
	Retry     RetryConfig     `mapstructure:"retry"`
	// UseMockMetrics serves generated series instead of querying a backend
	UseMockMetrics bool `mapstructure:"use_mock_metrics"`
}

// PrometheusConfig defines how to reach the metrics backend of a cluster
type PrometheusConfig struct {
	// URL skips service discovery when set
	URL string `mapstructure:"url"`
	// Service selects one namespace/name among the discovered services
	Service           string `mapstructure:"service"`
	ClusterLabel      string `mapstructure:"cluster_label"`
	ClusterLabelValue string `mapstructure:"cluster_label_value"`

	Auth                  AuthConfig        `mapstructure:"auth"`
	Headers               map[string]string `mapstructure:"headers"`
	InsecureSkipTLSVerify bool              `mapstructure:"insecure_skip_tls_verify"`
}

// AuthConfig defines authentication for an explicitly configured backend
type AuthConfig struct {
	// Type can be none, basic or bearer
	Type     string `mapstructure:"type"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
}

// ClusterConfig is the connection configuration of one kube context
type ClusterConfig struct {
	// Name is the kube context name
	Name             string `mapstructure:"name"`
	PrometheusConfig `mapstructure:",squash"`
}

// DiscoveryConfig configures service discovery
type DiscoveryConfig struct {
	Selectors    []string      `mapstructure:"selectors"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	Timeout      time.Duration `mapstructure:"timeout"`
	InCluster    bool          `mapstructure:"in_cluster"`
}

// QueryConfig defines the range queried by default
type QueryConfig struct {
	History time.Duration `mapstructure:"history"`
	Step    time.Duration `mapstructure:"step"`
}

// RetryConfig bounds retries of transient backend failures
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	retry := metrics.DefaultRetryPolicy()
	return &Config{
		Prometheus: PrometheusConfig{
			ClusterLabel: metrics.DefaultClusterLabel,
			Auth:         AuthConfig{Type: string(metrics.AuthTypeNone)},
		},
		Discovery: DiscoveryConfig{
			Selectors:    append([]string(nil), discovery.DefaultSelectors...),
			ProbeTimeout: discovery.DefaultProbeTimeout,
			Timeout:      30 * time.Second,
		},
		Query: QueryConfig{
			History: 7 * 24 * time.Hour,
			Step:    time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:     retry.MaxAttempts,
			InitialInterval: retry.InitialInterval,
			MaxInterval:     retry.MaxInterval,
		},
	}
}

// NewViper returns a viper instance carrying the defaults and environment bindings.
// Command line flags are bound to it by the caller before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// setDefaults registers every key so environment overrides reach Unmarshal
func setDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("prometheus.url", defaults.Prometheus.URL)
	v.SetDefault("prometheus.service", defaults.Prometheus.Service)
	v.SetDefault("prometheus.cluster_label", defaults.Prometheus.ClusterLabel)
	v.SetDefault("prometheus.cluster_label_value", defaults.Prometheus.ClusterLabelValue)
	v.SetDefault("prometheus.auth.type", defaults.Prometheus.Auth.Type)
	v.SetDefault("prometheus.auth.username", "")
	v.SetDefault("prometheus.auth.password", "")
	v.SetDefault("prometheus.auth.token", "")
	v.SetDefault("prometheus.insecure_skip_tls_verify", false)

	v.SetDefault("discovery.selectors", defaults.Discovery.Selectors)
	v.SetDefault("discovery.probe_timeout", defaults.Discovery.ProbeTimeout)
	v.SetDefault("discovery.timeout", defaults.Discovery.Timeout)
	v.SetDefault("discovery.in_cluster", defaults.Discovery.InCluster)

	v.SetDefault("query.history", defaults.Query.History)
	v.SetDefault("query.step", defaults.Query.Step)

	v.SetDefault("retry.max_attempts", defaults.Retry.MaxAttempts)
	v.SetDefault("retry.initial_interval", defaults.Retry.InitialInterval)
	v.SetDefault("retry.max_interval", defaults.Retry.MaxInterval)

	v.SetDefault("use_mock_metrics", false)
}

// Load reads the optional config file at path, applies environment overrides and validates the result
func Load(v *viper.Viper, path string, log logr.Logger) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			log.Info("Config file not found, using defaults", "path", path)
		} else {
			log.Info("Loaded config file", "path", v.ConfigFileUsed())
		}
	}

	if v.GetString("prometheus.url") == "" {
		if u := os.Getenv(prometheusURLEnv); u != "" {
			v.Set("prometheus.url", u)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %w", errs.ToAggregate())
	}
	return cfg, nil
}

// Validate checks the configuration and reports every invalid field
func (c *Config) Validate() field.ErrorList {
	var allErrs field.ErrorList

	allErrs = append(allErrs, c.Prometheus.validate(field.NewPath("prometheus"))...)
	allErrs = append(allErrs, c.validateClusters()...)
	allErrs = append(allErrs, c.validateDiscovery()...)
	allErrs = append(allErrs, c.validateQuery()...)
	allErrs = append(allErrs, c.validateRetry()...)

	return allErrs
}

func (p PrometheusConfig) validate(path *field.Path) field.ErrorList {
	var allErrs field.ErrorList

	if p.URL != "" {
		u, err := url.Parse(p.URL)
		switch {
		case err != nil:
			allErrs = append(allErrs, field.Invalid(path.Child("url"), p.URL, err.Error()))
		case u.Scheme != "http" && u.Scheme != "https":
			allErrs = append(allErrs, field.Invalid(path.Child("url"), p.URL,
				"must use http or https scheme"))
		case u.Host == "":
			allErrs = append(allErrs, field.Invalid(path.Child("url"), p.URL, "must include a host"))
		}
	}

	if p.Service != "" {
		namespace, name, ok := strings.Cut(p.Service, "/")
		if !ok || namespace == "" || name == "" {
			allErrs = append(allErrs, field.Invalid(path.Child("service"), p.Service,
				"must be in the form namespace/name"))
		}
	}

	authPath := path.Child("auth")
	switch metrics.AuthType(p.Auth.Type) {
	case "", metrics.AuthTypeNone:
	case metrics.AuthTypeBasic:
		if p.Auth.Username == "" {
			allErrs = append(allErrs, field.Required(authPath.Child("username"),
				"username is required for basic auth"))
		}
	case metrics.AuthTypeBearer:
		if p.Auth.Token == "" {
			allErrs = append(allErrs, field.Required(authPath.Child("token"),
				"token is required for bearer auth"))
		}
	default:
		allErrs = append(allErrs, field.NotSupported(authPath.Child("type"), p.Auth.Type,
			[]string{string(metrics.AuthTypeNone), string(metrics.AuthTypeBasic), string(metrics.AuthTypeBearer)}))
	}

	return allErrs
}

func (c *Config) validateClusters() field.ErrorList {
	var allErrs field.ErrorList
	clustersPath := field.NewPath("clusters")

	seen := make(map[string]struct{}, len(c.Clusters))
	for i, cluster := range c.Clusters {
		path := clustersPath.Index(i)
		if cluster.Name == "" {
			allErrs = append(allErrs, field.Required(path.Child("name"), "kube context name is required"))
			continue
		}
		if _, ok := seen[cluster.Name]; ok {
			allErrs = append(allErrs, field.Duplicate(path.Child("name"), cluster.Name))
			continue
		}
		seen[cluster.Name] = struct{}{}
		allErrs = append(allErrs, cluster.PrometheusConfig.validate(path)...)
	}

	return allErrs
}

func (c *Config) validateDiscovery() field.ErrorList {
	var allErrs field.ErrorList
	discoveryPath := field.NewPath("discovery")

	for i, selector := range c.Discovery.Selectors {
		if _, err := labels.Parse(selector); err != nil {
			allErrs = append(allErrs, field.Invalid(discoveryPath.Child("selectors").Index(i), selector, err.Error()))
		}
	}
	if c.Discovery.ProbeTimeout <= 0 {
		allErrs = append(allErrs, field.Invalid(discoveryPath.Child("probe_timeout"),
			c.Discovery.ProbeTimeout.String(), "must be positive"))
	}
	if c.Discovery.Timeout <= 0 {
		allErrs = append(allErrs, field.Invalid(discoveryPath.Child("timeout"),
			c.Discovery.Timeout.String(), "must be positive"))
	} else if c.Discovery.Timeout < c.Discovery.ProbeTimeout {
		allErrs = append(allErrs, field.Invalid(discoveryPath.Child("timeout"),
			c.Discovery.Timeout.String(), "must not be shorter than probe_timeout"))
	}

	return allErrs
}

func (c *Config) validateQuery() field.ErrorList {
	var allErrs field.ErrorList
	queryPath := field.NewPath("query")

	if c.Query.History <= 0 {
		allErrs = append(allErrs, field.Invalid(queryPath.Child("history"),
			c.Query.History.String(), "must be positive"))
	}
	if c.Query.Step < minStep {
		allErrs = append(allErrs, field.Invalid(queryPath.Child("step"),
			c.Query.Step.String(), fmt.Sprintf("must be at least %s", minStep)))
	} else if c.Query.History > 0 {
		if points := c.TimeRange(time.Time{}).Points(); points > metrics.MaxPointsPerSeries {
			allErrs = append(allErrs, field.Invalid(queryPath.Child("step"),
				c.Query.Step.String(), fmt.Sprintf("gives %d points per series over %s, at most %d are allowed, use at least %s",
					points, c.Query.History, metrics.MaxPointsPerSeries, metrics.MinStep(c.Query.History))))
		}
	}

	return allErrs
}

func (c *Config) validateRetry() field.ErrorList {
	var allErrs field.ErrorList
	retryPath := field.NewPath("retry")

	if c.Retry.MaxAttempts < 1 {
		allErrs = append(allErrs, field.Invalid(retryPath.Child("max_attempts"),
			c.Retry.MaxAttempts, "must be at least 1"))
	}
	if c.Retry.InitialInterval < 0 {
		allErrs = append(allErrs, field.Invalid(retryPath.Child("initial_interval"),
			c.Retry.InitialInterval.String(), "must not be negative"))
	}
	if c.Retry.MaxInterval > 0 && c.Retry.MaxInterval < c.Retry.InitialInterval {
		allErrs = append(allErrs, field.Invalid(retryPath.Child("max_interval"),
			c.Retry.MaxInterval.String(), "must not be shorter than initial_interval"))
	}

	return allErrs
}

// ClusterContext converts the connection parameters of a kube context
func (p PrometheusConfig) ClusterContext(name string) metrics.ClusterContext {
	authType := metrics.AuthType(p.Auth.Type)
	if authType == "" {
		authType = metrics.AuthTypeNone
	}
	return metrics.ClusterContext{
		Name:              name,
		PrometheusURL:     p.URL,
		Service:           p.Service,
		ClusterLabel:      p.ClusterLabel,
		ClusterLabelValue: p.ClusterLabelValue,
		Auth: metrics.AuthConfig{
			Type:     authType,
			Username: p.Auth.Username,
			Password: p.Auth.Password,
			Token:    p.Auth.Token,
		},
		Headers:               p.Headers,
		InsecureSkipTLSVerify: p.InsecureSkipTLSVerify,
	}
}

// ClusterContexts returns the per-cluster parameters keyed by kube context.
// Fields left empty on a cluster entry are taken from the defaults.
func (c *Config) ClusterContexts() map[string]metrics.ClusterContext {
	contexts := make(map[string]metrics.ClusterContext, len(c.Clusters))
	for _, cluster := range c.Clusters {
		contexts[cluster.Name] = c.merged(cluster.PrometheusConfig).ClusterContext(cluster.Name)
	}
	return contexts
}

// DefaultClusterContext returns the parameters of clusters without their own entry
func (c *Config) DefaultClusterContext() metrics.ClusterContext {
	return c.Prometheus.ClusterContext("")
}

func (c *Config) merged(p PrometheusConfig) PrometheusConfig {
	if p.ClusterLabel == "" {
		p.ClusterLabel = c.Prometheus.ClusterLabel
	}
	if p.Auth.Type == "" {
		p.Auth = c.Prometheus.Auth
	}
	if p.Headers == nil {
		p.Headers = c.Prometheus.Headers
	}
	return p
}

// RetryPolicy returns the retry policy of backend connections
func (c *Config) RetryPolicy() metrics.RetryPolicy {
	return metrics.RetryPolicy{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
	}
}

// DiscoveryOptions returns the options of service discovery
func (c *Config) DiscoveryOptions(log logr.Logger) discovery.Options {
	return discovery.Options{
		Selectors:    c.Discovery.Selectors,
		ProbeTimeout: c.Discovery.ProbeTimeout,
		InCluster:    c.Discovery.InCluster,
		Logger:       log,
	}
}

// TimeRange returns the default query range ending at end
func (c *Config) TimeRange(end time.Time) metrics.TimeRange {
	return metrics.NewTimeRange(end, c.Query.History, c.Query.Step)
}
