package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	promconfig "github.com/prometheus/common/config"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client/config"

	"github.com/wesleyemery/rightsizer-metrics/pkg/metrics"
)

const (
	// DefaultProbeTimeout bounds the reachability check of a single candidate
	DefaultProbeTimeout = 5 * time.Second

	defaultPrometheusPort = 9090
	probeQuery            = "vector(1)"
	roundTripperName      = "rightsizer-metrics"
)

// DefaultSelectors are the label selectors of well-known Prometheus compatible
// services, in the order they are looked up
var DefaultSelectors = []string{
	"app=kube-prometheus-stack-prometheus",
	"app=prometheus,component=server,release!=kubecost",
	"app=prometheus-server",
	"app=prometheus-operator-prometheus",
	"app=rancher-monitoring-prometheus",
	"app=prometheus-prometheus",
	"app.kubernetes.io/component=query,app.kubernetes.io/name=thanos",
	"app.kubernetes.io/name=thanos-query",
	"app=thanos-query",
	"app=thanos-querier",
	"app.kubernetes.io/name=vmsingle",
	"app.kubernetes.io/name=victoria-metrics-single",
}

// preferredPortNames are tried in order when a service exposes several ports
var preferredPortNames = []string{"http-web", "web", "http", "http-query", "https"}

// ClientFactory builds Kubernetes API access for a kubeconfig context.
// An empty context means the current context or the in-cluster config.
type ClientFactory func(kubeContext string) (kubernetes.Interface, *rest.Config, error)

// KubeconfigClients is the ClientFactory backed by the local kubeconfig
func KubeconfigClients(kubeContext string) (kubernetes.Interface, *rest.Config, error) {
	cfg, err := config.GetConfigWithContext(kubeContext)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load kubeconfig for context %q: %w", kubeContext, err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	return client, cfg, nil
}

// Options configures discovery
type Options struct {
	// Selectors are the service label selectors to look up, in priority order
	Selectors []string
	// ProbeTimeout bounds each reachability check
	ProbeTimeout time.Duration
	// InCluster addresses services by their cluster DNS name instead of the API server proxy
	InCluster bool
	Logger    logr.Logger
}

// Discovery finds the Prometheus compatible service of a cluster
type Discovery struct {
	clients ClientFactory
	opts    Options
	log     logr.Logger
}

// New creates a discovery using clients to reach each cluster's API server
func New(clients ClientFactory, opts Options) *Discovery {
	if len(opts.Selectors) == 0 {
		opts.Selectors = DefaultSelectors
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Discovery{
		clients: clients,
		opts:    opts,
		log:     log,
	}
}

// candidate is a service that may serve the Prometheus API
type candidate struct {
	service      string
	url          string
	roundTripper http.RoundTripper
}

// Discover resolves the metrics endpoint of a cluster.
// An explicit URL is probed as is. Otherwise the well-known services are probed and
// exactly one of them must answer, unless the cluster context names the service to use.
func (d *Discovery) Discover(ctx context.Context, cc metrics.ClusterContext) (*metrics.ClusterEndpoint, error) {
	log := d.log.WithValues("cluster", cc.Name)

	if cc.PrometheusURL != "" {
		return d.explicit(ctx, cc, log)
	}

	client, restConfig, err := d.clients(cc.Name)
	if err != nil {
		return nil, notFound(cc, err)
	}

	var candidates []candidate
	if cc.Service != "" {
		c, err := d.namedCandidate(ctx, client, restConfig, cc)
		if err != nil {
			return nil, notFound(cc, err)
		}
		candidates = []candidate{c}
	} else {
		candidates, err = d.wellKnownCandidates(ctx, client, restConfig, cc, log)
		if err != nil {
			return nil, notFound(cc, err)
		}
	}

	var reachable []candidate
	var probeErrs []error
	for _, c := range candidates {
		if err := d.probe(ctx, c.url, c.roundTripper); err != nil {
			log.V(1).Info("Metrics service candidate is not reachable", "service", c.service, "error", err.Error())
			probeErrs = append(probeErrs, fmt.Errorf("%s: %w", c.service, err))
			continue
		}
		log.V(1).Info("Found reachable metrics service", "service", c.service, "url", c.url)
		reachable = append(reachable, c)
	}

	switch len(reachable) {
	case 0:
		cause := errors.Join(probeErrs...)
		if cause == nil {
			cause = fmt.Errorf("no service matched selectors %v", d.opts.Selectors)
		}
		return nil, notFound(cc, cause)
	case 1:
		return d.endpoint(cc, reachable[0]), nil
	default:
		services := make([]string, 0, len(reachable))
		for _, c := range reachable {
			services = append(services, c.service)
		}
		return nil, &metrics.Error{
			Kind:       metrics.ErrClusterNotSpecified,
			Cluster:    cc.Name,
			Candidates: services,
			Err:        fmt.Errorf("found %d reachable metrics services, select one explicitly", len(services)),
		}
	}
}

func (d *Discovery) explicit(ctx context.Context, cc metrics.ClusterContext, log logr.Logger) (*metrics.ClusterEndpoint, error) {
	rt, err := RoundTripper(cc)
	if err != nil {
		return nil, notFound(cc, err)
	}
	if err := d.probe(ctx, cc.PrometheusURL, rt); err != nil {
		return nil, notFound(cc, fmt.Errorf("%s is not reachable: %w", cc.PrometheusURL, err))
	}
	log.V(1).Info("Using configured metrics URL", "url", cc.PrometheusURL)
	return d.endpoint(cc, candidate{url: cc.PrometheusURL, roundTripper: rt}), nil
}

func (d *Discovery) namedCandidate(ctx context.Context, client kubernetes.Interface, restConfig *rest.Config, cc metrics.ClusterContext) (candidate, error) {
	namespace, name, ok := strings.Cut(cc.Service, "/")
	if !ok || namespace == "" || name == "" {
		return candidate{}, fmt.Errorf("invalid service %q, expected namespace/name", cc.Service)
	}
	svc, err := client.CoreV1().Services(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return candidate{}, fmt.Errorf("failed to get service %s: %w", cc.Service, err)
	}
	return d.candidateFor(svc, restConfig, cc)
}

func (d *Discovery) wellKnownCandidates(ctx context.Context, client kubernetes.Interface, restConfig *rest.Config, cc metrics.ClusterContext, log logr.Logger) ([]candidate, error) {
	seen := make(map[string]struct{})
	var candidates []candidate
	var listErrs []error

	for _, selector := range d.opts.Selectors {
		services, err := client.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
			LabelSelector: selector,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("failed to list services: %w", ctx.Err())
			}
			log.V(1).Info("Failed to list services", "selector", selector, "error", err.Error())
			listErrs = append(listErrs, err)
			continue
		}

		items := services.Items
		sort.Slice(items, func(i, j int) bool {
			return items[i].Namespace+"/"+items[i].Name < items[j].Namespace+"/"+items[j].Name
		})
		for i := range items {
			key := items[i].Namespace + "/" + items[i].Name
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			c, err := d.candidateFor(&items[i], restConfig, cc)
			if err != nil {
				log.V(1).Info("Skipping service", "service", key, "error", err.Error())
				continue
			}
			candidates = append(candidates, c)
		}
	}

	if len(candidates) == 0 && len(listErrs) == len(d.opts.Selectors) {
		return nil, fmt.Errorf("failed to list services: %w", errors.Join(listErrs...))
	}
	return candidates, nil
}

// candidateFor builds the URL under which the service's Prometheus API is reached
func (d *Discovery) candidateFor(svc *corev1.Service, restConfig *rest.Config, cc metrics.ClusterContext) (candidate, error) {
	key := svc.Namespace + "/" + svc.Name
	port, ok := servicePort(svc)
	if !ok {
		return candidate{}, fmt.Errorf("service %s exposes no ports", key)
	}
	scheme := "http"
	if strings.Contains(port.Name, "https") || port.Port == 443 {
		scheme = "https"
	}

	if d.opts.InCluster {
		rt, err := RoundTripper(cc)
		if err != nil {
			return candidate{}, err
		}
		return candidate{
			service:      key,
			url:          fmt.Sprintf("%s://%s.%s.svc.cluster.local:%d", scheme, svc.Name, svc.Namespace, port.Port),
			roundTripper: rt,
		}, nil
	}

	if restConfig == nil {
		return candidate{}, fmt.Errorf("no API server configuration to proxy to service %s", key)
	}
	rt, err := rest.TransportFor(restConfig)
	if err != nil {
		return candidate{}, fmt.Errorf("failed to create API server transport: %w", err)
	}
	return candidate{
		service:      key,
		url:          proxyURL(restConfig.Host, svc.Namespace, svc.Name, scheme, port.Port),
		roundTripper: rt,
	}, nil
}

func (d *Discovery) endpoint(cc metrics.ClusterContext, c candidate) *metrics.ClusterEndpoint {
	label := cc.ClusterLabel
	if label == "" {
		label = metrics.DefaultClusterLabel
	}
	return &metrics.ClusterEndpoint{
		Cluster:           cc.Name,
		URL:               c.url,
		Service:           c.service,
		ClusterLabel:      label,
		ClusterLabelValue: cc.ClusterLabelValue,
		RoundTripper:      c.roundTripper,
	}
}

// probe checks that url answers an instant query within the probe timeout
func (d *Discovery) probe(ctx context.Context, url string, rt http.RoundTripper) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.ProbeTimeout)
	defer cancel()

	client, err := api.NewClient(api.Config{
		Address:      url,
		RoundTripper: rt,
	})
	if err != nil {
		return fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	if _, _, err := v1.NewAPI(client).Query(ctx, probeQuery, time.Now()); err != nil {
		return fmt.Errorf("probe query failed: %w", err)
	}
	return nil
}

// RoundTripper builds the authenticated transport for a directly addressed backend
func RoundTripper(cc metrics.ClusterContext) (http.RoundTripper, error) {
	cfg := promconfig.DefaultHTTPClientConfig
	cfg.TLSConfig.InsecureSkipVerify = cc.InsecureSkipTLSVerify

	switch cc.Auth.Type {
	case metrics.AuthTypeBasic:
		cfg.BasicAuth = &promconfig.BasicAuth{
			Username: cc.Auth.Username,
			Password: promconfig.Secret(cc.Auth.Password),
		}
	case metrics.AuthTypeBearer:
		cfg.Authorization = &promconfig.Authorization{
			Type:        "Bearer",
			Credentials: promconfig.Secret(cc.Auth.Token),
		}
	case metrics.AuthTypeNone, "":
	default:
		return nil, fmt.Errorf("unsupported auth type %q", cc.Auth.Type)
	}

	if len(cc.Headers) > 0 {
		headers := make(map[string]promconfig.Header, len(cc.Headers))
		for name, value := range cc.Headers {
			headers[name] = promconfig.Header{Values: []string{value}}
		}
		cfg.HTTPHeaders = &promconfig.Headers{Headers: headers}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid HTTP client configuration: %w", err)
	}
	rt, err := promconfig.NewRoundTripperFromConfig(cfg, roundTripperName)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP transport: %w", err)
	}
	return rt, nil
}

// servicePort picks the port serving the Prometheus API
func servicePort(svc *corev1.Service) (corev1.ServicePort, bool) {
	ports := svc.Spec.Ports
	if len(ports) == 0 {
		return corev1.ServicePort{}, false
	}
	for _, name := range preferredPortNames {
		for _, p := range ports {
			if p.Name == name {
				return p, true
			}
		}
	}
	for _, p := range ports {
		if p.Port == defaultPrometheusPort {
			return p, true
		}
	}
	return ports[0], true
}

// proxyURL addresses a service through the API server's service proxy
func proxyURL(host, namespace, name, scheme string, port int32) string {
	host = strings.TrimRight(host, "/")
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	prefix := ""
	if scheme == "https" {
		prefix = "https:"
	}
	return fmt.Sprintf("%s/api/v1/namespaces/%s/services/%s%s:%d/proxy", host, namespace, prefix, name, port)
}

func notFound(cc metrics.ClusterContext, err error) error {
	return &metrics.Error{
		Kind:    metrics.ErrPrometheusNotFound,
		Cluster: cc.Name,
		Err:     err,
	}
}
