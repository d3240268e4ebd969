package metrics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// countingDiscoverer counts discoveries and can hold them until released
type countingDiscoverer struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
	seen    chan ClusterContext
}

func (d *countingDiscoverer) Discover(ctx context.Context, cc ClusterContext) (*ClusterEndpoint, error) {
	d.calls.Add(1)
	if d.seen != nil {
		d.seen <- cc
	}
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return &ClusterEndpoint{
		Cluster:           cc.Name,
		URL:               "http://" + cc.Name + ".example:9090",
		ClusterLabel:      cc.ClusterLabel,
		ClusterLabelValue: cc.ClusterLabelValue,
	}, nil
}

// historyConnection answers history lookups with a fixed outcome
type historyConnection struct {
	ClusterConnection
	span HistorySpan
	err  error
}

func (c historyConnection) HistoryRange(context.Context, time.Duration) (HistorySpan, error) {
	return c.span, c.err
}

var _ = Describe("Facade", func() {
	var (
		ctx        context.Context
		backend    *MockBackend
		discoverer *countingDiscoverer
		facade     *Facade
		workload   WorkloadDescriptor
		timeRange  TimeRange
	)

	BeforeEach(func() {
		ctx = context.Background()
		backend = NewMockBackend()
		discoverer = &countingDiscoverer{}
		workload = NewWorkloadDescriptor("ns1", "c1", "p1", "p2")
		workload.Cluster = "prod"
		timeRange = NewTimeRange(time.Now(), time.Hour, 5*time.Minute)
	})

	JustBeforeEach(func() {
		facade = NewFacade(DefaultRegistry(), discoverer, WithConnector(backend.Connector()))
	})

	Context("when querying a registered resource type", func() {
		It("should send the loader query to the cluster's backend", func() {
			series, err := facade.Query(ctx, ResourceMemory, workload, timeRange)

			Expect(err).NotTo(HaveOccurred())
			Expect(series).To(HaveLen(defaultMockPods))
			Expect(backend.Queries()).To(ConsistOf(MemoryLoader.Query(workload)))
		})

		It("should discover each cluster once", func() {
			for i := 0; i < 3; i++ {
				_, err := facade.Query(ctx, ResourceCPU, workload, timeRange)
				Expect(err).NotTo(HaveOccurred())
			}

			other := workload
			other.Cluster = "staging"
			_, err := facade.Query(ctx, ResourceCPU, other, timeRange)
			Expect(err).NotTo(HaveOccurred())

			Expect(discoverer.calls.Load()).To(Equal(int32(2)))
		})
	})

	Context("when the time range is invalid", func() {
		It("should fail without discovering the cluster", func() {
			_, err := facade.Query(ctx, ResourceMemory, workload, NewTimeRange(time.Now(), 14*24*time.Hour, time.Minute))

			Expect(errors.Is(err, ErrInvalidTimeRange)).To(BeTrue())
			Expect(KindOf(err)).To(Equal(ErrInvalidTimeRange))
			Expect(discoverer.calls.Load()).To(BeZero())
		})
	})

	Context("when the resource type is unknown", func() {
		It("should fail without discovering the cluster", func() {
			_, err := facade.Query(ctx, "nvidia.com/gpu", workload, timeRange)

			Expect(errors.Is(err, ErrUnknownResourceType)).To(BeTrue())
			Expect(discoverer.calls.Load()).To(BeZero())

			var merr *Error
			Expect(errors.As(err, &merr)).To(BeTrue())
			Expect(merr.Cluster).To(Equal("prod"))
			Expect(merr.Workload).To(Equal("prod:ns1/*/c1"))
		})
	})

	Context("when several first queries run concurrently", func() {
		BeforeEach(func() {
			discoverer.release = make(chan struct{})
		})

		It("should share a single discovery", func() {
			const callers = 8
			var wg sync.WaitGroup
			endpoints := make([]ClusterEndpoint, callers)
			errs := make([]error, callers)

			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					endpoints[i], errs[i] = facade.Endpoint(ctx, "prod")
				}(i)
			}

			Eventually(discoverer.calls.Load).Should(Equal(int32(1)))
			close(discoverer.release)
			wg.Wait()

			Expect(discoverer.calls.Load()).To(Equal(int32(1)))
			for i := 0; i < callers; i++ {
				Expect(errs[i]).NotTo(HaveOccurred())
				Expect(endpoints[i]).To(Equal(endpoints[0]))
			}
		})

		It("should keep discovering when the first caller gives up", func() {
			waitCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() {
				_, err := facade.Endpoint(waitCtx, "prod")
				done <- err
			}()

			Eventually(discoverer.calls.Load).Should(Equal(int32(1)))
			cancel()
			var waitErr error
			Eventually(done).Should(Receive(&waitErr))
			Expect(errors.Is(waitErr, context.Canceled)).To(BeTrue())

			close(discoverer.release)
			endpoint, err := facade.Endpoint(ctx, "prod")
			Expect(err).NotTo(HaveOccurred())
			Expect(endpoint.Cluster).To(Equal("prod"))
			Expect(discoverer.calls.Load()).To(Equal(int32(1)))
		})
	})

	Context("when a cluster is forgotten during discovery", func() {
		BeforeEach(func() {
			discoverer.release = make(chan struct{})
		})

		It("should not cache the outcome of the earlier discovery", func() {
			done := make(chan error, 1)
			go func() {
				_, err := facade.Endpoint(ctx, "prod")
				done <- err
			}()

			Eventually(discoverer.calls.Load).Should(Equal(int32(1)))
			facade.Forget("prod")
			close(discoverer.release)
			Eventually(done).Should(Receive(BeNil()))

			_, err := facade.Endpoint(ctx, "prod")
			Expect(err).NotTo(HaveOccurred())
			Expect(discoverer.calls.Load()).To(Equal(int32(2)))
		})
	})

	Context("when discovery fails", func() {
		BeforeEach(func() {
			discoverer.err = &Error{Kind: ErrPrometheusNotFound, Err: errors.New("no service matched")}
		})

		It("should cache the failure until the cluster is forgotten", func() {
			_, err := facade.Query(ctx, ResourceMemory, workload, timeRange)
			Expect(errors.Is(err, ErrPrometheusNotFound)).To(BeTrue())

			_, err = facade.Query(ctx, ResourceCPU, workload, timeRange)
			Expect(errors.Is(err, ErrPrometheusNotFound)).To(BeTrue())
			Expect(discoverer.calls.Load()).To(Equal(int32(1)))

			var merr *Error
			Expect(errors.As(err, &merr)).To(BeTrue())
			Expect(merr.ResourceType).To(Equal(ResourceCPU))
			Expect(merr.Cluster).To(Equal("prod"))

			discoverer.err = nil
			facade.Forget("prod")

			_, err = facade.Query(ctx, ResourceMemory, workload, timeRange)
			Expect(err).NotTo(HaveOccurred())
			Expect(discoverer.calls.Load()).To(Equal(int32(2)))
		})
	})

	Context("when the backend serves several clusters", func() {
		BeforeEach(func() {
			backend.Clusters = []string{"prod", "staging"}
		})

		It("should refuse to query an unselected cluster", func() {
			_, err := facade.Query(ctx, ResourceMemory, workload, timeRange)

			Expect(errors.Is(err, ErrClusterNotSpecified)).To(BeTrue())
			Expect(backend.Queries()).To(BeEmpty())

			var merr *Error
			Expect(errors.As(err, &merr)).To(BeTrue())
			Expect(merr.Candidates).To(ConsistOf("prod", "staging"))
		})
	})

	Context("when a shared backend is scoped to one cluster", func() {
		BeforeEach(func() {
			backend.Clusters = []string{"prod-eu", "staging"}
		})

		JustBeforeEach(func() {
			facade = NewFacade(DefaultRegistry(), discoverer,
				WithConnector(backend.Connector()),
				WithClusterContexts(map[string]ClusterContext{
					"prod": {ClusterLabelValue: "prod-eu"},
				}),
			)
		})

		It("should add the cluster matcher to every query", func() {
			_, err := facade.Query(ctx, ResourceCPU, workload, timeRange)
			Expect(err).NotTo(HaveOccurred())

			Expect(backend.Queries()).To(HaveLen(1))
			Expect(backend.Queries()[0].String()).To(ContainSubstring(`cluster="prod-eu"`))
			Expect(backend.Queries()[0].String()).To(ContainSubstring("container_cpu_usage_seconds_total"))
		})
	})

	Context("when checking history", func() {
		var conn ClusterConnection

		BeforeEach(func() {
			conn = nil
		})

		JustBeforeEach(func() {
			if conn == nil {
				return
			}
			facade = NewFacade(DefaultRegistry(), discoverer,
				WithConnector(func(*ClusterEndpoint) (ClusterConnection, error) { return conn, nil }),
			)
		})

		It("should report the span held by the backend", func() {
			availability, err := facade.History(ctx, "prod", 24*time.Hour)

			Expect(err).NotTo(HaveOccurred())
			Expect(availability.Checked).To(BeTrue())
			Expect(availability.Enough).To(BeTrue())
			Expect(availability.Span.Duration()).To(BeNumerically(">=", 24*time.Hour))
		})

		Context("when the backend holds less than required", func() {
			start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

			BeforeEach(func() {
				conn = historyConnection{
					ClusterConnection: &mockConnection{backend: backend},
					span:              HistorySpan{Start: start, End: start.Add(6 * time.Hour)},
				}
			})

			It("should estimate when enough history exists", func() {
				availability, err := facade.History(ctx, "prod", 24*time.Hour)

				Expect(err).NotTo(HaveOccurred())
				Expect(availability.Checked).To(BeTrue())
				Expect(availability.Enough).To(BeFalse())
				Expect(availability.ReadyAfter).To(Equal(start.Add(24 * time.Hour)))
			})
		})

		Context("when the backend cannot report its history", func() {
			BeforeEach(func() {
				conn = historyConnection{
					ClusterConnection: &mockConnection{backend: backend},
					err:               &Error{Kind: ErrBackendQuery, Err: ErrNoHistory},
				}
			})

			It("should assume enough history", func() {
				availability, err := facade.History(ctx, "prod", 24*time.Hour)

				Expect(err).NotTo(HaveOccurred())
				Expect(availability.Checked).To(BeFalse())
				Expect(availability.Enough).To(BeTrue())
				Expect(availability.Reason).To(ContainSubstring(ErrNoHistory.Error()))
			})
		})
	})

	Context("with cluster contexts", func() {
		BeforeEach(func() {
			discoverer.seen = make(chan ClusterContext, 2)
		})

		JustBeforeEach(func() {
			facade = NewFacade(DefaultRegistry(), discoverer,
				WithConnector(backend.Connector()),
				WithDefaultClusterContext(ClusterContext{ClusterLabel: "kube_cluster"}),
				WithClusterContexts(map[string]ClusterContext{
					"prod": {ClusterLabel: "cluster", ClusterLabelValue: "prod-eu"},
				}),
			)
		})

		It("should pass each cluster its own parameters", func() {
			endpoint, err := facade.Endpoint(ctx, "prod")
			Expect(err).NotTo(HaveOccurred())
			Expect(endpoint.ClusterLabelValue).To(Equal("prod-eu"))

			var cc ClusterContext
			Expect(discoverer.seen).To(Receive(&cc))
			Expect(cc.Name).To(Equal("prod"))

			_, err = facade.Endpoint(ctx, "staging")
			Expect(err).NotTo(HaveOccurred())
			Expect(discoverer.seen).To(Receive(&cc))
			Expect(cc.Name).To(Equal("staging"))
			Expect(cc.ClusterLabel).To(Equal("kube_cluster"))
		})
	})

	Context("when connecting to the endpoint fails", func() {
		JustBeforeEach(func() {
			facade = NewFacade(DefaultRegistry(), discoverer,
				WithConnector(func(*ClusterEndpoint) (ClusterConnection, error) {
					return nil, errors.New("invalid URL")
				}),
			)
		})

		It("should report the backend as not found", func() {
			_, err := facade.Endpoint(ctx, "prod")
			Expect(errors.Is(err, ErrPrometheusNotFound)).To(BeTrue())
		})
	})
})
