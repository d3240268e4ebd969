package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// historyQuery selects a series every kubelet exports for as long as the backend retains data
	historyQuery      Query = "max(container_cpu_usage_seconds_total)"
	historyStep             = time.Hour
	historyMaxSamples       = 1000
)

// ErrNoHistory is returned when the backend holds no samples to measure its history by
var ErrNoHistory = errors.New("no samples to measure the history range by")

// HistorySpan is the time range the backend holds series for
type HistorySpan struct {
	Start time.Time
	End   time.Time
}

// Duration returns the length of the span
func (h HistorySpan) Duration() time.Duration {
	return h.End.Sub(h.Start)
}

// HistoryAvailability tells whether a cluster's backend holds enough history
type HistoryAvailability struct {
	// Checked is false when the backend could not report its history range.
	// Enough is then assumed.
	Checked bool
	Span    HistorySpan
	Enough  bool
	// ReadyAfter estimates when enough history will exist, set when Enough is false
	ReadyAfter time.Time
	// Reason explains why the history range could not be checked
	Reason string
}

// lookbackStep returns the resolution used to measure history over lookback
func lookbackStep(lookback time.Duration) time.Duration {
	step := historyStep
	if s := lookback / historyMaxSamples; s > step {
		step = s.Truncate(time.Minute) + time.Minute
	}
	return step
}

// HistoryRange returns the span of series held by the backend, looking back at most lookback
func (c *Connection) HistoryRange(ctx context.Context, lookback time.Duration) (HistorySpan, error) {
	return historySpan(ctx, c, c.endpoint.Cluster, lookback)
}

func historySpan(ctx context.Context, q RangeQuerier, cluster string, lookback time.Duration) (HistorySpan, error) {
	r := NewTimeRange(time.Now(), lookback, lookbackStep(lookback))
	series, err := q.ExecuteRangeQuery(ctx, historyQuery, r)
	if err != nil {
		return HistorySpan{}, err
	}

	var span HistorySpan
	found := false
	for _, s := range series {
		if len(s.Samples) == 0 {
			continue
		}
		first, last := s.Samples[0].Timestamp, s.Samples[len(s.Samples)-1].Timestamp
		if !found || first.Before(span.Start) {
			span.Start = first
		}
		if !found || last.After(span.End) {
			span.End = last
		}
		found = true
	}
	if !found {
		return HistorySpan{}, &Error{Kind: ErrBackendQuery, Cluster: cluster, Err: ErrNoHistory}
	}
	return span, nil
}

// History reports whether the backend of a cluster holds at least required of history.
// Backends that cannot answer are reported as unchecked, not as a failure; only
// discovery failures and the cancellation of ctx are returned as errors.
func (f *Facade) History(ctx context.Context, cluster string, required time.Duration) (HistoryAvailability, error) {
	res, err := f.lookup(ctx, cluster)
	if err != nil {
		return HistoryAvailability{}, err
	}

	log := f.log.WithValues("cluster", cluster)
	span, err := res.conn.HistoryRange(ctx, required+lookbackStep(required))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return HistoryAvailability{}, fmt.Errorf("failed to check history of cluster %q: %w", cluster, ctxErr)
		}
		log.Info("Unable to check how much history is available, assuming it is sufficient",
			"error", err.Error())
		return HistoryAvailability{Enough: true, Reason: err.Error()}, nil
	}

	availability := HistoryAvailability{
		Checked: true,
		Span:    span,
		Enough:  span.Duration() >= required,
	}
	if !availability.Enough {
		availability.ReadyAfter = span.Start.Add(required)
		log.Info("Not enough history available", "available", span.Duration().String(),
			"required", required.String(), "readyAfter", availability.ReadyAfter)
	}
	return availability, nil
}
