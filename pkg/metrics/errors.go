package metrics

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the category of a metrics layer failure. Each kind is also an error
// value so callers can branch with errors.Is.
type ErrorKind string

func (k ErrorKind) Error() string {
	return string(k)
}

const (
	// ErrUnknownResourceType means no loader is bound for the requested resource type
	ErrUnknownResourceType ErrorKind = "unknown resource type"
	// ErrDuplicateBinding means a loader was already registered for the resource type
	ErrDuplicateBinding ErrorKind = "duplicate loader binding"
	// ErrPrometheusNotFound means no reachable metrics backend was found for a cluster
	ErrPrometheusNotFound ErrorKind = "prometheus not found"
	// ErrClusterNotSpecified means the target backend or cluster is ambiguous
	ErrClusterNotSpecified ErrorKind = "cluster not specified"
	// ErrBackendQuery means the backend call failed (network, HTTP status or response)
	ErrBackendQuery ErrorKind = "backend query failed"
	// ErrInvalidTimeRange means the caller asked for a range the backend cannot serve
	ErrInvalidTimeRange ErrorKind = "invalid time range"
)

// Retryable reports whether a failure of this kind may succeed when tried again
func (k ErrorKind) Retryable() bool {
	return k == ErrBackendQuery
}

// Error carries the kind of a failure together with the context it happened in
type Error struct {
	Kind         ErrorKind
	Cluster      string
	ResourceType ResourceType
	Workload     string
	// Candidates lists the clusters or services an ambiguous target could refer to
	Candidates []string
	// StatusCode is the last HTTP status returned by the backend, if any
	StatusCode int
	// Attempts is the number of backend calls made before giving up
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))

	var details []string
	if e.Cluster != "" {
		details = append(details, "cluster="+e.Cluster)
	}
	if e.ResourceType != "" {
		details = append(details, "resource="+string(e.ResourceType))
	}
	if e.Workload != "" {
		details = append(details, "workload="+e.Workload)
	}
	if e.StatusCode != 0 {
		details = append(details, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Attempts > 1 {
		details = append(details, fmt.Sprintf("attempts=%d", e.Attempts))
	}
	if len(details) > 0 {
		b.WriteString(" (" + strings.Join(details, ", ") + ")")
	}
	if len(e.Candidates) > 0 {
		b.WriteString(": candidates are [" + strings.Join(e.Candidates, ", ") + "]")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the ErrorKind sentinels
func (e *Error) Is(target error) bool {
	kind, ok := target.(ErrorKind)
	return ok && kind == e.Kind
}

// KindOf returns the kind of a metrics layer error, or "" for foreign errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var kind ErrorKind
	if errors.As(err, &kind) {
		return kind
	}
	return ""
}

// withContext fills in the call context of err without overwriting what is already set
func withContext(err error, cluster string, rt ResourceType, workload WorkloadDescriptor) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	out := *e
	if out.Cluster == "" {
		out.Cluster = cluster
	}
	if out.ResourceType == "" {
		out.ResourceType = rt
	}
	if out.Workload == "" {
		out.Workload = workload.String()
	}
	return &out
}
