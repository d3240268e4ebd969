package metrics

import (
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/prometheus/model/labels"
)

// BuildFilter creates the label matchers that scope a query to a workload's container,
// e.g. namespace="ns1", pod=~"p1|p2", container="c1"
func BuildFilter(w WorkloadDescriptor) string {
	matchers := []*labels.Matcher{
		labels.MustNewMatcher(labels.MatchEqual, "namespace", w.Namespace),
		// pod names are quoted, the alternation always compiles
		labels.MustNewMatcher(labels.MatchRegexp, "pod", PodAlternation(w.Pods)),
		labels.MustNewMatcher(labels.MatchEqual, "container", w.Container),
	}

	parts := make([]string, 0, len(matchers))
	for _, m := range matchers {
		parts = append(parts, m.String())
	}
	return strings.Join(parts, ", ")
}

// PodAlternation joins pod names into a regex alternation.
// Names are de-duplicated and sorted so equal pod sets give equal patterns.
// An empty set yields an empty pattern.
func PodAlternation(pods []string) string {
	if len(pods) == 0 {
		return ""
	}

	seen := make(map[string]struct{}, len(pods))
	names := make([]string, 0, len(pods))
	for _, pod := range pods {
		if pod == "" {
			continue
		}
		if _, ok := seen[pod]; ok {
			continue
		}
		seen[pod] = struct{}{}
		names = append(names, regexp.QuoteMeta(pod))
	}
	sort.Strings(names)

	return strings.Join(names, "|")
}
