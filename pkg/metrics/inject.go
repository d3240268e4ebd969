package metrics

import (
	"fmt"

	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/promql/parser"
)

// injectLabelMatcher adds label="value" to every vector selector of query, including
// bare metric names and both sides of binary operations. The query is returned
// unchanged when no value is set.
// A selector that already matches label on a different value is rejected.
func injectLabelMatcher(query Query, label, value string) (Query, error) {
	if label == "" || value == "" {
		return query, nil
	}

	expr, err := parser.ParseExpr(string(query))
	if err != nil {
		return "", fmt.Errorf("failed to parse query: %w", err)
	}

	matcher, err := labels.NewMatcher(labels.MatchEqual, label, value)
	if err != nil {
		return "", fmt.Errorf("invalid cluster matcher: %w", err)
	}

	err = parser.Walk(labelInjector{matcher: matcher}, expr, nil)
	if err != nil {
		return "", err
	}
	return Query(expr.String()), nil
}

// labelInjector visits every vector selector of an expression
type labelInjector struct {
	matcher *labels.Matcher
}

func (v labelInjector) Visit(node parser.Node, _ []parser.Node) (parser.Visitor, error) {
	selector, ok := node.(*parser.VectorSelector)
	if !ok {
		return v, nil
	}

	matchers := make([]*labels.Matcher, 0, len(selector.LabelMatchers)+1)
	matchers = append(matchers, v.matcher)
	for _, m := range selector.LabelMatchers {
		if m.Name != v.matcher.Name {
			matchers = append(matchers, m)
			continue
		}
		if m.Type != labels.MatchEqual || m.Value != v.matcher.Value {
			return nil, fmt.Errorf("selector %s conflicts with %s", selector, v.matcher)
		}
	}
	selector.LabelMatchers = matchers
	return v, nil
}
