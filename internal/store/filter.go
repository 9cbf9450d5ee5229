// Typed run filtering and ordering for run listings.

package store

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/mlstack/rundb/internal/jsonldb"
)

// FilterOp is a comparison operator for run filters.
type FilterOp string

const (
	FilterEq FilterOp = "eq"
	FilterNe FilterOp = "ne"
	FilterGt FilterOp = "gt"
	FilterLt FilterOp = "lt"
	FilterGe FilterOp = "ge"
	FilterLe FilterOp = "le"
)

func (op FilterOp) valid() bool {
	switch op {
	case FilterEq, FilterNe, FilterGt, FilterLt, FilterGe, FilterLe:
		return true
	}
	return false
}

// matches interprets a three-way comparison result under the operator.
func (op FilterOp) matches(c int) bool {
	switch op {
	case FilterEq:
		return c == 0
	case FilterNe:
		return c != 0
	case FilterGt:
		return c > 0
	case FilterLt:
		return c < 0
	case FilterGe:
		return c >= 0
	case FilterLe:
		return c <= 0
	}
	return false
}

// ParamFilter matches runs on a param value. Comparison is lexicographic.
// A run without the key never matches, whatever the operator.
type ParamFilter struct {
	Key   string
	Op    FilterOp
	Value string
}

func (f *ParamFilter) match(run *Run) bool {
	v, ok := run.Params[f.Key]
	if !ok {
		return false
	}
	return f.Op.matches(cmp.Compare(v, f.Value))
}

// MetricFilter matches runs on the latest value of a metric series.
// A run that never logged the metric never matches.
type MetricFilter struct {
	Name  string
	Op    FilterOp
	Value float64
}

func (f *MetricFilter) match(latest map[string]MetricPoint) bool {
	p, ok := latest[f.Name]
	if !ok {
		return false
	}
	return f.Op.matches(cmp.Compare(p.Value, f.Value))
}

// RunOrder picks the sort key for a run listing. The zero value orders by
// start time ascending. Metric names a series whose latest value becomes
// the key; a run without the series compares smaller than any run that has it.
type RunOrder struct {
	Metric string
	Desc   bool
}

// RunQuery filters, orders, and truncates a run listing. All filters must
// match for a run to be included. A nil query returns every run ordered by
// start time.
type RunQuery struct {
	Params  []ParamFilter
	Metrics []MetricFilter
	Order   RunOrder
	Limit   int
}

func (q *RunQuery) validate() error {
	if q == nil {
		return nil
	}
	for _, f := range q.Params {
		if f.Key == "" {
			return InvalidArgument("param filter key must not be empty")
		}
		if !f.Op.valid() {
			return InvalidArgument(fmt.Sprintf("unknown filter op %q", f.Op))
		}
	}
	for _, f := range q.Metrics {
		if f.Name == "" {
			return InvalidArgument("metric filter name must not be empty")
		}
		if !f.Op.valid() {
			return InvalidArgument(fmt.Sprintf("unknown filter op %q", f.Op))
		}
	}
	if q.Limit < 0 {
		return InvalidArgument("limit must not be negative")
	}
	return nil
}

// needsMetrics reports whether evaluating the query requires each run's
// latest metric values.
func (q *RunQuery) needsMetrics() bool {
	return q != nil && (len(q.Metrics) > 0 || q.Order.Metric != "")
}

func (q *RunQuery) match(run *Run, latest map[string]MetricPoint) bool {
	for i := range q.Params {
		if !q.Params[i].match(run) {
			return false
		}
	}
	for i := range q.Metrics {
		if !q.Metrics[i].match(latest) {
			return false
		}
	}
	return true
}

// apply filters and orders runs in place. The input must already be in ID
// order; the stable sort then breaks ties by creation order.
func (q *RunQuery) apply(runs []*Run, latest map[jsonldb.ID]map[string]MetricPoint) []*Run {
	if q == nil {
		slices.SortStableFunc(runs, func(a, b *Run) int {
			return cmp.Compare(a.Started, b.Started)
		})
		return runs
	}

	filtered := runs[:0]
	for _, run := range runs {
		if q.match(run, latest[run.ID]) {
			filtered = append(filtered, run)
		}
	}

	dir := 1
	if q.Order.Desc {
		dir = -1
	}
	if name := q.Order.Metric; name != "" {
		slices.SortStableFunc(filtered, func(a, b *Run) int {
			return dir * compareLatest(latest[a.ID], latest[b.ID], name)
		})
	} else {
		slices.SortStableFunc(filtered, func(a, b *Run) int {
			return dir * cmp.Compare(a.Started, b.Started)
		})
	}

	if q.Limit > 0 && len(filtered) > q.Limit {
		filtered = filtered[:q.Limit]
	}
	return filtered
}

func compareLatest(a, b map[string]MetricPoint, name string) int {
	pa, okA := a[name]
	pb, okB := b[name]
	switch {
	case !okA && !okB:
		return 0
	case !okA:
		return -1
	case !okB:
		return 1
	}
	return cmp.Compare(pa.Value, pb.Value)
}
