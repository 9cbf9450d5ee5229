// Read-side aggregation of a whole store into one exportable report.

package tracking

import (
	"context"

	"github.com/mlstack/rundb/internal/registry"
	"github.com/mlstack/rundb/internal/store"
)

// Summary is a point-in-time rollup of every experiment and registered
// model in the store. It is what the summary command prints as JSON.
type Summary struct {
	Generated   store.Time          `json:"generated"`
	Experiments []ExperimentSummary `json:"experiments"`
	Models      []ModelSummary      `json:"models,omitempty"`
}

// ExperimentSummary aggregates one experiment's runs.
type ExperimentSummary struct {
	Name      string                   `json:"name"`
	Lifecycle store.LifecycleStage     `json:"lifecycle"`
	Runs      int                      `json:"runs"`
	ByStatus  map[store.RunStatus]int  `json:"by_status,omitempty"`
	Metrics   map[string]MetricSummary `json:"metrics,omitempty"`
}

// MetricSummary folds the per-run closing values of one metric name across
// an experiment. Latest comes from the newest run carrying the name; Min
// and Max span all of them. Which extreme is "best" depends on the metric,
// so both are reported.
type MetricSummary struct {
	Latest float64 `json:"latest"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// ModelSummary aggregates one registered model's versions.
type ModelSummary struct {
	Name       string `json:"name"`
	Versions   int    `json:"versions"`
	Latest     uint64 `json:"latest,omitzero"`
	Production uint64 `json:"production,omitzero"`
}

// Summary rolls up the client's store and registry. Archived experiments
// are included; their lifecycle field tells them apart.
func (c *Client) Summary(ctx context.Context) (*Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Summary{Generated: store.Now()}
	for _, exp := range c.store.Experiments.List(true) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		es, err := c.summarizeExperiment(exp)
		if err != nil {
			return nil, err
		}
		s.Experiments = append(s.Experiments, *es)
	}
	for _, m := range c.registry.ListModels() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ms, err := c.summarizeModel(m)
		if err != nil {
			return nil, err
		}
		s.Models = append(s.Models, *ms)
	}
	return s, nil
}

func (c *Client) summarizeExperiment(exp *store.Experiment) (*ExperimentSummary, error) {
	es := &ExperimentSummary{Name: exp.Name, Lifecycle: exp.Lifecycle}
	runs, err := c.store.Runs.List(exp.ID, nil)
	if err != nil {
		return nil, err
	}
	es.Runs = len(runs)
	for _, run := range runs {
		if es.ByStatus == nil {
			es.ByStatus = make(map[store.RunStatus]int)
		}
		es.ByStatus[run.Status]++
		latest, err := c.store.Runs.LatestMetrics(run.ID)
		if err != nil {
			return nil, err
		}
		// Runs come back in creation order, so overwriting Latest
		// leaves the newest run's closing value.
		for name, point := range latest {
			if es.Metrics == nil {
				es.Metrics = make(map[string]MetricSummary)
			}
			ms, seen := es.Metrics[name]
			if !seen {
				es.Metrics[name] = MetricSummary{Latest: point.Value, Min: point.Value, Max: point.Value}
				continue
			}
			ms.Latest = point.Value
			ms.Min = min(ms.Min, point.Value)
			ms.Max = max(ms.Max, point.Value)
			es.Metrics[name] = ms
		}
	}
	return es, nil
}

func (c *Client) summarizeModel(m *registry.Model) (*ModelSummary, error) {
	ms := &ModelSummary{Name: m.Name}
	versions, err := c.registry.ListVersions(m.Name)
	if err != nil {
		return nil, err
	}
	ms.Versions = len(versions)
	if latest, err := c.registry.LatestVersion(m.Name, ""); err == nil {
		ms.Latest = latest.Number
	} else if !store.IsNotFound(err) {
		return nil, err
	}
	if prod, err := c.registry.LatestVersion(m.Name, registry.StageProduction); err == nil {
		ms.Production = prod.Number
	} else if !store.IsNotFound(err) {
		return nil, err
	}
	return ms, nil
}
