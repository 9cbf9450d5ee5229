// Defines resource quotas applied to experiments and runs.

package store

import "errors"

// Quotas defines store-wide resource limits.
// A zero value means "no limit" for that resource.
type Quotas struct {
	// MaxExperiments limits the number of experiments, archived included.
	MaxExperiments int `json:"max_experiments" jsonschema:"description=Maximum experiments in the store (0=no limit)"`

	// MaxRunsPerExperiment limits runs under a single experiment.
	MaxRunsPerExperiment int `json:"max_runs_per_experiment" jsonschema:"description=Maximum runs per experiment (0=no limit)"`

	// MaxParamsPerRun limits distinct param keys on a run.
	MaxParamsPerRun int `json:"max_params_per_run" jsonschema:"description=Maximum param keys per run (0=no limit)"`

	// MaxTagsPerRun limits distinct tag keys on a run.
	MaxTagsPerRun int `json:"max_tags_per_run" jsonschema:"description=Maximum tag keys per run (0=no limit)"`

	// MaxMetricPointsPerRun limits total metric points across all series of a run.
	MaxMetricPointsPerRun int `json:"max_metric_points_per_run" jsonschema:"description=Maximum metric points per run across all series (0=no limit)"`

	// MaxArtifactsPerRun limits artifact rows per run.
	MaxArtifactsPerRun int `json:"max_artifacts_per_run" jsonschema:"description=Maximum artifacts per run (0=no limit)"`

	// MaxArtifactBytes limits the size of a single artifact blob.
	MaxArtifactBytes int64 `json:"max_artifact_bytes" jsonschema:"description=Maximum single artifact size in bytes (0=no limit)"`
}

// Validate checks that all quota values are non-negative.
func (q *Quotas) Validate() error {
	if q.MaxExperiments < 0 {
		return errors.New("max_experiments must be non-negative")
	}
	if q.MaxRunsPerExperiment < 0 {
		return errors.New("max_runs_per_experiment must be non-negative")
	}
	if q.MaxParamsPerRun < 0 {
		return errors.New("max_params_per_run must be non-negative")
	}
	if q.MaxTagsPerRun < 0 {
		return errors.New("max_tags_per_run must be non-negative")
	}
	if q.MaxMetricPointsPerRun < 0 {
		return errors.New("max_metric_points_per_run must be non-negative")
	}
	if q.MaxArtifactsPerRun < 0 {
		return errors.New("max_artifacts_per_run must be non-negative")
	}
	if q.MaxArtifactBytes < 0 {
		return errors.New("max_artifact_bytes must be non-negative")
	}
	return nil
}

// DefaultQuotas returns the default store quotas.
func DefaultQuotas() Quotas {
	return Quotas{
		MaxExperiments:        1000,
		MaxRunsPerExperiment:  10000,
		MaxParamsPerRun:       1000,
		MaxTagsPerRun:         100,
		MaxMetricPointsPerRun: 1000000,
		MaxArtifactsPerRun:    1000,
		MaxArtifactBytes:      1024 * 1024 * 1024, // 1 GiB
	}
}
