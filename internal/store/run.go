// Manages run records, their params, tags, and metric series.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/mlstack/rundb/internal/audit"
	"github.com/mlstack/rundb/internal/jsonldb"
	"github.com/mlstack/rundb/internal/seq"
)

// RunStatus is a run's lifecycle state.
type RunStatus string

const (
	// RunRunning accepts params, tags, metrics, and artifacts.
	RunRunning RunStatus = "running"
	// RunFinished is the terminal state of a successful run.
	RunFinished RunStatus = "finished"
	// RunFailed is the terminal state of an unsuccessful run.
	RunFailed RunStatus = "failed"
	// RunKilled is the terminal state of a run stopped by its owner.
	RunKilled RunStatus = "killed"
)

// Terminal reports whether the status is final. Terminal runs are immutable.
func (s RunStatus) Terminal() bool {
	return s == RunFinished || s == RunFailed || s == RunKilled
}

func (s RunStatus) valid() bool {
	switch s {
	case RunRunning, RunFinished, RunFailed, RunKilled:
		return true
	}
	return false
}

// Run is one execution of an experiment.
//
// Params are write-once: resubmitting an identical value is a no-op,
// a different value is a Conflict. Tags stay mutable while the run is
// running. A terminal status freezes everything.
//
// Metric series live in the run's append-only metric log, not in run.json;
// GetRun fills Metrics on the snapshot it returns.
type Run struct {
	ID           jsonldb.ID        `json:"id" jsonschema:"description=Unique run identifier"`
	ExperimentID jsonldb.ID        `json:"experiment_id" jsonschema:"description=Owning experiment"`
	Status       RunStatus         `json:"status" jsonschema:"description=Lifecycle status"`
	Source       string            `json:"source,omitempty" jsonschema:"description=Free-form origin label such as a script name"`
	Started      Time              `json:"started" jsonschema:"description=Start timestamp in unix milliseconds"`
	Ended        Time              `json:"ended,omitzero" jsonschema:"description=End timestamp, set on the transition to a terminal status"`
	Params       map[string]string `json:"params,omitempty" jsonschema:"description=Write-once key/value parameters"`
	Tags         map[string]string `json:"tags,omitempty" jsonschema:"description=Mutable key/value labels"`

	// Metrics holds the full series per name in append order.
	// Populated on GetRun snapshots only, never stored in run.json.
	Metrics map[string][]MetricPoint `json:"-"`
}

// Clone returns a deep copy of the Run.
func (r *Run) Clone() *Run {
	c := *r
	c.Params = maps.Clone(r.Params)
	c.Tags = maps.Clone(r.Tags)
	if r.Metrics != nil {
		c.Metrics = make(map[string][]MetricPoint, len(r.Metrics))
		for name, series := range r.Metrics {
			c.Metrics[name] = slices.Clone(series)
		}
	}
	return &c
}

// Validate checks that the Run is valid.
func (r *Run) Validate() error {
	if r.ID.IsZero() {
		return errIDRequired
	}
	if r.ExperimentID.IsZero() {
		return errExperimentIDRequired
	}
	if !r.Status.valid() {
		return errBadRunStatus
	}
	return nil
}

// CreateRunOptions carries optional initial metadata for a new run.
type CreateRunOptions struct {
	// Source is a free-form origin label, such as the training script name.
	Source string
	// Tags seed the run's tags, typically with client identity.
	Tags map[string]string
}

// RunService manages per-run record files under the runs directory.
//
// Each run is an independently locked unit: writes to one run serialize,
// writes to different runs proceed concurrently.
type RunService struct {
	runsDir     string
	experiments *ExperimentService
	seq         *seq.Sequencer
	quotas      Quotas
	journal     *audit.Journal

	mu           sync.RWMutex
	runs         map[jsonldb.ID]*runState
	byExperiment map[jsonldb.ID][]jsonldb.ID
}

func newRunService(runsDir string, experiments *ExperimentService, sq *seq.Sequencer, quotas Quotas, journal *audit.Journal) (*RunService, error) {
	if err := os.MkdirAll(runsDir, 0o750); err != nil {
		return nil, StorageFailure("failed to create runs directory", err)
	}
	s := &RunService{
		runsDir:      runsDir,
		experiments:  experiments,
		seq:          sq,
		quotas:       quotas,
		journal:      journal,
		runs:         make(map[jsonldb.ID]*runState),
		byExperiment: make(map[jsonldb.ID][]jsonldb.ID),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load rebuilds the in-memory run cache by walking the runs directory.
// Entries that don't look like run directories are logged and skipped so one
// damaged directory doesn't take the whole store down.
func (s *RunService) load() error {
	entries, err := os.ReadDir(s.runsDir)
	if err != nil {
		return StorageFailure("failed to read runs directory", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() {
			slog.Warn("Skipping stray file in runs directory", "name", name)
			continue
		}
		id, err := jsonldb.ParseID(name)
		if err != nil || name != id.String() {
			slog.Warn("Skipping run directory with invalid name", "name", name)
			continue
		}
		dir := filepath.Join(s.runsDir, name)
		s.cleanTmpFiles(dir)
		data, err := os.ReadFile(filepath.Join(dir, runFileName))
		if err != nil {
			slog.Warn("Skipping run directory without readable record", "id", id, "err", err)
			continue
		}
		run := &Run{}
		if err := json.Unmarshal(data, run); err != nil {
			slog.Warn("Skipping run with corrupt record", "id", id, "err", err)
			continue
		}
		if err := run.Validate(); err != nil || run.ID != id {
			slog.Warn("Skipping run with inconsistent record", "id", id, "err", err)
			continue
		}
		s.runs[id] = &runState{
			run:         run,
			dir:         dir,
			metrics:     metricLog{path: filepath.Join(dir, metricsFileName)},
			metricCount: -1,
		}
		s.byExperiment[run.ExperimentID] = append(s.byExperiment[run.ExperimentID], id)
	}
	// Directory names are zero-padded hex, so the walk already visited runs
	// in id order; keep the per-experiment lists that way explicitly.
	for _, ids := range s.byExperiment {
		slices.Sort(ids)
	}
	return nil
}

// cleanTmpFiles removes atomic-rewrite leftovers from a crashed process.
func (s *RunService) cleanTmpFiles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".tmp") {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				slog.Warn("Failed to remove stale temp file", "dir", dir, "name", entry.Name(), "err", err)
			}
		}
	}
}

// Create creates a new running run under the experiment. Fails with NotFound
// when the experiment is missing and InvalidState when it is archived.
func (s *RunService) Create(ctx context.Context, experimentID jsonldb.ID, opts *CreateRunOptions) (*Run, error) {
	exp, err := s.experiments.Get(experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Lifecycle == LifecycleArchived {
		return nil, InvalidState(fmt.Sprintf("experiment %q is archived", exp.Name))
	}
	if limit := s.quotas.MaxRunsPerExperiment; limit > 0 && s.Count(experimentID) >= limit {
		return nil, QuotaExceeded("runs per experiment", int64(limit))
	}

	run := &Run{
		ExperimentID: experimentID,
		Status:       RunRunning,
		Started:      Now(),
	}
	if opts != nil {
		run.Source = opts.Source
		run.Tags = maps.Clone(opts.Tags)
	}
	if limit := s.quotas.MaxTagsPerRun; limit > 0 && len(run.Tags) > limit {
		return nil, QuotaExceeded("tags per run", int64(limit))
	}

	id, err := s.seq.Next(nsRuns)
	if err != nil {
		return nil, StorageFailure("failed to allocate run id", err)
	}
	run.ID = jsonldb.ID(id)

	dir := filepath.Join(s.runsDir, run.ID.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, StorageFailure("failed to create run directory", err)
	}
	st := &runState{
		run:     run,
		dir:     dir,
		metrics: metricLog{path: filepath.Join(dir, metricsFileName)},
	}
	if err := st.save(run); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.runs[run.ID] = st
	s.byExperiment[experimentID] = append(s.byExperiment[experimentID], run.ID)
	s.mu.Unlock()
	return run.Clone(), nil
}

// Get returns a full snapshot of the run: record, params, tags, and every
// metric series in append order.
func (s *RunService) Get(id jsonldb.ID) (*Run, error) {
	st := s.state(id)
	if st == nil {
		return nil, NotFound("run")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := st.run.Clone()
	points, err := st.metrics.readAll()
	if err != nil {
		return nil, StorageFailure("failed to read metric log", err)
	}
	snap.Metrics = seriesByName(points)
	return snap, nil
}

// LogParams records params on a running run. Params are write-once: a key
// resubmitted with its current value is ignored, a key resubmitted with a
// different value fails with Conflict and nothing in the batch is applied.
func (s *RunService) LogParams(_ context.Context, id jsonldb.ID, params map[string]string) error {
	if len(params) == 0 {
		return nil
	}
	st := s.state(id)
	if st == nil {
		return NotFound("run")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.run.Status.Terminal() {
		return InvalidState(fmt.Sprintf("run %s is %s", id, st.run.Status))
	}

	// Validate the whole batch before writing anything.
	added := 0
	for k, v := range params {
		if k == "" {
			return InvalidArgument("param key must not be empty")
		}
		old, ok := st.run.Params[k]
		if !ok {
			added++
			continue
		}
		if old != v {
			return Conflict(fmt.Sprintf("param %q already set to a different value", k)).
				WithDetail("key", k)
		}
	}
	if added == 0 {
		// Identical resubmission.
		return nil
	}
	if limit := s.quotas.MaxParamsPerRun; limit > 0 && len(st.run.Params)+added > limit {
		return QuotaExceeded("params per run", int64(limit))
	}

	updated := st.run.Clone()
	if updated.Params == nil {
		updated.Params = make(map[string]string, len(params))
	}
	maps.Copy(updated.Params, params)
	if err := st.save(updated); err != nil {
		return err
	}
	st.run = updated
	return nil
}

// SetTags sets tags on a running run. Unlike params, tags may be overwritten.
func (s *RunService) SetTags(_ context.Context, id jsonldb.ID, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}
	st := s.state(id)
	if st == nil {
		return NotFound("run")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.run.Status.Terminal() {
		return InvalidState(fmt.Sprintf("run %s is %s", id, st.run.Status))
	}
	for k := range tags {
		if k == "" {
			return InvalidArgument("tag key must not be empty")
		}
	}

	updated := st.run.Clone()
	if updated.Tags == nil {
		updated.Tags = make(map[string]string, len(tags))
	}
	maps.Copy(updated.Tags, tags)
	if limit := s.quotas.MaxTagsPerRun; limit > 0 && len(updated.Tags) > limit {
		return QuotaExceeded("tags per run", int64(limit))
	}
	if err := st.save(updated); err != nil {
		return err
	}
	st.run = updated
	return nil
}

// LogMetric appends one point to the run's metric log.
func (s *RunService) LogMetric(ctx context.Context, id jsonldb.ID, point MetricPoint) error {
	return s.LogMetrics(ctx, id, []MetricPoint{point})
}

// LogMetrics appends points to the run's metric log in submission order.
// Zero timestamps are stamped with the current time. Fails with InvalidState
// unless the run is running.
func (s *RunService) LogMetrics(_ context.Context, id jsonldb.ID, points []MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	for i := range points {
		if points[i].Name == "" {
			return InvalidArgument("metric name must not be empty")
		}
	}
	st := s.state(id)
	if st == nil {
		return NotFound("run")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.run.Status != RunRunning {
		return InvalidState(fmt.Sprintf("run %s is %s", id, st.run.Status))
	}
	if err := st.ensureMetricCount(); err != nil {
		return StorageFailure("failed to count metric log", err)
	}
	if limit := s.quotas.MaxMetricPointsPerRun; limit > 0 && st.metricCount+len(points) > limit {
		return QuotaExceeded("metric points per run", int64(limit))
	}

	buf := slices.Clone(points)
	for i := range buf {
		if buf[i].Timestamp.IsZero() {
			buf[i].Timestamp = Now()
		}
	}
	if err := st.metrics.append(buf); err != nil {
		return StorageFailure("failed to append metric points", err)
	}
	st.metricCount += len(buf)
	return nil
}

// SetStatus transitions a running run to a terminal status. Any other
// transition fails with InvalidState. The metric log is made durable before
// the record turns terminal, and the finalized run is journaled.
func (s *RunService) SetStatus(ctx context.Context, id jsonldb.ID, status RunStatus) (*Run, error) {
	if !status.valid() {
		return nil, InvalidArgument(fmt.Sprintf("unknown run status %q", status))
	}
	st := s.state(id)
	if st == nil {
		return nil, NotFound("run")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.run.Status != RunRunning || !status.Terminal() {
		return nil, InvalidState(fmt.Sprintf("cannot transition run %s from %s to %s", id, st.run.Status, status))
	}

	if err := st.metrics.sync(); err != nil {
		return nil, StorageFailure("failed to sync metric log", err)
	}
	updated := st.run.Clone()
	updated.Status = status
	updated.Ended = Now()
	if err := st.save(updated); err != nil {
		return nil, err
	}
	st.run = updated
	recordAudit(ctx, s.journal,
		fmt.Sprintf("finalize run %s as %s", id, status),
		runsDirName+"/"+id.String())
	return updated.Clone(), nil
}

// List returns snapshots of the experiment's runs matching the query,
// ordered per the query (start time ascending when nil). Snapshots carry
// params and tags but not full metric series; use Get for those.
func (s *RunService) List(experimentID jsonldb.ID, q *RunQuery) ([]*Run, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if _, err := s.experiments.Get(experimentID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	ids := slices.Clone(s.byExperiment[experimentID])
	s.mu.RUnlock()

	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		st := s.state(id)
		if st == nil {
			continue
		}
		st.mu.Lock()
		runs = append(runs, st.run.Clone())
		st.mu.Unlock()
	}

	var latest map[jsonldb.ID]map[string]MetricPoint
	if q.needsMetrics() {
		latest = make(map[jsonldb.ID]map[string]MetricPoint, len(runs))
		for _, run := range runs {
			m, err := s.LatestMetrics(run.ID)
			if err != nil {
				return nil, err
			}
			latest[run.ID] = m
		}
	}
	return q.apply(runs, latest), nil
}

// Count returns the number of runs recorded under the experiment.
func (s *RunService) Count(experimentID jsonldb.ID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byExperiment[experimentID])
}

// GetMetricHistory returns the named series in append order.
func (s *RunService) GetMetricHistory(id jsonldb.ID, name string) ([]MetricPoint, error) {
	if name == "" {
		return nil, InvalidArgument("metric name is required")
	}
	st := s.state(id)
	if st == nil {
		return nil, NotFound("run")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	points, err := st.metrics.readAll()
	if err != nil {
		return nil, StorageFailure("failed to read metric log", err)
	}
	series := make([]MetricPoint, 0, len(points))
	for _, p := range points {
		if p.Name == name {
			series = append(series, p)
		}
	}
	return series, nil
}

// LatestMetrics returns the last appended point of each of the run's series.
func (s *RunService) LatestMetrics(id jsonldb.ID) (map[string]MetricPoint, error) {
	st := s.state(id)
	if st == nil {
		return nil, NotFound("run")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	points, err := st.metrics.readAll()
	if err != nil {
		return nil, StorageFailure("failed to read metric log", err)
	}
	return latestByName(points), nil
}

// Exists reports whether the run is known, without touching its files.
func (s *RunService) Exists(id jsonldb.ID) bool {
	return s.state(id) != nil
}

// ids returns every known run ID in ascending order.
func (s *RunService) ids() []jsonldb.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]jsonldb.ID, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *RunService) state(id jsonldb.ID) *runState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[id]
}

// runState is the per-run locking unit: one mutex serializes a run's writes
// while distinct runs proceed concurrently.
type runState struct {
	mu      sync.Mutex
	run     *Run // authoritative copy, Metrics always nil
	dir     string
	metrics metricLog

	// metricCount tracks complete points in the metric log for quota
	// enforcement. -1 until first counted; runs loaded from disk count
	// lazily so opening a store doesn't read every metric log.
	metricCount int
}

// save atomically rewrites the run record: temp file, fsync, rename.
func (st *runState) save(run *Run) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return StorageFailure("failed to marshal run record", err)
	}
	data = append(data, '\n')

	f, err := os.CreateTemp(st.dir, "."+runFileName+"-*.tmp")
	if err != nil {
		return StorageFailure("failed to create run record temp file", err)
	}
	tmpPath := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return StorageFailure("failed to write run record", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return StorageFailure("failed to sync run record", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return StorageFailure("failed to close run record", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(st.dir, runFileName)); err != nil {
		_ = os.Remove(tmpPath)
		return StorageFailure("failed to replace run record", err)
	}
	return nil
}

func (st *runState) ensureMetricCount() error {
	if st.metricCount >= 0 {
		return nil
	}
	n, err := st.metrics.count()
	if err != nil {
		return err
	}
	st.metricCount = n
	return nil
}

//

var (
	errExperimentIDRequired = errors.New("experiment_id is required")
	errBadRunStatus         = errors.New("status must be running, finished, failed, or killed")
)
