// Public façade re-exporting the store, registry, and tracking client.

// Package rundb is a file-backed store for machine-learning experiment
// metadata: experiments, runs with params/metrics/artifacts, and a model
// registry with staged versions. Everything lives under one data directory
// as JSONL tables, per-run record files, and content-addressed blobs; no
// external database engine is involved.
//
// Open wires the full stack over a data directory. Training code talks to
// the Client; maintenance goes through the Store and Registry handles or
// the rundb command.
package rundb

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mlstack/rundb/internal/jsonldb"
	"github.com/mlstack/rundb/internal/metrics"
	"github.com/mlstack/rundb/internal/registry"
	"github.com/mlstack/rundb/internal/store"
	"github.com/mlstack/rundb/internal/tracking"
)

// ID identifies a record; BlobRef addresses artifact content.
type (
	ID      = jsonldb.ID
	BlobRef = jsonldb.BlobRef
)

// Store-side records and handles.
type (
	Store              = store.Store
	Config             = store.Config
	Experiment         = store.Experiment
	LifecycleStage     = store.LifecycleStage
	Run                = store.Run
	RunStatus          = store.RunStatus
	CreateRunOptions   = store.CreateRunOptions
	MetricPoint        = store.MetricPoint
	Artifact           = store.Artifact
	PutArtifactOptions = store.PutArtifactOptions
	RunQuery           = store.RunQuery
	ParamFilter        = store.ParamFilter
	MetricFilter       = store.MetricFilter
	FilterOp           = store.FilterOp
	RunOrder           = store.RunOrder
	GCResult           = store.GCResult
	VerifyResult       = store.VerifyResult
	Error              = store.Error
	ErrorCode          = store.ErrorCode
	Time               = store.Time
)

// Registry-side records and handles.
type (
	Registry = registry.Registry
	Model    = registry.Model
	Version  = registry.Version
	Stage    = registry.Stage
)

// Tracking client surface.
type (
	Client            = tracking.Client
	ActiveRun         = tracking.ActiveRun
	ClientOption      = tracking.ClientOption
	RunOption         = tracking.RunOption
	Summary           = tracking.Summary
	ExperimentSummary = tracking.ExperimentSummary
	ModelSummary      = tracking.ModelSummary
	MetricSummary     = tracking.MetricSummary
	Collector         = metrics.Collector
)

// Experiment lifecycle stages.
const (
	LifecycleActive   = store.LifecycleActive
	LifecycleArchived = store.LifecycleArchived
)

// Run statuses.
const (
	RunRunning  = store.RunRunning
	RunFinished = store.RunFinished
	RunFailed   = store.RunFailed
	RunKilled   = store.RunKilled
)

// Filter operators for run queries.
const (
	FilterEq = store.FilterEq
	FilterNe = store.FilterNe
	FilterGt = store.FilterGt
	FilterLt = store.FilterLt
	FilterGe = store.FilterGe
	FilterLe = store.FilterLe
)

// Model version stages.
const (
	StageNone       = registry.StageNone
	StageStaging    = registry.StageStaging
	StageProduction = registry.StageProduction
	StageArchived   = registry.StageArchived
)

// DB bundles the handles opened over one data directory.
type DB struct {
	Store    *Store
	Registry *Registry
	Client   *Client
}

// Open opens or creates the store rooted at dataDir and wires the registry
// and a tracking client over it.
func Open(dataDir string, opts ...ClientOption) (*DB, error) {
	st, err := store.Open(dataDir)
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(st)
	if err != nil {
		return nil, err
	}
	return &DB{Store: st, Registry: reg, Client: tracking.NewClient(st, reg, opts...)}, nil
}

// Close releases the client's background resources. The data directory
// needs no explicit close.
func (db *DB) Close() {
	db.Client.Close()
}

// WithSource sets a run's origin label at StartRun time.
func WithSource(source string) RunOption { return tracking.WithSource(source) }

// WithTags seeds a run's tags at StartRun time.
func WithTags(tags map[string]string) RunOption { return tracking.WithTags(tags) }

// WithBufferedMetrics enables the asynchronous metric pipeline.
func WithBufferedMetrics(n int) RunOption { return tracking.WithBufferedMetrics(n) }

// NewCollector registers rundb's Prometheus collectors with reg; nil uses
// the default registerer.
func NewCollector(reg prometheus.Registerer) *Collector { return metrics.NewCollector(reg) }

// WithCollector instruments a client's store calls.
func WithCollector(col *Collector) ClientOption { return tracking.WithCollector(col) }

// CodeOf returns the store error code carried by err, or "" for foreign
// errors.
func CodeOf(err error) ErrorCode { return store.CodeOf(err) }

// IsNotFound reports whether err is a missing-record failure.
func IsNotFound(err error) bool { return store.IsNotFound(err) }

// IsDuplicateName reports whether err is an active-name collision.
func IsDuplicateName(err error) bool { return store.IsDuplicateName(err) }

// IsConflict reports whether err is a write-once param conflict.
func IsConflict(err error) bool { return store.IsConflict(err) }

// IsInvalidState reports whether err is a lifecycle violation, such as a
// write to a terminal run.
func IsInvalidState(err error) bool { return store.IsInvalidState(err) }

// IsInvalidTransition reports whether err is a rejected stage transition.
func IsInvalidTransition(err error) bool { return store.IsInvalidTransition(err) }

// IsInvalidArgument reports whether err is a validation rejection.
func IsInvalidArgument(err error) bool { return store.IsInvalidArgument(err) }

// IsQuotaExceeded reports whether err is a quota rejection.
func IsQuotaExceeded(err error) bool { return store.IsQuotaExceeded(err) }

// IsStorageFailure reports whether err is a failed durable write.
func IsStorageFailure(err error) bool { return store.IsStorageFailure(err) }
