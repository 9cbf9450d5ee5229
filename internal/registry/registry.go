// Package registry manages named models and their versioned lifecycle.
//
// A model is a registered name; each of its versions is an immutable build,
// usually traced back to the run that produced it, promoted through stages
// up to production. At most one version of a model holds production at any
// instant: promotion demotes the previous holder in the same atomic write.
//
// Registered names are never freed and version numbers are never reused,
// so references held by deployment tooling stay valid forever.
package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/mlstack/rundb/internal/audit"
	"github.com/mlstack/rundb/internal/jsonldb"
	"github.com/mlstack/rundb/internal/seq"
	"github.com/mlstack/rundb/internal/store"
)

// Layout inside the store's db directory.
const (
	modelsFileName   = "models.jsonl"
	versionsFileName = "model_versions.jsonl"
)

// Journal paths are relative to the store's data directory.
const (
	modelsJournalPath   = "db/" + modelsFileName
	versionsJournalPath = "db/" + versionsFileName
)

// Sequence namespaces. Version numbers come from a per-model namespace so
// each model counts from 1; row ids come from shared namespaces.
const (
	nsModels   = "models"
	nsVersions = "model_versions"
)

func versionNamespace(model string) string {
	return "model/" + model
}

// Registry is the model registry over a metadata store. All methods are safe
// for concurrent use; operations on distinct models never contend.
type Registry struct {
	store    *store.Store
	seq      *seq.Sequencer
	journal  *audit.Journal
	models   *jsonldb.Table[*Model]
	versions *jsonldb.Table[*Version]
	byName   *jsonldb.UniqueIndex[string, *Model]
	byModel  *jsonldb.Index[string, *Version]

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open loads the registry tables from the store's db directory, creating
// them on first use.
func Open(st *store.Store) (*Registry, error) {
	models, err := jsonldb.NewTable[*Model](filepath.Join(st.DBDir(), modelsFileName))
	if err != nil {
		return nil, store.StorageFailure("failed to open model table", err)
	}
	versions, err := jsonldb.NewTable[*Version](filepath.Join(st.DBDir(), versionsFileName))
	if err != nil {
		return nil, store.StorageFailure("failed to open model version table", err)
	}
	return &Registry{
		store:    st,
		seq:      st.Sequencer(),
		journal:  st.Journal(),
		models:   models,
		versions: versions,
		byName:   jsonldb.NewUniqueIndex(models, func(m *Model) string { return m.Name }),
		byModel:  jsonldb.NewIndex(versions, func(v *Version) string { return v.Model }),
		locks:    map[string]*sync.Mutex{},
	}, nil
}

// modelLock returns the mutex serializing writes for one model name.
// Locks are created on demand and never reclaimed; model names are not
// freed either.
func (r *Registry) modelLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

// recordAudit commits paths to the audit journal. Journal failures are
// logged, never surfaced: the registry write they describe already
// succeeded.
func recordAudit(ctx context.Context, j *audit.Journal, message string, paths ...string) {
	if err := j.Record(ctx, message, paths...); err != nil {
		slog.WarnContext(ctx, "Audit commit failed", "message", message, "err", err)
	}
}
