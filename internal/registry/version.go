// Model version records and their stage lifecycle.

package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/mlstack/rundb/internal/jsonldb"
	"github.com/mlstack/rundb/internal/store"
)

// Stage is a version's lifecycle label. Versions only ever move forward in
// the order
//
//	none → staging → production → archived
//
// skipping stages is allowed, going back is not, and archived is final.
type Stage string

const (
	// StageNone is the stage of a freshly created version.
	StageNone Stage = "none"
	// StageStaging marks a version under evaluation.
	StageStaging Stage = "staging"
	// StageProduction marks the live version. At most one version per model
	// holds it at any instant.
	StageProduction Stage = "production"
	// StageArchived marks a retired version. Archived versions never come
	// back; their numbers are not reused.
	StageArchived Stage = "archived"
)

var stageOrder = map[Stage]int{
	StageNone:       0,
	StageStaging:    1,
	StageProduction: 2,
	StageArchived:   3,
}

func (s Stage) valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// canTransition reports whether a version may move from s to t. Both stages
// must be valid.
func (s Stage) canTransition(t Stage) bool {
	return stageOrder[t] > stageOrder[s]
}

// Version is one immutable build of a model. The record's stage and update
// time change over its life; everything else is fixed at creation.
type Version struct {
	ID        jsonldb.ID `json:"id" jsonschema:"description=Unique row identifier"`
	Model     string     `json:"model" jsonschema:"description=Owning model name"`
	Number    uint64     `json:"version" jsonschema:"description=Version number, monotonic per model from 1"`
	SourceRun jsonldb.ID `json:"source_run,omitzero" jsonschema:"description=Run that produced this version, if recorded"`
	Stage     Stage      `json:"stage" jsonschema:"description=Lifecycle stage"`
	Created   store.Time `json:"created" jsonschema:"description=Creation timestamp in unix milliseconds"`
	Updated   store.Time `json:"updated" jsonschema:"description=Last stage change timestamp in unix milliseconds"`
}

// Clone returns a deep copy of the Version.
func (v *Version) Clone() *Version {
	c := *v
	return &c
}

// GetID returns the Version's row ID.
func (v *Version) GetID() jsonldb.ID {
	return v.ID
}

// Validate checks that the Version is valid.
func (v *Version) Validate() error {
	if v.ID.IsZero() {
		return errVersionIDRequired
	}
	if v.Model == "" {
		return errModelNameRequired
	}
	if v.Number == 0 {
		return errVersionNumberRequired
	}
	if !v.Stage.valid() {
		return errBadStage
	}
	return nil
}

// CreateVersion allocates the model's next version number and records the
// new version at stage none. A non-zero sourceRun must name an existing run;
// it links the version to the run that produced it.
func (r *Registry) CreateVersion(ctx context.Context, name string, sourceRun jsonldb.ID) (*Version, error) {
	l := r.modelLock(name)
	l.Lock()
	defer l.Unlock()

	if r.byName.Get(name) == nil {
		return nil, store.NotFound("model")
	}
	if !sourceRun.IsZero() && !r.store.Runs.Exists(sourceRun) {
		return nil, store.NotFound("source run")
	}
	number, err := r.seq.Next(versionNamespace(name))
	if err != nil {
		return nil, store.StorageFailure("failed to allocate version number", err)
	}
	id, err := r.seq.Next(nsVersions)
	if err != nil {
		return nil, store.StorageFailure("failed to allocate version id", err)
	}
	now := store.Now()
	v := &Version{
		ID:        jsonldb.ID(id),
		Model:     name,
		Number:    number,
		SourceRun: sourceRun,
		Stage:     StageNone,
		Created:   now,
		Updated:   now,
	}
	if err := r.versions.Append(v); err != nil {
		return nil, store.StorageFailure("failed to write model version", err)
	}
	recordAudit(ctx, r.journal, fmt.Sprintf("create model version %s/%d", name, number), versionsJournalPath)
	return v.Clone(), nil
}

// GetVersion returns one version of the model.
func (r *Registry) GetVersion(name string, number uint64) (*Version, error) {
	if r.byName.Get(name) == nil {
		return nil, store.NotFound("model")
	}
	if v := r.findVersion(name, number); v != nil {
		return v, nil
	}
	return nil, store.NotFound("model version")
}

// ListVersions returns the model's versions in ascending version order.
func (r *Registry) ListVersions(name string) ([]*Version, error) {
	if r.byName.Get(name) == nil {
		return nil, store.NotFound("model")
	}
	// Scanning a whole-table snapshot instead of the per-model index keeps
	// the listing consistent: the snapshot is taken under one table lock, so
	// a promotion's paired demote and promote can never show up torn.
	var out []*Version
	for v := range r.versions.Iter(0) {
		if v.Model == name {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b *Version) int {
		return cmp.Compare(a.Number, b.Number)
	})
	return out, nil
}

// LatestVersion returns the model's highest version number matching stage,
// or the highest overall when stage is empty. Fails with NotFound when no
// version matches.
func (r *Registry) LatestVersion(name string, stage Stage) (*Version, error) {
	if stage != "" && !stage.valid() {
		return nil, store.InvalidArgument(fmt.Sprintf("unknown stage %q", stage))
	}
	if r.byName.Get(name) == nil {
		return nil, store.NotFound("model")
	}
	var best *Version
	for v := range r.versions.Iter(0) {
		if v.Model != name {
			continue
		}
		if stage != "" && v.Stage != stage {
			continue
		}
		if best == nil || v.Number > best.Number {
			best = v
		}
	}
	if best == nil {
		return nil, store.NotFound("model version")
	}
	return best, nil
}

// TransitionStage moves a version to a new stage. Promotion to production
// demotes the current production holder to archived in the same atomic
// table write, so no reader ever observes two production versions.
// Transitioning a version to the stage it already holds is a no-op.
func (r *Registry) TransitionStage(ctx context.Context, name string, number uint64, target Stage) (*Version, error) {
	if !target.valid() {
		return nil, store.InvalidArgument(fmt.Sprintf("unknown stage %q", target))
	}
	l := r.modelLock(name)
	l.Lock()
	defer l.Unlock()

	if r.byName.Get(name) == nil {
		return nil, store.NotFound("model")
	}
	v := r.findVersion(name, number)
	if v == nil {
		return nil, store.NotFound("model version")
	}
	if v.Stage == target {
		return v, nil
	}
	if !v.Stage.canTransition(target) {
		return nil, store.InvalidTransition(string(v.Stage), string(target))
	}

	now := store.Now()
	var updated *Version
	if target == StageProduction {
		if holder := r.productionHolder(name); holder != nil {
			// Rows follow ids: the demoted holder first, then the promoted
			// version.
			rows, err := r.versions.ModifyMany([]jsonldb.ID{holder.ID, v.ID}, func(rows []*Version) error {
				rows[0].Stage = StageArchived
				rows[0].Updated = now
				rows[1].Stage = StageProduction
				rows[1].Updated = now
				return nil
			})
			if err != nil {
				return nil, store.StorageFailure("failed to promote model version", err)
			}
			updated = rows[1]
		}
	}
	if updated == nil {
		var err error
		updated, err = r.versions.Modify(v.ID, func(row *Version) error {
			row.Stage = target
			row.Updated = now
			return nil
		})
		if err != nil {
			return nil, store.StorageFailure("failed to transition model version", err)
		}
	}
	recordAudit(ctx, r.journal, fmt.Sprintf("transition model %s/%d to %s", name, number, target), versionsJournalPath)
	return updated, nil
}

// findVersion returns the version row, or nil. Callers must hold the model
// lock when the result guides a write.
func (r *Registry) findVersion(name string, number uint64) *Version {
	for v := range r.byModel.Iter(name) {
		if v.Number == number {
			return v
		}
	}
	return nil
}

// productionHolder returns the model's current production version, or nil.
// Callers must hold the model lock.
func (r *Registry) productionHolder(name string) *Version {
	for v := range r.byModel.Iter(name) {
		if v.Stage == StageProduction {
			return v
		}
	}
	return nil
}

//

var (
	errVersionIDRequired     = errors.New("version id is required")
	errVersionNumberRequired = errors.New("version number is required")
	errBadStage              = errors.New("unknown stage")
)
