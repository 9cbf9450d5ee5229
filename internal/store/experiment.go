// Manages experiment records and their lifecycle.

package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/mlstack/rundb/internal/audit"
	"github.com/mlstack/rundb/internal/jsonldb"
	"github.com/mlstack/rundb/internal/seq"
)

// LifecycleStage labels an experiment as active or archived.
type LifecycleStage string

const (
	// LifecycleActive marks an experiment accepting new runs.
	LifecycleActive LifecycleStage = "active"
	// LifecycleArchived marks a retired experiment. Its runs stay readable
	// and its name is released for reuse.
	LifecycleArchived LifecycleStage = "archived"
)

// Experiment groups related runs under a name that is unique among active
// experiments.
type Experiment struct {
	ID          jsonldb.ID     `json:"id" jsonschema:"description=Unique experiment identifier"`
	Name        string         `json:"name" jsonschema:"description=Experiment name, unique among active experiments"`
	Description string         `json:"description,omitempty" jsonschema:"description=Free-form description"`
	Lifecycle   LifecycleStage `json:"lifecycle" jsonschema:"description=Lifecycle stage, active or archived"`
	Created     Time           `json:"created" jsonschema:"description=Creation timestamp in unix milliseconds"`
}

// Clone returns a deep copy of the Experiment.
func (e *Experiment) Clone() *Experiment {
	c := *e
	return &c
}

// GetID returns the Experiment's ID.
func (e *Experiment) GetID() jsonldb.ID {
	return e.ID
}

// Validate checks that the Experiment is valid.
func (e *Experiment) Validate() error {
	if e.ID.IsZero() {
		return errIDRequired
	}
	if e.Name == "" {
		return errNameRequired
	}
	if e.Lifecycle != LifecycleActive && e.Lifecycle != LifecycleArchived {
		return errBadLifecycle
	}
	return nil
}

// ExperimentService manages the experiment table and its name lookups.
type ExperimentService struct {
	table   *jsonldb.Table[*Experiment]
	byName  *jsonldb.Index[string, *Experiment]
	seq     *seq.Sequencer
	quotas  Quotas
	journal *audit.Journal

	// mu makes the active-name uniqueness check and the subsequent append
	// one atomic step.
	mu sync.Mutex
}

func newExperimentService(dbDir string, sq *seq.Sequencer, quotas Quotas, journal *audit.Journal) (*ExperimentService, error) {
	table, err := jsonldb.NewTable[*Experiment](filepath.Join(dbDir, experimentsFileName))
	if err != nil {
		return nil, StorageFailure("failed to open experiment table", err)
	}
	return &ExperimentService{
		table:   table,
		byName:  jsonldb.NewIndex(table, func(e *Experiment) string { return e.Name }),
		seq:     sq,
		quotas:  quotas,
		journal: journal,
	}, nil
}

// Create creates a new active experiment. Fails with DuplicateName when an
// active experiment already holds the name; archived holders don't count.
func (s *ExperimentService) Create(ctx context.Context, name, description string) (*Experiment, error) {
	if name == "" {
		return nil, InvalidArgument("experiment name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.activeByName(name); e != nil {
		return nil, DuplicateName("experiment", name)
	}
	if limit := s.quotas.MaxExperiments; limit > 0 && s.table.Len() >= limit {
		return nil, QuotaExceeded("experiments", int64(limit))
	}
	id, err := s.seq.Next(nsExperiments)
	if err != nil {
		return nil, StorageFailure("failed to allocate experiment id", err)
	}
	exp := &Experiment{
		ID:          jsonldb.ID(id),
		Name:        name,
		Description: description,
		Lifecycle:   LifecycleActive,
		Created:     Now(),
	}
	if err := s.table.Append(exp); err != nil {
		return nil, StorageFailure("failed to write experiment", err)
	}
	recordAudit(ctx, s.journal, "create experiment "+name, experimentsJournalPath)
	return exp, nil
}

// Get retrieves an experiment by ID.
func (s *ExperimentService) Get(id jsonldb.ID) (*Experiment, error) {
	exp := s.table.Get(id)
	if exp == nil {
		return nil, NotFound("experiment")
	}
	return exp, nil
}

// GetByName retrieves the active experiment holding the name.
func (s *ExperimentService) GetByName(name string) (*Experiment, error) {
	if exp := s.activeByName(name); exp != nil {
		return exp, nil
	}
	return nil, NotFound("experiment")
}

// List returns experiments ordered by ID, skipping archived ones unless
// includeArchived is set.
func (s *ExperimentService) List(includeArchived bool) []*Experiment {
	var exps []*Experiment
	for exp := range s.table.Iter(0) {
		if includeArchived || exp.Lifecycle == LifecycleActive {
			exps = append(exps, exp)
		}
	}
	return exps
}

// Archive retires an experiment, releasing its name for reuse by a future
// experiment. Archiving an archived experiment is a no-op.
func (s *ExperimentService) Archive(ctx context.Context, id jsonldb.ID) (*Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp := s.table.Get(id)
	if exp == nil {
		return nil, NotFound("experiment")
	}
	if exp.Lifecycle == LifecycleArchived {
		return exp, nil
	}
	exp, err := s.table.Modify(id, func(e *Experiment) error {
		e.Lifecycle = LifecycleArchived
		return nil
	})
	if err != nil {
		return nil, StorageFailure("failed to archive experiment", err)
	}
	recordAudit(ctx, s.journal, "archive experiment "+exp.Name, experimentsJournalPath)
	return exp, nil
}

// Restore reactivates an archived experiment. Fails with DuplicateName when
// another active experiment took the name in the meantime.
func (s *ExperimentService) Restore(ctx context.Context, id jsonldb.ID) (*Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp := s.table.Get(id)
	if exp == nil {
		return nil, NotFound("experiment")
	}
	if exp.Lifecycle == LifecycleActive {
		return exp, nil
	}
	if holder := s.activeByName(exp.Name); holder != nil {
		return nil, DuplicateName("experiment", exp.Name)
	}
	exp, err := s.table.Modify(id, func(e *Experiment) error {
		e.Lifecycle = LifecycleActive
		return nil
	})
	if err != nil {
		return nil, StorageFailure("failed to restore experiment", err)
	}
	recordAudit(ctx, s.journal, "restore experiment "+exp.Name, experimentsJournalPath)
	return exp, nil
}

// Count returns the total number of experiments, archived included.
func (s *ExperimentService) Count() int {
	return s.table.Len()
}

// activeByName returns the active experiment holding name, or nil. Multiple
// archived experiments may share a name; at most one active one can.
func (s *ExperimentService) activeByName(name string) *Experiment {
	for exp := range s.byName.Iter(name) {
		if exp.Lifecycle == LifecycleActive {
			return exp
		}
	}
	return nil
}

//

var (
	errIDRequired   = errors.New("id is required")
	errNameRequired = errors.New("name is required")
	errBadLifecycle = errors.New("lifecycle must be active or archived")
)
