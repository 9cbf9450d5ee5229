// Parses seed manifest YAML files for store bootstrap.

// Package manifest seeds a store from a declarative YAML file. A manifest
// names the experiments and registered models a deployment expects to exist;
// applying it creates the missing ones and leaves the rest untouched, so
// re-applying the same file is always safe.
package manifest

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mlstack/rundb/internal/registry"
	"github.com/mlstack/rundb/internal/store"
)

// Manifest is the root of a seed manifest file.
type Manifest struct {
	Version     int              `yaml:"version"`
	Experiments []ExperimentSeed `yaml:"experiments,omitempty"`
	Models      []ModelSeed      `yaml:"models,omitempty"`
}

// ExperimentSeed declares one experiment.
type ExperimentSeed struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	// Archived seeds the experiment directly into the archived stage,
	// reserving its history without holding its name.
	Archived bool `yaml:"archived,omitempty"`
}

// ModelSeed declares one registered model.
type ModelSeed struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	// Stage seeds one initial version, without a source run, transitioned
	// to this stage. Valid values are "staging" and "production"; empty
	// seeds no version.
	Stage string `yaml:"stage,omitempty"`
}

// Parse reads and parses a seed manifest from a file.
// The path is provided by the CLI user, so file inclusion is expected.
func Parse(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // User-specified manifest path
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseBytes(data)
}

// ParseBytes parses a seed manifest from bytes.
func ParseBytes(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// Validate checks that the manifest is valid.
func (m *Manifest) Validate() error {
	if m.Version != 1 {
		return fmt.Errorf("unsupported manifest version: %d", m.Version)
	}
	seen := make(map[string]struct{}, len(m.Experiments))
	for i := range m.Experiments {
		name := m.Experiments[i].Name
		if name == "" {
			return fmt.Errorf("experiment %d: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("experiment %q: declared twice", name)
		}
		seen[name] = struct{}{}
	}
	seen = make(map[string]struct{}, len(m.Models))
	for i := range m.Models {
		name := m.Models[i].Name
		if name == "" {
			return fmt.Errorf("model %d: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("model %q: declared twice", name)
		}
		seen[name] = struct{}{}
		switch registry.Stage(m.Models[i].Stage) {
		case "", registry.StageStaging, registry.StageProduction:
		default:
			return fmt.Errorf("model %q: cannot seed stage %q", name, m.Models[i].Stage)
		}
	}
	return nil
}

// ApplyResult reports what an apply pass actually created.
type ApplyResult struct {
	ExperimentsCreated int
	ModelsRegistered   int
	VersionsSeeded     int
}

// Apply creates every declared entity that does not exist yet. Existing
// entities are never modified, whatever the manifest says about them; a
// staged model seed takes effect only on the apply that registers the model.
func (m *Manifest) Apply(ctx context.Context, st *store.Store, reg *registry.Registry) (*ApplyResult, error) {
	res := &ApplyResult{}
	for i := range m.Experiments {
		created, err := applyExperiment(ctx, st, &m.Experiments[i])
		if err != nil {
			return nil, fmt.Errorf("experiment %q: %w", m.Experiments[i].Name, err)
		}
		if created {
			res.ExperimentsCreated++
		}
	}
	for i := range m.Models {
		seed := &m.Models[i]
		if _, err := reg.GetModel(seed.Name); err == nil {
			continue
		} else if !store.IsNotFound(err) {
			return nil, fmt.Errorf("model %q: %w", seed.Name, err)
		}
		if _, err := reg.Register(ctx, seed.Name, seed.Description); err != nil {
			return nil, fmt.Errorf("model %q: %w", seed.Name, err)
		}
		res.ModelsRegistered++
		if seed.Stage == "" {
			continue
		}
		v, err := reg.CreateVersion(ctx, seed.Name, 0)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", seed.Name, err)
		}
		if _, err := reg.TransitionStage(ctx, seed.Name, v.Number, registry.Stage(seed.Stage)); err != nil {
			return nil, fmt.Errorf("model %q: %w", seed.Name, err)
		}
		res.VersionsSeeded++
	}
	return res, nil
}

// applyExperiment creates the seeded experiment unless any experiment,
// archived ones included, already bears its name. Matching on archived
// holders keeps re-applying a manifest with archived seeds from minting
// duplicates.
func applyExperiment(ctx context.Context, st *store.Store, seed *ExperimentSeed) (bool, error) {
	for _, exp := range st.Experiments.List(true) {
		if exp.Name == seed.Name {
			return false, nil
		}
	}
	exp, err := st.Experiments.Create(ctx, seed.Name, seed.Description)
	if err != nil {
		return false, err
	}
	if seed.Archived {
		if _, err := st.Experiments.Archive(ctx, exp.ID); err != nil {
			return false, err
		}
	}
	return true, nil
}
