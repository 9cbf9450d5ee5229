// Tests for seed manifest parsing and application.

package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mlstack/rundb/internal/registry"
	"github.com/mlstack/rundb/internal/store"
)

const seedYAML = `
version: 1
experiments:
  - name: baseline
    description: first hyperparameter sweep
  - name: legacy-sweep
    archived: true
models:
  - name: churn-predictor
    description: weekly churn model
  - name: ranker
    stage: staging
`

func TestParseBytes(t *testing.T) {
	t.Parallel()
	m, err := ParseBytes([]byte(seedYAML))
	if err != nil {
		t.Fatalf("ParseBytes() error = %v", err)
	}
	if m.Version != 1 {
		t.Errorf("Version = %d, want 1", m.Version)
	}
	if len(m.Experiments) != 2 {
		t.Fatalf("Experiments = %d, want 2", len(m.Experiments))
	}
	if m.Experiments[0].Name != "baseline" || m.Experiments[0].Archived {
		t.Errorf("first experiment = %+v", m.Experiments[0])
	}
	if !m.Experiments[1].Archived {
		t.Error("legacy-sweep should parse as archived")
	}
	if len(m.Models) != 2 || m.Models[0].Description != "weekly churn model" {
		t.Errorf("models = %+v", m.Models)
	}
	if m.Models[1].Stage != "staging" {
		t.Errorf("ranker stage = %q, want staging", m.Models[1].Stage)
	}
}

func TestParseFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "seed.yml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(path); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, err := Parse(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Error("Parse() accepted a missing file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
	}{
		{"BadVersion", "version: 2\n"},
		{"MissingExperimentName", "version: 1\nexperiments:\n  - description: x\n"},
		{"DuplicateExperiment", "version: 1\nexperiments:\n  - name: a\n  - name: a\n"},
		{"MissingModelName", "version: 1\nmodels:\n  - description: x\n"},
		{"DuplicateModel", "version: 1\nmodels:\n  - name: m\n  - name: m\n"},
		{"BadStage", "version: 1\nmodels:\n  - name: m\n    stage: prod\n"},
		{"ArchivedStage", "version: 1\nmodels:\n  - name: m\n    stage: archived\n"},
		{"Garbage", ": not yaml\n\t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseBytes([]byte(tt.yaml)); err == nil {
				t.Error("ParseBytes() accepted invalid manifest")
			}
		})
	}
}

func TestApply(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg, err := registry.Open(st)
	if err != nil {
		t.Fatal(err)
	}
	m, err := ParseBytes([]byte(seedYAML))
	if err != nil {
		t.Fatal(err)
	}

	res, err := m.Apply(ctx, st, reg)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.ExperimentsCreated != 2 || res.ModelsRegistered != 2 || res.VersionsSeeded != 1 {
		t.Errorf("Apply() = %+v, want 2 experiments, 2 models, 1 version", res)
	}

	exp, err := st.Experiments.GetByName("baseline")
	if err != nil {
		t.Fatalf("seeded experiment missing: %v", err)
	}
	if exp.Description != "first hyperparameter sweep" {
		t.Errorf("Description = %q", exp.Description)
	}
	model, err := reg.GetModel("churn-predictor")
	if err != nil {
		t.Fatalf("seeded model missing: %v", err)
	}
	if model.Description != "weekly churn model" {
		t.Errorf("Description = %q", model.Description)
	}

	// The archived seed must exist archived, with its name free.
	archived := false
	for _, e := range st.Experiments.List(true) {
		if e.Name == "legacy-sweep" {
			archived = e.Lifecycle == store.LifecycleArchived
		}
	}
	if !archived {
		t.Error("legacy-sweep not seeded as archived")
	}

	// The staged seed must carry one version at its stage.
	v, err := reg.LatestVersion("ranker", registry.StageStaging)
	if err != nil {
		t.Fatalf("seeded version missing: %v", err)
	}
	if v.Number != 1 || !v.SourceRun.IsZero() {
		t.Errorf("seeded version = %+v, want number 1 without a source run", v)
	}

	t.Run("Reapply", func(t *testing.T) {
		res, err := m.Apply(ctx, st, reg)
		if err != nil {
			t.Fatalf("second Apply() error = %v", err)
		}
		if res.ExperimentsCreated != 0 || res.ModelsRegistered != 0 || res.VersionsSeeded != 0 {
			t.Errorf("second Apply() = %+v, want nothing created", res)
		}
		if n := len(st.Experiments.List(true)); n != 2 {
			t.Errorf("%d experiments after re-apply, want 2", n)
		}
		vs, err := reg.ListVersions("ranker")
		if err != nil {
			t.Fatal(err)
		}
		if len(vs) != 1 {
			t.Errorf("%d ranker versions after re-apply, want 1", len(vs))
		}
	})

	t.Run("ExistingUntouched", func(t *testing.T) {
		if _, err := reg.UpdateModelDescription(ctx, "churn-predictor", "hand-edited"); err != nil {
			t.Fatal(err)
		}
		if _, err := m.Apply(ctx, st, reg); err != nil {
			t.Fatal(err)
		}
		model, err := reg.GetModel("churn-predictor")
		if err != nil {
			t.Fatal(err)
		}
		if model.Description != "hand-edited" {
			t.Errorf("Apply() overwrote an existing description: %q", model.Description)
		}
	})
}
