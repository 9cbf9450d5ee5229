package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/mlstack/rundb/internal/store"
)

func newTestRegistry(t *testing.T) (*store.Store, *Registry) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	r, err := Open(st)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return st, r
}

func TestRegister(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	t.Run("Create", func(t *testing.T) {
		t.Parallel()
		_, r := newTestRegistry(t)
		m, err := r.Register(ctx, "churn-predictor", "weekly churn model")
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if m.ID.IsZero() {
			t.Error("ID not assigned")
		}
		if m.Name != "churn-predictor" {
			t.Errorf("Name = %q", m.Name)
		}
		if m.Description != "weekly churn model" {
			t.Errorf("Description = %q", m.Description)
		}
		if m.Created.IsZero() {
			t.Error("Created not set")
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		t.Parallel()
		_, r := newTestRegistry(t)
		first, err := r.Register(ctx, "m", "original")
		if err != nil {
			t.Fatal(err)
		}
		second, err := r.Register(ctx, "m", "ignored")
		if err != nil {
			t.Fatalf("Register() on existing name error = %v", err)
		}
		if second.ID != first.ID {
			t.Errorf("second Register() returned ID %s, want %s", second.ID, first.ID)
		}
		if second.Description != "original" {
			t.Errorf("Description = %q, want the original kept", second.Description)
		}
	})

	t.Run("EmptyName", func(t *testing.T) {
		t.Parallel()
		_, r := newTestRegistry(t)
		if _, err := r.Register(ctx, "  ", ""); !store.IsInvalidArgument(err) {
			t.Errorf("Register() error = %v, want InvalidArgument", err)
		}
	})
}

func TestModelLookups(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	_, r := newTestRegistry(t)
	for _, name := range []string{"alpha", "beta"} {
		if _, err := r.Register(ctx, name, ""); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("Get", func(t *testing.T) {
		m, err := r.GetModel("alpha")
		if err != nil {
			t.Fatalf("GetModel() error = %v", err)
		}
		if m.Name != "alpha" {
			t.Errorf("Name = %q", m.Name)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := r.GetModel("gamma"); !store.IsNotFound(err) {
			t.Errorf("GetModel() error = %v, want NotFound", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		models := r.ListModels()
		if len(models) != 2 {
			t.Fatalf("ListModels() = %d models, want 2", len(models))
		}
		if models[0].Name != "alpha" || models[1].Name != "beta" {
			t.Errorf("order = %q, %q", models[0].Name, models[1].Name)
		}
	})

	t.Run("UpdateDescription", func(t *testing.T) {
		m, err := r.UpdateModelDescription(ctx, "beta", "new words")
		if err != nil {
			t.Fatalf("UpdateModelDescription() error = %v", err)
		}
		if m.Description != "new words" {
			t.Errorf("Description = %q", m.Description)
		}
		if _, err := r.UpdateModelDescription(ctx, "gamma", "x"); !store.IsNotFound(err) {
			t.Errorf("UpdateModelDescription() error = %v, want NotFound", err)
		}
	})
}

func TestCreateVersion(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	t.Run("NumbersFromOne", func(t *testing.T) {
		t.Parallel()
		_, r := newTestRegistry(t)
		if _, err := r.Register(ctx, "m", ""); err != nil {
			t.Fatal(err)
		}
		for want := uint64(1); want <= 3; want++ {
			v, err := r.CreateVersion(ctx, "m", 0)
			if err != nil {
				t.Fatalf("CreateVersion() error = %v", err)
			}
			if v.Number != want {
				t.Errorf("Number = %d, want %d", v.Number, want)
			}
			if v.Stage != StageNone {
				t.Errorf("Stage = %s, want %s", v.Stage, StageNone)
			}
		}
	})

	t.Run("IndependentModelsCountSeparately", func(t *testing.T) {
		t.Parallel()
		_, r := newTestRegistry(t)
		for _, name := range []string{"a", "b"} {
			if _, err := r.Register(ctx, name, ""); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := r.CreateVersion(ctx, "a", 0); err != nil {
			t.Fatal(err)
		}
		v, err := r.CreateVersion(ctx, "b", 0)
		if err != nil {
			t.Fatal(err)
		}
		if v.Number != 1 {
			t.Errorf("first version of second model = %d, want 1", v.Number)
		}
	})

	t.Run("UnknownModel", func(t *testing.T) {
		t.Parallel()
		_, r := newTestRegistry(t)
		if _, err := r.CreateVersion(ctx, "ghost", 0); !store.IsNotFound(err) {
			t.Errorf("CreateVersion() error = %v, want NotFound", err)
		}
	})

	t.Run("SourceRun", func(t *testing.T) {
		t.Parallel()
		st, r := newTestRegistry(t)
		if _, err := r.Register(ctx, "m", ""); err != nil {
			t.Fatal(err)
		}
		exp, err := st.Experiments.Create(ctx, "exp", "")
		if err != nil {
			t.Fatal(err)
		}
		run, err := st.Runs.Create(ctx, exp.ID, nil)
		if err != nil {
			t.Fatal(err)
		}
		v, err := r.CreateVersion(ctx, "m", run.ID)
		if err != nil {
			t.Fatalf("CreateVersion() error = %v", err)
		}
		if v.SourceRun != run.ID {
			t.Errorf("SourceRun = %s, want %s", v.SourceRun, run.ID)
		}
	})

	t.Run("MissingSourceRun", func(t *testing.T) {
		t.Parallel()
		_, r := newTestRegistry(t)
		if _, err := r.Register(ctx, "m", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := r.CreateVersion(ctx, "m", 404); !store.IsNotFound(err) {
			t.Errorf("CreateVersion() error = %v, want NotFound", err)
		}
	})
}

func TestStageTransitions(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	newVersion := func(t *testing.T) *Registry {
		t.Helper()
		_, r := newTestRegistry(t)
		if _, err := r.Register(ctx, "m", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := r.CreateVersion(ctx, "m", 0); err != nil {
			t.Fatal(err)
		}
		return r
	}

	t.Run("ForwardProgression", func(t *testing.T) {
		t.Parallel()
		r := newVersion(t)
		for _, stage := range []Stage{StageStaging, StageProduction, StageArchived} {
			v, err := r.TransitionStage(ctx, "m", 1, stage)
			if err != nil {
				t.Fatalf("TransitionStage(%s) error = %v", stage, err)
			}
			if v.Stage != stage {
				t.Errorf("Stage = %s, want %s", v.Stage, stage)
			}
		}
	})

	t.Run("SkipAhead", func(t *testing.T) {
		t.Parallel()
		r := newVersion(t)
		v, err := r.TransitionStage(ctx, "m", 1, StageProduction)
		if err != nil {
			t.Fatalf("TransitionStage() error = %v", err)
		}
		if v.Stage != StageProduction {
			t.Errorf("Stage = %s", v.Stage)
		}
	})

	t.Run("ArchivedIsFinal", func(t *testing.T) {
		t.Parallel()
		r := newVersion(t)
		if _, err := r.TransitionStage(ctx, "m", 1, StageArchived); err != nil {
			t.Fatal(err)
		}
		for _, stage := range []Stage{StageNone, StageStaging, StageProduction} {
			_, err := r.TransitionStage(ctx, "m", 1, stage)
			if !store.IsInvalidTransition(err) {
				t.Errorf("TransitionStage(archived → %s) error = %v, want InvalidTransition", stage, err)
			}
		}
		var serr *store.Error
		_, err := r.TransitionStage(ctx, "m", 1, StageProduction)
		if !errors.As(err, &serr) || serr.Details()["from"] != "archived" || serr.Details()["to"] != "production" {
			t.Errorf("missing transition details: %v", err)
		}
	})

	t.Run("NoGoingBack", func(t *testing.T) {
		t.Parallel()
		r := newVersion(t)
		if _, err := r.TransitionStage(ctx, "m", 1, StageProduction); err != nil {
			t.Fatal(err)
		}
		if _, err := r.TransitionStage(ctx, "m", 1, StageStaging); !store.IsInvalidTransition(err) {
			t.Errorf("TransitionStage(production → staging) error = %v, want InvalidTransition", err)
		}
	})

	t.Run("SameStageIsNoop", func(t *testing.T) {
		t.Parallel()
		r := newVersion(t)
		first, err := r.TransitionStage(ctx, "m", 1, StageStaging)
		if err != nil {
			t.Fatal(err)
		}
		second, err := r.TransitionStage(ctx, "m", 1, StageStaging)
		if err != nil {
			t.Fatalf("repeated TransitionStage() error = %v", err)
		}
		if second.Stage != StageStaging || second.Updated != first.Updated {
			t.Errorf("no-op rewrote the row: %+v", second)
		}
	})

	t.Run("UnknownStage", func(t *testing.T) {
		t.Parallel()
		r := newVersion(t)
		if _, err := r.TransitionStage(ctx, "m", 1, "shadow"); !store.IsInvalidArgument(err) {
			t.Errorf("TransitionStage() error = %v, want InvalidArgument", err)
		}
	})

	t.Run("UnknownVersion", func(t *testing.T) {
		t.Parallel()
		r := newVersion(t)
		if _, err := r.TransitionStage(ctx, "m", 99, StageStaging); !store.IsNotFound(err) {
			t.Errorf("TransitionStage() error = %v, want NotFound", err)
		}
	})
}

func TestPromotionDemotesHolder(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	_, r := newTestRegistry(t)
	if _, err := r.Register(ctx, "m", ""); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if _, err := r.CreateVersion(ctx, "m", 0); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.TransitionStage(ctx, "m", 1, StageProduction); err != nil {
		t.Fatal(err)
	}
	if _, err := r.TransitionStage(ctx, "m", 2, StageProduction); err != nil {
		t.Fatal(err)
	}

	v1, err := r.GetVersion("m", 1)
	if err != nil {
		t.Fatal(err)
	}
	if v1.Stage != StageArchived {
		t.Errorf("demoted version stage = %s, want %s", v1.Stage, StageArchived)
	}
	v2, err := r.GetVersion("m", 2)
	if err != nil {
		t.Fatal(err)
	}
	if v2.Stage != StageProduction {
		t.Errorf("promoted version stage = %s, want %s", v2.Stage, StageProduction)
	}

	// The demoted holder cannot come back.
	if _, err := r.TransitionStage(ctx, "m", 1, StageProduction); !store.IsInvalidTransition(err) {
		t.Errorf("re-promoting demoted version error = %v, want InvalidTransition", err)
	}
}

func TestLatestVersion(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	_, r := newTestRegistry(t)
	if _, err := r.Register(ctx, "m", ""); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if _, err := r.CreateVersion(ctx, "m", 0); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.TransitionStage(ctx, "m", 1, StageProduction); err != nil {
		t.Fatal(err)
	}
	if _, err := r.TransitionStage(ctx, "m", 2, StageStaging); err != nil {
		t.Fatal(err)
	}

	t.Run("Overall", func(t *testing.T) {
		v, err := r.LatestVersion("m", "")
		if err != nil {
			t.Fatalf("LatestVersion() error = %v", err)
		}
		if v.Number != 3 {
			t.Errorf("Number = %d, want 3", v.Number)
		}
	})

	t.Run("ByStage", func(t *testing.T) {
		v, err := r.LatestVersion("m", StageProduction)
		if err != nil {
			t.Fatalf("LatestVersion() error = %v", err)
		}
		if v.Number != 1 {
			t.Errorf("Number = %d, want 1", v.Number)
		}
	})

	t.Run("NoMatch", func(t *testing.T) {
		if _, err := r.LatestVersion("m", StageArchived); !store.IsNotFound(err) {
			t.Errorf("LatestVersion() error = %v, want NotFound", err)
		}
	})

	t.Run("UnknownModel", func(t *testing.T) {
		if _, err := r.LatestVersion("ghost", ""); !store.IsNotFound(err) {
			t.Errorf("LatestVersion() error = %v, want NotFound", err)
		}
	})

	t.Run("UnknownStage", func(t *testing.T) {
		if _, err := r.LatestVersion("m", "shadow"); !store.IsInvalidArgument(err) {
			t.Errorf("LatestVersion() error = %v, want InvalidArgument", err)
		}
	})

	t.Run("ListAscending", func(t *testing.T) {
		versions, err := r.ListVersions("m")
		if err != nil {
			t.Fatal(err)
		}
		if len(versions) != 3 {
			t.Fatalf("ListVersions() = %d versions, want 3", len(versions))
		}
		for i, v := range versions {
			if v.Number != uint64(i+1) {
				t.Errorf("versions[%d].Number = %d", i, v.Number)
			}
		}
	})
}

// Promotions are atomic: under heavy concurrent promotion of the same
// model's versions, no listing ever observes two production holders.
func TestConcurrentPromotions(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	_, r := newTestRegistry(t)
	if _, err := r.Register(ctx, "m", ""); err != nil {
		t.Fatal(err)
	}
	const numVersions = 8
	for range numVersions {
		if _, err := r.CreateVersion(ctx, "m", 0); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan struct{})
	readerErr := make(chan error, 1)
	go func() {
		defer close(readerErr)
		for {
			select {
			case <-done:
				return
			default:
			}
			versions, err := r.ListVersions("m")
			if err != nil {
				readerErr <- err
				return
			}
			production := 0
			for _, v := range versions {
				if v.Stage == StageProduction {
					production++
				}
			}
			if production > 1 {
				readerErr <- errors.New("observed two production versions at once")
				return
			}
		}
	}()

	var wg sync.WaitGroup
	errs := make([]error, 100)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.TransitionStage(ctx, "m", uint64(i%numVersions)+1, StageProduction)
			errs[i] = err
		}()
	}
	wg.Wait()
	close(done)
	if err := <-readerErr; err != nil {
		t.Fatal(err)
	}

	for _, err := range errs {
		if err != nil && !store.IsInvalidTransition(err) {
			t.Fatalf("promotion error = %v, want nil or InvalidTransition", err)
		}
	}
	versions, err := r.ListVersions("m")
	if err != nil {
		t.Fatal(err)
	}
	production := 0
	for _, v := range versions {
		if v.Stage == StageProduction {
			production++
		}
	}
	if production != 1 {
		t.Errorf("%d production versions after the dust settles, want exactly 1", production)
	}
}

func TestRegistryReopen(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	r, err := Open(st)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(ctx, "m", "desc"); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if _, err := r.CreateVersion(ctx, "m", 0); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.TransitionStage(ctx, "m", 2, StageStaging); err != nil {
		t.Fatal(err)
	}

	st2, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := Open(st2)
	if err != nil {
		t.Fatal(err)
	}
	m, err := r2.GetModel("m")
	if err != nil {
		t.Fatalf("GetModel() after reopen error = %v", err)
	}
	if m.Description != "desc" {
		t.Errorf("Description = %q", m.Description)
	}
	versions, err := r2.ListVersions("m")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 {
		t.Fatalf("ListVersions() = %d versions, want 2", len(versions))
	}
	if versions[1].Stage != StageStaging {
		t.Errorf("version 2 stage = %s, want %s", versions[1].Stage, StageStaging)
	}

	// Version numbers keep increasing across restarts; the sequencer may
	// skip the rest of its reserved block but never goes back.
	v, err := r2.CreateVersion(ctx, "m", 0)
	if err != nil {
		t.Fatal(err)
	}
	if v.Number <= 2 {
		t.Errorf("post-reopen version number = %d, want > 2", v.Number)
	}
}
