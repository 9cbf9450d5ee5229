package store

import (
	"fmt"
	"testing"
)

func TestExperimentLifecycle(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	t.Run("Create", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		exp, err := s.Experiments.Create(ctx, "baseline", "first attempt")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if exp.ID.IsZero() {
			t.Error("Create() returned zero ID")
		}
		if exp.Lifecycle != LifecycleActive {
			t.Errorf("Lifecycle = %q, want active", exp.Lifecycle)
		}
		if exp.Created.IsZero() {
			t.Error("Created timestamp not set")
		}

		got, err := s.Experiments.Get(exp.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Name != "baseline" || got.Description != "first attempt" {
			t.Errorf("Get() = %+v", got)
		}
	})

	t.Run("EmptyName", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		if _, err := s.Experiments.Create(ctx, "", ""); !IsInvalidArgument(err) {
			t.Errorf("Create(\"\") error = %v, want InvalidArgument", err)
		}
	})

	t.Run("DuplicateName", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		if _, err := s.Experiments.Create(ctx, "baseline", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Experiments.Create(ctx, "baseline", ""); !IsDuplicateName(err) {
			t.Errorf("second Create() error = %v, want DuplicateName", err)
		}
	})

	t.Run("ArchiveFreesName", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		exp, err := s.Experiments.Create(ctx, "baseline", "")
		if err != nil {
			t.Fatal(err)
		}
		archived, err := s.Experiments.Archive(ctx, exp.ID)
		if err != nil {
			t.Fatalf("Archive() error = %v", err)
		}
		if archived.Lifecycle != LifecycleArchived {
			t.Errorf("Lifecycle = %q, want archived", archived.Lifecycle)
		}

		// The name is free again; the archived record stays readable.
		second, err := s.Experiments.Create(ctx, "baseline", "")
		if err != nil {
			t.Fatalf("Create() after archive error = %v", err)
		}
		if second.ID == exp.ID {
			t.Error("archived experiment's ID reused")
		}
		if _, err := s.Experiments.Get(exp.ID); err != nil {
			t.Errorf("archived experiment unreadable: %v", err)
		}
		got, err := s.Experiments.GetByName("baseline")
		if err != nil {
			t.Fatal(err)
		}
		if got.ID != second.ID {
			t.Errorf("GetByName() = %s, want the new holder %s", got.ID, second.ID)
		}
	})

	t.Run("ArchiveTwiceIsNoop", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		exp, err := s.Experiments.Create(ctx, "baseline", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Experiments.Archive(ctx, exp.ID); err != nil {
			t.Fatal(err)
		}
		again, err := s.Experiments.Archive(ctx, exp.ID)
		if err != nil {
			t.Fatalf("second Archive() error = %v", err)
		}
		if again.Lifecycle != LifecycleArchived {
			t.Errorf("Lifecycle = %q, want archived", again.Lifecycle)
		}
	})

	t.Run("Restore", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		exp, err := s.Experiments.Create(ctx, "baseline", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Experiments.Archive(ctx, exp.ID); err != nil {
			t.Fatal(err)
		}
		restored, err := s.Experiments.Restore(ctx, exp.ID)
		if err != nil {
			t.Fatalf("Restore() error = %v", err)
		}
		if restored.Lifecycle != LifecycleActive {
			t.Errorf("Lifecycle = %q, want active", restored.Lifecycle)
		}
	})

	t.Run("RestoreBlockedByNewHolder", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		exp, err := s.Experiments.Create(ctx, "baseline", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Experiments.Archive(ctx, exp.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Experiments.Create(ctx, "baseline", ""); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Experiments.Restore(ctx, exp.ID); !IsDuplicateName(err) {
			t.Errorf("Restore() error = %v, want DuplicateName", err)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		if _, err := s.Experiments.Get(42); !IsNotFound(err) {
			t.Errorf("Get(42) error = %v, want NotFound", err)
		}
		if _, err := s.Experiments.GetByName("nope"); !IsNotFound(err) {
			t.Errorf("GetByName(nope) error = %v, want NotFound", err)
		}
		if _, err := s.Experiments.Archive(ctx, 42); !IsNotFound(err) {
			t.Errorf("Archive(42) error = %v, want NotFound", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		for i := range 3 {
			if _, err := s.Experiments.Create(ctx, fmt.Sprintf("exp-%d", i), ""); err != nil {
				t.Fatal(err)
			}
		}
		exp, err := s.Experiments.GetByName("exp-1")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := s.Experiments.Archive(ctx, exp.ID); err != nil {
			t.Fatal(err)
		}

		active := s.Experiments.List(false)
		if len(active) != 2 {
			t.Errorf("List(false) = %d experiments, want 2", len(active))
		}
		all := s.Experiments.List(true)
		if len(all) != 3 {
			t.Errorf("List(true) = %d experiments, want 3", len(all))
		}
		// Ascending ID order.
		for i := 1; i < len(all); i++ {
			if all[i].ID <= all[i-1].ID {
				t.Errorf("List() out of order: %s before %s", all[i-1].ID, all[i].ID)
			}
		}
	})

	t.Run("Quota", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		cfg := DefaultConfig()
		cfg.Quotas.MaxExperiments = 2
		if err := cfg.Save(dir); err != nil {
			t.Fatal(err)
		}
		s, err := Open(dir)
		if err != nil {
			t.Fatal(err)
		}
		for i := range 2 {
			if _, err := s.Experiments.Create(ctx, fmt.Sprintf("exp-%d", i), ""); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := s.Experiments.Create(ctx, "one too many", ""); !IsQuotaExceeded(err) {
			t.Errorf("Create() error = %v, want QuotaExceeded", err)
		}
	})
}
