package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

// newTestStoreGC opens a store whose GC collects orphans immediately.
func newTestStoreGC(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.GC.OrphanMinAgeSec = 0
	if err := cfg.Save(dir); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestOpen(t *testing.T) {
	t.Parallel()
	t.Run("CreatesLayout", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "fresh")
		s, err := Open(dir)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		for _, sub := range []string{dbDirName, runsDirName, configFileName} {
			if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
				t.Errorf("missing %s: %v", sub, err)
			}
		}
		if got := s.DataDir(); got != dir {
			t.Errorf("DataDir() = %q, want %q", got, dir)
		}
		if s.Journal() != nil {
			t.Error("Journal() non-nil with auditing disabled")
		}
	})

	t.Run("Reopen", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		s, err := Open(dir)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		ctx := t.Context()
		exp, err := s.Experiments.Create(ctx, "persisted", "")
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		run, err := s.Runs.Create(ctx, exp.ID, nil)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if err := s.Runs.LogParams(ctx, run.ID, map[string]string{"lr": "0.1"}); err != nil {
			t.Fatalf("LogParams() error = %v", err)
		}

		s2, err := Open(dir)
		if err != nil {
			t.Fatalf("reopen error = %v", err)
		}
		got, err := s2.Experiments.GetByName("persisted")
		if err != nil {
			t.Fatalf("GetByName() error = %v", err)
		}
		if got.ID != exp.ID {
			t.Errorf("experiment ID = %s, want %s", got.ID, exp.ID)
		}
		reloaded, err := s2.Runs.Get(run.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if reloaded.Params["lr"] != "0.1" {
			t.Errorf("Params[lr] = %q, want 0.1", reloaded.Params["lr"])
		}

		// Ids keep counting up across restarts.
		run2, err := s2.Runs.Create(ctx, exp.ID, nil)
		if err != nil {
			t.Fatalf("Create() after reopen error = %v", err)
		}
		if run2.ID <= run.ID {
			t.Errorf("run id %s not above pre-restart id %s", run2.ID, run.ID)
		}
	})
}

func TestGC(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	t.Run("RemovesOrphan", func(t *testing.T) {
		t.Parallel()
		s := newTestStoreGC(t)
		w, err := s.Blobs().NewWriter()
		if err != nil {
			t.Fatalf("NewWriter() error = %v", err)
		}
		if _, err := w.Write([]byte("never registered")); err != nil {
			t.Fatal(err)
		}
		ref, err := w.Close()
		if err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		res, err := s.GC(ctx, false)
		if err != nil {
			t.Fatalf("GC() error = %v", err)
		}
		if len(res.Removed) != 1 || res.Removed[0] != ref {
			t.Errorf("Removed = %v, want [%s]", res.Removed, ref)
		}
		if res.BytesFreed != int64(len("never registered")) {
			t.Errorf("BytesFreed = %d, want %d", res.BytesFreed, len("never registered"))
		}
		if err := s.Blobs().Check(ref); err == nil {
			t.Error("orphan blob still present after GC")
		}
	})

	t.Run("KeepsReferenced", func(t *testing.T) {
		t.Parallel()
		s := newTestStoreGC(t)
		exp, err := s.Experiments.Create(ctx, "gc", "")
		if err != nil {
			t.Fatal(err)
		}
		run, err := s.Runs.Create(ctx, exp.ID, nil)
		if err != nil {
			t.Fatal(err)
		}
		art, err := s.Artifacts.Put(ctx, run.ID, "model.bin", strings.NewReader("weights"), nil)
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		res, err := s.GC(ctx, false)
		if err != nil {
			t.Fatalf("GC() error = %v", err)
		}
		if len(res.Removed) != 0 {
			t.Errorf("Removed = %v, want none", res.Removed)
		}
		if err := s.Blobs().Check(art.Blob); err != nil {
			t.Errorf("referenced blob gone: %v", err)
		}
	})

	t.Run("DryRun", func(t *testing.T) {
		t.Parallel()
		s := newTestStoreGC(t)
		w, err := s.Blobs().NewWriter()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte("doomed")); err != nil {
			t.Fatal(err)
		}
		ref, err := w.Close()
		if err != nil {
			t.Fatal(err)
		}

		res, err := s.GC(ctx, true)
		if err != nil {
			t.Fatalf("GC() error = %v", err)
		}
		if len(res.Removed) != 1 {
			t.Errorf("dry run Removed = %v, want one candidate", res.Removed)
		}
		if !res.DryRun {
			t.Error("DryRun flag not set")
		}
		if err := s.Blobs().Check(ref); err != nil {
			t.Errorf("dry run deleted the blob: %v", err)
		}
	})

	t.Run("SparesYoungOrphans", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t) // default min age, one hour
		w, err := s.Blobs().NewWriter()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte("just uploaded")); err != nil {
			t.Fatal(err)
		}
		ref, err := w.Close()
		if err != nil {
			t.Fatal(err)
		}

		res, err := s.GC(ctx, false)
		if err != nil {
			t.Fatalf("GC() error = %v", err)
		}
		if len(res.Removed) != 0 {
			t.Errorf("Removed = %v, want none", res.Removed)
		}
		if res.Spared != 1 {
			t.Errorf("Spared = %d, want 1", res.Spared)
		}
		if err := s.Blobs().Check(ref); err != nil {
			t.Errorf("young orphan removed: %v", err)
		}
	})
}

func TestVerify(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	t.Run("CleanStore", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		exp, err := s.Experiments.Create(ctx, "verify", "")
		if err != nil {
			t.Fatal(err)
		}
		run, err := s.Runs.Create(ctx, exp.ID, nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Runs.LogMetrics(ctx, run.ID, []MetricPoint{
			{Name: "loss", Step: 0, Value: 1.5},
			{Name: "loss", Step: 1, Value: 1.1},
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Artifacts.Put(ctx, run.ID, "model.bin", strings.NewReader("weights"), nil); err != nil {
			t.Fatal(err)
		}

		res, err := s.Verify(ctx)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if !res.OK() {
			t.Errorf("Problems = %v, want none", res.Problems)
		}
		if res.Experiments != 1 || res.Runs != 1 || res.MetricPoints != 2 || res.Artifacts != 1 || res.Blobs != 1 {
			t.Errorf("counts = %+v", res)
		}
	})

	t.Run("DetectsCorruptBlob", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		exp, err := s.Experiments.Create(ctx, "verify", "")
		if err != nil {
			t.Fatal(err)
		}
		run, err := s.Runs.Create(ctx, exp.ID, nil)
		if err != nil {
			t.Fatal(err)
		}
		art, err := s.Artifacts.Put(ctx, run.ID, "data.csv", strings.NewReader("a,b\n1,2\n"), nil)
		if err != nil {
			t.Fatal(err)
		}

		// Flip the blob's bytes on disk behind the store's back.
		ref := string(art.Blob)
		blobPath := filepath.Join(s.DataDir(), blobsDirName, ref[7:9], ref[9:])
		if err := os.WriteFile(blobPath, []byte("x,y\n9,9\n"), 0o600); err != nil {
			t.Fatalf("corrupting blob: %v", err)
		}

		res, err := s.Verify(ctx)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if res.OK() {
			t.Fatal("Verify() missed the corrupted blob")
		}
		if !strings.Contains(res.Problems[0], "data.csv") {
			t.Errorf("Problems = %v, want mention of data.csv", res.Problems)
		}
	})

	t.Run("DetectsDanglingReference", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		exp, err := s.Experiments.Create(ctx, "verify", "")
		if err != nil {
			t.Fatal(err)
		}
		run, err := s.Runs.Create(ctx, exp.ID, nil)
		if err != nil {
			t.Fatal(err)
		}
		art, err := s.Artifacts.Put(ctx, run.ID, "gone.bin", strings.NewReader("ephemeral"), nil)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Blobs().Remove(art.Blob); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}

		res, err := s.Verify(ctx)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if res.OK() {
			t.Fatal("Verify() missed the dangling reference")
		}
	})
}

func TestAuditIntegration(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.CommitterName = "tester"
	if err := cfg.Save(dir); err != nil {
		t.Fatal(err)
	}
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.Journal() == nil {
		t.Fatal("Journal() = nil with auditing enabled")
	}

	exp, err := s.Experiments.Create(ctx, "audited", "")
	if err != nil {
		t.Fatal(err)
	}
	run, err := s.Runs.Create(ctx, exp.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Runs.LogParams(ctx, run.ID, map[string]string{"lr": "0.1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Runs.SetStatus(ctx, run.ID, RunFinished); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Journal().History(ctx, "", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("History() returned %d entries, want 2", len(entries))
	}
	// Newest first.
	if want := "finalize run " + run.ID.String() + " as finished"; entries[0].Message != want {
		t.Errorf("entries[0].Message = %q, want %q", entries[0].Message, want)
	}
	if want := "create experiment audited"; entries[1].Message != want {
		t.Errorf("entries[1].Message = %q, want %q", entries[1].Message, want)
	}
	if entries[0].Author != "tester" {
		t.Errorf("Author = %q, want tester", entries[0].Author)
	}

	// The run's record is in the finalize commit.
	runHistory, err := s.Journal().History(ctx, runsDirName+"/"+run.ID.String(), 10)
	if err != nil {
		t.Fatalf("History(run dir) error = %v", err)
	}
	if len(runHistory) != 1 {
		t.Errorf("run dir history = %d entries, want 1", len(runHistory))
	}
}
