// Store assembly: wires the services sharing one data directory.

package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mlstack/rundb/internal/audit"
	"github.com/mlstack/rundb/internal/jsonldb"
	"github.com/mlstack/rundb/internal/seq"
)

// On-disk layout under the data directory.
const (
	dbDirName           = "db"
	runsDirName         = "runs"
	blobsDirName        = "blobs"
	experimentsFileName = "experiments.jsonl"
	sequencesFileName   = "sequences.json"
	runFileName         = "run.json"
	metricsFileName     = "metrics.jsonl"
	artifactsFileName   = "artifacts.jsonl"
)

// Sequence namespaces.
const (
	nsExperiments = "experiments"
	nsRuns        = "runs"
	nsArtifacts   = "artifacts"
)

// experimentsJournalPath is the experiment table's path relative to the data
// directory, as recorded in audit commits.
const experimentsJournalPath = dbDirName + "/" + experimentsFileName

// Store is the top-level handle over one data directory. The services are
// exported fields; they share the id generator, the blob pool, and the audit
// journal that Open wires up.
type Store struct {
	Experiments *ExperimentService
	Runs        *RunService
	Artifacts   *ArtifactService

	dataDir string
	config  *Config
	seq     *seq.Sequencer
	blobs   *jsonldb.BlobStore
	journal *audit.Journal

	// gcMu pauses artifact uploads while GC rewrites the blob pool.
	gcMu sync.RWMutex
}

// Open opens the store rooted at dataDir, creating the directory layout and
// a default configuration on first use.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, StorageFailure("failed to create data directory", err)
	}
	cfg, err := LoadConfig(dataDir)
	if err != nil {
		return nil, StorageFailure("failed to load configuration", err)
	}
	dbDir := filepath.Join(dataDir, dbDirName)
	if err := os.MkdirAll(dbDir, 0o750); err != nil {
		return nil, StorageFailure("failed to create db directory", err)
	}
	sq, err := seq.Open(filepath.Join(dbDir, sequencesFileName), cfg.SequenceBlock)
	if err != nil {
		return nil, StorageFailure("failed to open sequence generator", err)
	}
	var journal *audit.Journal
	if cfg.Audit.Enabled {
		journal, err = audit.Open(dataDir, cfg.Audit.CommitterName, cfg.Audit.CommitterEmail)
		if err != nil {
			return nil, StorageFailure("failed to open audit journal", err)
		}
	}
	experiments, err := newExperimentService(dbDir, sq, cfg.Quotas, journal)
	if err != nil {
		return nil, err
	}
	runs, err := newRunService(filepath.Join(dataDir, runsDirName), experiments, sq, cfg.Quotas, journal)
	if err != nil {
		return nil, err
	}
	s := &Store{
		Experiments: experiments,
		Runs:        runs,
		dataDir:     dataDir,
		config:      cfg,
		seq:         sq,
		blobs:       jsonldb.NewBlobStore(filepath.Join(dataDir, blobsDirName)),
		journal:     journal,
	}
	s.Artifacts = newArtifactService(s.blobs, runs, sq, cfg.Quotas, &s.gcMu)
	return s, nil
}

// DataDir returns the store's root directory.
func (s *Store) DataDir() string {
	return s.dataDir
}

// DBDir returns the directory holding the shared tables.
func (s *Store) DBDir() string {
	return filepath.Join(s.dataDir, dbDirName)
}

// Config returns the loaded configuration.
func (s *Store) Config() *Config {
	return s.config
}

// Sequencer exposes the shared id generator.
func (s *Store) Sequencer() *seq.Sequencer {
	return s.seq
}

// Journal returns the audit journal, or nil when auditing is disabled.
func (s *Store) Journal() *audit.Journal {
	return s.journal
}

// Blobs exposes the content-addressed blob pool.
func (s *Store) Blobs() *jsonldb.BlobStore {
	return s.blobs
}

// GCResult reports what a garbage collection pass found.
type GCResult struct {
	// Removed lists the orphan blobs collected, or that would be collected
	// on a dry run.
	Removed []jsonldb.BlobRef `json:"removed,omitempty"`
	// BytesFreed is the total content size of Removed.
	BytesFreed int64 `json:"bytes_freed"`
	// Spared counts orphans younger than the configured minimum age, left
	// in place.
	Spared int  `json:"spared,omitempty"`
	DryRun bool `json:"dry_run,omitempty"`
}

// GC removes blobs referenced by no artifact row, plus temp files left by
// crashed uploads. Orphans younger than the configured minimum age survive,
// keeping a blob written but not yet registered out of harm's way. Artifact
// uploads pause while the pass runs.
func (s *Store) GC(ctx context.Context, dryRun bool) (*GCResult, error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	used, err := s.Artifacts.usedRefs()
	if err != nil {
		return nil, err
	}
	refs, err := s.blobs.Refs()
	if err != nil {
		return nil, StorageFailure("failed to list blobs", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, StorageFailure("garbage collection aborted", err)
	}

	minAge := time.Duration(s.config.GC.OrphanMinAgeSec) * time.Second
	res := &GCResult{DryRun: dryRun}
	var candidates []jsonldb.BlobRef
	for _, ref := range refs {
		if used[ref] > 0 {
			continue
		}
		if minAge > 0 {
			info, err := s.blobs.Stat(ref)
			if err != nil {
				continue
			}
			if time.Since(info.ModTime()) < minAge {
				used[ref]++ // too young to collect
				res.Spared++
				continue
			}
		}
		candidates = append(candidates, ref)
	}

	if dryRun {
		res.Removed = candidates
		res.BytesFreed = refsSize(candidates)
		return res, nil
	}
	removed, gcErr := s.blobs.GC(used)
	res.Removed = removed
	res.BytesFreed = refsSize(removed)
	if gcErr != nil {
		return res, StorageFailure("garbage collection incomplete", gcErr)
	}
	slog.InfoContext(ctx, "Blob GC done", "removed", len(removed), "bytesFreed", res.BytesFreed, "spared", res.Spared)
	return res, nil
}

func refsSize(refs []jsonldb.BlobRef) int64 {
	var total int64
	for _, ref := range refs {
		if n, err := ref.Size(); err == nil {
			total += n
		}
	}
	return total
}

// VerifyResult reports what a verification pass examined and found.
type VerifyResult struct {
	Experiments  int `json:"experiments"`
	Runs         int `json:"runs"`
	MetricPoints int `json:"metric_points"`
	Artifacts    int `json:"artifacts"`
	Blobs        int `json:"blobs"`
	// Problems describes every dangling reference, digest mismatch, and
	// unreadable log found. Empty means the store checks out.
	Problems []string `json:"problems,omitempty"`
}

// OK reports whether the pass found no problems.
func (r *VerifyResult) OK() bool {
	return len(r.Problems) == 0
}

// Verify re-reads every record and re-hashes every referenced blob against
// its digest, reporting dangling references, corrupt content, and damaged
// metric logs. Blob hashing runs in parallel. Safe on a live store.
func (s *Store) Verify(ctx context.Context) (*VerifyResult, error) {
	res := &VerifyResult{Experiments: s.Experiments.Count()}
	var mu sync.Mutex
	problem := func(format string, args ...any) {
		mu.Lock()
		res.Problems = append(res.Problems, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	ids := s.Runs.ids()
	res.Runs = len(ids)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			st := s.Runs.state(id)
			if st == nil {
				return nil
			}
			st.mu.Lock()
			points, perr := st.metrics.readAll()
			var arts []*Artifact
			tbl, terr := st.openArtifacts()
			if terr == nil {
				for art := range tbl.Iter(0) {
					arts = append(arts, art)
				}
			}
			st.mu.Unlock()

			if perr != nil {
				problem("run %s: %v", id, perr)
			}
			if terr != nil {
				problem("run %s: %v", id, terr)
			}
			for _, art := range arts {
				if err := s.blobs.Check(art.Blob); err != nil {
					problem("run %s artifact %q: %v", id, art.Path, err)
				}
			}
			mu.Lock()
			res.MetricPoints += len(points)
			res.Artifacts += len(arts)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, StorageFailure("verification aborted", err)
	}

	refs, err := s.blobs.Refs()
	if err != nil {
		return nil, StorageFailure("failed to list blobs", err)
	}
	res.Blobs = len(refs)
	return res, nil
}

// recordAudit commits paths to the audit journal. Journal failures are
// logged, never surfaced: the store write they describe already succeeded.
func recordAudit(ctx context.Context, j *audit.Journal, message string, paths ...string) {
	if err := j.Record(ctx, message, paths...); err != nil {
		slog.WarnContext(ctx, "Audit commit failed", "message", message, "err", err)
	}
}
