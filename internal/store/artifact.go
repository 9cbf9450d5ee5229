// Content-addressed artifact storage bound to runs.

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mlstack/rundb/internal/jsonldb"
	"github.com/mlstack/rundb/internal/seq"
)

// Artifact is one named file attached to a run.
//
// The content lives in the blob store under a content hash; the artifact row
// binds a run-relative path to that hash. Paths are unique within a run.
type Artifact struct {
	ID      jsonldb.ID      `json:"id" jsonschema:"description=Unique artifact identifier"`
	Path    string          `json:"path" jsonschema:"description=Run-relative logical path, unique within the run"`
	Blob    jsonldb.BlobRef `json:"blob" jsonschema:"description=Content-addressed blob reference"`
	Size    int64           `json:"size" jsonschema:"description=Content size in bytes"`
	Created Time            `json:"created" jsonschema:"description=Upload timestamp in unix milliseconds"`
}

// Clone returns a copy of the Artifact.
func (a *Artifact) Clone() *Artifact {
	c := *a
	return &c
}

// GetID returns the artifact's ID.
func (a *Artifact) GetID() jsonldb.ID {
	return a.ID
}

// Validate checks that the Artifact is valid.
func (a *Artifact) Validate() error {
	if a.ID.IsZero() {
		return errIDRequired
	}
	if a.Path == "" {
		return errArtifactPathRequired
	}
	if err := a.Blob.Validate(); err != nil {
		return err
	}
	if a.Size < 0 {
		return errNegativeSize
	}
	return nil
}

// PutArtifactOptions modifies artifact upload behavior.
type PutArtifactOptions struct {
	// Replace overwrites an existing artifact at the same path instead of
	// failing with Conflict.
	Replace bool
}

// ArtifactService stores run artifacts: content in the shared blob store,
// one artifact table per run binding paths to content.
//
// Uploads stream into the blob store before the run lock is taken, so a slow
// upload never blocks the run's metadata writes. Only the registration step
// runs under the lock.
type ArtifactService struct {
	blobs  *jsonldb.BlobStore
	runs   *RunService
	seq    *seq.Sequencer
	quotas Quotas

	// gcMu is held for reading across every upload so a GC pass, which
	// rewrites the blob pool stop-the-world, waits for uploads to drain.
	gcMu *sync.RWMutex
}

func newArtifactService(blobs *jsonldb.BlobStore, runs *RunService, sq *seq.Sequencer, quotas Quotas, gcMu *sync.RWMutex) *ArtifactService {
	return &ArtifactService{
		blobs:  blobs,
		runs:   runs,
		seq:    sq,
		quotas: quotas,
		gcMu:   gcMu,
	}
}

// Put uploads content and registers it at the given run-relative path.
// An existing artifact at the path fails with Conflict unless opts.Replace
// is set. Fails with InvalidState once the run is terminal.
//
// The content is durable in the blob store before the artifact row appears,
// so a reader never sees a registered artifact whose content is missing. If
// registration fails the content stays behind as an orphan until GC.
func (s *ArtifactService) Put(ctx context.Context, runID jsonldb.ID, artifactPath string, r io.Reader, opts *PutArtifactOptions) (*Artifact, error) {
	cleaned, err := cleanArtifactPath(artifactPath)
	if err != nil {
		return nil, err
	}
	st := s.runs.state(runID)
	if st == nil {
		return nil, NotFound("run")
	}

	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	ref, size, err := s.writeBlob(ctx, r)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.run.Status.Terminal() {
		// The blob is already written; leave it for GC since its content
		// may be shared with other artifacts.
		return nil, InvalidState(fmt.Sprintf("run %s is %s", runID, st.run.Status))
	}
	tbl, err := st.openArtifacts()
	if err != nil {
		return nil, err
	}

	now := Now()
	for existing := range tbl.Iter(0) {
		if existing.Path != cleaned {
			continue
		}
		if !opts.replace() {
			return nil, Conflict(fmt.Sprintf("artifact %q already exists", cleaned)).
				WithDetail("path", cleaned)
		}
		updated, err := tbl.Modify(existing.ID, func(row *Artifact) error {
			row.Blob = ref
			row.Size = size
			row.Created = now
			return nil
		})
		if err != nil {
			return nil, StorageFailure("failed to replace artifact", err)
		}
		return updated, nil
	}

	if limit := s.quotas.MaxArtifactsPerRun; limit > 0 && tbl.Len() >= limit {
		return nil, QuotaExceeded("artifacts per run", int64(limit))
	}
	id, err := s.seq.Next(nsArtifacts)
	if err != nil {
		return nil, StorageFailure("failed to allocate artifact id", err)
	}
	art := &Artifact{
		ID:      jsonldb.ID(id),
		Path:    cleaned,
		Blob:    ref,
		Size:    size,
		Created: now,
	}
	if err := tbl.Append(art); err != nil {
		return nil, StorageFailure("failed to register artifact", err)
	}
	return art.Clone(), nil
}

// writeBlob streams r into the blob store, enforcing the per-artifact size
// quota while copying so an oversized upload stops early.
func (s *ArtifactService) writeBlob(ctx context.Context, r io.Reader) (jsonldb.BlobRef, int64, error) {
	w, err := s.blobs.NewWriter()
	if err != nil {
		return "", 0, StorageFailure("failed to start blob upload", err)
	}
	src := r
	if limit := s.quotas.MaxArtifactBytes; limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := copyContext(ctx, w, src)
	if err != nil {
		_ = w.Abort()
		return "", 0, StorageFailure("failed to upload artifact content", err)
	}
	if limit := s.quotas.MaxArtifactBytes; limit > 0 && n > limit {
		_ = w.Abort()
		return "", 0, QuotaExceeded("artifact bytes", limit)
	}
	ref, err := w.Close()
	if err != nil {
		return "", 0, StorageFailure("failed to finish blob upload", err)
	}
	return ref, n, nil
}

// Open returns the artifact's metadata and a reader over its content.
// The caller must close the reader.
func (s *ArtifactService) Open(_ context.Context, runID jsonldb.ID, artifactPath string) (io.ReadCloser, *Artifact, error) {
	art, err := s.get(runID, artifactPath)
	if err != nil {
		return nil, nil, err
	}
	// Blob reads happen outside the run lock.
	rc, err := s.blobs.Open(art.Blob)
	if err != nil {
		return nil, nil, StorageFailure("failed to open artifact content", err)
	}
	return rc, art, nil
}

// Get returns the artifact registered at the given path.
func (s *ArtifactService) Get(runID jsonldb.ID, artifactPath string) (*Artifact, error) {
	return s.get(runID, artifactPath)
}

func (s *ArtifactService) get(runID jsonldb.ID, artifactPath string) (*Artifact, error) {
	cleaned, err := cleanArtifactPath(artifactPath)
	if err != nil {
		return nil, err
	}
	st := s.runs.state(runID)
	if st == nil {
		return nil, NotFound("run")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	tbl, err := st.openArtifacts()
	if err != nil {
		return nil, err
	}
	for art := range tbl.Iter(0) {
		if art.Path == cleaned {
			return art, nil
		}
	}
	return nil, NotFound("artifact")
}

// List returns the run's artifacts in registration order. A non-empty
// pathPrefix keeps only artifacts under that path component boundary, so
// "model" matches "model/weights.bin" but not "model-card.md".
func (s *ArtifactService) List(runID jsonldb.ID, pathPrefix string) ([]*Artifact, error) {
	prefix := ""
	if pathPrefix != "" {
		cleaned, err := cleanArtifactPath(pathPrefix)
		if err != nil {
			return nil, err
		}
		prefix = cleaned
	}
	st := s.runs.state(runID)
	if st == nil {
		return nil, NotFound("run")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	tbl, err := st.openArtifacts()
	if err != nil {
		return nil, err
	}
	out := make([]*Artifact, 0, tbl.Len())
	for art := range tbl.Iter(0) {
		if prefix != "" && art.Path != prefix && !strings.HasPrefix(art.Path, prefix+"/") {
			continue
		}
		out = append(out, art)
	}
	return out, nil
}

// usedRefs counts how many artifact rows reference each blob, across all
// runs. GC treats any blob absent from this map as an orphan.
func (s *ArtifactService) usedRefs() (map[jsonldb.BlobRef]int, error) {
	used := make(map[jsonldb.BlobRef]int)
	for _, id := range s.runs.ids() {
		st := s.runs.state(id)
		if st == nil {
			continue
		}
		st.mu.Lock()
		tbl, err := st.openArtifacts()
		if err != nil {
			st.mu.Unlock()
			return nil, err
		}
		for art := range tbl.Iter(0) {
			used[art.Blob]++
		}
		st.mu.Unlock()
	}
	return used, nil
}

func (o *PutArtifactOptions) replace() bool {
	return o != nil && o.Replace
}

// openArtifacts opens the run's artifact table. Tables are opened per
// operation rather than cached; opening repairs a torn tail by truncating,
// so it must only ever happen under the run lock.
func (st *runState) openArtifacts() (*jsonldb.Table[*Artifact], error) {
	tbl, err := jsonldb.NewTable[*Artifact](filepath.Join(st.dir, artifactsFileName))
	if err != nil {
		return nil, StorageFailure("failed to open artifact table", err)
	}
	return tbl, nil
}

// cleanArtifactPath normalizes a run-relative artifact path and rejects
// anything that escapes the run's namespace.
func cleanArtifactPath(p string) (string, error) {
	if p == "" {
		return "", InvalidArgument("artifact path must not be empty")
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." ||
		strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
		return "", InvalidArgument(fmt.Sprintf("invalid artifact path %q", p))
	}
	return cleaned, nil
}

// copyContext copies r to w, checking for cancellation between chunks.
func copyContext(ctx context.Context, w io.Writer, r io.Reader) (int64, error) {
	var total int64
	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			total += int64(wn)
			if werr != nil {
				return total, werr
			}
			if wn != n {
				return total, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

//

var (
	errArtifactPathRequired = errors.New("path is required")
	errNegativeSize         = errors.New("size must not be negative")
)
