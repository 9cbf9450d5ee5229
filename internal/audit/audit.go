// Package audit keeps a git commit journal over the store's metadata files.
//
// The journal answers questions like "when did version 3 reach production"
// or "what did this run record before it was finalized" without extra
// bookkeeping: every registry transition and finalized run is a commit.
// Blob content is excluded through .gitignore; only JSONL tables and per-run
// records are versioned.
package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Journal is a git-backed commit log rooted at a data directory.
//
// A nil *Journal is valid and records nothing, so callers never guard on
// whether auditing is enabled.
type Journal struct {
	dir   string
	name  string
	email string
	repo  *gogit.Repository
	mu    sync.Mutex
}

// Open opens or initializes the journal repository at dir.
//
// The committer identity defaults to "rundb <rundb@localhost>" when empty.
// A .gitignore excluding blob content is written on first open.
func Open(dir, committerName, committerEmail string) (*Journal, error) {
	if committerName == "" {
		committerName = "rundb"
	}
	if committerEmail == "" {
		committerEmail = "rundb@localhost"
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		// Not a repo yet, initialize.
		repo, err = gogit.PlainInit(dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize journal repo: %w", err)
		}
		cfg, err := repo.Config()
		if err != nil {
			return nil, fmt.Errorf("failed to read journal repo config: %w", err)
		}
		cfg.User.Name = committerName
		cfg.User.Email = committerEmail
		if err := repo.SetConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to write journal repo config: %w", err)
		}
	}

	ignorePath := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(ignorePath, []byte(journalIgnore), 0o600); err != nil {
			return nil, fmt.Errorf("failed to write journal .gitignore: %w", err)
		}
	}

	return &Journal{
		dir:   dir,
		name:  committerName,
		email: committerEmail,
		repo:  repo,
	}, nil
}

// Record stages paths (relative to the journal root) and commits them with
// message. Nothing staged means nothing committed. Recording on a nil
// journal is a no-op.
//
// The commit runs to completion even if the caller's context is canceled;
// a half-staged worktree is worse than a slow commit.
func (j *Journal) Record(_ context.Context, message string, paths ...string) error {
	if j == nil || len(paths) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	wt, err := j.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get journal worktree: %w", err)
	}
	for _, p := range paths {
		if _, err := wt.Add(p); err != nil {
			return fmt.Errorf("failed to stage %s: %w", p, err)
		}
	}
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("failed to get journal status: %w", err)
	}
	// Only staged changes count. Untracked files elsewhere in the data
	// directory (active runs, the sequence file) never trigger a commit.
	staged := false
	for _, s := range status {
		if s.Staging != gogit.Unmodified && s.Staging != gogit.Untracked {
			staged = true
			break
		}
	}
	if !staged {
		return nil
	}

	sig := &object.Signature{Name: j.name, Email: j.email, When: time.Now()}
	if _, err := wt.Commit(message, &gogit.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return fmt.Errorf("failed to commit journal entry: %w", err)
	}
	return nil
}

// Entry is one recorded commit, newest first in History results.
type Entry struct {
	Hash    string    `json:"hash"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Email   string    `json:"email"`
	When    time.Time `json:"when"`
}

// History returns up to n entries touching path, newest first. path may name
// a file or a directory; an empty path covers the whole journal. n <= 0
// means no limit beyond maxHistory. A nil journal has no history.
func (j *Journal) History(_ context.Context, path string, n int) ([]Entry, error) {
	if j == nil {
		return nil, nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if n <= 0 || n > maxHistory {
		n = maxHistory
	}
	opts := &gogit.LogOptions{}
	if path != "" && path != "." {
		opts.PathFilter = func(p string) bool {
			return p == path || strings.HasPrefix(p, path+"/")
		}
	}
	iter, err := j.repo.Log(opts)
	if err != nil {
		// No commits yet.
		return nil, nil
	}
	defer iter.Close()

	var entries []Entry
	for range n {
		c, err := iter.Next()
		if err != nil {
			break
		}
		subject, _, _ := strings.Cut(c.Message, "\n")
		entries = append(entries, Entry{
			Hash:    c.Hash.String(),
			Message: subject,
			Author:  c.Author.Name,
			Email:   c.Author.Email,
			When:    c.Author.When,
		})
	}
	return entries, nil
}

// FileAt returns the content of path as of the given commit hash.
// "HEAD" resolves to the current head.
func (j *Journal) FileAt(_ context.Context, hash, path string) ([]byte, error) {
	if j == nil {
		return nil, errJournalDisabled
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	h := plumbing.NewHash(hash)
	if hash == "HEAD" {
		ref, err := j.repo.Head()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
		}
		h = ref.Hash()
	}
	c, err := j.repo.CommitObject(h)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit %s: %w", hash, err)
	}
	f, err := c.File(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s at %s: %w", path, hash, err)
	}
	r, err := f.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s at %s: %w", path, hash, err)
	}
	defer func() {
		_ = r.Close()
	}()
	return io.ReadAll(r)
}

//

const (
	maxHistory = 1000

	journalIgnore = "blobs/\n*.tmp\n"
)

var errJournalDisabled = errors.New("audit journal is disabled")
