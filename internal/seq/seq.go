// Package seq allocates persistent, per-namespace sequence numbers.
//
// Values within a namespace are strictly increasing across process restarts
// and never repeat. Durability is amortized: the sequencer reserves a block of
// values with one fsync and hands them out from memory, so a crash can skip
// at most one block. Callers must tolerate gaps.
package seq

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultBlockSize is the number of values reserved per fsync.
const DefaultBlockSize = 16

// Sequencer hands out sequence numbers backed by a single JSON file mapping
// each namespace to its reserved high-water mark.
type Sequencer struct {
	path      string
	blockSize uint64

	mu       sync.Mutex
	next     map[string]uint64 // next value to hand out
	reserved map[string]uint64 // highest value persisted as possibly handed out
}

// Open loads the sequencer state from path, creating the file lazily on
// first allocation. blockSize values are reserved per write; 0 means
// [DefaultBlockSize].
func Open(path string, blockSize uint64) (*Sequencer, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	s := &Sequencer{
		path:      path,
		blockSize: blockSize,
		next:      map[string]uint64{},
		reserved:  map[string]uint64{},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read sequence file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.reserved); err != nil {
		return nil, fmt.Errorf("invalid sequence file %s: %w", path, err)
	}
	for ns, mark := range s.reserved {
		if ns == "" {
			return nil, fmt.Errorf("invalid sequence file %s: empty namespace", path)
		}
		s.next[ns] = mark + 1
	}
	return s, nil
}

// Next returns the next value for the namespace, starting at 1.
//
// The value is only returned once the covering reservation is durable, so a
// crash immediately after Next cannot lead to the same value being handed out
// again.
func (s *Sequencer) Next(namespace string) (uint64, error) {
	if namespace == "" {
		return 0, errEmptyNamespace
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next[namespace]
	if n == 0 {
		n = 1
	}
	if n > s.reserved[namespace] {
		mark := n + s.blockSize - 1
		if err := s.persistLocked(namespace, mark); err != nil {
			return 0, err
		}
		s.reserved[namespace] = mark
	}
	s.next[namespace] = n + 1
	return n, nil
}

// persistLocked writes the reservation file with namespace advanced to mark,
// through a temp file and an atomic rename.
func (s *Sequencer) persistLocked(namespace string, mark uint64) error {
	state := make(map[string]uint64, len(s.reserved)+1)
	for ns, m := range s.reserved {
		state[ns] = m
	}
	state[namespace] = mark
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sequence state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", s.path, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp sequence file: %w", err)
	}
	tmpPath := f.Name()
	cleanup := func(err error) error {
		return errors.Join(err, f.Close(), os.Remove(tmpPath))
	}
	if _, err := f.Write(data); err != nil {
		return cleanup(fmt.Errorf("failed to write sequence file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return cleanup(fmt.Errorf("failed to sync sequence file: %w", err))
	}
	if err := f.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close temp sequence file: %w", err), os.Remove(tmpPath))
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errors.Join(fmt.Errorf("failed to rename sequence file: %w", err), os.Remove(tmpPath))
	}
	return nil
}

//

var errEmptyNamespace = errors.New("sequence namespace is empty")
