package jsonldb

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
)

// Cloner is implemented by types that can clone themselves.
type Cloner[T any] interface {
	Clone() T
}

// Row is the constraint for types stored in a [Table].
type Row[T any] interface {
	Cloner[T]
	// GetID returns the row's unique, non-zero identifier.
	GetID() ID
	// Validate reports whether the row is well-formed. Called before every
	// persist and for every row on load.
	Validate() error
}

// TableObserver receives notifications of table mutations.
//
// Implementations must not call back into the table from a notification and
// must not retain the row values beyond the call.
type TableObserver[T Row[T]] interface {
	OnAppend(row T)
	OnUpdate(prev, curr T)
}

// Table handles storage and in-memory caching for a single table in JSONL
// format. All rows are kept in memory, sorted by ID; reads are clones so
// callers can never alias cached state.
type Table[T Row[T]] struct {
	path   string
	header schemaHeader

	mu        sync.RWMutex
	rows      []T        // sorted by ID
	byID      map[ID]int // position in rows
	observers []TableObserver[T]
}

// NewTable creates a Table backed by the given file and loads all data.
//
// A missing file is created with a schema header derived from T. A file whose
// last line was torn by a crash mid-append is repaired: the partial line is
// dropped, matching the contract that a failed append is not observable.
func NewTable[T Row[T]](path string) (*Table[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	columns, err := schemaFromType[T]()
	if err != nil {
		return nil, err
	}
	t := &Table[T]{
		path:   path,
		header: schemaHeader{Version: currentVersion, Columns: columns},
		byID:   map[ID]int{},
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

// Len returns the number of rows.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Get returns a clone of the row with the given ID, or the zero value if the
// row does not exist.
func (t *Table[T]) Get(id ID) T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.byID[id]
	if !ok {
		var zero T
		return zero
	}
	return t.rows[pos].Clone()
}

// Append adds a new row to the table and persists it.
//
// The row must validate and carry a non-zero ID not already present.
func (t *Table[T]) Append(row T) error {
	if err := row.Validate(); err != nil {
		return fmt.Errorf("invalid row: %w", err)
	}
	id := row.GetID()
	if id.IsZero() {
		return errZeroID
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[id]; ok {
		return fmt.Errorf("row %s: %w", id, errDuplicateID)
	}

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open table file for append: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write row: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync table file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close table file: %w", err)
	}

	stored := row.Clone()
	t.insertLocked(stored)
	for _, obs := range t.observers {
		obs.OnAppend(stored)
	}
	return nil
}

// Modify atomically applies fn to a clone of the row with the given ID,
// validates the result and persists it. The write lock is held for the whole
// read-modify-write, so fn must be fast and must not call back into the table.
//
// Returns a clone of the updated row. Returns [ErrRowNotFound] if the ID is
// absent. fn must not change the row's ID.
func (t *Table[T]) Modify(id ID, fn func(row T) error) (T, error) {
	var zero T
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.byID[id]
	if !ok {
		return zero, fmt.Errorf("row %s: %w", id, ErrRowNotFound)
	}
	prev := t.rows[pos]
	curr := prev.Clone()
	if err := fn(curr); err != nil {
		return zero, err
	}
	if err := curr.Validate(); err != nil {
		return zero, fmt.Errorf("invalid row: %w", err)
	}
	if curr.GetID() != id {
		return zero, errIDChanged
	}
	t.rows[pos] = curr
	if err := t.rewriteLocked(); err != nil {
		t.rows[pos] = prev
		return zero, err
	}
	for _, obs := range t.observers {
		obs.OnUpdate(prev, curr)
	}
	return curr.Clone(), nil
}

// ModifyMany is [Table.Modify] across several rows persisted as one atomic
// rewrite: after a crash either every change is visible or none is. Rows are
// passed to fn as clones in the order of ids. Used for invariants spanning
// records, such as demoting one row while promoting another.
func (t *Table[T]) ModifyMany(ids []ID, fn func(rows []T) error) ([]T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	positions := make([]int, len(ids))
	seen := make(map[ID]struct{}, len(ids))
	for i, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("row %s: %w", id, errDuplicateID)
		}
		seen[id] = struct{}{}
		pos, ok := t.byID[id]
		if !ok {
			return nil, fmt.Errorf("row %s: %w", id, ErrRowNotFound)
		}
		positions[i] = pos
	}

	prevs := make([]T, len(ids))
	currs := make([]T, len(ids))
	for i, pos := range positions {
		prevs[i] = t.rows[pos]
		currs[i] = t.rows[pos].Clone()
	}
	if err := fn(currs); err != nil {
		return nil, err
	}
	for i, curr := range currs {
		if err := curr.Validate(); err != nil {
			return nil, fmt.Errorf("invalid row: %w", err)
		}
		if curr.GetID() != ids[i] {
			return nil, errIDChanged
		}
	}
	for i, pos := range positions {
		t.rows[pos] = currs[i]
	}
	if err := t.rewriteLocked(); err != nil {
		for i, pos := range positions {
			t.rows[pos] = prevs[i]
		}
		return nil, err
	}
	out := make([]T, len(currs))
	for i, curr := range currs {
		for _, obs := range t.observers {
			obs.OnUpdate(prevs[i], curr)
		}
		out[i] = curr.Clone()
	}
	return out, nil
}

// Iter returns an iterator over clones of rows with ID greater than startID,
// in ascending ID order. Pass 0 to iterate from the beginning. The iterator
// works on a snapshot: mutations during iteration are not observed.
func (t *Table[T]) Iter(startID ID) iter.Seq[T] {
	return func(yield func(T) bool) {
		t.mu.RLock()
		first := sort.Search(len(t.rows), func(i int) bool {
			return t.rows[i].GetID() > startID
		})
		snapshot := make([]T, 0, len(t.rows)-first)
		for _, row := range t.rows[first:] {
			snapshot = append(snapshot, row.Clone())
		}
		t.mu.RUnlock()

		for _, row := range snapshot {
			if !yield(row) {
				return
			}
		}
	}
}

// AddObserver registers an observer for table mutations.
//
// Observers must be registered before the table sees concurrent use; there is
// no way to remove one.
func (t *Table[T]) AddObserver(obs TableObserver[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, obs)
}

// insertLocked places row at its sorted position and updates the ID index.
func (t *Table[T]) insertLocked(row T) {
	id := row.GetID()
	if n := len(t.rows); n == 0 || t.rows[n-1].GetID() < id {
		t.rows = append(t.rows, row)
		t.byID[id] = len(t.rows) - 1
		return
	}
	pos := sort.Search(len(t.rows), func(i int) bool {
		return t.rows[i].GetID() > id
	})
	t.rows = slices.Insert(t.rows, pos, row)
	for i := pos; i < len(t.rows); i++ {
		t.byID[t.rows[i].GetID()] = i
	}
}

func (t *Table[T]) load() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return t.create()
		}
		return fmt.Errorf("failed to read table file %s: %w", t.path, err)
	}
	if len(data) == 0 {
		return t.create()
	}

	lines := bytes.Split(data, []byte("\n"))
	// A well-formed file ends with a newline, leaving one empty trailing
	// fragment. A non-empty final fragment is a line torn by a crash.
	torn := len(lines[len(lines)-1]) > 0
	last := len(lines) - 1

	var header schemaHeader
	if err := json.Unmarshal(lines[0], &header); err != nil {
		return fmt.Errorf("invalid schema header in %s: %w", t.path, err)
	}
	if err := header.Validate(); err != nil {
		return fmt.Errorf("invalid schema header in %s: %w", t.path, err)
	}

	var rows []T
	byID := map[ID]int{}
	for i, line := range lines[1:] {
		lineNo := i + 1
		if len(line) == 0 {
			continue
		}
		var row T
		if err := json.Unmarshal(line, &row); err != nil {
			if torn && lineNo == last {
				if err := os.Truncate(t.path, int64(len(data)-len(line))); err != nil {
					return fmt.Errorf("failed to truncate torn row in %s: %w", t.path, err)
				}
				slog.Warn("Dropped torn row from table", "path", t.path, "bytes", len(line))
				break
			}
			return fmt.Errorf("failed to unmarshal row in %s: %w", t.path, err)
		}
		if err := row.Validate(); err != nil {
			return fmt.Errorf("invalid row in %s: %w", t.path, err)
		}
		id := row.GetID()
		if id.IsZero() {
			return fmt.Errorf("%s: %w", t.path, errZeroID)
		}
		if _, ok := byID[id]; ok {
			return fmt.Errorf("%s: row %s: %w", t.path, id, errDuplicateID)
		}
		byID[id] = 0 // positions assigned after sort
		rows = append(rows, row)
		if torn && lineNo == last {
			// Valid row that lost only its newline: restore the terminator so
			// the next append starts on a fresh line.
			if err := t.repairNewline(); err != nil {
				return err
			}
		}
	}

	slices.SortFunc(rows, func(a, b T) int {
		return cmp.Compare(a.GetID(), b.GetID())
	})
	for i, row := range rows {
		byID[row.GetID()] = i
	}
	t.rows = rows
	t.byID = byID
	return nil
}

// create writes a fresh table file containing only the schema header.
func (t *Table[T]) create() error {
	t.rows = nil
	t.byID = map[ID]int{}
	return t.rewriteLocked()
}

func (t *Table[T]) repairNewline() error {
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to repair table file %s: %w", t.path, err)
	}
	if _, err := f.Write([]byte("\n")); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to repair table file %s: %w", t.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to repair table file %s: %w", t.path, err)
	}
	return nil
}

// rewriteLocked persists header and all rows through a temp file and an
// atomic rename. Callers hold the write lock.
func (t *Table[T]) rewriteLocked() error {
	dir := filepath.Dir(t.path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(t.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp table file: %w", err)
	}
	tmpPath := f.Name()
	cleanup := func(err error) error {
		return errors.Join(err, f.Close(), os.Remove(tmpPath))
	}

	w := bufio.NewWriter(f)
	headerData, err := json.Marshal(&t.header)
	if err != nil {
		return cleanup(fmt.Errorf("failed to marshal schema header: %w", err))
	}
	if _, err := w.Write(append(headerData, '\n')); err != nil {
		return cleanup(fmt.Errorf("failed to write schema header: %w", err))
	}
	for _, row := range t.rows {
		data, err := json.Marshal(row)
		if err != nil {
			return cleanup(fmt.Errorf("failed to marshal row: %w", err))
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return cleanup(fmt.Errorf("failed to write row: %w", err))
		}
	}
	if err := w.Flush(); err != nil {
		return cleanup(fmt.Errorf("failed to flush table file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return cleanup(fmt.Errorf("failed to sync table file: %w", err))
	}
	if err := f.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close temp table file: %w", err), os.Remove(tmpPath))
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		return errors.Join(fmt.Errorf("failed to rename table file: %w", err), os.Remove(tmpPath))
	}
	return nil
}

//

var (
	// ErrRowNotFound is returned by Modify and ModifyMany for an absent ID.
	ErrRowNotFound = errors.New("row not found")

	errZeroID      = errors.New("row has zero id")
	errDuplicateID = errors.New("duplicate row id")
	errIDChanged   = errors.New("modify must not change row id")
)
