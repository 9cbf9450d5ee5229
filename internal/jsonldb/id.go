// Row identifiers: plain sequence values, formatted fixed-width for paths.

package jsonldb

import (
	"fmt"
	"strconv"
	"strings"
)

// ID uniquely identifies a row within a table.
//
// IDs are allocated by a sequence generator and are strictly increasing per
// table, so row order on disk matches allocation order. The zero value means
// "unset" and is never a valid row ID.
type ID uint64

// IsZero returns true if the ID is unset.
func (i ID) IsZero() bool {
	return i == 0
}

// String formats the ID as 16 lowercase hex digits.
//
// The fixed width makes lexicographic order match numeric order, which keeps
// ID-named directories sorted on disk.
func (i ID) String() string {
	return fmt.Sprintf("%016x", uint64(i))
}

// ParseID parses an ID from its String form, or from a plain decimal for
// convenience on command lines. Returns an error for zero.
func ParseID(s string) (ID, error) {
	base := 10
	if len(s) == 16 && strings.IndexFunc(s, notLowerHex) == -1 {
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("invalid id %q: zero", s)
	}
	return ID(v), nil
}

func notLowerHex(r rune) bool {
	return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f')
}
