// Defines the content-addressed blob reference format.

package jsonldb

import (
	"encoding/base32"
	"errors"
	"strconv"
)

// base32Enc uses base32 "Extended Hex" alphabet (0-9A-V) which is ASCII-sorted
// and case-insensitive safe for filesystems.
var base32Enc = base32.HexEncoding.WithPadding(base32.NoPadding)

// BlobRef is a content-addressed blob reference in format
// "sha256:<BASE32>-<size>".
//
// The ref alone determines the blob's location on disk, so a metadata record
// holding a ref can always be resolved, and a blob directory can be scanned
// to rebuild the set of stored refs.
type BlobRef string

const blobRefPrefix = "sha256:"

// Validate checks if the blob reference is valid.
// Format: "sha256:<hash>-<size>" where hash is 52 uppercase base32 hex chars
// (0-9, A-V) and size is decimal digits.
func (r BlobRef) Validate() error {
	if r == "" {
		return nil // Empty ref is valid (unset).
	}
	// "sha256:" (7) + 52 base32 + "-" + at least 1 digit = 61 minimum
	if len(r) < 61 || r[:7] != blobRefPrefix || r[59] != '-' {
		return errInvalidBlobRef
	}
	for i := 7; i < 59; i++ {
		c := r[i]
		// Base32 hex alphabet: 0-9, A-V (uppercase only)
		if (c < '0' || c > '9') && (c < 'A' || c > 'V') {
			return errInvalidBlobRef
		}
	}
	// Validate size portion (digits only, at least one digit).
	for i := 60; i < len(r); i++ {
		if r[i] < '0' || r[i] > '9' {
			return errInvalidBlobRef
		}
	}
	return nil
}

// IsZero returns true if the blob reference is unset.
func (r BlobRef) IsZero() bool {
	return r == ""
}

// Size returns the content size recorded in the ref.
// Returns an error if the ref is unset or malformed.
func (r BlobRef) Size() (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	if r.IsZero() {
		return 0, errUnsetBlobRef
	}
	return strconv.ParseInt(string(r)[60:], 10, 64)
}

//

var (
	errInvalidBlobRef = errors.New("invalid blob ref")
	errUnsetBlobRef   = errors.New("blob ref is unset")
)
