// Package jsonldb provides a generic, concurrent-safe, JSONL-backed data store.
//
// # Overview
//
// The package centers around [Table], a generic container that stores rows in a
// JSONL (JSON Lines) file with full in-memory caching for fast reads. Tables are
// safe for concurrent use by multiple goroutines. Binary payloads live outside
// tables in a content-addressed [BlobStore]; rows reference them by [BlobRef].
//
// # Concurrency: Pessimistic Locking
//
// Table uses pessimistic locking: [Table.Modify] holds the write lock for the
// entire read-modify-write operation. This guarantees success without retries,
// unlike optimistic CAS which requires retry loops when concurrent writes
// collide. The tradeoff is lower throughput under high contention, but this is
// acceptable for local file storage with low write rates. [Table.ModifyMany]
// extends the same discipline to several rows persisted in a single atomic
// rewrite, for invariants that span records.
//
// # Secondary Indexes
//
// [UniqueIndex] and [Index] provide O(1) lookups by arbitrary keys, staying
// synchronized with table mutations via [TableObserver]. Build indexes before
// the table sees concurrent traffic.
//
// # File Format
//
// JSONL files with line 1 as schema header, subsequent lines as JSON rows, one
// per line, sorted by ID. Appends go to the end of the file; row updates
// rewrite the file through a temp file and an atomic rename, so a reader never
// observes a half-written table and a row ID never appears twice.
package jsonldb
