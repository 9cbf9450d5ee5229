// Package store persists experiment tracking records under one data
// directory: experiments, runs with params, tags, and metric series, and
// content-addressed artifacts.
//
// # Layout
//
// Each entity gets the keyspace that fits its write pattern. Experiments
// share one jsonldb table. Every run owns a directory holding its record
// (atomic rewrite), its metric log (append-only), and its artifact table.
// Artifact content lives in a shared content-addressed blob pool; rows are
// registered only after the content is durable, so a visible artifact never
// points at a missing or partial blob.
//
// # Concurrency
//
// One mutex per run serializes that run's writes; distinct runs never
// contend. Reads clone under the run lock and return consistent snapshots.
// Blob transfer happens outside all metadata locks.
//
// # Errors
//
// Every operation returns the typed [Error] taxonomy; match with the code
// predicates such as [IsNotFound], or with [errors.As] directly.
package store
