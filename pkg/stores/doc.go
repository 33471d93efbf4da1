// Package stores keeps the release history: an SQLite audit ledger of
// release runs with their per-patch and per-board outcomes. Schema changes
// are embedded golang-migrate migrations. Nothing in the pipeline reads the
// history back to make decisions.
package stores
