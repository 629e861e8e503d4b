// Package queue stores each worker's job queue as a CSV table.
//
// A queue file has a header row containing at least the columns
// member, phone, group, status and timestamp. Unknown columns are kept
// in place when the table is rewritten. A row is pending when both its
// status and its timestamp are empty.
//
// Records are written back with their original text unless a value in them
// changed. Blank lines and blank records are kept where they are but are not
// rows.
//
// Every operation reloads the file from disk and rewrites it in full, so an
// operator may replace the file between two operations without confusing
// the store. Within one process, read-modify-write cycles on the same
// worker are serialized.
//
// Rows carry a synthetic Key derived from member, phone, group and the
// occurrence index of that triple. The key is stable across reloads of an
// unchanged file and distinguishes duplicate members, so updates can find
// the exact row a worker processed.
package queue
