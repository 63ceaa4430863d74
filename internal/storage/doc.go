// Package storage implements the per-shard document index that backs every
// command execution on a node.
//
// # Overview
//
// Each shard owns one Index. An Index is a pebble LSM instance holding two key
// families:
//
//	d/{docID}                      → JSON encoded field map
//	t/{field}\x00{term}\x00{docID} → empty (posting)
//
// Terms are produced by lower-casing a field value and splitting on white
// space, so TermDocs("title", "blur") counts documents whose title contains the
// word "blur" in any case.
//
// # Reading
//
// Commands never see the Index directly. They receive a Reader obtained from
// Index.Snapshot, which wraps a pebble snapshot:
//
//	┌────────────┐  Put/Delete   ┌──────────────┐
//	│   Writer   │──────────────▶│  pebble.DB   │
//	└────────────┘               └──────┬───────┘
//	                                    │ NewSnapshot
//	                             ┌──────▼───────┐
//	                             │    Reader    │  immutable, point-in-time
//	                             └──────────────┘
//
// A Reader is an immutable view: writes committed after it was taken are not
// visible through it. A single Reader may be shared by any number of goroutines
// and must be closed once every user is done with it.
//
// # Storage Location
//
// Open with an empty directory creates an in-memory index on pebble's memory
// filesystem, which is what tests and ephemeral nodes use. A non-empty
// directory persists the index across restarts.
//
// # Thread Safety
//
// All Index methods are safe for concurrent use. Writers are serialized by an
// internal mutex because a Put must remove the postings of the document it
// replaces. Close refuses new snapshots and writes at once but releases
// pebble only after the last open Reader is closed.
package storage
