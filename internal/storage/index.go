package storage

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
)

// ErrDocumentNotFound is returned when a document id is not in the index.
var ErrDocumentNotFound = errors.New("document not found")

// ErrClosed is returned by operations on a closed index or reader.
var ErrClosed = errors.New("index is closed")

var (
	docPrefix  = []byte("d/")
	termPrefix = []byte("t/")
)

// Document is the unit of indexing: an id plus string fields.
type Document struct {
	Fields map[string]string `json:"fields"`
	ID     string            `json:"id"`
}

// IndexStats contains statistics about an index
type IndexStats struct {
	Docs  int // Number of live documents
	Bytes int // Total size of stored field data in bytes
}

// Index is a pebble-backed document index for one shard.
//
// Readers handed out by Snapshot keep the index open: Close stops new
// snapshots immediately but releases pebble only after every outstanding
// Reader is closed.
type Index struct {
	db      *pebble.DB
	path    string
	readers sync.WaitGroup
	mu      sync.Mutex // serializes writers and guards closing
	closing bool
}

// Open opens (creating if needed) the index stored in dir.
// An empty dir opens an in-memory index.
func Open(dir string) (*Index, error) {
	opts := &pebble.Options{}
	path := dir
	if dir == "" {
		opts.FS = vfs.NewMem()
		path = "mem"
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open index %q", path)
	}
	return &Index{db: db, path: path}, nil
}

// Path returns the storage location of the index.
func (ix *Index) Path() string {
	return ix.path
}

// Put stores doc, replacing any previous document with the same id.
func (ix *Index) Put(doc Document) error {
	if doc.ID == "" {
		return errors.New("document id is required")
	}
	value, err := json.Marshal(doc.Fields)
	if err != nil {
		return errors.Wrapf(err, "encode document %s", doc.ID)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.open() {
		return ErrClosed
	}

	b := ix.db.NewBatch()
	defer b.Close()
	if err := ix.deletePostings(b, doc.ID); err != nil {
		return err
	}
	if err := b.Set(docKey(doc.ID), value, nil); err != nil {
		return errors.Wrapf(err, "stage document %s", doc.ID)
	}
	for field, text := range doc.Fields {
		for _, term := range Terms(text) {
			if err := b.Set(termKey(field, term, doc.ID), nil, nil); err != nil {
				return errors.Wrapf(err, "stage posting %s/%s", field, term)
			}
		}
	}
	return errors.Wrapf(b.Commit(pebble.Sync), "commit document %s", doc.ID)
}

// Delete removes a document. Deleting a missing id is not an error.
func (ix *Index) Delete(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.open() {
		return ErrClosed
	}

	b := ix.db.NewBatch()
	defer b.Close()
	if err := ix.deletePostings(b, id); err != nil {
		return err
	}
	if err := b.Delete(docKey(id), nil); err != nil {
		return errors.Wrapf(err, "stage delete %s", id)
	}
	return errors.Wrapf(b.Commit(pebble.Sync), "commit delete %s", id)
}

// deletePostings stages removal of the postings of the stored version of id.
// Caller holds ix.mu.
func (ix *Index) deletePostings(b *pebble.Batch, id string) error {
	fields, err := loadFields(ix.db, id)
	if errors.Is(err, ErrDocumentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for field, text := range fields {
		for _, term := range Terms(text) {
			if err := b.Delete(termKey(field, term, id), nil); err != nil {
				return errors.Wrapf(err, "stage posting delete %s/%s", field, term)
			}
		}
	}
	return nil
}

// open reports whether the index accepts new work. Caller holds ix.mu.
func (ix *Index) open() bool {
	return ix.db != nil && !ix.closing
}

// Snapshot returns a read-only point-in-time view of the index. The index
// stays open until the returned Reader is closed.
func (ix *Index) Snapshot() (*Reader, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.open() {
		return nil, ErrClosed
	}
	ix.readers.Add(1)
	return &Reader{snap: ix.db.NewSnapshot(), release: ix.readers.Done}, nil
}

// Stats returns index statistics computed from a fresh snapshot.
func (ix *Index) Stats() IndexStats {
	r, err := ix.Snapshot()
	if err != nil {
		return IndexStats{}
	}
	defer r.Close()

	var stats IndexStats
	_ = r.scanRaw(func(_ string, value []byte) error {
		stats.Docs++
		stats.Bytes += len(value)
		return nil
	})
	return stats
}

// Close rejects new snapshots and writes, waits for open Readers to be
// closed and then releases the underlying pebble instance.
func (ix *Index) Close() error {
	ix.mu.Lock()
	if !ix.open() {
		ix.mu.Unlock()
		return ErrClosed
	}
	ix.closing = true
	ix.mu.Unlock()

	ix.readers.Wait()

	ix.mu.Lock()
	defer ix.mu.Unlock()
	err := ix.db.Close()
	ix.db = nil
	return err
}

// Terms splits a field value into its indexed terms.
func Terms(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

func docKey(id string) []byte {
	return append(bytes.Clone(docPrefix), id...)
}

func termPrefixKey(field, term string) []byte {
	key := bytes.Clone(termPrefix)
	key = append(key, field...)
	key = append(key, 0)
	key = append(key, term...)
	return append(key, 0)
}

func termKey(field, term, id string) []byte {
	return append(termPrefixKey(field, term), id...)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func loadFields(r pebble.Reader, id string) (map[string]string, error) {
	value, closer, err := r.Get(docKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read document %s", id)
	}
	defer closer.Close()

	var fields map[string]string
	if err := json.Unmarshal(value, &fields); err != nil {
		return nil, errors.Wrapf(err, "decode document %s", id)
	}
	return fields, nil
}
