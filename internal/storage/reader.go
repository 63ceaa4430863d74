package storage

import (
	"encoding/json"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// Reader is an immutable point-in-time view of an Index.
// It is safe for concurrent use. Close must be called when done; the Index
// cannot finish closing while a Reader is open.
type Reader struct {
	snap    *pebble.Snapshot
	release func()
	once    sync.Once
	closed  error
}

// NumDocs returns the number of documents visible in the view.
func (r *Reader) NumDocs() (int, error) {
	n := 0
	err := r.scanRaw(func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}

// Document returns the document stored under id.
func (r *Reader) Document(id string) (Document, error) {
	fields, err := loadFields(r.snap, id)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Fields: fields}, nil
}

// TermDocs returns how many documents contain term in field.
func (r *Reader) TermDocs(field, term string) (int, error) {
	prefix := termPrefixKey(field, term)
	it, err := r.snap.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return 0, errors.Wrap(err, "open posting iterator")
	}
	n := 0
	for valid := it.First(); valid; valid = it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		_ = it.Close()
		return 0, errors.Wrap(err, "iterate postings")
	}
	return n, it.Close()
}

// Scan calls fn for each document in id order, stopping at the first error.
func (r *Reader) Scan(fn func(Document) error) error {
	return r.scanRaw(func(id string, value []byte) error {
		var fields map[string]string
		if err := json.Unmarshal(value, &fields); err != nil {
			return errors.Wrapf(err, "decode document %s", id)
		}
		return fn(Document{ID: id, Fields: fields})
	})
}

func (r *Reader) scanRaw(fn func(id string, value []byte) error) error {
	it, err := r.snap.NewIter(&pebble.IterOptions{
		LowerBound: docPrefix,
		UpperBound: upperBound(docPrefix),
	})
	if err != nil {
		return errors.Wrap(err, "open document iterator")
	}
	for valid := it.First(); valid; valid = it.Next() {
		id := string(it.Key()[len(docPrefix):])
		if err := fn(id, it.Value()); err != nil {
			_ = it.Close()
			return err
		}
	}
	if err := it.Error(); err != nil {
		_ = it.Close()
		return errors.Wrap(err, "iterate documents")
	}
	return it.Close()
}

// Close releases the snapshot. It is idempotent.
func (r *Reader) Close() error {
	r.once.Do(func() {
		r.closed = r.snap.Close()
		if r.release != nil {
			r.release()
		}
	})
	return r.closed
}
