package remotestore

import (
	"context"
	"time"
)

// Store is the remote document store holding the authoritative copies of
// subscription records and usage statistics. Documents are addressed by
// collection and ID; writes are last-write-wins per document.
type Store interface {
	// Get decodes the document into out, or returns ErrNotFound.
	Get(ctx context.Context, collection, id string, out any) error
	// Set replaces the whole document, creating it if needed.
	Set(ctx context.Context, collection, id string, doc any) error
	// Merge updates the given top-level or dotted fields, creating the
	// document if needed. The store stamps FieldUpdatedAt itself.
	Merge(ctx context.Context, collection, id string, fields map[string]any) error
	// Subscribe delivers the full list of documents matching q once on start
	// and again after every change. onError is called when the feed breaks;
	// no further snapshots follow until the caller subscribes again.
	Subscribe(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error)
}

// FieldUpdatedAt is the server-assigned modification timestamp field.
const FieldUpdatedAt = "updatedAt"

// Subscription is a live change feed.
type Subscription interface {
	// Close stops the feed. It is safe to call more than once.
	Close() error
}

type (
	SnapshotFunc func(Snapshot)
	ErrorFunc    func(error)
)

// Snapshot is the materialized result of a query at ReadAt.
type Snapshot struct {
	Query     Query
	Documents []Document
	ReadAt    time.Time
}

// Document is one stored document with a lazily decoded body.
type Document struct {
	ID     string
	decode func(out any) error
}

// NewDocument builds a document whose body is decoded by decode.
func NewDocument(id string, decode func(out any) error) Document {
	return Document{ID: id, decode: decode}
}

// Decode unmarshals the document body into out.
func (d Document) Decode(out any) error {
	if d.decode == nil {
		return ErrNotFound
	}
	return d.decode(out)
}
