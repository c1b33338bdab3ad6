// Package docstore stores uploaded workflow documents (packing lists, payment
// slips, invoices). Content is keyed by order and batch so superseded files
// can be cleaned up without touching unrelated uploads.
package docstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound indicates the referenced document does not exist.
var ErrNotFound = errors.New("docstore: document not found")

// Key addresses the slot a document belongs to. Batch is zero for documents
// scoped to the whole order, such as a down payment slip.
type Key struct {
	OrderID int64
	Batch   int
}

// Store persists document blobs and returns stable references.
type Store interface {
	// Put writes the content and returns a reference that stays valid until
	// Delete is called with it.
	Put(ctx context.Context, key Key, filename string, content io.Reader) (string, error)
	// Open returns a reader for a previously stored reference.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	// Delete removes the referenced document. Deleting an unknown reference
	// returns ErrNotFound.
	Delete(ctx context.Context, ref string) error
}
