package shared

import (
	"context"
	"errors"
)

// ErrDocumentNotFound is returned by a DocumentStore when the document id
// does not exist. The cache must not create an entry for it.
var ErrDocumentNotFound = errors.New("document not found")

// DocumentStore is the durable-store contract the write-behind cache and
// the session coordinator depend on. The Postgres implementation lives in
// the postgresql package; tests use in-memory fakes.
type DocumentStore interface {
	GetContentByID(ctx context.Context, docID string) (string, error)
	SetContent(ctx context.Context, docID string, content string) error
}

// GroupKey returns the fan-out routing key for a document room. Every
// operation addressing the same document must use the same key.
func GroupKey(docID string) string {
	return "document_" + docID
}
