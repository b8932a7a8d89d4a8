package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/careflow/internal/ir"
)

// PutDocument creates or replaces a document in a collection.
func (s *Store) PutDocument(ctx context.Context, collection, id string, doc ir.Document) error {
	body, err := marshalBody(doc)
	if err != nil {
		return fmt.Errorf("put document %s/%s: %w", collection, id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body) VALUES (?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET body = excluded.body
	`, collection, id, body)
	if err != nil {
		return fmt.Errorf("put document %s/%s: %w", collection, id, err)
	}
	return nil
}

// GetDocument returns a document from a collection.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (ir.Document, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM documents WHERE collection = ? AND id = ?
	`, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get document %s/%s: %w", collection, id, err)
	}
	doc, err := unmarshalDocument(body)
	if err != nil {
		return nil, false, fmt.Errorf("get document %s/%s: %w", collection, id, err)
	}
	return doc, true, nil
}
