package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/ports"
)

// dbtx is the subset of *sql.DB and *sql.Tx the helpers need.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PutResource creates or replaces a person/group document. The document's
// "identifiers" list (of {type, value}) is indexed for Lookup. Any "id"
// field is dropped; the id is the storage key.
func (s *Store) PutResource(ctx context.Context, id ir.ResourceID, doc ir.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put resource: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := writeResource(ctx, tx, id, doc); err != nil {
		return fmt.Errorf("put resource %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put resource: commit: %w", err)
	}
	return nil
}

func writeResource(ctx context.Context, tx dbtx, id ir.ResourceID, doc ir.Document) error {
	body := make(ir.Document, len(doc))
	for k, v := range doc {
		if k != "id" {
			body[k] = v
		}
	}
	bodyJSON, err := marshalBody(body)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO resources (type, id, body) VALUES (?, ?, ?)
		ON CONFLICT(type, id) DO UPDATE SET body = excluded.body
	`, id.Type, id.Value, bodyJSON); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM identifiers WHERE resource_type = ? AND resource_id = ?
	`, id.Type, id.Value); err != nil {
		return fmt.Errorf("clear identifiers: %w", err)
	}

	list, _ := body["identifiers"].([]any)
	for _, item := range list {
		ident, ok := ir.AsResourceID(item)
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO identifiers (type, value, resource_type, resource_id)
			VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, ident.Type, ident.Value, id.Type, id.Value); err != nil {
			return fmt.Errorf("write identifier %s: %w", ident, err)
		}
	}
	return nil
}

// GetResource returns the document for id with its "id" field set.
func (s *Store) GetResource(ctx context.Context, id ir.ResourceID) (ir.Document, bool, error) {
	doc, err := readResource(ctx, s.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get resource %s: %w", id, err)
	}
	return doc, true, nil
}

func readResource(ctx context.Context, q dbtx, id ir.ResourceID) (ir.Document, error) {
	var body string
	err := q.QueryRowContext(ctx, `
		SELECT body FROM resources WHERE type = ? AND id = ?
	`, id.Type, id.Value).Scan(&body)
	if err != nil {
		return nil, err
	}
	doc, err := unmarshalDocument(body)
	if err != nil {
		return nil, err
	}
	doc["id"] = id.Map()
	return doc, nil
}

// Lookup resolves an identifier to its resource document. Person and
// group ids resolve directly; other identifiers (phones) resolve through
// the identifier index, preferring persons over groups.
func (s *Store) Lookup(ctx context.Context, identifier ir.ResourceID) (ir.Document, bool, error) {
	if identifier.Type == ir.TypePerson || identifier.Type == ir.TypeGroup {
		return s.GetResource(ctx, identifier)
	}

	var owner ir.ResourceID
	err := s.db.QueryRowContext(ctx, `
		SELECT resource_type, resource_id FROM identifiers
		WHERE type = ? AND value = ?
		ORDER BY CASE resource_type WHEN 'person' THEN 0 ELSE 1 END, resource_id COLLATE BINARY ASC
		LIMIT 1
	`, identifier.Type, identifier.Value).Scan(&owner.Type, &owner.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup %s: %w", identifier, err)
	}
	return s.GetResource(ctx, owner)
}

// UpdateResource merges patch into the stored document top-level key by
// key. Updating a missing resource returns ports.ErrNotFound.
func (s *Store) UpdateResource(ctx context.Context, id ir.ResourceID, patch map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update resource: begin tx: %w", err)
	}
	defer tx.Rollback()

	doc, err := readResource(ctx, tx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update resource %s: %w", id, ports.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update resource %s: %w", id, err)
	}

	doc, err = applyPatch(doc, patch)
	if err != nil {
		return fmt.Errorf("update resource %s: %w", id, err)
	}
	if err := writeResource(ctx, tx, id, doc); err != nil {
		return fmt.Errorf("update resource %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update resource: commit: %w", err)
	}
	return nil
}
