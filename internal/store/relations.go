package store

import (
	"context"
	"fmt"

	"github.com/roach88/careflow/internal/ir"
)

// Parents returns the resources child belongs to, in membership order.
// Returns an empty slice (not nil) if there are none.
func (s *Store) Parents(ctx context.Context, child ir.ResourceID) ([]ir.ResourceID, error) {
	return s.queryIDs(ctx, `
		SELECT parent_type, parent_id FROM relations
		WHERE child_type = ? AND child_id = ?
		ORDER BY seq ASC
	`, child)
}

// Children returns the members of parent in membership order.
func (s *Store) Children(ctx context.Context, parent ir.ResourceID) ([]ir.ResourceID, error) {
	return s.queryIDs(ctx, `
		SELECT child_type, child_id FROM relations
		WHERE parent_type = ? AND parent_id = ?
		ORDER BY seq ASC
	`, parent)
}

func (s *Store) queryIDs(ctx context.Context, query string, id ir.ResourceID) ([]ir.ResourceID, error) {
	rows, err := s.db.QueryContext(ctx, query, id.Type, id.Value)
	if err != nil {
		return nil, fmt.Errorf("query relations of %s: %w", id, err)
	}
	defer rows.Close()

	ids := []ir.ResourceID{}
	for rows.Next() {
		var r ir.ResourceID
		if err := rows.Scan(&r.Type, &r.Value); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		ids = append(ids, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relations: %w", err)
	}
	return ids, nil
}

// AddChild records membership. Adding an existing membership is a no-op
// and keeps its original position.
func (s *Store) AddChild(ctx context.Context, parent, child ir.ResourceID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relations (parent_type, parent_id, child_type, child_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, parent.Type, parent.Value, child.Type, child.Value)
	if err != nil {
		return fmt.Errorf("add child %s to %s: %w", child, parent, err)
	}
	return nil
}

// RemoveChild deletes a membership if present.
func (s *Store) RemoveChild(ctx context.Context, parent, child ir.ResourceID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM relations
		WHERE parent_type = ? AND parent_id = ? AND child_type = ? AND child_id = ?
	`, parent.Type, parent.Value, child.Type, child.Value)
	if err != nil {
		return fmt.Errorf("remove child %s from %s: %w", child, parent, err)
	}
	return nil
}
