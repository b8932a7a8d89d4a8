package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/ports"
)

// PutPolicy creates or replaces a policy. Action order is preserved.
func (s *Store) PutPolicy(ctx context.Context, p ir.Policy) error {
	body, err := marshalActions(p.Actions)
	if err != nil {
		return fmt.Errorf("put policy %s: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, body) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body
	`, p.ID, body)
	if err != nil {
		return fmt.Errorf("put policy %s: %w", p.ID, err)
	}
	return nil
}

// GetPolicy returns a policy with every action's Origin set to it.
func (s *Store) GetPolicy(ctx context.Context, id string) (ir.Policy, bool, error) {
	p, err := readPolicy(ctx, s.db, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Policy{}, false, nil
	}
	if err != nil {
		return ir.Policy{}, false, fmt.Errorf("get policy %s: %w", id, err)
	}
	return p, true, nil
}

func readPolicy(ctx context.Context, q dbtx, id string) (ir.Policy, error) {
	var body string
	if err := q.QueryRowContext(ctx, `SELECT body FROM policies WHERE id = ?`, id).Scan(&body); err != nil {
		return ir.Policy{}, err
	}
	actions := []ir.Action{}
	if err := json.Unmarshal([]byte(body), &actions); err != nil {
		return ir.Policy{}, fmt.Errorf("unmarshal policy: %w", err)
	}
	for i := range actions {
		actions[i].Origin = ir.ActionRef{Policy: id}
	}
	return ir.Policy{ID: id, Actions: actions}, nil
}

func marshalActions(actions []ir.Action) (string, error) {
	list := make([]any, 0, len(actions))
	for _, a := range actions {
		m, err := a.Map()
		if err != nil {
			return "", err
		}
		list = append(list, m)
	}
	return marshalBody(list)
}

// PutAction creates or replaces an action in parent's collection. A
// replaced action keeps its position.
func (s *Store) PutAction(ctx context.Context, parent ir.ResourceID, a ir.Action) error {
	if err := writeAction(ctx, s.db, parent, a); err != nil {
		return fmt.Errorf("put action %s/%s: %w", parent, a.ID, err)
	}
	return nil
}

func writeAction(ctx context.Context, q dbtx, parent ir.ResourceID, a ir.Action) error {
	m, err := a.Map()
	if err != nil {
		return err
	}
	body, err := marshalBody(m)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO actions (parent_type, parent_id, id, body) VALUES (?, ?, ?, ?)
		ON CONFLICT(parent_type, parent_id, id) DO UPDATE SET body = excluded.body
	`, parent.Type, parent.Value, a.ID, body)
	return err
}

// GetAction returns one action from parent's collection.
func (s *Store) GetAction(ctx context.Context, parent ir.ResourceID, id string) (ir.Action, bool, error) {
	a, err := readAction(ctx, s.db, parent, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Action{}, false, nil
	}
	if err != nil {
		return ir.Action{}, false, fmt.Errorf("get action %s/%s: %w", parent, id, err)
	}
	return a, true, nil
}

func readAction(ctx context.Context, q dbtx, parent ir.ResourceID, id string) (ir.Action, error) {
	var body string
	err := q.QueryRowContext(ctx, `
		SELECT body FROM actions WHERE parent_type = ? AND parent_id = ? AND id = ?
	`, parent.Type, parent.Value, id).Scan(&body)
	if err != nil {
		return ir.Action{}, err
	}
	a, err := unmarshalAction(body)
	if err != nil {
		return ir.Action{}, err
	}
	a.Origin = ir.ActionRef{Parent: parent}
	return a, nil
}

// DeleteAction removes an action. Deleting a missing action is a no-op.
func (s *Store) DeleteAction(ctx context.Context, parent ir.ResourceID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM actions WHERE parent_type = ? AND parent_id = ? AND id = ?
	`, parent.Type, parent.Value, id)
	if err != nil {
		return fmt.Errorf("delete action %s/%s: %w", parent, id, err)
	}
	return nil
}

// ListActions returns parent's actions in creation order.
// Returns an empty slice (not nil) if there are none.
func (s *Store) ListActions(ctx context.Context, parent ir.ResourceID) ([]ir.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM actions
		WHERE parent_type = ? AND parent_id = ?
		ORDER BY seq ASC
	`, parent.Type, parent.Value)
	if err != nil {
		return nil, fmt.Errorf("list actions of %s: %w", parent, err)
	}
	defer rows.Close()

	actions := []ir.Action{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a, err := unmarshalAction(body)
		if err != nil {
			return nil, err
		}
		a.Origin = ir.ActionRef{Parent: parent}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return actions, nil
}

// UpdateAction merges patch into the action stored at ref, top-level key
// by key. A missing action returns ports.ErrNotFound.
func (s *Store) UpdateAction(ctx context.Context, ref ir.ActionRef, id string, patch map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update action: begin tx: %w", err)
	}
	defer tx.Rollback()

	if ref.IsPolicy() {
		err = updatePolicyAction(ctx, tx, ref.Policy, id, patch)
	} else {
		err = updateOwnAction(ctx, tx, ref.Parent, id, patch)
	}
	if err != nil {
		return fmt.Errorf("update action %s/%s: %w", ref, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update action: commit: %w", err)
	}
	return nil
}

func updateOwnAction(ctx context.Context, tx *sql.Tx, parent ir.ResourceID, id string, patch map[string]any) error {
	a, err := readAction(ctx, tx, parent, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.ErrNotFound
	}
	if err != nil {
		return err
	}
	patched, err := patchAction(a, patch)
	if err != nil {
		return err
	}
	return writeAction(ctx, tx, parent, patched)
}

func updatePolicyAction(ctx context.Context, tx *sql.Tx, policyID, id string, patch map[string]any) error {
	p, err := readPolicy(ctx, tx, policyID)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.ErrNotFound
	}
	if err != nil {
		return err
	}
	found := false
	for i, a := range p.Actions {
		if a.ID != id {
			continue
		}
		patched, err := patchAction(a, patch)
		if err != nil {
			return err
		}
		p.Actions[i] = patched
		found = true
		break
	}
	if !found {
		return ports.ErrNotFound
	}
	body, err := marshalActions(p.Actions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE policies SET body = ? WHERE id = ?`, body, policyID)
	return err
}

func patchAction(a ir.Action, patch map[string]any) (ir.Action, error) {
	m, err := a.Map()
	if err != nil {
		return ir.Action{}, err
	}
	doc, err := applyPatch(ir.Document(m), patch)
	if err != nil {
		return ir.Action{}, err
	}
	patched, err := ir.ActionFromMap(doc)
	if err != nil {
		return ir.Action{}, err
	}
	patched.Origin = a.Origin
	return patched, nil
}
