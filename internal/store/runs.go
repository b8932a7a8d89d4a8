package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/careflow/internal/ir"
)

// AppendRun inserts an execution log entry.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - the id is content
// addressed, so writing the same run twice is silently ignored.
func (s *Store) AppendRun(ctx context.Context, entry ir.RunEntry) error {
	if entry.ID == "" {
		id, err := ir.RunEntryID(entry)
		if err != nil {
			return fmt.Errorf("append run: %w", err)
		}
		entry.ID = id
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append run: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, time, type) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, entry.ID, entry.Time.UTC().UnixNano(), entry.Type)
	if err != nil {
		return fmt.Errorf("append run: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("append run: rows affected: %w", err)
	}
	if inserted == 0 {
		return nil
	}

	for i, r := range entry.Resources {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_resources (run_id, position, type, value) VALUES (?, ?, ?, ?)
		`, entry.ID, i, r.Type, r.Value); err != nil {
			return fmt.Errorf("append run resource: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append run: commit: %w", err)
	}
	return nil
}

// LatestRun returns the most recent action.run entry referencing both the
// action and the resource, with its content id if one was recorded.
func (s *Store) LatestRun(ctx context.Context, actionID string, resource ir.ResourceID) (ir.RunRecord, bool, error) {
	var (
		nanos   int64
		content sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT r.time,
			(SELECT c.value FROM run_resources c
			 WHERE c.run_id = r.id AND c.type = ?
			 ORDER BY c.position LIMIT 1) AS content
		FROM runs r
		JOIN run_resources a ON a.run_id = r.id AND a.type = ? AND a.value = ?
		JOIN run_resources s ON s.run_id = r.id AND s.type = ? AND s.value = ?
		WHERE r.type = ?
		ORDER BY r.time DESC, r.id COLLATE BINARY DESC
		LIMIT 1
	`,
		ir.TypeContent,
		ir.TypeAction, actionID,
		resource.Type, resource.Value,
		ir.RunTypeAction,
	).Scan(&nanos, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.RunRecord{}, false, nil
	}
	if err != nil {
		return ir.RunRecord{}, false, fmt.Errorf("latest run of %s for %s: %w", actionID, resource, err)
	}
	return ir.RunRecord{
		Time:      time.Unix(0, nanos).UTC(),
		ContentID: content.String,
	}, true, nil
}

// RunsFor returns the execution log entries referencing resource, most
// recent first, at most limit rows (all rows when limit <= 0).
func (s *Store) RunsFor(ctx context.Context, resource ir.ResourceID, limit int) ([]ir.RunEntry, error) {
	query := `
		SELECT r.id, r.time, r.type FROM runs r
		JOIN run_resources x ON x.run_id = r.id AND x.type = ? AND x.value = ?
		ORDER BY r.time DESC, r.id COLLATE BINARY DESC`
	args := []any{resource.Type, resource.Value}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs for %s: %w", resource, err)
	}
	entries := []ir.RunEntry{}
	for rows.Next() {
		var (
			e     ir.RunEntry
			nanos int64
		)
		if err := rows.Scan(&e.ID, &nanos, &e.Type); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan run: %w", err)
		}
		e.Time = time.Unix(0, nanos).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	rows.Close()

	// Resources are read after the cursor is closed; the pool has a
	// single connection.
	for i := range entries {
		res, err := s.runResources(ctx, entries[i].ID)
		if err != nil {
			return nil, err
		}
		entries[i].Resources = res
	}
	return entries, nil
}

func (s *Store) runResources(ctx context.Context, runID string) ([]ir.ResourceID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, value FROM run_resources WHERE run_id = ? ORDER BY position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run resources: %w", err)
	}
	defer rows.Close()

	out := []ir.ResourceID{}
	for rows.Next() {
		var r ir.ResourceID
		if err := rows.Scan(&r.Type, &r.Value); err != nil {
			return nil, fmt.Errorf("scan run resource: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
