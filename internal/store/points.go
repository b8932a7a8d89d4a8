package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/careflow/internal/ir"
)

// AppendPoints inserts data points in one transaction.
func (s *Store) AppendPoints(ctx context.Context, points []ir.DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append points: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range points {
		tags, err := marshalTags(p.Tags)
		if err != nil {
			return fmt.Errorf("append points: %w", err)
		}
		var number sql.NullFloat64
		if p.Number != nil {
			number = sql.NullFloat64{Float64: *p.Number, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO points (time, source_type, source_id, name, number, value, tags)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, p.Time.UTC().UnixNano(), p.Source.Type, p.Source.Value, p.Name, number, p.Value, tags); err != nil {
			return fmt.Errorf("append point %s: %w", p.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append points: commit: %w", err)
	}
	return nil
}

// Points returns matching points ordered by time ascending.
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) Points(ctx context.Context, q ir.SeriesQuery) ([]ir.DataPoint, error) {
	var (
		where []string
		args  []any
	)
	if !q.Source.IsZero() {
		where = append(where, "source_type = ? AND source_id = ?")
		args = append(args, q.Source.Type, q.Source.Value)
	}
	if q.Name != "" {
		where = append(where, "name = ?")
		args = append(args, q.Name)
	}
	if !q.Since.IsZero() {
		where = append(where, "time >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if q.Numeric {
		where = append(where, "number IS NOT NULL")
	}
	if q.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(points.tags) WHERE json_each.value = ?)")
		args = append(args, q.Tag)
	}

	query := `SELECT time, source_type, source_id, name, number, value, tags FROM points`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY time ASC, seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}
	defer rows.Close()

	points := []ir.DataPoint{}
	for rows.Next() {
		var (
			p      ir.DataPoint
			nanos  int64
			number sql.NullFloat64
			tags   string
		)
		if err := rows.Scan(&nanos, &p.Source.Type, &p.Source.Value, &p.Name, &number, &p.Value, &tags); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		p.Time = time.Unix(0, nanos).UTC()
		if number.Valid {
			p.Number = ir.Float(number.Float64)
		}
		if p.Tags, err = unmarshalTags(tags); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate points: %w", err)
	}
	return points, nil
}
