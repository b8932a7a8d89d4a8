package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/careflow/internal/ir"
)

// AppendMessage records one message row.
func (s *Store) AppendMessage(ctx context.Context, m ir.Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("append message: marshal: %w", err)
	}
	tags, err := marshalTags(m.Tags)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	var sender, receiver string
	if m.Sender != nil {
		sender = m.Sender.Value
	}
	if m.Receiver != nil {
		receiver = m.Receiver.Value
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (time, sender_value, receiver_value, status, tags, body)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.Time.UTC().UnixNano(), sender, receiver, m.Status, tags, string(body)); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Messages returns the logged messages matching q. Without a limit they
// are ordered by time ascending; with one, the newest come first.
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) Messages(ctx context.Context, q ir.MessageQuery) ([]ir.Message, error) {
	var (
		where []string
		args  []any
	)
	if len(q.Senders) > 0 {
		where = append(where, "sender_value IN ("+placeholders(len(q.Senders))+")")
		for _, v := range q.Senders {
			args = append(args, v)
		}
	}
	if len(q.Receivers) > 0 {
		where = append(where, "receiver_value IN ("+placeholders(len(q.Receivers))+")")
		for _, v := range q.Receivers {
			args = append(args, v)
		}
	}
	if !q.Since.IsZero() {
		where = append(where, "time > ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if q.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(messages.tags) WHERE json_each.value = ?)")
		args = append(args, q.Tag)
	}

	query := `SELECT body FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Limit > 0 {
		query += " ORDER BY time DESC, seq DESC LIMIT ?"
		args = append(args, q.Limit)
	} else {
		query += " ORDER BY time ASC, seq ASC"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []ir.Message{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m ir.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
