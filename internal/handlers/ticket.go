package handlers

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/careflow/internal/engine"
	"github.com/roach88/careflow/internal/ir"
)

// Ticket rows are data rows tagged "ticket". The "ticket" reading carries
// the ticket number and its status; category, title and priority ride
// along on the opening row.
const (
	ticketTag      = "ticket"
	ticketReading  = "ticket"
	ticketOpened   = "opened"
	ticketClosed   = "closed"
	ticketIDPrefix = "ticket:"
)

// Ticket is one open ticket as reported by ListTickets.
type Ticket struct {
	PersonID ir.ResourceID `json:"person_id"`
	ID       int           `json:"id"`
	Title    string        `json:"title,omitempty"`
	Category string        `json:"category,omitempty"`
	Priority float64       `json:"priority"`
	Time     time.Time     `json:"time"`
}

func (t Ticket) tree() map[string]any {
	return map[string]any{
		"person_id": t.PersonID.Map(),
		"id":        float64(t.ID),
		"title":     t.Title,
		"category":  t.Category,
		"priority":  t.Priority,
		"time":      t.Time.Format(time.RFC3339Nano),
	}
}

// openTicket publishes an "opened" ticket row for person_id. The ticket
// number is one more than the count of tickets ever opened for the
// person.
func (d *Deps) openTicket(ctx context.Context, req engine.Request) (engine.Result, error) {
	person, ok := resourceParam(req.Params, "person_id")
	if !ok {
		return engine.Result{}, fmt.Errorf("open ticket: person_id is required")
	}
	rows, err := d.ticketRows(ctx, person)
	if err != nil {
		return engine.Result{}, fmt.Errorf("open ticket: %w", err)
	}
	opened := 0
	for _, r := range rows {
		if r.status == ticketOpened {
			opened++
		}
	}
	id := opened + 1

	priority := 1.0
	if p, ok := floatParam(req.Params, "priority"); ok {
		priority = p
	}
	row := ticketRow(req.Now, person, id, ticketOpened)
	if category := stringParam(req.Params, "category"); category != "" {
		row.Data = append(row.Data, ir.Reading{Name: "category", Value: category})
	}
	if title := stringParam(req.Params, "content"); title != "" {
		row.Data = append(row.Data, ir.Reading{Name: "title", Value: title})
	}
	row.Data = append(row.Data, ir.Reading{Name: "priority", Number: ir.Float(priority)})

	if err := d.publish(ctx, d.DataTopic, row); err != nil {
		return engine.Result{}, err
	}
	return ticketResult(id), nil
}

// closeTicket publishes a "closed" row for ticket_id, or for the number
// found in an id_tags entry carrying the id_prefix (default "ticket:").
func (d *Deps) closeTicket(ctx context.Context, req engine.Request) (engine.Result, error) {
	person, ok := resourceParam(req.Params, "person_id")
	if !ok {
		return engine.Result{}, fmt.Errorf("close ticket: person_id is required")
	}

	id := 0
	if f, ok := floatParam(req.Params, "ticket_id"); ok {
		id = int(f)
	}
	if id == 0 {
		prefix := stringParam(req.Params, "id_prefix")
		if prefix == "" {
			prefix = ticketIDPrefix
		}
		for _, tag := range tagsParam(req.Params, "id_tags") {
			if n, err := strconv.Atoi(strings.TrimPrefix(tag, prefix)); err == nil && strings.HasPrefix(tag, prefix) {
				id = n
			}
		}
	}
	if id == 0 {
		return engine.Result{}, fmt.Errorf("close ticket: no ticket id for %s", person)
	}

	if err := d.publish(ctx, d.DataTopic, ticketRow(req.Now, person, id, ticketClosed)); err != nil {
		return engine.Result{}, err
	}
	return ticketResult(id), nil
}

// listTickets reports open tickets as context "tickets".
//
// With person_id: that person's open tickets by priority, highest first.
// With parent_id: the top ticket of each member (paused members skipped)
// whose highest priority reaches the group maximum, ordered by the sum of
// the member's open priorities.
func (d *Deps) listTickets(ctx context.Context, req engine.Request) (engine.Result, error) {
	if person, ok := resourceParam(req.Params, "person_id"); ok {
		open, err := d.openTickets(ctx, person)
		if err != nil {
			return engine.Result{}, fmt.Errorf("list tickets: %w", err)
		}
		return engine.Result{ContextUpdate: map[string]any{"tickets": treeList(open)}}, nil
	}

	parent, ok := resourceParam(req.Params, "parent_id")
	if !ok {
		return engine.Result{}, fmt.Errorf("list tickets: person_id or parent_id is required")
	}
	members, err := d.Docs.Children(ctx, parent)
	if err != nil {
		return engine.Result{}, fmt.Errorf("list tickets: members of %s: %w", parent, err)
	}

	type summary struct {
		max, sum float64
		top      Ticket
	}
	var (
		people  []summary
		highest float64
	)
	for _, id := range members {
		if id.Type != ir.TypePerson {
			continue
		}
		doc, found, err := d.Docs.GetResource(ctx, id)
		if err != nil {
			return engine.Result{}, fmt.Errorf("list tickets: %w", err)
		}
		if found && doc["pause_time"] != nil {
			continue
		}
		open, err := d.openTickets(ctx, id)
		if err != nil {
			return engine.Result{}, fmt.Errorf("list tickets: %w", err)
		}
		if len(open) == 0 {
			continue
		}
		s := summary{top: open[0]}
		for _, t := range open {
			s.max = max(s.max, t.Priority)
			s.sum += t.Priority
		}
		highest = max(highest, s.max)
		people = append(people, s)
	}

	people = slices.DeleteFunc(people, func(s summary) bool { return s.max < highest })
	slices.SortStableFunc(people, func(a, b summary) int { return cmp.Compare(b.sum, a.sum) })
	tops := make([]Ticket, 0, len(people))
	for _, s := range people {
		tops = append(tops, s.top)
	}
	return engine.Result{ContextUpdate: map[string]any{"tickets": treeList(tops)}}, nil
}

type ticketEvent struct {
	time     time.Time
	id       int
	status   string
	title    string
	category string
	priority float64
}

// ticketRows groups the person's ticket-tagged points back into rows by
// time and ticket number, in time order.
func (d *Deps) ticketRows(ctx context.Context, person ir.ResourceID) ([]ticketEvent, error) {
	if d.Series == nil {
		return nil, fmt.Errorf("tickets for %s: no time series configured", person)
	}
	points, err := d.Series.Points(ctx, ir.SeriesQuery{Source: person, Tag: ticketTag})
	if err != nil {
		return nil, fmt.Errorf("tickets for %s: %w", person, err)
	}

	type rowKey struct {
		time time.Time
		tag  string
	}
	var rows []ticketEvent
	index := map[rowKey]int{}
	for _, p := range points {
		key := rowKey{time: p.Time}
		for _, tag := range p.Tags {
			if strings.HasPrefix(tag, ticketIDPrefix) {
				key.tag = tag
			}
		}
		i, seen := index[key]
		if !seen {
			i = len(rows)
			index[key] = i
			rows = append(rows, ticketEvent{time: p.Time})
		}
		r := &rows[i]
		switch p.Name {
		case ticketReading:
			if p.Number != nil {
				r.id = int(*p.Number)
			}
			r.status = p.Value
		case "title":
			r.title = p.Value
		case "category":
			r.category = p.Value
		case "priority":
			if p.Number != nil {
				r.priority = *p.Number
			}
		}
	}
	return rows, nil
}

// openTickets replays the person's ticket rows and returns the tickets
// still open, highest priority first.
func (d *Deps) openTickets(ctx context.Context, person ir.ResourceID) ([]Ticket, error) {
	rows, err := d.ticketRows(ctx, person)
	if err != nil {
		return nil, err
	}
	open := map[int]Ticket{}
	var order []int
	for _, r := range rows {
		switch r.status {
		case ticketOpened:
			if !slices.Contains(order, r.id) {
				order = append(order, r.id)
			}
			open[r.id] = Ticket{
				PersonID: person,
				ID:       r.id,
				Title:    r.title,
				Category: r.category,
				Priority: r.priority,
				Time:     r.time,
			}
		case ticketClosed:
			if _, ok := open[r.id]; !ok {
				d.Logger.Warn("ticket closed before opening", "resource", person, "ticket", r.id)
				continue
			}
			delete(open, r.id)
		}
	}

	tickets := make([]Ticket, 0, len(open))
	for _, id := range order {
		if t, ok := open[id]; ok {
			tickets = append(tickets, t)
		}
	}
	slices.SortStableFunc(tickets, func(a, b Ticket) int { return cmp.Compare(b.Priority, a.Priority) })
	return tickets, nil
}

func ticketRow(now time.Time, person ir.ResourceID, id int, status string) ir.DataEvent {
	return ir.DataEvent{
		Time:   now,
		Source: person,
		Tags:   []string{ticketTag, ticketIDPrefix + strconv.Itoa(id)},
		Data:   []ir.Reading{{Name: ticketReading, Number: ir.Float(float64(id)), Value: status}},
	}
}

func ticketResult(id int) engine.Result {
	return engine.Result{ContextUpdate: map[string]any{
		"tickets": []any{map[string]any{"id": float64(id)}},
	}}
}

func treeList(tickets []Ticket) []any {
	out := make([]any, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, t.tree())
	}
	return out
}
