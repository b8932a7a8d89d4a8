package handlers

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/roach88/careflow/internal/engine"
	"github.com/roach88/careflow/internal/ir"
)

const contentTypeText = "text/plain"

// A person's message session lasts at most SessionLength from its start
// and lapses after SessionGap without an outbound message.
const (
	SessionLength = 3 * time.Hour
	SessionGap    = 20 * time.Minute
)

// DefaultListPeriod is how far back ListMessages looks without a period.
const DefaultListPeriod = 12 * time.Hour

// message publishes one outbound message.
//
// Params: receiver, sender, content, tags. A person-to-person message is
// relayed through a proxy phone and tagged "proxy".
func (d *Deps) message(ctx context.Context, req engine.Request) (engine.Result, error) {
	tags := append(tagsParam(req.Params, "tags"), ir.TagSourceAction)

	receiver, ok := resourceParam(req.Params, "receiver")
	if !ok {
		return engine.Result{}, fmt.Errorf("message: receiver is required")
	}
	sender, hasSender := resourceParam(req.Params, "sender")

	var relay *ir.ResourceID
	if hasSender && sender.Type == ir.TypePerson && receiver.Type == ir.TypePerson {
		proxy, err := d.proxyFor(ctx, receiver)
		if err != nil {
			return engine.Result{}, err
		}
		relay = &proxy
		tags = append(tags, ir.TagProxy)
	}

	if receiver.Type == ir.TypePerson {
		person, found, err := d.Docs.GetResource(ctx, receiver)
		if err != nil {
			return engine.Result{}, fmt.Errorf("message: load %s: %w", receiver, err)
		}
		if found {
			if _, stopped := person["stopped"]; stopped {
				d.Logger.Info("skipping message to stopped person", "resource", receiver, "action_id", req.Action.ID)
				return engine.Result{}, nil
			}
			tag, err := d.trackSession(ctx, receiver, person, req.Now)
			if err != nil {
				return engine.Result{}, err
			}
			if tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	from := d.systemPhone()
	switch {
	case relay != nil:
		from = *relay
	case hasSender:
		phone, err := d.senderPhone(ctx, sender)
		if err != nil {
			return engine.Result{}, err
		}
		from = phone
	}

	to, found, err := d.receiverPhone(ctx, receiver)
	if err != nil {
		return engine.Result{}, err
	}
	if !found {
		d.Logger.Warn("message receiver has no phone", "resource", receiver, "action_id", req.Action.ID)
		return engine.Result{}, nil
	}
	if to == from || d.isSystemPhone(to.Value) {
		return engine.Result{}, fmt.Errorf("message: refusing to message system phone %s from %s", to.Value, from.Value)
	}

	return engine.Result{}, d.publish(ctx, d.MessageTopic, ir.Message{
		Time:        req.Now,
		Sender:      &from,
		Receiver:    &to,
		Status:      ir.StatusSent,
		Tags:        tags,
		ContentType: contentTypeText,
		Content:     req.Params["content"],
	})
}

// broadcast publishes one message to every person member of parent_id.
// Stopped members and members without a phone are skipped.
func (d *Deps) broadcast(ctx context.Context, req engine.Request) (engine.Result, error) {
	tags := append(tagsParam(req.Params, "tags"), ir.TagSourceAction)

	parent, ok := resourceParam(req.Params, "parent_id")
	if !ok {
		return engine.Result{}, fmt.Errorf("broadcast: parent_id is required")
	}
	from, err := d.senderPhone(ctx, parent)
	if err != nil {
		return engine.Result{}, err
	}

	members, err := d.Docs.Children(ctx, parent)
	if err != nil {
		return engine.Result{}, fmt.Errorf("broadcast: members of %s: %w", parent, err)
	}

	sent := 0
	for _, id := range members {
		if id.Type != ir.TypePerson {
			continue
		}
		member, found, err := d.Docs.GetResource(ctx, id)
		if err != nil {
			return engine.Result{}, fmt.Errorf("broadcast: load %s: %w", id, err)
		}
		if !found {
			continue
		}
		if _, stopped := member["stopped"]; stopped {
			continue
		}
		memberTags := slices.Clone(tags)
		tag, err := d.trackSession(ctx, id, member, req.Now)
		if err != nil {
			return engine.Result{}, err
		}
		if tag != "" {
			memberTags = append(memberTags, tag)
		}
		to, ok := phoneOf(member)
		if !ok {
			d.Logger.Warn("broadcast member has no phone", "resource", id, "action_id", req.Action.ID)
			continue
		}
		err = d.publish(ctx, d.MessageTopic, ir.Message{
			Time:        req.Now,
			Sender:      &from,
			Receiver:    &to,
			Status:      ir.StatusSent,
			Tags:        memberTags,
			ContentType: contentTypeText,
			Content:     req.Params["content"],
		})
		if err != nil {
			return engine.Result{}, err
		}
		sent++
	}
	d.Logger.Debug("broadcast sent", "resource", parent, "count", sent)
	return engine.Result{}, nil
}

// listMessages reports recent conversation rows under context key
// "messages".
//
// Params: sender_id, receiver_id, period (seconds, default 12h), tag,
// limit. Senders and receivers match any identifier of the given
// resources; with both given, the proxy phones relaying between them
// match too.
func (d *Deps) listMessages(ctx context.Context, req engine.Request) (engine.Result, error) {
	if d.Messages == nil {
		return engine.Result{}, fmt.Errorf("list messages: no message log configured")
	}
	period := DefaultListPeriod
	if secs, ok := floatParam(req.Params, "period"); ok && secs > 0 {
		period = time.Duration(secs * float64(time.Second))
	}
	q := ir.MessageQuery{
		Since: req.Now.Add(-period),
		Tag:   stringParam(req.Params, "tag"),
	}
	if n, ok := floatParam(req.Params, "limit"); ok && n > 0 {
		q.Limit = int(n)
	}

	sender, hasSender := resourceParam(req.Params, "sender_id")
	receiver, hasReceiver := resourceParam(req.Params, "receiver_id")
	var err error
	if hasSender {
		if q.Senders, err = d.identifierValues(ctx, sender); err != nil {
			return engine.Result{}, err
		}
	}
	if hasReceiver {
		if q.Receivers, err = d.identifierValues(ctx, receiver); err != nil {
			return engine.Result{}, err
		}
	}
	if hasSender && hasReceiver {
		if proxy, err := d.proxyFor(ctx, sender); err == nil {
			q.Receivers = append(q.Receivers, proxy.Value)
		}
		if proxy, err := d.proxyFor(ctx, receiver); err == nil {
			q.Senders = append(q.Senders, proxy.Value)
		}
	}

	rows := []any{}
	if (!hasSender || len(q.Senders) > 0) && (!hasReceiver || len(q.Receivers) > 0) {
		msgs, err := d.Messages.Messages(ctx, q)
		if err != nil {
			return engine.Result{}, fmt.Errorf("list messages: %w", err)
		}
		for _, m := range msgs {
			row, err := ir.Tree(m)
			if err != nil {
				return engine.Result{}, fmt.Errorf("list messages: %w", err)
			}
			rows = append(rows, row)
		}
	}
	return engine.Result{ContextUpdate: map[string]any{"messages": rows}}, nil
}

// identifierValues returns the identifier values of a resource, or the
// identifier itself when it is not a person or group.
func (d *Deps) identifierValues(ctx context.Context, id ir.ResourceID) ([]string, error) {
	if id.Type != ir.TypePerson && id.Type != ir.TypeGroup {
		return []string{id.Value}, nil
	}
	doc, found, err := d.Docs.GetResource(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list messages: load %s: %w", id, err)
	}
	var values []string
	if !found {
		return values, nil
	}
	list, _ := doc["identifiers"].([]any)
	for _, item := range list {
		if ident, ok := ir.AsResourceID(item); ok {
			values = append(values, ident.Value)
		}
	}
	return values, nil
}

// trackSession extends the person's open message session and returns its
// "session:<id>" tag. A missing or lapsed session is replaced by a new
// one, which yields no tag.
func (d *Deps) trackSession(ctx context.Context, id ir.ResourceID, person ir.Document, now time.Time) (string, error) {
	stamp := now.UTC().Format(time.RFC3339Nano)
	session, _ := person["session"].(map[string]any)
	if sessionID, ok := openSession(session, now); ok {
		updated := maps.Clone(session)
		updated["last_message_time"] = stamp
		if err := d.Docs.UpdateResource(ctx, id, map[string]any{"session": updated}); err != nil {
			return "", fmt.Errorf("session of %s: %w", id, err)
		}
		return "session:" + sessionID, nil
	}
	err := d.Docs.UpdateResource(ctx, id, map[string]any{"session": map[string]any{
		"id":                d.IDs.NewID(),
		"start":             stamp,
		"last_message_time": stamp,
	}})
	if err != nil {
		return "", fmt.Errorf("session of %s: %w", id, err)
	}
	return "", nil
}

// openSession reports the id of a session that is still open at now.
func openSession(session map[string]any, now time.Time) (string, bool) {
	id, _ := session["id"].(string)
	start := timeParam(session, "start")
	last := timeParam(session, "last_message_time")
	if id == "" || start.IsZero() || last.IsZero() {
		return "", false
	}
	if now.Sub(start) > SessionLength || now.Sub(last) > SessionGap {
		return "", false
	}
	return id, true
}

func (d *Deps) systemPhone() ir.ResourceID {
	return ir.ResourceID{Type: ir.TypePhone, Value: d.SystemPhone}
}

func (d *Deps) isSystemPhone(value string) bool {
	return value == d.SystemPhone || slices.Contains(d.ProxyPhones, value)
}

// senderPhone resolves the phone a resource sends from: its own phone, or
// the phone of its first group parent that has one, or the system phone.
func (d *Deps) senderPhone(ctx context.Context, id ir.ResourceID) (ir.ResourceID, error) {
	if id.Type == ir.TypePhone {
		return id, nil
	}
	doc, found, err := d.Docs.GetResource(ctx, id)
	if err != nil {
		return ir.ResourceID{}, fmt.Errorf("sender %s: %w", id, err)
	}
	if found {
		if phone, ok := phoneOf(doc); ok {
			return phone, nil
		}
	}
	parents, err := d.Docs.Parents(ctx, id)
	if err != nil {
		return ir.ResourceID{}, fmt.Errorf("sender parents of %s: %w", id, err)
	}
	for _, p := range parents {
		if p.Type != ir.TypeGroup {
			continue
		}
		group, found, err := d.Docs.GetResource(ctx, p)
		if err != nil {
			return ir.ResourceID{}, fmt.Errorf("sender group %s: %w", p, err)
		}
		if !found {
			continue
		}
		if phone, ok := phoneOf(group); ok {
			return phone, nil
		}
	}
	return d.systemPhone(), nil
}

func (d *Deps) receiverPhone(ctx context.Context, id ir.ResourceID) (ir.ResourceID, bool, error) {
	if id.Type == ir.TypePhone {
		return id, true, nil
	}
	doc, found, err := d.Docs.GetResource(ctx, id)
	if err != nil {
		return ir.ResourceID{}, false, fmt.Errorf("receiver %s: %w", id, err)
	}
	if !found {
		return ir.ResourceID{}, false, nil
	}
	phone, ok := phoneOf(doc)
	return phone, ok, nil
}

// proxyFor picks the relay phone for messages to receiver: the receiver's
// own "proxy" field when set, else the first configured proxy phone.
func (d *Deps) proxyFor(ctx context.Context, receiver ir.ResourceID) (ir.ResourceID, error) {
	doc, _, err := d.Docs.GetResource(ctx, receiver)
	if err != nil {
		return ir.ResourceID{}, fmt.Errorf("proxy for %s: %w", receiver, err)
	}
	if p, ok := doc["proxy"].(string); ok && p != "" {
		return ir.ResourceID{Type: ir.TypePhone, Value: p}, nil
	}
	if len(d.ProxyPhones) == 0 {
		return ir.ResourceID{}, fmt.Errorf("proxy for %s: no proxy phones configured", receiver)
	}
	return ir.ResourceID{Type: ir.TypePhone, Value: d.ProxyPhones[0]}, nil
}
