// Package handlers implements the action types the engine dispatches to.
//
// Each handler reads its resolved params, performs one side effect
// (publish a message or data row, patch a document, arm a task, call an
// external service) and reports a context update and/or an action update
// back to the batch.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/careflow/internal/engine"
	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/ports"
)

// Action type names.
const (
	TypeMessage            = "Message"
	TypeBroadcast          = "Broadcast"
	TypeListMessages       = "ListMessages"
	TypeUpdateResource     = "UpdateResource"
	TypeUpdateContext      = "UpdateContext"
	TypeUpdateData         = "UpdateData"
	TypeUpdateRelation     = "UpdateRelation"
	TypeListGroup          = "ListGroup"
	TypeOpenTicket         = "OpenTicket"
	TypeCloseTicket        = "CloseTicket"
	TypeListTickets        = "ListTickets"
	TypeWebhook            = "Webhook"
	TypeOAuth              = "OAuth"
	TypeDataProvider       = "DataProvider"
	TypeCreateAction       = "CreateAction"
	TypeRunAction          = "RunAction"
	TypeSimplePatternCheck = "SimplePatternCheck"
)

// Default topics for published rows.
const (
	DefaultMessageTopic = "message"
	DefaultDataTopic    = "data"
)

// Scheduler arms delayed action runs. Implemented by scheduler.Scheduler.
type Scheduler interface {
	ArmAction(ctx context.Context, parent ir.ResourceID, a ir.Action, delay time.Duration, target *ir.ResourceID) (ir.TaskHandle, error)
	RunLater(ctx context.Context, policy, actionID string, target ir.ResourceID, delay time.Duration) (ir.TaskHandle, error)
}

// Deps are the collaborators shared by every handler.
type Deps struct {
	Docs      ports.DocumentStore
	Series    ports.TimeSeries
	Publisher ports.EventPublisher
	Scheduler Scheduler

	// Messages backs ListMessages.
	Messages ports.MessageLog

	// SystemPhone is the default sender for outbound messages.
	SystemPhone string

	// ProxyPhones relay person-to-person messages.
	ProxyPhones []string

	MessageTopic string
	DataTopic    string

	HTTPClient *http.Client
	Providers  map[string]Provider

	// StateBaseURL prefixes short OAuth links.
	StateBaseURL string

	IDs    engine.IDGenerator
	Logger *slog.Logger
}

func (d *Deps) defaults() {
	if d.MessageTopic == "" {
		d.MessageTopic = DefaultMessageTopic
	}
	if d.DataTopic == "" {
		d.DataTopic = DefaultDataTopic
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if d.IDs == nil {
		d.IDs = engine.UUIDv7Generator{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// Register binds every action type to its handler.
func Register(reg *engine.Registry, deps Deps) {
	deps.defaults()
	d := &deps
	reg.Register(TypeMessage, engine.HandlerFunc(d.message))
	reg.Register(TypeBroadcast, engine.HandlerFunc(d.broadcast))
	reg.Register(TypeListMessages, engine.HandlerFunc(d.listMessages))
	reg.Register(TypeUpdateResource, engine.HandlerFunc(d.updateResource))
	reg.Register(TypeUpdateContext, engine.HandlerFunc(d.updateContext))
	reg.Register(TypeUpdateData, engine.HandlerFunc(d.updateData))
	reg.Register(TypeUpdateRelation, engine.HandlerFunc(d.updateRelation))
	reg.Register(TypeListGroup, engine.HandlerFunc(d.listGroup))
	reg.Register(TypeOpenTicket, engine.HandlerFunc(d.openTicket))
	reg.Register(TypeCloseTicket, engine.HandlerFunc(d.closeTicket))
	reg.Register(TypeListTickets, engine.HandlerFunc(d.listTickets))
	reg.Register(TypeWebhook, engine.HandlerFunc(d.webhook))
	reg.Register(TypeOAuth, engine.HandlerFunc(d.oauth))
	reg.Register(TypeDataProvider, engine.HandlerFunc(d.dataProvider))
	reg.Register(TypeCreateAction, engine.HandlerFunc(d.createAction))
	reg.Register(TypeRunAction, engine.HandlerFunc(d.runAction))
	reg.Register(TypeSimplePatternCheck, engine.HandlerFunc(d.simplePatternCheck))
}

func (d *Deps) publish(ctx context.Context, topic string, row any) error {
	if d.Publisher == nil {
		return fmt.Errorf("publish to %s: no publisher configured", topic)
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode %s row: %w", topic, err)
	}
	if err := d.Publisher.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Param accessors. Missing or mistyped params read as zero values.

func stringParam(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case string:
		return v
	case float64:
		return ir.FormatNumber(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func floatParam(params map[string]any, key string) (float64, bool) {
	return ir.ToFloat(params[key])
}

// resourceParam reads a resource id given as {type, value}, as a document
// carrying an id, or as "type/value".
func resourceParam(params map[string]any, key string) (ir.ResourceID, bool) {
	if s, ok := params[key].(string); ok {
		id, err := ir.ParseResourceID(s)
		return id, err == nil
	}
	return ir.AsResourceID(params[key])
}

// tagsParam reads tags given as a list or a comma-separated string.
func tagsParam(params map[string]any, key string) []string {
	var tags []string
	switch v := params[key].(type) {
	case string:
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				tags = append(tags, s)
			}
		}
	case []string:
		tags = append(tags, v...)
	}
	return tags
}

// mapParam reads a mapping given either as a mapping or as a JSON object
// string.
func mapParam(params map[string]any, key string) (map[string]any, error) {
	switch v := params[key].(type) {
	case map[string]any:
		return v, nil
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("param %s: %w", key, err)
		}
		return m, nil
	case nil:
		return nil, fmt.Errorf("param %s is required", key)
	default:
		return nil, fmt.Errorf("param %s: want mapping or JSON object, got %T", key, v)
	}
}

func phoneOf(doc ir.Document) (ir.ResourceID, bool) {
	list, _ := doc["identifiers"].([]any)
	for _, item := range list {
		id, ok := ir.AsResourceID(item)
		if ok && id.Type == ir.TypePhone {
			return id, true
		}
	}
	return ir.ResourceID{}, false
}
