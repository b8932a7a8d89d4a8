package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channel names the inbound stream an event arrived on.
type Channel string

const (
	ChannelMessage Channel = "message"
	ChannelData    Channel = "data"
)

// Message statuses.
const (
	StatusReceived = "received"
	StatusSent     = "sent"
	StatusInternal = "internal"
	StatusEngage   = "engage"
)

// Well-known message tags.
const (
	TagProxy          = "proxy"
	TagSourceAction   = "source:action"
	TagSourceSchedule = "source:schedule"
)

// Event is one normalized inbound event. Exactly one of Message or Data is
// set, matching Channel.
type Event struct {
	Channel Channel    `json:"channel"`
	Message *Message   `json:"message,omitempty"`
	Data    *DataEvent `json:"data,omitempty"`
}

// Validate checks the channel/payload pairing.
func (e Event) Validate() error {
	switch e.Channel {
	case ChannelMessage:
		if e.Message == nil {
			return fmt.Errorf("message event without message payload")
		}
	case ChannelData:
		if e.Data == nil {
			return fmt.Errorf("data event without data payload")
		}
	default:
		return fmt.Errorf("unknown event channel %q", e.Channel)
	}
	return nil
}

// DecodeEvent decodes a topic payload into an event on channel ch. A
// zero time is left for the caller to fill.
func DecodeEvent(ch Channel, payload []byte) (Event, error) {
	ev := Event{Channel: ch}
	switch ch {
	case ChannelMessage:
		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return Event{}, fmt.Errorf("decode message row: %w", err)
		}
		ev.Message = &m
	case ChannelData:
		var d DataEvent
		if err := json.Unmarshal(payload, &d); err != nil {
			return Event{}, fmt.Errorf("decode data row: %w", err)
		}
		ev.Data = &d
	default:
		return Event{}, fmt.Errorf("unknown event channel %q", ch)
	}
	return ev, nil
}

// Message is a message row as published on the message topic.
type Message struct {
	Time        time.Time   `json:"time"`
	Sender      *ResourceID `json:"sender,omitempty"`
	Receiver    *ResourceID `json:"receiver,omitempty"`
	Status      string      `json:"status"`
	Tags        []string    `json:"tags,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	Content     any         `json:"content,omitempty"`
}

// HasTag reports whether the message carries tag.
func (m Message) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Reading is one named measurement inside a data event.
type Reading struct {
	Name   string   `json:"name"`
	Number *float64 `json:"number,omitempty"`
	Value  string   `json:"value,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// DataEvent is a data row as published on the data topic.
type DataEvent struct {
	Time   time.Time  `json:"time"`
	Source ResourceID `json:"source"`
	Data   []Reading  `json:"data"`
	Tags   []string   `json:"tags,omitempty"`
}

// Points flattens the event into time-series points.
func (d DataEvent) Points() []DataPoint {
	points := make([]DataPoint, 0, len(d.Data))
	for _, r := range d.Data {
		points = append(points, DataPoint{
			Time:   d.Time,
			Source: d.Source,
			Name:   r.Name,
			Number: r.Number,
			Value:  r.Value,
			Tags:   append(append([]string{}, d.Tags...), r.Tags...),
		})
	}
	return points
}

// DataPoint is one stored time-series reading.
type DataPoint struct {
	Time   time.Time  `json:"time"`
	Source ResourceID `json:"source"`
	Name   string     `json:"name"`
	Number *float64   `json:"number,omitempty"`
	Value  string     `json:"value,omitempty"`
	Tags   []string   `json:"tags,omitempty"`
}

// SeriesQuery selects time-series points. Zero fields do not filter.
type SeriesQuery struct {
	Source  ResourceID
	Name    string
	Since   time.Time
	Tag     string
	Numeric bool
}

// MessageQuery selects logged messages. Zero fields do not filter.
type MessageQuery struct {
	// Senders and Receivers match identifier values (phone numbers).
	Senders   []string
	Receivers []string
	Since     time.Time
	Tag       string

	// Limit > 0 returns only the newest Limit messages, newest first.
	// Otherwise messages are returned oldest first.
	Limit int
}

// Float is a convenience for building readings.
func Float(f float64) *float64 {
	return &f
}

// Tree converts any event payload into the generic tree form stored in a
// context.
func Tree(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return m, nil
}
