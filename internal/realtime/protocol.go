// Package realtime distributes committed board mutations to authenticated
// websocket clients. A Hub owns the live connections and their channel
// subscriptions, a Publisher turns mutations into events on derived
// channels, and a Broadcaster re-checks access for every recipient before
// delivery.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/markb/boardsync/internal/channel"
)

// EventKind tags an Event.
type EventKind string

const (
	KindInsert EventKind = "INSERT"
	KindUpdate EventKind = "UPDATE"
	KindDelete EventKind = "DELETE"
	KindCustom EventKind = "CUSTOM"
)

// ParseKind accepts the wire spelling of an event kind.
func ParseKind(s string) (EventKind, error) {
	switch k := EventKind(s); k {
	case KindInsert, KindUpdate, KindDelete, KindCustom:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown event kind %q", ErrInvalidEvent, s)
}

// Client control message types
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"
	TypeAccessToken = "access_token"
)

// Server acknowledgement types, sent on the system channel
const (
	AckConnected    = "connected"
	AckSubscribed   = "subscribed"
	AckUnsubscribed = "unsubscribed"
	AckPong         = "pong"
	AckError        = "error"
)

// Error codes carried by error acknowledgements
const (
	CodeInvalidMessage = "invalid_message"
	CodeInvalidChannel = "invalid_channel"
	CodeForbidden      = "forbidden"
	CodeCheckFailed    = "access_check_failed"
	CodeInvalidToken   = "invalid_token"
	CodeUserMismatch   = "user_mismatch"
)

var ErrInvalidEvent = errors.New("invalid event")

// ControlMessage is a client to server frame.
type ControlMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Token   string `json:"token,omitempty"`
}

// DecodeControl parses a client frame and checks its required fields.
func DecodeControl(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	switch msg.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if msg.Channel == "" {
			return nil, fmt.Errorf("%s requires a channel", msg.Type)
		}
	case TypeAccessToken:
		if msg.Token == "" {
			return nil, errors.New("access_token requires a token")
		}
	case TypePing:
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return &msg, nil
}

func (m *ControlMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Message is a server to client frame. Control acknowledgements use the
// system channel with a CUSTOM event; data events carry the table and a
// payload of {new, old}.
type Message struct {
	Event   EventKind      `json:"event"`
	Table   string         `json:"table,omitempty"`
	Channel string         `json:"channel"`
	Payload map[string]any `json:"payload"`
}

// Encode serializes a message to JSON bytes
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses JSON bytes into a Message
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	if msg.Channel == "" {
		return nil, errors.New("message has no channel")
	}
	if _, err := ParseKind(string(msg.Event)); err != nil {
		return nil, err
	}
	return &msg, nil
}

// IsControl reports whether m is an acknowledgement on the system channel.
func (m *Message) IsControl() bool {
	return m.Channel == channel.System
}

// ControlType returns payload.type for control and custom messages.
func (m *Message) ControlType() string {
	t, _ := m.Payload["type"].(string)
	return t
}

// String returns payload[key] when it is a string.
func (m *Message) String(key string) string {
	s, _ := m.Payload[key].(string)
	return s
}

// ToEvent converts a data message back into a validated Event.
func (m *Message) ToEvent() (*Event, error) {
	ev := &Event{Kind: m.Event, Table: m.Table}
	if m.Event == KindCustom {
		ev.Type = m.ControlType()
		ev.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			if k != "type" {
				ev.Payload[k] = v
			}
		}
	} else {
		if r, ok := m.Payload["new"].(map[string]any); ok {
			ev.New = r
		}
		if r, ok := m.Payload["old"].(map[string]any); ok {
			ev.Old = r
		}
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// NewControl builds a system-channel acknowledgement.
func NewControl(ackType string, fields map[string]any) *Message {
	payload := make(map[string]any, len(fields)+1)
	maps.Copy(payload, fields)
	payload["type"] = ackType
	return &Message{Event: KindCustom, Channel: channel.System, Payload: payload}
}

// NewErrorAck builds an error acknowledgement.
func NewErrorAck(code, message, channelName string) *Message {
	fields := map[string]any{"code": code, "message": message}
	if channelName != "" {
		fields["channel"] = channelName
	}
	return NewControl(AckError, fields)
}

// Record is one row as carried on the wire.
type Record map[string]any

// String returns r[key] when it is a non-empty string.
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

func (r Record) ID() string {
	return r.String("id")
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Event is one mutation or custom notification. It is a tagged union keyed
// by (Kind, Table): data events carry New and/or Old, custom events carry
// Type and Payload.
type Event struct {
	Kind  EventKind
	Table string
	New   Record
	Old   Record

	Type    string
	Payload map[string]any

	// Aggregate is the resolved owner of the mutated row. It never goes on
	// the wire.
	Aggregate channel.Aggregate
}

// Message renders e for delivery on channelName.
func (e *Event) Message(channelName string) *Message {
	if e.Kind == KindCustom {
		payload := make(map[string]any, len(e.Payload)+1)
		maps.Copy(payload, e.Payload)
		payload["type"] = e.Type
		return &Message{Event: KindCustom, Channel: channelName, Payload: payload}
	}
	payload := make(map[string]any, 2)
	if e.New != nil {
		payload["new"] = map[string]any(e.New)
	}
	if e.Old != nil {
		payload["old"] = map[string]any(e.Old)
	}
	return &Message{Event: e.Kind, Table: e.Table, Channel: channelName, Payload: payload}
}

// Validate checks e against the per-table schema.
func (e *Event) Validate() error {
	if e.Kind == KindCustom {
		if e.Type == "" {
			return fmt.Errorf("%w: custom event requires a type", ErrInvalidEvent)
		}
		return nil
	}
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return err
	}

	schema, ok := schemas[e.Table]
	if !ok {
		return fmt.Errorf("%w: unknown table %q", ErrInvalidEvent, e.Table)
	}

	switch e.Kind {
	case KindInsert:
		if e.New == nil {
			return fmt.Errorf("%w: INSERT on %s requires new", ErrInvalidEvent, e.Table)
		}
		if err := schema.validate(e.Table, e.New, true); err != nil {
			return err
		}
	case KindUpdate:
		if e.New == nil {
			return fmt.Errorf("%w: UPDATE on %s requires new", ErrInvalidEvent, e.Table)
		}
		if err := schema.validate(e.Table, e.New, false); err != nil {
			return err
		}
	case KindDelete:
		if e.Old == nil {
			return fmt.Errorf("%w: DELETE on %s requires old", ErrInvalidEvent, e.Table)
		}
	}
	if e.Old != nil {
		if err := schema.validate(e.Table, e.Old, false); err != nil {
			return err
		}
	}
	return nil
}

// Key returns the identity of a row of table: its id, or the composite
// member key for membership tables.
func Key(table string, r Record) string {
	switch table {
	case channel.TableWorkspaceMembers:
		return r.String("workspace_id") + "/" + r.String("user_id")
	case channel.TableBoardMembers:
		return r.String("board_id") + "/" + r.String("user_id")
	}
	return r.ID()
}

type fieldType int

const (
	fieldString fieldType = iota
	fieldNumber
	fieldBool
	fieldTimestamp // RFC 3339 string or epoch milliseconds
)

type tableSchema struct {
	key     []string // always required
	parents []string // required on INSERT
	fields  map[string]fieldType
}

var schemas = map[string]tableSchema{
	channel.TableWorkspaces: {
		key:    []string{"id"},
		fields: map[string]fieldType{"name": fieldString},
	},
	channel.TableWorkspaceMembers: {
		key:    []string{"workspace_id", "user_id"},
		fields: map[string]fieldType{"role": fieldString},
	},
	channel.TableBoards: {
		key:     []string{"id"},
		parents: []string{"workspace_id"},
		fields: map[string]fieldType{
			"name":       fieldString,
			"visibility": fieldString,
			"position":   fieldNumber,
		},
	},
	channel.TableBoardMembers: {
		key:    []string{"board_id", "user_id"},
		fields: map[string]fieldType{"role": fieldString},
	},
	channel.TableColumns: {
		key:     []string{"id"},
		parents: []string{"board_id"},
		fields: map[string]fieldType{
			"title":    fieldString,
			"position": fieldNumber,
		},
	},
	channel.TableCards: {
		key:     []string{"id"},
		parents: []string{"column_id"},
		fields: map[string]fieldType{
			"title":       fieldString,
			"description": fieldString,
			"position":    fieldNumber,
			"archived":    fieldBool,
		},
	},
}

var commonFields = map[string]fieldType{
	"created_at": fieldTimestamp,
	"updated_at": fieldTimestamp,
}

func (s tableSchema) validate(table string, r Record, insert bool) error {
	for _, k := range s.key {
		if r.String(k) == "" {
			return fmt.Errorf("%w: %s record requires %s", ErrInvalidEvent, table, k)
		}
	}
	for _, k := range s.parents {
		v, present := r[k]
		if !present {
			if insert {
				return fmt.Errorf("%w: %s insert requires %s", ErrInvalidEvent, table, k)
			}
			continue
		}
		if sv, ok := v.(string); !ok || sv == "" {
			return fmt.Errorf("%w: %s.%s must be a non-empty string", ErrInvalidEvent, table, k)
		}
	}
	for k, v := range r {
		ft, ok := s.fields[k]
		if !ok {
			ft, ok = commonFields[k]
		}
		if !ok || v == nil {
			continue
		}
		if !ft.accepts(v) {
			return fmt.Errorf("%w: %s.%s has unexpected type %T", ErrInvalidEvent, table, k, v)
		}
	}
	return nil
}

func (ft fieldType) accepts(v any) bool {
	switch ft {
	case fieldString:
		_, ok := v.(string)
		return ok
	case fieldNumber:
		return isNumber(v)
	case fieldBool:
		_, ok := v.(bool)
		return ok
	case fieldTimestamp:
		if _, ok := v.(string); ok {
			return true
		}
		return isNumber(v)
	}
	return false
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, int32, json.Number:
		return true
	}
	return false
}
