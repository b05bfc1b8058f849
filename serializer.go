package eventcore

import (
	"encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the wire format every broker transports opaquely.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Metadata  Metadata        `json:"metadata"`
	Timestamp time.Time       `json:"timestamp"`
}

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// WithUntypedFallback makes Deserialize return a *RawEvent for unregistered
// types instead of failing.
func WithUntypedFallback() SerializerOption {
	return func(s *Serializer) { s.fallback = true }
}

// Serializer converts events to and from the wire Envelope.
type Serializer struct {
	registry *TypeRegistry
	fallback bool
}

func NewSerializer(registry *TypeRegistry, opts ...SerializerOption) *Serializer {
	if registry == nil {
		registry = NewTypeRegistry()
	}
	s := &Serializer{registry: registry}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the type registry used for decoding.
func (s *Serializer) Registry() *TypeRegistry {
	return s.registry
}

// Serialize encodes ev into an Envelope. Domain events without an id or
// timestamp are stamped first.
func (s *Serializer) Serialize(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, &SerializationError{Op: "serialize", Err: fmt.Errorf("nil event")}
	}
	Stamp(ev)

	data, err := MarshalPayload(ev)
	if err != nil {
		return nil, &SerializationError{Op: "serialize", Type: ev.EventType(), Err: err}
	}

	md := MetadataOf(ev)
	if _, ok := ev.(DomainEvent); !ok {
		md = Metadata{EventID: newEventID(), Timestamp: now(), Version: 1}
	}

	out, err := codec.Marshal(Envelope{
		Type:      ev.EventType(),
		Data:      data,
		Metadata:  md,
		Timestamp: now(),
	})
	if err != nil {
		return nil, &SerializationError{Op: "serialize", Type: ev.EventType(), Err: err}
	}
	return out, nil
}

// Deserialize decodes an Envelope. A non-empty typeHint takes precedence
// over the type recorded in the envelope.
func (s *Serializer) Deserialize(data []byte, typeHint string) (Event, error) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, &SerializationError{Op: "deserialize", Type: typeHint, Err: err}
	}

	name := env.Type
	if typeHint != "" {
		name = typeHint
	}
	if name == "" {
		return nil, &SerializationError{Op: "deserialize", Err: fmt.Errorf("envelope has no type")}
	}
	return s.decode(name, env.Data, env.Metadata)
}

// SerializeBatch encodes evs element-wise, preserving order.
func (s *Serializer) SerializeBatch(evs []Event) ([][]byte, error) {
	out := make([][]byte, len(evs))
	for i, ev := range evs {
		b, err := s.Serialize(ev)
		if err != nil {
			return nil, fmt.Errorf("serialize batch item %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// DeserializeBatch decodes payloads element-wise, preserving order.
func (s *Serializer) DeserializeBatch(payloads [][]byte, typeHint string) ([]Event, error) {
	out := make([]Event, len(payloads))
	for i, p := range payloads {
		ev, err := s.Deserialize(p, typeHint)
		if err != nil {
			return nil, fmt.Errorf("deserialize batch item %d: %w", i, err)
		}
		out[i] = ev
	}
	return out, nil
}

// DecodeStored rebuilds the event held in a store record.
func (s *Serializer) DecodeStored(se StoredEvent) (Event, error) {
	return s.decode(se.EventType, se.Data, se.Metadata)
}

func (s *Serializer) decode(name string, data json.RawMessage, md Metadata) (Event, error) {
	ev, err := s.registry.New(name)
	if err != nil {
		if s.fallback {
			return untyped(name, data, md)
		}
		return nil, &SerializationError{Op: "deserialize", Type: name, Err: err}
	}

	if len(data) > 0 && string(data) != "null" {
		if err := codec.Unmarshal(data, ev); err != nil {
			return nil, &SerializationError{Op: "deserialize", Type: name, Err: err}
		}
	}

	if de, ok := ev.(DomainEvent); ok {
		de.base().restore(md)
	}
	return ev, nil
}

func untyped(name string, data json.RawMessage, md Metadata) (Event, error) {
	fields := make(map[string]any)
	if len(data) > 0 && string(data) != "null" {
		if err := codec.Unmarshal(data, &fields); err != nil {
			return nil, &SerializationError{Op: "deserialize", Type: name, Err: err}
		}
	}

	raw, err := codec.Marshal(md)
	if err != nil {
		return nil, &SerializationError{Op: "deserialize", Type: name, Err: err}
	}
	var mdFields map[string]any
	if err := codec.Unmarshal(raw, &mdFields); err != nil {
		return nil, &SerializationError{Op: "deserialize", Type: name, Err: err}
	}
	for k, v := range mdFields {
		fields[k] = v
	}

	ev := &RawEvent{Type: name, Fields: fields}
	ev.restore(md)
	return ev, nil
}

// MarshalPayload returns the payload of ev without envelope fields.
func MarshalPayload(ev Event) (json.RawMessage, error) {
	if raw, ok := ev.(*RawEvent); ok {
		payload := make(map[string]any, len(raw.Fields))
		for k, v := range raw.Fields {
			switch k {
			case "eventId", "timestamp", "correlationId", "causationId", "userId", "version":
				continue
			}
			payload[k] = v
		}
		return codec.Marshal(payload)
	}
	return codec.Marshal(ev)
}
