// Package schema defines the durable records of the offline mutation queue.
//
// A PendingChange is persisted as {id, kind, data, timestamp}. The shape is a
// durable format: records written by earlier versions of the shop app used
// "type" instead of "kind" and are still accepted when decoding.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies which mutation a PendingChange replays.
type Kind string

const (
	// KindQuantityAdjust sets a product's quantity and records an audit entry.
	KindQuantityAdjust Kind = "quantity_adjust"

	// KindProductUpdate applies a field-level product update verbatim.
	KindProductUpdate Kind = "product_update"

	// KindRequestCreate inserts a shop request.
	KindRequestCreate Kind = "request_create"
)

// Kinds lists every known kind in declaration order.
var Kinds = []Kind{KindQuantityAdjust, KindProductUpdate, KindRequestCreate}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	return string(k)
}

// ErrUnknownKind is returned when a record carries a kind this build does
// not know how to replay.
var ErrUnknownKind = errors.New("unknown change kind")

// PendingChange is a mutation that has not yet been confirmed by the server.
// Records are append/remove only; they are never edited in place.
type PendingChange struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

// UnmarshalJSON accepts both the current "kind" key and the legacy "type" key.
func (c *PendingChange) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID        string          `json:"id"`
		Kind      Kind            `json:"kind"`
		Type      Kind            `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	c.ID = raw.ID
	c.Kind = raw.Kind
	if c.Kind == "" {
		c.Kind = raw.Type
	}
	c.Data = raw.Data
	c.Timestamp = raw.Timestamp
	return nil
}

// Validate checks the envelope fields of a stored record.
func (c *PendingChange) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, c.Kind)
	}
	if len(c.Data) == 0 {
		return fmt.Errorf("data is required")
	}
	if c.Timestamp <= 0 {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Input is a change before the queue assigns its id and timestamp.
type Input struct {
	Kind Kind
	Data any
}

// Validate checks that the input carries a known kind and a payload valid for
// that kind.
func (in Input) Validate() error {
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, in.Kind)
	}
	if in.Data == nil {
		return fmt.Errorf("data is required")
	}

	if v, ok := in.Data.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid %s payload: %w", in.Kind, err)
		}
	}
	return nil
}

// Encode marshals the payload for storage.
func (in Input) Encode() (json.RawMessage, error) {
	data, err := json.Marshal(in.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", in.Kind, err)
	}
	return data, nil
}

// EncodeList serializes an ordered queue snapshot in the durable format.
func EncodeList(changes []PendingChange) ([]byte, error) {
	if changes == nil {
		changes = []PendingChange{}
	}
	return json.Marshal(changes)
}

// DecodeList parses a serialized queue. Empty input is an empty queue.
func DecodeList(data []byte) ([]PendingChange, error) {
	if len(data) == 0 {
		return []PendingChange{}, nil
	}

	var changes []PendingChange
	if err := json.Unmarshal(data, &changes); err != nil {
		return nil, fmt.Errorf("failed to parse pending changes: %w", err)
	}
	if changes == nil {
		changes = []PendingChange{}
	}
	return changes, nil
}
