// Package worker routes claimed tasks to handlers by kind.
//
// Tasks carry a JSON envelope {"kind": ..., "data": ...}. Handlers are
// registered per kind before the Router is subscribed to a queue client.
// A handler that succeeds acks its task; a handler that fails leaves the
// lease to lapse so the task is delivered again after the visibility timeout.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Handler is the function executed for each claimed task of a registered
// kind. data is the envelope's "data" member. A non-nil return leaves the
// task leased until its visibility timeout expires, after which it is
// redelivered. A nil return acks (deletes) the task.
type Handler func(ctx context.Context, data json.RawMessage) error

// Envelope is the payload shape the Router understands.
type Envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

var errNoKind = errors.New("envelope has no kind")

// NewEnvelope marshals data and wraps it with kind.
func NewEnvelope(kind string, data any) (Envelope, error) {
	if kind == "" {
		return Envelope{}, errNoKind
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s data: %w", kind, err)
	}
	return Envelope{Kind: kind, Data: raw}, nil
}

// parseEnvelope decodes payload, rejecting anything without a kind.
func parseEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, err
	}
	if env.Kind == "" {
		return Envelope{}, errNoKind
	}
	return env, nil
}
