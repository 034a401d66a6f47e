package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/scarson/pgtasks/internal/store"
)

// Publish stores payload as a new task and wakes every listening consumer.
// payload is encoded with encoding/json; pass a json.RawMessage to store
// pre-encoded JSON as is.
//
// The insert is committed when Publish returns. The wake notification is a
// separate statement: if it fails the task stays stored and is dispatched on
// the next wake. Publish returns ErrNotConnected when the client is not ready.
func (c *Client) Publish(ctx context.Context, payload any) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	var id int64
	err = c.do(ctx, func(ctx context.Context, conn Conn) error {
		var err error
		if id, err = conn.InsertTask(ctx, raw); err != nil {
			return err
		}
		if err := conn.Notify(ctx); err != nil {
			c.log.Warn("publish: notify failed, task stored", "task_id", id, "error", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}

	c.metrics.AddPublished(1)
	c.log.Debug("task published", "task_id", id)
	return id, nil
}

// Stats returns task counts for the table.
func (c *Client) Stats(ctx context.Context) (store.Stats, error) {
	var s store.Stats
	err := c.do(ctx, func(ctx context.Context, conn Conn) error {
		var err error
		s, err = conn.Stats(ctx)
		return err
	})
	if err != nil {
		return store.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}
