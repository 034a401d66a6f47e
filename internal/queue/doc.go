// Package queue implements a durable work queue on top of a single Postgres
// connection: publishing, wake-driven dispatch, and per-task leases.
//
// A Client owns one connection at a time. Run establishes it (creating the
// task table, subscribing to the channel and sending one bootstrap
// notification), keeps it alive, and reconnects after failures. Every query
// the client issues is executed by the goroutine inside Run, so the
// connection is never used concurrently.
//
//	c := queue.New(dialer, queue.WithLogger(logger))
//	c.Subscribe(func(ctx context.Context, t *queue.Task) error {
//		// ... process t.Payload ...
//		t.Ack(ctx)
//		return nil
//	}, queue.WithVisibilityTimeout(2*time.Minute))
//	go c.Run(ctx)
//
//	id, err := c.Publish(ctx, map[string]any{"x": 1})
//
// Delivery is at-least-once. A task whose lease lapses while its handler is
// still running can be claimed again by any consumer, so handlers must be
// idempotent.
package queue
