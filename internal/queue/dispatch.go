package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/scarson/pgtasks/internal/store"
)

// dispatch claims and handles tasks one at a time until none is eligible.
// Any claim or handler error ends the pass. It returns how many tasks were
// handled.
func (c *Client) dispatch(ctx context.Context, h Handler, visibility time.Duration) (int, error) {
	handled := 0
	for {
		if err := ctx.Err(); err != nil {
			return handled, err
		}

		var claimed *store.Task
		err := c.do(ctx, func(ctx context.Context, conn Conn) error {
			var err error
			claimed, err = conn.ClaimTask(ctx, visibility)
			return err
		})
		if err != nil {
			return handled, fmt.Errorf("claim: %w", err)
		}
		if claimed == nil {
			return handled, nil
		}
		c.metrics.AddClaimed(1)

		t := &Task{
			ID:      claimed.ID,
			Payload: claimed.Payload,
			Lease:   newLease(c, claimed.ID, claimed.LeaseDeadline),
		}
		start := time.Now()
		err = invoke(ctx, h, t)
		c.metrics.ObserveHandlerDuration(time.Since(start))
		if err != nil {
			return handled, fmt.Errorf("handle task %d: %w", t.ID, err)
		}
		handled++
	}
}

// runPass runs one dispatch pass and reports its outcome.
func (c *Client) runPass(ctx context.Context, h Handler, visibility time.Duration) {
	handled, err := c.dispatch(ctx, h, visibility)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.metrics.AddDispatchErrors(1)
		c.log.Error("dispatch loop aborted until next wake", "handled", handled, "error", err)
		return
	}
	if handled > 0 {
		c.log.Debug("dispatch pass complete", "handled", handled)
	}
}

func invoke(ctx context.Context, h Handler, t *Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
		}
	}()
	return h(ctx, t)
}
