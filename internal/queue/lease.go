package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// LeaseOp names a lease operation.
type LeaseOp string

const (
	LeaseAck    LeaseOp = "ack"
	LeaseNack   LeaseOp = "nack"
	LeaseExtend LeaseOp = "extend"
)

// BestEffort is the outcome of a lease operation. Lease operations never fail
// the caller: a failure is logged, counted and reported here, and the task
// falls back to lease expiry.
type BestEffort struct {
	Op     LeaseOp
	TaskID int64
	// Err is the swallowed failure, nil when the operation was applied.
	Err error
}

// OK reports whether the operation reached the database.
func (b BestEffort) OK() bool { return b.Err == nil }

// Task is a claimed task handed to a Handler.
type Task struct {
	ID      int64
	Payload json.RawMessage
	*Lease
}

// Handler processes one claimed task. A returned error aborts the current
// dispatch pass; it does not ack or nack the task.
type Handler func(ctx context.Context, t *Task) error

// Lease is the ack/nack/extend capability for one claimed task. All methods
// are safe to call more than once and from several goroutines.
type Lease struct {
	client *Client
	id     int64

	mu       sync.Mutex
	deadline time.Time
}

func newLease(c *Client, id int64, deadline time.Time) *Lease {
	return &Lease{client: c, id: id, deadline: deadline}
}

// Deadline returns the last known lease deadline. It is zero after a Nack.
func (l *Lease) Deadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deadline
}

// Ack deletes the task. Acking a task that is already gone is a no-op.
func (l *Lease) Ack(ctx context.Context) BestEffort {
	return l.apply(ctx, LeaseAck, func(ctx context.Context, conn Conn) error {
		return conn.DeleteTask(ctx, l.id)
	})
}

// Nack clears the lease so the task is eligible again immediately.
func (l *Lease) Nack(ctx context.Context) BestEffort {
	return l.apply(ctx, LeaseNack, func(ctx context.Context, conn Conn) error {
		if err := conn.ClearLease(ctx, l.id); err != nil {
			return err
		}
		l.setDeadline(time.Time{})
		return nil
	})
}

// Extend pushes the lease deadline out by d, counted from the current
// deadline rather than from now. Each call extends further.
func (l *Lease) Extend(ctx context.Context, d time.Duration) BestEffort {
	return l.apply(ctx, LeaseExtend, func(ctx context.Context, conn Conn) error {
		deadline, ok, err := conn.ExtendLease(ctx, l.id, d)
		if err != nil {
			return err
		}
		if ok {
			l.setDeadline(deadline)
		}
		return nil
	})
}

func (l *Lease) setDeadline(t time.Time) {
	l.mu.Lock()
	l.deadline = t
	l.mu.Unlock()
}

func (l *Lease) apply(ctx context.Context, op LeaseOp, fn func(context.Context, Conn) error) BestEffort {
	res := BestEffort{Op: op, TaskID: l.id}
	if err := l.client.do(ctx, fn); err != nil {
		res.Err = err
		l.client.log.Warn("lease operation failed, relying on lease expiry",
			"op", op, "task_id", l.id, "error", err)
	}
	l.client.metrics.AddLeaseOp(op, res.OK())
	return res
}
