// Package store is the Postgres side of the task queue: one dedicated
// connection that owns the task table, the LISTEN subscription and every
// query the queue issues.
//
// LISTEN is session state, so the queue never runs on a pool. Callers must not
// use a Conn from more than one goroutine at a time; the queue package
// serializes access through its session loop.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgconn/ctxwatch"
)

const (
	// DefaultTable is the task table used when Config.Table is empty.
	DefaultTable = "pgtasks"
	// DefaultChannel is the notification channel used when Config.Channel is empty.
	DefaultChannel = "pgtasks_channel"
)

// Config describes how to open a Conn.
type Config struct {
	URL     string
	Table   string
	Channel string
	// StatementTimeoutMS is applied as the statement_timeout runtime parameter.
	// Zero leaves the server default in place.
	StatementTimeoutMS int
}

// Conn is a single Postgres connection bound to one task table and channel.
type Conn struct {
	conn    *pgx.Conn
	channel string
	q       queries
}

// Dial opens a connection for cfg. The connection is configured so that a
// cancelled context interrupts a blocked read by moving the socket deadline
// instead of sending a cancel request, which keeps the session (and its
// LISTEN registration) usable after WaitForNotification is interrupted.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	connCfg, err := pgx.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	if cfg.StatementTimeoutMS > 0 {
		connCfg.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.StatementTimeoutMS)
	}
	connCfg.BuildContextWatcherHandler = func(pgConn *pgconn.PgConn) ctxwatch.Handler {
		return &pgconn.DeadlineContextWatcherHandler{Conn: pgConn.Conn()}
	}

	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return newConn(conn, cfg.Table, cfg.Channel), nil
}

func newConn(conn *pgx.Conn, table, channel string) *Conn {
	if table == "" {
		table = DefaultTable
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Conn{
		conn:    conn,
		channel: channel,
		q:       buildQueries(table, channel),
	}
}

// PgConn returns the underlying pgx connection. Tests use it for raw SQL.
func (c *Conn) PgConn() *pgx.Conn { return c.conn }

// IsClosed reports whether the underlying connection is closed or broken.
func (c *Conn) IsClosed() bool { return c.conn.IsClosed() }

// Close closes the connection.
func (c *Conn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// EnsureSchema creates the task table if it does not exist.
func (c *Conn) EnsureSchema(ctx context.Context) error {
	if _, err := c.conn.Exec(ctx, c.q.createTable); err != nil {
		return fmt.Errorf("create task table: %w", err)
	}
	return nil
}

// Listen subscribes this session to the notification channel.
func (c *Conn) Listen(ctx context.Context) error {
	if _, err := c.conn.Exec(ctx, c.q.listen); err != nil {
		return fmt.Errorf("listen %s: %w", c.channel, err)
	}
	return nil
}

// Notify sends an empty notification on the channel. Every session listening
// on it, this one included, receives it after the statement commits.
func (c *Conn) Notify(ctx context.Context) error {
	if _, err := c.conn.Exec(ctx, notifySQL, c.channel); err != nil {
		return fmt.Errorf("notify %s: %w", c.channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on the session or
// ctx is done. The notification payload is discarded.
func (c *Conn) WaitForNotification(ctx context.Context) error {
	_, err := c.conn.WaitForNotification(ctx)
	return err
}

// InsertTask stores payload as a new, immediately eligible task and returns
// its id. payload must be valid JSON.
func (c *Conn) InsertTask(ctx context.Context, payload []byte) (int64, error) {
	var id int64
	// Sent as text with an explicit cast so the statement behaves the same
	// under the simple and extended protocols.
	if err := c.conn.QueryRow(ctx, c.q.insert, string(payload)).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// ClaimTask leases the eligible task with the smallest id for visibility and
// returns it, or (nil, nil) when no task is eligible. Rows locked by
// concurrent claimants are skipped.
func (c *Conn) ClaimTask(ctx context.Context, visibility time.Duration) (*Task, error) {
	var (
		t       Task
		payload []byte
	)
	err := c.conn.QueryRow(ctx, c.q.claim, visibility.Seconds()).Scan(&t.ID, &payload, &t.LeaseDeadline)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	t.Payload = payload
	return &t, nil
}

// DeleteTask removes task id. Deleting a missing task is not an error.
func (c *Conn) DeleteTask(ctx context.Context, id int64) error {
	if _, err := c.conn.Exec(ctx, c.q.delete, id); err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	return nil
}

// ClearLease makes task id immediately eligible again.
func (c *Conn) ClearLease(ctx context.Context, id int64) error {
	if _, err := c.conn.Exec(ctx, c.q.clearLease, id); err != nil {
		return fmt.Errorf("clear lease %d: %w", id, err)
	}
	return nil
}

// ExtendLease adds by to the current lease deadline of task id and returns
// the new deadline. ok is false when the task no longer exists or holds no
// lease (a NULL deadline stays NULL).
func (c *Conn) ExtendLease(ctx context.Context, id int64, by time.Duration) (deadline time.Time, ok bool, err error) {
	var d *time.Time
	err = c.conn.QueryRow(ctx, c.q.extendLease, id, by.Seconds()).Scan(&d)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("extend lease %d: %w", id, err)
	}
	if d == nil {
		return time.Time{}, false, nil
	}
	return *d, true, nil
}

// Stats counts tasks in the table by lease state.
func (c *Conn) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := c.conn.QueryRow(ctx, c.q.stats).Scan(&s.Total, &s.Eligible, &s.Leased); err != nil {
		return Stats{}, fmt.Errorf("task stats: %w", err)
	}
	return s, nil
}
