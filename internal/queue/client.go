package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// requestQueueSize bounds how many storage calls may wait for the session.
const requestQueueSize = 64

// Request lifecycle: a pending request is either started by the session or
// abandoned by its caller, never both.
const (
	reqPending int32 = iota
	reqStarted
	reqAbandoned
)

// request is one storage call executed by the session goroutine.
type request struct {
	ctx   context.Context
	gen   uint64 // connection generation the caller saw as ready
	fn    func(ctx context.Context, conn Conn) error
	done  chan error
	state *atomic.Int32
}

// start moves req from pending to started. It fails if the caller gave up.
func (r request) start() bool { return r.state.CompareAndSwap(reqPending, reqStarted) }

// abandon moves req from pending to abandoned. It fails if the session has
// already started it.
func (r request) abandon() bool { return r.state.CompareAndSwap(reqPending, reqAbandoned) }

// Client is one logical consumer/producer instance with its own connection.
type Client struct {
	dial    Dialer
	cfg     clientConfig
	log     *slog.Logger
	metrics Metrics
	id      string

	running atomic.Bool

	mu      sync.Mutex
	state   State
	gen     uint64 // bumped every time a connection becomes ready
	err     error  // terminal error once Run has given up
	changed chan struct{}

	reqs chan request

	waitMu    sync.Mutex
	interrupt context.CancelFunc

	subsMu sync.Mutex
	subs   map[*Subscription]struct{}
	subsWG sync.WaitGroup
	closed chan struct{}
}

// New creates a Client that opens connections with dial. The client does
// nothing until Run is called.
func New(dial Dialer, opts ...Option) *Client {
	if dial == nil {
		panic("queue: nil Dialer")
	}

	var cfg clientConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	id := uuid.New().String()
	return &Client{
		dial:    dial,
		cfg:     cfg,
		log:     cfg.Logger.With("consumer_id", id),
		metrics: cfg.Metrics,
		id:      id,
		state:   StateDisconnected,
		changed: make(chan struct{}),
		reqs:    make(chan request, requestQueueSize),
		subs:    make(map[*Subscription]struct{}),
		closed:  make(chan struct{}),
	}
}

// ID returns the random identifier this client logs as consumer_id.
func (c *Client) ID() string { return c.id }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the client is ready to run queue operations.
func (c *Client) Connected() bool { return c.State() == StateReady }

// WaitReady blocks until the client is ready, Run has given up, or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed, err := c.state, c.changed, c.err
		c.mu.Unlock()

		switch {
		case state == StateReady:
			return nil
		case err != nil:
			return err
		}

		select {
		case <-changed:
		case <-c.closed:
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			if err != nil {
				return err
			}
			return ErrNotConnected
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run connects and keeps the connection alive until ctx is cancelled, then
// closes it, stops all subscriptions and waits for in-flight dispatch passes.
//
// Connection failures are retried according to the RetryPolicy; with the
// default policy Run retries forever, logging every attempt. Run returns nil
// when ctx is cancelled, an error wrapping ErrSetup when the schema or channel
// cannot be set up, or ErrRetriesExhausted when a capped policy runs out.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.shutdown()

	if c.cfg.SweepInterval > 0 {
		go c.sweep(ctx)
	}

	attempt := 0
	for {
		conn, err := c.connect(ctx)
		if err == nil {
			attempt = 0
			gen := c.setReady()
			c.log.Info("queue connected")

			err = c.serve(ctx, conn, gen)
			c.setState(StateDisconnected)
			c.closeConn(conn)
			c.failQueued()
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("queue connection lost, reconnecting", "error", err)
			c.metrics.AddReconnects(1)
			continue
		}

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}
		if errors.Is(err, ErrSetup) {
			c.fail(StateFatal, err)
			c.log.Error("queue setup failed", "error", err)
			return err
		}

		attempt++
		c.setState(StateDisconnected)
		if limit := c.cfg.Retry.MaxAttempts; limit > 0 && attempt >= limit {
			err = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
			c.fail(StateDisconnected, err)
			c.log.Error("queue giving up on connection", "error", err)
			return err
		}
		c.log.Warn("queue connect failed, retrying",
			"attempt", attempt,
			"max_attempts", c.cfg.Retry.MaxAttempts, // 0 = retry forever
			"delay", c.cfg.Retry.Delay,
			"error", err,
		)
		c.metrics.AddReconnects(1)
		if err := c.pause(ctx, c.cfg.Retry.Delay); err != nil {
			return nil
		}
	}
}

// connect dials and prepares one connection. Setup errors on a live
// connection are wrapped in ErrSetup; errors caused by the connection going
// away are returned as ordinary connection errors so Run retries them.
func (c *Client) connect(ctx context.Context) (Conn, error) {
	c.setState(StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c.setState(StateSettingUp)
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"ensure schema", conn.EnsureSchema},
		{"listen", conn.Listen},
		{"bootstrap notify", conn.Notify},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			lost := conn.IsClosed() || ctx.Err() != nil
			c.closeConn(conn)
			if lost {
				return nil, fmt.Errorf("%s: %w", step.name, err)
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrSetup, step.name, err)
		}
	}
	return conn, nil
}

// serve owns conn while the client is ready. It runs queued requests and
// otherwise waits for notifications, fanning each one out to subscriptions.
// The wait is interrupted whenever a request is queued. serve returns when
// ctx is done or the connection fails.
func (c *Client) serve(ctx context.Context, conn Conn, gen uint64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.reqs:
			if err := c.exec(ctx, conn, gen, req); err != nil {
				return err
			}
			continue
		default:
		}

		waitCtx, cancel := context.WithCancel(ctx)
		c.setInterrupt(cancel)
		// A request queued before the interrupt was registered would not
		// have cancelled the wait.
		if len(c.reqs) > 0 {
			cancel()
		}
		err := conn.WaitForNotification(waitCtx)
		c.setInterrupt(nil)
		cancel()

		switch {
		case err == nil:
			c.broadcast()
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, context.Canceled) && !conn.IsClosed():
			// interrupted to run queued requests
		default:
			return fmt.Errorf("wait for notification: %w", err)
		}
	}
}

// exec runs req on conn. Queries run on the session context, not the
// caller's: once started, a request runs to completion and its caller waits
// for the result. Requests admitted under an earlier connection are rejected,
// so nothing queued while disconnected reaches a new connection. exec
// returns an error only when the connection is gone.
func (c *Client) exec(ctx context.Context, conn Conn, gen uint64, req request) error {
	if req.gen != gen {
		req.done <- ErrNotConnected
		return nil
	}
	if err := req.ctx.Err(); err != nil {
		req.abandon()
		req.done <- err
		return nil
	}
	if !req.start() {
		// caller already gave up
		return nil
	}
	err := req.fn(ctx, conn)
	req.done <- err
	if conn.IsClosed() {
		if err == nil {
			err = errors.New("connection closed")
		}
		return fmt.Errorf("connection lost: %w", err)
	}
	return nil
}

// do submits fn to the session and waits for its result. ctx bounds the wait
// only until the session starts fn; after that do always reports what fn did.
func (c *Client) do(ctx context.Context, fn func(context.Context, Conn) error) error {
	c.mu.Lock()
	ready, gen := c.state == StateReady, c.gen
	c.mu.Unlock()
	if !ready {
		return ErrNotConnected
	}

	req := request{ctx: ctx, gen: gen, fn: fn, done: make(chan error, 1), state: new(atomic.Int32)}
	select {
	case c.reqs <- req:
	case <-c.closed:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	c.interruptWait()

	select {
	case err := <-req.done:
		return err
	case <-c.closed:
		if req.abandon() {
			return ErrNotConnected
		}
	case <-ctx.Done():
		if req.abandon() {
			return ctx.Err()
		}
	}
	// The session started fn before we could abandon it; it always replies.
	return <-req.done
}

func (c *Client) setInterrupt(cancel context.CancelFunc) {
	c.waitMu.Lock()
	c.interrupt = cancel
	c.waitMu.Unlock()
}

func (c *Client) interruptWait() {
	c.waitMu.Lock()
	if c.interrupt != nil {
		c.interrupt()
	}
	c.waitMu.Unlock()
}

// failQueued rejects requests that were queued for a connection that is gone.
func (c *Client) failQueued() {
	for {
		select {
		case req := <-c.reqs:
			req.done <- ErrNotConnected
		default:
			return
		}
	}
}

// pause sleeps between connection attempts, rejecting any request that
// arrives meanwhile.
func (c *Client) pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case req := <-c.reqs:
			req.done <- ErrNotConnected
		}
	}
}

func (c *Client) closeConn(conn Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		c.log.Debug("close connection", "error", err)
	}
}

// setReady marks the client ready on a new connection and returns its
// generation.
func (c *Client) setReady() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.setStateLocked(StateReady)
	return c.gen
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

// fail records a terminal error along with the final state.
func (c *Client) fail(s State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	c.setStateLocked(s)
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	close(c.changed)
	c.changed = make(chan struct{})
	c.metrics.SetConnected(s == StateReady)
}

// broadcast wakes every subscription.
func (c *Client) broadcast() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for s := range c.subs {
		s.wake()
	}
}

// sweep wakes subscriptions on a timer while connected.
func (c *Client) sweep(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.Connected() {
				c.broadcast()
			}
		}
	}
}

// shutdown stops every subscription and waits for their loops to exit.
func (c *Client) shutdown() {
	c.subsMu.Lock()
	close(c.closed)
	for s := range c.subs {
		s.cancel()
	}
	c.subsMu.Unlock()

	c.subsWG.Wait()
	c.log.Info("queue client stopped")
}
