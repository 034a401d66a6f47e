package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scarson/pgtasks/internal/store"
)

var errConnDropped = errors.New("fake: connection dropped")

// memDB is an in-memory task table shared by every memConn dialed from it.
// One mutex stands in for the row lock, so claims are exclusive.
type memDB struct {
	mu        sync.Mutex
	nextID    int64
	tasks     map[int64]*memTask
	listeners map[*memConn]struct{}
	dials     int
	conns     []*memConn

	failDials   int // number of dial attempts to fail before succeeding
	failSchema  error
	failListen  error
	failDelete  error
	failClear   error
	failExtend  error
	// insertStarted and insertGate, when set, make InsertTask announce itself
	// and then block until the gate is closed.
	insertStarted chan struct{}
	insertGate    chan struct{}
	concurrency atomic.Bool // set when any conn is used by two goroutines at once
}

type memTask struct {
	payload  []byte
	deadline *time.Time
}

func newMemDB() *memDB {
	return &memDB{
		tasks:     make(map[int64]*memTask),
		listeners: make(map[*memConn]struct{}),
	}
}

func (db *memDB) dial(context.Context) (Conn, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.dials++
	if db.failDials > 0 {
		db.failDials--
		return nil, errors.New("fake: connection refused")
	}
	c := &memConn{db: db, notes: make(chan struct{}, 64), dropped: make(chan struct{})}
	db.conns = append(db.conns, c)
	return c, nil
}

// seed inserts a task without notifying anyone.
func (db *memDB) seed(payload string) int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextID++
	db.tasks[db.nextID] = &memTask{payload: []byte(payload)}
	return db.nextID
}

func (db *memDB) count() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.tasks)
}

// deadline returns the lease deadline of id; ok is false if the task is gone.
func (db *memDB) deadline(id int64) (d *time.Time, ok bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tasks[id]
	if !ok {
		return nil, false
	}
	return t.deadline, true
}

func (db *memDB) dialCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.dials
}

func (db *memDB) lastConn() *memConn {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.conns) == 0 {
		return nil
	}
	return db.conns[len(db.conns)-1]
}

// blockInserts makes the next InsertTask wait for the returned release
// function; started is closed once that insert is running.
func (db *memDB) blockInserts() (started <-chan struct{}, release func()) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.insertStarted = make(chan struct{})
	db.insertGate = make(chan struct{})
	gate := db.insertGate
	return db.insertStarted, func() { close(gate) }
}

func (db *memDB) setFailDelete(err error) {
	db.mu.Lock()
	db.failDelete = err
	db.mu.Unlock()
}

type memConn struct {
	db      *memDB
	notes   chan struct{}
	dropped chan struct{}
	once    sync.Once
	closed  atomic.Bool
	active  atomic.Int32
}

// drop simulates the server closing the connection.
func (c *memConn) drop() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.dropped)
		c.db.mu.Lock()
		delete(c.db.listeners, c)
		c.db.mu.Unlock()
	})
}

func (c *memConn) enter() error {
	if c.active.Add(1) > 1 {
		c.db.concurrency.Store(true)
	}
	if c.closed.Load() {
		c.active.Add(-1)
		return errConnDropped
	}
	return nil
}

func (c *memConn) leave() { c.active.Add(-1) }

func (c *memConn) EnsureSchema(context.Context) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return c.db.failSchema
}

func (c *memConn) Listen(context.Context) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.db.failListen != nil {
		return c.db.failListen
	}
	c.db.listeners[c] = struct{}{}
	return nil
}

func (c *memConn) Notify(context.Context) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	for l := range c.db.listeners {
		select {
		case l.notes <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *memConn) WaitForNotification(ctx context.Context) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()
	select {
	case <-c.notes:
		return nil
	case <-c.dropped:
		return errConnDropped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memConn) InsertTask(_ context.Context, payload []byte) (int64, error) {
	if err := c.enter(); err != nil {
		return 0, err
	}
	defer c.leave()
	c.db.mu.Lock()
	started, gate := c.db.insertStarted, c.db.insertGate
	c.db.insertStarted, c.db.insertGate = nil, nil
	c.db.mu.Unlock()
	if gate != nil {
		close(started)
		<-gate
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.nextID++
	c.db.tasks[c.db.nextID] = &memTask{payload: append([]byte(nil), payload...)}
	return c.db.nextID, nil
}

func (c *memConn) ClaimTask(_ context.Context, visibility time.Duration) (*store.Task, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.leave()
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	now := time.Now()
	var best int64
	for id, t := range c.db.tasks {
		if t.deadline != nil && !t.deadline.Before(now) {
			continue
		}
		if best == 0 || id < best {
			best = id
		}
	}
	if best == 0 {
		return nil, nil
	}
	d := now.Add(visibility)
	t := c.db.tasks[best]
	t.deadline = &d
	return &store.Task{ID: best, Payload: append([]byte(nil), t.payload...), LeaseDeadline: d}, nil
}

func (c *memConn) DeleteTask(_ context.Context, id int64) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.db.failDelete != nil {
		return c.db.failDelete
	}
	delete(c.db.tasks, id)
	return nil
}

func (c *memConn) ClearLease(_ context.Context, id int64) error {
	if err := c.enter(); err != nil {
		return err
	}
	defer c.leave()
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.db.failClear != nil {
		return c.db.failClear
	}
	if t, ok := c.db.tasks[id]; ok {
		t.deadline = nil
	}
	return nil
}

func (c *memConn) ExtendLease(_ context.Context, id int64, by time.Duration) (time.Time, bool, error) {
	if err := c.enter(); err != nil {
		return time.Time{}, false, err
	}
	defer c.leave()
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.db.failExtend != nil {
		return time.Time{}, false, c.db.failExtend
	}
	t, ok := c.db.tasks[id]
	if !ok || t.deadline == nil {
		return time.Time{}, false, nil
	}
	d := t.deadline.Add(by)
	t.deadline = &d
	return d, true, nil
}

func (c *memConn) Stats(context.Context) (store.Stats, error) {
	if err := c.enter(); err != nil {
		return store.Stats{}, err
	}
	defer c.leave()
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	var s store.Stats
	now := time.Now()
	for _, t := range c.db.tasks {
		s.Total++
		if t.deadline == nil || t.deadline.Before(now) {
			s.Eligible++
		} else {
			s.Leased++
		}
	}
	return s, nil
}

func (c *memConn) IsClosed() bool { return c.closed.Load() }

func (c *memConn) Close(context.Context) error {
	c.drop()
	return nil
}

// countingMetrics records Metrics calls for assertions.
type countingMetrics struct {
	published      atomic.Int64
	claimed        atomic.Int64
	leaseOK        atomic.Int64
	leaseFailed    atomic.Int64
	dispatchErrors atomic.Int64
	reconnects     atomic.Int64
	connected      atomic.Bool
}

func (m *countingMetrics) AddPublished(n int)      { m.published.Add(int64(n)) }
func (m *countingMetrics) AddClaimed(n int)        { m.claimed.Add(int64(n)) }
func (m *countingMetrics) AddDispatchErrors(n int) { m.dispatchErrors.Add(int64(n)) }
func (m *countingMetrics) AddReconnects(n int)     { m.reconnects.Add(int64(n)) }
func (m *countingMetrics) SetConnected(b bool)     { m.connected.Store(b) }

func (m *countingMetrics) AddLeaseOp(_ LeaseOp, ok bool) {
	if ok {
		m.leaseOK.Add(1)
		return
	}
	m.leaseFailed.Add(1)
}

func (m *countingMetrics) ObserveHandlerDuration(time.Duration) {}
