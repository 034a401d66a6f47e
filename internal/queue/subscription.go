package queue

import (
	"context"
	"time"
)

// Subscription binds a Handler to the client's wake events. Each
// subscription runs its own dispatch pass per wake, one pass at a time.
type Subscription struct {
	client     *Client
	handler    Handler
	visibility time.Duration

	wakeCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscribe registers h for every wake event until the subscription is
// closed or Run returns. If the client is already connected a first pass
// starts immediately, picking up any backlog.
func (c *Client) Subscribe(h Handler, opts ...SubscribeOption) *Subscription {
	if h == nil {
		panic("queue: nil Handler")
	}
	cfg := subscribeConfig{Visibility: DefaultVisibilityTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = DefaultVisibilityTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		client:     c,
		handler:    h,
		visibility: cfg.Visibility,
		wakeCh:     make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	c.subsMu.Lock()
	select {
	case <-c.closed:
		c.subsMu.Unlock()
		cancel()
		close(s.done)
		return s
	default:
	}
	c.subs[s] = struct{}{}
	c.subsWG.Add(1)
	c.subsMu.Unlock()

	go s.loop()

	if c.Connected() {
		s.wake()
	}
	return s
}

// Close stops the subscription. A pass in progress finishes its current
// handler call; Done is closed once the loop has exited. Close does not
// wait, so it is safe to call from inside the handler.
func (s *Subscription) Close() { s.cancel() }

// Done is closed when the subscription has stopped.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// wake schedules a pass. Wakes arriving while one is already pending
// coalesce, since a pass always drains every eligible task.
func (s *Subscription) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Subscription) loop() {
	c := s.client
	defer func() {
		c.subsMu.Lock()
		delete(c.subs, s)
		c.subsMu.Unlock()
		close(s.done)
		c.subsWG.Done()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wakeCh:
			c.runPass(s.ctx, s.handler, s.visibility)
		}
	}
}
