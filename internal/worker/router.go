package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/scarson/pgtasks/internal/queue"
)

// KindLog is the built-in kind whose handler logs the task data.
const KindLog = "log"

// lease is the part of a claimed task the Router drives.
type lease interface {
	Ack(ctx context.Context) queue.BestEffort
	Extend(ctx context.Context, by time.Duration) queue.BestEffort
}

// Router dispatches claimed tasks to handlers registered by kind.
type Router struct {
	log       *slog.Logger
	heartbeat time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithHeartbeat extends the lease of a running task by d every d, so
// handlers may run longer than the visibility timeout. Zero disables it.
func WithHeartbeat(d time.Duration) RouterOption {
	return func(r *Router) { r.heartbeat = d }
}

// WithRouterLogger sets the logger used for task outcomes.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.log = l }
}

// NewRouter creates a Router with the built-in log handler registered.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		log:      slog.Default(),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Register(KindLog, r.logData)
	return r
}

// Register associates h with kind, replacing any earlier handler.
func (r *Router) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Subscribe registers the router on c.
func (r *Router) Subscribe(c *queue.Client, opts ...queue.SubscribeOption) *queue.Subscription {
	return c.Subscribe(r.Handle, opts...)
}

// Handle is a queue.Handler. Handler failures are logged rather than
// returned so one bad task does not stop the dispatch pass; Handle only
// returns an error when ctx is done.
func (r *Router) Handle(ctx context.Context, t *queue.Task) error {
	return r.handle(ctx, t.ID, t.Payload, t)
}

func (r *Router) handle(ctx context.Context, id int64, payload []byte, l lease) error {
	env, err := parseEnvelope(payload)
	if err != nil {
		// Redelivery cannot fix a malformed payload.
		r.log.Error("dropping malformed task", "task_id", id, "error", err)
		l.Ack(ctx)
		return nil
	}

	r.mu.RLock()
	h := r.handlers[env.Kind]
	r.mu.RUnlock()
	if h == nil {
		r.log.Error("no handler registered for kind, leaving lease to lapse",
			"kind", env.Kind, "task_id", id)
		return nil
	}

	r.log.Info("executing task", "kind", env.Kind, "task_id", id)

	stop := r.startHeartbeat(ctx, id, l)
	err = h(ctx, env.Data)
	stop()

	if err != nil {
		r.log.Error("task handler failed, leaving lease to lapse",
			"kind", env.Kind, "task_id", id, "error", err)
		return ctx.Err()
	}

	if res := l.Ack(ctx); !res.OK() {
		// The lease will lapse and the task runs again.
		return ctx.Err()
	}
	r.log.Info("task completed", "kind", env.Kind, "task_id", id)
	return nil
}

// startHeartbeat extends the lease periodically until the returned stop
// function is called. Uses time.NewTicker (not time.After) to avoid timer leaks.
func (r *Router) startHeartbeat(ctx context.Context, id int64, l lease) (stop func()) {
	if r.heartbeat <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if res := l.Extend(hbCtx, r.heartbeat); !res.OK() {
					r.log.Debug("lease heartbeat failed", "task_id", id, "error", res.Err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Router) logData(_ context.Context, data json.RawMessage) error {
	r.log.Info("log task", "data", string(data))
	return nil
}
