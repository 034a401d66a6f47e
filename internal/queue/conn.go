package queue

import (
	"context"
	"time"

	"github.com/scarson/pgtasks/internal/store"
)

// Conn is the storage session a Client drives. *store.Conn implements it.
type Conn interface {
	EnsureSchema(ctx context.Context) error
	Listen(ctx context.Context) error
	Notify(ctx context.Context) error
	WaitForNotification(ctx context.Context) error

	InsertTask(ctx context.Context, payload []byte) (int64, error)
	ClaimTask(ctx context.Context, visibility time.Duration) (*store.Task, error)
	DeleteTask(ctx context.Context, id int64) error
	ClearLease(ctx context.Context, id int64) error
	ExtendLease(ctx context.Context, id int64, by time.Duration) (time.Time, bool, error)
	Stats(ctx context.Context) (store.Stats, error)

	IsClosed() bool
	Close(ctx context.Context) error
}

// Dialer opens a new Conn. It is called once per connection attempt.
type Dialer func(ctx context.Context) (Conn, error)

// StoreDialer returns a Dialer that opens store connections for cfg.
func StoreDialer(cfg store.Config) Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn, err := store.Dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
