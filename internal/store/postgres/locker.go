package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/signplane/internal/store"
)

// AdvisoryLocker serialises provisioning of a tenant across processes with
// session-level advisory locks. Each held lock pins one pool connection.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

var _ store.Locker = (*AdvisoryLocker)(nil)

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// Lock blocks in pg_advisory_lock until the key is free or ctx is done.
func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, mapPostgresError(err, "failed to acquire connection for lock")
	}

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		// the session may still hold or be waiting on the lock; drop the connection
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		return nil, mapPostgresError(err, "failed to take advisory lock")
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.unlock(conn, key) })
	}, nil
}

func (l *AdvisoryLocker) unlock(conn *pgxpool.Conn, key string) {
	unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("failed to release advisory lock, closing connection")
		_ = conn.Conn().Close(unlockCtx)
	}
	conn.Release()
}
