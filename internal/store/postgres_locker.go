package store

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresLocker uses session level advisory locks. The lock lives on one
// pooled connection, which stays checked out until Unlock.
type PostgresLocker struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresLocker(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLocker {
	return &PostgresLocker{pool: pool, logger: logger}
}

// advisoryKey maps a lock name onto the bigint key space
func advisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// TryLock implements Locker
func (l *PostgresLocker) TryLock(ctx context.Context, name string) (Lock, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for lock %s: %w", name, err)
	}

	key := advisoryKey(name)
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to try lock %s: %w", name, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	return &postgresLock{conn: conn, name: name, key: key, logger: l.logger}, true, nil
}

type postgresLock struct {
	conn   *pgxpool.Conn
	name   string
	key    int64
	logger *zap.Logger
}

func (l *postgresLock) Unlock(ctx context.Context) error {
	defer l.conn.Release()

	var released bool
	if err := l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&released); err != nil {
		// A broken session drops its advisory locks anyway
		if cerr := l.conn.Conn().Close(ctx); cerr != nil {
			l.logger.Debug("Failed to close lock connection",
				zap.String("lock", l.name),
				zap.Error(cerr))
		}
		return fmt.Errorf("failed to unlock %s: %w", l.name, err)
	}
	if !released {
		l.logger.Warn("Advisory lock was not held at unlock", zap.String("lock", l.name))
	}
	return nil
}
