package db

import (
	"context"
	"feedsync/lock"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// SQLLocker is a lease lock backed by the sync_locks table. An expired lease
// is taken over by the next caller, so a crashed holder never wedges a lock.
type SQLLocker struct {
	db *DB
}

var _ lock.Locker = (*SQLLocker)(nil)

func NewSQLLocker(db *DB) *SQLLocker {
	return &SQLLocker{db: db}
}

func (l *SQLLocker) Acquire(ctx context.Context, name string, lease time.Duration) (func(), bool, error) {
	holder := uuid.NewString()
	now := l.db.Now()

	ib := l.db.flavor.NewInsertBuilder()
	ib.InsertInto("sync_locks").Cols("name", "holder", "expires_at").
		Values(name, holder, micros(now.Add(lease)))
	ib.SQL(fmt.Sprintf(
		"ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at WHERE sync_locks.expires_at < %s",
		ib.Var(micros(now)),
	))
	query, args := ib.Build()

	res, err := l.db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n != 1 {
		return nil, false, nil
	}

	release := func() {
		dlb := l.db.flavor.NewDeleteBuilder()
		dlb.DeleteFrom("sync_locks").Where(dlb.Equal("name", name), dlb.Equal("holder", holder))
		query, args := dlb.Build()
		// released with a fresh context so a cancelled sync still frees its lease
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := l.db.db.ExecContext(ctx, query, args...); err != nil {
			log.WithFields(log.Fields{"lock": name, "error": err}).Error("Failed to release lock")
		}
	}
	return release, true, nil
}
