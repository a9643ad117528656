package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

type TidyOptions struct {
	MaxAge time.Duration
	// MinRetained is the number of most recent entries every source keeps
	MinRetained int
	Now         time.Time
}

// Tidy removes entries older than the max age. Every source keeps at least
// MinRetained entries, favorited and pinned entries are never removed.
func (db *DB) Tidy(ctx context.Context, opts TidyOptions) (int64, error) {
	if opts.Now.IsZero() {
		opts.Now = db.Now()
	}
	cutoff := micros(opts.Now.Add(-opts.MaxAge))

	sources, err := db.sourceIDs(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, sourceID := range sources {
		deleted, err := db.tidySource(ctx, sourceID, cutoff, opts.MinRetained)
		if err != nil {
			return total, err
		}
		total += deleted
	}

	dlb := db.flavor.NewDeleteBuilder()
	dlb.DeleteFrom("entries").Where(
		dlb.IsNull("source_id"),
		dlb.LessThan("sort_date", cutoff),
		dlb.IsNull("favorited"),
		dlb.IsNull("pinned"),
	)
	query, args := dlb.Build()
	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return total, fmt.Errorf("prune standalone entries: %w", err)
	}
	standalone, _ := res.RowsAffected()
	total += standalone

	log.WithFields(log.Fields{
		"sources":    len(sources),
		"deleted":    total,
		"standalone": standalone,
		"cutoff":     fromMicros(cutoff).Format(time.RFC3339),
	}).Info("Tidied database")

	return total, nil
}

func (db *DB) tidySource(ctx context.Context, sourceID, cutoff int64, minRetained int) (int64, error) {
	dlb := db.flavor.NewDeleteBuilder()
	conditions := []string{
		dlb.Equal("source_id", sourceID),
		dlb.LessThan("sort_date", cutoff),
		dlb.IsNull("favorited"),
		dlb.IsNull("pinned"),
	}

	if minRetained > 0 {
		sb := db.flavor.NewSelectBuilder()
		sb.Select("sort_date").From("entries").Where(sb.Equal("source_id", sourceID)).
			OrderBy("sort_date").Desc().Limit(1).Offset(minRetained - 1)
		query, args := sb.Build()

		var floor int64
		err := db.db.QueryRowContext(ctx, query, args...).Scan(&floor)
		if errors.Is(err, sql.ErrNoRows) {
			// fewer entries than the floor, nothing can go
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("query retention floor of source %d: %w", sourceID, err)
		}
		conditions = append(conditions, dlb.LessThan("sort_date", floor))
	}

	dlb.DeleteFrom("entries").Where(conditions...)
	query, args := dlb.Build()
	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune source %d: %w", sourceID, err)
	}
	return res.RowsAffected()
}

func (db *DB) sourceIDs(ctx context.Context) ([]int64, error) {
	rows, err := db.db.QueryContext(ctx, "SELECT id FROM sources ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
