package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"feedsync/models"
	"strings"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// Normalized columns overwritten on every re-fetch. User state columns
// (viewed, favorited, pinned, delivered) are never part of an upsert.
var syncedColumns = []string{
	"title", "username", "display_name", "avatar_url", "user_url", "header", "short_content",
	"target_url", "content_url", "comments_url", "media_url", "display_date", "sort_date", "raw_payload",
}

// EntryColumns are the columns selected for feed listings, full content and
// raw payloads are loaded separately
var EntryColumns = []string{
	"entries.id", "entries.user_id", "entries.source_id", "COALESCE(sources.name, '')", "entries.remote_id",
	"entries.title", "entries.username", "entries.display_name", "entries.avatar_url", "entries.user_url",
	"entries.header", "entries.short_content", "entries.target_url", "entries.content_url",
	"entries.comments_url", "entries.media_url", "entries.display_date", "entries.sort_date",
	"entries.created", "entries.updated", "entries.viewed", "entries.favorited", "entries.pinned",
	"entries.delivered",
}

// ContentFetcher extracts the readable body of the page at url
type ContentFetcher func(ctx context.Context, url string) (string, error)

func (db *DB) entryInsert(userID int64, sourceID *int64, entry models.NormalizedEntry, now int64) *sqlbuilder.InsertBuilder {
	ib := db.flavor.NewInsertBuilder()
	ib.InsertInto("entries").
		Cols(append([]string{"user_id", "source_id", "remote_id", "full_content", "created", "updated"}, syncedColumns...)...).
		Values(userID, sourceID, entry.RemoteId, entry.FullContent, now, now,
			entry.Title, entry.Username, entry.DisplayName, entry.AvatarUrl, entry.UserUrl, entry.Header,
			entry.ShortContent, entry.TargetUrl, optional(entry.ContentUrl), optional(entry.CommentsUrl),
			optional(entry.MediaUrl), micros(displayDate(entry)), micros(entry.SortDate), optional(entry.RawPayload))
	return ib
}

func onConflict(target string) string {
	sets := lo.Map(syncedColumns, func(col string, _ int) string {
		return fmt.Sprintf("%s = excluded.%s", col, col)
	})
	sets = append(sets,
		"full_content = COALESCE(excluded.full_content, entries.full_content)",
		"updated = excluded.updated",
		"sync_count = entries.sync_count + 1",
	)
	return fmt.Sprintf("ON CONFLICT %s DO UPDATE SET %s RETURNING id, sync_count", target, strings.Join(sets, ", "))
}

func displayDate(entry models.NormalizedEntry) time.Time {
	if entry.DisplayDate.IsZero() {
		return entry.SortDate
	}
	return entry.DisplayDate
}

// Upsert inserts new entries of a source and overwrites the normalized fields
// of the ones already stored. Invalid entries are logged and skipped.
func (db *DB) Upsert(ctx context.Context, sourceID, userID int64, entries []models.NormalizedEntry) (inserted, updated int, err error) {
	now := db.Now()
	conflict := onConflict("(source_id, remote_id)")

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		inserted, updated = 0, 0
		for _, entry := range entries {
			if err := entry.Validate(now); err != nil {
				log.WithFields(log.Fields{
					"source":   sourceID,
					"remoteId": entry.RemoteId,
					"error":    err,
				}).Warn("Skipping invalid entry")
				continue
			}

			ib := db.entryInsert(userID, &sourceID, entry, micros(now))
			ib.SQL(conflict)
			query, args := ib.Build()

			var id, syncCount int64
			if err := tx.QueryRowContext(ctx, query, args...).Scan(&id, &syncCount); err != nil {
				return fmt.Errorf("upsert entry %q: %w", entry.RemoteId, err)
			}
			if syncCount == 0 {
				inserted++
			} else {
				updated++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	log.WithFields(log.Fields{
		"source":   sourceID,
		"inserted": inserted,
		"updated":  updated,
	}).Debug("Upserted entries")

	return inserted, updated, nil
}

// AddStandalone stores an entry that belongs to no source. Adding the same
// remote id twice refreshes the existing entry.
func (db *DB) AddStandalone(ctx context.Context, userID int64, entry models.NormalizedEntry) (int64, error) {
	now := db.Now()
	if err := entry.Validate(now); err != nil {
		return 0, err
	}

	ib := db.entryInsert(userID, nil, entry, micros(now))
	ib.SQL(onConflict("(user_id, remote_id) WHERE source_id IS NULL"))
	query, args := ib.Build()

	var id, syncCount int64
	if err := db.db.QueryRowContext(ctx, query, args...).Scan(&id, &syncCount); err != nil {
		return 0, fmt.Errorf("insert standalone entry: %w", err)
	}
	return id, nil
}

// NewEntrySelect starts a listing query over entries joined with their source
func (db *DB) NewEntrySelect() *sqlbuilder.SelectBuilder {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(EntryColumns...).From("entries").
		JoinWithOption(sqlbuilder.LeftJoin, "sources", "sources.id = entries.source_id")
	return sb
}

// QueryEntries runs a listing query built from NewEntrySelect
func (db *DB) QueryEntries(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]models.Entry, error) {
	query, args := sb.BuildWithFlavor(db.flavor)
	log.WithFields(log.Fields{
		"sql":  query,
		"args": args,
	}).Trace("Generated SQL query")

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	entries := []models.Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanEntry(row rowScanner) (*models.Entry, error) {
	var (
		entry                                   models.Entry
		sourceID                                sql.NullInt64
		contentURL, commentsURL, mediaURL       sql.NullString
		displayDate, sortDate, created, updated int64
		viewed, favorited, pinned, delivered    sql.NullInt64
	)
	if err := row.Scan(&entry.Id, &entry.UserId, &sourceID, &entry.SourceName, &entry.RemoteId,
		&entry.Title, &entry.Username, &entry.DisplayName, &entry.AvatarUrl, &entry.UserUrl,
		&entry.Header, &entry.ShortContent, &entry.TargetUrl, &contentURL,
		&commentsURL, &mediaURL, &displayDate, &sortDate,
		&created, &updated, &viewed, &favorited, &pinned, &delivered); err != nil {
		return nil, err
	}
	if sourceID.Valid {
		entry.SourceId = &sourceID.Int64
	}
	entry.ContentUrl = nullString(contentURL)
	entry.CommentsUrl = nullString(commentsURL)
	entry.MediaUrl = nullString(mediaURL)
	entry.DisplayDate = fromMicros(displayDate)
	entry.SortDate = fromMicros(sortDate)
	entry.Created = fromMicros(created)
	entry.Updated = fromMicros(updated)
	entry.Viewed = nullMicros(viewed)
	entry.Favorited = nullMicros(favorited)
	entry.Pinned = nullMicros(pinned)
	entry.Delivered = nullMicros(delivered)
	return &entry, nil
}

func (db *DB) GetEntry(ctx context.Context, id int64) (*models.Entry, error) {
	sb := db.NewEntrySelect()
	sb.Where(sb.Equal("entries.id", id))
	query, args := sb.Build()

	entry, err := scanEntry(db.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query entry: %w", err)
	}
	return entry, nil
}

// MarkViewed sets viewed on the given entries that have not been viewed yet
func (db *DB) MarkViewed(ctx context.Context, ids []int64, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ub := db.flavor.NewUpdateBuilder()
	ub.Update("entries").Set(ub.Assign("viewed", micros(at))).Where(
		ub.In("id", sqlbuilder.Flatten(ids)...),
		ub.IsNull("viewed"),
	)
	query, args := ub.Build()
	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark viewed: %w", err)
	}
	return res.RowsAffected()
}

// MarkEntryViewed records an explicit view by the user, which also counts as
// an interaction with the entry's source
func (db *DB) MarkEntryViewed(ctx context.Context, id int64) (*models.Entry, error) {
	entry, err := db.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := db.MarkViewed(ctx, []int64{id}, db.Now()); err != nil {
		return nil, err
	}
	if entry.SourceId != nil {
		if err := db.IncrementInteraction(ctx, *entry.SourceId); err != nil {
			return nil, err
		}
	}
	return db.GetEntry(ctx, id)
}

func (db *DB) ToggleFavorite(ctx context.Context, id int64) (*models.Entry, error) {
	return db.toggle(ctx, id, "favorited", true)
}

func (db *DB) TogglePin(ctx context.Context, id int64) (*models.Entry, error) {
	return db.toggle(ctx, id, "pinned", true)
}

func (db *DB) ToggleDelivered(ctx context.Context, id int64) (*models.Entry, error) {
	return db.toggle(ctx, id, "delivered", false)
}

// toggle flips a nullable timestamp flag. Setting a flag with interacts=true
// bumps the interaction score of the entry's source.
func (db *DB) toggle(ctx context.Context, id int64, column string, interacts bool) (*models.Entry, error) {
	ub := db.flavor.NewUpdateBuilder()
	ub.Update("entries").
		Set(fmt.Sprintf("%s = CASE WHEN %s IS NULL THEN %s ELSE NULL END", column, column, ub.Var(micros(db.Now())))).
		Where(ub.Equal("id", id))
	query, args := ub.Build()

	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("toggle %s: %w", column, err)
	}
	if err := expectOne(res); err != nil {
		return nil, err
	}

	entry, err := db.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	set := map[string]bool{
		"favorited": entry.Favorited != nil,
		"pinned":    entry.Pinned != nil,
		"delivered": entry.Delivered != nil,
	}[column]
	if interacts && set && entry.SourceId != nil {
		if err := db.IncrementInteraction(ctx, *entry.SourceId); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// FullContent returns the stored full content of an entry, extracting and
// persisting it on first access. NULL means not fetched yet, an empty string
// means the page had no extractable content.
func (db *DB) FullContent(ctx context.Context, id int64, fetch ContentFetcher) (string, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("full_content", "content_url").From("entries").Where(sb.Equal("id", id))
	query, args := sb.Build()

	var content, contentURL sql.NullString
	err := db.db.QueryRowContext(ctx, query, args...).Scan(&content, &contentURL)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query content: %w", err)
	}
	if content.Valid {
		return content.String, nil
	}
	if !contentURL.Valid || contentURL.String == "" {
		return "", ErrNoContentURL
	}

	body, err := fetch(ctx, contentURL.String)
	if err != nil {
		return "", fmt.Errorf("fetch content of entry %d: %w", id, err)
	}

	ub := db.flavor.NewUpdateBuilder()
	ub.Update("entries").Set(ub.Assign("full_content", body)).Where(ub.Equal("id", id), ub.IsNull("full_content"))
	query, args = ub.Build()
	if _, err := db.db.ExecContext(ctx, query, args...); err != nil {
		return "", fmt.Errorf("store content: %w", err)
	}
	return body, nil
}

// RawEntry returns the origin payload an entry was parsed from
func (db *DB) RawEntry(ctx context.Context, id int64) (string, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("raw_payload").From("entries").Where(sb.Equal("id", id))
	return db.rawPayload(ctx, sb)
}

// SourceActivity counts, per source of a user, the entries sorted within
// [since, before) that were ingested before the given time
func (db *DB) SourceActivity(ctx context.Context, userID int64, since, before time.Time) ([]models.SourceActivity, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("sources.id", "sources.created", "COUNT(entries.id)").From("sources")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "entries",
		"entries.source_id = sources.id",
		sb.GreaterEqualThan("entries.sort_date", micros(since)),
		sb.LessThan("entries.sort_date", micros(before)),
		sb.LessThan("entries.created", micros(before)),
	)
	sb.Where(sb.Equal("sources.user_id", userID))
	sb.GroupBy("sources.id", "sources.created")
	query, args := sb.Build()

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	var activity []models.SourceActivity
	for rows.Next() {
		var (
			a       models.SourceActivity
			created int64
		)
		if err := rows.Scan(&a.SourceId, &created, &a.EntryCount); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		a.Created = fromMicros(created)
		activity = append(activity, a)
	}
	return activity, rows.Err()
}
