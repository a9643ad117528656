package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"feedsync/models"
	"strings"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

var sourceColumns = []string{
	"id", "user_id", "kind", "name", "url", "folder", "filters", "access_token",
	"created", "updated", "last_fetch", "fetch_meta", "last_error", "interaction_score",
}

// FetchRecord is the bookkeeping written after every sync attempt
type FetchRecord struct {
	At         time.Time
	Meta       models.Metadata
	RawPayload *string
	Err        error
}

// SourceUpdate holds user edits, nil fields are left untouched
type SourceUpdate struct {
	Name    *string
	Url     *string
	Folder  *string
	Filters *string
}

func (db *DB) CreateSource(ctx context.Context, source models.Source) (*models.Source, error) {
	source.Name = strings.TrimSpace(source.Name)
	if source.Name == "" || source.Url == "" {
		return nil, fmt.Errorf("source name and url are required")
	}
	if source.FetchMeta == nil {
		source.FetchMeta = models.Metadata{}
	}
	meta, err := json.Marshal(source.FetchMeta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	now := db.Now()
	source.Created, source.Updated = now, now

	ib := db.flavor.NewInsertBuilder()
	ib.InsertInto("sources").
		Cols("user_id", "kind", "name", "url", "folder", "filters", "access_token", "created", "updated", "fetch_meta").
		Values(source.UserId, string(source.Kind), source.Name, source.Url, source.Folder, source.Filters,
			source.AccessToken, micros(now), micros(now), string(meta))
	ib.SQL("RETURNING id")
	query, args := ib.Build()

	if err := db.db.QueryRowContext(ctx, query, args...).Scan(&source.Id); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSourceExists
		}
		return nil, fmt.Errorf("insert source: %w", err)
	}

	log.WithFields(log.Fields{
		"source": source.Id,
		"user":   source.UserId,
		"kind":   source.Kind,
		"name":   source.Name,
	}).Info("Created source")

	return &source, nil
}

func (db *DB) GetSource(ctx context.Context, id int64) (*models.Source, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(sourceColumns...).From("sources").Where(sb.Equal("id", id))
	return db.getSource(ctx, sb)
}

func (db *DB) GetSourceByName(ctx context.Context, userID int64, name string) (*models.Source, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(sourceColumns...).From("sources").
		Where(sb.Equal("user_id", userID), sb.Equal("name", name))
	return db.getSource(ctx, sb)
}

func (db *DB) getSource(ctx context.Context, sb *sqlbuilder.SelectBuilder) (*models.Source, error) {
	query, args := sb.Build()
	source, err := scanSource(db.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query source: %w", err)
	}
	return source, nil
}

// ListSources returns the sources of a user grouped by folder, most interacted first
func (db *DB) ListSources(ctx context.Context, userID int64) ([]models.Source, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(sourceColumns...).From("sources").Where(sb.Equal("user_id", userID))
	sb.OrderBy("folder ASC", "interaction_score DESC", "name ASC")
	return db.listSources(ctx, sb)
}

// ListAllSources returns every source of every user, used by batch syncs
func (db *DB) ListAllSources(ctx context.Context) ([]models.Source, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select(sourceColumns...).From("sources").OrderBy("id ASC")
	return db.listSources(ctx, sb)
}

func (db *DB) listSources(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]models.Source, error) {
	query, args := sb.Build()
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	sources := []models.Source{}
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		sources = append(sources, *source)
	}
	return sources, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSource(row rowScanner) (*models.Source, error) {
	var (
		source           models.Source
		kind, meta       string
		created, updated int64
		lastFetch        sql.NullInt64
	)
	if err := row.Scan(&source.Id, &source.UserId, &kind, &source.Name, &source.Url, &source.Folder,
		&source.Filters, &source.AccessToken, &created, &updated, &lastFetch, &meta,
		&source.LastError, &source.InteractionScore); err != nil {
		return nil, err
	}
	source.Kind = models.SourceKind(kind)
	source.Created = fromMicros(created)
	source.Updated = fromMicros(updated)
	source.LastFetch = nullMicros(lastFetch)
	source.FetchMeta = models.Metadata{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &source.FetchMeta); err != nil {
			return nil, fmt.Errorf("decode metadata of source %d: %w", source.Id, err)
		}
	}
	return &source, nil
}

func (db *DB) UpdateSource(ctx context.Context, id int64, update SourceUpdate) error {
	ub := db.flavor.NewUpdateBuilder()
	ub.Update("sources")
	assignments := []string{ub.Assign("updated", micros(db.Now()))}
	if update.Name != nil {
		name := strings.TrimSpace(*update.Name)
		if name == "" {
			return fmt.Errorf("source name must not be empty")
		}
		assignments = append(assignments, ub.Assign("name", name))
	}
	if update.Url != nil {
		assignments = append(assignments, ub.Assign("url", *update.Url))
	}
	if update.Folder != nil {
		assignments = append(assignments, ub.Assign("folder", *update.Folder))
	}
	if update.Filters != nil {
		assignments = append(assignments, ub.Assign("filters", *update.Filters))
	}
	ub.Set(assignments...).Where(ub.Equal("id", id))

	query, args := ub.Build()
	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSourceExists
		}
		return fmt.Errorf("update source: %w", err)
	}
	return expectOne(res)
}

// DeleteSource removes a source. Favorited and pinned entries are detached and
// survive as standalone entries, every other entry is removed with the source.
func (db *DB) DeleteSource(ctx context.Context, id int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		ub := db.flavor.NewUpdateBuilder()
		ub.Update("entries").Set(ub.Assign("source_id", nil)).Where(
			ub.Equal("source_id", id),
			ub.Or(ub.IsNotNull("favorited"), ub.IsNotNull("pinned")),
		)
		query, args := ub.Build()
		detached, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("detach entries: %w", err)
		}

		// Remaining entries go with the source through the foreign key cascade
		dlb := db.flavor.NewDeleteBuilder()
		dlb.DeleteFrom("sources").Where(dlb.Equal("id", id))
		query, args = dlb.Build()
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("delete source: %w", err)
		}
		if err := expectOne(res); err != nil {
			return err
		}

		n, _ := detached.RowsAffected()
		log.WithFields(log.Fields{"source": id, "detached": n}).Info("Deleted source")
		return nil
	})
}

// RecordFetch stores the outcome of a sync attempt. last_fetch never moves
// backwards. A failed attempt keeps the previous conditioning metadata.
func (db *DB) RecordFetch(ctx context.Context, id int64, record FetchRecord) error {
	at := micros(record.At)

	ub := db.flavor.NewUpdateBuilder()
	ub.Update("sources")
	assignments := []string{
		fmt.Sprintf("last_fetch = CASE WHEN last_fetch IS NULL OR last_fetch < %s THEN %s ELSE last_fetch END",
			ub.Var(at), ub.Var(at)),
	}
	if record.Err != nil {
		assignments = append(assignments, ub.Assign("last_error", record.Err.Error()))
	} else {
		meta := record.Meta
		if meta == nil {
			meta = models.Metadata{}
		}
		encoded, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		assignments = append(assignments, ub.Assign("fetch_meta", string(encoded)), ub.Assign("last_error", ""))
	}
	if record.RawPayload != nil {
		assignments = append(assignments, ub.Assign("raw_payload", *record.RawPayload))
	}
	ub.Set(assignments...).Where(ub.Equal("id", id))

	query, args := ub.Build()
	res, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("record fetch: %w", err)
	}
	return expectOne(res)
}

func (db *DB) IncrementInteraction(ctx context.Context, sourceID int64) error {
	ub := db.flavor.NewUpdateBuilder()
	ub.Update("sources").Set(ub.Incr("interaction_score")).Where(ub.Equal("id", sourceID))
	query, args := ub.Build()
	if _, err := db.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("increment interaction: %w", err)
	}
	return nil
}

// Folders lists the distinct non-empty folder labels of a user
func (db *DB) Folders(ctx context.Context, userID int64) ([]string, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Distinct().Select("folder").From("sources").
		Where(sb.Equal("user_id", userID), sb.NotEqual("folder", "")).
		OrderBy("folder")
	query, args := sb.Build()

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	folders := []string{}
	for rows.Next() {
		var folder string
		if err := rows.Scan(&folder); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		folders = append(folders, folder)
	}
	return folders, rows.Err()
}

// RawSource returns the payload of the last successful fetch
func (db *DB) RawSource(ctx context.Context, id int64) (string, error) {
	sb := db.flavor.NewSelectBuilder()
	sb.Select("raw_payload").From("sources").Where(sb.Equal("id", id))
	return db.rawPayload(ctx, sb)
}

func (db *DB) rawPayload(ctx context.Context, sb *sqlbuilder.SelectBuilder) (string, error) {
	query, args := sb.Build()
	var raw sql.NullString
	err := db.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query raw payload: %w", err)
	}
	return raw.String, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
