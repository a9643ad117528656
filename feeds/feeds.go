package feeds

import (
	"context"
	"fmt"
	"feedsync/models"
	"feedsync/query"
	"feedsync/ranking"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

type Ordering string

const (
	OrderRecency   Ordering = "recency"
	OrderFrequency Ordering = "frequency"
)

func ParseOrdering(s string) (Ordering, error) {
	switch Ordering(s) {
	case "", OrderFrequency:
		return OrderFrequency, nil
	case OrderRecency:
		return OrderRecency, nil
	}
	return "", fmt.Errorf("unknown ordering %q", s)
}

// Filters narrows a feed. Favorited and Delivered switch the feed to the
// order in which entries were flagged.
type Filters struct {
	Source    string
	Folder    string
	Username  string
	Text      string
	Favorited bool
	Delivered bool
	HideSeen  bool
}

type Request struct {
	UserID   int64
	Filters  Filters
	Ordering Ordering
	// Cursor is empty for the first page of a session
	Cursor   string
	PageSize int
}

// Store is the part of the entry store the engine reads and marks
type Store interface {
	NewEntrySelect() *sqlbuilder.SelectBuilder
	QueryEntries(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]models.Entry, error)
	MarkViewed(ctx context.Context, ids []int64, at time.Time) (int64, error)
	Now() time.Time
}

type Engine struct {
	store        Store
	ranker       *ranking.Ranker
	PageSize     int
	RecentWindow time.Duration
}

func NewEngine(store Store, ranker *ranking.Ranker, pageSize int, recentWindow time.Duration) *Engine {
	return &Engine{store: store, ranker: ranker, PageSize: pageSize, RecentWindow: recentWindow}
}

// Page returns one page of a browsing session. The first page fixes the
// session anchor, every later page reuses it, so entries ingested mid session
// never shift the pages. Requesting page N marks the entries of page N-1 as viewed.
func (e *Engine) Page(ctx context.Context, req Request) (*models.FeedPage, error) {
	size := req.PageSize
	if size <= 0 {
		size = e.PageSize
	}

	cursor := e.safeParseCursor(req.Cursor)

	builder, err := e.builder(ctx, req, cursor.Anchor)
	if err != nil {
		return nil, err
	}

	if cursor.Page > 1 {
		if err := e.markPreviousPage(ctx, builder, cursor, size); err != nil {
			return nil, err
		}
	}

	sb := builder.Build(e.store.NewEntrySelect(), size+1, (cursor.Page-1)*size)
	entries, err := e.store.QueryEntries(ctx, sb)
	if err != nil {
		log.WithFields(log.Fields{"user": req.UserID, "error": err}).Error("Error getting feed")
		return nil, err
	}

	page := &models.FeedPage{Entries: entries, Cursor: cursor.Encode()}

	// Only set the next cursor if we have more results
	if len(entries) > size {
		// Remove the extra entry we fetched to check for more results
		page.Entries = entries[:size]
		next := models.Cursor{Anchor: cursor.Anchor, Page: cursor.Page + 1}.Encode()
		page.Next = &next
	}

	return page, nil
}

func (e *Engine) markPreviousPage(ctx context.Context, builder *FeedQueryBuilder, cursor models.Cursor, size int) error {
	sb := builder.Build(e.store.NewEntrySelect(), size, (cursor.Page-2)*size)
	previous, err := e.store.QueryEntries(ctx, sb)
	if err != nil {
		return fmt.Errorf("load previous page: %w", err)
	}

	// viewed must land after the anchor or hide-seen would drop the entries
	// and shift the offsets of the rest of the session
	at := e.store.Now()
	if !at.After(cursor.Anchor) {
		at = cursor.Anchor.Add(time.Microsecond)
	}

	ids := lo.Map(previous, func(entry models.Entry, _ int) int64 { return entry.Id })
	marked, err := e.store.MarkViewed(ctx, ids, at)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"page":   cursor.Page - 1,
		"marked": marked,
	}).Debug("Marked previous page as viewed")
	return nil
}

// safeParseCursor parses the cursor string. An empty or invalid cursor starts
// a new session anchored now.
func (e *Engine) safeParseCursor(raw string) models.Cursor {
	if raw != "" {
		cursor, err := models.ParseCursor(raw)
		if err == nil {
			return cursor
		}
		log.WithFields(log.Fields{"cursor": raw, "error": err}).Debug("Ignoring invalid cursor")
	}
	return models.Cursor{Anchor: e.store.Now(), Page: 1}
}

func (e *Engine) builder(ctx context.Context, req Request, anchor time.Time) (*FeedQueryBuilder, error) {
	ordering, err := e.ordering(ctx, req, anchor)
	if err != nil {
		return nil, err
	}

	builder := NewFeedQueryBuilder(ordering)
	builder.AddFilter(&UserFilter{UserID: req.UserID})
	builder.AddFilter(&AnchorFilter{Anchor: anchor})
	if req.Filters.HideSeen {
		builder.AddFilter(&HideSeenFilter{Anchor: anchor})
	}
	addCommonFilters(builder, req.Filters)
	return builder, nil
}

func addCommonFilters(builder *FeedQueryBuilder, filters Filters) {
	if filters.Source != "" {
		builder.AddFilter(&SourceFilter{Name: filters.Source})
	}
	if filters.Folder != "" {
		builder.AddFilter(&FolderFilter{Folder: filters.Folder})
	}
	if filters.Username != "" {
		builder.AddFilter(&UsernameFilter{Username: filters.Username})
	}
	if filters.Text != "" {
		builder.AddFilter(&TextFilter{Text: filters.Text})
	}
	if filters.Favorited {
		builder.AddFilter(&FlagFilter{Column: "favorited"})
	}
	if filters.Delivered {
		builder.AddFilter(&FlagFilter{Column: "delivered"})
	}
}

func (e *Engine) ordering(ctx context.Context, req Request, anchor time.Time) (query.OrderingStrategy, error) {
	switch {
	case req.Filters.Favorited:
		return &FlagOrdering{Column: "favorited"}, nil
	case req.Filters.Delivered:
		return &FlagOrdering{Column: "delivered"}, nil
	case req.Ordering == OrderRecency:
		return &RecencyOrdering{}, nil
	}

	ranks, err := e.ranker.FrequencyRanks(ctx, req.UserID, anchor)
	if err != nil {
		return nil, err
	}
	return &FrequencyOrdering{Anchor: anchor, RecentWindow: e.RecentWindow, Ranks: ranks}, nil
}

// Pinned lists the pinned entries matching the filters, most recently pinned
// first. It is not paginated and ignores session anchors and seen state.
func (e *Engine) Pinned(ctx context.Context, userID int64, filters Filters) ([]models.Entry, error) {
	builder := NewFeedQueryBuilder(&FlagOrdering{Column: "pinned"})
	builder.AddFilter(&UserFilter{UserID: userID})
	builder.AddFilter(&FlagFilter{Column: "pinned"})
	addCommonFilters(builder, filters)

	return e.store.QueryEntries(ctx, builder.Build(e.store.NewEntrySelect(), 0, 0))
}
