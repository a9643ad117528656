package feeds_test

import (
	"context"
	"feedsync/db"
	"feedsync/feeds"
	"feedsync/models"
	"feedsync/ranking"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t      *testing.T
	db     *db.DB
	engine *feeds.Engine
	now    time.Time
	user   *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feeds.db")
	require.NoError(t, db.Migrate(db.DriverSQLite, path))
	database, err := db.Open(db.DriverSQLite, path, 1)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	f := &fixture{t: t, db: database, now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	database.SetClock(func() time.Time { return f.now })

	f.user, err = database.CreateUser(context.Background(), "reader@example.com")
	require.NoError(t, err)

	ranker := ranking.NewRanker(database, 7*24*time.Hour)
	f.engine = feeds.NewEngine(database, ranker, 10, 24*time.Hour)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) source(name, folder string) *models.Source {
	f.t.Helper()
	source, err := f.db.CreateSource(context.Background(), models.Source{
		UserId: f.user.Id, Kind: models.KindRSS, Name: name, Url: "https://" + name + ".example.com", Folder: folder,
	})
	require.NoError(f.t, err)
	return source
}

// publish stores n entries for source, the newest one age ago and the rest spaced by step
func (f *fixture) publish(source *models.Source, prefix string, n int, age, step time.Duration) {
	f.t.Helper()
	batch := make([]models.NormalizedEntry, n)
	for i := range batch {
		date := f.now.Add(-age - time.Duration(i)*step)
		batch[i] = models.NormalizedEntry{
			RemoteId:     fmt.Sprintf("%s-%d", prefix, i),
			Title:        fmt.Sprintf("%s entry %d", prefix, i),
			Username:     prefix + "-author",
			ShortContent: "about " + prefix,
			TargetUrl:    "https://example.com/" + prefix,
			DisplayDate:  date,
			SortDate:     date,
		}
	}
	_, _, err := f.db.Upsert(context.Background(), source.Id, f.user.Id, batch)
	require.NoError(f.t, err)
}

func (f *fixture) page(req feeds.Request) *models.FeedPage {
	f.t.Helper()
	req.UserID = f.user.Id
	page, err := f.engine.Page(context.Background(), req)
	require.NoError(f.t, err)
	return page
}

func ids(entries []models.Entry) []int64 {
	return lo.Map(entries, func(e models.Entry, _ int) int64 { return e.Id })
}

func remoteIDs(entries []models.Entry) []string {
	return lo.Map(entries, func(e models.Entry, _ int) string { return e.RemoteId })
}

func TestPaginationIsStable(t *testing.T) {
	f := newFixture(t)
	blog := f.source("blog", "")
	f.publish(blog, "old", 25, time.Hour, time.Hour)
	f.advance(time.Minute)

	first := f.page(feeds.Request{Ordering: feeds.OrderRecency})
	require.Len(t, first.Entries, 10)
	require.NotNil(t, first.Next)

	second := f.page(feeds.Request{Ordering: feeds.OrderRecency, Cursor: *first.Next})
	require.Len(t, second.Entries, 10)
	assert.Empty(t, lo.Intersect(ids(first.Entries), ids(second.Entries)))

	// new entries arrive mid session, newer than everything on page one
	f.advance(time.Minute)
	f.publish(blog, "new", 5, 0, time.Second)
	f.advance(time.Minute)

	again := f.page(feeds.Request{Ordering: feeds.OrderRecency, Cursor: first.Cursor})
	assert.Equal(t, ids(first.Entries), ids(again.Entries))

	third := f.page(feeds.Request{Ordering: feeds.OrderRecency, Cursor: *second.Next})
	assert.Len(t, third.Entries, 5)
	assert.Nil(t, third.Next)
	for _, e := range third.Entries {
		assert.NotContains(t, e.RemoteId, "new")
	}

	// a fresh session sees the new entries first
	fresh := f.page(feeds.Request{Ordering: feeds.OrderRecency})
	assert.Equal(t, "new-0", fresh.Entries[0].RemoteId)
}

func TestViewMarkingLagsOnePage(t *testing.T) {
	f := newFixture(t)
	blog := f.source("blog", "")
	f.publish(blog, "e", 30, time.Hour, time.Hour)
	f.advance(time.Minute)

	first := f.page(feeds.Request{Ordering: feeds.OrderRecency, Filters: feeds.Filters{HideSeen: true}})
	for _, e := range first.Entries {
		assert.Nil(t, e.Viewed)
	}

	second := f.page(feeds.Request{Ordering: feeds.OrderRecency, Filters: feeds.Filters{HideSeen: true}, Cursor: *first.Next})
	for _, e := range second.Entries {
		assert.Nil(t, e.Viewed, "page two is not marked yet")
	}
	for _, id := range ids(first.Entries) {
		entry, err := f.db.GetEntry(context.Background(), id)
		require.NoError(t, err)
		assert.NotNil(t, entry.Viewed, "page one is marked once page two is requested")
	}

	// entries viewed during the session keep their place, so page three follows page two
	third := f.page(feeds.Request{Ordering: feeds.OrderRecency, Filters: feeds.Filters{HideSeen: true}, Cursor: *second.Next})
	assert.Empty(t, lo.Intersect(ids(second.Entries), ids(third.Entries)))
	assert.Len(t, third.Entries, 10)

	// a new session hides what was seen in the previous one
	f.advance(time.Minute)
	fresh := f.page(feeds.Request{Ordering: feeds.OrderRecency, Filters: feeds.Filters{HideSeen: true}, PageSize: 30})
	assert.Len(t, fresh.Entries, 10)
	assert.Empty(t, lo.Intersect(ids(first.Entries), ids(fresh.Entries)))
	assert.Empty(t, lo.Intersect(ids(second.Entries), ids(fresh.Entries)))
	assert.Equal(t, ids(third.Entries), ids(fresh.Entries), "page three was shown but never marked")
}

func TestFrequencyOrderingFavorsQuietSources(t *testing.T) {
	f := newFixture(t)
	quiet := f.source("quiet", "")
	busy := f.source("busy", "")
	f.publish(quiet, "a", 1, 12*time.Hour, 0)
	f.publish(busy, "b", 20, 30*time.Minute, 30*time.Minute)
	f.advance(time.Minute)

	page := f.page(feeds.Request{Ordering: feeds.OrderFrequency, PageSize: 25})
	require.Len(t, page.Entries, 21)
	assert.Equal(t, "a-0", page.Entries[0].RemoteId)

	rest := page.Entries[1:]
	for i := 1; i < len(rest); i++ {
		assert.True(t, rest[i-1].SortDate.After(rest[i].SortDate), "busy entries are newest first")
	}
}

func TestFrequencyOrderingRecentWindowFirst(t *testing.T) {
	f := newFixture(t)
	quiet := f.source("quiet", "")
	busy := f.source("busy", "")
	f.publish(quiet, "quiet", 1, 3*24*time.Hour, 0)
	f.publish(busy, "busy", 10, time.Hour, time.Hour)
	f.advance(time.Minute)

	page := f.page(feeds.Request{PageSize: 20})
	require.Len(t, page.Entries, 11)
	assert.Equal(t, "quiet-0", page.Entries[10].RemoteId, "entries older than the recent window come after today's")
}

func TestInvalidCursorStartsNewSession(t *testing.T) {
	f := newFixture(t)
	blog := f.source("blog", "")
	f.publish(blog, "e", 15, time.Hour, time.Hour)
	f.advance(time.Minute)

	page := f.page(feeds.Request{Ordering: feeds.OrderRecency, Cursor: "not-a-cursor"})
	parsed, err := models.ParseCursor(page.Cursor)
	require.NoError(t, err)
	assert.Equal(t, 1, parsed.Page)
	assert.Len(t, page.Entries, 10)
}

func TestOversizedCursorPageStartsNewSession(t *testing.T) {
	f := newFixture(t)
	blog := f.source("blog", "")
	f.publish(blog, "e", 15, time.Hour, time.Hour)
	f.advance(time.Minute)

	crafted := models.Cursor{Anchor: f.now, Page: 1<<62 + 1}.Encode()
	page := f.page(feeds.Request{Ordering: feeds.OrderRecency, Cursor: crafted})
	parsed, err := models.ParseCursor(page.Cursor)
	require.NoError(t, err)
	assert.Equal(t, 1, parsed.Page)
	assert.Equal(t, "e-0", page.Entries[0].RemoteId)

	// nothing was marked viewed by the rejected cursor
	f.advance(time.Minute)
	unseen := f.page(feeds.Request{Ordering: feeds.OrderRecency, Filters: feeds.Filters{HideSeen: true}, PageSize: 20})
	assert.Len(t, unseen.Entries, 15)
}

func TestFiltersAndFlagViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	golang := f.source("golang", "tech")
	cooking := f.source("cooking", "food")
	f.publish(golang, "go", 5, time.Hour, time.Hour)
	f.publish(cooking, "soup", 5, time.Hour, time.Hour)
	f.advance(time.Minute)

	page := f.page(feeds.Request{Filters: feeds.Filters{Folder: "tech"}, PageSize: 20})
	assert.Len(t, page.Entries, 5)

	page = f.page(feeds.Request{Filters: feeds.Filters{Source: "cooking"}, PageSize: 20})
	assert.Len(t, page.Entries, 5)
	assert.Equal(t, "cooking", page.Entries[0].SourceName)

	page = f.page(feeds.Request{Filters: feeds.Filters{Text: "SOUP ENTRY 3"}, PageSize: 20})
	assert.Equal(t, []string{"soup-3"}, remoteIDs(page.Entries))

	page = f.page(feeds.Request{Filters: feeds.Filters{Username: "go-author"}, PageSize: 20})
	assert.Len(t, page.Entries, 5)

	page = f.page(feeds.Request{Filters: feeds.Filters{Text: "100%"}, PageSize: 20})
	assert.Empty(t, page.Entries)

	// favorites are listed in the order they were favorited
	all := f.page(feeds.Request{Ordering: feeds.OrderRecency, PageSize: 20}).Entries
	byRemote := lo.KeyBy(all, func(e models.Entry) string { return e.RemoteId })
	_, err := f.db.ToggleFavorite(ctx, byRemote["go-4"].Id)
	require.NoError(t, err)
	f.advance(time.Second)
	_, err = f.db.ToggleFavorite(ctx, byRemote["soup-0"].Id)
	require.NoError(t, err)

	page = f.page(feeds.Request{Ordering: feeds.OrderRecency, Filters: feeds.Filters{Favorited: true}})
	assert.Equal(t, []string{"soup-0", "go-4"}, remoteIDs(page.Entries))
}

func TestPinnedSidebar(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blog := f.source("blog", "")
	f.publish(blog, "e", 20, time.Hour, time.Hour)
	f.advance(time.Minute)

	all := f.page(feeds.Request{Ordering: feeds.OrderRecency, PageSize: 20}).Entries
	_, err := f.db.TogglePin(ctx, all[19].Id)
	require.NoError(t, err)
	f.advance(time.Second)
	_, err = f.db.TogglePin(ctx, all[3].Id)
	require.NoError(t, err)
	_, err = f.db.MarkViewed(ctx, []int64{all[19].Id}, f.now)
	require.NoError(t, err)

	// entries pinned after a session started still show up
	f.advance(time.Minute)
	pinned, err := f.engine.Pinned(ctx, f.user.Id, feeds.Filters{HideSeen: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{all[3].Id, all[19].Id}, ids(pinned))

	pinned, err = f.engine.Pinned(ctx, f.user.Id, feeds.Filters{Source: "other"})
	require.NoError(t, err)
	assert.Empty(t, pinned)

	// unpinning removes it from the sidebar
	_, err = f.db.TogglePin(ctx, all[3].Id)
	require.NoError(t, err)
	pinned, err = f.engine.Pinned(ctx, f.user.Id, feeds.Filters{})
	require.NoError(t, err)
	assert.Equal(t, []int64{all[19].Id}, ids(pinned))
}
