package sources_test

import (
	"context"
	"errors"
	"feedsync/config"
	"feedsync/models"
	"feedsync/sources"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFetcher() *sources.Fetcher {
	f := sources.NewFetcher("feedsync-test")
	f.InitialInterval = time.Millisecond
	f.Retries = 2
	return f
}

func rssFeed(items ...string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Blog</title><link>https://blog.example.com</link>` +
		strings.Join(items, "") + `</channel></rss>`
}

func rssItem(guid, title, author string, published time.Time) string {
	return fmt.Sprintf(`<item><guid>%s</guid><title>%s</title><author>%s</author>
<link>https://blog.example.com/%s</link><description>&lt;p&gt;About %s&lt;/p&gt;&lt;script&gt;alert(1)&lt;/script&gt;</description>
<pubDate>%s</pubDate></item>`, guid, title, author, guid, title, published.Format(time.RFC1123Z))
}

func TestRegistryLookup(t *testing.T) {
	registry := sources.NewRegistry()
	registry.Register(models.KindRSS, sources.AdapterFunc(func(ctx context.Context, req sources.Request) (*sources.Result, error) {
		return &sources.Result{}, nil
	}))

	_, err := registry.Lookup(models.KindRSS)
	assert.NoError(t, err)

	_, err = registry.Lookup("gopher")
	assert.ErrorIs(t, err, sources.ErrUnknownKind)
	assert.True(t, sources.IsPermanent(err))
	assert.ElementsMatch(t, []models.SourceKind{models.KindRSS}, registry.Kinds())
}

func TestFetcherRetries(t *testing.T) {
	tests := []struct {
		name          string
		statuses      []int
		expectErr     bool
		expectPerm    bool
		expectedCalls int32
	}{
		{name: "success", statuses: []int{200}, expectedCalls: 1},
		{name: "recovers from 5xx", statuses: []int{503, 502, 200}, expectedCalls: 3},
		{name: "gives up after retries", statuses: []int{500, 500, 500, 500}, expectErr: true, expectedCalls: 3},
		{name: "4xx is permanent", statuses: []int{404, 200}, expectErr: true, expectPerm: true, expectedCalls: 1},
		{name: "auth failure is permanent", statuses: []int{401}, expectErr: true, expectPerm: true, expectedCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				w.WriteHeader(tt.statuses[n-1])
				fmt.Fprint(w, "body")
			}))
			defer server.Close()

			resp, err := testFetcher().Get(context.Background(), server.URL, nil)
			assert.Equal(t, tt.expectedCalls, calls.Load())
			if !tt.expectErr {
				require.NoError(t, err)
				assert.Equal(t, "body", string(resp.Body))
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.expectPerm, sources.IsPermanent(err))
		})
	}
}

func TestRSSAdapterConditionalFetch(t *testing.T) {
	now := time.Now()
	var lastHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastHeaders = r.Header.Clone()
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Fri, 01 Mar 2024 10:00:00 GMT")
		fmt.Fprint(w, rssFeed(rssItem("a", "First", "jane@example.com (Jane Doe)", now.Add(-time.Hour))))
	}))
	defer server.Close()

	adapter := sources.NewRSSAdapter(testFetcher(), sources.NewSanitizer(), 7*24*time.Hour, 5)

	result, err := adapter.Fetch(context.Background(), sources.Request{URL: server.URL, FirstSync: true})
	require.NoError(t, err)
	assert.False(t, result.Unchanged)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, `"v1"`, result.Metadata["etag"])
	assert.NotEmpty(t, result.RawPayload)

	entry := result.Entries[0]
	assert.Equal(t, "a", entry.RemoteId)
	assert.Equal(t, "First", entry.Title)
	assert.Equal(t, "Jane Doe", entry.Username)
	assert.Equal(t, "https://blog.example.com/a", entry.ContentUrl)
	assert.Contains(t, entry.ShortContent, "About First")
	assert.NotContains(t, entry.ShortContent, "script")
	assert.NotEmpty(t, entry.RawPayload)

	result, err = adapter.Fetch(context.Background(), sources.Request{URL: server.URL, Prior: result.Metadata})
	require.NoError(t, err)
	assert.True(t, result.Unchanged)
	assert.Empty(t, result.Entries)
	assert.Equal(t, `"v1"`, result.Metadata["etag"])
	assert.Equal(t, "Fri, 01 Mar 2024 10:00:00 GMT", lastHeaders.Get("If-Modified-Since"))
}

func TestRSSAdapterSkipsOldEntries(t *testing.T) {
	now := time.Now()
	var items []string
	items = append(items, rssItem("recent", "Recent", "", now.Add(-time.Hour)))
	for i := 0; i < 4; i++ {
		items = append(items, rssItem(fmt.Sprintf("old-%d", i), "Old", "", now.Add(-time.Duration(30+i)*24*time.Hour)))
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssFeed(items...))
	}))
	defer server.Close()

	adapter := sources.NewRSSAdapter(testFetcher(), sources.NewSanitizer(), 7*24*time.Hour, 3)

	first, err := adapter.Fetch(context.Background(), sources.Request{URL: server.URL, FirstSync: true})
	require.NoError(t, err)
	ids := make([]string, len(first.Entries))
	for i, e := range first.Entries {
		ids[i] = e.RemoteId
	}
	assert.Equal(t, []string{"recent", "old-0", "old-1"}, ids, "first sync fills up to the minimum with the newest old items")

	later, err := adapter.Fetch(context.Background(), sources.Request{URL: server.URL})
	require.NoError(t, err)
	require.Len(t, later.Entries, 1)
	assert.Equal(t, "recent", later.Entries[0].RemoteId)
}

func TestRSSAdapterDropsFutureEntries(t *testing.T) {
	now := time.Now()
	items := []string{rssItem("tomorrow", "Scheduled", "", now.Add(24*time.Hour))}
	for i := 0; i < 3; i++ {
		items = append(items, rssItem(fmt.Sprintf("old-%d", i), "Old", "", now.Add(-time.Duration(30+i)*24*time.Hour)))
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssFeed(items...))
	}))
	defer server.Close()

	adapter := sources.NewRSSAdapter(testFetcher(), sources.NewSanitizer(), 7*24*time.Hour, 2)

	result, err := adapter.Fetch(context.Background(), sources.Request{URL: server.URL, FirstSync: true})
	require.NoError(t, err)
	ids := make([]string, len(result.Entries))
	for i, e := range result.Entries {
		ids[i] = e.RemoteId
	}
	assert.Equal(t, []string{"old-0", "old-1"}, ids, "future items do not take a minimum slot")
}

func TestRSSAdapterFilters(t *testing.T) {
	now := time.Now()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssFeed(
			rssItem("1", "Go generics", "John", now.Add(-time.Hour)),
			rssItem("2", "Rust traits", "John", now.Add(-2*time.Hour)),
			rssItem("3", "Go modules", "Mary", now.Add(-3*time.Hour)),
		))
	}))
	defer server.Close()

	adapter := sources.NewRSSAdapter(testFetcher(), sources.NewSanitizer(), 0, 0)
	result, err := adapter.Fetch(context.Background(), sources.Request{URL: server.URL, Filters: "author=john, title=GO"})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "1", result.Entries[0].RemoteId)

	_, err = adapter.Fetch(context.Background(), sources.Request{URL: server.URL, Filters: "color=red"})
	assert.True(t, sources.IsPermanent(err))
}

func TestMastodonAdapter(t *testing.T) {
	var queries []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/timelines/home", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		queries = append(queries, r.URL.RawQuery)
		if r.URL.Query().Get("min_id") == "103" {
			fmt.Fprint(w, `[]`)
			return
		}
		if r.URL.Query().Get("max_id") != "" || r.URL.Query().Get("min_id") != "" {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprint(w, `[
{"id": "103", "created_at": "2024-03-01T10:00:00Z", "in_reply_to_id": null, "content": "<p>hello</p>",
 "account": {"acct": "ana@social.example", "display_name": "Ana", "avatar": "https://a/ana.png"},
 "media_attachments": [{"type": "image", "preview_url": "https://m/1.png"}], "reblog": null},
{"id": "102", "created_at": "2024-03-01T09:00:00Z", "in_reply_to_id": "90", "content": "a reply",
 "account": {"acct": "bo", "display_name": "", "avatar": ""}, "media_attachments": [], "reblog": null},
{"id": "101", "created_at": "2024-03-01T08:00:00Z", "in_reply_to_id": null, "content": "",
 "account": {"acct": "bo", "display_name": "", "avatar": ""}, "media_attachments": [],
 "reblog": {"id": "55", "created_at": "2024-02-28T08:00:00Z", "in_reply_to_id": "40", "content": "boosted reply",
   "account": {"acct": "cy", "display_name": "Cy", "avatar": ""}, "media_attachments": []}}
]`)
	}))
	defer server.Close()

	adapter := sources.NewMastodonAdapter(testFetcher(), sources.NewSanitizer(), 50)

	result, err := adapter.Fetch(context.Background(), sources.Request{URL: server.URL, AccessToken: "secret", FirstSync: true})
	require.NoError(t, err)
	assert.Equal(t, "103", result.Metadata["newest_id"])
	assert.Contains(t, queries[0], "limit=40")
	require.Len(t, result.Entries, 2, "plain replies are skipped")

	toot := result.Entries[0]
	assert.Equal(t, "103", toot.RemoteId)
	assert.Equal(t, "Ana", toot.DisplayName)
	assert.Equal(t, server.URL+"/@ana@social.example/103", toot.TargetUrl)
	assert.Equal(t, "https://m/1.png", toot.MediaUrl)
	assert.Empty(t, toot.ContentUrl)

	boost := result.Entries[1]
	assert.Equal(t, "55", boost.RemoteId)
	assert.Equal(t, "bo boosted", boost.Header)
	assert.Equal(t, time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), boost.SortDate.UTC(), "boosts sort by boost time")
	assert.Equal(t, time.Date(2024, 2, 28, 8, 0, 0, 0, time.UTC), boost.DisplayDate.UTC())

	result, err = adapter.Fetch(context.Background(), sources.Request{URL: server.URL, AccessToken: "secret", Prior: result.Metadata})
	require.NoError(t, err)
	assert.True(t, result.Unchanged)
	assert.Contains(t, queries[len(queries)-1], "min_id=103")

	_, err = adapter.Fetch(context.Background(), sources.Request{URL: server.URL, AccessToken: "revoked"})
	assert.True(t, sources.IsPermanent(err))
}

func TestMastodonNotificationsAdapter(t *testing.T) {
	var queries []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/notifications", r.URL.Path)
		queries = append(queries, r.URL.RawQuery)
		if r.URL.Query().Get("max_id") != "" || r.URL.Query().Get("min_id") == "9" {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprint(w, `[
{"id": "9", "type": "reblog", "created_at": "2024-03-01T10:00:00Z",
 "account": {"acct": "ana@social.example", "display_name": "Ana", "avatar": "https://a/ana.png"},
 "status": {"id": "300", "created_at": "2024-02-28T10:00:00Z", "content": "<p>mine</p>",
   "account": {"acct": "me", "display_name": "Me", "avatar": ""}, "media_attachments": []}},
{"id": "8", "type": "follow", "created_at": "2024-03-01T09:00:00Z",
 "account": {"acct": "bo", "display_name": "", "avatar": ""}},
{"id": "7", "type": "poll", "created_at": "2024-03-01T08:00:00Z",
 "account": {"acct": "cy", "display_name": "Cy", "avatar": ""}},
{"id": "6", "type": "mention", "created_at": "2024-03-01T07:00:00Z",
 "account": {"acct": "cy", "display_name": "Cy", "avatar": ""},
 "status": {"id": "301", "created_at": "2024-03-01T07:00:00Z", "content": "<p>hi @me</p>",
   "account": {"acct": "cy", "display_name": "Cy", "avatar": ""}, "media_attachments": []}}
]`)
	}))
	defer server.Close()

	adapter := sources.NewMastodonNotificationsAdapter(testFetcher(), sources.NewSanitizer(), 50)

	result, err := adapter.Fetch(context.Background(), sources.Request{URL: server.URL, AccessToken: "secret", FirstSync: true})
	require.NoError(t, err)
	assert.Equal(t, "9", result.Metadata["newest_id"])
	require.Len(t, result.Entries, 3, "poll notifications are ignored")

	reblog := result.Entries[0]
	assert.Equal(t, "9", reblog.RemoteId, "notification id, not status id")
	assert.Equal(t, "Ana reblogged a post", reblog.Header)
	assert.Equal(t, server.URL+"/@me/300", reblog.TargetUrl)
	assert.Empty(t, reblog.ShortContent)

	follow := result.Entries[1]
	assert.Equal(t, "bo followed you", follow.Header)
	assert.Equal(t, server.URL+"/@bo", follow.TargetUrl)

	mention := result.Entries[2]
	assert.Equal(t, "Cy mentioned you", mention.Header)
	assert.Contains(t, mention.ShortContent, "hi @me")

	result, err = adapter.Fetch(context.Background(), sources.Request{URL: server.URL, AccessToken: "secret", Prior: result.Metadata})
	require.NoError(t, err)
	assert.True(t, result.Unchanged)
	assert.Contains(t, queries[len(queries)-1], "min_id=9")
}

func TestScraperAdapter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<article><h2><a href="/posts/1">First post</a></h2><time datetime="2024-03-01T10:00:00Z"></time><p class="lead">Lead <b>one</b></p></article>
<article><h2><a href="/posts/2">Second post</a></h2><time datetime="2024-02-01T10:00:00Z"></time></article>
<article><h2>No link</h2></article>
</body></html>`)
	}))
	defer server.Close()

	rules := []config.ScraperRule{{
		Prefix:   server.URL,
		Item:     "article",
		Title:    "h2",
		Link:     "h2 a",
		Summary:  "p.lead",
		Date:     "time",
		DateAttr: "datetime",
	}}
	adapter := sources.NewScraperAdapter(testFetcher(), sources.NewSanitizer(), rules)

	result, err := adapter.Fetch(context.Background(), sources.Request{URL: server.URL + "/blog"})
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)
	assert.Equal(t, server.URL+"/posts/1", result.Entries[0].RemoteId)
	assert.Equal(t, "First post", result.Entries[0].Title)
	assert.Contains(t, result.Entries[0].ShortContent, "<b>one</b>")
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), result.Entries[0].SortDate)

	_, err = adapter.Fetch(context.Background(), sources.Request{URL: "https://unknown.example.com"})
	assert.True(t, sources.IsPermanent(err))
}

func TestContentExtractor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Article</title></head><body><nav>menu</nav><article><h1>Article</h1>`+
			strings.Repeat(`<p>This is a long paragraph of readable article text, repeated to look like content.</p>`, 20)+
			`</article></body></html>`)
	}))
	defer server.Close()

	content, err := sources.NewContentExtractor(testFetcher(), sources.NewSanitizer()).Extract(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Contains(t, content, "readable article text")
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("gone")
	err := sources.Permanent(base)
	assert.ErrorIs(t, err, base)
	assert.True(t, sources.IsPermanent(err))
	assert.False(t, sources.IsPermanent(base))
	assert.Nil(t, sources.Permanent(nil))
}
