package sources

import (
	"context"
	"encoding/json"
	"feedsync/models"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	log "github.com/sirupsen/logrus"
)

const (
	metaETag     = "etag"
	metaModified = "modified"
)

// RSSAdapter syncs RSS and Atom feeds
type RSSAdapter struct {
	fetcher   *Fetcher
	sanitizer *Sanitizer
	// SkipOlderThan drops old items, except on the first sync while fewer
	// than MinimumEntries items were kept
	SkipOlderThan  time.Duration
	MinimumEntries int
	now            func() time.Time
}

func NewRSSAdapter(fetcher *Fetcher, sanitizer *Sanitizer, skipOlderThan time.Duration, minimumEntries int) *RSSAdapter {
	return &RSSAdapter{
		fetcher:        fetcher,
		sanitizer:      sanitizer,
		SkipOlderThan:  skipOlderThan,
		MinimumEntries: minimumEntries,
		now:            time.Now,
	}
}

func (a *RSSAdapter) Fetch(ctx context.Context, req Request) (*Result, error) {
	filters, err := ParseFilters(req.Filters)
	if err != nil {
		return nil, Permanent(err)
	}

	header := http.Header{}
	if etag := req.Prior[metaETag]; etag != "" {
		header.Set("If-None-Match", etag)
	}
	if modified := req.Prior[metaModified]; modified != "" {
		header.Set("If-Modified-Since", modified)
	}

	resp, err := a.fetcher.Get(ctx, req.URL, header)
	if err != nil {
		return nil, err
	}
	if resp.IsNotModified() {
		return &Result{Metadata: req.Prior, Unchanged: true}, nil
	}

	feed, err := gofeed.NewParser().ParseString(string(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", req.URL, err)
	}

	meta := models.Metadata{}
	if etag := resp.Header.Get("ETag"); etag != "" {
		meta[metaETag] = etag
	}
	if modified := resp.Header.Get("Last-Modified"); modified != "" {
		meta[metaModified] = modified
	}

	items := feed.Items
	// newest first so the first sync minimum keeps the most recent items
	sort.SliceStable(items, func(i, j int) bool {
		return itemSortDate(items[i]).After(itemSortDate(items[j]))
	})

	now := a.now()
	entries := []models.NormalizedEntry{}
	for _, item := range items {
		entry, ok := a.parseItem(item)
		if !ok {
			log.WithFields(log.Fields{"url": req.URL, "link": item.Link}).Warn("Skipping feed item without id or date")
			continue
		}

		if entry.SortDate.After(now) || entry.DisplayDate.After(now) {
			log.WithFields(log.Fields{"url": req.URL, "remoteId": entry.RemoteId}).Debug("Skipping future dated entry")
			continue
		}

		if a.SkipOlderThan > 0 && entry.DisplayDate.Before(now.Add(-a.SkipOlderThan)) {
			if !req.FirstSync || len(entries) >= a.MinimumEntries {
				log.WithFields(log.Fields{"url": req.URL, "remoteId": entry.RemoteId}).Trace("Skipping old entry")
				continue
			}
		}

		if !filters.Match(entry) {
			log.WithFields(log.Fields{"url": req.URL, "remoteId": entry.RemoteId}).Debug("Skipping entry not matching filters")
			continue
		}

		entries = append(entries, entry)
	}

	return &Result{Metadata: meta, Entries: entries, RawPayload: string(resp.Body)}, nil
}

func (a *RSSAdapter) parseItem(item *gofeed.Item) (models.NormalizedEntry, bool) {
	remoteID := item.GUID
	if remoteID == "" {
		remoteID = item.Link
	}
	sortDate := itemSortDate(item)
	if remoteID == "" || sortDate.IsZero() {
		return models.NormalizedEntry{}, false
	}

	displayDate := sortDate
	if item.PublishedParsed != nil {
		displayDate = *item.PublishedParsed
	}

	summary := item.Description
	if summary == "" {
		summary = item.Content
	}

	entry := models.NormalizedEntry{
		RemoteId:     remoteID,
		Title:        a.sanitizer.Text(item.Title),
		Username:     itemAuthor(a.sanitizer, item),
		ShortContent: a.sanitizer.HTML(stripFooter(summary, item.Link)),
		TargetUrl:    item.Link,
		ContentUrl:   item.Link,
		MediaUrl:     itemImage(item),
		DisplayDate:  displayDate,
		SortDate:     sortDate,
	}
	if comments, ok := item.Extensions["slash"]["comments"]; ok && len(comments) > 0 {
		entry.CommentsUrl = comments[0].Value
	}
	if raw, err := json.Marshal(item); err == nil {
		entry.RawPayload = string(raw)
	}
	return entry, true
}

// itemSortDate prefers the origin's updated time
func itemSortDate(item *gofeed.Item) time.Time {
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	return time.Time{}
}

// itemAuthor returns the first author, preferring "Name" out of "mail (Name)"
func itemAuthor(sanitizer *Sanitizer, item *gofeed.Item) string {
	var author string
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		author = item.Authors[0].Name
		if author == "" {
			author = item.Authors[0].Email
		}
	}
	author = sanitizer.Text(author)
	author, _, _ = strings.Cut(author, ",")
	if _, rest, ok := strings.Cut(author, "("); ok {
		author, _, _ = strings.Cut(rest, ")")
	}
	return strings.TrimSpace(author)
}

// stripFooter drops the "appeared first on" line feed generators append
func stripFooter(summary, link string) string {
	lines := strings.Split(strings.TrimSpace(summary), "\n")
	if len(lines) < 2 || link == "" {
		return summary
	}
	base, _, _ := strings.Cut(link, "?")
	if strings.Contains(lines[len(lines)-1], base) {
		return strings.Join(lines[:len(lines)-1], "\n")
	}
	return summary
}

func itemImage(item *gofeed.Item) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	if media, ok := item.Extensions["media"]; ok {
		for _, thumb := range media["thumbnail"] {
			if u := thumb.Attrs["url"]; u != "" {
				return u
			}
		}
		for _, content := range media["content"] {
			if content.Attrs["medium"] == "image" && content.Attrs["url"] != "" {
				return content.Attrs["url"]
			}
		}
	}
	for _, enc := range item.Enclosures {
		if strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	return ""
}
