package sources

import (
	"bytes"
	"context"
	"feedsync/config"
	"feedsync/models"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	log "github.com/sirupsen/logrus"
)

// ScraperAdapter extracts entries from sites without a feed, using the CSS
// selector rule whose prefix matches the source url
type ScraperAdapter struct {
	fetcher   *Fetcher
	sanitizer *Sanitizer
	rules     []config.ScraperRule
	now       func() time.Time
}

func NewScraperAdapter(fetcher *Fetcher, sanitizer *Sanitizer, rules []config.ScraperRule) *ScraperAdapter {
	return &ScraperAdapter{fetcher: fetcher, sanitizer: sanitizer, rules: rules, now: time.Now}
}

func (a *ScraperAdapter) rule(sourceURL string) (config.ScraperRule, bool) {
	var (
		best  config.ScraperRule
		found bool
	)
	for _, rule := range a.rules {
		if strings.HasPrefix(sourceURL, rule.Prefix) && len(rule.Prefix) >= len(best.Prefix) {
			best, found = rule, true
		}
	}
	return best, found
}

func (a *ScraperAdapter) Fetch(ctx context.Context, req Request) (*Result, error) {
	rule, ok := a.rule(req.URL)
	if !ok {
		return nil, Permanent(fmt.Errorf("no scraper rule matches %s", req.URL))
	}
	filters, err := ParseFilters(req.Filters)
	if err != nil {
		return nil, Permanent(err)
	}
	base, err := url.Parse(req.URL)
	if err != nil {
		return nil, Permanent(fmt.Errorf("invalid source url: %w", err))
	}

	resp, err := a.fetcher.Get(ctx, req.URL, nil)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse page %s: %w", req.URL, err)
	}

	now := a.now()
	entries := []models.NormalizedEntry{}
	doc.Find(rule.Item).Each(func(i int, item *goquery.Selection) {
		entry, err := a.parseItem(rule, base, item, now)
		if err != nil {
			log.WithFields(log.Fields{"url": req.URL, "item": i, "error": err}).Warn("Skipping scraped item")
			return
		}
		if filters.Match(entry) {
			entries = append(entries, entry)
		}
	})

	return &Result{Metadata: models.Metadata{}, Entries: entries, RawPayload: string(resp.Body)}, nil
}

func (a *ScraperAdapter) parseItem(rule config.ScraperRule, base *url.URL, item *goquery.Selection, now time.Time) (models.NormalizedEntry, error) {
	link := item
	if rule.Link != "" {
		link = item.Find(rule.Link).First()
	}
	href, ok := link.Attr("href")
	if !ok || href == "" {
		return models.NormalizedEntry{}, fmt.Errorf("no link")
	}
	target := resolve(base, href)

	title := link.Text()
	if rule.Title != "" {
		title = item.Find(rule.Title).First().Text()
	}

	entry := models.NormalizedEntry{
		RemoteId:   target,
		Title:      a.sanitizer.Text(title),
		TargetUrl:  target,
		ContentUrl: target,
	}
	if rule.Summary != "" {
		if summary, err := item.Find(rule.Summary).First().Html(); err == nil {
			entry.ShortContent = a.sanitizer.HTML(summary)
		}
	}
	if rule.Author != "" {
		entry.Username = a.sanitizer.Text(item.Find(rule.Author).First().Text())
	}
	if rule.Image != "" {
		if src, ok := item.Find(rule.Image).First().Attr("src"); ok {
			entry.MediaUrl = resolve(base, src)
		}
	}

	date := now
	if rule.Date != "" {
		parsed, err := scrapedDate(rule, item.Find(rule.Date).First())
		if err != nil {
			return models.NormalizedEntry{}, err
		}
		date = parsed
	}
	entry.SortDate, entry.DisplayDate = date, date

	if raw, err := goquery.OuterHtml(item); err == nil {
		entry.RawPayload = raw
	}
	return entry, nil
}

func scrapedDate(rule config.ScraperRule, sel *goquery.Selection) (time.Time, error) {
	value := strings.TrimSpace(sel.Text())
	if rule.DateAttr != "" {
		value, _ = sel.Attr(rule.DateAttr)
	}
	layout := rule.DateLayout
	if layout == "" {
		layout = time.RFC3339
	}
	parsed, err := time.Parse(layout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", value, err)
	}
	return parsed, nil
}

func resolve(base *url.URL, ref string) string {
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}
