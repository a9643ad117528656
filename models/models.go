package models

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingRemoteID = errors.New("entry has no remote id")
	ErrMissingSortDate = errors.New("entry has no sort date")
	ErrFutureDate      = errors.New("entry date is in the future")
)

// SourceKind discriminates the adapter used to sync a source
type SourceKind string

const (
	KindRSS                   SourceKind = "rss"
	KindMastodon              SourceKind = "mastodon"
	KindMastodonNotifications SourceKind = "mastodon_notifications"
	KindScraper               SourceKind = "scraper"
)

// Metadata holds adapter specific fetch conditioning tokens, e.g. etag
type Metadata map[string]string

type User struct {
	Id      int64     `json:"id"`
	Email   string    `json:"email"`
	Created time.Time `json:"created"`
}

// Source is one external origin a user subscribes to
type Source struct {
	Id               int64      `json:"id"`
	UserId           int64      `json:"userId"`
	Kind             SourceKind `json:"kind"`
	Name             string     `json:"name"`
	Url              string     `json:"url"`
	Folder           string     `json:"folder,omitempty"`
	Filters          string     `json:"filters,omitempty"`
	AccessToken      string     `json:"-"`
	Created          time.Time  `json:"created"`
	Updated          time.Time  `json:"updated"`
	LastFetch        *time.Time `json:"lastFetch,omitempty"`
	FetchMeta        Metadata   `json:"-"`
	LastError        string     `json:"lastError,omitempty"`
	InteractionScore int64      `json:"interactionScore"`
}

// NormalizedEntry is what adapters produce and what the entry store upserts
type NormalizedEntry struct {
	RemoteId     string
	Title        string
	Username     string
	DisplayName  string
	AvatarUrl    string
	UserUrl      string
	Header       string
	ShortContent string
	// FullContent is nil unless the adapter already has the full body
	FullContent *string
	TargetUrl   string
	ContentUrl  string
	CommentsUrl string
	MediaUrl    string
	DisplayDate time.Time
	SortDate    time.Time
	RawPayload  string
}

// Validate rejects entries the store must never persist. Dates are checked
// against now, the ingestion time.
func (e NormalizedEntry) Validate(now time.Time) error {
	if strings.TrimSpace(e.RemoteId) == "" {
		return ErrMissingRemoteID
	}
	if e.SortDate.IsZero() {
		return ErrMissingSortDate
	}
	if e.SortDate.After(now) || e.DisplayDate.After(now) {
		return fmt.Errorf("%w: sort %s display %s", ErrFutureDate,
			e.SortDate.Format(time.RFC3339), e.DisplayDate.Format(time.RFC3339))
	}
	return nil
}

// Entry is a stored item. Large fields (full content, raw payload) are
// loaded separately.
type Entry struct {
	Id           int64      `json:"id"`
	UserId       int64      `json:"userId"`
	SourceId     *int64     `json:"sourceId,omitempty"`
	SourceName   string     `json:"sourceName,omitempty"`
	RemoteId     string     `json:"remoteId"`
	Title        string     `json:"title"`
	Username     string     `json:"username,omitempty"`
	DisplayName  string     `json:"displayName,omitempty"`
	AvatarUrl    string     `json:"avatarUrl,omitempty"`
	UserUrl      string     `json:"userUrl,omitempty"`
	Header       string     `json:"header,omitempty"`
	ShortContent string     `json:"shortContent,omitempty"`
	TargetUrl    string     `json:"targetUrl"`
	ContentUrl   *string    `json:"contentUrl,omitempty"`
	CommentsUrl  *string    `json:"commentsUrl,omitempty"`
	MediaUrl     *string    `json:"mediaUrl,omitempty"`
	DisplayDate  time.Time  `json:"displayDate"`
	SortDate     time.Time  `json:"sortDate"`
	Created      time.Time  `json:"created"`
	Updated      time.Time  `json:"updated"`
	Viewed       *time.Time `json:"viewed,omitempty"`
	Favorited    *time.Time `json:"favorited,omitempty"`
	Pinned       *time.Time `json:"pinned,omitempty"`
	Delivered    *time.Time `json:"delivered,omitempty"`
}

// CanReadLocally reports whether the entry has content that can be extracted
func (e Entry) CanReadLocally() bool {
	return e.ContentUrl != nil && *e.ContentUrl != ""
}

// MaxCursorPage bounds the page a cursor may point at
const MaxCursorPage = 10000

// Cursor pins a browsing session to an anchor time and a page number
type Cursor struct {
	Anchor time.Time
	Page   int
}

// Encode returns the opaque string form handed to clients
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%d.%d", c.Anchor.UnixMicro(), c.Page)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor decodes a cursor previously produced by Encode
func ParseCursor(s string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	anchor, page, ok := strings.Cut(string(raw), ".")
	if !ok {
		return Cursor{}, fmt.Errorf("malformed cursor %q", raw)
	}
	micros, err := strconv.ParseInt(anchor, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("cursor anchor: %w", err)
	}
	n, err := strconv.Atoi(page)
	if err != nil || n < 1 || n > MaxCursorPage {
		return Cursor{}, fmt.Errorf("cursor page %q", page)
	}
	return Cursor{Anchor: time.UnixMicro(micros), Page: n}, nil
}

type FeedPage struct {
	Entries []Entry `json:"entries"`
	Cursor  string  `json:"cursor"`
	// Next is empty when there are no more entries in the session
	Next *string `json:"next"`
}

// SourceActivity is the per source input of the frequency ranking
type SourceActivity struct {
	SourceId   int64
	Created    time.Time
	EntryCount int64
}

type SyncOutcome string

const (
	OutcomeSynced    SyncOutcome = "synced"
	OutcomeUnchanged SyncOutcome = "unchanged"
	OutcomeCooldown  SyncOutcome = "cooldown"
	OutcomeLocked    SyncOutcome = "locked"
	OutcomeFailed    SyncOutcome = "failed"
)

type SyncResult struct {
	SourceId int64       `json:"sourceId"`
	Outcome  SyncOutcome `json:"outcome"`
	Inserted int         `json:"inserted"`
	Updated  int         `json:"updated"`
	Err      error       `json:"-"`
}

// SyncReport aggregates the results of a batch sync
type SyncReport struct {
	Synced    int `json:"synced"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
}

func (r *SyncReport) Add(res SyncResult) {
	switch res.Outcome {
	case OutcomeSynced:
		r.Synced++
	case OutcomeUnchanged:
		r.Unchanged++
	case OutcomeCooldown, OutcomeLocked:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
	r.Inserted += res.Inserted
	r.Updated += res.Updated
}
