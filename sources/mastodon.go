package sources

import (
	"context"
	"encoding/json"
	"feedsync/models"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	metaNewestID     = "newest_id"
	mastodonPageSize = 40
	mastodonMaxPages = 10
)

type mastodonAccount struct {
	Acct        string `json:"acct"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`
}

type mastodonStatus struct {
	ID               string          `json:"id"`
	CreatedAt        time.Time       `json:"created_at"`
	EditedAt         *time.Time      `json:"edited_at"`
	InReplyToID      *string         `json:"in_reply_to_id"`
	Reblog           *mastodonStatus `json:"reblog"`
	Account          mastodonAccount `json:"account"`
	Content          string          `json:"content"`
	MediaAttachments []struct {
		Type       string `json:"type"`
		PreviewURL string `json:"preview_url"`
	} `json:"media_attachments"`
	Card *struct {
		Image string `json:"image"`
	} `json:"card"`
	Poll *struct {
		Options []struct {
			Title string `json:"title"`
		} `json:"options"`
	} `json:"poll"`
}

type mastodonNotification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
	Account   mastodonAccount `json:"account"`
	Status    *mastodonStatus `json:"status"`
}

// notificationPhrases lists the notification types turned into entries.
// Polls, edits and admin notifications are ignored.
var notificationPhrases = map[string]string{
	"mention":        "mentioned you",
	"status":         "posted",
	"reblog":         "reblogged a post",
	"follow":         "followed you",
	"follow_request": "requested to follow you",
	"favourite":      "favorited a post",
}

// MastodonAdapter syncs the home timeline, or the notifications, of a
// Mastodon account. The source url is the server url, the access token
// authorizes the account.
type MastodonAdapter struct {
	fetcher   *Fetcher
	sanitizer *Sanitizer
	endpoint  string
	// FetchLimit bounds the number of items loaded on the first sync
	FetchLimit int
}

func NewMastodonAdapter(fetcher *Fetcher, sanitizer *Sanitizer, fetchLimit int) *MastodonAdapter {
	return &MastodonAdapter{fetcher: fetcher, sanitizer: sanitizer, endpoint: "/api/v1/timelines/home", FetchLimit: fetchLimit}
}

// NewMastodonNotificationsAdapter syncs an account's notifications, one entry
// per notification
func NewMastodonNotificationsAdapter(fetcher *Fetcher, sanitizer *Sanitizer, fetchLimit int) *MastodonAdapter {
	return &MastodonAdapter{fetcher: fetcher, sanitizer: sanitizer, endpoint: "/api/v1/notifications", FetchLimit: fetchLimit}
}

func (a *MastodonAdapter) notifications() bool {
	return a.endpoint == "/api/v1/notifications"
}

func (a *MastodonAdapter) Fetch(ctx context.Context, req Request) (*Result, error) {
	if req.AccessToken == "" {
		return nil, Permanent(fmt.Errorf("mastodon source %s has no access token", req.URL))
	}
	server := strings.TrimRight(req.URL, "/")
	header := http.Header{}
	header.Set("Authorization", "Bearer "+req.AccessToken)

	prior := req.Prior[metaNewestID]
	var (
		raws []json.RawMessage
		err  error
	)
	if prior != "" {
		raws, err = a.fetchNewer(ctx, server, header, prior)
	} else {
		raws, err = a.fetchLatest(ctx, server, header)
	}
	if err != nil {
		return nil, err
	}

	if len(raws) == 0 {
		return &Result{Metadata: req.Prior, Unchanged: prior != ""}, nil
	}

	newest := prior
	entries := []models.NormalizedEntry{}
	for _, raw := range raws {
		if a.notifications() {
			var notification mastodonNotification
			if err := json.Unmarshal(raw, &notification); err != nil {
				log.WithFields(log.Fields{"server": server, "error": err}).Warn("Skipping malformed notification")
				continue
			}
			if compareIDs(notification.ID, newest) > 0 {
				newest = notification.ID
			}
			if entry, ok := a.notificationEntry(server, notification, string(raw)); ok {
				entries = append(entries, entry)
			}
			continue
		}

		var status mastodonStatus
		if err := json.Unmarshal(raw, &status); err != nil {
			log.WithFields(log.Fields{"server": server, "error": err}).Warn("Skipping malformed status")
			continue
		}
		if compareIDs(status.ID, newest) > 0 {
			newest = status.ID
		}
		// replies only show up when someone boosts them
		if status.InReplyToID != nil && status.Reblog == nil {
			continue
		}
		entries = append(entries, a.toEntry(server, status, string(raw)))
	}

	payload, _ := json.Marshal(raws)
	return &Result{
		Metadata:   models.Metadata{metaNewestID: newest},
		Entries:    entries,
		RawPayload: string(payload),
	}, nil
}

// fetchNewer walks forward from the newest status seen on the previous sync
func (a *MastodonAdapter) fetchNewer(ctx context.Context, server string, header http.Header, minID string) ([]json.RawMessage, error) {
	var all []json.RawMessage
	for page := 0; page < mastodonMaxPages; page++ {
		params := url.Values{}
		params.Set("min_id", minID)
		params.Set("limit", strconv.Itoa(mastodonPageSize))
		statuses, ids, err := a.timeline(ctx, server, header, params)
		if err != nil {
			return nil, err
		}
		if len(statuses) == 0 {
			break
		}
		all = append(all, statuses...)
		for _, id := range ids {
			if compareIDs(id, minID) > 0 {
				minID = id
			}
		}
	}
	return all, nil
}

// fetchLatest pages backwards from the top of the timeline up to FetchLimit statuses
func (a *MastodonAdapter) fetchLatest(ctx context.Context, server string, header http.Header) ([]json.RawMessage, error) {
	var (
		all   []json.RawMessage
		maxID string
	)
	for page := 0; page < mastodonMaxPages && len(all) < a.FetchLimit; page++ {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(min(mastodonPageSize, a.FetchLimit-len(all))))
		if maxID != "" {
			params.Set("max_id", maxID)
		}
		statuses, ids, err := a.timeline(ctx, server, header, params)
		if err != nil {
			return nil, err
		}
		if len(statuses) == 0 {
			break
		}
		all = append(all, statuses...)
		maxID = ids[0]
		for _, id := range ids {
			if compareIDs(id, maxID) < 0 {
				maxID = id
			}
		}
	}
	return all, nil
}

func (a *MastodonAdapter) timeline(ctx context.Context, server string, header http.Header, params url.Values) ([]json.RawMessage, []string, error) {
	resp, err := a.fetcher.Get(ctx, server+a.endpoint+"?"+params.Encode(), header)
	if err != nil {
		return nil, nil, err
	}

	var statuses []json.RawMessage
	if err := json.Unmarshal(resp.Body, &statuses); err != nil {
		return nil, nil, fmt.Errorf("decode %s of %s: %w", a.endpoint, server, err)
	}
	ids := make([]string, 0, len(statuses))
	for _, raw := range statuses {
		var status struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &status); err == nil && status.ID != "" {
			ids = append(ids, status.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}
	return statuses, ids, nil
}

func (a *MastodonAdapter) toEntry(server string, status mastodonStatus, raw string) models.NormalizedEntry {
	// a boost sorts by the time it was boosted and displays the original status
	sortDate := status.CreatedAt
	if status.EditedAt != nil {
		sortDate = *status.EditedAt
	}

	entry := models.NormalizedEntry{SortDate: sortDate, RawPayload: raw}
	if status.Reblog != nil {
		entry.Header = displayName(status.Account) + " boosted"
		status = *status.Reblog
	}

	userURL := fmt.Sprintf("%s/@%s", server, status.Account.Acct)
	entry.RemoteId = status.ID
	entry.Username = status.Account.Acct
	entry.DisplayName = a.sanitizer.Text(displayName(status.Account))
	entry.AvatarUrl = status.Account.Avatar
	entry.UserUrl = userURL
	entry.DisplayDate = status.CreatedAt
	entry.TargetUrl = userURL + "/" + status.ID
	entry.CommentsUrl = entry.TargetUrl

	content := status.Content
	if status.Poll != nil {
		var b strings.Builder
		b.WriteString("<ul>")
		for _, option := range status.Poll.Options {
			b.WriteString("<li>" + option.Title + "</li>")
		}
		b.WriteString("</ul>")
		content += b.String()
	}
	entry.ShortContent = a.sanitizer.HTML(content)

	for _, media := range status.MediaAttachments {
		if media.Type == "image" {
			entry.MediaUrl = media.PreviewURL
			break
		}
	}
	if entry.MediaUrl == "" && status.Card != nil {
		entry.MediaUrl = status.Card.Image
	}
	return entry
}

// notificationEntry links follows to the follower and everything else to the
// status the notification is about
func (a *MastodonAdapter) notificationEntry(server string, n mastodonNotification, raw string) (models.NormalizedEntry, bool) {
	phrase, ok := notificationPhrases[n.Type]
	if !ok {
		return models.NormalizedEntry{}, false
	}

	name := a.sanitizer.Text(displayName(n.Account))
	userURL := fmt.Sprintf("%s/@%s", server, n.Account.Acct)
	entry := models.NormalizedEntry{
		RemoteId:    n.ID,
		Username:    n.Account.Acct,
		DisplayName: name,
		AvatarUrl:   n.Account.Avatar,
		UserUrl:     userURL,
		Header:      name + " " + phrase,
		TargetUrl:   userURL,
		DisplayDate: n.CreatedAt,
		SortDate:    n.CreatedAt,
		RawPayload:  raw,
	}
	if n.Status != nil && n.Type != "follow" && n.Type != "follow_request" {
		entry.TargetUrl = fmt.Sprintf("%s/@%s/%s", server, n.Status.Account.Acct, n.Status.ID)
		entry.CommentsUrl = entry.TargetUrl
		if n.Type == "mention" || n.Type == "status" {
			entry.ShortContent = a.sanitizer.HTML(n.Status.Content)
		}
	}
	return entry, true
}

func displayName(account mastodonAccount) string {
	if account.DisplayName != "" {
		return account.DisplayName
	}
	name, _, _ := strings.Cut(account.Acct, "@")
	return name
}

// compareIDs orders Mastodon's numeric string ids
func compareIDs(a, b string) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	return strings.Compare(a, b)
}
