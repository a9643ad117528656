package sources

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"codeberg.org/readeck/go-readability/v2"
)

// ContentExtractor loads the readable body of an article page
type ContentExtractor struct {
	fetcher   *Fetcher
	sanitizer *Sanitizer
}

func NewContentExtractor(fetcher *Fetcher, sanitizer *Sanitizer) *ContentExtractor {
	return &ContentExtractor{fetcher: fetcher, sanitizer: sanitizer}
}

// Extract returns the sanitized article html at pageURL, or an empty string
// when the page has no readable content
func (e *ContentExtractor) Extract(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", Permanent(fmt.Errorf("invalid content url: %w", err))
	}

	resp, err := e.fetcher.Get(ctx, pageURL, nil)
	if err != nil {
		return "", err
	}

	article, err := readability.FromReader(bytes.NewReader(resp.Body), parsed)
	if err != nil {
		return "", nil
	}

	var htmlBuf strings.Builder
	if err := article.RenderHTML(&htmlBuf); err != nil {
		return "", fmt.Errorf("render article %s: %w", pageURL, err)
	}
	return e.sanitizer.HTML(htmlBuf.String()), nil
}
