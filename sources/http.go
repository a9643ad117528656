package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const maxBodySize = 10 << 20

// Fetcher performs GET requests against source origins, retrying transient failures
type Fetcher struct {
	Client    *http.Client
	UserAgent string
	// Retries is the number of retries after the first attempt
	Retries         uint64
	InitialInterval time.Duration
}

func NewFetcher(userAgent string) *Fetcher {
	return &Fetcher{
		Client:          &http.Client{Timeout: 30 * time.Second},
		UserAgent:       userAgent,
		Retries:         3,
		InitialInterval: 500 * time.Millisecond,
	}
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Get fetches url. Network errors and 5xx responses are retried, other
// non-success statuses are permanent. 304 is returned as a response.
func (f *Fetcher) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.InitialInterval
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 1.5

	var resp *Response
	attempt := 0
	operation := func() error {
		attempt++
		r, err := f.do(ctx, url, header)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		switch {
		case r.Status >= 500 || r.Status == http.StatusTooManyRequests:
			return fmt.Errorf("%s returned %d", url, r.Status)
		case r.Status >= 400:
			return backoff.Permanent(Permanent(fmt.Errorf("%s returned %d", url, r.Status)))
		}
		resp = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"url":     url,
			"attempt": attempt,
			"wait":    wait,
			"error":   err,
		}).Debug("Retrying fetch")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, f.Retries), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

func (f *Fetcher) do(ctx context.Context, url string, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(Permanent(fmt.Errorf("build request: %w", err)))
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	res, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return &Response{Status: res.StatusCode, Header: res.Header, Body: body}, nil
}

// IsNotModified reports whether the origin answered a conditional request with 304
func (r *Response) IsNotModified() bool {
	return r.Status == http.StatusNotModified
}
