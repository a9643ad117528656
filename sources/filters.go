package sources

import (
	"feedsync/models"
	"fmt"
	"strings"
)

// Filters restricts the entries kept from a source, e.g. "author=john,title=go".
// Every condition must hold, each is a case insensitive substring match.
type Filters map[string]string

var filterFields = map[string]func(models.NormalizedEntry) string{
	"title":    func(e models.NormalizedEntry) string { return e.Title },
	"author":   func(e models.NormalizedEntry) string { return e.Username },
	"username": func(e models.NormalizedEntry) string { return e.Username },
	"content":  func(e models.NormalizedEntry) string { return e.ShortContent },
	"summary":  func(e models.NormalizedEntry) string { return e.ShortContent },
	"link":     func(e models.NormalizedEntry) string { return e.TargetUrl },
}

func ParseFilters(expr string) (Filters, error) {
	filters := Filters{}
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		field, value, ok := strings.Cut(part, "=")
		field = strings.ToLower(strings.TrimSpace(field))
		if !ok {
			return nil, fmt.Errorf("invalid filter %q, expected field=value", part)
		}
		if _, known := filterFields[field]; !known {
			return nil, fmt.Errorf("unknown filter field %q", field)
		}
		filters[field] = strings.ToLower(strings.TrimSpace(value))
	}
	return filters, nil
}

func (f Filters) Match(entry models.NormalizedEntry) bool {
	for field, value := range f {
		if !strings.Contains(strings.ToLower(filterFields[field](entry)), value) {
			return false
		}
	}
	return true
}
