package sources

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer cleans origin HTML before it is stored as short content
type Sanitizer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

func NewSanitizer() *Sanitizer {
	// Text level markup only, images are shown through media_url
	p := bluemonday.NewPolicy()
	p.AllowStandardURLs()
	p.AllowElements("p", "br", "strong", "em", "b", "i", "u", "ul", "ol", "li", "blockquote", "code", "pre", "span")
	p.AllowAttrs("href").OnElements("a")
	p.RequireNoFollowOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	return &Sanitizer{
		policy: p,
		strict: bluemonday.StrictPolicy(),
	}
}

// HTML keeps safe text markup
func (s *Sanitizer) HTML(raw string) string {
	return strings.TrimSpace(s.policy.Sanitize(raw))
}

// Text strips every tag, used for titles and author names
func (s *Sanitizer) Text(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(raw)))
}
