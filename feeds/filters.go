package feeds

import (
	"fmt"
	"strings"
	"time"

	"feedsync/query"

	"github.com/huandu/go-sqlbuilder"
)

// UserFilter restricts entries to one user
type UserFilter struct {
	UserID int64
}

func (f *UserFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.Equal("entries.user_id", f.UserID))
}

// AnchorFilter pins a browsing session to the entries ingested before its anchor
type AnchorFilter struct {
	Anchor time.Time
}

func (f *AnchorFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.LessThan("entries.created", f.Anchor.UnixMicro()))
}

// HideSeenFilter drops entries viewed before the session started. Entries
// viewed during the session stay so later pages keep their offsets.
type HideSeenFilter struct {
	Anchor time.Time
}

func (f *HideSeenFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.Or(
		sb.IsNull("entries.viewed"),
		sb.GreaterThan("entries.viewed", f.Anchor.UnixMicro()),
	))
}

// SourceFilter restricts entries to the source with the given name
type SourceFilter struct {
	Name string
}

func (f *SourceFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.Equal("sources.name", f.Name))
}

type FolderFilter struct {
	Folder string
}

func (f *FolderFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.Equal("sources.folder", f.Folder))
}

type UsernameFilter struct {
	Username string
}

func (f *UsernameFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.Equal("entries.username", f.Username))
}

// FlagFilter keeps entries whose nullable timestamp flag is set, e.g. favorited
type FlagFilter struct {
	Column string
}

func (f *FlagFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.IsNotNull("entries." + f.Column))
}

// TextFilter is a case insensitive substring match over title, author and short content
type TextFilter struct {
	Text string
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (f *TextFilter) ApplyFilter(sb *sqlbuilder.SelectBuilder) {
	pattern := "%" + likeEscaper.Replace(strings.ToLower(f.Text)) + "%"
	conditions := make([]string, 0, 3)
	for _, col := range []string{"entries.title", "entries.username", "entries.short_content"} {
		conditions = append(conditions, fmt.Sprintf(`LOWER(%s) LIKE %s ESCAPE '\'`, col, sb.Var(pattern)))
	}
	sb.Where(sb.Or(conditions...))
}

var _ query.FilterStrategy = (*UserFilter)(nil)
var _ query.FilterStrategy = (*AnchorFilter)(nil)
var _ query.FilterStrategy = (*HideSeenFilter)(nil)
var _ query.FilterStrategy = (*SourceFilter)(nil)
var _ query.FilterStrategy = (*FolderFilter)(nil)
var _ query.FilterStrategy = (*UsernameFilter)(nil)
var _ query.FilterStrategy = (*FlagFilter)(nil)
var _ query.FilterStrategy = (*TextFilter)(nil)
