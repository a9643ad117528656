package feeds

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"feedsync/query"
	"feedsync/ranking"

	"github.com/huandu/go-sqlbuilder"
)

// RecencyOrdering orders strictly by sort date
type RecencyOrdering struct{}

func (o *RecencyOrdering) SortKeys(sb *sqlbuilder.SelectBuilder) []string {
	return []string{"entries.sort_date DESC", "entries.id DESC"}
}

// FrequencyOrdering surfaces entries of the recent window first, then
// entries of infrequent sources before those of busy ones
type FrequencyOrdering struct {
	Anchor       time.Time
	RecentWindow time.Duration
	Ranks        map[int64]ranking.Bucket
}

func (o *FrequencyOrdering) SortKeys(sb *sqlbuilder.SelectBuilder) []string {
	recent := fmt.Sprintf("CASE WHEN entries.sort_date >= %s THEN 0 ELSE 1 END",
		sb.Var(o.Anchor.Add(-o.RecentWindow).UnixMicro()))
	return []string{recent, o.rankCase(), "entries.sort_date DESC", "entries.id DESC"}
}

// rankCase maps each source to its bucket, unranked and standalone entries go last
func (o *FrequencyOrdering) rankCase() string {
	if len(o.Ranks) == 0 {
		return fmt.Sprintf("%d", ranking.Unranked)
	}
	ids := make([]int64, 0, len(o.Ranks))
	for id := range o.Ranks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	b.WriteString("CASE entries.source_id")
	for _, id := range ids {
		fmt.Fprintf(&b, " WHEN %d THEN %d", id, o.Ranks[id])
	}
	fmt.Fprintf(&b, " ELSE %d END", ranking.Unranked)
	return b.String()
}

// FlagOrdering orders by when a flag was set, e.g. most recently favorited first
type FlagOrdering struct {
	Column string
}

func (o *FlagOrdering) SortKeys(sb *sqlbuilder.SelectBuilder) []string {
	return []string{"entries." + o.Column + " DESC", "entries.id DESC"}
}

var _ query.OrderingStrategy = (*RecencyOrdering)(nil)
var _ query.OrderingStrategy = (*FrequencyOrdering)(nil)
var _ query.OrderingStrategy = (*FlagOrdering)(nil)
