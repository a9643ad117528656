package feeds

import (
	"feedsync/query"

	"github.com/huandu/go-sqlbuilder"
)

// FeedQueryBuilder builds feed queries from filters and an ordering
type FeedQueryBuilder struct {
	ordering query.OrderingStrategy
	filters  []query.FilterStrategy
}

func NewFeedQueryBuilder(ordering query.OrderingStrategy) *FeedQueryBuilder {
	return &FeedQueryBuilder{
		ordering: ordering,
		filters:  make([]query.FilterStrategy, 0),
	}
}

func (b *FeedQueryBuilder) AddFilter(filter query.FilterStrategy) {
	b.filters = append(b.filters, filter)
}

// Build completes a select over entries with filters, ordering and a
// limit/offset window. A limit of zero means no limit.
func (b *FeedQueryBuilder) Build(sb *sqlbuilder.SelectBuilder, limit, offset int) *sqlbuilder.SelectBuilder {
	// Apply all filters
	for _, filter := range b.filters {
		filter.ApplyFilter(sb)
	}

	if b.ordering != nil {
		sb.OrderBy(b.ordering.SortKeys(sb)...)
	} else {
		sb.OrderBy("entries.id DESC")
	}

	if limit > 0 {
		sb.Limit(limit)
	}
	if offset > 0 {
		sb.Offset(offset)
	}

	return sb
}
