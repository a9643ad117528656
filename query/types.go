package query

import (
	"github.com/huandu/go-sqlbuilder"
)

// FilterStrategy adds WHERE conditions to the query
type FilterStrategy interface {
	// ApplyFilter adds filter conditions to the query builder
	ApplyFilter(sb *sqlbuilder.SelectBuilder)
}

// OrderingStrategy defines how entries of a feed are ordered
type OrderingStrategy interface {
	// SortKeys returns the ORDER BY terms, most significant first. Arguments
	// are bound through sb.
	SortKeys(sb *sqlbuilder.SelectBuilder) []string
}
