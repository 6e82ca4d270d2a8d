// Package readmodel implements the CQRS read side (spec §4.1, L3): a
// document store mapping aggregate id to a denormalized DTO, rebuilt by the
// projector from the event journal and queried directly by the command/query
// handlers and the access resolver.
package readmodel

import (
	"context"
	"sort"
)

// Filter is a single predicate over a document field. Value's comparability
// follows Go's native ==/<  semantics; callers are expected to pass scalars.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// FilterOp enumerates the equality/range/set filters named in spec.md §3/§4.6.
type FilterOp string

const (
	FilterEq    FilterOp = "eq"
	FilterNe    FilterOp = "ne"
	FilterIn    FilterOp = "in"
	FilterGte   FilterOp = "gte"
	FilterLte   FilterOp = "lte"
	FilterExists FilterOp = "exists"
)

// Page describes the requested page of a paginated query (spec.md §4.8:
// page_size <= 200).
type Page struct {
	Number int
	Size   int
}

// Normalize clamps Page to the spec's bounds, defaulting to page 1 / 50.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = 50
	}
	if p.Size > 200 {
		p.Size = 200
	}
	return p
}

func (p Page) offset() int { return (p.Number - 1) * p.Size }

// Sort describes a stable sort key and direction.
type Sort struct {
	Field      string
	Descending bool
}

// Store is a generic document-per-aggregate read-model table. T is the
// denormalized DTO (e.g. SourceView, ToolGroupView).
type Store[T any] interface {
	Upsert(ctx context.Context, id string, doc T) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (T, bool, error)
	Query(ctx context.Context, filters []Filter, sort *Sort, page Page, fieldOf func(T) map[string]any) ([]T, int, error)
	All(ctx context.Context) ([]T, error)
}

// MatchesFilters reports whether doc's field projection (from fieldOf)
// satisfies every filter. Used by in-memory and application-layer callers
// that need to filter after loading (the resolver's selector matching is
// separate, see applications/resolver).
func MatchesFilters(fields map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := fields[f.Field]
		switch f.Op {
		case FilterExists:
			if ok != (f.Value == true) {
				return false
			}
			continue
		}
		if !ok {
			return false
		}
		switch f.Op {
		case FilterEq:
			if v != f.Value {
				return false
			}
		case FilterNe:
			if v == f.Value {
				return false
			}
		case FilterIn:
			list, _ := f.Value.([]any)
			found := false
			for _, item := range list {
				if item == v {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case FilterGte, FilterLte:
			vf, vOk := toFloat(v)
			ff, fOk := toFloat(f.Value)
			if !vOk || !fOk {
				return false
			}
			if f.Op == FilterGte && vf < ff {
				return false
			}
			if f.Op == FilterLte && vf > ff {
				return false
			}
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// SortStable sorts items in place using less, preserving relative order of
// equal elements (spec.md §4.8: "sort stable").
func SortStable[T any](items []T, less func(a, b T) bool) {
	sort.SliceStable(items, func(i, j int) bool { return less(items[i], items[j]) })
}

// Paginate slices items to the requested page.
func Paginate[T any](items []T, page Page) ([]T, int) {
	page = page.Normalize()
	total := len(items)
	start := page.offset()
	if start >= total {
		return []T{}, total
	}
	end := start + page.Size
	if end > total {
		end = total
	}
	return items[start:end], total
}
