package readmodel

import (
	"context"
	"sync"
)

// MemoryStore is a generic in-process Store[T] for unit tests.
type MemoryStore[T any] struct {
	mu   sync.RWMutex
	docs map[string]T
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{docs: make(map[string]T)}
}

func (s *MemoryStore[T]) Upsert(ctx context.Context, id string, doc T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = doc
	return nil
}

func (s *MemoryStore[T]) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore[T]) Get(ctx context.Context, id string) (T, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	return doc, ok, nil
}

func (s *MemoryStore[T]) All(ctx context.Context) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc)
	}
	return out, nil
}

func (s *MemoryStore[T]) Query(ctx context.Context, filters []Filter, srt *Sort, page Page, fieldOf func(T) map[string]any) ([]T, int, error) {
	s.mu.RLock()
	matched := make([]T, 0, len(s.docs))
	for _, doc := range s.docs {
		if MatchesFilters(fieldOf(doc), filters) {
			matched = append(matched, doc)
		}
	}
	s.mu.RUnlock()

	if srt != nil {
		SortStable(matched, func(a, b T) bool {
			af, bf := fieldOf(a)[srt.Field], fieldOf(b)[srt.Field]
			less := lessAny(af, bf)
			if srt.Descending {
				return !less && af != bf
			}
			return less
		})
	}

	page = page.Normalize()
	pageItems, total := Paginate(matched, page)
	return pageItems, total, nil
}

func lessAny(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		return av < bv
	case float64:
		bv, _ := b.(float64)
		return av < bv
	case int:
		bv, _ := b.(int)
		return av < bv
	default:
		return false
	}
}
