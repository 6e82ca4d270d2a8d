package readmodel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresStore is a generic Store[T] backed by a table with an `id TEXT
// PRIMARY KEY` and a `document JSONB` column (see
// infrastructure/migrations/sql/0002_read_model.up.sql). Filtering and
// sorting happen in Go after loading the table: the catalogs this service
// projects (sources, tools, groups, policies) are operator-sized, not
// user-data-sized, so a full-table scan per query is the right tradeoff
// against the complexity of translating Filter/Sort into JSONB predicates.
type PostgresStore[T any] struct {
	db    *sqlx.DB
	table string
}

// NewPostgresStore builds a PostgresStore for the given table name.
func NewPostgresStore[T any](db *sqlx.DB, table string) *PostgresStore[T] {
	return &PostgresStore[T]{db: db, table: table}
}

type documentRow struct {
	ID       string          `db:"id"`
	Document json.RawMessage `db:"document"`
}

func (s *PostgresStore[T]) Upsert(ctx context.Context, id string, doc T) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, document, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`, s.table)
	_, err = s.db.ExecContext(ctx, query, id, []byte(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore[T]) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	_, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", s.table, err)
	}
	return nil
}

func (s *PostgresStore[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var zero T
	var row documentRow
	query := fmt.Sprintf(`SELECT id, document FROM %s WHERE id = $1`, s.table)
	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("get from %s: %w", s.table, err)
	}
	var doc T
	if err := json.Unmarshal(row.Document, &doc); err != nil {
		return zero, false, fmt.Errorf("decode document: %w", err)
	}
	return doc, true, nil
}

func (s *PostgresStore[T]) All(ctx context.Context) ([]T, error) {
	var rows []documentRow
	query := fmt.Sprintf(`SELECT id, document FROM %s`, s.table)
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list %s: %w", s.table, err)
	}
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		var doc T
		if err := json.Unmarshal(r.Document, &doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *PostgresStore[T]) Query(ctx context.Context, filters []Filter, srt *Sort, page Page, fieldOf func(T) map[string]any) ([]T, int, error) {
	all, err := s.All(ctx)
	if err != nil {
		return nil, 0, err
	}

	matched := make([]T, 0, len(all))
	for _, doc := range all {
		if MatchesFilters(fieldOf(doc), filters) {
			matched = append(matched, doc)
		}
	}

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

	pageItems, total := Paginate(matched, page)
	return pageItems, total, nil
}

// Checkpoint persists the projector's position in the global event stream
// under a named projection so restarts resume without replaying history.
type Checkpoint struct {
	db *sqlx.DB
}

// NewCheckpoint constructs a Checkpoint store over the rm_projector_checkpoint table.
func NewCheckpoint(db *sqlx.DB) *Checkpoint { return &Checkpoint{db: db} }

func (c *Checkpoint) Load(ctx context.Context, projection string) (int64, error) {
	var cp int64
	err := c.db.GetContext(ctx, &cp, `SELECT checkpoint FROM rm_projector_checkpoint WHERE projection_name = $1`, projection)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

func (c *Checkpoint) Save(ctx context.Context, projection string, checkpoint int64) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO rm_projector_checkpoint (projection_name, checkpoint) VALUES ($1, $2)
		ON CONFLICT (projection_name) DO UPDATE SET checkpoint = EXCLUDED.checkpoint`,
		projection, checkpoint)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}
