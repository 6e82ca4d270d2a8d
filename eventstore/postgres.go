package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/toolsgateway/toolsgw/infrastructure/logging"
)

// PostgresStore is the production Store backed by an append-only
// `event_journal` table with a unique (stream_id, sequence) constraint
// enforcing optimistic concurrency, and a `global_sequence` bigserial giving
// the global tail subscribers replay from.
type PostgresStore struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// OpenPostgres connects to dsn, verifies connectivity, and returns a
// PostgresStore. The caller owns the connection and must call Close.
func OpenPostgres(ctx context.Context, dsn string, logger *logging.Logger) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for the migrator and the read-model store
// (spec.md §6 allows the event journal and read model to share a backend).
func (s *PostgresStore) DB() *sqlx.DB { return s.db }

func (s *PostgresStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []Event) (int64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.GetContext(ctx, &current,
		`SELECT COALESCE(MAX(sequence), 0) FROM event_journal WHERE stream_id = $1 FOR UPDATE`,
		streamID)
	if err != nil {
		return 0, fmt.Errorf("read stream version: %w", err)
	}

	if current != expectedVersion {
		return current, ErrConcurrencyConflict
	}

	seq := current
	const insert = `
		INSERT INTO event_journal (stream_id, sequence, type, payload, correlation_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for _, e := range events {
		seq++
		if _, err := tx.ExecContext(ctx, insert, streamID, seq, e.Type, []byte(e.Payload), e.CorrelationID, e.OccurredAt); err != nil {
			var pqErr interface{ SQLState() string }
			if errors.As(err, &pqErr) && pqErr.SQLState() == "23505" {
				return current, ErrConcurrencyConflict
			}
			return 0, fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) Read(ctx context.Context, streamID string, fromSequence int64) ([]Event, error) {
	var events []Event
	err := s.db.SelectContext(ctx, &events,
		`SELECT stream_id, sequence, type, payload, correlation_id, occurred_at
		 FROM event_journal WHERE stream_id = $1 AND sequence >= $2 ORDER BY sequence ASC`,
		streamID, fromSequence)
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return events, nil
}

// SubscribeGlobal polls the global_sequence tail. Postgres has no native
// push notification wired here (LISTEN/NOTIFY is a documented future
// extension); the poll interval bounds projector lag under normal load.
func (s *PostgresStore) SubscribeGlobal(ctx context.Context, fromCheckpoint Checkpoint) (<-chan Delivery, <-chan error) {
	out := make(chan Delivery, 256)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()

		checkpoint := fromCheckpoint
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			type row struct {
				Event
				GlobalSeq int64 `db:"global_seq"`
			}
			var rows []row
			err := s.db.SelectContext(ctx, &rows,
				`SELECT stream_id, sequence, type, payload, correlation_id, occurred_at, global_seq
				 FROM event_journal WHERE global_seq > $1 ORDER BY global_seq ASC LIMIT 500`,
				int64(checkpoint))
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				select {
				case errs <- fmt.Errorf("poll global stream: %w", err):
				default:
				}
				continue
			}

			for _, r := range rows {
				checkpoint = Checkpoint(r.GlobalSeq)
				select {
				case out <- Delivery{Event: r.Event, Checkpoint: checkpoint}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errs
}
