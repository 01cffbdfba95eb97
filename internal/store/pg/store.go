// Package pg implements store.MetadataStore backed by Postgres (managed
// mode). Schema is owned by the migrate command; this package assumes it.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/chatpulse/chatpulse/internal/store"
)

// Store is a Postgres-backed MetadataStore.
type Store struct {
	db *sql.DB
}

var _ store.MetadataStore = (*Store)(nil)

// Open connects to Postgres using the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }

func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM analysis_results WHERE message_id IN (SELECT id FROM messages WHERE ts < $1)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_embeddings WHERE message_id IN (SELECT id FROM messages WHERE ts < $1)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune pending: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
