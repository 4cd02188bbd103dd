// Package postgres implements ledger.Backend on PostgreSQL.
//
// It replaces the MongoDB message ledger when storage.ledger is "postgres".
// Uniqueness of (counterparty, direction, seq) is a table constraint, so a
// lost race surfaces as a unique violation and is reported as
// errs.ErrDuplicate.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradle/mycloud-sub005/pkg/errs"
	"github.com/tradle/mycloud-sub005/pkg/ledger"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	link          TEXT PRIMARY KEY,
	counterparty  TEXT NOT NULL,
	direction     TEXT NOT NULL,
	seq           BIGINT NOT NULL,
	author        TEXT NOT NULL,
	recipient     TEXT NOT NULL,
	time          BIGINT NOT NULL,
	payload_link  TEXT NOT NULL,
	payload_type  TEXT NOT NULL,
	body          BYTEA NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (counterparty, direction, seq)
);
CREATE INDEX IF NOT EXISTS messages_payload_link ON messages (payload_link);
`

// Ledger stores ledger records in PostgreSQL
type Ledger struct {
	pool *pgxpool.Pool
}

var _ ledger.Backend = (*Ledger)(nil)

// NewLedger connects to databaseURL and creates the schema if needed
func NewLedger(ctx context.Context, databaseURL string, maxConns int32) (*Ledger, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Ledger{pool: pool}, nil
}

// Close closes the connection pool
func (l *Ledger) Close() {
	l.pool.Close()
}

// Ping checks the database connection
func (l *Ledger) Ping(ctx context.Context) error {
	return l.pool.Ping(ctx)
}

func (l *Ledger) InsertMessage(ctx context.Context, rec *ledger.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO messages (link, counterparty, direction, seq, author, recipient, time, payload_link, payload_type, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.Link, rec.Counterparty, string(rec.Direction), rec.Seq, rec.Author, rec.Recipient,
		rec.Time, rec.PayloadLink, rec.PayloadType, rec.Body, rec.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s seq %d to %s: %w", rec.Direction, rec.Seq, rec.Counterparty, errs.ErrDuplicate)
	}
	return err
}

func (l *Ledger) LastMessage(ctx context.Context, counterparty string, dir ledger.Direction) (*ledger.Record, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT link, counterparty, direction, seq, author, recipient, time, payload_link, payload_type, body, created_at
		FROM messages WHERE counterparty = $1 AND direction = $2
		ORDER BY seq DESC LIMIT 1
	`, counterparty, string(dir))
	if err != nil {
		return nil, err
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s messages of %s: %w", dir, counterparty, errs.ErrNotFound)
	}
	return rec, err
}

func (l *Ledger) ListMessages(ctx context.Context, counterparty string, dir ledger.Direction, afterSeq int64, limit int) ([]*ledger.Record, error) {
	// LIMIT NULL means no limit
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := l.pool.Query(ctx, `
		SELECT link, counterparty, direction, seq, author, recipient, time, payload_link, payload_type, body, created_at
		FROM messages WHERE counterparty = $1 AND direction = $2 AND seq > $3
		ORDER BY seq ASC LIMIT $4
	`, counterparty, string(dir), afterSeq, lim)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanRecord)
}

func scanRecord(row pgx.CollectableRow) (*ledger.Record, error) {
	var (
		rec ledger.Record
		dir string
	)
	err := row.Scan(&rec.Link, &rec.Counterparty, &dir, &rec.Seq, &rec.Author, &rec.Recipient,
		&rec.Time, &rec.PayloadLink, &rec.PayloadType, &rec.Body, &rec.CreatedAt)
	rec.Direction = ledger.Direction(dir)
	return &rec, err
}
