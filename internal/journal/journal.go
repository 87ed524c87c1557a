package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zotero/zotero-word-js-integration/internal/apperr"
	"github.com/zotero/zotero-word-js-integration/internal/session"
)

// Entry is one journaled transaction.
type Entry struct {
	ID          string    `json:"id"`
	Command     string    `json:"command"`
	Kind        string    `json:"kind,omitempty"`
	Message     string    `json:"message,omitempty"`
	FieldCount  int       `json:"fieldCount"`
	Rounds      int       `json:"rounds"`
	Invalidated bool      `json:"invalidated"`
	DurationMS  int64     `json:"durationMs"`
	StartedAt   time.Time `json:"startedAt"`
}

// SearchResult is a transaction whose message matched a query.
type SearchResult struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Snippet string `json:"snippet"`
}

var _ session.Observer = (*DB)(nil)

// Record stores tx. Recording the same transaction twice keeps the first row.
func (db *DB) Record(ctx context.Context, tx session.Transaction) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: begin: %w", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck

	res, err := sqlTx.ExecContext(ctx, `
		INSERT INTO transactions (id, command, kind, message, field_count, rounds, invalidated, duration_ms, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, tx.ID, tx.Command, string(tx.Kind), tx.Message, tx.FieldCount, tx.Rounds,
		tx.Invalidated, tx.Duration.Milliseconds(), tx.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("journal: insert %s: %w", tx.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 && tx.Message != "" {
		if err := ftsInsert(sqlTx, tx.ID, tx.Command, tx.Message); err != nil {
			return err
		}
	}
	return sqlTx.Commit()
}

// TransactionCompleted records tx, logging instead of failing.
func (db *DB) TransactionCompleted(ctx context.Context, tx session.Transaction) {
	if err := db.Record(ctx, tx); err != nil {
		db.logger.Error("journal: record failed", slog.String("tx", tx.ID), slog.String("error", err.Error()))
	}
}

// List returns the most recent transactions, newest first.
func (db *DB) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, command, kind, message, field_count, rounds, invalidated, duration_ms, started_at
		FROM transactions
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the transaction with the given id.
func (db *DB) Get(ctx context.Context, id string) (Entry, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, command, kind, message, field_count, rounds, invalidated, duration_ms, started_at
		FROM transactions WHERE id = ?
	`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, apperr.Wrap(apperr.KindNotFound, apperr.ErrNotFound, "transaction %s", id)
	}
	return e, err
}

// Failures counts journaled transactions per error kind.
func (db *DB) Failures(ctx context.Context) (map[string]int, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT kind, count(*) FROM transactions WHERE kind != '' GROUP BY kind
	`)
	if err != nil {
		return nil, fmt.Errorf("journal: failures: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	if err := s.Scan(&e.ID, &e.Command, &e.Kind, &e.Message, &e.FieldCount, &e.Rounds,
		&e.Invalidated, &e.DurationMS, &e.StartedAt); err != nil {
		return Entry{}, err
	}
	return e, nil
}
