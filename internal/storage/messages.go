package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
)

// PutStatus is the outcome of a message write.
type PutStatus string

const (
	PutNew PutStatus = "new"
	PutDup PutStatus = "dup"
)

// PutMessage stores a normalized message. It is idempotent on
// (source_id, message_id) and also reports dup when the same content
// hash was seen within dedupWindow.
func (db *DB) PutMessage(ctx context.Context, m domain.NormalizedMessage, dedupWindow time.Duration) (PutStatus, error) {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return "", classify(fmt.Errorf("begin put message: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var one int

	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE source_id = ? AND message_id = ?`,
		m.SourceID, m.MessageID,
	).Scan(&one)

	switch {
	case err == nil:
		return PutDup, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", classify(fmt.Errorf("check message identity: %w", err))
	}

	cutoff := m.ArrivedAt.Add(-dedupWindow)

	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE hash = ? AND arrived_at > ? LIMIT 1`,
		m.Hash, cutoff,
	).Scan(&one)

	switch {
	case err == nil:
		return PutDup, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", classify(fmt.Errorf("check message hash: %w", err))
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages (source_id, message_id, arrived_at, hash, text_norm) VALUES (?, ?, ?, ?, ?)`,
		m.SourceID, m.MessageID, m.ArrivedAt, m.Hash, m.TextNorm,
	); err != nil {
		return "", classify(fmt.Errorf("insert message: %w", err))
	}

	if err = tx.Commit(); err != nil {
		return "", classify(fmt.Errorf("commit put message: %w", err))
	}

	return PutNew, nil
}

// PruneMessages removes messages older than keep. Dedup only needs the
// recent window; the ledger and events remain.
func (db *DB) PruneMessages(ctx context.Context, keep time.Duration) (int64, error) {
	res, err := db.sql.ExecContext(ctx,
		`DELETE FROM messages WHERE arrived_at < ?`, db.now().Add(-keep))
	if err != nil {
		return 0, classify(fmt.Errorf("prune messages: %w", err))
	}

	n, _ := res.RowsAffected()

	return n, nil
}
