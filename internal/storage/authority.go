package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
)

// EnsureSource creates a ledger row for a source on first contact.
func (db *DB) EnsureSource(ctx context.Context, sourceID string, class domain.SourceClass) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO authority (source_id, source_class, score, last_update)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (source_id) DO NOTHING`,
		sourceID, string(class), domain.AuthorityInitial, db.now(),
	)
	if err != nil {
		return classify(fmt.Errorf("ensure source: %w", err))
	}

	return nil
}

// ReadAuthority returns the ledger record for a source; a source never
// seen before reads as the initial score.
func (db *DB) ReadAuthority(ctx context.Context, sourceID string) (domain.SourceAuthority, error) {
	var (
		a     domain.SourceAuthority
		class string
	)

	err := db.sql.QueryRowContext(ctx, `
		SELECT source_id, source_class, score, corroborations, contradictions, last_update
		FROM authority WHERE source_id = ?`, sourceID,
	).Scan(&a.SourceID, &class, &a.Score, &a.Corroborations, &a.Contradictions, &a.LastUpdate)

	if errors.Is(err, sql.ErrNoRows) {
		return domain.SourceAuthority{
			SourceID: sourceID,
			Class:    domain.SourceClassArab,
			Score:    domain.AuthorityInitial,
		}, nil
	}

	if err != nil {
		return domain.SourceAuthority{}, classify(fmt.Errorf("read authority: %w", err))
	}

	a.Class = domain.SourceClass(class)

	return a, nil
}

// ReadAllAuthorities loads the full ledger.
func (db *DB) ReadAllAuthorities(ctx context.Context) ([]domain.SourceAuthority, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT source_id, source_class, score, corroborations, contradictions, last_update
		FROM authority`)
	if err != nil {
		return nil, classify(fmt.Errorf("read authorities: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var all []domain.SourceAuthority

	for rows.Next() {
		var (
			a     domain.SourceAuthority
			class string
		)

		if err = rows.Scan(&a.SourceID, &class, &a.Score, &a.Corroborations, &a.Contradictions, &a.LastUpdate); err != nil {
			return nil, classify(fmt.Errorf("scan authority: %w", err))
		}

		a.Class = domain.SourceClass(class)
		all = append(all, a)
	}

	if err = rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate authorities: %w", err))
	}

	return all, nil
}

// UpdateAuthority persists a ledger mutation. Counters are deltas.
func (db *DB) UpdateAuthority(ctx context.Context, a domain.SourceAuthority, corroborationDelta, contradictionDelta int) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO authority (source_id, source_class, score, corroborations, contradictions, last_update)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_id) DO UPDATE SET
			score = excluded.score,
			corroborations = authority.corroborations + ?,
			contradictions = authority.contradictions + ?,
			last_update = excluded.last_update`,
		a.SourceID, string(a.Class), a.Score, corroborationDelta, contradictionDelta, a.LastUpdate,
		corroborationDelta, contradictionDelta,
	)
	if err != nil {
		return classify(fmt.Errorf("update authority: %w", err))
	}

	return nil
}

// TopAuthorities returns the n highest-scored sources.
func (db *DB) TopAuthorities(ctx context.Context, n int) ([]domain.SourceAuthority, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT source_id, source_class, score, corroborations, contradictions, last_update
		FROM authority ORDER BY score DESC LIMIT ?`, n)
	if err != nil {
		return nil, classify(fmt.Errorf("top authorities: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var all []domain.SourceAuthority

	for rows.Next() {
		var (
			a     domain.SourceAuthority
			class string
		)

		if err = rows.Scan(&a.SourceID, &class, &a.Score, &a.Corroborations, &a.Contradictions, &a.LastUpdate); err != nil {
			return nil, classify(fmt.Errorf("scan authority: %w", err))
		}

		a.Class = domain.SourceClass(class)
		all = append(all, a)
	}

	if err = rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate authorities: %w", err))
	}

	return all, nil
}
