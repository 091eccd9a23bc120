package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
)

// PutCluster upserts a cluster row together with its member
// assignments, in one transaction.
func (db *DB) PutCluster(ctx context.Context, c *domain.TrendCluster) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin put cluster: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO clusters (cluster_id, state, first_seen, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (cluster_id) DO UPDATE SET state = excluded.state, last_updated = excluded.last_updated`,
		c.ClusterID, string(c.State), c.FirstSeen, c.LastUpdated,
	); err != nil {
		return classify(fmt.Errorf("upsert cluster: %w", err))
	}

	for _, ev := range c.Members {
		if _, err = tx.ExecContext(ctx,
			`UPDATE events SET cluster_id = ? WHERE event_id = ?`,
			c.ClusterID, ev.EventID,
		); err != nil {
			return classify(fmt.Errorf("assign event to cluster: %w", err))
		}
	}

	if err = tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit put cluster: %w", err))
	}

	return nil
}

// GetOpenClusters reloads Open clusters with their member events.
// Used on startup: in-memory correlation state is a cache
// reconstructible from the store.
func (db *DB) GetOpenClusters(ctx context.Context) ([]*domain.TrendCluster, error) {
	rows, err := db.sql.QueryContext(ctx,
		`SELECT cluster_id, state, first_seen, last_updated FROM clusters WHERE state = ?`,
		string(domain.ClusterOpen))
	if err != nil {
		return nil, classify(fmt.Errorf("get open clusters: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var clusters []*domain.TrendCluster

	for rows.Next() {
		var (
			c     domain.TrendCluster
			state string
		)

		if err = rows.Scan(&c.ClusterID, &state, &c.FirstSeen, &c.LastUpdated); err != nil {
			return nil, classify(fmt.Errorf("scan cluster: %w", err))
		}

		c.State = domain.ClusterState(state)
		clusters = append(clusters, &c)
	}

	if err = rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate clusters: %w", err))
	}

	for _, c := range clusters {
		if c.Members, err = db.GetClusterEvents(ctx, c.ClusterID); err != nil {
			return nil, err
		}
	}

	return clusters, nil
}

// CountEmittedSince returns the number of clusters that reached the
// Emitted state since the given instant. Backs the control bot /stats
// command.
func (db *DB) CountEmittedSince(ctx context.Context, since time.Time) (int, error) {
	var n int

	err := db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM clusters WHERE state = ? AND last_updated >= ?`,
		string(domain.ClusterEmitted), since,
	).Scan(&n)
	if err != nil {
		return 0, classify(fmt.Errorf("count emitted: %w", err))
	}

	return n, nil
}
