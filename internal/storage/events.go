package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clearmap/trend-sentinel/internal/core/domain"
)

// PutEvent stores an extracted event. Re-putting the same event_id
// updates its cluster assignment.
func (db *DB) PutEvent(ctx context.Context, ev domain.Event) error {
	entities, err := json.Marshal(ev.Entities)
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}

	refs, err := json.Marshal(ev.MessageRefs)
	if err != nil {
		return fmt.Errorf("marshal message refs: %w", err)
	}

	replyRefs, err := json.Marshal(ev.ReplyRefs)
	if err != nil {
		return fmt.Errorf("marshal reply refs: %w", err)
	}

	var timeHint any
	if ev.TimeHint != nil {
		timeHint = *ev.TimeHint
	}

	_, err = db.sql.ExecContext(ctx, `
		INSERT INTO events (event_id, cluster_id, source_id, source_class, kind, location,
			entities_json, message_refs_json, reply_refs_json, time_hint, summary, confidence_self, urgent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET cluster_id = excluded.cluster_id`,
		ev.EventID, nullable(ev.ClusterID), ev.SourceID, string(ev.SourceClass), string(ev.Kind),
		ev.Location, string(entities), string(refs), string(replyRefs), timeHint, ev.Summary, ev.ConfidenceSelf, ev.Urgent, ev.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("put event: %w", err))
	}

	return nil
}

// GetEventsSince returns events created at or after t, oldest first.
func (db *DB) GetEventsSince(ctx context.Context, t time.Time) ([]domain.Event, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT event_id, cluster_id, source_id, source_class, kind, location,
			entities_json, message_refs_json, reply_refs_json, time_hint, summary, confidence_self, urgent, created_at
		FROM events WHERE created_at >= ? ORDER BY created_at`, t)
	if err != nil {
		return nil, classify(fmt.Errorf("get events since: %w", err))
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// GetClusterEvents returns the member events of a cluster.
func (db *DB) GetClusterEvents(ctx context.Context, clusterID string) ([]domain.Event, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT event_id, cluster_id, source_id, source_class, kind, location,
			entities_json, message_refs_json, reply_refs_json, time_hint, summary, confidence_self, urgent, created_at
		FROM events WHERE cluster_id = ? ORDER BY created_at`, clusterID)
	if err != nil {
		return nil, classify(fmt.Errorf("get cluster events: %w", err))
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var events []domain.Event

	for rows.Next() {
		var (
			ev          domain.Event
			clusterID   sql.NullString
			class, kind string
			entities    string
			refs        string
			replyRefs   string
			timeHint    sql.NullTime
		)

		if err := rows.Scan(&ev.EventID, &clusterID, &ev.SourceID, &class, &kind, &ev.Location,
			&entities, &refs, &replyRefs, &timeHint, &ev.Summary, &ev.ConfidenceSelf, &ev.Urgent, &ev.CreatedAt); err != nil {
			return nil, classify(fmt.Errorf("scan event: %w", err))
		}

		ev.ClusterID = clusterID.String
		ev.SourceClass = domain.SourceClass(class)
		ev.Kind = domain.EventKind(kind)

		if err := json.Unmarshal([]byte(entities), &ev.Entities); err != nil {
			return nil, fmt.Errorf("unmarshal entities: %w", err)
		}

		if err := json.Unmarshal([]byte(refs), &ev.MessageRefs); err != nil {
			return nil, fmt.Errorf("unmarshal message refs: %w", err)
		}

		if err := json.Unmarshal([]byte(replyRefs), &ev.ReplyRefs); err != nil {
			return nil, fmt.Errorf("unmarshal reply refs: %w", err)
		}

		if timeHint.Valid {
			t := timeHint.Time
			ev.TimeHint = &t
		}

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("iterate events: %w", err))
	}

	return events, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}

	return s
}
