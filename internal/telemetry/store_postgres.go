package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL, storing payloads as JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps a pool whose schema has been ensured.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Insert appends one event.
func (s *PostgresStore) Insert(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO device_events (device_id, transport, payload, observed_at) VALUES ($1, $2, $3, $4)`,
		e.DeviceID, string(e.Transport), payload, e.ObservedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting device event: %w", err)
	}
	return nil
}

// Recent returns up to limit events across all devices, newest first.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, device_id, transport, payload, observed_at, created_at
		 FROM device_events
		 ORDER BY observed_at DESC, id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying device events: %w", err)
	}

	records, err := collectRecords(rows)
	if err != nil {
		return nil, err
	}
	events := make([]Event, len(records))
	for i, r := range records {
		events[i] = r.Event()
	}
	return events, nil
}

// History returns one device's events, newest first.
func (s *PostgresStore) History(ctx context.Context, q HistoryQuery) ([]Record, error) {
	q = q.Normalize()

	rows, err := s.pool.Query(ctx,
		`SELECT id, device_id, transport, payload, observed_at, created_at
		 FROM device_events
		 WHERE device_id = $1 AND ($2 = '' OR transport = $2)
		 ORDER BY observed_at DESC, id DESC
		 LIMIT $3 OFFSET $4`,
		q.DeviceID, string(q.Transport), q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying device events: %w", err)
	}
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var transport string
		var payload []byte

		if err := rows.Scan(&r.ID, &r.DeviceID, &transport, &payload, &r.ObservedAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning device event: %w", err)
		}
		var err error
		if r.Transport, err = ParseTransport(transport); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, fmt.Errorf("unmarshalling payload of event %d: %w", r.ID, err)
		}
		r.ObservedAt = r.ObservedAt.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device events: %w", err)
	}
	return records, nil
}

// Prune deletes events observed before now-olderThan and reports how many
// rows went.
func (s *PostgresStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM device_events WHERE observed_at < $1`,
		time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("pruning device events: %w", err)
	}
	return tag.RowsAffected(), nil
}
