package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// timeLayout sorts lexically, which keeps ORDER BY observed_at correct.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store on the device_events table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open, migrated SQLite connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Insert appends one event.
func (s *SQLiteStore) Insert(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO device_events (device_id, transport, payload, observed_at) VALUES (?, ?, ?, ?)",
		e.DeviceID, string(e.Transport), string(payload), e.ObservedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting device event: %w", err)
	}
	return nil
}

// Recent returns up to limit events across all devices, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	records, err := s.query(ctx,
		`SELECT id, device_id, transport, payload, observed_at, created_at
		 FROM device_events
		 ORDER BY observed_at DESC, id DESC
		 LIMIT ?`, limit)
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
func (s *SQLiteStore) History(ctx context.Context, q HistoryQuery) ([]Record, error) {
	q = q.Normalize()

	if q.Transport != "" {
		return s.query(ctx,
			`SELECT id, device_id, transport, payload, observed_at, created_at
			 FROM device_events
			 WHERE device_id = ? AND transport = ?
			 ORDER BY observed_at DESC, id DESC
			 LIMIT ? OFFSET ?`,
			q.DeviceID, string(q.Transport), q.Limit, q.Offset)
	}
	return s.query(ctx,
		`SELECT id, device_id, transport, payload, observed_at, created_at
		 FROM device_events
		 WHERE device_id = ?
		 ORDER BY observed_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		q.DeviceID, q.Limit, q.Offset)
}

// Prune deletes events observed before now-olderThan and reports how many
// rows went.
func (s *SQLiteStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)
	res, err := s.db.ExecContext(ctx, "DELETE FROM device_events WHERE observed_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning device events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying device events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var transport, payload, observedAt, createdAt string

		if err := rows.Scan(&r.ID, &r.DeviceID, &transport, &payload, &observedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning device event: %w", err)
		}
		if r.Transport, err = ParseTransport(transport); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			return nil, fmt.Errorf("unmarshalling payload of event %d: %w", r.ID, err)
		}
		if r.ObservedAt, err = parseTimestamp(observedAt); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device events: %w", err)
	}
	return records, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}
