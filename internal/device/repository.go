package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Directory is the view of the external device catalogue used by the
// connectivity core: lookups, start-up listings and the connectivity
// write-back.
type Directory interface {
	// Get returns ErrDeviceNotFound for unknown ids.
	Get(ctx context.Context, id int64) (*Device, error)

	// GetByUUID returns ErrDeviceNotFound for unknown UUIDs.
	GetByUUID(ctx context.Context, id uuid.UUID) (*Device, error)

	// List returns every device ordered by id.
	List(ctx context.Context) ([]Device, error)

	// ListBrokerEnabled returns active devices with broker mode enabled
	// and a broker port set.
	ListBrokerEnabled(ctx context.Context) ([]Device, error)

	// ListConnected returns active devices still flagged as connected
	// that have a socket port.
	ListConnected(ctx context.Context) ([]Device, error)

	// SetConnected records a live proxy and the device port it uses.
	SetConnected(ctx context.Context, id int64, socketPort uint16) error

	// SetDisconnected clears the connectivity flag.
	SetDisconnected(ctx context.Context, id int64) error

	// SetBroker stores the broker port and enablement.
	SetBroker(ctx context.Context, id int64, port uint16, enabled bool) error

	// Upsert inserts or replaces a directory row.
	Upsert(ctx context.Context, d *Device) error
}

// SQLiteDirectory implements Directory on the devices table.
type SQLiteDirectory struct {
	db *sql.DB
}

// NewSQLiteDirectory wraps an open, migrated SQLite connection.
func NewSQLiteDirectory(db *sql.DB) *SQLiteDirectory {
	return &SQLiteDirectory{db: db}
}

const selectDevice = `
	SELECT id, uuid, name, socket_port, broker_port, broker_enabled,
		is_active, is_connected, updated_at
	FROM devices`

// Get retrieves a device by numeric id.
func (r *SQLiteDirectory) Get(ctx context.Context, id int64) (*Device, error) {
	row := r.db.QueryRowContext(ctx, selectDevice+` WHERE id = ?`, id)
	return scanOne(row)
}

// GetByUUID retrieves a device by external UUID.
func (r *SQLiteDirectory) GetByUUID(ctx context.Context, id uuid.UUID) (*Device, error) {
	row := r.db.QueryRowContext(ctx, selectDevice+` WHERE uuid = ?`, id.String())
	return scanOne(row)
}

// List returns all devices.
func (r *SQLiteDirectory) List(ctx context.Context) ([]Device, error) {
	return r.query(ctx, selectDevice+` ORDER BY id`)
}

// ListBrokerEnabled returns devices whose wire broker should be running.
func (r *SQLiteDirectory) ListBrokerEnabled(ctx context.Context) ([]Device, error) {
	return r.query(ctx, selectDevice+`
		WHERE broker_enabled = 1 AND is_active = 1 AND broker_port IS NOT NULL
		ORDER BY id`)
}

// ListConnected returns devices whose proxy should be resumed.
func (r *SQLiteDirectory) ListConnected(ctx context.Context) ([]Device, error) {
	return r.query(ctx, selectDevice+`
		WHERE is_connected = 1 AND is_active = 1 AND socket_port IS NOT NULL
		ORDER BY id`)
}

// SetConnected marks the device connected on socketPort.
func (r *SQLiteDirectory) SetConnected(ctx context.Context, id int64, socketPort uint16) error {
	return r.exec(ctx, id, `
		UPDATE devices
		SET is_connected = 1, socket_port = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`, int64(socketPort), id)
}

// SetDisconnected clears the connectivity flag.
func (r *SQLiteDirectory) SetDisconnected(ctx context.Context, id int64) error {
	return r.exec(ctx, id, `
		UPDATE devices
		SET is_connected = 0, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`, id)
}

// SetBroker stores the broker configuration.
func (r *SQLiteDirectory) SetBroker(ctx context.Context, id int64, port uint16, enabled bool) error {
	return r.exec(ctx, id, `
		UPDATE devices
		SET broker_port = ?, broker_enabled = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`, int64(port), boolToInt(enabled), id)
}

// Upsert inserts the device or replaces every column of an existing row.
func (r *SQLiteDirectory) Upsert(ctx context.Context, d *Device) error {
	if err := d.Validate(); err != nil {
		return err
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (id, uuid, name, socket_port, broker_port, broker_enabled, is_active, is_connected)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			uuid = excluded.uuid,
			name = excluded.name,
			socket_port = excluded.socket_port,
			broker_port = excluded.broker_port,
			broker_enabled = excluded.broker_enabled,
			is_active = excluded.is_active,
			is_connected = excluded.is_connected,
			updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`,
		d.ID, d.UUID.String(), d.Name,
		nullPort(d.SocketPort), nullPort(d.BrokerPort),
		boolToInt(d.BrokerEnabled), boolToInt(d.IsActive), boolToInt(d.IsConnected),
	)
	if err != nil {
		return fmt.Errorf("upserting device %d: %w", d.ID, err)
	}
	return nil
}

func (r *SQLiteDirectory) exec(ctx context.Context, id int64, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating device %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating device %d: %w", id, err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *SQLiteDirectory) query(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (*Device, error) {
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	return d, err
}

func scanDevice(s scanner) (*Device, error) {
	var d Device
	var rawUUID, updatedAt string
	var socketPort, brokerPort sql.NullInt64
	var brokerEnabled, active, connected int64

	err := s.Scan(&d.ID, &rawUUID, &d.Name, &socketPort, &brokerPort,
		&brokerEnabled, &active, &connected, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning device: %w", err)
	}

	if d.UUID, err = uuid.Parse(rawUUID); err != nil {
		return nil, fmt.Errorf("device %d has malformed uuid %q: %w", d.ID, rawUUID, err)
	}
	d.SocketPort = portFromNull(socketPort)
	d.BrokerPort = portFromNull(brokerPort)
	d.BrokerEnabled = brokerEnabled != 0
	d.IsActive = active != 0
	d.IsConnected = connected != 0
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // Format is controlled by the schema default

	return &d, nil
}

func portFromNull(v sql.NullInt64) *uint16 {
	if !v.Valid {
		return nil
	}
	p := uint16(v.Int64)
	return &p
}

func nullPort(p *uint16) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
