package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory implements Directory on PostgreSQL.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory wraps a pool whose schema has been ensured.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

const pgSelectDevice = `
	SELECT id, uuid, name, socket_port, broker_port, broker_enabled,
		is_active, is_connected, updated_at
	FROM devices`

// Get retrieves a device by numeric id.
func (r *PostgresDirectory) Get(ctx context.Context, id int64) (*Device, error) {
	return r.one(ctx, pgSelectDevice+` WHERE id = $1`, id)
}

// GetByUUID retrieves a device by external UUID.
func (r *PostgresDirectory) GetByUUID(ctx context.Context, id uuid.UUID) (*Device, error) {
	return r.one(ctx, pgSelectDevice+` WHERE uuid = $1`, id)
}

// List returns all devices.
func (r *PostgresDirectory) List(ctx context.Context) ([]Device, error) {
	return r.many(ctx, pgSelectDevice+` ORDER BY id`)
}

// ListBrokerEnabled returns devices whose wire broker should be running.
func (r *PostgresDirectory) ListBrokerEnabled(ctx context.Context) ([]Device, error) {
	return r.many(ctx, pgSelectDevice+`
		WHERE broker_enabled AND is_active AND broker_port IS NOT NULL
		ORDER BY id`)
}

// ListConnected returns devices whose proxy should be resumed.
func (r *PostgresDirectory) ListConnected(ctx context.Context) ([]Device, error) {
	return r.many(ctx, pgSelectDevice+`
		WHERE is_connected AND is_active AND socket_port IS NOT NULL
		ORDER BY id`)
}

// SetConnected marks the device connected on socketPort.
func (r *PostgresDirectory) SetConnected(ctx context.Context, id int64, socketPort uint16) error {
	return r.exec(ctx, id,
		`UPDATE devices SET is_connected = TRUE, socket_port = $1, updated_at = now() WHERE id = $2`,
		int32(socketPort), id)
}

// SetDisconnected clears the connectivity flag.
func (r *PostgresDirectory) SetDisconnected(ctx context.Context, id int64) error {
	return r.exec(ctx, id,
		`UPDATE devices SET is_connected = FALSE, updated_at = now() WHERE id = $1`, id)
}

// SetBroker stores the broker configuration.
func (r *PostgresDirectory) SetBroker(ctx context.Context, id int64, port uint16, enabled bool) error {
	return r.exec(ctx, id,
		`UPDATE devices SET broker_port = $1, broker_enabled = $2, updated_at = now() WHERE id = $3`,
		int32(port), enabled, id)
}

// Upsert inserts the device or replaces every column of an existing row.
func (r *PostgresDirectory) Upsert(ctx context.Context, d *Device) error {
	if err := d.Validate(); err != nil {
		return err
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO devices (id, uuid, name, socket_port, broker_port, broker_enabled, is_active, is_connected)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			uuid = EXCLUDED.uuid,
			name = EXCLUDED.name,
			socket_port = EXCLUDED.socket_port,
			broker_port = EXCLUDED.broker_port,
			broker_enabled = EXCLUDED.broker_enabled,
			is_active = EXCLUDED.is_active,
			is_connected = EXCLUDED.is_connected,
			updated_at = now()`,
		d.ID, d.UUID, d.Name, pgPort(d.SocketPort), pgPort(d.BrokerPort),
		d.BrokerEnabled, d.IsActive, d.IsConnected,
	)
	if err != nil {
		return fmt.Errorf("upserting device %d: %w", d.ID, err)
	}
	return nil
}

func (r *PostgresDirectory) exec(ctx context.Context, id int64, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating device %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *PostgresDirectory) one(ctx context.Context, query string, args ...any) (*Device, error) {
	d, err := scanPgDevice(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	return d, err
}

func (r *PostgresDirectory) many(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanPgDevice(rows)
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

func scanPgDevice(row pgx.Row) (*Device, error) {
	var d Device
	var socketPort, brokerPort *int32

	err := row.Scan(&d.ID, &d.UUID, &d.Name, &socketPort, &brokerPort,
		&d.BrokerEnabled, &d.IsActive, &d.IsConnected, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning device: %w", err)
	}

	if socketPort != nil {
		d.SocketPort = Port(uint16(*socketPort))
	}
	if brokerPort != nil {
		d.BrokerPort = Port(uint16(*brokerPort))
	}
	return &d, nil
}

func pgPort(p *uint16) *int32 {
	if p == nil {
		return nil
	}
	v := int32(*p)
	return &v
}
