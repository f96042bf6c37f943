package device

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/nerrad567/fieldlink-core/internal/infrastructure/database"
	"github.com/nerrad567/fieldlink-core/migrations"
)

func testDirectory(t *testing.T) *SQLiteDirectory {
	t.Helper()
	db, err := database.Open(database.Config{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return NewSQLiteDirectory(db.DB)
}

func seed(t *testing.T, dir Directory, devices ...Device) {
	t.Helper()
	for i := range devices {
		if err := dir.Upsert(context.Background(), &devices[i]); err != nil {
			t.Fatalf("Upsert(%d) error = %v", devices[i].ID, err)
		}
	}
}

func TestSQLiteDirectory_GetAndGetByUUID(t *testing.T) {
	ctx := context.Background()
	dir := testDirectory(t)
	id := uuid.New()
	seed(t, dir, Device{ID: 7, UUID: id, Name: "uav-7", SocketPort: Port(9007), IsActive: true})

	got, err := dir.Get(ctx, 7)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UUID != id || got.Name != "uav-7" {
		t.Errorf("Get() = %+v", got)
	}
	if got.SocketPort == nil || *got.SocketPort != 9007 {
		t.Errorf("SocketPort = %v, want 9007", got.SocketPort)
	}
	if got.BrokerPort != nil {
		t.Errorf("BrokerPort = %v, want nil", *got.BrokerPort)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not populated")
	}

	byUUID, err := dir.GetByUUID(ctx, id)
	if err != nil {
		t.Fatalf("GetByUUID() error = %v", err)
	}
	if byUUID.ID != 7 {
		t.Errorf("GetByUUID().ID = %d, want 7", byUUID.ID)
	}
}

func TestSQLiteDirectory_NotFound(t *testing.T) {
	ctx := context.Background()
	dir := testDirectory(t)

	if _, err := dir.Get(ctx, 404); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get() error = %v, want ErrDeviceNotFound", err)
	}
	if _, err := dir.GetByUUID(ctx, uuid.New()); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetByUUID() error = %v, want ErrDeviceNotFound", err)
	}
	if err := dir.SetConnected(ctx, 404, 9000); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("SetConnected() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteDirectory_ListBrokerEnabled(t *testing.T) {
	dir := testDirectory(t)
	seed(t, dir,
		Device{ID: 1, UUID: uuid.New(), BrokerPort: Port(9101), BrokerEnabled: true, IsActive: true},
		Device{ID: 2, UUID: uuid.New(), BrokerPort: Port(9102), BrokerEnabled: false, IsActive: true},
		Device{ID: 3, UUID: uuid.New(), BrokerPort: nil, BrokerEnabled: true, IsActive: true},
		Device{ID: 4, UUID: uuid.New(), BrokerPort: Port(9104), BrokerEnabled: true, IsActive: false},
		Device{ID: 5, UUID: uuid.New(), BrokerPort: Port(9105), BrokerEnabled: true, IsActive: true},
	)

	got, err := dir.ListBrokerEnabled(context.Background())
	if err != nil {
		t.Fatalf("ListBrokerEnabled() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 5 {
		t.Fatalf("ListBrokerEnabled() ids = %v, want [1 5]", ids(got))
	}
}

func TestSQLiteDirectory_ConnectivityWriteBack(t *testing.T) {
	ctx := context.Background()
	dir := testDirectory(t)
	seed(t, dir,
		Device{ID: 7, UUID: uuid.New(), IsActive: true},
		Device{ID: 8, UUID: uuid.New(), IsActive: true},
	)

	if err := dir.SetConnected(ctx, 7, 9007); err != nil {
		t.Fatalf("SetConnected() error = %v", err)
	}

	connected, err := dir.ListConnected(ctx)
	if err != nil {
		t.Fatalf("ListConnected() error = %v", err)
	}
	if len(connected) != 1 || connected[0].ID != 7 || *connected[0].SocketPort != 9007 {
		t.Fatalf("ListConnected() = %v", ids(connected))
	}

	if err := dir.SetDisconnected(ctx, 7); err != nil {
		t.Fatalf("SetDisconnected() error = %v", err)
	}
	d, err := dir.Get(ctx, 7)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if d.IsConnected {
		t.Error("IsConnected still true after SetDisconnected")
	}
	if d.SocketPort == nil || *d.SocketPort != 9007 {
		t.Error("SetDisconnected must keep the socket port for later resume")
	}
}

func TestSQLiteDirectory_SetBroker(t *testing.T) {
	ctx := context.Background()
	dir := testDirectory(t)
	seed(t, dir, Device{ID: 9, UUID: uuid.New(), IsActive: true})

	if err := dir.SetBroker(ctx, 9, 9100, true); err != nil {
		t.Fatalf("SetBroker() error = %v", err)
	}
	got, err := dir.ListBrokerEnabled(ctx)
	if err != nil {
		t.Fatalf("ListBrokerEnabled() error = %v", err)
	}
	if len(got) != 1 || *got[0].BrokerPort != 9100 {
		t.Fatalf("ListBrokerEnabled() = %v", ids(got))
	}
}

func TestDevice_Validate(t *testing.T) {
	tests := []struct {
		name    string
		device  Device
		wantErr bool
	}{
		{"valid", Device{ID: 1, UUID: uuid.New()}, false},
		{"zero id", Device{ID: 0, UUID: uuid.New()}, true},
		{"nil uuid", Device{ID: 1}, true},
		{"zero socket port", Device{ID: 1, UUID: uuid.New(), SocketPort: Port(0)}, true},
		{"zero broker port", Device{ID: 1, UUID: uuid.New(), BrokerPort: Port(0)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.device.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidDevice) {
				t.Errorf("Validate() error = %v, want ErrInvalidDevice", err)
			}
		})
	}
}

func ids(devices []Device) []int64 {
	out := make([]int64, len(devices))
	for i, d := range devices {
		out[i] = d.ID
	}
	return out
}
