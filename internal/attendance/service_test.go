package attendance

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/campusgrid/supernode/internal/models"
	"github.com/campusgrid/supernode/internal/protocol"
)

type memStore struct {
	objects map[string][]byte
}

func (m *memStore) Put(_ context.Context, key string, data []byte) error {
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = data
	return nil
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	return m.objects[key], nil
}

func newTestService(t *testing.T) (*Service, *memStore, *time.Time) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.AttendanceRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := &memStore{}
	svc := NewService(db, store, 5*time.Minute, zerolog.Nop())
	clock := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }
	return svc, store, &clock
}

func TestRecordPersistsEntry(t *testing.T) {
	svc, _, _ := newTestService(t)

	recorded, err := svc.Record(context.Background(), "gate-1", protocol.AttendanceEntry{
		StudentName: "Asha", Roll: "23", Confidence: 0.97,
	})
	if err != nil || !recorded {
		t.Fatalf("record: recorded=%v err=%v", recorded, err)
	}

	rows, err := svc.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 1 || rows[0].StudentName != "Asha" || rows[0].DeviceID != "gate-1" {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestCooldownSuppressesDuplicates(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	if recorded, _ := svc.Record(ctx, "gate-1", protocol.AttendanceEntry{StudentName: "Asha"}); !recorded {
		t.Fatal("first sighting must be recorded")
	}

	*clock = clock.Add(2 * time.Minute)
	if recorded, err := svc.Record(ctx, "gate-1", protocol.AttendanceEntry{StudentName: "Asha"}); recorded || err != nil {
		t.Errorf("sighting inside cooldown must be suppressed, recorded=%v err=%v", recorded, err)
	}

	// A different student is unaffected by Asha's cooldown.
	if recorded, _ := svc.Record(ctx, "gate-1", protocol.AttendanceEntry{StudentName: "Ravi"}); !recorded {
		t.Error("cooldown must be per student")
	}

	*clock = clock.Add(4 * time.Minute)
	if recorded, _ := svc.Record(ctx, "gate-1", protocol.AttendanceEntry{StudentName: "Asha"}); !recorded {
		t.Error("a sighting after the cooldown must be recorded again")
	}

	rows, _ := svc.Recent(ctx, 10)
	if len(rows) != 3 {
		t.Errorf("expected 3 rows, got %d", len(rows))
	}
}

func TestSnapshotStoredAndReferenced(t *testing.T) {
	svc, store, _ := newTestService(t)

	frame := []byte{0xff, 0xd8, 0xff, 0xe0}
	recorded, err := svc.Record(context.Background(), "gate-1", protocol.AttendanceEntry{
		StudentName:   "Asha",
		ImageSnapshot: base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil || !recorded {
		t.Fatalf("record: recorded=%v err=%v", recorded, err)
	}

	rows, _ := svc.Recent(context.Background(), 1)
	if len(rows) != 1 || rows[0].SnapshotRef == "" {
		t.Fatalf("entry must reference its stored snapshot: %+v", rows)
	}
	if !strings.HasPrefix(rows[0].SnapshotRef, "gate-1/2026-03-02/") {
		t.Errorf("snapshot key must be partitioned by device and day, got %q", rows[0].SnapshotRef)
	}
	if string(store.objects[rows[0].SnapshotRef]) != string(frame) {
		t.Error("stored bytes must match the decoded frame")
	}
}

func TestBadSnapshotDoesNotBlockEntry(t *testing.T) {
	svc, store, _ := newTestService(t)

	recorded, err := svc.Record(context.Background(), "gate-1", protocol.AttendanceEntry{
		StudentName:   "Asha",
		ImageSnapshot: "not!base64!!",
	})
	if err != nil || !recorded {
		t.Fatalf("record must survive a bad snapshot, recorded=%v err=%v", recorded, err)
	}
	if len(store.objects) != 0 {
		t.Error("nothing should have been stored")
	}

	rows, _ := svc.Recent(context.Background(), 1)
	if len(rows) != 1 || rows[0].SnapshotRef != "" {
		t.Errorf("entry must persist without an image reference: %+v", rows)
	}
}
