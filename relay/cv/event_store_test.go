package cv

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/tursodatabase/turso-go"
)

func newTestEventDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("turso", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			service_id TEXT,
			payload TEXT NOT NULL,
			granularity TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("failed to create events table: %v", err)
	}

	return db
}

func TestEventStoreInsertAndGet(t *testing.T) {
	db := newTestEventDB(t)
	store := NewEventStore(db)

	event := &Event{
		ID:          "evt-1",
		ServiceID:   "svc-a",
		Payload:     map[string]interface{}{"label": "person"},
		CreatedAt:   time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		Granularity: "minute",
	}

	if err := store.Insert(event); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.Get("evt-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got.ServiceID != "svc-a" {
		t.Errorf("ServiceID = %q, want %q", got.ServiceID, "svc-a")
	}
	if got.Granularity != "minute" {
		t.Errorf("Granularity = %q, want %q", got.Granularity, "minute")
	}
	if got.Payload["label"] != "person" {
		t.Errorf("Payload[label] = %v, want %q", got.Payload["label"], "person")
	}
}

func TestEventStoreInsertWithoutServiceOrGranularity(t *testing.T) {
	db := newTestEventDB(t)
	store := NewEventStore(db)

	event := &Event{
		ID:        "evt-2",
		Payload:   map[string]interface{}{"note": "unattributed"},
		CreatedAt: time.Now(),
	}

	if err := store.Insert(event); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.Get("evt-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ServiceID != "" {
		t.Errorf("ServiceID = %q, want empty", got.ServiceID)
	}
	if got.Granularity != "" {
		t.Errorf("Granularity = %q, want empty", got.Granularity)
	}
}

func TestEventStoreGetMissing(t *testing.T) {
	db := newTestEventDB(t)
	store := NewEventStore(db)

	if _, err := store.Get("does-not-exist"); err == nil {
		t.Fatal("expected error for missing event")
	}
}

func TestEventStoreListByServiceOrdersNewestFirst(t *testing.T) {
	db := newTestEventDB(t)
	store := NewEventStore(db)

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"evt-a", "evt-b", "evt-c"} {
		event := &Event{
			ID:        id,
			ServiceID: "svc-a",
			Payload:   map[string]interface{}{"i": i},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Insert(event); err != nil {
			t.Fatalf("Insert %s failed: %v", id, err)
		}
	}

	// Event for a different service should never show up.
	other := &Event{ID: "evt-other", ServiceID: "svc-b", Payload: map[string]interface{}{}, CreatedAt: base}
	if err := store.Insert(other); err != nil {
		t.Fatalf("Insert other failed: %v", err)
	}

	events, err := store.ListByService("svc-a", 10)
	if err != nil {
		t.Fatalf("ListByService failed: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].ID != "evt-c" || events[2].ID != "evt-a" {
		t.Errorf("events not ordered newest-first: %+v", events)
	}
}
