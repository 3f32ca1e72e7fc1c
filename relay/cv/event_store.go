package cv

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// EventStore persists published events to the events table.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates a new event store backed by db.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// Insert appends event to the events table. ServiceID and Granularity may
// be empty, in which case NULL is stored.
func (s *EventStore) Insert(event *Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	var serviceID, granularity interface{}
	if event.ServiceID != "" {
		serviceID = event.ServiceID
	}
	if event.Granularity != "" {
		granularity = event.Granularity
	}

	_, err = s.db.Exec(
		"INSERT INTO events (id, service_id, payload, granularity, created_at) VALUES (?, ?, ?, ?, ?)",
		event.ID, serviceID, string(payload), granularity, event.CreatedAt,
	)
	return err
}

// Get retrieves a single event by ID.
func (s *EventStore) Get(eventID string) (*Event, error) {
	var event Event
	var serviceID, granularity sql.NullString
	var payload string

	err := s.db.QueryRow(
		"SELECT id, service_id, payload, granularity, created_at FROM events WHERE id = ?",
		eventID,
	).Scan(&event.ID, &serviceID, &payload, &granularity, &event.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event not found: %s", eventID)
	}
	if err != nil {
		return nil, err
	}

	if serviceID.Valid {
		event.ServiceID = serviceID.String
	}
	if granularity.Valid {
		event.Granularity = granularity.String
	}
	if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal event payload: %w", err)
	}

	return &event, nil
}

// ListByService retrieves the most recent events for a service, newest first.
func (s *EventStore) ListByService(serviceID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		"SELECT id, service_id, payload, granularity, created_at FROM events WHERE service_id = ? ORDER BY created_at DESC LIMIT ?",
		serviceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var event Event
		var sID, granularity sql.NullString
		var payload string

		if err := rows.Scan(&event.ID, &sID, &payload, &granularity, &event.CreatedAt); err != nil {
			return nil, err
		}
		if sID.Valid {
			event.ServiceID = sID.String
		}
		if granularity.Valid {
			event.Granularity = granularity.String
		}
		if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		events = append(events, &event)
	}

	return events, nil
}
