// Package audit persists engine lifecycle events (publish, discard,
// restore, checkpoint activity) to the SQLite audit log.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is one recorded engine action.
type Event struct {
	ID          string          `json:"id"`
	WorkbenchID string          `json:"workbench_id"`
	Action      string          `json:"action"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Record appends an event. Detail may be nil.
func (s *Store) Record(ctx context.Context, workbenchID, action string, detail map[string]any) error {
	if workbenchID == "" {
		return fmt.Errorf("workbench id is empty")
	}
	if action == "" {
		return fmt.Errorf("action is empty")
	}

	payload := []byte("{}")
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		payload = data
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_log(id, workbench_id, action, detail, created_at)
VALUES(?, ?, ?, ?, ?);
`, uuid.NewString(), workbenchID, action, string(payload), now)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// List returns up to limit events for a workbench, newest first.
func (s *Store) List(ctx context.Context, workbenchID string, limit int) ([]Event, error) {
	if workbenchID == "" {
		return nil, fmt.Errorf("workbench id is empty")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, workbench_id, action, detail, created_at
FROM audit_log
WHERE workbench_id = ?
ORDER BY created_at DESC
LIMIT ?;
`, workbenchID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var detail string
		if err := rows.Scan(&ev.ID, &ev.WorkbenchID, &ev.Action, &detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Detail = json.RawMessage(detail)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
