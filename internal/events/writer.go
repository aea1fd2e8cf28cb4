// Package events records job state transitions.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Event is one recorded transition.
type Event struct {
	ID      int64        `json:"id"`
	TS      string       `json:"ts"`
	Handle  string       `json:"handle"`
	From    string       `json:"from,omitempty"`
	To      string       `json:"to"`
	Payload EventPayload `json:"payload,omitempty"`
}

// Append writes a transition inside tx. An empty from marks job creation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, handle, from, to string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO job_events(ts,handle,from_state,to_state,payload_json) VALUES (?,?,?,?,?)`,
		ts, handle, nullable(from), to, string(data))
	return err
}

// List returns a job's transitions oldest first.
func (w Writer) List(ctx context.Context, handle string) ([]Event, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,handle,from_state,to_state,payload_json FROM job_events WHERE handle=? ORDER BY id`, handle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var from sql.NullString
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Handle, &from, &e.To, &payload); err != nil {
			return nil, err
		}
		e.From = from.String
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
