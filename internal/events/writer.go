package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the workflow engine.
const (
	TypeCreated        = "request.created"
	TypeOpsAvailable   = "request.ops_available"
	TypeOpsRejected    = "request.ops_rejected"
	TypeClientRejected = "request.client_rejected"
	TypeClientApproved = "request.client_approved"
	TypeAssigned       = "request.assigned"
)

// Writer appends audit rows inside the caller's transaction so the event is
// committed atomically with the state change it records.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, requestID, entityKind, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,request_id,entity_kind,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(requestID), entityKind, actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
