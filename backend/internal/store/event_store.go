package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"eduCollab/backend/internal/collab"
)

// 事件表：追加写，processed/result 由 dispatcher 异步回填
const createEventsTable = `
CREATE TABLE IF NOT EXISTS collab_events (
	id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
	event_id VARCHAR(64) NOT NULL,
	session_token VARCHAR(64) NOT NULL,
	event_type VARCHAR(48) NOT NULL,
	category VARCHAR(16) NOT NULL,
	severity VARCHAR(8) NOT NULL,
	actor_id BIGINT UNSIGNED NOT NULL DEFAULT 0,
	operation_id VARCHAR(64) NOT NULL DEFAULT '',
	payload JSON NULL,
	source VARCHAR(32) NOT NULL,
	emitted_at DATETIME(3) NOT NULL,
	processed TINYINT(1) NOT NULL DEFAULT 0,
	result VARCHAR(255) NOT NULL DEFAULT '',
	UNIQUE KEY uk_event (event_id),
	KEY idx_session_time (session_token, emitted_at),
	KEY idx_type (event_type)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`

type SQLEventStore struct {
	db *sql.DB
}

func NewSQLEventStore(db *sql.DB) (*SQLEventStore, error) {
	if _, err := db.Exec(createEventsTable); err != nil {
		return nil, err
	}
	return &SQLEventStore{db: db}, nil
}

var _ collab.EventStore = (*SQLEventStore)(nil)

func (s *SQLEventStore) AppendEvent(ctx context.Context, evt *collab.CollaborationEvent) error {
	var payload any
	if len(evt.Payload) > 0 {
		b, err := json.Marshal(evt.Payload)
		if err != nil {
			return err
		}
		payload = b
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collab_events
		(event_id, session_token, event_type, category, severity, actor_id, operation_id, payload, source, emitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.EventID, evt.SessionToken, evt.EventType, evt.Category, evt.Severity,
		evt.ActorID, evt.OperationID, payload, evt.Source, evt.EmittedAt)
	if isDuplicateKey(err) {
		return nil
	}
	return err
}

func (s *SQLEventStore) MarkProcessed(ctx context.Context, eventID string, ok bool, result string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE collab_events SET processed = ?, result = ? WHERE event_id = ?`,
		ok, result, eventID)
	return err
}

// ListBySession 按时间倒序取会话事件（审计/排障接口用）
func (s *SQLEventStore) ListBySession(ctx context.Context, token string, limit int) ([]collab.CollaborationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, session_token, event_type, category, severity, actor_id, operation_id, payload, source, emitted_at, processed, result
		FROM collab_events
		WHERE session_token = ?
		ORDER BY emitted_at DESC
		LIMIT ?`, token, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []collab.CollaborationEvent
	for rows.Next() {
		var evt collab.CollaborationEvent
		var payload sql.RawBytes
		if err := rows.Scan(&evt.EventID, &evt.SessionToken, &evt.EventType, &evt.Category, &evt.Severity,
			&evt.ActorID, &evt.OperationID, &payload, &evt.Source, &evt.EmittedAt, &evt.Processed, &evt.Result); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &evt.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
