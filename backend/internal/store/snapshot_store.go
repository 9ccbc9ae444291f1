package store

import (
	"context"
	"database/sql"

	"eduCollab/backend/internal/collab"
)

// 快照表：每个 (会话, seq) 一行，重复保存同一 seq 是幂等的
const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS collab_snapshots (
	id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
	session_token VARCHAR(64) NOT NULL,
	seq BIGINT UNSIGNED NOT NULL,
	content MEDIUMTEXT NOT NULL,
	created_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
	UNIQUE KEY uk_session_seq (session_token, seq)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`

type SQLSnapshotStore struct {
	db *sql.DB
}

func NewSQLSnapshotStore(db *sql.DB) (*SQLSnapshotStore, error) {
	if _, err := db.Exec(createSnapshotsTable); err != nil {
		return nil, err
	}
	return &SQLSnapshotStore{db: db}, nil
}

var _ collab.SnapshotStore = (*SQLSnapshotStore)(nil)

func (s *SQLSnapshotStore) SaveSessionSnapshot(ctx context.Context, token string, seq uint64, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collab_snapshots (session_token, seq, content) VALUES (?, ?, ?)`,
		token, seq, content)
	if isDuplicateKey(err) {
		// auto-save 和手动保存赶在同一版本，先到的算数
		return nil
	}
	return err
}

func (s *SQLSnapshotStore) LoadLatestSnapshot(ctx context.Context, token string) (string, uint64, error) {
	var (
		content string
		seq     uint64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT content, seq FROM collab_snapshots
		WHERE session_token = ?
		ORDER BY seq DESC LIMIT 1`, token).Scan(&content, &seq)
	if err == sql.ErrNoRows {
		return "", 0, collab.ErrSessionNotFound
	}
	if err != nil {
		return "", 0, err
	}
	return content, seq, nil
}
