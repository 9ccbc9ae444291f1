package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-sql-driver/mysql"

	"eduCollab/backend/internal/collab"
	"eduCollab/backend/internal/ot"
	"eduCollab/backend/internal/ot/delta"
)

// 操作日志表走 database/sql 直写：高频追加路径，不需要 ORM 的对象跟踪
const createOperationsTable = `
CREATE TABLE IF NOT EXISTS collab_operations (
	id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
	operation_id VARCHAR(64) NOT NULL,
	session_token VARCHAR(64) NOT NULL,
	seq BIGINT UNSIGNED NOT NULL DEFAULT 0,
	parent_id VARCHAR(64) NOT NULL DEFAULT '',
	author_id BIGINT UNSIGNED NOT NULL,
	client_id VARCHAR(64) NOT NULL,
	client_seq BIGINT UNSIGNED NOT NULL,
	base_version BIGINT UNSIGNED NOT NULL,
	ops JSON NOT NULL,
	transformed_ops JSON NULL,
	transformed TINYINT(1) NOT NULL DEFAULT 0,
	lineage JSON NULL,
	status VARCHAR(16) NOT NULL,
	conflict JSON NULL,
	strategy VARCHAR(32) NOT NULL DEFAULT '',
	resolved_by BIGINT UNSIGNED NOT NULL DEFAULT 0,
	resolved_at DATETIME(3) NULL,
	submitted_at DATETIME(3) NOT NULL,
	applied_at DATETIME(3) NULL,
	UNIQUE KEY uk_operation (operation_id),
	KEY idx_session_seq (session_token, seq),
	KEY idx_session_status (session_token, status)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`

type SQLOperationStore struct {
	db *sql.DB
}

func NewSQLOperationStore(db *sql.DB) (*SQLOperationStore, error) {
	if _, err := db.Exec(createOperationsTable); err != nil {
		return nil, err
	}
	return &SQLOperationStore{db: db}, nil
}

var _ collab.OperationStore = (*SQLOperationStore)(nil)

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}

func (s *SQLOperationStore) AppendOperation(ctx context.Context, op *collab.EditOperation) error {
	cols, err := opColumns(op)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collab_operations
		(operation_id, session_token, seq, parent_id, author_id, client_id, client_seq,
		 base_version, ops, transformed_ops, transformed, lineage, status, conflict,
		 strategy, resolved_by, resolved_at, submitted_at, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OperationID, op.SessionToken, op.Seq, op.ParentID, op.AuthorID, op.ClientID, op.ClientSeq,
		op.BaseVersion, cols.ops, cols.transformedOps, op.Transformed, cols.lineage, string(op.Status), cols.conflict,
		string(op.Strategy), op.ResolvedBy, cols.resolvedAt, op.SubmittedAt, cols.appliedAt)
	if isDuplicateKey(err) {
		// 重放/重发：同一 operation_id 已落库，当作成功
		return nil
	}
	return err
}

func (s *SQLOperationStore) UpdateOperation(ctx context.Context, op *collab.EditOperation) error {
	cols, err := opColumns(op)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE collab_operations
		SET seq = ?, parent_id = ?, transformed_ops = ?, transformed = ?, lineage = ?,
		    status = ?, conflict = ?, strategy = ?, resolved_by = ?, resolved_at = ?, applied_at = ?
		WHERE operation_id = ?`,
		op.Seq, op.ParentID, cols.transformedOps, op.Transformed, cols.lineage,
		string(op.Status), cols.conflict, string(op.Strategy), op.ResolvedBy, cols.resolvedAt, cols.appliedAt,
		op.OperationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// 行还没进来（异步追加晚于解决），退化为插入
		return s.AppendOperation(ctx, op)
	}
	return nil
}

// ListApplied 返回 afterSeq 之后的已应用操作，按 seq 升序（重放顺序）
func (s *SQLOperationStore) ListApplied(ctx context.Context, token string, afterSeq uint64, limit int) ([]collab.EditOperation, error) {
	q := `
		SELECT operation_id, session_token, seq, parent_id, author_id, client_id, client_seq,
		       base_version, ops, transformed_ops, transformed, lineage, status, conflict,
		       strategy, resolved_by, resolved_at, submitted_at, applied_at
		FROM collab_operations
		WHERE session_token = ? AND status = 'applied' AND seq > ?
		ORDER BY seq ASC`
	args := []any{token, afterSeq}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []collab.EditOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

type opJSONColumns struct {
	ops            []byte
	transformedOps any
	lineage        any
	conflict       any
	resolvedAt     any
	appliedAt      any
}

func opColumns(op *collab.EditOperation) (*opJSONColumns, error) {
	var c opJSONColumns
	var err error
	if c.ops, err = json.Marshal(op.Ops); err != nil {
		return nil, err
	}
	if len(op.TransformedOps) > 0 {
		b, err := json.Marshal(op.TransformedOps)
		if err != nil {
			return nil, err
		}
		c.transformedOps = b
	}
	if len(op.Lineage) > 0 {
		b, err := json.Marshal(op.Lineage)
		if err != nil {
			return nil, err
		}
		c.lineage = b
	}
	if op.Conflict != nil {
		b, err := json.Marshal(op.Conflict)
		if err != nil {
			return nil, err
		}
		c.conflict = b
	}
	if !op.ResolvedAt.IsZero() {
		c.resolvedAt = op.ResolvedAt
	}
	if !op.AppliedAt.IsZero() {
		c.appliedAt = op.AppliedAt
	}
	return &c, nil
}

func scanOperation(rows *sql.Rows) (*collab.EditOperation, error) {
	var (
		op           collab.EditOperation
		opsB         []byte
		transformedB sql.RawBytes
		lineageB     sql.RawBytes
		conflictB    sql.RawBytes
		status       string
		strat        string
		resolvedAt   sql.NullTime
		appliedAt    sql.NullTime
	)
	if err := rows.Scan(
		&op.OperationID, &op.SessionToken, &op.Seq, &op.ParentID, &op.AuthorID, &op.ClientID, &op.ClientSeq,
		&op.BaseVersion, &opsB, &transformedB, &op.Transformed, &lineageB, &status, &conflictB,
		&strat, &op.ResolvedBy, &resolvedAt, &op.SubmittedAt, &appliedAt,
	); err != nil {
		return nil, err
	}
	op.Status = collab.OpStatus(status)
	op.Strategy = collab.ResolutionStrategy(strat)
	if resolvedAt.Valid {
		op.ResolvedAt = resolvedAt.Time
	}
	if appliedAt.Valid {
		op.AppliedAt = appliedAt.Time
	}
	if err := json.Unmarshal(opsB, &op.Ops); err != nil {
		return nil, err
	}
	if len(transformedB) > 0 {
		var d delta.Delta
		if err := json.Unmarshal(transformedB, &d); err != nil {
			return nil, err
		}
		op.TransformedOps = d
	}
	if len(lineageB) > 0 {
		if err := json.Unmarshal(lineageB, &op.Lineage); err != nil {
			return nil, err
		}
	}
	if len(conflictB) > 0 {
		var cd ot.ConflictDetail
		if err := json.Unmarshal(conflictB, &cd); err != nil {
			return nil, err
		}
		op.Conflict = &cd
	}
	return &op, nil
}
