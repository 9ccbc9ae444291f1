package store

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"eduCollab/backend/internal/collab"
)

// SessionRow 会话表（gorm 托管）
type SessionRow struct {
	ID    uint64 `gorm:"primaryKey;autoIncrement"`
	Token string `gorm:"uniqueIndex;size:64;not null"`

	DocKind   string `gorm:"size:16;index:idx_doc;not null"`
	DocID     uint64 `gorm:"index:idx_doc;not null"`
	CreatorID uint64 `gorm:"not null"`
	Status    string `gorm:"size:16;index;not null"`

	// 会话设置整体存 JSON，结构变化不用改表
	Settings string `gorm:"type:json"`

	CurrentVersion    uint64
	TotalEdits        uint64
	TotalConflicts    uint64
	ConflictsResolved uint64
	SnapshotSeq       uint64
	SnapshotAt        *time.Time

	CreatedAt time.Time
	EndedAt   *time.Time
}

func (SessionRow) TableName() string { return "collab_sessions" }

// ParticipantRow 成员表。离开/被踢只改 status，行永远保留
type ParticipantRow struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	SessionToken string `gorm:"size:64;uniqueIndex:uk_sess_user;not null"`
	UserID       uint64 `gorm:"uniqueIndex:uk_sess_user;not null"`
	Username     string `gorm:"size:64"`
	Permission   string `gorm:"size:16;not null"`
	Status       string `gorm:"size:16;index;not null"`

	JoinedAt   time.Time
	LeftAt     *time.Time
	LastSeenAt time.Time
	InvitedBy  uint64

	EditCount   uint64
	CursorMoves uint64
	Color       string `gorm:"size:16"`
}

func (ParticipantRow) TableName() string { return "collab_participants" }

type GormSessionStore struct {
	db *gorm.DB
}

func NewGormSessionStore(db *gorm.DB) (*GormSessionStore, error) {
	if err := db.AutoMigrate(&SessionRow{}, &ParticipantRow{}); err != nil {
		return nil, err
	}
	return &GormSessionStore{db: db}, nil
}

var _ collab.SessionStore = (*GormSessionStore)(nil)

func (s *GormSessionStore) SaveSession(ctx context.Context, sess *collab.Session) error {
	row, err := sessionToRow(sess)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *GormSessionStore) UpdateSession(ctx context.Context, sess *collab.Session) error {
	row, err := sessionToRow(sess)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Model(&SessionRow{}).
		Where("token = ?", sess.Token).
		Updates(map[string]any{
			"status":             row.Status,
			"settings":           row.Settings,
			"current_version":    row.CurrentVersion,
			"total_edits":        row.TotalEdits,
			"total_conflicts":    row.TotalConflicts,
			"conflicts_resolved": row.ConflictsResolved,
			"snapshot_seq":       row.SnapshotSeq,
			"snapshot_at":        row.SnapshotAt,
			"ended_at":           row.EndedAt,
		}).Error
}

func (s *GormSessionStore) SaveParticipant(ctx context.Context, p *collab.Participant) error {
	return s.db.WithContext(ctx).Create(participantToRow(p)).Error
}

// UpdateParticipant upsert：重连路径和首次入会共用
func (s *GormSessionStore) UpdateParticipant(ctx context.Context, p *collab.Participant) error {
	row := participantToRow(p)
	res := s.db.WithContext(ctx).
		Model(&ParticipantRow{}).
		Where("session_token = ? AND user_id = ?", p.SessionToken, p.UserID).
		Updates(map[string]any{
			"permission":   row.Permission,
			"status":       row.Status,
			"left_at":      row.LeftAt,
			"last_seen_at": row.LastSeenAt,
			"edit_count":   row.EditCount,
			"cursor_moves": row.CursorMoves,
			"color":        row.Color,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.db.WithContext(ctx).Create(row).Error
	}
	return nil
}

func (s *GormSessionStore) LoadSession(ctx context.Context, token string) (*collab.Session, []collab.Participant, error) {
	var row SessionRow
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, collab.ErrSessionNotFound
		}
		return nil, nil, err
	}

	var partRows []ParticipantRow
	if err := s.db.WithContext(ctx).
		Where("session_token = ?", token).
		Order("joined_at asc").
		Find(&partRows).Error; err != nil {
		return nil, nil, err
	}

	sess, err := rowToSession(&row)
	if err != nil {
		return nil, nil, err
	}
	parts := make([]collab.Participant, len(partRows))
	for i := range partRows {
		parts[i] = rowToParticipant(&partRows[i])
	}
	return sess, parts, nil
}

// ---- 行/领域类型转换 ----

func sessionToRow(sess *collab.Session) (*SessionRow, error) {
	settings, err := json.Marshal(sess.Settings)
	if err != nil {
		return nil, err
	}
	row := &SessionRow{
		Token:             sess.Token,
		DocKind:           string(sess.Doc.Kind),
		DocID:             sess.Doc.ID,
		CreatorID:         sess.CreatorID,
		Status:            string(sess.Status),
		Settings:          string(settings),
		CurrentVersion:    sess.CurrentVersion,
		TotalEdits:        sess.TotalEdits,
		TotalConflicts:    sess.TotalConflicts,
		ConflictsResolved: sess.ConflictsResolved,
		SnapshotSeq:       sess.SnapshotSeq,
		CreatedAt:         sess.CreatedAt,
	}
	if !sess.SnapshotAt.IsZero() {
		t := sess.SnapshotAt
		row.SnapshotAt = &t
	}
	if !sess.EndedAt.IsZero() {
		t := sess.EndedAt
		row.EndedAt = &t
	}
	return row, nil
}

func rowToSession(row *SessionRow) (*collab.Session, error) {
	sess := &collab.Session{
		Token:             row.Token,
		Doc:               collab.DocRef{Kind: collab.DocKind(row.DocKind), ID: row.DocID},
		CreatorID:         row.CreatorID,
		Status:            collab.SessionStatus(row.Status),
		CurrentVersion:    row.CurrentVersion,
		TotalEdits:        row.TotalEdits,
		TotalConflicts:    row.TotalConflicts,
		ConflictsResolved: row.ConflictsResolved,
		SnapshotSeq:       row.SnapshotSeq,
		CreatedAt:         row.CreatedAt,
	}
	if row.Settings != "" {
		if err := json.Unmarshal([]byte(row.Settings), &sess.Settings); err != nil {
			return nil, err
		}
	}
	if row.SnapshotAt != nil {
		sess.SnapshotAt = *row.SnapshotAt
	}
	if row.EndedAt != nil {
		sess.EndedAt = *row.EndedAt
	}
	return sess, nil
}

func participantToRow(p *collab.Participant) *ParticipantRow {
	row := &ParticipantRow{
		SessionToken: p.SessionToken,
		UserID:       p.UserID,
		Username:     p.Username,
		Permission:   string(p.Permission),
		Status:       string(p.Status),
		JoinedAt:     p.JoinedAt,
		LastSeenAt:   p.LastSeenAt,
		InvitedBy:    p.InvitedBy,
		EditCount:    p.EditCount,
		CursorMoves:  p.CursorMoves,
		Color:        p.Color,
	}
	if !p.LeftAt.IsZero() {
		t := p.LeftAt
		row.LeftAt = &t
	}
	return row
}

func rowToParticipant(row *ParticipantRow) collab.Participant {
	p := collab.Participant{
		SessionToken: row.SessionToken,
		UserID:       row.UserID,
		Username:     row.Username,
		Permission:   collab.Permission(row.Permission),
		Status:       collab.ParticipantStatus(row.Status),
		JoinedAt:     row.JoinedAt,
		LastSeenAt:   row.LastSeenAt,
		InvitedBy:    row.InvitedBy,
		EditCount:    row.EditCount,
		CursorMoves:  row.CursorMoves,
		Color:        row.Color,
	}
	if row.LeftAt != nil {
		p.LeftAt = *row.LeftAt
	}
	return p
}
