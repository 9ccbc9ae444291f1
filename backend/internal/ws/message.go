package ws

import (
	"time"

	"eduCollab/backend/internal/collab"
	"eduCollab/backend/internal/ot/delta"
)

// 客户端入站消息（所有类型共用一个信封，按 type 取用字段）
type ClientMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"` // 会话 token

	// join_session / session_for_doc
	DocKind string `json:"docKind,omitempty"`
	DocID   uint64 `json:"docId,omitempty"`

	// op_submit
	BaseSeq   uint64      `json:"baseSeq"`
	ClientId  string      `json:"clientId"`
	ClientSeq uint64      `json:"clientSeq"`
	Ops       delta.Delta `json:"ops,omitempty"`

	// cursor / typing
	Cursor *collab.CursorPosition `json:"cursor,omitempty"`
	Typing bool                   `json:"typing,omitempty"`

	// resolve_conflict
	OperationID string `json:"operationId,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
	Color    string `json:"color,omitempty"`
}

type ServerMessage struct {
	Type    string           `json:"type"`
	Token   string           `json:"token,omitempty"`
	UserID  uint64           `json:"userId,omitempty"`
	Seq     uint64           `json:"seq,omitempty"`
	Members []PresenceMember `json:"members,omitempty"`
	Cursor  any              `json:"cursor,omitempty"`
	Content string           `json:"content,omitempty"`
	Code    string           `json:"code,omitempty"` // 错误码（SCREAMING_SNAKE）
}

// op_applied：提交方的 ack
type OpAppliedMessage struct {
	Type        string `json:"type"` // 固定 "op_applied"
	Token       string `json:"token"`
	OperationID string `json:"operationId"`
	BaseSeq     uint64 `json:"baseSeq"`
	Seq         uint64 `json:"seq"` // 服务端分配的序号
	CurrentSeq  uint64 `json:"currentSeq"`
	ClientId    string `json:"clientId"`
	ClientSeq   uint64 `json:"clientSeq"`
	Transformed bool   `json:"transformed"`
}

// op_broadcast：推给同会话其他连接（含同用户其他标签页）。
// 收到后在本地应用 ops 并把本地 seq 对齐到 Seq。
type OpBroadcastMessage struct {
	Type      string      `json:"type"` // 固定 "op_broadcast"
	Token     string      `json:"token"`
	Seq       uint64      `json:"seq"`
	AuthorID  uint64      `json:"authorId"`
	ClientId  string      `json:"clientId,omitempty"`
	ClientSeq uint64      `json:"clientSeq,omitempty"`
	Ops       delta.Delta `json:"ops"` // transform 之后的载荷
	AppliedAt time.Time   `json:"appliedAt,omitempty"`
}

// op_conflicted：提交方收到的冲突通知，带上冲突明细供 UI 展示
type OpConflictedMessage struct {
	Type        string   `json:"type"` // 固定 "op_conflicted"
	Token       string   `json:"token"`
	OperationID string   `json:"operationId"`
	ClientId    string   `json:"clientId"`
	ClientSeq   uint64   `json:"clientSeq"`
	Reason      string   `json:"reason,omitempty"`
	Colliding   []string `json:"collidingOps,omitempty"`
	Strategy    string   `json:"strategy,omitempty"` // 会话默认策略，提示客户端下一步
}

// session_event：生命周期/成员/冲突事件转发
type SessionEventMessage struct {
	Type      string         `json:"type"` // 固定 "session_event"
	Token     string         `json:"token"`
	EventType string         `json:"eventType"`
	Category  string         `json:"category"`
	ActorID   uint64         `json:"actorId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	EmittedAt time.Time      `json:"emittedAt"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string       { return m.Type }
func (m OpAppliedMessage) MessageType() string    { return m.Type }
func (m OpBroadcastMessage) MessageType() string  { return m.Type }
func (m OpConflictedMessage) MessageType() string { return m.Type }
func (m SessionEventMessage) MessageType() string { return m.Type }
