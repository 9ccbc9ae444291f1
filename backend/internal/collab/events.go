package collab

import (
	"fmt"
	"sync/atomic"
	"time"
)

// 事件类型
const (
	EvSessionCreated    = "session_created"
	EvSessionPaused     = "session_paused"
	EvSessionResumed    = "session_resumed"
	EvSessionEnded      = "session_ended"
	EvParticipantJoined = "participant_joined"
	EvParticipantLeft   = "participant_left"
	EvParticipantKicked = "participant_kicked"
	EvPermissionChanged = "permission_changed"
	EvInviteSent        = "invite_sent"
	EvOpApplied         = "op_applied"
	EvOpConflicted      = "op_conflicted"
	EvConflictResolved  = "conflict_resolved"
	EvConflictReview    = "conflict_review_requested"
)

// 事件分类/级别，供下游消费方过滤
const (
	CatLifecycle = "lifecycle"
	CatMember    = "member"
	CatEdit      = "edit"
	CatConflict  = "conflict"

	SevInfo = "info"
	SevWarn = "warn"
)

// CollaborationEvent 是追加写的审计/通知记录。
// 写入后不再改动，只允许回填 Processed/Result（广播投递结果）。
type CollaborationEvent struct {
	EventID      string         `json:"eventId"`
	SessionToken string         `json:"sessionToken"`
	EventType    string         `json:"eventType"`
	Category     string         `json:"category"`
	Severity     string         `json:"severity"`
	ActorID      uint64         `json:"actorId,omitempty"`
	OperationID  string         `json:"operationId,omitempty"` // 关联的触发操作（可空）
	Payload      map[string]any `json:"payload,omitempty"`
	Source       string         `json:"source"`
	EmittedAt    time.Time      `json:"emittedAt"`

	// 广播投递结果，由 dispatcher 异步回填，失败不重试（留给对账）
	Processed bool   `json:"processed"`
	Result    string `json:"result,omitempty"`
}

var eventCounter atomic.Uint64

func newEvent(token, typ, category, severity string, actorID uint64, payload map[string]any) CollaborationEvent {
	return CollaborationEvent{
		EventID:      fmt.Sprintf("ev-%d-%d", time.Now().UnixNano(), eventCounter.Add(1)),
		SessionToken: token,
		EventType:    typ,
		Category:     category,
		Severity:     severity,
		ActorID:      actorID,
		Payload:      payload,
		Source:       "collab-core",
		EmittedAt:    time.Now(),
	}
}

// Relay 把事件交给外部广播协作方（Kafka topic，按会话 token 分区）。
// 投递失败由实现方记录到事件行上，不在主链路里重试。
type Relay interface {
	Emit(evt CollaborationEvent)
}
