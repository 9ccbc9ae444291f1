package collab

import (
	"time"
)

// DocKind 标识被协作的内容类型（多态引用，只存 类型+ID，不持有内容本身）
type DocKind string

const (
	DocAssignment DocKind = "assignment"
	DocNote       DocKind = "note"
	DocQuiz       DocKind = "quiz"
)

// DocRef 是协作目标的弱引用。内容字节归各自子系统所有，
// 协作核心只通过 ContentProvider 读取。
type DocRef struct {
	Kind DocKind `json:"kind"`
	ID   uint64  `json:"id"`
}

type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusPaused SessionStatus = "paused"
	StatusEnded  SessionStatus = "ended"
)

type Permission string

const (
	PermAdmin  Permission = "admin"
	PermEditor Permission = "editor"
	PermViewer Permission = "viewer"
)

// permRank 用于比较权限高低：viewer < editor < admin
func permRank(p Permission) int {
	switch p {
	case PermAdmin:
		return 3
	case PermEditor:
		return 2
	case PermViewer:
		return 1
	}
	return 0
}

// CanEdit 报告该权限能否提交编辑操作
func (p Permission) CanEdit() bool { return permRank(p) >= permRank(PermEditor) }

// CanAdmin 报告该权限能否执行会话管理动作（暂停/结束/踢人/改权限）
func (p Permission) CanAdmin() bool { return p == PermAdmin }

type ResolutionStrategy string

const (
	// 用引擎对最新状态重试 rebase（默认策略）
	StrategyOT ResolutionStrategy = "operational_transform"
	// 时间戳晚者胜，败者拒绝并记录
	StrategyLWW ResolutionStrategy = "last_writer_wins"
	// 挂起等待人工处理
	StrategyManual ResolutionStrategy = "manual"
	// 人工裁决：强制接受 / 丢弃（仅 admin）
	StrategyAccept  ResolutionStrategy = "manual_accept"
	StrategyDiscard ResolutionStrategy = "manual_discard"
)

type SessionSettings struct {
	DefaultPermission Permission         `json:"defaultPermission"`
	MaxParticipants   int                `json:"maxParticipants"`
	AutoSave          bool               `json:"autoSave"`
	AutoSaveInterval  time.Duration      `json:"autoSaveInterval"`
	Strategy          ResolutionStrategy `json:"strategy"`
	// 最后一个在场成员离开时是否自动结束会话（开放策略点，按会话配置）
	EndWhenEmpty bool `json:"endWhenEmpty"`
	// 心跳租约窗口，超过视为离线（展示层语义，不等于离开）
	HeartbeatTTL time.Duration `json:"heartbeatTTL"`
}

// 未显式配置时的兜底值
func (s SessionSettings) withDefaults() SessionSettings {
	if s.DefaultPermission == "" {
		s.DefaultPermission = PermEditor
	}
	if s.MaxParticipants <= 0 {
		s.MaxParticipants = 16
	}
	if s.AutoSaveInterval <= 0 {
		s.AutoSaveInterval = 30 * time.Second
	}
	if s.Strategy == "" {
		s.Strategy = StrategyOT
	}
	if s.HeartbeatTTL <= 0 {
		s.HeartbeatTTL = 45 * time.Second
	}
	return s
}

// Session 是绑定到单个文档的一段协作期。
// 不变式：同一文档同时最多一个非 ended 会话；ended 是吸收态。
type Session struct {
	Token     string          `json:"token"`
	Doc       DocRef          `json:"doc"`
	CreatorID uint64          `json:"creatorId"`
	Status    SessionStatus   `json:"status"`
	Settings  SessionSettings `json:"settings"`

	// 当前版本号 == 最后一个已应用操作的 seq
	CurrentVersion uint64 `json:"currentVersion"`

	CreatedAt time.Time `json:"createdAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`

	// 聚合计数
	TotalEdits        uint64 `json:"totalEdits"`
	TotalConflicts    uint64 `json:"totalConflicts"`
	ConflictsResolved uint64 `json:"conflictsResolved"`

	SnapshotSeq uint64    `json:"snapshotSeq"`
	SnapshotAt  time.Time `json:"snapshotAt,omitempty"`
}

// Identity 由身份提供方（auth 服务的 token claims）给出
type Identity struct {
	ID       uint64 `json:"id"`
	Username string `json:"username"`
}
