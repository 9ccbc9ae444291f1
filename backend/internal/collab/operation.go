package collab

import (
	"time"

	"eduCollab/backend/internal/ot"
	"eduCollab/backend/internal/ot/delta"
)

type OpStatus string

const (
	OpPending    OpStatus = "pending"
	OpApplied    OpStatus = "applied"
	OpConflicted OpStatus = "conflicted"
	OpRejected   OpStatus = "rejected"
)

// SystemActorID 是引擎自动动作（如提交时按会话策略自动解决冲突）
// 在留痕字段里使用的操作者ID。真实用户ID从 1 起。
const SystemActorID uint64 = 0

// EditOperation 是操作日志里的一条记录。
// 不变式：
// - Seq 在会话内严格递增且无空洞（排序主干）
// - AppliedAt 不早于 SubmittedAt
// - status==conflicted 时 Conflict 必须非空
type EditOperation struct {
	OperationID  string `json:"operationId"`
	SessionToken string `json:"sessionToken"`
	Seq          uint64 `json:"seq"`
	// 被 rebase 时参照的最后一个操作（gap 的末尾），空表示干净应用
	ParentID string `json:"parentId,omitempty"`

	AuthorID uint64 `json:"authorId"`
	// 客户端实例标识。同一用户可有多个 clientId（多端/多标签页）。
	ClientID string `json:"clientId"`
	// 针对同一个 clientId 的“本地递增序号”，幂等重发的依据
	ClientSeq uint64 `json:"clientSeq"`

	// 客户端提交时已知的版本
	BaseVersion uint64 `json:"baseVersion"`

	// 原始载荷
	Ops delta.Delta `json:"ops"`
	// rebase 改写后的载荷（Transformed==false 时与 Ops 一致）
	TransformedOps delta.Delta `json:"transformedOps,omitempty"`
	Transformed    bool        `json:"transformed"`
	// transform 谱系：依次 rebase 过的操作ID
	Lineage []string `json:"lineage,omitempty"`

	Status   OpStatus           `json:"status"`
	Conflict *ot.ConflictDetail `json:"conflict,omitempty"`

	// 解决记录（自动或人工都要留痕）。
	// 引擎自动解决时 ResolvedBy 记为 SystemActorID。
	Strategy   ResolutionStrategy `json:"strategy,omitempty"`
	ResolvedBy uint64             `json:"resolvedBy,omitempty"`
	ResolvedAt time.Time          `json:"resolvedAt,omitempty"`

	SubmittedAt time.Time `json:"submittedAt"`
	AppliedAt   time.Time `json:"appliedAt,omitempty"`
}

// AppliedOps 返回实际落到内容上的载荷
func (op *EditOperation) AppliedOps() delta.Delta {
	if op.Transformed {
		return op.TransformedOps
	}
	return op.Ops
}

func (op *EditOperation) view() ot.AppliedView {
	return ot.AppliedView{
		OperationID: op.OperationID,
		AuthorID:    op.AuthorID,
		SubmittedAt: op.SubmittedAt,
		Ops:         op.AppliedOps(),
	}
}
