package collab

import (
	"context"
	"log"
	"time"

	"eduCollab/backend/internal/ot"
	"eduCollab/backend/internal/ot/delta"
)

// ResolveConflict 处理一条挂起的冲突操作。
// strategy 为空时用会话默认策略；指定与默认不同的策略视为覆盖，仅 admin 可做。
// accept/discard 无论如何都只有 admin 能用（绕过 transform 的裁决动作）。
func (s *InMemoryService) ResolveConflict(ctx context.Context, token string, actorID uint64, operationID string, strategy ResolutionStrategy) (*EditOperation, error) {
	st, err := s.state(ctx, token)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.sess.Status == StatusEnded {
		return nil, ErrSessionClosed
	}
	actor, ok := st.participants[actorID]
	if !ok || actor.Status != PartJoined {
		return nil, ErrNotAParticipant
	}

	op, ok := st.conflicted[operationID]
	if !ok {
		// 可能已解决，也可能压根不存在
		for _, a := range st.ops {
			if a.OperationID == operationID {
				return nil, ErrConflictUnresolved
			}
		}
		return nil, ErrOperationNotFound
	}

	if strategy == "" {
		strategy = st.sess.Settings.Strategy
	}
	needsAdmin := strategy != st.sess.Settings.Strategy ||
		strategy == StrategyAccept || strategy == StrategyDiscard
	if needsAdmin && !actor.Permission.CanAdmin() {
		return nil, ErrPermissionDenied
	}

	switch strategy {
	case StrategyOT:
		s.retryTransformLocked(ctx, st, op, actorID)
	case StrategyLWW:
		s.resolveLWWLocked(ctx, st, op, actorID)
	case StrategyManual:
		// 只转交人工评审，状态保持 conflicted
		s.emit(ctx, newEvent(token, EvConflictReview, CatConflict, SevWarn, actorID,
			map[string]any{"operationId": op.OperationID}))
	case StrategyAccept:
		s.applyResolvedLocked(ctx, st, op, clampToLength(op.Ops, st.buf.Len()), actorID, StrategyAccept)
	case StrategyDiscard:
		s.rejectLocked(ctx, st, op, actorID, StrategyDiscard, "discarded by admin")
	default:
		return nil, ErrConflictUnresolved
	}

	cp := *op
	return &cp, nil
}

// retryTransformLocked 对当前最新状态重新 rebase。
// 冲突之后又有新操作落下时，原本撞车的修改可能已经能干净合入。
func (s *InMemoryService) retryTransformLocked(ctx context.Context, st *sessionState, op *EditOperation, actorID uint64) {
	base := op.BaseVersion
	if base < st.seqBase {
		base = st.seqBase
	}
	gapOps := st.ops[base-st.seqBase:]
	gap := make([]ot.AppliedView, len(gapOps))
	for i, g := range gapOps {
		gap[i] = g.view()
	}

	res := ot.Rebase(op.Ops, op.SubmittedAt, op.AuthorID, gap, st.buf.Len())
	if res.Conflicted {
		// 仍然冲突：更新冲突明细，等下一轮或换策略
		op.Conflict = res.Detail
		s.persistOperation(ctx, op)
		return
	}
	op.Lineage = res.Lineage
	s.applyResolvedLocked(ctx, st, op, res.Ops, actorID, StrategyOT)
}

// resolveLWWLocked：时间戳晚者胜。冲突操作按定义是后到的一方，
// 只要它的提交时间不早于所有撞车操作，就裁剪后强行落下；否则拒绝并留痕。
func (s *InMemoryService) resolveLWWLocked(ctx context.Context, st *sessionState, op *EditOperation, actorID uint64) {
	wins := true
	if op.Conflict != nil {
		for _, colID := range op.Conflict.CollidingOps {
			for _, a := range st.ops {
				if a.OperationID == colID && op.SubmittedAt.Before(a.SubmittedAt) {
					wins = false
				}
			}
		}
	}
	if !wins {
		s.rejectLocked(ctx, st, op, actorID, StrategyLWW, "older timestamp lost")
		return
	}
	s.applyResolvedLocked(ctx, st, op, clampToLength(op.Ops, st.buf.Len()), actorID, StrategyLWW)
}

// applyResolvedLocked 把解决后的载荷落到内容上，此时才占用 seq。
// 调用方持有 st.mu。
func (s *InMemoryService) applyResolvedLocked(ctx context.Context, st *sessionState, op *EditOperation, finalOps delta.Delta, actorID uint64, strategy ResolutionStrategy) {
	if err := st.buf.Apply(finalOps); err != nil {
		log.Printf("resolved op apply failed op=%s err=%v", op.OperationID, err)
		s.rejectLocked(ctx, st, op, actorID, strategy, "apply failed: "+err.Error())
		return
	}

	now := time.Now()
	op.Seq = st.seqBase + uint64(len(st.ops)) + 1
	op.Status = OpApplied
	op.Transformed = true
	op.TransformedOps = finalOps
	op.AppliedAt = now
	op.Strategy = strategy
	op.ResolvedBy = actorID
	op.ResolvedAt = now
	if n := len(st.ops); n > 0 {
		op.ParentID = st.ops[n-1].OperationID
	}

	delete(st.conflicted, op.OperationID)
	st.ops = append(st.ops, op)
	st.sess.CurrentVersion = op.Seq
	st.sess.TotalEdits++
	st.sess.ConflictsResolved++
	if p, ok := st.participants[op.AuthorID]; ok {
		p.EditCount++
	}

	cp := *op
	sessCp := st.sess
	go func() {
		bg := context.Background()
		s.persistOperation(bg, &cp)
		s.persistSession(bg, &sessCp)
		s.emit(bg, newEvent(cp.SessionToken, EvConflictResolved, CatConflict, SevInfo, actorID,
			map[string]any{"operationId": cp.OperationID, "strategy": strategy, "seq": cp.Seq, "outcome": "applied"}))
	}()
}

func (s *InMemoryService) rejectLocked(ctx context.Context, st *sessionState, op *EditOperation, actorID uint64, strategy ResolutionStrategy, reason string) {
	now := time.Now()
	op.Status = OpRejected
	op.Strategy = strategy
	op.ResolvedBy = actorID
	op.ResolvedAt = now
	delete(st.conflicted, op.OperationID)
	st.sess.ConflictsResolved++

	cp := *op
	sessCp := st.sess
	go func() {
		bg := context.Background()
		s.persistOperation(bg, &cp)
		s.persistSession(bg, &sessCp)
		s.emit(bg, newEvent(cp.SessionToken, EvConflictResolved, CatConflict, SevWarn, actorID,
			map[string]any{"operationId": cp.OperationID, "strategy": strategy, "outcome": "rejected", "reason": reason}))
	}()
}

func (s *InMemoryService) persistOperation(ctx context.Context, op *EditOperation) {
	if s.opStore == nil {
		return
	}
	if err := s.opStore.UpdateOperation(ctx, op); err != nil {
		log.Printf("update operation failed op=%s err=%v", op.OperationID, err)
	}
}

// clampToLength 把载荷硬裁剪进当前内容范围，给 accept/LWW 这类
// “不做 transform 强行落地”的策略兜底。
func clampToLength(ops delta.Delta, docLen int) delta.Delta {
	out := make(delta.Delta, 0, len(ops))
	length := docLen
	for _, o := range ops {
		c := o
		if c.Pos > length {
			c.Pos = length
		}
		switch c.Kind {
		case delta.KindInsert:
			length += c.TextLen()
		case delta.KindDelete, delta.KindFormat:
			if c.Pos+c.Len > length {
				c.Len = length - c.Pos
			}
			if c.Len <= 0 {
				continue
			}
			if c.Kind == delta.KindDelete {
				length -= c.Len
			}
		case delta.KindReplace:
			if c.Pos+c.Len > length {
				c.Len = length - c.Pos
			}
			if c.Len < 0 {
				c.Len = 0
			}
			length += c.TextLen() - c.Len
		}
		out = append(out, c)
	}
	return out
}
