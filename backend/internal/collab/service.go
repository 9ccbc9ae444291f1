package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"eduCollab/backend/internal/cache"
	"eduCollab/backend/internal/ot"
	"eduCollab/backend/internal/ot/delta"
)

// 协作引擎接口
type Service interface {
	CreateSession(ctx context.Context, doc DocRef, creator Identity, settings SessionSettings) (*Session, error)
	JoinSession(ctx context.Context, token string, user Identity, requested Permission) (*Participant, error)
	LeaveSession(ctx context.Context, token string, userID uint64) error
	PauseSession(ctx context.Context, token string, actorID uint64) error
	ResumeSession(ctx context.Context, token string, actorID uint64) error
	EndSession(ctx context.Context, token string, actorID uint64) error
	RemoveParticipant(ctx context.Context, token string, actorID, targetID uint64, reason string) error
	ChangePermission(ctx context.Context, token string, actorID, targetID uint64, perm Permission) error
	Invite(ctx context.Context, token string, actorID, inviteeID uint64, perm Permission) error

	Submit(ctx context.Context, token string, authorID uint64,
		baseSeq uint64, clientID string, clientSeq uint64,
		ops delta.Delta) (*EditOperation, error)
	ResolveConflict(ctx context.Context, token string, actorID uint64,
		operationID string, strategy ResolutionStrategy) (*EditOperation, error)

	GetSession(ctx context.Context, token string) (*Session, error)
	SessionForDoc(ctx context.Context, doc DocRef) (*Session, error)
	Participants(ctx context.Context, token string) ([]Participant, error)
	Content(ctx context.Context, token string) (string, uint64, error)
	// 可选：用于握手/追平
	OpsSince(ctx context.Context, token string, fromSeq uint64, limit int) ([]EditOperation, error)
	PendingConflicts(ctx context.Context, token string) ([]EditOperation, error)
	Events(ctx context.Context, token string, limit int) ([]CollaborationEvent, error)
	SaveSnapshot(ctx context.Context, token string) error

	// 在场数据（不走操作日志，最终一致即可）
	Heartbeat(ctx context.Context, token string, userID uint64) error
	UpdateCursor(ctx context.Context, token string, userID uint64, cur CursorPosition) error
	SetTyping(ctx context.Context, token string, userID uint64, typing bool) error
	AliveMembers(ctx context.Context, token string) ([]cache.PresenceMember, error)
	Cursors(ctx context.Context, token string) (map[uint64]CursorPosition, error)
}

// 会话/成员持久化（gorm 实现）
type SessionStore interface {
	SaveSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
	SaveParticipant(ctx context.Context, p *Participant) error
	UpdateParticipant(ctx context.Context, p *Participant) error
	LoadSession(ctx context.Context, token string) (*Session, []Participant, error)
}

// 操作日志持久化
type OperationStore interface {
	AppendOperation(ctx context.Context, op *EditOperation) error
	UpdateOperation(ctx context.Context, op *EditOperation) error
	ListApplied(ctx context.Context, token string, afterSeq uint64, limit int) ([]EditOperation, error)
}

// 事件持久化（追加写 + 回填投递结果）
type EventStore interface {
	AppendEvent(ctx context.Context, evt *CollaborationEvent) error
	MarkProcessed(ctx context.Context, eventID string, ok bool, result string) error
	ListBySession(ctx context.Context, token string, limit int) ([]CollaborationEvent, error)
}

// 快照存储接口
type SnapshotStore interface {
	SaveSessionSnapshot(ctx context.Context, token string, seq uint64, content string) error
	LoadLatestSnapshot(ctx context.Context, token string) (content string, seq uint64, err error)
}

// 内容提供方：协作核心从不持有文档字节，只在建会时读一次基线
type ContentProvider interface {
	LoadContent(ctx context.Context, doc DocRef) (string, error)
}

// 外部授权协作方：回答“用户能否加入文档 D 的会话”，核心信任布尔结果
type Authorizer interface {
	CanJoin(ctx context.Context, userID uint64, doc DocRef) (bool, error)
}

// 单个会话的内存态。
// mu 是会话内唯一的串行化点：seq 分配 + rebase 判定必须互斥，
// 两个操作拿到同一个 seq 就无法收敛。在场数据不走这把锁。
type sessionState struct {
	mu   sync.RWMutex
	sess Session

	participants map[uint64]*Participant
	invites      map[uint64]Permission
	joinSeq      int // 分配游标颜色用的入会序号

	// 已应用操作，ops[i].Seq == seqBase + i + 1，无空洞
	ops []*EditOperation
	// 内存日志起点之前的 seq（从快照重建的会话不为 0）
	seqBase uint64
	// 挂起的冲突操作，尚未占用 seq
	conflicted map[string]*EditOperation

	// 去重窗口：clientId -> 最近的 clientSeq 及其结果（幂等重发直接返回）
	lastSeqByClient map[string]uint64
	lastOpByClient  map[string]*EditOperation

	// 文档内容缓冲区
	buf Buffer
}

// activeCountLocked 统计仍在会的成员数。调用方持有 st.mu。
func (st *sessionState) activeCountLocked() int {
	n := 0
	for _, p := range st.participants {
		if p.Status == PartJoined {
			n++
		}
	}
	return n
}

type Deps struct {
	Sessions   SessionStore
	Operations OperationStore
	Events     EventStore
	Snapshots  SnapshotStore
	Content    ContentProvider
	Authz      Authorizer
	Presence   cache.PresenceCache
	Relay      Relay
}

// 内存实现：持有所有会话的状态
type InMemoryService struct {
	mu          sync.RWMutex
	sessions    map[string]*sessionState
	activeByDoc map[DocRef]string

	// 依赖注入，全部可为 nil（降级为纯内存）
	store      SessionStore
	opStore    OperationStore
	eventStore EventStore
	snapStore  SnapshotStore
	content    ContentProvider
	authz      Authorizer
	presence   cache.PresenceCache
	relay      Relay

	// 防止同一会话被并发重建多次
	sf singleflight.Group
}

func NewInMemoryService(deps Deps) *InMemoryService {
	return &InMemoryService{
		sessions:    make(map[string]*sessionState),
		activeByDoc: make(map[DocRef]string),
		store:       deps.Sessions,
		opStore:     deps.Operations,
		eventStore:  deps.Events,
		snapStore:   deps.Snapshots,
		content:     deps.Content,
		authz:       deps.Authz,
		presence:    deps.Presence,
		relay:       deps.Relay,
	}
}

var _ Service = (*InMemoryService)(nil)

// ---- 事件 ----

func (s *InMemoryService) emit(ctx context.Context, evt CollaborationEvent) {
	if s.eventStore != nil {
		if err := s.eventStore.AppendEvent(ctx, &evt); err != nil {
			log.Printf("append event failed event=%s err=%v", evt.EventID, err)
		}
	}
	if s.relay != nil {
		s.relay.Emit(evt)
	}
}

// ---- 会话生命周期 ----

func (s *InMemoryService) CreateSession(ctx context.Context, doc DocRef, creator Identity, settings SessionSettings) (*Session, error) {
	if ok, err := s.canJoin(ctx, creator.ID, doc); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrPermissionDenied
	}

	// 基线内容在拿全局锁之前读好
	initial := ""
	if s.content != nil {
		var err error
		if initial, err = s.content.LoadContent(ctx, doc); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	if tok, ok := s.activeByDoc[doc]; ok {
		if st := s.sessions[tok]; st != nil && st.sess.Status != StatusEnded {
			s.mu.Unlock()
			// 不是致命错误：调用方应改走 join
			return nil, ErrAlreadyActive
		}
	}

	now := time.Now()
	sess := Session{
		Token:     fmt.Sprintf("cs-%d", now.UnixNano()),
		Doc:       doc,
		CreatorID: creator.ID,
		Status:    StatusActive,
		Settings:  settings.withDefaults(),
		CreatedAt: now,
	}
	st := &sessionState{
		sess:            sess,
		participants:    make(map[uint64]*Participant),
		invites:         make(map[uint64]Permission),
		conflicted:      make(map[string]*EditOperation),
		lastSeqByClient: make(map[string]uint64),
		lastOpByClient:  make(map[string]*EditOperation),
		buf:             NewPieceTable(initial),
	}
	s.sessions[sess.Token] = st
	s.activeByDoc[doc] = sess.Token
	s.mu.Unlock()

	// 创建者是唯一的 admin 成员
	st.mu.Lock()
	p := &Participant{
		SessionToken: sess.Token,
		UserID:       creator.ID,
		Username:     creator.Username,
		Permission:   PermAdmin,
		Status:       PartJoined,
		JoinedAt:     now,
		LastSeenAt:   now,
		Color:        pickColor(st.joinSeq),
	}
	st.joinSeq++
	st.participants[creator.ID] = p
	out := st.sess
	st.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveSession(ctx, &out); err != nil {
			log.Printf("save session failed token=%s err=%v", out.Token, err)
		}
		if err := s.store.SaveParticipant(ctx, p); err != nil {
			log.Printf("save participant failed token=%s user=%d err=%v", out.Token, p.UserID, err)
		}
	}
	// 版本0基线快照：编辑开始前历史就有起点
	if s.snapStore != nil {
		if err := s.snapStore.SaveSessionSnapshot(ctx, out.Token, 0, initial); err != nil {
			log.Printf("save baseline snapshot failed token=%s err=%v", out.Token, err)
		}
	}
	s.touchPresence(ctx, p, out.Settings.HeartbeatTTL)

	s.emit(ctx, newEvent(out.Token, EvSessionCreated, CatLifecycle, SevInfo, creator.ID,
		map[string]any{"doc": doc, "strategy": out.Settings.Strategy}))
	s.emit(ctx, newEvent(out.Token, EvParticipantJoined, CatMember, SevInfo, creator.ID,
		map[string]any{"permission": PermAdmin}))
	return &out, nil
}

func (s *InMemoryService) JoinSession(ctx context.Context, token string, user Identity, requested Permission) (*Participant, error) {
	st, err := s.state(ctx, token)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.sess.Status == StatusEnded {
		st.mu.Unlock()
		return nil, ErrSessionClosed
	}

	// 重连/重复加入是幂等的：回到已有成员记录，只刷新 last-seen
	if p, ok := st.participants[user.ID]; ok {
		if p.Status == PartKicked {
			st.mu.Unlock()
			return nil, ErrPermissionDenied
		}
		// 已退出的成员回来要重新占名额；仍在会话里的只是重连
		if p.Status == PartLeft && st.activeCountLocked() >= st.sess.Settings.MaxParticipants {
			st.mu.Unlock()
			return nil, ErrCapacityExceeded
		}
		p.Status = PartJoined
		p.LastSeenAt = time.Now()
		cp := *p
		ttl := st.sess.Settings.HeartbeatTTL
		st.mu.Unlock()
		s.persistParticipant(ctx, &cp)
		s.touchPresence(ctx, &cp, ttl)
		return &cp, nil
	}
	doc := st.sess.Doc
	st.mu.Unlock()

	// 可见性校验（外部授权方），不要拿着会话锁做网络调用
	if ok, err := s.canJoin(ctx, user.ID, doc); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrPermissionDenied
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sess.Status == StatusEnded {
		return nil, ErrSessionClosed
	}
	if st.activeCountLocked() >= st.sess.Settings.MaxParticipants {
		return nil, ErrCapacityExceeded
	}

	// 受邀者按邀请时指定的权限进来，其余人最高拿到会话默认权限
	perm := requested
	invitedBy := uint64(0)
	if p, ok := st.invites[user.ID]; ok {
		perm = p
		invitedBy = st.sess.CreatorID
		delete(st.invites, user.ID)
	} else {
		if perm == "" {
			perm = st.sess.Settings.DefaultPermission
		}
		if permRank(perm) > permRank(st.sess.Settings.DefaultPermission) {
			perm = st.sess.Settings.DefaultPermission
		}
	}

	now := time.Now()
	p := &Participant{
		SessionToken: token,
		UserID:       user.ID,
		Username:     user.Username,
		Permission:   perm,
		Status:       PartJoined,
		JoinedAt:     now,
		LastSeenAt:   now,
		InvitedBy:    invitedBy,
		Color:        pickColor(st.joinSeq),
	}
	st.joinSeq++
	st.participants[user.ID] = p
	cp := *p
	ttl := st.sess.Settings.HeartbeatTTL

	go func() {
		bg := context.Background()
		s.persistParticipant(bg, &cp)
		s.touchPresence(bg, &cp, ttl)
		s.emit(bg, newEvent(token, EvParticipantJoined, CatMember, SevInfo, user.ID,
			map[string]any{"permission": perm}))
	}()
	return &cp, nil
}

func (s *InMemoryService) LeaveSession(ctx context.Context, token string, userID uint64) error {
	st, err := s.state(ctx, token)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.sess.Status == StatusEnded {
		st.mu.Unlock()
		return ErrSessionClosed
	}
	p, ok := st.participants[userID]
	if !ok || p.Status != PartJoined {
		st.mu.Unlock()
		return ErrNotAParticipant
	}
	p.Status = PartLeft
	p.LeftAt = time.Now()
	cp := *p

	// 最后一个人离开时按会话策略自动收尾
	remaining := st.activeCountLocked()
	autoEnd := remaining == 0 && st.sess.Settings.EndWhenEmpty
	if autoEnd {
		s.endLocked(st, userID)
	}
	st.mu.Unlock()

	s.persistParticipant(ctx, &cp)
	if s.presence != nil {
		if err := s.presence.RemoveMember(ctx, token, userID); err != nil {
			log.Printf("remove presence member failed token=%s user=%d err=%v", token, userID, err)
		}
	}
	s.emit(ctx, newEvent(token, EvParticipantLeft, CatMember, SevInfo, userID, nil))
	return nil
}

func (s *InMemoryService) PauseSession(ctx context.Context, token string, actorID uint64) error {
	return s.transition(ctx, token, actorID, StatusActive, StatusPaused, EvSessionPaused)
}

func (s *InMemoryService) ResumeSession(ctx context.Context, token string, actorID uint64) error {
	return s.transition(ctx, token, actorID, StatusPaused, StatusActive, EvSessionResumed)
}

func (s *InMemoryService) transition(ctx context.Context, token string, actorID uint64, from, to SessionStatus, evType string) error {
	st, err := s.state(ctx, token)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.sess.Status == StatusEnded {
		st.mu.Unlock()
		return ErrSessionClosed
	}
	if _, err := requireAdmin(st, actorID); err != nil {
		st.mu.Unlock()
		return err
	}
	if st.sess.Status == to { // 幂等
		st.mu.Unlock()
		return nil
	}
	if st.sess.Status != from {
		st.mu.Unlock()
		return ErrSessionPaused
	}
	st.sess.Status = to
	cp := st.sess
	st.mu.Unlock()

	s.persistSession(ctx, &cp)
	s.emit(ctx, newEvent(token, evType, CatLifecycle, SevInfo, actorID, nil))
	return nil
}

func (s *InMemoryService) EndSession(ctx context.Context, token string, actorID uint64) error {
	st, err := s.state(ctx, token)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.sess.Status == StatusEnded {
		st.mu.Unlock()
		return ErrSessionClosed
	}
	if _, err := requireAdmin(st, actorID); err != nil {
		st.mu.Unlock()
		return err
	}
	s.endLocked(st, actorID)
	st.mu.Unlock()
	return nil
}

// endLocked 调用方持有 st.mu。ended 是吸收态：此后一切修改动作报 SESSION_CLOSED。
func (s *InMemoryService) endLocked(st *sessionState, actorID uint64) {
	st.sess.Status = StatusEnded
	st.sess.EndedAt = time.Now()
	cp := st.sess
	finalContent := st.buf.String()

	go func() {
		bg := context.Background()
		s.persistSession(bg, &cp)
		// 终局快照：归档读不再需要重放日志
		if s.snapStore != nil {
			if err := s.snapStore.SaveSessionSnapshot(bg, cp.Token, cp.CurrentVersion, finalContent); err != nil {
				log.Printf("save final snapshot failed token=%s err=%v", cp.Token, err)
			}
		}
		s.emit(bg, newEvent(cp.Token, EvSessionEnded, CatLifecycle, SevInfo, actorID,
			map[string]any{
				"totalEdits":        cp.TotalEdits,
				"totalConflicts":    cp.TotalConflicts,
				"conflictsResolved": cp.ConflictsResolved,
				"finalVersion":      cp.CurrentVersion,
			}))
	}()
}

func (s *InMemoryService) RemoveParticipant(ctx context.Context, token string, actorID, targetID uint64, reason string) error {
	st, err := s.state(ctx, token)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.sess.Status == StatusEnded {
		st.mu.Unlock()
		return ErrSessionClosed
	}
	if _, err := requireAdmin(st, actorID); err != nil {
		st.mu.Unlock()
		return err
	}
	if actorID == targetID {
		st.mu.Unlock()
		return ErrCannotRemoveSelf
	}
	p, ok := st.participants[targetID]
	if !ok || p.Status != PartJoined {
		st.mu.Unlock()
		return ErrNotAParticipant
	}
	p.Status = PartKicked
	p.LeftAt = time.Now()
	cp := *p
	st.mu.Unlock()

	s.persistParticipant(ctx, &cp)
	if s.presence != nil {
		_ = s.presence.RemoveMember(ctx, token, targetID)
	}
	s.emit(ctx, newEvent(token, EvParticipantKicked, CatMember, SevWarn, actorID,
		map[string]any{"target": targetID, "reason": reason}))
	return nil
}

func (s *InMemoryService) ChangePermission(ctx context.Context, token string, actorID, targetID uint64, perm Permission) error {
	if permRank(perm) == 0 {
		return ErrPermissionDenied
	}
	st, err := s.state(ctx, token)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.sess.Status == StatusEnded {
		st.mu.Unlock()
		return ErrSessionClosed
	}
	if _, err := requireAdmin(st, actorID); err != nil {
		st.mu.Unlock()
		return err
	}
	p, ok := st.participants[targetID]
	if !ok || p.Status != PartJoined {
		st.mu.Unlock()
		return ErrNotAParticipant
	}
	old := p.Permission
	p.Permission = perm
	cp := *p
	st.mu.Unlock()

	s.persistParticipant(ctx, &cp)
	s.emit(ctx, newEvent(token, EvPermissionChanged, CatMember, SevInfo, actorID,
		map[string]any{"target": targetID, "from": old, "to": perm}))
	return nil
}

func (s *InMemoryService) Invite(ctx context.Context, token string, actorID, inviteeID uint64, perm Permission) error {
	st, err := s.state(ctx, token)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.sess.Status == StatusEnded {
		st.mu.Unlock()
		return ErrSessionClosed
	}
	if _, err := requireAdmin(st, actorID); err != nil {
		st.mu.Unlock()
		return err
	}
	if permRank(perm) == 0 {
		perm = st.sess.Settings.DefaultPermission
	}
	st.invites[inviteeID] = perm
	st.mu.Unlock()

	s.emit(ctx, newEvent(token, EvInviteSent, CatMember, SevInfo, actorID,
		map[string]any{"invitee": inviteeID, "permission": perm}))
	return nil
}

// ---- 操作提交（排序主干） ----

// Submit 是会话内唯一需要真互斥的路径：seq 分配 + rebase 判定 + 应用
// 必须在同一把锁里完成。开始执行后不再中途取消——要么 applied 要么 conflicted。
func (s *InMemoryService) Submit(ctx context.Context, token string, authorID uint64, baseSeq uint64, clientID string, clientSeq uint64, ops delta.Delta) (*EditOperation, error) {
	if !ops.Valid() {
		return nil, ErrInvalidOperationTarget
	}
	st, err := s.state(ctx, token)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	switch st.sess.Status {
	case StatusEnded:
		return nil, ErrSessionClosed
	case StatusPaused:
		return nil, ErrSessionPaused
	}

	p, ok := st.participants[authorID]
	if !ok || p.Status != PartJoined {
		return nil, ErrNotAParticipant
	}
	if !p.Permission.CanEdit() {
		return nil, ErrPermissionDenied
	}

	// 去重窗口按 clientID 分槽，空串会让所有客户端互相吞结果
	if clientID == "" {
		return nil, ErrMissingClientID
	}

	// 幂等/去重：同一 clientSeq 重发直接返回上次结果，不会二次应用
	if last, ok := st.lastSeqByClient[clientID]; ok {
		if clientSeq == last {
			cp := *st.lastOpByClient[clientID]
			return &cp, nil
		}
		if clientSeq < last {
			return nil, ErrDuplicateOrOutOfOrder
		}
	}

	top := st.seqBase + uint64(len(st.ops))
	if baseSeq > top || baseSeq < st.seqBase {
		// 基于未来版本或早于内存日志起点的提交都无从 rebase
		return nil, ErrInvalidOperationTarget
	}

	// gap：客户端没见过的那段已应用操作
	gapOps := st.ops[baseSeq-st.seqBase:]
	gap := make([]ot.AppliedView, len(gapOps))
	for i, g := range gapOps {
		gap[i] = g.view()
	}

	now := time.Now()
	res := ot.Rebase(ops, now, authorID, gap, st.buf.Len())

	op := &EditOperation{
		OperationID:  fmt.Sprintf("o-%d", now.UnixNano()),
		SessionToken: token,
		AuthorID:     authorID,
		ClientID:     clientID,
		ClientSeq:    clientSeq,
		BaseVersion:  baseSeq,
		Ops:          append(delta.Delta(nil), ops...),
		Lineage:      res.Lineage,
		SubmittedAt:  now,
	}
	if len(gapOps) > 0 {
		op.ParentID = gapOps[len(gapOps)-1].OperationID
	}
	if res.Transformed {
		op.Transformed = true
		op.TransformedOps = res.Ops
	}

	if !res.Conflicted {
		if err := st.buf.Apply(res.Ops); err != nil {
			// rebase 结果应用失败：降级为冲突而不是让整个会话挂掉
			res.Conflicted = true
			res.Detail = &ot.ConflictDetail{Reason: "apply failed: " + err.Error()}
		}
	}

	if res.Conflicted {
		op.Status = OpConflicted
		op.Conflict = res.Detail
		st.conflicted[op.OperationID] = op
		st.sess.TotalConflicts++
	} else {
		// 推进排序主干：seq 无空洞，版本号对齐到最新 seq
		op.Seq = top + 1
		op.Status = OpApplied
		op.AppliedAt = now
		st.ops = append(st.ops, op)
		st.sess.CurrentVersion = op.Seq
		st.sess.TotalEdits++
		p.EditCount++
	}
	st.lastSeqByClient[clientID] = clientSeq
	st.lastOpByClient[clientID] = op

	cp := *op
	sessCp := st.sess
	go func() {
		bg := context.Background()
		if s.opStore != nil {
			if err := s.opStore.AppendOperation(bg, &cp); err != nil {
				log.Printf("append operation failed op=%s err=%v", cp.OperationID, err)
			}
		}
		s.persistSession(bg, &sessCp)
		if cp.Status == OpApplied {
			s.emit(bg, newEvent(token, EvOpApplied, CatEdit, SevInfo, authorID,
				map[string]any{"operationId": cp.OperationID, "seq": cp.Seq}))
		} else {
			s.emit(bg, eventForConflict(token, &cp))
		}
	}()

	if op.Status == OpConflicted {
		// 会话级默认策略决定冲突的后续命运
		switch st.sess.Settings.Strategy {
		case StrategyLWW:
			s.resolveLWWLocked(ctx, st, op, SystemActorID)
		case StrategyManual:
			s.emit(ctx, newEvent(token, EvConflictReview, CatConflict, SevWarn, authorID,
				map[string]any{"operationId": op.OperationID}))
		}
		// StrategyOT：提交时已经对最新状态 rebase 过，原样挂起等重试/人工
	}

	cp2 := *op
	return &cp2, nil
}

func eventForConflict(token string, op *EditOperation) CollaborationEvent {
	payload := map[string]any{"operationId": op.OperationID}
	if op.Conflict != nil {
		payload["reason"] = op.Conflict.Reason
		payload["collidingOps"] = op.Conflict.CollidingOps
	}
	return newEvent(token, EvOpConflicted, CatConflict, SevWarn, op.AuthorID, payload)
}

// ---- 读路径 ----

func (s *InMemoryService) GetSession(ctx context.Context, token string) (*Session, error) {
	st, err := s.state(ctx, token)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	cp := st.sess
	return &cp, nil
}

func (s *InMemoryService) SessionForDoc(ctx context.Context, doc DocRef) (*Session, error) {
	s.mu.RLock()
	tok, ok := s.activeByDoc[doc]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.GetSession(ctx, tok)
}

func (s *InMemoryService) Participants(ctx context.Context, token string) ([]Participant, error) {
	st, err := s.state(ctx, token)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Participant, 0, len(st.participants))
	for _, p := range st.participants {
		out = append(out, *p)
	}
	return out, nil
}

func (s *InMemoryService) Content(ctx context.Context, token string) (string, uint64, error) {
	st, err := s.state(ctx, token)
	if err != nil {
		return "", 0, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.buf.String(), st.sess.CurrentVersion, nil
}

// OpsSince 返回 fromSeq 之后的已应用操作，用于客户端追平
func (s *InMemoryService) OpsSince(ctx context.Context, token string, fromSeq uint64, limit int) ([]EditOperation, error) {
	st, err := s.state(ctx, token)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()

	var out []EditOperation
	for _, op := range st.ops {
		if op.Seq > fromSeq {
			out = append(out, *op)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryService) PendingConflicts(ctx context.Context, token string) ([]EditOperation, error) {
	st, err := s.state(ctx, token)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]EditOperation, 0, len(st.conflicted))
	for _, op := range st.conflicted {
		out = append(out, *op)
	}
	return out, nil
}

// Events 按时间倒序取会话事件（审计/排障）
func (s *InMemoryService) Events(ctx context.Context, token string, limit int) ([]CollaborationEvent, error) {
	if s.eventStore == nil {
		return nil, nil
	}
	if _, err := s.state(ctx, token); err != nil {
		return nil, err
	}
	return s.eventStore.ListBySession(ctx, token, limit)
}

// ---- 快照 ----

// SaveSnapshot 读锁下取内容，落盘在锁外进行：快照不阻塞新操作提交
func (s *InMemoryService) SaveSnapshot(ctx context.Context, token string) error {
	if s.snapStore == nil {
		return fmt.Errorf("snapshot store not initialized")
	}
	st, err := s.state(ctx, token)
	if err != nil {
		return err
	}
	st.mu.RLock()
	content := st.buf.String()
	seq := st.sess.CurrentVersion
	st.mu.RUnlock()

	if err := s.snapStore.SaveSessionSnapshot(ctx, token, seq, content); err != nil {
		return err
	}

	st.mu.Lock()
	if seq > st.sess.SnapshotSeq {
		st.sess.SnapshotSeq = seq
		st.sess.SnapshotAt = time.Now()
	}
	st.mu.Unlock()
	return nil
}

// StartAutoSave 起一个后台循环，按会话各自的间隔做周期快照
func (s *InMemoryService) StartAutoSave(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.autoSaveSweep(ctx)
			}
		}
	}()
}

func (s *InMemoryService) autoSaveSweep(ctx context.Context) {
	s.mu.RLock()
	tokens := make([]string, 0, len(s.sessions))
	for tok := range s.sessions {
		tokens = append(tokens, tok)
	}
	s.mu.RUnlock()

	for _, tok := range tokens {
		s.mu.RLock()
		st := s.sessions[tok]
		s.mu.RUnlock()
		if st == nil {
			continue
		}
		st.mu.RLock()
		due := st.sess.Status == StatusActive &&
			st.sess.Settings.AutoSave &&
			st.sess.CurrentVersion > st.sess.SnapshotSeq &&
			time.Since(st.sess.SnapshotAt) >= st.sess.Settings.AutoSaveInterval
		st.mu.RUnlock()
		if !due {
			continue
		}
		if err := s.SaveSnapshot(ctx, tok); err != nil {
			log.Printf("auto-save snapshot failed token=%s err=%v", tok, err)
		}
	}
}

// ---- 在场数据（不走会话写锁，最终一致） ----

func (s *InMemoryService) Heartbeat(ctx context.Context, token string, userID uint64) error {
	st, err := s.state(ctx, token)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.sess.Status == StatusEnded {
		st.mu.Unlock()
		return ErrSessionClosed
	}
	p, ok := st.participants[userID]
	if !ok || p.Status != PartJoined {
		st.mu.Unlock()
		return ErrNotAParticipant
	}
	p.LastSeenAt = time.Now()
	cp := *p
	ttl := st.sess.Settings.HeartbeatTTL
	st.mu.Unlock()

	if s.presence != nil {
		return s.presence.Heartbeat(ctx, token, cp.UserID, cp.Username, ttl)
	}
	return nil
}

// UpdateCursor upsert 语义：永远覆盖 (会话,用户) 的那一行
func (s *InMemoryService) UpdateCursor(ctx context.Context, token string, userID uint64, cur CursorPosition) error {
	st, err := s.state(ctx, token)
	if err != nil {
		return err
	}
	st.mu.Lock()
	if st.sess.Status == StatusEnded {
		st.mu.Unlock()
		return ErrSessionClosed
	}
	p, ok := st.participants[userID]
	if !ok || p.Status != PartJoined {
		st.mu.Unlock()
		return ErrNotAParticipant
	}
	p.CursorMoves++
	cur.MoveCount = p.CursorMoves
	cur.Color = p.Color
	cur.MovedAt = time.Now().UnixMilli()
	ttl := st.sess.Settings.HeartbeatTTL
	st.mu.Unlock()

	if s.presence == nil {
		return nil
	}
	b, err := json.Marshal(cur)
	if err != nil {
		return err
	}
	return s.presence.SetCursor(ctx, token, userID, b, ttl)
}

func (s *InMemoryService) SetTyping(ctx context.Context, token string, userID uint64, typing bool) error {
	st, err := s.state(ctx, token)
	if err != nil {
		return err
	}
	st.mu.RLock()
	ended := st.sess.Status == StatusEnded
	p, ok := st.participants[userID]
	joined := ok && p.Status == PartJoined
	ttl := st.sess.Settings.HeartbeatTTL
	st.mu.RUnlock()
	if ended {
		return ErrSessionClosed
	}
	if !joined {
		return ErrNotAParticipant
	}
	if s.presence == nil {
		return nil
	}
	return s.presence.SetTyping(ctx, token, userID, typing, ttl)
}

func (s *InMemoryService) AliveMembers(ctx context.Context, token string) ([]cache.PresenceMember, error) {
	if s.presence == nil {
		return nil, nil
	}
	return s.presence.AliveMembers(ctx, token)
}

func (s *InMemoryService) Cursors(ctx context.Context, token string) (map[uint64]CursorPosition, error) {
	if s.presence == nil {
		return nil, nil
	}
	raw, err := s.presence.AllCursors(ctx, token)
	if err != nil {
		return nil, err
	}
	out := make(map[uint64]CursorPosition, len(raw))
	for uid, b := range raw {
		var cur CursorPosition
		if err := json.Unmarshal(b, &cur); err != nil {
			continue
		}
		out[uid] = cur
	}
	return out, nil
}

// ---- 内部 ----

func (s *InMemoryService) canJoin(ctx context.Context, userID uint64, doc DocRef) (bool, error) {
	if s.authz == nil {
		return true, nil
	}
	return s.authz.CanJoin(ctx, userID, doc)
}

// requireAdmin 调用方持有 st.mu
func requireAdmin(st *sessionState, actorID uint64) (*Participant, error) {
	p, ok := st.participants[actorID]
	if !ok || p.Status != PartJoined {
		return nil, ErrNotAParticipant
	}
	if !p.Permission.CanAdmin() {
		return nil, ErrPermissionDenied
	}
	return p, nil
}

// state 取会话内存态；不在内存时从快照+日志重建（singleflight 防击穿）
func (s *InMemoryService) state(ctx context.Context, token string) (*sessionState, error) {
	s.mu.RLock()
	st := s.sessions[token]
	s.mu.RUnlock()
	if st != nil {
		return st, nil
	}

	v, err, _ := s.sf.Do(token, func() (any, error) {
		return s.rehydrate(ctx, token)
	})
	if err != nil {
		return nil, err
	}
	return v.(*sessionState), nil
}

func (s *InMemoryService) rehydrate(ctx context.Context, token string) (*sessionState, error) {
	// 重建期间可能已有别的 goroutine 放进去了
	s.mu.RLock()
	if st := s.sessions[token]; st != nil {
		s.mu.RUnlock()
		return st, nil
	}
	s.mu.RUnlock()

	if s.store == nil || s.snapStore == nil {
		return nil, ErrSessionNotFound
	}
	sess, parts, err := s.store.LoadSession(ctx, token)
	if err != nil {
		return nil, err
	}
	content, snapSeq, err := s.snapStore.LoadLatestSnapshot(ctx, token)
	if err != nil {
		return nil, err
	}

	st := &sessionState{
		sess:            *sess,
		participants:    make(map[uint64]*Participant, len(parts)),
		invites:         make(map[uint64]Permission),
		conflicted:      make(map[string]*EditOperation),
		lastSeqByClient: make(map[string]uint64),
		lastOpByClient:  make(map[string]*EditOperation),
		buf:             NewPieceTable(content),
		seqBase:         snapSeq,
		joinSeq:         len(parts),
	}
	for i := range parts {
		p := parts[i]
		st.participants[p.UserID] = &p
	}

	// 快照之后的增量日志回放
	if s.opStore != nil {
		ops, err := s.opStore.ListApplied(ctx, token, snapSeq, 0)
		if err != nil {
			return nil, err
		}
		for i := range ops {
			op := ops[i]
			if err := st.buf.Apply(op.AppliedOps()); err != nil {
				return nil, fmt.Errorf("replay op %s: %w", op.OperationID, err)
			}
			st.ops = append(st.ops, &op)
			st.lastSeqByClient[op.ClientID] = op.ClientSeq
			st.lastOpByClient[op.ClientID] = &op
		}
	}

	s.mu.Lock()
	s.sessions[token] = st
	if st.sess.Status != StatusEnded {
		s.activeByDoc[st.sess.Doc] = token
	}
	s.mu.Unlock()
	return st, nil
}

func (s *InMemoryService) persistSession(ctx context.Context, sess *Session) {
	if s.store == nil {
		return
	}
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		log.Printf("update session failed token=%s err=%v", sess.Token, err)
	}
}

func (s *InMemoryService) persistParticipant(ctx context.Context, p *Participant) {
	if s.store == nil {
		return
	}
	if err := s.store.UpdateParticipant(ctx, p); err != nil {
		log.Printf("update participant failed token=%s user=%d err=%v", p.SessionToken, p.UserID, err)
	}
}

func (s *InMemoryService) touchPresence(ctx context.Context, p *Participant, ttl time.Duration) {
	if s.presence == nil {
		return
	}
	if err := s.presence.Heartbeat(ctx, p.SessionToken, p.UserID, p.Username, ttl); err != nil {
		log.Printf("presence heartbeat failed token=%s user=%d err=%v", p.SessionToken, p.UserID, err)
	}
}
