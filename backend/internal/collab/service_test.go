package collab

import (
	"context"
	"errors"
	"testing"

	"eduCollab/backend/internal/ot/delta"
)

type fixedContent string

func (f fixedContent) LoadContent(_ context.Context, _ DocRef) (string, error) {
	return string(f), nil
}

var (
	alice = Identity{ID: 1, Username: "alice"}
	bob   = Identity{ID: 2, Username: "bob"}
	carol = Identity{ID: 3, Username: "carol"}
)

func newTestSession(t *testing.T, content string, settings SessionSettings) (*InMemoryService, *Session) {
	t.Helper()
	svc := NewInMemoryService(Deps{Content: fixedContent(content)})
	sess, err := svc.CreateSession(context.Background(), DocRef{Kind: DocNote, ID: 42}, alice, settings)
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return svc, sess
}

func ins(pos int, text string) delta.Delta {
	return delta.Delta{{Kind: delta.KindInsert, Pos: pos, Text: text}}
}

func del(pos, n int) delta.Delta {
	return delta.Delta{{Kind: delta.KindDelete, Pos: pos, Len: n}}
}

func TestCreateSession_CreatorIsAdmin(t *testing.T) {
	svc, sess := newTestSession(t, "hello", SessionSettings{})
	ctx := context.Background()

	if sess.Status != StatusActive {
		t.Fatalf("Status = %v, want active", sess.Status)
	}
	if sess.Settings.Strategy != StrategyOT {
		t.Fatalf("default Strategy = %v, want %v", sess.Settings.Strategy, StrategyOT)
	}

	parts, err := svc.Participants(ctx, sess.Token)
	if err != nil {
		t.Fatalf("Participants() error = %v", err)
	}
	if len(parts) != 1 || parts[0].UserID != alice.ID || parts[0].Permission != PermAdmin {
		t.Fatalf("Participants() = %+v, want single admin creator", parts)
	}
}

func TestCreateSession_SecondSessionRejected(t *testing.T) {
	svc, _ := newTestSession(t, "", SessionSettings{})
	_, err := svc.CreateSession(context.Background(), DocRef{Kind: DocNote, ID: 42}, bob, SessionSettings{})
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("CreateSession() error = %v, want %v", err, ErrAlreadyActive)
	}
}

func TestJoin_CapacityAndIdempotentRejoin(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{MaxParticipants: 2})
	ctx := context.Background()

	p, err := svc.JoinSession(ctx, sess.Token, bob, "")
	if err != nil {
		t.Fatalf("JoinSession(bob) error = %v", err)
	}
	if p.Permission != PermEditor {
		t.Fatalf("bob permission = %v, want editor (session default)", p.Permission)
	}

	if _, err := svc.JoinSession(ctx, sess.Token, carol, ""); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("JoinSession(carol) error = %v, want %v", err, ErrCapacityExceeded)
	}

	// 重复加入幂等，不占新名额
	p2, err := svc.JoinSession(ctx, sess.Token, bob, "")
	if err != nil {
		t.Fatalf("rejoin error = %v", err)
	}
	if p2.Color != p.Color {
		t.Fatalf("rejoin color = %v, want stable %v", p2.Color, p.Color)
	}
}

func TestJoin_LeftParticipantRejoinRespectsCapacity(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{MaxParticipants: 2})
	ctx := context.Background()

	if _, err := svc.JoinSession(ctx, sess.Token, bob, ""); err != nil {
		t.Fatalf("JoinSession(bob) error = %v", err)
	}
	if err := svc.LeaveSession(ctx, sess.Token, bob.ID); err != nil {
		t.Fatalf("LeaveSession(bob) error = %v", err)
	}
	// bob 空出的名额被 carol 占走
	if _, err := svc.JoinSession(ctx, sess.Token, carol, ""); err != nil {
		t.Fatalf("JoinSession(carol) error = %v", err)
	}

	if _, err := svc.JoinSession(ctx, sess.Token, bob, ""); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("rejoin after slot taken error = %v, want %v", err, ErrCapacityExceeded)
	}

	parts, _ := svc.Participants(ctx, sess.Token)
	joined := 0
	for _, p := range parts {
		if p.Status == PartJoined {
			joined++
		}
	}
	if joined != 2 {
		t.Fatalf("joined = %d, want 2 (max participants)", joined)
	}
}

func TestJoin_RequestedPermissionIsCapped(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{DefaultPermission: PermViewer})
	p, err := svc.JoinSession(context.Background(), sess.Token, bob, PermAdmin)
	if err != nil {
		t.Fatalf("JoinSession() error = %v", err)
	}
	if p.Permission != PermViewer {
		t.Fatalf("permission = %v, want capped to viewer", p.Permission)
	}
}

func TestInvite_GrantsInvitedPermission(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{DefaultPermission: PermViewer})
	ctx := context.Background()

	if err := svc.Invite(ctx, sess.Token, alice.ID, bob.ID, PermEditor); err != nil {
		t.Fatalf("Invite() error = %v", err)
	}
	p, err := svc.JoinSession(ctx, sess.Token, bob, "")
	if err != nil {
		t.Fatalf("JoinSession() error = %v", err)
	}
	if p.Permission != PermEditor || p.InvitedBy != alice.ID {
		t.Fatalf("participant = %+v, want invited editor", p)
	}
}

func TestSubmit_GapFreeSequence(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{})
	ctx := context.Background()
	_, _ = svc.JoinSession(ctx, sess.Token, bob, "")

	for i := 0; i < 5; i++ {
		cur, _, _ := svc.Content(ctx, sess.Token)
		author := alice.ID
		client := "c-a"
		if i%2 == 1 {
			author = bob.ID
			client = "c-b"
		}
		s, _ := svc.GetSession(ctx, sess.Token)
		op, err := svc.Submit(ctx, sess.Token, author, s.CurrentVersion, client, uint64(i/2+1), ins(len([]rune(cur)), "x"))
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		if op.Seq != uint64(i+1) {
			t.Fatalf("Submit(%d) seq = %d, want %d", i, op.Seq, i+1)
		}
	}
	content, ver, _ := svc.Content(ctx, sess.Token)
	if content != "xxxxx" || ver != 5 {
		t.Fatalf("Content() = (%q, %d), want (\"xxxxx\", 5)", content, ver)
	}
}

func TestSubmit_ConcurrentInsertsConverge(t *testing.T) {
	svc, sess := newTestSession(t, "Hello", SessionSettings{})
	ctx := context.Background()
	_, _ = svc.JoinSession(ctx, sess.Token, bob, "")

	// 两人都基于版本0提交
	opA, err := svc.Submit(ctx, sess.Token, alice.ID, 0, "c-a", 1, ins(0, "A"))
	if err != nil {
		t.Fatalf("Submit(A) error = %v", err)
	}
	opB, err := svc.Submit(ctx, sess.Token, bob.ID, 0, "c-b", 1, ins(5, " world"))
	if err != nil {
		t.Fatalf("Submit(B) error = %v", err)
	}
	if opA.Seq != 1 || opB.Seq != 2 {
		t.Fatalf("seqs = (%d, %d), want (1, 2)", opA.Seq, opB.Seq)
	}
	if !opB.Transformed {
		t.Fatal("opB should be transformed against opA")
	}
	content, _, _ := svc.Content(ctx, sess.Token)
	if content != "AHello world" {
		t.Fatalf("Content() = %q, want \"AHello world\"", content)
	}
}

func TestSubmit_ViewerCannotEdit(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{DefaultPermission: PermViewer})
	ctx := context.Background()
	_, _ = svc.JoinSession(ctx, sess.Token, bob, "")

	_, err := svc.Submit(ctx, sess.Token, bob.ID, 0, "c-b", 1, ins(0, "x"))
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Submit() error = %v, want %v", err, ErrPermissionDenied)
	}
}

func TestSubmit_NonParticipantRejected(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{})
	_, err := svc.Submit(context.Background(), sess.Token, carol.ID, 0, "c-c", 1, ins(0, "x"))
	if !errors.Is(err, ErrNotAParticipant) {
		t.Fatalf("Submit() error = %v, want %v", err, ErrNotAParticipant)
	}
}

func TestSubmit_IdempotentResubmission(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{})
	ctx := context.Background()

	op1, err := svc.Submit(ctx, sess.Token, alice.ID, 0, "c-a", 1, ins(0, "x"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	// 客户端没收到 ack，原样重发
	op2, err := svc.Submit(ctx, sess.Token, alice.ID, 0, "c-a", 1, ins(0, "x"))
	if err != nil {
		t.Fatalf("resubmit error = %v", err)
	}
	if op2.OperationID != op1.OperationID || op2.Seq != op1.Seq {
		t.Fatalf("resubmit = %+v, want cached %+v", op2, op1)
	}
	content, _, _ := svc.Content(ctx, sess.Token)
	if content != "x" {
		t.Fatalf("Content() = %q, resubmission must not double-apply", content)
	}

	// 回退的 clientSeq 是异常
	if _, err := svc.Submit(ctx, sess.Token, alice.ID, 1, "c-a", 0, ins(0, "y")); !errors.Is(err, ErrDuplicateOrOutOfOrder) {
		t.Fatalf("stale clientSeq error = %v, want %v", err, ErrDuplicateOrOutOfOrder)
	}
}

func TestSubmit_MissingClientIDRejected(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{})
	ctx := context.Background()
	_, _ = svc.JoinSession(ctx, sess.Token, bob, "")

	// 空 clientID 会让所有客户端共享一个去重槽：bob 的首个提交
	// 可能被 alice 的缓存结果应答
	if _, err := svc.Submit(ctx, sess.Token, alice.ID, 0, "", 1, ins(0, "x")); !errors.Is(err, ErrMissingClientID) {
		t.Fatalf("Submit(empty clientID) error = %v, want %v", err, ErrMissingClientID)
	}
	if _, err := svc.Submit(ctx, sess.Token, alice.ID, 0, "c-a", 1, ins(0, "x")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	op, err := svc.Submit(ctx, sess.Token, bob.ID, 1, "c-b", 1, ins(1, "y"))
	if err != nil {
		t.Fatalf("Submit(bob) error = %v", err)
	}
	if op.AuthorID != bob.ID {
		t.Fatalf("AuthorID = %d, want %d (no cross-client dedup)", op.AuthorID, bob.ID)
	}
}

func TestSubmit_PausedAndEndedSessions(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{})
	ctx := context.Background()

	if err := svc.PauseSession(ctx, sess.Token, alice.ID); err != nil {
		t.Fatalf("PauseSession() error = %v", err)
	}
	if _, err := svc.Submit(ctx, sess.Token, alice.ID, 0, "c-a", 1, ins(0, "x")); !errors.Is(err, ErrSessionPaused) {
		t.Fatalf("Submit() on paused error = %v, want %v", err, ErrSessionPaused)
	}

	if err := svc.ResumeSession(ctx, sess.Token, alice.ID); err != nil {
		t.Fatalf("ResumeSession() error = %v", err)
	}
	if _, err := svc.Submit(ctx, sess.Token, alice.ID, 0, "c-a", 1, ins(0, "x")); err != nil {
		t.Fatalf("Submit() after resume error = %v", err)
	}

	if err := svc.EndSession(ctx, sess.Token, alice.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	// ended 是吸收态
	if err := svc.ResumeSession(ctx, sess.Token, alice.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("ResumeSession() on ended error = %v, want %v", err, ErrSessionClosed)
	}
	if _, err := svc.Submit(ctx, sess.Token, alice.ID, 1, "c-a", 2, ins(0, "x")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Submit() on ended error = %v, want %v", err, ErrSessionClosed)
	}
}

func TestPresence_RejectedAfterEnd(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{})
	ctx := context.Background()

	if err := svc.EndSession(ctx, sess.Token, alice.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}

	// 结束后会话只剩归档读取，在场数据也不再可写
	if err := svc.Heartbeat(ctx, sess.Token, alice.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Heartbeat() on ended error = %v, want %v", err, ErrSessionClosed)
	}
	if err := svc.UpdateCursor(ctx, sess.Token, alice.ID, CursorPosition{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("UpdateCursor() on ended error = %v, want %v", err, ErrSessionClosed)
	}
	if err := svc.SetTyping(ctx, sess.Token, alice.ID, true); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("SetTyping() on ended error = %v, want %v", err, ErrSessionClosed)
	}
}

func TestPause_RequiresAdmin(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{})
	ctx := context.Background()
	_, _ = svc.JoinSession(ctx, sess.Token, bob, "")

	if err := svc.PauseSession(ctx, sess.Token, bob.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("PauseSession(bob) error = %v, want %v", err, ErrPermissionDenied)
	}
}

func TestRemoveParticipant(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{})
	ctx := context.Background()
	_, _ = svc.JoinSession(ctx, sess.Token, bob, "")

	if err := svc.RemoveParticipant(ctx, sess.Token, alice.ID, alice.ID, ""); !errors.Is(err, ErrCannotRemoveSelf) {
		t.Fatalf("self-remove error = %v, want %v", err, ErrCannotRemoveSelf)
	}
	if err := svc.RemoveParticipant(ctx, sess.Token, alice.ID, bob.ID, "disruptive"); err != nil {
		t.Fatalf("RemoveParticipant() error = %v", err)
	}
	// 被踢者不能直接回来
	if _, err := svc.JoinSession(ctx, sess.Token, bob, ""); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("kicked rejoin error = %v, want %v", err, ErrPermissionDenied)
	}
}

func TestLeave_EndWhenEmpty(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{EndWhenEmpty: true})
	ctx := context.Background()

	if err := svc.LeaveSession(ctx, sess.Token, alice.ID); err != nil {
		t.Fatalf("LeaveSession() error = %v", err)
	}
	got, err := svc.GetSession(ctx, sess.Token)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %v, want ended after last leave", got.Status)
	}
}

func TestSubmit_ReplaceTargetDeletedConflicts(t *testing.T) {
	svc, sess := newTestSession(t, "abcdef", SessionSettings{})
	ctx := context.Background()
	_, _ = svc.JoinSession(ctx, sess.Token, bob, "")

	if _, err := svc.Submit(ctx, sess.Token, alice.ID, 0, "c-a", 1, del(1, 3)); err != nil {
		t.Fatalf("Submit(delete) error = %v", err)
	}
	op, err := svc.Submit(ctx, sess.Token, bob.ID, 0, "c-b", 1,
		delta.Delta{{Kind: delta.KindReplace, Pos: 2, Len: 1, Text: "Z"}})
	if err != nil {
		t.Fatalf("Submit(replace) error = %v", err)
	}
	if op.Status != OpConflicted {
		t.Fatalf("Status = %v, want conflicted", op.Status)
	}
	if op.Seq != 0 {
		t.Fatalf("conflicted op Seq = %d, must not consume a sequence number", op.Seq)
	}

	pending, _ := svc.PendingConflicts(ctx, sess.Token)
	if len(pending) != 1 || pending[0].OperationID != op.OperationID {
		t.Fatalf("PendingConflicts() = %+v, want the conflicted op", pending)
	}

	s, _ := svc.GetSession(ctx, sess.Token)
	if s.TotalConflicts != 1 {
		t.Fatalf("TotalConflicts = %d, want 1", s.TotalConflicts)
	}
}

func TestResolveConflict_DiscardRequiresAdmin(t *testing.T) {
	svc, sess := newTestSession(t, "abcdef", SessionSettings{})
	ctx := context.Background()
	_, _ = svc.JoinSession(ctx, sess.Token, bob, "")

	_, _ = svc.Submit(ctx, sess.Token, alice.ID, 0, "c-a", 1, del(1, 3))
	op, _ := svc.Submit(ctx, sess.Token, bob.ID, 0, "c-b", 1,
		delta.Delta{{Kind: delta.KindReplace, Pos: 2, Len: 1, Text: "Z"}})

	if _, err := svc.ResolveConflict(ctx, sess.Token, bob.ID, op.OperationID, StrategyDiscard); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("ResolveConflict(editor, discard) error = %v, want %v", err, ErrPermissionDenied)
	}

	resolved, err := svc.ResolveConflict(ctx, sess.Token, alice.ID, op.OperationID, StrategyDiscard)
	if err != nil {
		t.Fatalf("ResolveConflict(admin, discard) error = %v", err)
	}
	if resolved.Status != OpRejected || resolved.ResolvedBy != alice.ID {
		t.Fatalf("resolved = %+v, want rejected by admin", resolved)
	}

	s, _ := svc.GetSession(ctx, sess.Token)
	if s.ConflictsResolved != 1 {
		t.Fatalf("ConflictsResolved = %d, want 1", s.ConflictsResolved)
	}
}

func TestResolveConflict_AcceptAppliesClamped(t *testing.T) {
	svc, sess := newTestSession(t, "abcdef", SessionSettings{})
	ctx := context.Background()
	_, _ = svc.JoinSession(ctx, sess.Token, bob, "")

	_, _ = svc.Submit(ctx, sess.Token, alice.ID, 0, "c-a", 1, del(1, 3)) // "aef"
	op, _ := svc.Submit(ctx, sess.Token, bob.ID, 0, "c-b", 1,
		delta.Delta{{Kind: delta.KindReplace, Pos: 2, Len: 1, Text: "Z"}})

	resolved, err := svc.ResolveConflict(ctx, sess.Token, alice.ID, op.OperationID, StrategyAccept)
	if err != nil {
		t.Fatalf("ResolveConflict(accept) error = %v", err)
	}
	if resolved.Status != OpApplied {
		t.Fatalf("Status = %v, want applied", resolved.Status)
	}
	if resolved.Seq != 2 {
		t.Fatalf("Seq = %d, resolution should take the next sequence number", resolved.Seq)
	}
	content, _, _ := svc.Content(ctx, sess.Token)
	if content != "aeZ" {
		t.Fatalf("Content() = %q, want \"aeZ\" (replace clamped into \"aef\")", content)
	}
}

func TestResolveConflict_UnknownOperation(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{})
	_, err := svc.ResolveConflict(context.Background(), sess.Token, alice.ID, "o-missing", StrategyDiscard)
	if !errors.Is(err, ErrOperationNotFound) {
		t.Fatalf("ResolveConflict() error = %v, want %v", err, ErrOperationNotFound)
	}
}

func TestResolveConflict_AppliedOperationIsNotResolvable(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{})
	ctx := context.Background()

	op, _ := svc.Submit(ctx, sess.Token, alice.ID, 0, "c-a", 1, ins(0, "x"))
	_, err := svc.ResolveConflict(ctx, sess.Token, alice.ID, op.OperationID, StrategyDiscard)
	if !errors.Is(err, ErrConflictUnresolved) {
		t.Fatalf("ResolveConflict(applied op) error = %v, want %v", err, ErrConflictUnresolved)
	}
}

func TestSessionSettings_LWWAutoResolves(t *testing.T) {
	svc, sess := newTestSession(t, "abcdef", SessionSettings{Strategy: StrategyLWW})
	ctx := context.Background()
	_, _ = svc.JoinSession(ctx, sess.Token, bob, "")

	_, _ = svc.Submit(ctx, sess.Token, alice.ID, 0, "c-a", 1, del(1, 3)) // "aef"
	op, err := svc.Submit(ctx, sess.Token, bob.ID, 0, "c-b", 1,
		delta.Delta{{Kind: delta.KindReplace, Pos: 2, Len: 1, Text: "Z"}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	// 后到者胜：冲突被立刻按 LWW 落地
	if op.Status != OpApplied {
		t.Fatalf("Status = %v, want applied via last-writer-wins", op.Status)
	}
	// 自动解决的留痕记在系统操作者名下
	if op.ResolvedBy != SystemActorID || op.Strategy != StrategyLWW {
		t.Fatalf("ResolvedBy/Strategy = %d/%v, want %d/%v", op.ResolvedBy, op.Strategy, SystemActorID, StrategyLWW)
	}
	pending, _ := svc.PendingConflicts(ctx, sess.Token)
	if len(pending) != 0 {
		t.Fatalf("PendingConflicts() = %d, want 0 after auto-resolve", len(pending))
	}
}

func TestCounters_MatchAppliedOperations(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{})
	ctx := context.Background()
	_, _ = svc.JoinSession(ctx, sess.Token, bob, "")

	_, _ = svc.Submit(ctx, sess.Token, alice.ID, 0, "c-a", 1, ins(0, "ab"))
	_, _ = svc.Submit(ctx, sess.Token, bob.ID, 1, "c-b", 1, ins(2, "cd"))
	_, _ = svc.Submit(ctx, sess.Token, alice.ID, 2, "c-a", 2, ins(4, "ef"))

	s, _ := svc.GetSession(ctx, sess.Token)
	if s.TotalEdits != 3 || s.CurrentVersion != 3 {
		t.Fatalf("TotalEdits=%d CurrentVersion=%d, want 3/3", s.TotalEdits, s.CurrentVersion)
	}
	parts, _ := svc.Participants(ctx, sess.Token)
	var sum uint64
	for _, p := range parts {
		sum += p.EditCount
	}
	if sum != s.TotalEdits {
		t.Fatalf("sum(EditCount) = %d, want %d", sum, s.TotalEdits)
	}
}

func TestOpsSince(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{})
	ctx := context.Background()

	_, _ = svc.Submit(ctx, sess.Token, alice.ID, 0, "c-a", 1, ins(0, "a"))
	_, _ = svc.Submit(ctx, sess.Token, alice.ID, 1, "c-a", 2, ins(1, "b"))
	_, _ = svc.Submit(ctx, sess.Token, alice.ID, 2, "c-a", 3, ins(2, "c"))

	ops, err := svc.OpsSince(ctx, sess.Token, 1, 0)
	if err != nil {
		t.Fatalf("OpsSince() error = %v", err)
	}
	if len(ops) != 2 || ops[0].Seq != 2 || ops[1].Seq != 3 {
		t.Fatalf("OpsSince(1) = %+v, want seqs [2 3]", ops)
	}
}

func TestSubmit_FutureBaseRejected(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{})
	_, err := svc.Submit(context.Background(), sess.Token, alice.ID, 99, "c-a", 1, ins(0, "x"))
	if !errors.Is(err, ErrInvalidOperationTarget) {
		t.Fatalf("Submit(future base) error = %v, want %v", err, ErrInvalidOperationTarget)
	}
}

func TestSessionForDoc(t *testing.T) {
	svc, sess := newTestSession(t, "", SessionSettings{})
	got, err := svc.SessionForDoc(context.Background(), DocRef{Kind: DocNote, ID: 42})
	if err != nil {
		t.Fatalf("SessionForDoc() error = %v", err)
	}
	if got.Token != sess.Token {
		t.Fatalf("SessionForDoc() token = %v, want %v", got.Token, sess.Token)
	}
	if _, err := svc.SessionForDoc(context.Background(), DocRef{Kind: DocQuiz, ID: 7}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("SessionForDoc(unknown) error = %v, want %v", err, ErrSessionNotFound)
	}
}
