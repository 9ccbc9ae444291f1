package ws

import (
	"testing"
	"time"

	"eduCollab/backend/internal/collab"
	"eduCollab/backend/internal/ot/delta"
)

func testConn(hub *Hub, userID uint64) *Conn {
	return NewConn(nil, hub, userID, "tester", nil, nil)
}

func recv(t *testing.T, c *Conn) OutboundMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestHub_BroadcastAppliedSkipsSender(t *testing.T) {
	hub := NewHub()
	a := testConn(hub, 1)
	b := testConn(hub, 2)
	hub.Join("cs-1", a)
	hub.Join("cs-1", b)

	op := &collab.EditOperation{
		OperationID: "o-1",
		Seq:         3,
		AuthorID:    1,
		Ops:         delta.Delta{{Kind: delta.KindInsert, Pos: 0, Text: "x"}},
		Status:      collab.OpApplied,
	}
	hub.BroadcastApplied("cs-1", a, op)

	msg, ok := recv(t, b).(OpBroadcastMessage)
	if !ok || msg.Type != "op_broadcast" || msg.Seq != 3 {
		t.Fatalf("got %+v, want op_broadcast seq=3", msg)
	}
	select {
	case m := <-a.send:
		t.Fatalf("sender received its own broadcast: %+v", m)
	default:
	}
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	hub := NewHub()
	a := testConn(hub, 1)
	hub.Join("cs-1", a)
	hub.Leave("cs-1", a)

	hub.BroadcastPresence("cs-1", []PresenceMember{{UserID: 1}})
	select {
	case m := <-a.send:
		t.Fatalf("left connection received: %+v", m)
	default:
	}
}

func TestHub_BroadcastAfterConnShutdownDoesNotPanic(t *testing.T) {
	hub := NewHub()
	a := testConn(hub, 1)
	hub.Join("cs-1", a)

	// 读循环退出顺序是 Leave 再关通道，但广播方可能拿着
	// 更早的房间快照。通道关了之后的投递必须静默丢弃，
	// 否则后台 goroutine 里的广播 panic 会带倒整个进程。
	a.shutdown()
	hub.BroadcastEvent(collab.CollaborationEvent{
		SessionToken: "cs-1",
		EventType:    "session_ended",
		Category:     "lifecycle",
	})
	hub.Leave("cs-1", a)

	if _, ok := <-a.send; ok {
		t.Fatal("message delivered after shutdown")
	}
	a.shutdown() // 幂等
}

func TestHub_BroadcastEventReachesRoom(t *testing.T) {
	hub := NewHub()
	a := testConn(hub, 1)
	b := testConn(hub, 2)
	hub.Join("cs-9", a)
	hub.Join("cs-9", b)

	hub.BroadcastEvent(collab.CollaborationEvent{
		SessionToken: "cs-9",
		EventType:    "session_paused",
		Category:     "lifecycle",
	})
	for _, c := range []*Conn{a, b} {
		msg, ok := recv(t, c).(SessionEventMessage)
		if !ok || msg.EventType != "session_paused" {
			t.Fatalf("got %+v, want session_paused event", msg)
		}
	}
}
