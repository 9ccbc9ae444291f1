package ws

import (
	"sync"

	"eduCollab/backend/internal/collab"
)

// Hub 按会话 token 维护房间。
// 房间里存连接而不是 userID：一个用户可开多个标签页/设备，
// 广播要逐连接发，不能只按 userID 发一次。
type Hub struct {
	mu sync.RWMutex
	// token -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Join(token string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[token] == nil {
		h.rooms[token] = make(map[*Conn]struct{})
	}
	h.rooms[token][c] = struct{}{}
}

func (h *Hub) Leave(token string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[token]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, token)
		}
	}
}

func (h *Hub) conns(token string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[token]))
	for c := range h.rooms[token] {
		out = append(out, c)
	}
	return out
}

// BroadcastApplied 把已应用操作推给同会话的其他连接（跳过提交方自己的连接）
func (h *Hub) BroadcastApplied(token string, from *Conn, op *collab.EditOperation) {
	msg := OpBroadcastMessage{
		Type:      "op_broadcast",
		Token:     token,
		Seq:       op.Seq,
		AuthorID:  op.AuthorID,
		ClientId:  op.ClientID,
		ClientSeq: op.ClientSeq,
		Ops:       op.AppliedOps(),
		AppliedAt: op.AppliedAt,
	}
	for _, c := range h.conns(token) {
		if c == from {
			continue
		}
		c.enqueue(msg)
	}
}

func (h *Hub) BroadcastPresence(token string, members []PresenceMember) {
	msg := ServerMessage{Type: "presence", Token: token, Members: members}
	for _, c := range h.conns(token) {
		c.enqueue(msg)
	}
}

func (h *Hub) BroadcastCursor(token string, userID uint64, cur any) {
	msg := ServerMessage{Type: "cursor", Token: token, UserID: userID, Cursor: cur}
	for _, c := range h.conns(token) {
		if c.userID == userID {
			continue
		}
		c.enqueue(msg)
	}
}

// BroadcastEvent 把协作事件转发给房间内所有连接（Relay 的本地腿）
func (h *Hub) BroadcastEvent(evt collab.CollaborationEvent) {
	msg := SessionEventMessage{
		Type:      "session_event",
		Token:     evt.SessionToken,
		EventType: evt.EventType,
		Category:  evt.Category,
		ActorID:   evt.ActorID,
		Payload:   evt.Payload,
		EmittedAt: evt.EmittedAt,
	}
	for _, c := range h.conns(evt.SessionToken) {
		c.enqueue(msg)
	}
}

// FanoutRelay 把事件同时投给本地房间和 Kafka dispatcher。
// 本地腿服务已连接的客户端，Kafka 腿服务跨实例/离线消费方。
type FanoutRelay struct {
	hub   *Hub
	relay collab.Relay
}

func NewFanoutRelay(hub *Hub, relay collab.Relay) *FanoutRelay {
	return &FanoutRelay{hub: hub, relay: relay}
}

func (f *FanoutRelay) Emit(evt collab.CollaborationEvent) {
	if f.hub != nil {
		f.hub.BroadcastEvent(evt)
	}
	if f.relay != nil {
		f.relay.Emit(evt)
	}
}
