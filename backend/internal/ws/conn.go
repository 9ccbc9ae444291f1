package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"eduCollab/backend/internal/collab"
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	token    string // 当前所在会话
	userID   uint64
	username string

	// mu 保护 closed 与 send 的关闭：广播方在 Leave 之前
	// 快照到的连接仍可能 enqueue，不能直接往已关通道里写
	mu     sync.Mutex
	closed bool
	send   chan OutboundMessage
	// 协作引擎服务
	svc collab.Service
	// 信号量控制：限制同时在途的提交数量
	sem *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, username string, svc collab.Service, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		userID:   userID,
		username: username,
		send:     make(chan OutboundMessage, 32),
		svc:      svc,
		sem:      sem,
	}
}

// enqueue 非阻塞入队，队列满直接丢弃（慢连接不拖垮广播方）。
// 连接已关时静默丢弃。
func (c *Conn) enqueue(msg OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// shutdown 关闭出站通道，终止 writeLoop。幂等。
func (c *Conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) fail(err error) {
	c.enqueue(ServerMessage{Type: "error", Code: err.Error()})
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.fail(err)
		return
	}
	defer c.sem.Release()

	op, err := c.svc.Submit(submitCtx, c.token, c.userID,
		msg.BaseSeq, msg.ClientId, msg.ClientSeq, msg.Ops)
	if err != nil {
		c.fail(err)
		return
	}

	if op.Status == collab.OpConflicted {
		out := OpConflictedMessage{
			Type:        "op_conflicted",
			Token:       c.token,
			OperationID: op.OperationID,
			ClientId:    op.ClientID,
			ClientSeq:   op.ClientSeq,
		}
		if op.Conflict != nil {
			out.Reason = op.Conflict.Reason
			out.Colliding = op.Conflict.CollidingOps
		}
		if sess, err := c.svc.GetSession(ctx, c.token); err == nil {
			out.Strategy = string(sess.Settings.Strategy)
		}
		c.enqueue(out)
		return
	}

	_, curr, _ := c.svc.Content(ctx, c.token)
	c.enqueue(OpAppliedMessage{
		Type:        "op_applied",
		Token:       c.token,
		OperationID: op.OperationID,
		BaseSeq:     msg.BaseSeq,
		Seq:         op.Seq,
		CurrentSeq:  curr,
		ClientId:    msg.ClientId,
		ClientSeq:   msg.ClientSeq,
		Transformed: op.Transformed,
	})
	c.hub.BroadcastApplied(c.token, c, op)
}

func (c *Conn) joinSession(ctx context.Context, msg ClientMessage) {
	token := msg.Token
	// 没给 token 就按文档找活跃会话
	if token == "" && msg.DocID != 0 {
		sess, err := c.svc.SessionForDoc(ctx, collab.DocRef{Kind: collab.DocKind(msg.DocKind), ID: msg.DocID})
		if err != nil {
			c.fail(err)
			return
		}
		token = sess.Token
	}

	user := collab.Identity{ID: c.userID, Username: c.username}
	if _, err := c.svc.JoinSession(ctx, token, user, ""); err != nil {
		c.fail(err)
		return
	}

	// 换房间：先离开旧的
	if c.token != "" && c.token != token {
		c.hub.Leave(c.token, c)
	}
	c.token = token
	c.hub.Join(token, c)

	content, seq, err := c.svc.Content(ctx, token)
	if err != nil {
		c.fail(err)
		return
	}
	c.enqueue(ServerMessage{Type: "join_session", Token: token, Seq: seq, Content: content})
	c.pushPresence(ctx)
}

func (c *Conn) pushPresence(ctx context.Context) {
	members, err := c.svc.AliveMembers(ctx, c.token)
	if err != nil {
		log.Printf("alive members error token=%s: %v", c.token, err)
		return
	}
	out := make([]PresenceMember, len(members))
	for i, m := range members {
		out[i] = PresenceMember{UserID: m.UserID, Username: m.Username}
	}
	c.hub.BroadcastPresence(c.token, out)
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		if c.token != "" {
			c.hub.Leave(c.token, c)
		}
		c.shutdown()
	}()

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("read json error (user=%d, token=%s): %v", c.userID, c.token, err)
			return
		}

		switch msg.Type {
		case "join_session":
			c.joinSession(ctx, msg)

		case "leave_session":
			if err := c.svc.LeaveSession(ctx, c.token, c.userID); err != nil {
				c.fail(err)
				continue
			}
			c.hub.Leave(c.token, c)
			c.enqueue(ServerMessage{Type: "leave_session", Token: c.token})
			c.token = ""

		case "heartbeat":
			if err := c.svc.Heartbeat(ctx, c.token, c.userID); err != nil {
				c.fail(err)
				continue
			}
			c.enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})

		case "show_alive_members":
			members, err := c.svc.AliveMembers(ctx, c.token)
			if err != nil {
				c.fail(err)
				continue
			}
			out := make([]PresenceMember, len(members))
			for i, m := range members {
				out[i] = PresenceMember{UserID: m.UserID, Username: m.Username}
			}
			c.enqueue(ServerMessage{Type: "show_alive_members", Token: c.token, Members: out})

		case "op_submit":
			c.handleOpSubmit(ctx, msg)

		case "cursor":
			if msg.Cursor == nil {
				continue
			}
			if err := c.svc.UpdateCursor(ctx, c.token, c.userID, *msg.Cursor); err != nil {
				c.fail(err)
				continue
			}
			c.hub.BroadcastCursor(c.token, c.userID, msg.Cursor)

		case "typing":
			if err := c.svc.SetTyping(ctx, c.token, c.userID, msg.Typing); err != nil {
				c.fail(err)
			}

		case "resolve_conflict":
			op, err := c.svc.ResolveConflict(ctx, c.token, c.userID, msg.OperationID, collab.ResolutionStrategy(msg.Strategy))
			if err != nil {
				c.fail(err)
				continue
			}
			if op.Status == collab.OpApplied {
				c.hub.BroadcastApplied(c.token, nil, op)
			}

		case "load_content":
			content, seq, err := c.svc.Content(ctx, c.token)
			if err != nil {
				c.fail(err)
				continue
			}
			c.enqueue(ServerMessage{Type: "load_content", Token: c.token, Seq: seq, Content: content})

		case "save":
			if err := c.svc.SaveSnapshot(ctx, c.token); err != nil {
				c.fail(err)
				continue
			}
			c.enqueue(ServerMessage{Type: "save", Token: c.token, Content: "snapshot saved"})

		default:
			// 忽略未知类型，回一条提示
			c.enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的出站消息
	for msg := range c.send {
		_ = c.ws.WriteJSON(msg)
	}
}
