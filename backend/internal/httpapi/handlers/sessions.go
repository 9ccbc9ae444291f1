package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"eduCollab/backend/internal/collab"
	"eduCollab/backend/internal/ot/delta"
)

type SessionHandler struct {
	svc collab.Service
}

func NewSessionHandler(svc collab.Service) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// Register 挂载 REST 路由（鉴权中间件在上层统一加）
func (h *SessionHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/sessions", h.Create)
	rg.GET("/sessions/by-doc", h.ByDoc)
	rg.GET("/sessions/:token", h.Get)
	rg.POST("/sessions/:token/join", h.Join)
	rg.POST("/sessions/:token/leave", h.Leave)
	rg.POST("/sessions/:token/pause", h.Pause)
	rg.POST("/sessions/:token/resume", h.Resume)
	rg.POST("/sessions/:token/end", h.End)
	rg.GET("/sessions/:token/participants", h.Participants)
	rg.POST("/sessions/:token/participants/:userId/remove", h.Remove)
	rg.PUT("/sessions/:token/participants/:userId/permission", h.ChangePermission)
	rg.POST("/sessions/:token/invites", h.Invite)
	rg.POST("/sessions/:token/operations", h.SubmitOp)
	rg.GET("/sessions/:token/operations", h.ListOps)
	rg.GET("/sessions/:token/conflicts", h.Conflicts)
	rg.GET("/sessions/:token/events", h.Events)
	rg.POST("/sessions/:token/conflicts/:operationId/resolve", h.Resolve)
	rg.GET("/sessions/:token/content", h.Content)
	rg.POST("/sessions/:token/snapshot", h.Snapshot)
	rg.POST("/sessions/:token/heartbeat", h.Heartbeat)
	rg.PUT("/sessions/:token/cursor", h.Cursor)
	rg.GET("/sessions/:token/cursors", h.Cursors)
	rg.PUT("/sessions/:token/typing", h.Typing)
	rg.GET("/sessions/:token/presence", h.Presence)
}

// 领域错误 -> HTTP 状态码
func errStatus(err error) int {
	switch {
	case errors.Is(err, collab.ErrSessionNotFound),
		errors.Is(err, collab.ErrOperationNotFound):
		return http.StatusNotFound
	case errors.Is(err, collab.ErrPermissionDenied),
		errors.Is(err, collab.ErrNotAParticipant):
		return http.StatusForbidden
	case errors.Is(err, collab.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, collab.ErrAlreadyActive),
		errors.Is(err, collab.ErrCapacityExceeded),
		errors.Is(err, collab.ErrSessionPaused),
		errors.Is(err, collab.ErrDuplicateOrOutOfOrder),
		errors.Is(err, collab.ErrConflictUnresolved):
		return http.StatusConflict
	case errors.Is(err, collab.ErrCannotRemoveSelf),
		errors.Is(err, collab.ErrInvalidOperationTarget),
		errors.Is(err, collab.ErrMissingClientID):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.JSON(errStatus(err), gin.H{"code": err.Error()})
}

func identity(c *gin.Context) collab.Identity {
	return collab.Identity{ID: c.GetUint64("userId"), Username: c.GetString("username")}
}

type createSessionReq struct {
	DocKind  string                 `json:"docKind" binding:"required"`
	DocID    uint64                 `json:"docId" binding:"required"`
	Settings collab.SessionSettings `json:"settings"`
}

func (h *SessionHandler) Create(c *gin.Context) {
	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	doc := collab.DocRef{Kind: collab.DocKind(req.DocKind), ID: req.DocID}
	sess, err := h.svc.CreateSession(c.Request.Context(), doc, identity(c), req.Settings)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *SessionHandler) ByDoc(c *gin.Context) {
	id, err := strconv.ParseUint(c.Query("docId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "docId must be a number"})
		return
	}
	doc := collab.DocRef{Kind: collab.DocKind(c.Query("docKind")), ID: id}
	sess, err := h.svc.SessionForDoc(c.Request.Context(), doc)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) Get(c *gin.Context) {
	sess, err := h.svc.GetSession(c.Request.Context(), c.Param("token"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) Join(c *gin.Context) {
	var req struct {
		Permission string `json:"permission"`
	}
	_ = c.ShouldBindJSON(&req)
	p, err := h.svc.JoinSession(c.Request.Context(), c.Param("token"), identity(c), collab.Permission(req.Permission))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *SessionHandler) Leave(c *gin.Context) {
	if err := h.svc.LeaveSession(c.Request.Context(), c.Param("token"), c.GetUint64("userId")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

func (h *SessionHandler) Pause(c *gin.Context) {
	if err := h.svc.PauseSession(c.Request.Context(), c.Param("token"), c.GetUint64("userId")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *SessionHandler) Resume(c *gin.Context) {
	if err := h.svc.ResumeSession(c.Request.Context(), c.Param("token"), c.GetUint64("userId")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

func (h *SessionHandler) End(c *gin.Context) {
	if err := h.svc.EndSession(c.Request.Context(), c.Param("token"), c.GetUint64("userId")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

func (h *SessionHandler) Participants(c *gin.Context) {
	parts, err := h.svc.Participants(c.Request.Context(), c.Param("token"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": parts})
}

func (h *SessionHandler) Remove(c *gin.Context) {
	target, err := strconv.ParseUint(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "userId must be a number"})
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := h.svc.RemoveParticipant(c.Request.Context(), c.Param("token"), c.GetUint64("userId"), target, req.Reason); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (h *SessionHandler) ChangePermission(c *gin.Context) {
	target, err := strconv.ParseUint(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "userId must be a number"})
		return
	}
	var req struct {
		Permission string `json:"permission" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if err := h.svc.ChangePermission(c.Request.Context(), c.Param("token"), c.GetUint64("userId"), target, collab.Permission(req.Permission)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *SessionHandler) Invite(c *gin.Context) {
	var req struct {
		UserID     uint64 `json:"userId" binding:"required"`
		Permission string `json:"permission"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if err := h.svc.Invite(c.Request.Context(), c.Param("token"), c.GetUint64("userId"), req.UserID, collab.Permission(req.Permission)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "invited"})
}

type submitOpReq struct {
	BaseSeq   uint64      `json:"baseSeq"`
	ClientID  string      `json:"clientId" binding:"required"`
	ClientSeq uint64      `json:"clientSeq" binding:"required"`
	Ops       delta.Delta `json:"ops" binding:"required"`
}

func (h *SessionHandler) SubmitOp(c *gin.Context) {
	var req submitOpReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	op, err := h.svc.Submit(c.Request.Context(), c.Param("token"), c.GetUint64("userId"),
		req.BaseSeq, req.ClientID, req.ClientSeq, req.Ops)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (h *SessionHandler) ListOps(c *gin.Context) {
	since, _ := strconv.ParseUint(c.Query("since"), 10, 64)
	limit, _ := strconv.Atoi(c.Query("limit"))
	ops, err := h.svc.OpsSince(c.Request.Context(), c.Param("token"), since, limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": ops})
}

func (h *SessionHandler) Conflicts(c *gin.Context) {
	ops, err := h.svc.PendingConflicts(c.Request.Context(), c.Param("token"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": ops})
}

func (h *SessionHandler) Events(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.svc.Events(c.Request.Context(), c.Param("token"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *SessionHandler) Resolve(c *gin.Context) {
	var req struct {
		Strategy string `json:"strategy"`
	}
	_ = c.ShouldBindJSON(&req)
	op, err := h.svc.ResolveConflict(c.Request.Context(), c.Param("token"), c.GetUint64("userId"),
		c.Param("operationId"), collab.ResolutionStrategy(req.Strategy))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (h *SessionHandler) Content(c *gin.Context) {
	content, seq, err := h.svc.Content(c.Request.Context(), c.Param("token"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": content, "seq": seq})
}

func (h *SessionHandler) Snapshot(c *gin.Context) {
	if err := h.svc.SaveSnapshot(c.Request.Context(), c.Param("token")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

func (h *SessionHandler) Heartbeat(c *gin.Context) {
	if err := h.svc.Heartbeat(c.Request.Context(), c.Param("token"), c.GetUint64("userId")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SessionHandler) Cursor(c *gin.Context) {
	var cur collab.CursorPosition
	if err := c.ShouldBindJSON(&cur); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if err := h.svc.UpdateCursor(c.Request.Context(), c.Param("token"), c.GetUint64("userId"), cur); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SessionHandler) Cursors(c *gin.Context) {
	cursors, err := h.svc.Cursors(c.Request.Context(), c.Param("token"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cursors": cursors})
}

func (h *SessionHandler) Typing(c *gin.Context) {
	var req struct {
		Typing bool `json:"typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if err := h.svc.SetTyping(c.Request.Context(), c.Param("token"), c.GetUint64("userId"), req.Typing); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SessionHandler) Presence(c *gin.Context) {
	members, err := h.svc.AliveMembers(c.Request.Context(), c.Param("token"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}
