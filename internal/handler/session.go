package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"relaysync/internal/middleware"
	"relaysync/internal/model"
	"relaysync/internal/store"
)

type SessionHandler struct {
	Store *store.Store
}

type sessionCreateBody struct {
	Tag               string  `json:"tag"`
	Metadata          string  `json:"metadata"`
	AgentState        *string `json:"agentState"`
	DataEncryptionKey *string `json:"dataEncryptionKey"`
}

func sessionJSON(s model.Session) gin.H {
	return gin.H{
		"id":                s.ID,
		"tag":               s.Tag,
		"seq":               s.Seq,
		"metadata":          s.Metadata,
		"metadataVersion":   s.MetadataVersion,
		"agentState":        s.AgentState,
		"agentStateVersion": s.AgentStateVersion,
		"dataEncryptionKey": s.DataEncryptionKey,
		"active":            s.Active,
		"activeAt":          s.LastActiveAt,
		"createdAt":         s.CreatedAt,
		"updatedAt":         s.UpdatedAt,
	}
}

func (h *SessionHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body sessionCreateBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Tag == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	session, _, err := h.Store.GetOrCreateSession(c.Request.Context(), userID, body.Tag, body.Metadata, body.AgentState, body.DataEncryptionKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(session)})
}

func (h *SessionHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sessions, err := h.Store.ListSessions(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionJSON(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *SessionHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	session, found, err := h.Store.GetSession(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(session)})
}

func (h *SessionHandler) Delete(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	deleted, err := h.Store.DeleteSession(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type sessionMessageBody struct {
	Message string `json:"message"`
}

func (h *SessionHandler) PostMessage(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body sessionMessageBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	msg, err := h.Store.AppendMessage(c.Request.Context(), userID, c.Param("id"), body.Message, "")
	if store.IsSessionNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": gin.H{
		"id":        msg.ID,
		"seq":       msg.Seq,
		"content":   gin.H{"t": "encrypted", "c": msg.Content},
		"createdAt": msg.CreatedAt,
	}})
}

func (h *SessionHandler) ListMessages(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid after"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}

	messages, err := h.Store.ListMessages(c.Request.Context(), userID, c.Param("id"), after, limit)
	if store.IsSessionNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(messages))
	for _, m := range messages {
		out = append(out, gin.H{
			"id":        m.ID,
			"seq":       m.Seq,
			"content":   gin.H{"t": "encrypted", "c": m.Content},
			"createdAt": m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}
