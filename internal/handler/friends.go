package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relaysync/internal/middleware"
	"relaysync/internal/model"
	"relaysync/internal/store"
)

type FriendsHandler struct {
	Store *store.Store
}

type friendActionBody struct {
	UID    string `json:"uid"`
	Action string `json:"action"`
}

func (h *FriendsHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	relationships, err := h.Store.ListRelationships(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(relationships))
	for _, r := range relationships {
		out = append(out, gin.H{"uid": r.OtherID, "status": r.Status, "updatedAt": r.UpdatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"friends": out})
}

func (h *FriendsHandler) Status(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	status, err := h.Store.GetRelationship(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"uid": c.Param("id"), "status": status})
}

func (h *FriendsHandler) Act(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body friendActionBody
	if err := c.ShouldBindJSON(&body); err != nil || body.UID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.UID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid target"})
		return
	}

	var status string
	var err error
	switch body.Action {
	case "request":
		status, err = h.Store.RequestFriend(c.Request.Context(), userID, body.UID)
	case "accept":
		status, err = h.Store.AcceptFriend(c.Request.Context(), userID, body.UID)
	case "remove", "reject":
		status, err = h.Store.RemoveFriend(c.Request.Context(), userID, body.UID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid action"})
		return
	}
	if store.IsAccountNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if status == "" {
		status = model.RelationshipNone
	}

	c.JSON(http.StatusOK, gin.H{"uid": body.UID, "status": status})
}
