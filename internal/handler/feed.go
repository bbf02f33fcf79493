package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"relaysync/internal/middleware"
	"relaysync/internal/store"
)

type FeedHandler struct {
	Store *store.Store
}

type feedPostBody struct {
	Body string `json:"body"`
}

func (h *FeedHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	before, err := strconv.ParseInt(c.DefaultQuery("before", "0"), 10, 64)
	if err != nil || before < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid before"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}

	items, err := h.Store.ListFeed(c.Request.Context(), userID, before, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(items))
	for _, item := range items {
		out = append(out, gin.H{
			"id":        item.ID,
			"body":      item.Body,
			"counter":   item.Counter,
			"createdAt": item.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (h *FeedHandler) Post(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body feedPostBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	item, err := h.Store.PostFeedItem(c.Request.Context(), userID, body.Body)
	if store.IsAccountNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"item": gin.H{
		"id":        item.ID,
		"body":      item.Body,
		"counter":   item.Counter,
		"createdAt": item.CreatedAt,
	}})
}
