package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relaysync/internal/middleware"
	"relaysync/internal/store"
)

type AccessKeyHandler struct {
	Store *store.Store
}

type accessKeyPutBody struct {
	Variant         string `json:"variant"`
	Data            string `json:"data"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

func (h *AccessKeyHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	keys, err := h.Store.ListAccessKeys(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(keys))
	for _, k := range keys {
		out = append(out, gin.H{
			"variant":   k.Variant,
			"data":      k.Data,
			"version":   k.DataVersion,
			"updatedAt": k.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accessKeys": out})
}

func (h *AccessKeyHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	key, found, err := h.Store.GetAccessKey(c.Request.Context(), userID, c.Param("id"), c.Param("variant"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Access key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"variant":   key.Variant,
		"data":      key.Data,
		"version":   key.DataVersion,
		"updatedAt": key.UpdatedAt,
	})
}

func (h *AccessKeyHandler) Put(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body accessKeyPutBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Variant == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	result, err := h.Store.PutAccessKey(c.Request.Context(), userID, c.Param("id"), body.Variant, body.Data, body.ExpectedVersion)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	switch result.Status {
	case store.StatusSuccess:
		c.JSON(http.StatusOK, gin.H{"success": true, "version": result.Version})
	case store.StatusVersionMismatch:
		c.JSON(http.StatusOK, gin.H{
			"success":        false,
			"error":          "version-mismatch",
			"currentVersion": result.Version,
			"currentData":    result.Value,
		})
	case store.StatusNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to update access key"})
	}
}
