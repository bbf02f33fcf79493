package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relaysync/internal/middleware"
	"relaysync/internal/store"
)

type KVHandler struct {
	Store *store.Store
}

type kvMutateBody struct {
	Mutations []struct {
		Key             string  `json:"key"`
		Value           *string `json:"value"`
		ExpectedVersion int64   `json:"version"`
	} `json:"mutations"`
}

func (h *KVHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	entry, found, err := h.Store.GetKV(c.Request.Context(), userID, c.Param("key"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "value": nil, "version": -1})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": entry.Key, "value": entry.Value, "version": entry.Version})
}

func (h *KVHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	entries, err := h.Store.ListKV(c.Request.Context(), userID, c.Query("prefix"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{"key": e.Key, "value": e.Value, "version": e.Version})
	}
	c.JSON(http.StatusOK, gin.H{"values": out})
}

func (h *KVHandler) BulkGet(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body struct {
		Keys []string `json:"keys"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	entries, err := h.Store.BulkGetKV(c.Request.Context(), userID, body.Keys)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{"key": e.Key, "value": e.Value, "version": e.Version})
	}
	c.JSON(http.StatusOK, gin.H{"values": out})
}

// Mutate applies the batch atomically. A rejected batch still returns 200;
// success=false plus per-entry outcomes tell the client what to rebase on.
func (h *KVHandler) Mutate(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body kvMutateBody
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Mutations) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	mutations := make([]store.KVMutation, 0, len(body.Mutations))
	for _, m := range body.Mutations {
		if m.Key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid key"})
			return
		}
		mutations = append(mutations, store.KVMutation{
			Key:             m.Key,
			Value:           m.Value,
			ExpectedVersion: m.ExpectedVersion,
		})
	}

	results, applied, err := h.Store.MutateKV(c.Request.Context(), userID, mutations, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(results))
	for _, r := range results {
		entry := gin.H{"key": r.Key, "result": r.Status, "version": r.Version}
		if r.Status == store.StatusVersionMismatch {
			entry["value"] = r.Value
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"success": applied, "results": out})
}
