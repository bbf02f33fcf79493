package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"relaysync/internal/middleware"
	"relaysync/internal/store"
)

const (
	changesDefaultLimit = 200
	changesMaxLimit     = 500
)

// ChangesHandler serves the durable pull feed: the account's current cursor
// and the coalesced changelog after a client-held cursor.
type ChangesHandler struct {
	Store *store.Store
}

func (h *ChangesHandler) Cursor(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	account, found, err := h.Store.GetAccount(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "account-not-found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cursor": account.Seq, "changesFloor": account.ChangesFloor})
}

func (h *ChangesHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid after cursor"})
		return
	}
	limit := changesDefaultLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > changesMaxLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
	}

	account, found, err := h.Store.GetAccount(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "account-not-found"})
		return
	}

	// A cursor ahead of the account's head is impossible to serve; one
	// below the prune floor may have had coalesced rows deleted under it.
	// Either way the client must do a full resync.
	if after > account.Seq || after < account.ChangesFloor {
		c.JSON(http.StatusGone, gin.H{
			"error":         "cursor-gone",
			"currentCursor": account.Seq,
		})
		return
	}

	// Fetch one extra row to learn whether more remain.
	rows, err := h.Store.ListChanges(c.Request.Context(), userID, after, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	changes := make([]gin.H, 0, len(rows))
	nextCursor := after
	for _, row := range rows {
		entry := gin.H{
			"kind":      row.Kind,
			"entityId":  row.EntityID,
			"cursor":    row.Cursor,
			"changedAt": row.ChangedAt,
		}
		if len(row.Hint) > 0 {
			entry["hint"] = json.RawMessage(row.Hint)
		}
		changes = append(changes, entry)
		if row.Cursor > nextCursor {
			nextCursor = row.Cursor
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"changes":    changes,
		"nextCursor": nextCursor,
		"hasMore":    hasMore,
	})
}
