package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relaysync/internal/middleware"
	"relaysync/internal/store"
)

type AccountHandler struct {
	Store *store.Store
}

type accountSettingsBody struct {
	ExpectedVersion int64  `json:"expectedVersion"`
	Settings        string `json:"settings"`
}

func (h *AccountHandler) Profile(c *gin.Context) {
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
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":              account.ID,
		"publicKey":       account.PublicKey,
		"settings":        account.Settings,
		"settingsVersion": account.SettingsVersion,
		"createdAt":       account.CreatedAt,
		"updatedAt":       account.UpdatedAt,
	})
}

func (h *AccountHandler) UpdateSettings(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body accountSettingsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	result, err := h.Store.UpdateAccountSettings(c.Request.Context(), userID, body.ExpectedVersion, body.Settings)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	switch result.Status {
	case store.StatusSuccess:
		c.JSON(http.StatusOK, gin.H{"success": true, "version": result.Version})
	case store.StatusVersionMismatch:
		c.JSON(http.StatusOK, gin.H{
			"success":         false,
			"error":           "version-mismatch",
			"currentVersion":  result.Version,
			"currentSettings": result.Value,
		})
	case store.StatusNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to update account settings"})
	}
}
