package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relaysync/internal/middleware"
	"relaysync/internal/model"
	"relaysync/internal/store"
)

type MachineHandler struct {
	Store *store.Store
}

type machineRegisterBody struct {
	ID                string  `json:"id"`
	Metadata          string  `json:"metadata"`
	DaemonState       *string `json:"daemonState"`
	DataEncryptionKey *string `json:"dataEncryptionKey"`
}

func machineJSON(m model.Machine) gin.H {
	return gin.H{
		"id":                 m.ID,
		"metadata":           m.Metadata,
		"metadataVersion":    m.MetadataVersion,
		"daemonState":        m.DaemonState,
		"daemonStateVersion": m.DaemonStateVersion,
		"dataEncryptionKey":  m.DataEncryptionKey,
		"active":             m.Active,
		"activeAt":           m.LastActiveAt,
		"createdAt":          m.CreatedAt,
		"updatedAt":          m.UpdatedAt,
	}
}

func (h *MachineHandler) Register(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body machineRegisterBody
	if err := c.ShouldBindJSON(&body); err != nil || body.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	machine, _, err := h.Store.UpsertMachine(c.Request.Context(), userID, body.ID, body.Metadata, body.DaemonState, body.DataEncryptionKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": machineJSON(machine)})
}

func (h *MachineHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	machines, err := h.Store.ListMachines(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(machines))
	for _, m := range machines {
		out = append(out, machineJSON(m))
	}
	c.JSON(http.StatusOK, gin.H{"machines": out})
}

func (h *MachineHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	machine, found, err := h.Store.GetMachine(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Machine not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": machineJSON(machine)})
}
