package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relaysync/internal/middleware"
	"relaysync/internal/model"
	"relaysync/internal/store"
)

type ArtifactHandler struct {
	Store *store.Store
}

type artifactCreateBody struct {
	ID                string `json:"id"`
	Header            string `json:"header"`
	Body              string `json:"body"`
	DataEncryptionKey string `json:"dataEncryptionKey"`
}

type artifactUpdateBody struct {
	Header        *string `json:"header"`
	HeaderVersion int64   `json:"expectedHeaderVersion"`
	Body          *string `json:"body"`
	BodyVersion   int64   `json:"expectedBodyVersion"`
}

func artifactJSON(a model.Artifact, includeBody bool) gin.H {
	out := gin.H{
		"id":                a.ID,
		"header":            a.Header,
		"headerVersion":     a.HeaderVersion,
		"dataEncryptionKey": a.DataEncryptionKey,
		"seq":               a.Seq,
		"createdAt":         a.CreatedAt,
		"updatedAt":         a.UpdatedAt,
	}
	if includeBody {
		out["body"] = a.Body
		out["bodyVersion"] = a.BodyVersion
	}
	return out
}

func (h *ArtifactHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body artifactCreateBody
	if err := c.ShouldBindJSON(&body); err != nil || body.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	artifact, _, err := h.Store.CreateArtifact(c.Request.Context(), userID, body.ID, body.Header, body.Body, body.DataEncryptionKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifact": artifactJSON(artifact, true)})
}

func (h *ArtifactHandler) List(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	artifacts, err := h.Store.ListArtifacts(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	out := make([]gin.H, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, artifactJSON(a, false))
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": out})
}

func (h *ArtifactHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	artifact, found, err := h.Store.GetArtifact(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Artifact not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifact": artifactJSON(artifact, true)})
}

func (h *ArtifactHandler) Update(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body artifactUpdateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.Header == nil && body.Body == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Nothing to update"})
		return
	}

	result, err := h.Store.UpdateArtifact(c.Request.Context(), userID, c.Param("id"), store.ArtifactUpdate{
		Header:        body.Header,
		HeaderVersion: body.HeaderVersion,
		Body:          body.Body,
		BodyVersion:   body.BodyVersion,
	}, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if (result.Header != nil && result.Header.Status == store.StatusNotFound) ||
		(result.Body != nil && result.Body.Status == store.StatusNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Artifact not found"})
		return
	}

	mismatch := (result.Header != nil && result.Header.Status == store.StatusVersionMismatch) ||
		(result.Body != nil && result.Body.Status == store.StatusVersionMismatch)
	if mismatch {
		// The write rolled back as a whole, so report the authoritative
		// state for every half the caller attempted.
		out := gin.H{"success": false, "error": "version-mismatch"}
		artifact, found, err := h.Store.GetArtifact(c.Request.Context(), userID, c.Param("id"))
		if err != nil || !found {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update artifact"})
			return
		}
		if body.Header != nil {
			out["currentHeaderVersion"] = artifact.HeaderVersion
			out["currentHeader"] = artifact.Header
		}
		if body.Body != nil {
			out["currentBodyVersion"] = artifact.BodyVersion
			out["currentBody"] = artifact.Body
		}
		c.JSON(http.StatusOK, out)
		return
	}
	if (result.Header != nil && result.Header.Status != store.StatusSuccess) ||
		(result.Body != nil && result.Body.Status != store.StatusSuccess) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update artifact"})
		return
	}

	out := gin.H{"success": true}
	if result.Header != nil {
		out["headerVersion"] = result.Header.Version
	}
	if result.Body != nil {
		out["bodyVersion"] = result.Body.Version
	}
	c.JSON(http.StatusOK, out)
}

func (h *ArtifactHandler) Delete(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	deleted, err := h.Store.DeleteArtifact(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "Artifact not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
