package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"relaysync/internal/db"
	"relaysync/internal/push"
	"relaysync/internal/store"
)

type casRig struct {
	store  *store.Store
	router *gin.Engine
}

func newCASRig(t *testing.T) *casRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	d, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	s := store.New(d, push.NewRouter(false))
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if uid := c.GetHeader("X-Test-User"); uid != "" {
			c.Set("userID", uid)
		}
		c.Next()
	})
	accountHandler := &AccountHandler{Store: s}
	artifactHandler := &ArtifactHandler{Store: s}
	accessKeyHandler := &AccessKeyHandler{Store: s}
	r.POST("/v1/account/settings", accountHandler.UpdateSettings)
	r.POST("/v1/artifacts/:id", artifactHandler.Update)
	r.POST("/v1/sessions/:id/access-keys", accessKeyHandler.Put)
	return &casRig{store: s, router: r}
}

func postJSON(t *testing.T, r *gin.Engine, path, userID string, payload any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-Test-User", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestUpdateSettingsSuccessResponse(t *testing.T) {
	rig := newCASRig(t)
	accountID := seedAccount(t, rig.store, "pk-settings-1")

	code, body := postJSON(t, rig.router, "/v1/account/settings", accountID,
		gin.H{"settings": "s1", "expectedVersion": 0})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["success"])
	require.Equal(t, float64(1), body["version"])
}

func TestUpdateSettingsVersionMismatchResponse(t *testing.T) {
	rig := newCASRig(t)
	accountID := seedAccount(t, rig.store, "pk-settings-2")

	code, _ := postJSON(t, rig.router, "/v1/account/settings", accountID,
		gin.H{"settings": "s1", "expectedVersion": 0})
	require.Equal(t, http.StatusOK, code)

	// A stale expectedVersion must surface the stored state, never echo
	// the rejected attempt.
	code, body := postJSON(t, rig.router, "/v1/account/settings", accountID,
		gin.H{"settings": "s2", "expectedVersion": 0})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["success"])
	require.Equal(t, "version-mismatch", body["error"])
	require.Equal(t, float64(1), body["currentVersion"])
	require.Equal(t, "s1", body["currentSettings"])
}

func TestUpdateArtifactSuccessResponse(t *testing.T) {
	rig := newCASRig(t)
	ctx := context.Background()
	accountID := seedAccount(t, rig.store, "pk-artifact-1")
	_, _, err := rig.store.CreateArtifact(ctx, accountID, "art-1", "h1", "b1", "dek")
	require.NoError(t, err)

	code, body := postJSON(t, rig.router, "/v1/artifacts/art-1", accountID,
		gin.H{"header": "h2", "expectedHeaderVersion": 1, "body": "b2", "expectedBodyVersion": 1})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["success"])
	require.Equal(t, float64(2), body["headerVersion"])
	require.Equal(t, float64(2), body["bodyVersion"])

	// A header-only update reports only the half that was written.
	code, body = postJSON(t, rig.router, "/v1/artifacts/art-1", accountID,
		gin.H{"header": "h3", "expectedHeaderVersion": 2})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["success"])
	require.Equal(t, float64(3), body["headerVersion"])
	require.NotContains(t, body, "bodyVersion")
}

func TestUpdateArtifactVersionMismatchResponse(t *testing.T) {
	rig := newCASRig(t)
	ctx := context.Background()
	accountID := seedAccount(t, rig.store, "pk-artifact-2")
	_, _, err := rig.store.CreateArtifact(ctx, accountID, "art-1", "h1", "b1", "dek")
	require.NoError(t, err)

	// The body half is stale, so the whole write rolls back and the
	// response carries the current state of both attempted halves.
	code, body := postJSON(t, rig.router, "/v1/artifacts/art-1", accountID,
		gin.H{"header": "h2", "expectedHeaderVersion": 1, "body": "b2", "expectedBodyVersion": 0})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["success"])
	require.Equal(t, "version-mismatch", body["error"])
	require.Equal(t, float64(1), body["currentHeaderVersion"])
	require.Equal(t, "h1", body["currentHeader"])
	require.Equal(t, float64(1), body["currentBodyVersion"])
	require.Equal(t, "b1", body["currentBody"])
}

func TestPutAccessKeyResponses(t *testing.T) {
	rig := newCASRig(t)
	ctx := context.Background()
	accountID := seedAccount(t, rig.store, "pk-key-1")
	session, _, err := rig.store.GetOrCreateSession(ctx, accountID, "tag-key", "", nil, nil)
	require.NoError(t, err)

	code, body := postJSON(t, rig.router, "/v1/sessions/"+session.ID+"/access-keys", accountID,
		gin.H{"variant": "primary", "data": "k1", "expectedVersion": 0})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["success"])
	require.Equal(t, float64(1), body["version"])

	// A conflicting create surfaces the stored key as a mismatch.
	code, body = postJSON(t, rig.router, "/v1/sessions/"+session.ID+"/access-keys", accountID,
		gin.H{"variant": "primary", "data": "k2", "expectedVersion": 0})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["success"])
	require.Equal(t, "version-mismatch", body["error"])
	require.Equal(t, float64(1), body["currentVersion"])
	require.Equal(t, "k1", body["currentData"])

	code, _ = postJSON(t, rig.router, "/v1/sessions/ghost/access-keys", accountID,
		gin.H{"variant": "primary", "data": "k1", "expectedVersion": 0})
	require.Equal(t, http.StatusNotFound, code)
}
