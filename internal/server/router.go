package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"relaysync/internal/auth"
	"relaysync/internal/handler"
	"relaysync/internal/middleware"
	"relaysync/internal/presence"
	"relaysync/internal/push"
	"relaysync/internal/socketio"
	"relaysync/internal/store"
)

type Deps struct {
	Store       *store.Store
	Registry    *push.Registry
	Presence    *presence.Recorder
	TokenConfig auth.TokenConfig
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	versionHandler := &handler.VersionHandler{}
	r.GET("/version", versionHandler.Check)

	authRequestLimiter := middleware.NewRateLimiter(10, time.Minute)
	authHandler := &handler.AuthHandler{Store: deps.Store, TokenConfig: deps.TokenConfig, AuthRequestLimiter: authRequestLimiter}

	r.POST("/v1/auth", authHandler.Auth)
	r.POST("/v1/auth/request", authHandler.Request)
	r.GET("/v1/auth/request/status", authHandler.RequestStatus)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))
	protected.POST("/auth/response", authHandler.Response)

	accountHandler := &handler.AccountHandler{Store: deps.Store}
	protected.GET("/account/profile", accountHandler.Profile)
	protected.POST("/account/settings", accountHandler.UpdateSettings)

	sessionHandler := &handler.SessionHandler{Store: deps.Store}
	protected.GET("/sessions", sessionHandler.List)
	protected.POST("/sessions", sessionHandler.Create)
	protected.GET("/sessions/:id", sessionHandler.Get)
	protected.DELETE("/sessions/:id", sessionHandler.Delete)
	protected.GET("/sessions/:id/messages", sessionHandler.ListMessages)
	protected.POST("/sessions/:id/messages", sessionHandler.PostMessage)

	accessKeyHandler := &handler.AccessKeyHandler{Store: deps.Store}
	protected.GET("/sessions/:id/access-keys", accessKeyHandler.List)
	protected.GET("/sessions/:id/access-keys/:variant", accessKeyHandler.Get)
	protected.POST("/sessions/:id/access-keys", accessKeyHandler.Put)

	machineHandler := &handler.MachineHandler{Store: deps.Store}
	protected.GET("/machines", machineHandler.List)
	protected.POST("/machines", machineHandler.Register)
	protected.GET("/machines/:id", machineHandler.Get)

	artifactHandler := &handler.ArtifactHandler{Store: deps.Store}
	protected.GET("/artifacts", artifactHandler.List)
	protected.POST("/artifacts", artifactHandler.Create)
	protected.GET("/artifacts/:id", artifactHandler.Get)
	protected.POST("/artifacts/:id", artifactHandler.Update)
	protected.DELETE("/artifacts/:id", artifactHandler.Delete)

	kvHandler := &handler.KVHandler{Store: deps.Store}
	protected.GET("/kv", kvHandler.List)
	protected.GET("/kv/:key", kvHandler.Get)
	protected.POST("/kv/bulk-get", kvHandler.BulkGet)
	protected.POST("/kv/mutate", kvHandler.Mutate)

	friendsHandler := &handler.FriendsHandler{Store: deps.Store}
	protected.GET("/friends", friendsHandler.List)
	protected.GET("/friends/:id/status", friendsHandler.Status)
	protected.POST("/friends", friendsHandler.Act)

	feedHandler := &handler.FeedHandler{Store: deps.Store}
	protected.GET("/feed", feedHandler.List)
	protected.POST("/feed", feedHandler.Post)

	changesHandler := &handler.ChangesHandler{Store: deps.Store}
	v2 := r.Group("/v2")
	v2.Use(middleware.RequireAuth(deps.TokenConfig))
	v2.GET("/cursor", changesHandler.Cursor)
	v2.GET("/changes", changesHandler.List)

	wsServer := socketio.NewServer(socketio.Deps{
		Store:       deps.Store,
		Registry:    deps.Registry,
		Presence:    deps.Presence,
		TokenConfig: deps.TokenConfig,
	})
	r.GET("/ws", gin.WrapH(wsServer))

	return r
}
