package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"relaysync/internal/auth"
	"relaysync/internal/changes"
	"relaysync/internal/config"
	"relaysync/internal/db"
	"relaysync/internal/presence"
	"relaysync/internal/push"
	"relaysync/internal/server"
	"relaysync/internal/store"
	"relaysync/internal/stream"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)

	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	registry := push.NewRegistry()
	router := push.NewRouter(cfg.SocketRoomsOnly)
	router.SetTransport(registry)

	st := store.New(database, router)

	cache := presence.NewActivityCache()
	var recorder *presence.Recorder
	if cfg.PresenceStreamEnabled {
		presenceStream := stream.New(database, presence.StreamName, cfg.PresenceStreamMaxLen)
		recorder = presence.NewRecorder(cache, presence.NewStreamPublisher(presenceStream), st)

		consumer := cfg.InstanceID
		if consumer == "" {
			host, _ := os.Hostname()
			consumer = host + "-" + uuid.NewString()[:8]
		}
		worker := presence.NewWorker(presenceStream, st, consumer)
		go func() {
			if err := worker.Run(context.Background()); err != nil {
				log.Printf("presence-worker stopped: %v", err)
			}
		}()
	} else {
		recorder = presence.NewRecorder(cache, nil, st)
	}

	if cfg.ChangeCleanupEnabled {
		janitor := changes.StartJanitor(database, cfg.ChangeCleanupInterval)
		defer janitor.Stop()
	}

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "relaysync",
	}

	engine := server.NewRouter(server.Deps{
		Store:       st,
		Registry:    registry,
		Presence:    recorder,
		TokenConfig: tokenCfg,
	})
	log.Printf("listening on %s", fmt.Sprintf(":%d", cfg.Port))
	log.Fatal(server.Run(cfg, engine))
}
