package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/glossary-ingest/internal/middleware"
)

type RouterDeps struct {
	Auth      *AuthHandler
	Ingest    *IngestHandler
	Terms     *TermHandler
	JWTSecret []byte
	// LoginWindow throttles /auth/login per client; zero disables it.
	LoginWindow time.Duration
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.POST("/auth/login", middleware.RateLimit(deps.LoginWindow), deps.Auth.Login)

	authGroup := api.Group("")
	authGroup.Use(middleware.JWTAuth(deps.JWTSecret))
	authGroup.POST("/ingest/runs", deps.Ingest.Start)
	authGroup.GET("/ingest/runs", deps.Ingest.List)
	authGroup.GET("/ingest/runs/:id", deps.Ingest.Status)
	authGroup.POST("/ingest/runs/:id/cancel", deps.Ingest.Cancel)
	authGroup.POST("/ingest/runs/:id/resume", deps.Ingest.Resume)

	authGroup.GET("/terms/:name", deps.Terms.Get)
}
