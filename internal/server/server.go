// Package server wires the HTTP surface: the Anthropic-compatible /v1
// endpoints plus health and operational routes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/account"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/cloudcode"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/format"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/server/handlers"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/utils"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/pkg/anthropic"
)

// Server is the HTTP front end.
type Server struct {
	engine   *gin.Engine
	manager  *account.Manager
	resolver *account.Resolver
	client   *cloudcode.Client
	cfg      *config.Config
	log      *utils.Logger
}

// New builds the server and its routes.
func New(cfg *config.Config, manager *account.Manager, resolver *account.Resolver, client *cloudcode.Client, log *utils.Logger) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	s := &Server{
		engine:   engine,
		manager:  manager,
		resolver: resolver,
		client:   client,
		cfg:      cfg,
		log:      log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.Use(CORSMiddleware())
	s.engine.Use(SilentHandlerMiddleware())
	s.engine.Use(RequestLoggingMiddleware(s.log))
	s.engine.Use(BodyLimitMiddleware())

	healthHandler := handlers.NewHealthHandler(s.manager)
	modelsHandler := handlers.NewModelsHandler(s.client)
	messagesHandler := handlers.NewMessagesHandler(s.client, s.cfg, s.log)

	s.engine.GET("/health", healthHandler.Health)

	// Drops cached credentials so the next request re-resolves them.
	s.engine.POST("/refresh-token", func(c *gin.Context) {
		s.resolver.Clear("")
		c.JSON(http.StatusOK, gin.H{"status": "ok", "message": "Credential caches cleared"})
	})

	// Drops remembered thinking signatures; useful when switching
	// between model families mid-conversation during debugging.
	s.engine.POST("/test/clear-signature-cache", func(c *gin.Context) {
		format.SharedSignatureCache().Reset()
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	v1 := s.engine.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(s.cfg, s.log))
	{
		v1.GET("/models", modelsHandler.ListModels)
		v1.POST("/messages", messagesHandler.Messages)
		v1.POST("/messages/count_tokens", messagesHandler.CountTokens)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, anthropic.NewErrorResponse("not_found_error",
			fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path)))
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // streams run long
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("[Server] Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
