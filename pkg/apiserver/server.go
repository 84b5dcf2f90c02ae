package apiserver

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/flowforge/gateway/pkg/apiserver/handlers"
	"github.com/flowforge/gateway/pkg/apiserver/middleware"
	"github.com/flowforge/gateway/pkg/auth"
	"github.com/flowforge/gateway/pkg/controller"
	"github.com/flowforge/gateway/pkg/gateway"
	"github.com/flowforge/gateway/pkg/relay"
	"github.com/flowforge/gateway/pkg/store"
)

// Dependencies are the constructed core components the routes call into.
type Dependencies struct {
	Store      store.Store
	Controller *controller.WorkflowController
	Relay      *relay.Relay
	Gateway    *gateway.Gateway
	Tokens     *auth.UserTokenManager
}

type Server struct {
	router *gin.Engine
	deps   Dependencies
	logger *zap.Logger
}

func NewServer(deps Dependencies, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		api.Use(middleware.Auth(s.deps.Tokens))

		workflowHandler := handlers.NewWorkflowHandler(s.deps.Controller, s.deps.Gateway, s.logger)
		api.POST("/workflows", workflowHandler.Create)
		api.GET("/workflows/:id", workflowHandler.Get)
		api.POST("/workflows/:id/execute", workflowHandler.Execute)
		api.POST("/workflows/:id/pause", workflowHandler.Pause)
		api.POST("/workflows/:id/resume", workflowHandler.Resume)
		api.POST("/workflows/:id/cancel", workflowHandler.Cancel)
		api.GET("/workflows/:id/stream", workflowHandler.Stream)

		sessionHandler := handlers.NewSessionHandler(s.deps.Store, s.deps.Relay, s.deps.Gateway, s.logger)
		api.POST("/sessions", sessionHandler.Create)
		api.GET("/sessions/:id/messages", sessionHandler.ListMessages)
		api.POST("/sessions/:id/messages", sessionHandler.SendMessage)
		api.GET("/sessions/:id/stream", sessionHandler.Stream)
		api.POST("/sessions/:id/messages/:messageId/cancel", sessionHandler.CancelMessage)
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
