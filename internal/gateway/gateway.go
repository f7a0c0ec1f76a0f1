// Package gateway exposes the runtime over HTTP: a REST surface for
// driving networks and a WebSocket stream endpoint per agent. The
// gateway is a thin shell over the network manager; it owns no agent
// state of its own beyond the set of connected stream clients.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/askuser"
	"github.com/troupe-dev/troupe/internal/common/config"
	"github.com/troupe-dev/troupe/internal/common/httpmw"
	"github.com/troupe-dev/troupe/internal/common/logger"
	"github.com/troupe-dev/troupe/internal/events"
	"github.com/troupe-dev/troupe/internal/events/bus"
	"github.com/troupe-dev/troupe/internal/history"
	"github.com/troupe-dev/troupe/internal/network"
	"github.com/troupe-dev/troupe/internal/stream"
)

const serverName = "troupe-gateway"

// Server is the HTTP/WebSocket gateway.
type Server struct {
	cfg      *config.Config
	log      *logger.Logger
	networks *network.Manager
	askers   *askuser.Coordinator
	hub      *stream.Hub
	archive  *history.Archive // nil when the transcript archive is disabled
	bus      bus.EventBus
	version  string

	router  *gin.Engine
	clients *clientTable
	busSub  bus.Subscription
}

// New builds the gateway around its collaborators. A nil archive
// disables the history endpoint; a nil event bus disables network
// notifications on agent streams.
func New(
	cfg *config.Config,
	networks *network.Manager,
	askers *askuser.Coordinator,
	hub *stream.Hub,
	archive *history.Archive,
	eventBus bus.EventBus,
	version string,
	log *logger.Logger,
) (*Server, error) {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		log:      log.WithComponent("gateway"),
		networks: networks,
		askers:   askers,
		hub:      hub,
		archive:  archive,
		bus:      eventBus,
		version:  version,
		clients:  newClientTable(),
	}

	if eventBus != nil {
		sub, err := eventBus.Subscribe(events.BuildNetworkWildcardSubject(), s.onLifecycleEvent)
		if err != nil {
			return nil, err
		}
		s.busSub = sub
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(s.log, serverName))
	router.Use(httpmw.OtelTracing(serverName))
	s.router = router
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)

	api := s.router.Group("/api/v1")

	networks := api.Group("/networks")
	networks.POST("", s.createNetwork)
	networks.GET("", s.listNetworks)
	networks.GET("/:id", s.getNetwork)
	networks.DELETE("/:id", s.deleteNetwork)
	networks.POST("/:id/messages", s.postMessage)
	networks.GET("/:id/agents", s.listAgents)

	agents := networks.Group("/:id/agents/:agentId")
	agents.POST("/abort", s.abortAgent)
	agents.GET("/queue", s.listQueue)
	agents.DELETE("/queue/:messageId", s.cancelQueued)
	agents.GET("/conversation", s.getConversation)
	agents.GET("/history", s.agentHistory)
	agents.GET("/history/search", s.searchHistory)
	agents.GET("/stream", s.streamAgent)

	api.GET("/ask", s.pendingAsks)
	api.POST("/ask/:requestId/respond", s.respondAsk)
}

// Handler returns the router for mounting on an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close detaches the gateway from the event bus. Stream connections
// shut down with the hub, not with the gateway.
func (s *Server) Close() {
	if s.busSub != nil {
		if err := s.busSub.Unsubscribe(); err != nil {
			s.log.Warn("lifecycle unsubscribe failed", zap.Error(err))
		}
		s.busSub = nil
	}
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket
// connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
