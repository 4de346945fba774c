// Package api serves the read-only HTTP surface: order and position
// state, cache and subscription statistics, health, and Prometheus
// metrics. All trading decisions stay inside the engine; nothing here
// mutates state.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"equity-trading-engine/internal/database"
	"equity-trading-engine/internal/exit"
	"equity-trading-engine/internal/marketdata"
	"equity-trading-engine/internal/orders"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig
	logger     zerolog.Logger

	manager       *orders.Manager
	cache         *marketdata.Cache
	subscriptions *marketdata.SubscriptionManager
	exitEngine    *exit.Engine
	targets       *database.RedisTargetStore // nil when Redis is disabled
}

// NewServer creates the API server. exitEngine and targets may be nil
// when those subsystems are disabled.
func NewServer(config ServerConfig, manager *orders.Manager, cache *marketdata.Cache, subscriptions *marketdata.SubscriptionManager, exitEngine *exit.Engine, targets *database.RedisTargetStore, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:        router,
		config:        config,
		logger:        logger.With().Str("component", "APIServer").Logger(),
		manager:       manager,
		cache:         cache,
		subscriptions: subscriptions,
		exitEngine:    exitEngine,
		targets:       targets,
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		api.GET("/orders", s.handleListOrders)
		api.GET("/orders/:id", s.handleGetOrder)
		api.GET("/positions", s.handleListPositions)
		api.GET("/positions/:symbol/target", s.handleGetTarget)
		api.GET("/cache/stats", s.handleCacheStats)
		api.GET("/subscriptions", s.handleSubscriptions)
	}
}

// Start runs the HTTP server until Stop is called
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info().Msg("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// handleListOrders returns orders filtered by status; default is the
// active book (pending + ongoing)
func (s *Server) handleListOrders(c *gin.Context) {
	var statuses []orders.Status
	if raw := c.Query("status"); raw != "" {
		statuses = append(statuses, orders.Status(raw))
	} else {
		statuses = append(statuses, orders.StatusPending, orders.StatusOngoing)
	}

	result, err := s.manager.Store().ListByStatus(c.Request.Context(), statuses...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if result == nil {
		result = []*orders.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": result, "count": len(result)})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	order, err := s.manager.Store().GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleListPositions(c *gin.Context) {
	positions, err := s.manager.Positions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if positions == nil {
		positions = []orders.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

// handleGetTarget returns the live trailing target when the engine has
// one, falling back to the last persisted snapshot
func (s *Server) handleGetTarget(c *gin.Context) {
	symbol := c.Param("symbol")

	if s.exitEngine != nil {
		if target, ok := s.exitEngine.BestTarget(symbol); ok {
			c.JSON(http.StatusOK, gin.H{"symbol": symbol, "target": target, "source": "live"})
			return
		}
	}

	if s.targets != nil {
		persisted, err := s.targets.GetTarget(c.Request.Context(), symbol)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if persisted != nil {
			c.JSON(http.StatusOK, gin.H{
				"symbol":   symbol,
				"target":   persisted.Target,
				"saved_at": persisted.SavedAt,
				"source":   "persisted",
			})
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "no trailing target for " + symbol})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	hits, misses, hitRate := s.cache.Stats()
	c.JSON(http.StatusOK, gin.H{
		"hits":     hits,
		"misses":   misses,
		"hit_rate": hitRate,
	})
}

func (s *Server) handleSubscriptions(c *gin.Context) {
	c.JSON(http.StatusOK, s.subscriptions.Stats())
}
