package api

import (
	"errors"
	"net/http"

	"github.com/ecommerce/services/order/internal/db"
	"github.com/ecommerce/services/order/internal/events"
	"github.com/ecommerce/services/order/internal/metrics"
	"github.com/ecommerce/services/order/internal/repo"
	"github.com/ecommerce/services/order/internal/saga"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// BusHealth reports whether the event bus connection is alive.
type BusHealth interface {
	IsHealthy() bool
}

// Server exposes the order service HTTP surface. Routing and rate limiting
// belong to the gateway; authentication happens upstream and arrives as the
// X-User-ID principal header.
type Server struct {
	orchestrator *saga.Orchestrator
	database     *db.DB
	bus          BusHealth
	metrics      *metrics.Metrics
	log          *zap.Logger
}

// NewServer creates a new API server
func NewServer(orchestrator *saga.Orchestrator, database *db.DB, bus BusHealth, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{
		orchestrator: orchestrator,
		database:     database,
		bus:          bus,
		metrics:      m,
		log:          logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", s.createOrder)
		v1.GET("/orders/:id", s.getOrder)
	}

	return router
}

type createOrderRequest struct {
	Items []struct {
		SKU      string `json:"sku" binding:"required"`
		Quantity int32  `json:"quantity" binding:"required"`
	} `json:"items" binding:"required"`
}

func (s *Server) createOrder(c *gin.Context) {
	customerID := c.GetHeader("X-User-ID")
	if customerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authenticated principal"})
		return
	}

	var body createOrderRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items := make([]events.LineItem, 0, len(body.Items))
	for _, item := range body.Items {
		items = append(items, events.LineItem{SKU: item.SKU, Quantity: item.Quantity})
	}

	req := saga.CreateOrderRequest{
		OrderID:    c.GetHeader("Idempotency-Key"),
		CustomerID: customerID,
		Items:      items,
	}

	order, created, err := s.orchestrator.CreateOrder(c.Request.Context(), req)
	if errors.Is(err, saga.ErrValidation) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "order": order})
		return
	}
	if err != nil {
		s.log.Error("Failed to create order", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "order could not be accepted"})
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, order)
}

func (s *Server) getOrder(c *gin.Context) {
	order, err := s.orchestrator.GetOrder(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repo.ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		s.log.Error("Failed to get order", zap.String("order_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, order)
}

func (s *Server) health(c *gin.Context) {
	if err := s.database.Ping(); err != nil {
		s.log.Error("Database health check failed", zap.Error(err))
		c.String(http.StatusServiceUnavailable, "unhealthy: database connection failed")
		return
	}

	if s.bus != nil && !s.bus.IsHealthy() {
		s.log.Error("RabbitMQ health check failed")
		c.String(http.StatusServiceUnavailable, "unhealthy: rabbitmq connection failed")
		return
	}

	c.String(http.StatusOK, "healthy")
}
