package httpinterface

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/driftlockhq/driftlock/internal/core/application"
	"github.com/driftlockhq/driftlock/internal/core/domain"
	"github.com/driftlockhq/driftlock/internal/interface/ws"
	"github.com/driftlockhq/driftlock/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Service is the HTTP surface: a REST API for orders and the websocket
// endpoint resolvers use for the auction push channel.
type Service struct {
	appSvc *application.Service
	hub    *ws.Hub
	server *http.Server
}

func NewService(addr string, appSvc *application.Service, hub *ws.Hub) *Service {
	router := gin.New()
	router.Use(gin.Recovery())

	svc := &Service{appSvc: appSvc, hub: hub}

	router.GET("/healthz", svc.healthz)
	router.GET("/ws", gin.WrapF(hub.HandleWS))

	v1 := router.Group("/v1")
	v1.POST("/orders", svc.createOrder)
	v1.GET("/orders", svc.listOrders)
	v1.GET("/orders/:id", svc.getOrder)
	v1.GET("/orders/:id/units", svc.getUnits)
	v1.GET("/auctions", svc.listAuctions)

	svc.server = &http.Server{Addr: addr, Handler: router}
	return svc
}

func (s *Service) Start() {
	go func() {
		logrus.WithField("addr", s.server.Addr).Info("http server started")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("http server failed")
		}
	}()
}

func (s *Service) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// nolint:all
	s.server.Shutdown(ctx)
}

func (s *Service) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createOrderRequest struct {
	Maker      string  `json:"maker" binding:"required"`
	Recipient  string  `json:"recipient" binding:"required"`
	SrcAmount  uint64  `json:"srcAmount" binding:"required"`
	DstAmount  uint64  `json:"dstAmount" binding:"required"`
	PartsCount int     `json:"partsCount"`
	StartPrice float64 `json:"startPrice" binding:"required"`
	MinPrice   float64 `json:"minPrice" binding:"required"`
	DurationS  int64   `json:"durationSeconds" binding:"required"`
}

func (s *Service) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := s.appSvc.CreateOrder(c.Request.Context(), application.OrderRequest{
		Maker:      req.Maker,
		Recipient:  req.Recipient,
		SrcAmount:  req.SrcAmount,
		DstAmount:  req.DstAmount,
		PartsCount: req.PartsCount,
		StartPrice: req.StartPrice,
		MinPrice:   req.MinPrice,
		Duration:   time.Duration(req.DurationS) * time.Second,
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, orderView(*order))
}

func (s *Service) listOrders(c *gin.Context) {
	orders, err := s.appSvc.ListOrders(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]gin.H, 0, len(orders))
	for _, order := range orders {
		views = append(views, orderView(order))
	}
	c.JSON(http.StatusOK, gin.H{"orders": views})
}

func (s *Service) getOrder(c *gin.Context) {
	order, err := s.appSvc.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, orderView(*order))
}

func (s *Service) getUnits(c *gin.Context) {
	units, err := s.appSvc.GetUnits(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]gin.H, 0, len(units))
	for _, unit := range units {
		views = append(views, gin.H{
			"id":            unit.Id,
			"orderId":       unit.OrderId,
			"segmentId":     unit.SegmentId,
			"partIndex":     unit.PartIndex,
			"amount":        unit.Amount,
			"resolver":      unit.Resolver,
			"clearingPrice": unit.ClearingPrice,
			"status":        unit.Status.String(),
			"reason":        unit.Reason,
		})
	}
	c.JSON(http.StatusOK, gin.H{"units": views})
}

func (s *Service) listAuctions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"auctions": s.appSvc.ActiveAuctions()})
}

func orderView(order domain.Order) gin.H {
	return gin.H{
		"id":         order.Id,
		"maker":      order.Maker,
		"recipients": order.Recipients,
		"srcAmount":  order.SrcAmount,
		"dstAmount":  order.DstAmount,
		"hashlock":   utils.EncodeHash(order.Hashlock),
		"partsCount": order.PartsCount,
		"status":     order.Status.String(),
		"timestamp":  order.Timestamp,
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
