package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pedidos-cloud/order-service/internal/audit"
	"github.com/pedidos-cloud/order-service/internal/domain"
	"github.com/pedidos-cloud/order-service/internal/service"
)

// X-Actor-Sub identifies the caller for audit attribution. Requests without
// it are attributed to "anonymous".
const actorHeader = "X-Actor-Sub"

type OrderHandler struct {
	orderService *service.OrderService
	logger       *zap.Logger
}

func NewOrderHandler(orderService *service.OrderService, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		orderService: orderService,
		logger:       logger,
	}
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	var req domain.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), req, actorOf(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, domain.CreateOrderResponse{
		OrderID: order.OrderID,
		Status:  order.Status,
		Total:   order.Total.StringFixed(2),
		Message: "Pedido creado exitosamente",
	})
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	order, err := h.orderService.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) UpdateOrderItems(c *gin.Context) {
	var req domain.UpdateOrderItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orderService.UpdateOrderItems(c.Request.Context(), c.Param("id"), req.Items, actorOf(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) ApproveOrder(c *gin.Context) {
	order, err := h.orderService.ApproveOrder(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) ReleaseOrder(c *gin.Context) {
	order, err := h.orderService.ReleaseOrder(c.Request.Context(), c.Param("id"), actorOf(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) GetAuditTrail(c *gin.Context) {
	orderID := c.Param("id")
	trail, err := h.orderService.AuditTrail(c.Request.Context(), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id": orderID,
		"events":   trail,
	})
}

func (h *OrderHandler) VerifyAuditChain(c *gin.Context) {
	orderID := c.Param("id")
	valid, err := h.orderService.VerifyAuditChain(c.Request.Context(), orderID)
	if err != nil {
		var integrity *audit.ChainIntegrityError
		if errors.As(err, &integrity) {
			c.JSON(http.StatusOK, gin.H{
				"order_id":   orderID,
				"valid":      false,
				"event_hash": integrity.EventHash,
				"reason":     integrity.Reason,
			})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id": orderID,
		"valid":    valid,
	})
}

func (h *OrderHandler) respondError(c *gin.Context, err error) {
	var oos *domain.OutOfStockError
	var notFound *domain.ItemNotFoundError
	var badQty *domain.InvalidQuantityError

	switch {
	case errors.As(err, &oos):
		c.JSON(http.StatusConflict, gin.H{
			"kind":      "out_of_stock",
			"item":      oos.Item,
			"requested": oos.Requested,
			"available": oos.Available,
			"error":     oos.Error(),
		})
	case errors.As(err, &notFound):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"kind":  "item_not_found",
			"item":  notFound.Item,
			"error": notFound.Error(),
		})
	case errors.As(err, &badQty):
		c.JSON(http.StatusBadRequest, gin.H{
			"kind":  "invalid_quantity",
			"item":  badQty.Item,
			"error": badQty.Error(),
		})
	case errors.Is(err, domain.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, domain.ErrOrderAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "order already exists"})
	case errors.Is(err, domain.ErrOrderAlreadyTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": "order is in a terminal status"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func actorOf(c *gin.Context) string {
	if actor := c.GetHeader(actorHeader); actor != "" {
		return actor
	}
	return "anonymous"
}
