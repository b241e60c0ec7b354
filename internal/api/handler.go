package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"checkout-service/internal/discount"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PurchaseReader is the ledger view the API exposes for the client poll
// fallback, purchase history and the admin refund.
type PurchaseReader interface {
	GetPurchasesByTransactionID(ctx context.Context, transactionID string) ([]models.Purchase, error)
	GetPurchasesByUserID(ctx context.Context, userID int64) ([]models.Purchase, error)
	RefundPurchase(ctx context.Context, purchaseID int64) error
}

// Handler contains HTTP handlers
type Handler struct {
	checkout       *service.CheckoutService
	reconciliation *service.ReconciliationService
	purchases      PurchaseReader
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkout *service.CheckoutService,
	reconciliation *service.ReconciliationService,
	purchases PurchaseReader,
) *Handler {
	return &Handler{
		checkout:       checkout,
		reconciliation: reconciliation,
		purchases:      purchases,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.beginCheckout)
		v1.POST("/checkout/discount", h.applyDiscount)
		v1.POST("/checkout/card/session", h.startCardPayment)
		v1.POST("/checkout/card/pending", h.ensurePending)
		v1.POST("/checkout/paypal/order", h.startWalletPayment)
		v1.POST("/checkout/paypal/capture", h.captureWalletPayment)
		v1.POST("/payments/notify", h.paymentNotification)
		v1.POST("/payments/callback", h.paymentCallback)
		v1.GET("/purchases/:txn", h.getPurchases)
		v1.GET("/users/:id/purchases", h.getUserPurchases)
		v1.POST("/admin/refund", h.refundPurchase)
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// beginCheckout opens a checkout session for a cart
func (h *Handler) beginCheckout(c *gin.Context) {
	var req service.BeginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	view, err := h.checkout.Begin(c.Request.Context(), &req)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

type applyDiscountRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Code      string `json:"code" binding:"required"`
}

func (h *Handler) applyDiscount(c *gin.Context) {
	var req applyDiscountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	view, err := h.checkout.ApplyDiscount(c.Request.Context(), req.SessionID, req.Code)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) startCardPayment(c *gin.Context) {
	var req service.StartCardPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	view, err := h.checkout.StartCardPayment(c.Request.Context(), &req)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

type sessionRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

func (h *Handler) ensurePending(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	view, err := h.checkout.EnsurePending(c.Request.Context(), req.SessionID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) startWalletPayment(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	view, err := h.checkout.StartWalletPayment(c.Request.Context(), req.SessionID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handler) captureWalletPayment(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	result, err := h.checkout.CaptureWalletPayment(c.Request.Context(), req.SessionID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// orderResultPayload is the shape both the gateway webhook and the
// client-observed embedded-frame message deliver.
type orderResultPayload struct {
	Name                string `json:"name,omitempty"`
	Status              string `json:"status" binding:"required"`
	OrderIdentification string `json:"orderIdentification" binding:"required"`
	ErrorMessage        string `json:"errorMessage,omitempty"`
	SessionID           string `json:"session_id,omitempty"`
	UserID              int64  `json:"user_id,omitempty"`
}

func (p *orderResultPayload) signalStatus() service.SignalStatus {
	switch strings.ToLower(p.Status) {
	case "success", "approved", "completed", "paid":
		return service.SignalSuccess
	case "cancel", "cancelled", "canceled":
		return service.SignalCancel
	default:
		return service.SignalFailure
	}
}

// paymentNotification is the gateway's asynchronous server-to-server
// webhook. Always answered 200 once parsed, duplicates included, so the
// provider stops redelivering.
func (h *Handler) paymentNotification(c *gin.Context) {
	var payload orderResultPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid notification body", "details": err.Error()})
		return
	}

	result, err := h.reconciliation.HandleConfirmation(c.Request.Context(), &service.ConfirmationSignal{
		Channel:       service.ChannelWebhook,
		Status:        payload.signalStatus(),
		TransactionID: payload.OrderIdentification,
		UserID:        payload.UserID,
		ErrorMessage:  payload.ErrorMessage,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// paymentCallback is the client-observed confirmation signal, same shape
// as the webhook, delivered when the embedded frame posts an orderResult
// message. On success the checkout session is closed.
func (h *Handler) paymentCallback(c *gin.Context) {
	var payload orderResultPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid callback body", "details": err.Error()})
		return
	}

	result, err := h.reconciliation.HandleConfirmation(c.Request.Context(), &service.ConfirmationSignal{
		Channel:       service.ChannelClient,
		Status:        payload.signalStatus(),
		TransactionID: payload.OrderIdentification,
		UserID:        payload.UserID,
		ErrorMessage:  payload.ErrorMessage,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}

	if result.Status == models.PurchaseStatusCompleted && payload.SessionID != "" {
		h.checkout.CloseSession(c.Request.Context(), payload.SessionID)
	}
	c.JSON(http.StatusOK, result)
}

// getPurchases is the client poll fallback for purchase status
func (h *Handler) getPurchases(c *gin.Context) {
	txn := c.Param("txn")

	purchases, err := h.purchases.GetPurchasesByTransactionID(c.Request.Context(), txn)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load purchases", "details": err.Error()})
		return
	}
	if len(purchases) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"purchases": purchases})
}

// getUserPurchases returns a user's purchase history
func (h *Handler) getUserPurchases(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	purchases, err := h.purchases.GetPurchasesByUserID(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load purchases", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchases": purchases})
}

type refundRequest struct {
	PurchaseID int64 `json:"purchase_id" binding:"required"`
}

// refundPurchase transitions a single completed purchase to refunded.
// Only completed rows are refundable.
func (h *Handler) refundPurchase(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := h.purchases.RefundPurchase(c.Request.Context(), req.PurchaseID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "Refund rejected", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase_id": req.PurchaseID, "status": models.PurchaseStatusRefunded})
}

// renderError translates the checkout error taxonomy into HTTP statuses.
func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrPaymentNotConfigured):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Payment not configured"})
	case errors.Is(err, service.ErrIdentityRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "User id or guest email required"})
	case errors.Is(err, service.ErrSessionExpired):
		c.JSON(http.StatusGone, gin.H{"error": "Checkout session expired"})
	case errors.Is(err, service.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "Operation not allowed in current checkout state"})
	case errors.Is(err, store.ErrAlreadyOwned):
		c.JSON(http.StatusConflict, gin.H{"error": "All items already owned", "details": err.Error()})
	case discount.IsTerminal(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Discount code invalid", "details": err.Error()})
	case errors.Is(err, gateway.ErrProviderAuth):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Payment provider unavailable"})
	case errors.Is(err, gateway.ErrProviderRejected):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "Payment rejected", "details": err.Error()})
	case errors.Is(err, gateway.ErrUnknownOutcome):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Payment outcome unknown, awaiting provider notification"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Checkout failed", "details": err.Error()})
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
