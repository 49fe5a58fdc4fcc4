package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/murichu/rent-sub005/internal/models"
	"github.com/murichu/rent-sub005/internal/service"
	"github.com/murichu/rent-sub005/internal/telemetry"
)

// CallbackHandler receives provider webhooks. Signature / source-IP
// verification happens upstream; payloads are still treated as untrusted
// and can only resolve transactions that already exist.
type CallbackHandler struct {
	reconciler *service.Reconciler
}

func NewCallbackHandler(reconciler *service.Reconciler) *CallbackHandler {
	return &CallbackHandler{reconciler: reconciler}
}

func (h *CallbackHandler) MpesaCallback(c *gin.Context) {
	var envelope models.StkCallbackEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		telemetry.Logger.Error("Malformed STK callback", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "Invalid payload"})
		return
	}

	err := h.reconciler.ProcessMpesaCallback(c.Request.Context(), envelope.Body.StkCallback)
	if err != nil {
		h.respondCallbackError(c, "mpesa", err)
		return
	}

	// M-Pesa expects this acknowledgment shape.
	c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
}

// PesapalIPN handles both the GET (query params) and POST (JSON) delivery
// modes Pesapal supports.
func (h *CallbackHandler) PesapalIPN(c *gin.Context) {
	var ipn models.PesapalIPN
	if c.Request.Method == http.MethodGet {
		ipn.OrderTrackingID = c.Query("OrderTrackingId")
		ipn.OrderMerchantReference = c.Query("OrderMerchantReference")
		ipn.OrderNotificationType = c.Query("OrderNotificationType")
	} else if err := c.ShouldBindJSON(&ipn); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if ipn.OrderTrackingID == "" || ipn.OrderMerchantReference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing order identifiers"})
		return
	}

	err := h.reconciler.ProcessPesapalIPN(c.Request.Context(), ipn)
	if err != nil {
		h.respondCallbackError(c, "pesapal", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orderNotificationType":  ipn.OrderNotificationType,
		"orderTrackingId":        ipn.OrderTrackingID,
		"orderMerchantReference": ipn.OrderMerchantReference,
		"status":                 200,
	})
}

func (h *CallbackHandler) BankCallback(c *gin.Context) {
	var result models.BankTransferResult
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	err := h.reconciler.ProcessBankResult(c.Request.Context(), result)
	if err != nil {
		h.respondCallbackError(c, "kcb", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// respondCallbackError acknowledges failure to the provider so it may retry
// where its webhook contract supports that, without crashing the process.
func (h *CallbackHandler) respondCallbackError(c *gin.Context, provider string, err error) {
	var notFound *service.TransactionNotFoundError
	if errors.As(err, &notFound) {
		telemetry.Logger.Warn("Callback for unknown transaction",
			zap.String("provider", provider),
			zap.String("reference", notFound.Reference),
		)
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown transaction reference"})
		return
	}

	telemetry.Logger.Error("Callback processing failed",
		zap.String("provider", provider),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process callback"})
}
