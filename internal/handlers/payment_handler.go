package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/murichu/rent-sub005/internal/circuitbreaker"
	"github.com/murichu/rent-sub005/internal/gateway"
	"github.com/murichu/rent-sub005/internal/interfaces"
	"github.com/murichu/rent-sub005/internal/telemetry"
)

type PaymentHandler struct {
	mpesa   *gateway.MpesaGateway
	pesapal *gateway.PesapalGateway
	bank    *gateway.BankGateway
	txStore interfaces.TransactionStore
}

func NewPaymentHandler(
	mpesa *gateway.MpesaGateway,
	pesapal *gateway.PesapalGateway,
	bank *gateway.BankGateway,
	txStore interfaces.TransactionStore,
) *PaymentHandler {
	return &PaymentHandler{
		mpesa:   mpesa,
		pesapal: pesapal,
		bank:    bank,
		txStore: txStore,
	}
}

type stkPushBody struct {
	Amount           decimal.Decimal `json:"amount" binding:"required"`
	PhoneNumber      string          `json:"phone_number" binding:"required"`
	AccountReference string          `json:"account_reference"`
	Description      string          `json:"description"`
	AgencyID         string          `json:"agency_id" binding:"required"`
	LeaseID          string          `json:"lease_id"`
}

func (h *PaymentHandler) InitiateStkPush(c *gin.Context) {
	var body stkPushBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.mpesa.InitiateStkPush(c.Request.Context(), gateway.StkPushRequest{
		Amount:           body.Amount,
		PhoneNumber:      body.PhoneNumber,
		AccountReference: body.AccountReference,
		Description:      body.Description,
		AgencyID:         body.AgencyID,
		LeaseID:          body.LeaseID,
	})
	if err != nil {
		respondInitiationError(c, "mpesa", err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

type pesapalOrderBody struct {
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	Reference   string          `json:"reference"`
	PhoneNumber string          `json:"phone_number"`
	Email       string          `json:"email"`
	AgencyID    string          `json:"agency_id" binding:"required"`
	LeaseID     string          `json:"lease_id"`
}

func (h *PaymentHandler) SubmitPesapalOrder(c *gin.Context) {
	var body pesapalOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.pesapal.SubmitOrder(c.Request.Context(), gateway.OrderRequest{
		Amount:      body.Amount,
		Currency:    body.Currency,
		Description: body.Description,
		Reference:   body.Reference,
		PhoneNumber: body.PhoneNumber,
		Email:       body.Email,
		AgencyID:    body.AgencyID,
		LeaseID:     body.LeaseID,
	})
	if err != nil {
		respondInitiationError(c, "pesapal", err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

type bankTransferBody struct {
	Amount             decimal.Decimal `json:"amount" binding:"required"`
	DestinationAccount string          `json:"destination_account" binding:"required"`
	BankCode           string          `json:"bank_code" binding:"required"`
	Narration          string          `json:"narration"`
	Reference          string          `json:"reference"`
	AgencyID           string          `json:"agency_id" binding:"required"`
	LeaseID            string          `json:"lease_id"`
}

func (h *PaymentHandler) SendBankTransfer(c *gin.Context) {
	var body bankTransferBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.bank.SendToBank(c.Request.Context(), gateway.BankTransferRequest{
		Amount:             body.Amount,
		DestinationAccount: body.DestinationAccount,
		BankCode:           body.BankCode,
		Narration:          body.Narration,
		Reference:          body.Reference,
		AgencyID:           body.AgencyID,
		LeaseID:            body.LeaseID,
	})
	if err != nil {
		respondInitiationError(c, "kcb", err)
		return
	}

	c.JSON(http.StatusAccepted, result)
}

// GetTransaction is the polling entry point for a previously initiated
// payment.
func (h *PaymentHandler) GetTransaction(c *gin.Context) {
	reference := c.Param("reference")

	tx, err := h.txStore.FindByReference(c.Request.Context(), reference)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch transaction"})
		return
	}
	if tx == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reference":    tx.Reference,
		"provider":     tx.Provider,
		"status":       tx.Status,
		"amount":       tx.Amount,
		"fees":         tx.Fees,
		"total_amount": tx.TotalAmount,
		"currency":     tx.Currency,
		"receipt":      tx.ProviderReceipt,
		"created_at":   tx.CreatedAt,
		"completed_at": tx.CompletedAt,
	})
}

// respondInitiationError maps adapter errors onto user-facing responses:
// breaker open and timeouts are retryable unavailability, provider
// rejections carry the provider's message, validation errors are the
// caller's fault.
func respondInitiationError(c *gin.Context, provider string, err error) {
	var validationErr *gateway.ValidationError
	var rejectedErr *gateway.RejectedError
	var openErr *circuitbreaker.OpenError
	var timeoutErr *circuitbreaker.TimeoutError

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Message})
	case errors.As(err, &rejectedErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "Payment request was declined",
			"code":  rejectedErr.Code,
		})
	case errors.As(err, &openErr), errors.As(err, &timeoutErr):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Payment service temporarily unavailable, try again shortly",
		})
	default:
		telemetry.Logger.Error("Payment initiation failed",
			zap.String("provider", provider),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to initiate payment"})
	}
}
