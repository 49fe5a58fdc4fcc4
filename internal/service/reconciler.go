package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/murichu/rent-sub005/internal/gateway"
	"github.com/murichu/rent-sub005/internal/interfaces"
	"github.com/murichu/rent-sub005/internal/models"
	"github.com/murichu/rent-sub005/internal/telemetry"
)

// TransactionNotFoundError reports a callback or poll that referenced no
// known transaction. Unrecognized callbacks never create records.
type TransactionNotFoundError struct {
	Reference string
}

func (e *TransactionNotFoundError) Error() string {
	return fmt.Sprintf("no transaction found for reference %s", e.Reference)
}

// PesapalStatusFetcher fetches the current order status. Pesapal IPNs carry
// no outcome, so reconciliation follows up with this call.
type PesapalStatusFetcher interface {
	GetTransactionStatus(ctx context.Context, trackingID string) (*gateway.OrderStatus, error)
}

// ReceiptSender delivers a best-effort payment receipt to the payer, over
// SMS and, when an address is on file, email.
type ReceiptSender interface {
	SendPaymentReceipt(ctx context.Context, phone string, amount decimal.Decimal, reference string) error
	SendEmailReceipt(ctx context.Context, to, subject, body string) error
}

// Reconciler applies asynchronous provider results exactly once to the
// matching transaction and, on success, to the payment ledger. The
// compare-and-swap in the transaction store is the durable idempotency
// guard; the redis lock only narrows the window where two deliveries of the
// same callback race.
type Reconciler struct {
	txStore     interfaces.TransactionStore
	payStore    interfaces.PaymentStore
	pesapal     PesapalStatusFetcher
	redisClient *redis.Client
	kafkaWriter *kafka.Writer
	nc          *nats.Conn
	notifier    ReceiptSender
}

func NewReconciler(
	txStore interfaces.TransactionStore,
	payStore interfaces.PaymentStore,
	pesapal PesapalStatusFetcher,
	redisClient *redis.Client,
	kafkaWriter *kafka.Writer,
	nc *nats.Conn,
	notifier ReceiptSender,
) *Reconciler {
	return &Reconciler{
		txStore:     txStore,
		payStore:    payStore,
		pesapal:     pesapal,
		redisClient: redisClient,
		kafkaWriter: kafkaWriter,
		nc:          nc,
		notifier:    notifier,
	}
}

// ProcessMpesaCallback applies an STK push result. The lookup key is the
// CheckoutRequestID issued at initiation.
func (r *Reconciler) ProcessMpesaCallback(ctx context.Context, cb models.StkCallback) error {
	unlock := r.lock(ctx, cb.CheckoutRequestID)
	defer unlock()

	tx, err := r.txStore.FindByReference(ctx, cb.CheckoutRequestID)
	if err != nil {
		return err
	}
	if tx == nil {
		return &TransactionNotFoundError{Reference: cb.CheckoutRequestID}
	}
	if tx.Status.Terminal() {
		telemetry.Logger.Debug("Duplicate callback for finalized transaction",
			zap.String("reference", tx.Reference),
			zap.String("status", string(tx.Status)),
		)
		return nil
	}

	status := models.StatusFailed
	switch cb.ResultCode {
	case 0:
		status = models.StatusSuccess
	case 1032: // request cancelled by user
		status = models.StatusCancelled
	}

	return r.applyResult(ctx, tx, status, cb.ReceiptNumber(), cb.ResultDesc)
}

// ProcessPesapalIPN handles an order-change notification by fetching the
// order's current status and applying it. An order still pending on the
// provider side leaves the transaction untouched.
func (r *Reconciler) ProcessPesapalIPN(ctx context.Context, ipn models.PesapalIPN) error {
	unlock := r.lock(ctx, ipn.OrderMerchantReference)
	defer unlock()

	tx, err := r.txStore.FindByReference(ctx, ipn.OrderMerchantReference)
	if err != nil {
		return err
	}
	if tx == nil {
		return &TransactionNotFoundError{Reference: ipn.OrderMerchantReference}
	}
	if tx.Status.Terminal() {
		return nil
	}

	orderStatus, err := r.pesapal.GetTransactionStatus(ctx, ipn.OrderTrackingID)
	if err != nil {
		return fmt.Errorf("fetch pesapal status for %s: %w", ipn.OrderMerchantReference, err)
	}

	switch strings.ToUpper(orderStatus.PaymentStatusDescription) {
	case "COMPLETED":
		return r.applyResult(ctx, tx, models.StatusSuccess, orderStatus.ConfirmationCode, orderStatus.PaymentStatusDescription)
	case "FAILED", "INVALID", "REVERSED":
		return r.applyResult(ctx, tx, models.StatusFailed, orderStatus.ConfirmationCode, orderStatus.PaymentStatusDescription)
	}
	// Still pending on the provider side.
	return nil
}

// ProcessBankResult applies a funds-transfer callback.
func (r *Reconciler) ProcessBankResult(ctx context.Context, res models.BankTransferResult) error {
	unlock := r.lock(ctx, res.TransactionReference)
	defer unlock()

	tx, err := r.txStore.FindByReference(ctx, res.TransactionReference)
	if err != nil {
		return err
	}
	if tx == nil {
		return &TransactionNotFoundError{Reference: res.TransactionReference}
	}
	if tx.Status.Terminal() {
		return nil
	}

	switch strings.ToUpper(res.Status) {
	case "SUCCESS", "COMPLETED":
		return r.applyResult(ctx, tx, models.StatusSuccess, res.ReceiptNumber, res.StatusDescription)
	case "CANCELLED":
		return r.applyResult(ctx, tx, models.StatusCancelled, res.ReceiptNumber, res.StatusDescription)
	case "FAILED", "REJECTED":
		return r.applyResult(ctx, tx, models.StatusFailed, res.ReceiptNumber, res.StatusDescription)
	}
	return nil
}

// ApplyProviderResult resolves a transaction from a status poll. Used by the
// pending sweeper when a provider never called back.
func (r *Reconciler) ApplyProviderResult(ctx context.Context, reference string, status models.TransactionStatus, receipt, resultDesc string) error {
	unlock := r.lock(ctx, reference)
	defer unlock()

	tx, err := r.txStore.FindByReference(ctx, reference)
	if err != nil {
		return err
	}
	if tx == nil {
		return &TransactionNotFoundError{Reference: reference}
	}
	if tx.Status.Terminal() {
		return nil
	}
	return r.applyResult(ctx, tx, status, receipt, resultDesc)
}

// applyResult performs the terminal transition and its side effects. The
// status update is durable before the payment insert, so a crash in between
// leaves a SUCCESS transaction with no payment; the sweeper detects and
// repairs that gap.
func (r *Reconciler) applyResult(ctx context.Context, tx *models.GatewayTransaction, status models.TransactionStatus, receipt, resultDesc string) error {
	completedAt := time.Now()
	rows, err := r.txStore.MarkCompleted(ctx, tx.Reference, status, receipt, resultDesc, completedAt)
	if err != nil {
		return err
	}
	if rows == 0 {
		// Lost the race against another delivery of the same result.
		telemetry.Logger.Debug("Transaction already finalized", zap.String("reference", tx.Reference))
		return nil
	}

	telemetry.TransactionsReconciled.WithLabelValues(string(tx.Provider), string(status)).Inc()
	r.publishStateChange(ctx, tx, status)

	telemetry.Logger.Info("Transaction reconciled",
		zap.String("reference", tx.Reference),
		zap.String("provider", string(tx.Provider)),
		zap.String("status", string(status)),
		zap.String("receipt", receipt),
	)

	if status != models.StatusSuccess {
		return nil
	}
	return r.recordPayment(ctx, tx, receipt, resultDesc, completedAt)
}

// recordPayment creates the ledger entry for a successful transaction. The
// amount recorded is the base amount; pass-through fees stay on the
// transaction row only.
func (r *Reconciler) recordPayment(ctx context.Context, tx *models.GatewayTransaction, receipt, resultDesc string, paidAt time.Time) error {
	payment := &models.Payment{
		ID:                   uuid.New(),
		TransactionReference: tx.Reference,
		LeaseID:              tx.LeaseID,
		AgencyID:             tx.AgencyID,
		Amount:               tx.Amount,
		Method:               paymentMethod(tx.Provider),
		Reference:            receipt,
		Notes:                resultDesc,
		PaidAt:               paidAt,
	}

	created, err := r.payStore.CreateForTransaction(ctx, payment)
	if err != nil {
		return fmt.Errorf("create payment for %s: %w", tx.Reference, err)
	}
	if !created {
		telemetry.Logger.Debug("Payment already recorded", zap.String("reference", tx.Reference))
		return nil
	}

	telemetry.Logger.Info("Payment recorded",
		zap.String("reference", tx.Reference),
		zap.String("lease_id", tx.LeaseID),
		zap.String("amount", tx.Amount.String()),
	)

	r.publishPaymentReceived(tx, payment)

	if r.notifier != nil && (tx.PhoneNumber != "" || tx.Email != "") {
		// Receipts are best effort and must not hold up the webhook
		// acknowledgment.
		go r.sendReceipts(tx.PhoneNumber, tx.Email, tx.Amount, receipt)
	}

	return nil
}

func (r *Reconciler) sendReceipts(phone, email string, amount decimal.Decimal, receipt string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if phone != "" {
		if err := r.notifier.SendPaymentReceipt(ctx, phone, amount, receipt); err != nil {
			telemetry.Logger.Warn("Receipt SMS failed",
				zap.String("reference", receipt),
				zap.Error(err),
			)
		}
	}
	if email != "" {
		subject := "Payment received - " + receipt
		body := fmt.Sprintf("We have received your payment of KES %s. Reference: %s. Thank you.",
			amount.StringFixed(2), receipt)
		if err := r.notifier.SendEmailReceipt(ctx, email, subject, body); err != nil {
			telemetry.Logger.Warn("Receipt email failed",
				zap.String("reference", receipt),
				zap.Error(err),
			)
		}
	}
}

// RepairOrphan re-enters the payment creation path for a SUCCESS transaction
// that has no linked payment. Safe because the insert is idempotent on the
// transaction reference.
func (r *Reconciler) RepairOrphan(ctx context.Context, tx *models.GatewayTransaction) error {
	paidAt := time.Now()
	if tx.CompletedAt != nil {
		paidAt = *tx.CompletedAt
	}
	return r.recordPayment(ctx, tx, tx.ProviderReceipt, tx.ResultDesc, paidAt)
}

func (r *Reconciler) publishStateChange(ctx context.Context, tx *models.GatewayTransaction, status models.TransactionStatus) {
	if r.kafkaWriter == nil {
		return
	}
	event := models.StateChangedEvent{
		Reference:     tx.Reference,
		Provider:      tx.Provider,
		Status:        status,
		PreviousState: models.StatusPending,
		AgencyID:      tx.AgencyID,
		Timestamp:     time.Now(),
	}
	eventJSON, _ := json.Marshal(event)
	if err := r.kafkaWriter.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tx.Reference),
		Value: eventJSON,
	}); err != nil {
		telemetry.Logger.Error("Failed to publish state change",
			zap.String("reference", tx.Reference),
			zap.Error(err),
		)
	}
}

func (r *Reconciler) publishPaymentReceived(tx *models.GatewayTransaction, payment *models.Payment) {
	if r.nc == nil {
		return
	}
	event := models.PaymentReceivedEvent{
		Reference:   tx.Reference,
		LeaseID:     tx.LeaseID,
		AgencyID:    tx.AgencyID,
		Amount:      payment.Amount,
		Method:      payment.Method,
		PhoneNumber: tx.PhoneNumber,
		PaidAt:      payment.PaidAt,
	}
	eventJSON, _ := json.Marshal(event)
	if err := r.nc.Publish("payments.received", eventJSON); err != nil {
		telemetry.Logger.Error("Failed to publish payment received",
			zap.String("reference", tx.Reference),
			zap.Error(err),
		)
	}
}

// lock takes a short per-reference redis lock, returning its release func.
// When redis is not configured the lock is a no-op; the store CAS still
// guarantees exactly-once application.
func (r *Reconciler) lock(ctx context.Context, reference string) func() {
	if r.redisClient == nil || reference == "" {
		return func() {}
	}
	lockKey := "reconcile_lock:" + reference
	ok := r.redisClient.SetNX(ctx, lockKey, "1", 30*time.Second)
	if !ok.Val() {
		telemetry.Logger.Debug("Concurrent reconciliation in flight", zap.String("reference", reference))
		return func() {}
	}
	return func() { r.redisClient.Del(context.Background(), lockKey) }
}

func paymentMethod(p models.Provider) string {
	switch p {
	case models.ProviderMpesa:
		return "MPESA"
	case models.ProviderPesapal:
		return "PESAPAL"
	case models.ProviderKCB:
		return "BANK_TRANSFER"
	}
	return strings.ToUpper(string(p))
}

// mpesaStatusFromQuery maps an STK status-query result code to a terminal
// status. Only definitive codes resolve; anything else leaves the
// transaction pending.
func mpesaStatusFromQuery(resultCode string) (models.TransactionStatus, bool) {
	code, err := strconv.Atoi(resultCode)
	if err != nil {
		return "", false
	}
	switch code {
	case 0:
		return models.StatusSuccess, true
	case 1032:
		return models.StatusCancelled, true
	case 1, 1037, 2001, 1025, 1019:
		return models.StatusFailed, true
	}
	return "", false
}
