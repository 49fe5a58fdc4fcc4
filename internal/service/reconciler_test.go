package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/murichu/rent-sub005/internal/gateway"
	"github.com/murichu/rent-sub005/internal/models"
)

func newTestReconciler(txStore *fakeTransactionStore, payStore *fakePaymentStore, pesapal PesapalStatusFetcher) *Reconciler {
	return NewReconciler(txStore, payStore, pesapal, nil, nil, nil, nil)
}

func pendingMpesaTransaction(reference string, amount int64) models.GatewayTransaction {
	return models.GatewayTransaction{
		ID:          uuid.New(),
		Reference:   reference,
		Provider:    models.ProviderMpesa,
		Amount:      decimal.NewFromInt(amount),
		TotalAmount: decimal.NewFromInt(amount),
		Currency:    "KES",
		PhoneNumber: "254712345678",
		AgencyID:    "agency-1",
		LeaseID:     "lease-9",
		Status:      models.StatusPending,
	}
}

func successCallback(reference, receipt string) models.StkCallback {
	cb := models.StkCallback{
		MerchantRequestID: "merchant-1",
		CheckoutRequestID: reference,
		ResultCode:        0,
		ResultDesc:        "The service request is processed successfully.",
	}
	cb.CallbackMetadata.Item = []models.StkCallbackItem{
		{Name: "MpesaReceiptNumber", Value: receipt},
		{Name: "Amount", Value: 50000.0},
	}
	return cb
}

func TestProcessMpesaCallback_EndToEnd(t *testing.T) {
	txStore := newFakeTransactionStore()
	payStore := newFakePaymentStore()
	r := newTestReconciler(txStore, payStore, nil)

	txStore.add(pendingMpesaTransaction("HAVEN-123", 50000))

	err := r.ProcessMpesaCallback(context.Background(), successCallback("HAVEN-123", "QGR7TY1KLM"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tx := txStore.get("HAVEN-123")
	if tx.Status != models.StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", tx.Status)
	}
	if tx.ProviderReceipt != "QGR7TY1KLM" {
		t.Errorf("receipt = %q", tx.ProviderReceipt)
	}
	if tx.CompletedAt == nil {
		t.Error("expected completion time to be stamped")
	}

	payment, _ := payStore.FindByTransactionReference(context.Background(), "HAVEN-123")
	if payment == nil {
		t.Fatal("expected a payment record")
	}
	if payment.Amount.String() != "50000" {
		t.Errorf("payment amount = %s, want 50000", payment.Amount)
	}
	if payment.LeaseID != "lease-9" {
		t.Errorf("payment lease = %q", payment.LeaseID)
	}
	if payment.Method != "MPESA" {
		t.Errorf("payment method = %q", payment.Method)
	}
	// The note records the callback outcome, not the initiation-time
	// description.
	if payment.Notes != "The service request is processed successfully." {
		t.Errorf("payment notes = %q", payment.Notes)
	}
}

func TestProcessMpesaCallback_IdempotentOnDuplicate(t *testing.T) {
	txStore := newFakeTransactionStore()
	payStore := newFakePaymentStore()
	r := newTestReconciler(txStore, payStore, nil)

	txStore.add(pendingMpesaTransaction("HAVEN-123", 50000))
	cb := successCallback("HAVEN-123", "QGR7TY1KLM")

	if err := r.ProcessMpesaCallback(context.Background(), cb); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := r.ProcessMpesaCallback(context.Background(), cb); err != nil {
		t.Fatalf("second delivery should be a no-op, got %v", err)
	}

	if payStore.count() != 1 {
		t.Errorf("expected exactly one payment, got %d", payStore.count())
	}
	if got := txStore.get("HAVEN-123").Status; got != models.StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", got)
	}
}

func TestProcessMpesaCallback_UnknownReference(t *testing.T) {
	txStore := newFakeTransactionStore()
	payStore := newFakePaymentStore()
	r := newTestReconciler(txStore, payStore, nil)

	err := r.ProcessMpesaCallback(context.Background(), successCallback("GHOST-1", "RCPT"))

	var notFound *TransactionNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected TransactionNotFoundError, got %v", err)
	}
	if notFound.Reference != "GHOST-1" {
		t.Errorf("reference = %q", notFound.Reference)
	}
	if len(txStore.transactions) != 0 {
		t.Error("unknown callback must not create a transaction")
	}
	if payStore.count() != 0 {
		t.Error("unknown callback must not create a payment")
	}
}

func TestProcessMpesaCallback_FailureAndCancellation(t *testing.T) {
	cases := []struct {
		name       string
		resultCode int
		want       models.TransactionStatus
	}{
		{"insufficient funds", 1, models.StatusFailed},
		{"user cancelled", 1032, models.StatusCancelled},
		{"timeout reaching phone", 1037, models.StatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			txStore := newFakeTransactionStore()
			payStore := newFakePaymentStore()
			r := newTestReconciler(txStore, payStore, nil)

			txStore.add(pendingMpesaTransaction("REF-1", 1000))

			cb := models.StkCallback{
				CheckoutRequestID: "REF-1",
				ResultCode:        tc.resultCode,
				ResultDesc:        tc.name,
			}
			if err := r.ProcessMpesaCallback(context.Background(), cb); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := txStore.get("REF-1").Status; got != tc.want {
				t.Errorf("status = %s, want %s", got, tc.want)
			}
			if payStore.count() != 0 {
				t.Error("no payment may be created for a non-success result")
			}
		})
	}
}

func TestProcessPesapalIPN_SuccessRecordsBaseAmount(t *testing.T) {
	txStore := newFakeTransactionStore()
	payStore := newFakePaymentStore()
	fetcher := &fakePesapalFetcher{status: &gateway.OrderStatus{
		PaymentStatusDescription: "Completed",
		ConfirmationCode:         "CONF-99",
		Amount:                   1085,
	}}
	r := newTestReconciler(txStore, payStore, fetcher)

	txStore.add(models.GatewayTransaction{
		ID:          uuid.New(),
		Reference:   "HVN-FEE-1",
		Provider:    models.ProviderPesapal,
		Amount:      decimal.NewFromInt(1000),
		Fees:        decimal.NewFromInt(85),
		TotalAmount: decimal.NewFromInt(1085),
		Currency:    "KES",
		AgencyID:    "agency-1",
		LeaseID:     "lease-2",
		TrackingID:  "track-1",
		Status:      models.StatusPending,
	})

	err := r.ProcessPesapalIPN(context.Background(), models.PesapalIPN{
		OrderTrackingID:        "track-1",
		OrderMerchantReference: "HVN-FEE-1",
		OrderNotificationType:  "IPNCHANGE",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payment, _ := payStore.FindByTransactionReference(context.Background(), "HVN-FEE-1")
	if payment == nil {
		t.Fatal("expected a payment record")
	}
	// The ledger records the base amount, never the fee-inclusive total.
	if payment.Amount.String() != "1000" {
		t.Errorf("payment amount = %s, want 1000", payment.Amount)
	}
}

func TestProcessPesapalIPN_PendingLeavesTransactionUntouched(t *testing.T) {
	txStore := newFakeTransactionStore()
	payStore := newFakePaymentStore()
	fetcher := &fakePesapalFetcher{status: &gateway.OrderStatus{PaymentStatusDescription: "Pending"}}
	r := newTestReconciler(txStore, payStore, fetcher)

	txStore.add(models.GatewayTransaction{
		Reference:  "HVN-2",
		Provider:   models.ProviderPesapal,
		Amount:     decimal.NewFromInt(100),
		TrackingID: "track-2",
		Status:     models.StatusPending,
	})

	err := r.ProcessPesapalIPN(context.Background(), models.PesapalIPN{
		OrderTrackingID:        "track-2",
		OrderMerchantReference: "HVN-2",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := txStore.get("HVN-2").Status; got != models.StatusPending {
		t.Errorf("status = %s, want PENDING", got)
	}
}

func TestProcessPesapalIPN_TerminalSkipsStatusFetch(t *testing.T) {
	txStore := newFakeTransactionStore()
	payStore := newFakePaymentStore()
	fetcher := &fakePesapalFetcher{status: &gateway.OrderStatus{PaymentStatusDescription: "Completed"}}
	r := newTestReconciler(txStore, payStore, fetcher)

	txStore.add(models.GatewayTransaction{
		Reference: "HVN-3",
		Provider:  models.ProviderPesapal,
		Amount:    decimal.NewFromInt(100),
		Status:    models.StatusFailed,
	})

	if err := r.ProcessPesapalIPN(context.Background(), models.PesapalIPN{
		OrderTrackingID:        "track-3",
		OrderMerchantReference: "HVN-3",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fetcher.calls != 0 {
		t.Error("terminal transaction should not trigger a status fetch")
	}
	if payStore.count() != 0 {
		t.Error("no payment may be created for an already-failed transaction")
	}
}

func TestProcessBankResult(t *testing.T) {
	txStore := newFakeTransactionStore()
	payStore := newFakePaymentStore()
	r := newTestReconciler(txStore, payStore, nil)

	txStore.add(models.GatewayTransaction{
		Reference:          "BNK-1",
		Provider:           models.ProviderKCB,
		Amount:             decimal.NewFromInt(75000),
		TotalAmount:        decimal.NewFromInt(75000),
		DestinationAccount: "1234567890",
		AgencyID:           "agency-1",
		Status:             models.StatusPending,
	})

	err := r.ProcessBankResult(context.Background(), models.BankTransferResult{
		TransactionReference: "BNK-1",
		Status:               "SUCCESS",
		ReceiptNumber:        "FT-555",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := txStore.get("BNK-1").Status; got != models.StatusSuccess {
		t.Errorf("status = %s, want SUCCESS", got)
	}
	payment, _ := payStore.FindByTransactionReference(context.Background(), "BNK-1")
	if payment == nil {
		t.Fatal("expected a payment record")
	}
	if payment.Method != "BANK_TRANSFER" {
		t.Errorf("method = %q", payment.Method)
	}
}

func TestRepairOrphan_Idempotent(t *testing.T) {
	txStore := newFakeTransactionStore()
	payStore := newFakePaymentStore()
	r := newTestReconciler(txStore, payStore, nil)

	completed := time.Now().Add(-time.Hour)
	tx := models.GatewayTransaction{
		Reference:       "HAVEN-123",
		Provider:        models.ProviderMpesa,
		Amount:          decimal.NewFromInt(50000),
		AgencyID:        "agency-1",
		LeaseID:         "lease-9",
		Status:          models.StatusSuccess,
		ProviderReceipt: "QGR7TY1KLM",
		CompletedAt:     &completed,
	}
	txStore.add(tx)

	if err := r.RepairOrphan(context.Background(), &tx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.RepairOrphan(context.Background(), &tx); err != nil {
		t.Fatalf("second repair should be a no-op, got %v", err)
	}

	if payStore.count() != 1 {
		t.Fatalf("expected exactly one payment, got %d", payStore.count())
	}
	payment, _ := payStore.FindByTransactionReference(context.Background(), "HAVEN-123")
	if !payment.PaidAt.Equal(completed) {
		t.Errorf("paid at = %s, want the transaction completion time", payment.PaidAt)
	}
}

func TestRecordPayment_SendsSMSReceipt(t *testing.T) {
	txStore := newFakeTransactionStore()
	payStore := newFakePaymentStore()
	sender := &fakeReceiptSender{}
	r := NewReconciler(txStore, payStore, nil, nil, nil, nil, sender)

	txStore.add(pendingMpesaTransaction("HAVEN-123", 50000))

	if err := r.ProcessMpesaCallback(context.Background(), successCallback("HAVEN-123", "QGR7TY1KLM")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sender.waitForReceipts(t, 1, 0)
}

func TestRecordPayment_SendsEmailReceiptWhenOnFile(t *testing.T) {
	txStore := newFakeTransactionStore()
	payStore := newFakePaymentStore()
	fetcher := &fakePesapalFetcher{status: &gateway.OrderStatus{
		PaymentStatusDescription: "Completed",
		ConfirmationCode:         "CONF-1",
	}}
	sender := &fakeReceiptSender{}
	r := NewReconciler(txStore, payStore, fetcher, nil, nil, nil, sender)

	txStore.add(models.GatewayTransaction{
		Reference:  "HVN-EMAIL",
		Provider:   models.ProviderPesapal,
		Amount:     decimal.NewFromInt(1000),
		Email:      "tenant@havenproperties.co.ke",
		TrackingID: "track-1",
		AgencyID:   "agency-1",
		Status:     models.StatusPending,
	})

	err := r.ProcessPesapalIPN(context.Background(), models.PesapalIPN{
		OrderTrackingID:        "track-1",
		OrderMerchantReference: "HVN-EMAIL",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sender.waitForReceipts(t, 0, 1)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.emails[0] != "tenant@havenproperties.co.ke" {
		t.Errorf("email sent to %q", sender.emails[0])
	}
}

func TestRecordPayment_NoReceiptOnFailureOrDuplicate(t *testing.T) {
	txStore := newFakeTransactionStore()
	payStore := newFakePaymentStore()
	sender := &fakeReceiptSender{}
	r := NewReconciler(txStore, payStore, nil, nil, nil, nil, sender)

	txStore.add(pendingMpesaTransaction("FAIL-1", 1000))
	failed := models.StkCallback{CheckoutRequestID: "FAIL-1", ResultCode: 1, ResultDesc: "Insufficient funds"}
	if err := r.ProcessMpesaCallback(context.Background(), failed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	txStore.add(pendingMpesaTransaction("OK-1", 1000))
	cb := successCallback("OK-1", "RCPT-1")
	if err := r.ProcessMpesaCallback(context.Background(), cb); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.ProcessMpesaCallback(context.Background(), cb); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}

	sender.waitForReceipts(t, 1, 0)
	// Allow any stray goroutine to land before the final assertion.
	time.Sleep(50 * time.Millisecond)
	if sender.smsCount() != 1 {
		t.Errorf("expected one receipt for the one success, got %d", sender.smsCount())
	}
}

func TestApplyProviderResult(t *testing.T) {
	txStore := newFakeTransactionStore()
	payStore := newFakePaymentStore()
	r := newTestReconciler(txStore, payStore, nil)

	txStore.add(pendingMpesaTransaction("POLL-1", 2000))

	err := r.ApplyProviderResult(context.Background(), "POLL-1", models.StatusCancelled, "", "Request cancelled by user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := txStore.get("POLL-1").Status; got != models.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got)
	}
	if payStore.count() != 0 {
		t.Error("cancellation must not create a payment")
	}
}
