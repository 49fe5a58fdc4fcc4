package service

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/murichu/rent-sub005/internal/gateway"
	"github.com/murichu/rent-sub005/internal/models"
	"github.com/murichu/rent-sub005/internal/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Logger = zap.NewNop()
	os.Exit(m.Run())
}

type fakeTransactionStore struct {
	mu           sync.Mutex
	transactions map[string]*models.GatewayTransaction
	orphans      []models.GatewayTransaction
}

func newFakeTransactionStore() *fakeTransactionStore {
	return &fakeTransactionStore{transactions: make(map[string]*models.GatewayTransaction)}
}

func (s *fakeTransactionStore) add(tx models.GatewayTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.CreatedAt = time.Now()
	s.transactions[tx.Reference] = &tx
}

func (s *fakeTransactionStore) Create(ctx context.Context, tx *models.GatewayTransaction) error {
	s.add(*tx)
	return nil
}

func (s *fakeTransactionStore) FindByReference(ctx context.Context, reference string) (*models.GatewayTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[reference]
	if !ok {
		return nil, nil
	}
	copied := *tx
	return &copied, nil
}

func (s *fakeTransactionStore) MarkCompleted(ctx context.Context, reference string, status models.TransactionStatus, receipt, resultDesc string, completedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[reference]
	if !ok || tx.Status != models.StatusPending {
		return 0, nil
	}
	tx.Status = status
	tx.ProviderReceipt = receipt
	tx.ResultDesc = resultDesc
	tx.CompletedAt = &completedAt
	return 1, nil
}

func (s *fakeTransactionStore) FindStalePending(ctx context.Context, olderThan time.Duration) ([]models.GatewayTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.GatewayTransaction
	for _, tx := range s.transactions {
		if tx.Status == models.StatusPending {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (s *fakeTransactionStore) FindSuccessWithoutPayment(ctx context.Context) ([]models.GatewayTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orphans, nil
}

func (s *fakeTransactionStore) get(reference string) *models.GatewayTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactions[reference]
}

type fakePaymentStore struct {
	mu       sync.Mutex
	payments map[string]*models.Payment
}

func newFakePaymentStore() *fakePaymentStore {
	return &fakePaymentStore{payments: make(map[string]*models.Payment)}
}

func (s *fakePaymentStore) CreateForTransaction(ctx context.Context, p *models.Payment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.payments[p.TransactionReference]; exists {
		return false, nil
	}
	copied := *p
	s.payments[p.TransactionReference] = &copied
	return true, nil
}

func (s *fakePaymentStore) FindByTransactionReference(ctx context.Context, reference string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[reference]
	if !ok {
		return nil, nil
	}
	copied := *p
	return &copied, nil
}

func (s *fakePaymentStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}

type fakePesapalFetcher struct {
	status *gateway.OrderStatus
	err    error
	calls  int
}

func (f *fakePesapalFetcher) GetTransactionStatus(ctx context.Context, trackingID string) (*gateway.OrderStatus, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.status, nil
}

type fakeReceiptSender struct {
	mu     sync.Mutex
	sms    []string
	emails []string
}

func (f *fakeReceiptSender) SendPaymentReceipt(ctx context.Context, phone string, amount decimal.Decimal, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sms = append(f.sms, reference)
	return nil
}

func (f *fakeReceiptSender) SendEmailReceipt(ctx context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, to)
	return nil
}

func (f *fakeReceiptSender) smsCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sms)
}

func (f *fakeReceiptSender) emailCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emails)
}

// waitForReceipts polls until the sender has seen the wanted counts or the
// deadline passes. Receipts go out on a goroutine, so tests cannot assert
// on them synchronously.
func (f *fakeReceiptSender) waitForReceipts(t *testing.T, wantSMS, wantEmails int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.smsCount() == wantSMS && f.emailCount() == wantEmails {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("receipts: sms=%d emails=%d, want sms=%d emails=%d",
		f.smsCount(), f.emailCount(), wantSMS, wantEmails)
}
