package interfaces

import (
	"context"
	"time"

	"github.com/murichu/rent-sub005/internal/models"
)

// TransactionStore defines the contract for gateway transaction persistence.
type TransactionStore interface {
	// Create persists a freshly accepted attempt (status PENDING).
	Create(ctx context.Context, tx *models.GatewayTransaction) error

	// FindByReference returns the transaction for a provider reference, or
	// nil when none exists.
	FindByReference(ctx context.Context, reference string) (*models.GatewayTransaction, error)

	// MarkCompleted transitions a PENDING transaction to a terminal status
	// and returns the number of rows updated. Zero rows means the
	// transaction was already terminal; the compare-and-swap on status is
	// the durable idempotency guard.
	MarkCompleted(ctx context.Context, reference string, status models.TransactionStatus, receipt, resultDesc string, completedAt time.Time) (int64, error)

	// FindStalePending lists PENDING transactions older than olderThan.
	FindStalePending(ctx context.Context, olderThan time.Duration) ([]models.GatewayTransaction, error)

	// FindSuccessWithoutPayment lists SUCCESS transactions with no linked
	// Payment row (the crash gap between status update and payment insert).
	FindSuccessWithoutPayment(ctx context.Context) ([]models.GatewayTransaction, error)
}

// PaymentStore defines the contract for the domain payment ledger.
type PaymentStore interface {
	// CreateForTransaction inserts the payment unless one already exists
	// for the same transaction reference. Returns false when it was
	// already present.
	CreateForTransaction(ctx context.Context, p *models.Payment) (bool, error)

	// FindByTransactionReference returns the payment linked to a gateway
	// transaction, or nil when none exists.
	FindByTransactionReference(ctx context.Context, reference string) (*models.Payment, error)
}
