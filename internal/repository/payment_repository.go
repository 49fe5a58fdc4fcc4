package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/murichu/rent-sub005/internal/models"
)

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payments (
			id UUID PRIMARY KEY,
			transaction_reference VARCHAR(255) NOT NULL UNIQUE,
			lease_id VARCHAR(255),
			agency_id VARCHAR(255) NOT NULL,
			amount NUMERIC(18,2) NOT NULL,
			method VARCHAR(50) NOT NULL,
			reference VARCHAR(255),
			notes TEXT,
			paid_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_lease ON payments(lease_id)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return fmt.Errorf("init payments: %w", err)
		}
	}

	return nil
}

// CreateForTransaction inserts at most one payment per transaction
// reference. The unique constraint plus ON CONFLICT DO NOTHING makes a
// replayed success callback a no-op here.
func (r *PaymentRepository) CreateForTransaction(ctx context.Context, p *models.Payment) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO payments
		(id, transaction_reference, lease_id, agency_id, amount, method, reference, notes, paid_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (transaction_reference) DO NOTHING
	`, p.ID, p.TransactionReference, p.LeaseID, p.AgencyID, p.Amount,
		p.Method, p.Reference, p.Notes, p.PaidAt)
	if err != nil {
		return false, fmt.Errorf("insert payment for %s: %w", p.TransactionReference, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *PaymentRepository) FindByTransactionReference(ctx context.Context, reference string) (*models.Payment, error) {
	var p models.Payment
	err := r.db.QueryRowContext(ctx, `
		SELECT id, transaction_reference, COALESCE(lease_id, ''), agency_id,
		       amount, method, COALESCE(reference, ''), COALESCE(notes, ''), paid_at
		FROM payments WHERE transaction_reference = $1
	`, reference).Scan(&p.ID, &p.TransactionReference, &p.LeaseID, &p.AgencyID,
		&p.Amount, &p.Method, &p.Reference, &p.Notes, &p.PaidAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find payment for %s: %w", reference, err)
	}
	return &p, nil
}
