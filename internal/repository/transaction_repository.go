package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/murichu/rent-sub005/internal/models"
)

type TransactionRepository struct {
	db *sql.DB
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS gateway_transactions (
			id UUID PRIMARY KEY,
			reference VARCHAR(255) NOT NULL UNIQUE,
			provider VARCHAR(50) NOT NULL,
			amount NUMERIC(18,2) NOT NULL,
			fees NUMERIC(18,2) NOT NULL DEFAULT 0,
			total_amount NUMERIC(18,2) NOT NULL,
			currency VARCHAR(10) NOT NULL,
			phone_number VARCHAR(20),
			email VARCHAR(255),
			destination_account VARCHAR(64),
			agency_id VARCHAR(255) NOT NULL,
			lease_id VARCHAR(255),
			tracking_id VARCHAR(255),
			status VARCHAR(20) NOT NULL,
			provider_receipt VARCHAR(255),
			result_desc TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gateway_transactions_status ON gateway_transactions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_gateway_transactions_agency ON gateway_transactions(agency_id)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return fmt.Errorf("init gateway_transactions: %w", err)
		}
	}

	return nil
}

func (r *TransactionRepository) Create(ctx context.Context, tx *models.GatewayTransaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO gateway_transactions
		(id, reference, provider, amount, fees, total_amount, currency,
		 phone_number, email, destination_account, agency_id, lease_id,
		 tracking_id, status, result_desc)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, tx.ID, tx.Reference, tx.Provider, tx.Amount, tx.Fees, tx.TotalAmount,
		tx.Currency, tx.PhoneNumber, tx.Email, tx.DestinationAccount,
		tx.AgencyID, tx.LeaseID, tx.TrackingID, tx.Status, tx.ResultDesc)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", tx.Reference, err)
	}
	return nil
}

const transactionColumns = `id, reference, provider, amount, fees, total_amount,
	currency, phone_number, COALESCE(email, ''), destination_account, agency_id,
	lease_id, tracking_id, status, COALESCE(provider_receipt, ''),
	COALESCE(result_desc, ''), created_at, updated_at, completed_at`

func (r *TransactionRepository) FindByReference(ctx context.Context, reference string) (*models.GatewayTransaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM gateway_transactions WHERE reference = $1`, reference)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction %s: %w", reference, err)
	}
	return tx, nil
}

// MarkCompleted performs the PENDING -> terminal transition as a
// compare-and-swap on status. Zero rows affected means the row was already
// terminal (or unknown); callers treat that as "nothing to do".
func (r *TransactionRepository) MarkCompleted(ctx context.Context, reference string, status models.TransactionStatus, receipt, resultDesc string, completedAt time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE gateway_transactions
		SET status = $1, provider_receipt = $2, result_desc = $3,
		    completed_at = $4, updated_at = NOW()
		WHERE reference = $5 AND status = $6
	`, status, receipt, resultDesc, completedAt, reference, models.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("mark transaction %s %s: %w", reference, status, err)
	}
	return result.RowsAffected()
}

func (r *TransactionRepository) FindStalePending(ctx context.Context, olderThan time.Duration) ([]models.GatewayTransaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM gateway_transactions
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at`,
		models.StatusPending, time.Now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("find stale pending: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (r *TransactionRepository) FindSuccessWithoutPayment(ctx context.Context) ([]models.GatewayTransaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.id, t.reference, t.provider, t.amount, t.fees, t.total_amount,
		       t.currency, t.phone_number, COALESCE(t.email, ''),
		       t.destination_account, t.agency_id, t.lease_id, t.tracking_id,
		       t.status, COALESCE(t.provider_receipt, ''),
		       COALESCE(t.result_desc, ''),
		       t.created_at, t.updated_at, t.completed_at
		FROM gateway_transactions t
		LEFT JOIN payments p ON p.transaction_reference = t.reference
		WHERE t.status = $1 AND p.id IS NULL
		ORDER BY t.completed_at`, models.StatusSuccess)
	if err != nil {
		return nil, fmt.Errorf("find orphaned success: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*models.GatewayTransaction, error) {
	var tx models.GatewayTransaction
	var completedAt sql.NullTime
	err := row.Scan(&tx.ID, &tx.Reference, &tx.Provider, &tx.Amount, &tx.Fees,
		&tx.TotalAmount, &tx.Currency, &tx.PhoneNumber, &tx.Email,
		&tx.DestinationAccount, &tx.AgencyID, &tx.LeaseID, &tx.TrackingID,
		&tx.Status, &tx.ProviderReceipt, &tx.ResultDesc, &tx.CreatedAt,
		&tx.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		tx.CompletedAt = &completedAt.Time
	}
	return &tx, nil
}

func collectTransactions(rows *sql.Rows) ([]models.GatewayTransaction, error) {
	var out []models.GatewayTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}
