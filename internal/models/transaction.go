package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusSuccess   TransactionStatus = "SUCCESS"
	StatusFailed    TransactionStatus = "FAILED"
	StatusCancelled TransactionStatus = "CANCELLED"
)

// Terminal reports whether no further status transitions are allowed.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type Provider string

const (
	ProviderMpesa   Provider = "mpesa"
	ProviderPesapal Provider = "pesapal"
	ProviderKCB     Provider = "kcb"
)

// GatewayTransaction is one initiated payment attempt against an external
// provider. Reference is the provider-correlatable key used to match
// callbacks and status polls back to this row.
type GatewayTransaction struct {
	ID                 uuid.UUID
	Reference          string
	Provider           Provider
	Amount             decimal.Decimal // base amount recorded on the ledger
	Fees               decimal.Decimal // pass-through fees charged to the payer
	TotalAmount        decimal.Decimal // amount actually collected (base + fees)
	Currency           string
	PhoneNumber        string
	Email              string
	DestinationAccount string
	AgencyID           string
	LeaseID            string
	TrackingID         string // provider-side tracking id, where issued
	Status             TransactionStatus
	ProviderReceipt    string
	ResultDesc         string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
}

// Payment is the domain record of money received. At most one exists per
// successful gateway transaction, keyed by the transaction reference.
type Payment struct {
	ID                   uuid.UUID
	TransactionReference string
	LeaseID              string
	AgencyID             string
	Amount               decimal.Decimal
	Method               string
	Reference            string
	Notes                string
	PaidAt               time.Time
}
