package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StkCallbackEnvelope is the body M-Pesa posts to the STK callback URL.
type StkCallbackEnvelope struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []StkCallbackItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type StkCallbackItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value,omitempty"`
}

// ReceiptNumber extracts the MpesaReceiptNumber metadata item, if present.
func (c StkCallback) ReceiptNumber() string {
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" {
			if s, ok := item.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// PesapalIPN is the notification Pesapal delivers (GET query params or POST
// JSON) when an order changes state. It carries no outcome; the current
// status must be fetched from the transaction status endpoint.
type PesapalIPN struct {
	OrderTrackingID        string `json:"OrderTrackingId" form:"OrderTrackingId"`
	OrderMerchantReference string `json:"OrderMerchantReference" form:"OrderMerchantReference"`
	OrderNotificationType  string `json:"OrderNotificationType" form:"OrderNotificationType"`
}

// BankTransferResult is the callback body KCB Buni posts for a funds
// transfer it previously accepted.
type BankTransferResult struct {
	TransactionReference string `json:"transactionReference"`
	Status               string `json:"status"`
	StatusDescription    string `json:"statusDescription"`
	ReceiptNumber        string `json:"receiptNumber"`
}

// StateChangedEvent is published to Kafka on every transaction transition.
type StateChangedEvent struct {
	Reference     string            `json:"reference"`
	Provider      Provider          `json:"provider"`
	Status        TransactionStatus `json:"status"`
	PreviousState TransactionStatus `json:"previous_state"`
	AgencyID      string            `json:"agency_id"`
	Timestamp     time.Time         `json:"timestamp"`
}

// PaymentReceivedEvent is published to NATS when a Payment is recorded, for
// live dashboard updates and downstream notification consumers.
type PaymentReceivedEvent struct {
	Reference   string          `json:"reference"`
	LeaseID     string          `json:"lease_id"`
	AgencyID    string          `json:"agency_id"`
	Amount      decimal.Decimal `json:"amount"`
	Method      string          `json:"method"`
	PhoneNumber string          `json:"phone_number"`
	PaidAt      time.Time       `json:"paid_at"`
}
