package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/murichu/rent-sub005/internal/circuitbreaker"
	"github.com/murichu/rent-sub005/internal/config"
	"github.com/murichu/rent-sub005/internal/interfaces"
	"github.com/murichu/rent-sub005/internal/models"
	"github.com/murichu/rent-sub005/internal/telemetry"
)

// Pesapal passes its charge through to the payer: a percentage of the base
// amount (rounded up to the next whole unit) plus a fixed fee. The landlord
// ledger only ever records the base amount.
var (
	pesapalFeeRate  = decimal.NewFromFloat(0.035)
	pesapalFixedFee = decimal.NewFromInt(50)
)

// Pricing is the fee breakdown returned to the caller at initiation time.
type Pricing struct {
	BaseAmount    decimal.Decimal `json:"base_amount"`
	PercentageFee decimal.Decimal `json:"percentage_fee"`
	FixedFee      decimal.Decimal `json:"fixed_fee"`
	TotalFees     decimal.Decimal `json:"total_fees"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
}

// ComputePricing splits a base amount into the fee components charged on top
// of it.
func ComputePricing(baseAmount decimal.Decimal) Pricing {
	percentageFee := baseAmount.Mul(pesapalFeeRate).Ceil()
	totalFees := percentageFee.Add(pesapalFixedFee)
	return Pricing{
		BaseAmount:    baseAmount,
		PercentageFee: percentageFee,
		FixedFee:      pesapalFixedFee,
		TotalFees:     totalFees,
		TotalAmount:   baseAmount.Add(totalFees),
	}
}

// PesapalGateway submits card/mobile orders through the Pesapal v3 API.
type PesapalGateway struct {
	cfg     config.PesapalConfig
	api     *apiClient
	breaker *circuitbreaker.CircuitBreaker
	store   interfaces.TransactionStore
	tokens  *tokenSource
}

func NewPesapalGateway(cfg config.PesapalConfig, registry *circuitbreaker.Registry, store interfaces.TransactionStore) *PesapalGateway {
	api := &apiClient{provider: "pesapal", http: newHTTPClient()}
	g := &PesapalGateway{
		cfg:     cfg,
		api:     api,
		breaker: registry.Named("pesapal"),
		store:   store,
	}
	g.tokens = newTokenSource(g.fetchToken)
	return g
}

type pesapalTokenResponse struct {
	Token      string `json:"token"`
	ExpiryDate string `json:"expiryDate"`
}

func (g *PesapalGateway) fetchToken(ctx context.Context) (string, time.Time, error) {
	body := map[string]string{
		"consumer_key":    g.cfg.ConsumerKey,
		"consumer_secret": g.cfg.ConsumerSecret,
	}
	var resp pesapalTokenResponse
	if err := g.api.postJSON(ctx, g.cfg.BaseURL+"/api/Auth/RequestToken", nil, body, &resp); err != nil {
		return "", time.Time{}, fmt.Errorf("pesapal token: %w", err)
	}
	expiry, err := time.Parse(time.RFC3339, resp.ExpiryDate)
	if err != nil {
		// Pesapal tokens are valid for 5 minutes; fall back when the
		// expiry string is unparseable.
		expiry = time.Now().Add(5 * time.Minute)
	}
	return resp.Token, expiry, nil
}

type OrderRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	Reference   string // caller-supplied merchant reference; generated when empty
	PhoneNumber string
	Email       string
	AgencyID    string
	LeaseID     string
}

type OrderResult struct {
	Reference   string  `json:"reference"`
	TrackingID  string  `json:"order_tracking_id"`
	RedirectURL string  `json:"redirect_url"`
	Pricing     Pricing `json:"pricing"`
}

type submitOrderPayload struct {
	ID             string  `json:"id"`
	Currency       string  `json:"currency"`
	Amount         float64 `json:"amount"`
	Description    string  `json:"description"`
	CallbackURL    string  `json:"callback_url"`
	NotificationID string  `json:"notification_id"`
	BillingAddress struct {
		PhoneNumber  string `json:"phone_number,omitempty"`
		EmailAddress string `json:"email_address,omitempty"`
	} `json:"billing_address"`
}

type submitOrderResponse struct {
	OrderTrackingID string `json:"order_tracking_id"`
	RedirectURL     string `json:"redirect_url"`
	Status          string `json:"status"`
	Error           *struct {
		ErrorType string `json:"error_type"`
		Code      string `json:"code"`
		Message   string `json:"message"`
	} `json:"error"`
}

// SubmitOrder registers an order and returns the redirect URL the payer must
// visit to complete it. The payer is charged the base amount plus pass-through
// fees; the PENDING row keeps the split so reconciliation can record only the
// base amount on the ledger.
func (g *PesapalGateway) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if !req.Amount.IsPositive() {
		return nil, &ValidationError{Message: "amount must be greater than zero"}
	}

	reference := req.Reference
	if reference == "" {
		reference = "HVN-" + strings.ToUpper(uuid.NewString()[:13])
	}
	currency := req.Currency
	if currency == "" {
		currency = "KES"
	}
	pricing := ComputePricing(req.Amount)

	token, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	payload := submitOrderPayload{
		ID:             reference,
		Currency:       currency,
		Amount:         pricing.TotalAmount.InexactFloat64(),
		Description:    req.Description,
		CallbackURL:    g.cfg.CallbackURL,
		NotificationID: g.cfg.IPNID,
	}
	payload.BillingAddress.PhoneNumber = req.PhoneNumber
	payload.BillingAddress.EmailAddress = req.Email

	var resp submitOrderResponse
	start := time.Now()
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.api.postJSON(ctx, g.cfg.BaseURL+"/api/Transactions/SubmitOrderRequest", bearer(token), payload, &resp)
	})
	telemetry.ProviderRequestDuration.WithLabelValues("pesapal", "submit_order").Observe(time.Since(start).Seconds())
	if err != nil {
		g.tokens.invalidateOnAuthFailure(err)
		return nil, err
	}

	if resp.Error != nil {
		return nil, &RejectedError{Provider: "pesapal", Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if resp.OrderTrackingID == "" {
		return nil, &RejectedError{Provider: "pesapal", Code: resp.Status, Message: "no order tracking id in response"}
	}

	tx := &models.GatewayTransaction{
		ID:          uuid.New(),
		Reference:   reference,
		Provider:    models.ProviderPesapal,
		Amount:      pricing.BaseAmount,
		Fees:        pricing.TotalFees,
		TotalAmount: pricing.TotalAmount,
		Currency:    currency,
		PhoneNumber: req.PhoneNumber,
		Email:       req.Email,
		AgencyID:    req.AgencyID,
		LeaseID:     req.LeaseID,
		TrackingID:  resp.OrderTrackingID,
		Status:      models.StatusPending,
	}
	if err := g.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist pesapal transaction: %w", err)
	}
	telemetry.TransactionsInitiated.WithLabelValues("pesapal").Inc()

	telemetry.Logger.Info("Pesapal order submitted",
		zap.String("reference", reference),
		zap.String("tracking_id", resp.OrderTrackingID),
		zap.String("base_amount", pricing.BaseAmount.String()),
		zap.String("total_amount", pricing.TotalAmount.String()),
	)

	return &OrderResult{
		Reference:   reference,
		TrackingID:  resp.OrderTrackingID,
		RedirectURL: resp.RedirectURL,
		Pricing:     pricing,
	}, nil
}

// OrderStatus is Pesapal's view of a submitted order.
type OrderStatus struct {
	PaymentMethod            string  `json:"payment_method"`
	Amount                   float64 `json:"amount"`
	ConfirmationCode         string  `json:"confirmation_code"`
	PaymentStatusDescription string  `json:"payment_status_description"`
	Description              string  `json:"description"`
	PaymentAccount           string  `json:"payment_account"`
}

// GetTransactionStatus fetches the current order status. IPNs carry no
// outcome, so reconciliation always follows up with this call.
func (g *PesapalGateway) GetTransactionStatus(ctx context.Context, trackingID string) (*OrderStatus, error) {
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var resp OrderStatus
	start := time.Now()
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		url := g.cfg.BaseURL + "/api/Transactions/GetTransactionStatus?orderTrackingId=" + trackingID
		return g.api.getJSON(ctx, url, bearer(token), &resp)
	})
	telemetry.ProviderRequestDuration.WithLabelValues("pesapal", "transaction_status").Observe(time.Since(start).Seconds())
	if err != nil {
		g.tokens.invalidateOnAuthFailure(err)
		return nil, err
	}
	return &resp, nil
}
