package gateway

import (
	"context"
	"encoding/base64"
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

// BankGateway sends funds transfers through the KCB Buni APIs, used for
// landlord disbursements to bank accounts.
type BankGateway struct {
	cfg     config.BankConfig
	api     *apiClient
	breaker *circuitbreaker.CircuitBreaker
	store   interfaces.TransactionStore
	tokens  *tokenSource
}

func NewBankGateway(cfg config.BankConfig, registry *circuitbreaker.Registry, store interfaces.TransactionStore) *BankGateway {
	api := &apiClient{provider: "kcb", http: newHTTPClient()}
	g := &BankGateway{
		cfg:     cfg,
		api:     api,
		breaker: registry.Named("kcb"),
		store:   store,
	}
	g.tokens = newTokenSource(g.fetchToken)
	return g
}

func (g *BankGateway) fetchToken(ctx context.Context) (string, time.Time, error) {
	credentials := base64.StdEncoding.EncodeToString([]byte(g.cfg.ConsumerKey + ":" + g.cfg.ConsumerSecret))
	var resp oauthTokenResponse
	err := g.api.postJSON(ctx, g.cfg.BaseURL+"/token?grant_type=client_credentials",
		map[string]string{"Authorization": "Basic " + credentials}, nil, &resp)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("kcb token: %w", err)
	}
	ttl, _ := resp.ExpiresIn.Int64()
	if ttl == 0 {
		ttl = 3600
	}
	return resp.AccessToken, time.Now().Add(time.Duration(ttl)*time.Second), nil
}

type BankTransferRequest struct {
	Amount             decimal.Decimal
	DestinationAccount string
	BankCode           string
	Narration          string
	Reference          string // generated when empty
	AgencyID           string
	LeaseID            string
}

type BankTransferResult struct {
	Reference            string `json:"reference"`
	TransactionReference string `json:"transaction_reference"`
	Status               string `json:"status"`
}

type fundsTransferPayload struct {
	CompanyCode              string `json:"companyCode"`
	TransactionReference     string `json:"transactionReference"`
	Currency                 string `json:"currency"`
	Amount                   string `json:"amount"`
	BeneficiaryAccountNumber string `json:"beneficiaryAccountNumber"`
	BeneficiaryBankCode      string `json:"beneficiaryBankCode"`
	Narration                string `json:"narration"`
	CallbackURL              string `json:"callbackUrl"`
}

type fundsTransferResponse struct {
	TransactionReference string `json:"transactionReference"`
	Status               string `json:"status"`
	StatusDescription    string `json:"statusDescription"`
}

// SendToBank submits a funds transfer. Acceptance means the transfer is
// queued on the bank side; the final outcome arrives on the callback URL and
// resolves the PENDING row persisted here.
func (g *BankGateway) SendToBank(ctx context.Context, req BankTransferRequest) (*BankTransferResult, error) {
	if !req.Amount.IsPositive() {
		return nil, &ValidationError{Message: "amount must be greater than zero"}
	}
	account := strings.TrimSpace(req.DestinationAccount)
	if account == "" {
		return nil, &ValidationError{Message: "destination account is required"}
	}

	reference := req.Reference
	if reference == "" {
		reference = "BNK-" + strings.ToUpper(uuid.NewString()[:13])
	}

	token, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	payload := fundsTransferPayload{
		CompanyCode:              g.cfg.CompanyCode,
		TransactionReference:     reference,
		Currency:                 "KES",
		Amount:                   req.Amount.StringFixed(2),
		BeneficiaryAccountNumber: account,
		BeneficiaryBankCode:      req.BankCode,
		Narration:                req.Narration,
		CallbackURL:              g.cfg.CallbackURL,
	}

	var resp fundsTransferResponse
	start := time.Now()
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.api.postJSON(ctx, g.cfg.BaseURL+"/fundstransfer/1.0.0/api/v1/transfer", bearer(token), payload, &resp)
	})
	telemetry.ProviderRequestDuration.WithLabelValues("kcb", "funds_transfer").Observe(time.Since(start).Seconds())
	if err != nil {
		g.tokens.invalidateOnAuthFailure(err)
		return nil, err
	}

	switch strings.ToUpper(resp.Status) {
	case "FAILED", "REJECTED":
		return nil, &RejectedError{Provider: "kcb", Code: resp.Status, Message: resp.StatusDescription}
	}

	tx := &models.GatewayTransaction{
		ID:                 uuid.New(),
		Reference:          reference,
		Provider:           models.ProviderKCB,
		Amount:             req.Amount,
		Fees:               decimal.Zero,
		TotalAmount:        req.Amount,
		Currency:           "KES",
		DestinationAccount: account,
		AgencyID:           req.AgencyID,
		LeaseID:            req.LeaseID,
		TrackingID:         resp.TransactionReference,
		Status:             models.StatusPending,
		ResultDesc:         resp.StatusDescription,
	}
	if err := g.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist bank transaction: %w", err)
	}
	telemetry.TransactionsInitiated.WithLabelValues("kcb").Inc()

	telemetry.Logger.Info("Bank transfer accepted",
		zap.String("reference", reference),
		zap.String("account", account),
		zap.String("amount", req.Amount.String()),
	)

	return &BankTransferResult{
		Reference:            reference,
		TransactionReference: resp.TransactionReference,
		Status:               resp.Status,
	}, nil
}
