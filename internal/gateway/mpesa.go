package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
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

// MpesaGateway initiates STK push prompts through the KCB Buni M-Pesa APIs.
type MpesaGateway struct {
	cfg     config.MpesaConfig
	api     *apiClient
	breaker *circuitbreaker.CircuitBreaker
	store   interfaces.TransactionStore
	tokens  *tokenSource
}

func NewMpesaGateway(cfg config.MpesaConfig, registry *circuitbreaker.Registry, store interfaces.TransactionStore) *MpesaGateway {
	api := &apiClient{provider: "mpesa", http: newHTTPClient()}
	g := &MpesaGateway{
		cfg:     cfg,
		api:     api,
		breaker: registry.Named("mpesa"),
		store:   store,
	}
	g.tokens = newTokenSource(g.fetchToken)
	return g
}

type oauthTokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

func (g *MpesaGateway) fetchToken(ctx context.Context) (string, time.Time, error) {
	credentials := base64.StdEncoding.EncodeToString([]byte(g.cfg.ConsumerKey + ":" + g.cfg.ConsumerSecret))
	var resp oauthTokenResponse
	err := g.api.postJSON(ctx, g.cfg.BaseURL+"/token?grant_type=client_credentials",
		map[string]string{"Authorization": "Basic " + credentials}, nil, &resp)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mpesa token: %w", err)
	}
	ttl, _ := resp.ExpiresIn.Int64()
	if ttl == 0 {
		ttl = 3600
	}
	return resp.AccessToken, time.Now().Add(time.Duration(ttl) * time.Second), nil
}

type StkPushRequest struct {
	Amount           decimal.Decimal
	PhoneNumber      string
	AccountReference string
	Description      string
	AgencyID         string
	LeaseID          string
}

type StkPushResult struct {
	Reference         string `json:"reference"`
	MerchantRequestID string `json:"merchant_request_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	CustomerMessage   string `json:"customer_message"`
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// InitiateStkPush sends the payer a payment prompt. A returned result means
// the provider accepted the request, not that money has moved; the outcome
// arrives on the callback URL and is reconciled against the PENDING row
// persisted here, keyed by CheckoutRequestID.
func (g *MpesaGateway) InitiateStkPush(ctx context.Context, req StkPushRequest) (*StkPushResult, error) {
	if !req.Amount.IsPositive() {
		return nil, &ValidationError{Message: "amount must be greater than zero"}
	}
	phone, err := NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	token, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(g.cfg.ShortCode + g.cfg.Passkey + timestamp))

	payload := stkPushPayload{
		BusinessShortCode: g.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount.Round(0).String(),
		PartyA:            phone,
		PartyB:            g.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       g.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	var resp stkPushResponse
	start := time.Now()
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.api.postJSON(ctx, g.cfg.BaseURL+"/mm/api/request/1.0.0/stkpush", bearer(token), payload, &resp)
	})
	telemetry.ProviderRequestDuration.WithLabelValues("mpesa", "stkpush").Observe(time.Since(start).Seconds())
	if err != nil {
		g.tokens.invalidateOnAuthFailure(err)
		return nil, err
	}

	if resp.ResponseCode != "0" {
		return nil, &RejectedError{Provider: "mpesa", Code: resp.ResponseCode, Message: resp.ResponseDescription}
	}

	tx := &models.GatewayTransaction{
		ID:          uuid.New(),
		Reference:   resp.CheckoutRequestID,
		Provider:    models.ProviderMpesa,
		Amount:      req.Amount,
		Fees:        decimal.Zero,
		TotalAmount: req.Amount,
		Currency:    "KES",
		PhoneNumber: phone,
		AgencyID:    req.AgencyID,
		LeaseID:     req.LeaseID,
		Status:      models.StatusPending,
		ResultDesc:  resp.ResponseDescription,
	}
	if err := g.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("persist stk transaction: %w", err)
	}
	telemetry.TransactionsInitiated.WithLabelValues("mpesa").Inc()

	telemetry.Logger.Info("STK push accepted",
		zap.String("reference", tx.Reference),
		zap.String("phone", phone),
		zap.String("amount", req.Amount.String()),
		zap.String("agency_id", req.AgencyID),
	)

	return &StkPushResult{
		Reference:         resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

type StkQueryResult struct {
	ResultCode        string `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	ResponseCode      string `json:"ResponseCode"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// QueryStkStatus polls the outcome of a previously initiated STK push. Used
// by the pending sweeper when no callback has arrived.
func (g *MpesaGateway) QueryStkStatus(ctx context.Context, checkoutRequestID string) (*StkQueryResult, error) {
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(g.cfg.ShortCode + g.cfg.Passkey + timestamp))

	payload := map[string]string{
		"BusinessShortCode": g.cfg.ShortCode,
		"Password":          password,
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	var resp StkQueryResult
	start := time.Now()
	err = g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.api.postJSON(ctx, g.cfg.BaseURL+"/mm/api/request/1.0.0/stkpushquery", bearer(token), payload, &resp)
	})
	telemetry.ProviderRequestDuration.WithLabelValues("mpesa", "stkpushquery").Observe(time.Since(start).Seconds())
	if err != nil {
		g.tokens.invalidateOnAuthFailure(err)
		return nil, err
	}
	return &resp, nil
}
