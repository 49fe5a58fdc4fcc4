package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/murichu/rent-sub005/internal/circuitbreaker"
	"github.com/murichu/rent-sub005/internal/config"
	"github.com/murichu/rent-sub005/internal/models"
)

func TestComputePricing(t *testing.T) {
	cases := []struct {
		base          int64
		percentageFee string
		totalFees     string
		totalAmount   string
	}{
		{1000, "35", "85", "1085"},
		{50000, "1750", "1800", "51800"},
		{1, "1", "51", "52"}, // percentage fee rounds up
		{999, "35", "85", "1084"},
	}

	for _, tc := range cases {
		p := ComputePricing(decimal.NewFromInt(tc.base))
		if p.PercentageFee.String() != tc.percentageFee {
			t.Errorf("base %d: percentage fee = %s, want %s", tc.base, p.PercentageFee, tc.percentageFee)
		}
		if p.TotalFees.String() != tc.totalFees {
			t.Errorf("base %d: total fees = %s, want %s", tc.base, p.TotalFees, tc.totalFees)
		}
		if p.TotalAmount.String() != tc.totalAmount {
			t.Errorf("base %d: total amount = %s, want %s", tc.base, p.TotalAmount, tc.totalAmount)
		}
		if !p.BaseAmount.Equal(decimal.NewFromInt(tc.base)) {
			t.Errorf("base %d: base amount changed to %s", tc.base, p.BaseAmount)
		}
	}
}

func newPesapalTestServer(t *testing.T, tokenCalls *int32, submitStatus int, submitBody interface{}) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/Auth/RequestToken", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(tokenCalls, 1)
		json.NewEncoder(w).Encode(map[string]string{
			"token":      "test-token",
			"expiryDate": time.Now().Add(5 * time.Minute).Format(time.RFC3339),
		})
	})
	mux.HandleFunc("/api/Transactions/SubmitOrderRequest", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("submit order sent Authorization %q", got)
		}
		w.WriteHeader(submitStatus)
		json.NewEncoder(w).Encode(submitBody)
	})
	return httptest.NewServer(mux)
}

func newPesapalGateway(baseURL string, store *fakeTransactionStore) *PesapalGateway {
	cfg := config.PesapalConfig{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		CallbackURL:    "https://example.com/callback",
		IPNID:          "ipn-1",
	}
	return NewPesapalGateway(cfg, circuitbreaker.NewRegistry(nil), store)
}

func TestSubmitOrder_PersistsPendingWithFeeSplit(t *testing.T) {
	var tokenCalls int32
	srv := newPesapalTestServer(t, &tokenCalls, http.StatusOK, map[string]string{
		"order_tracking_id": "track-123",
		"redirect_url":      "https://pay.example.com/track-123",
		"status":            "200",
	})
	defer srv.Close()

	store := newFakeTransactionStore()
	g := newPesapalGateway(srv.URL, store)

	result, err := g.SubmitOrder(context.Background(), OrderRequest{
		Amount:      decimal.NewFromInt(1000),
		Description: "Rent for HSE-4",
		Reference:   "HVN-TEST-1",
		PhoneNumber: "254712345678",
		Email:       "tenant@havenproperties.co.ke",
		AgencyID:    "agency-1",
		LeaseID:     "lease-9",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.TrackingID != "track-123" {
		t.Errorf("tracking id = %q", result.TrackingID)
	}
	if result.RedirectURL == "" {
		t.Error("expected a redirect url")
	}
	if result.Pricing.TotalAmount.String() != "1085" {
		t.Errorf("total amount = %s, want 1085", result.Pricing.TotalAmount)
	}

	tx, _ := store.FindByReference(context.Background(), "HVN-TEST-1")
	if tx == nil {
		t.Fatal("expected a persisted transaction")
	}
	if tx.Status != models.StatusPending {
		t.Errorf("status = %s, want PENDING", tx.Status)
	}
	if tx.Amount.String() != "1000" {
		t.Errorf("base amount = %s, want 1000", tx.Amount)
	}
	if tx.Fees.String() != "85" {
		t.Errorf("fees = %s, want 85", tx.Fees)
	}
	if tx.TotalAmount.String() != "1085" {
		t.Errorf("total amount = %s, want 1085", tx.TotalAmount)
	}
	if tx.TrackingID != "track-123" {
		t.Errorf("tracking id = %s", tx.TrackingID)
	}
	if tx.Email != "tenant@havenproperties.co.ke" {
		t.Errorf("email = %q", tx.Email)
	}
}

func TestSubmitOrder_GeneratesReferenceWhenMissing(t *testing.T) {
	var tokenCalls int32
	srv := newPesapalTestServer(t, &tokenCalls, http.StatusOK, map[string]string{
		"order_tracking_id": "track-9",
		"redirect_url":      "https://pay.example.com/track-9",
	})
	defer srv.Close()

	store := newFakeTransactionStore()
	g := newPesapalGateway(srv.URL, store)

	result, err := g.SubmitOrder(context.Background(), OrderRequest{
		Amount:   decimal.NewFromInt(500),
		AgencyID: "agency-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Reference == "" {
		t.Fatal("expected a generated reference")
	}
	if tx, _ := store.FindByReference(context.Background(), result.Reference); tx == nil {
		t.Error("generated reference not persisted")
	}
}

func TestSubmitOrder_RejectionWritesNoRow(t *testing.T) {
	var tokenCalls int32
	srv := newPesapalTestServer(t, &tokenCalls, http.StatusOK, map[string]interface{}{
		"error": map[string]string{
			"error_type": "api_error",
			"code":       "invalid_currency",
			"message":    "Currency not supported",
		},
	})
	defer srv.Close()

	store := newFakeTransactionStore()
	g := newPesapalGateway(srv.URL, store)

	_, err := g.SubmitOrder(context.Background(), OrderRequest{
		Amount:   decimal.NewFromInt(1000),
		Currency: "XXX",
		AgencyID: "agency-1",
	})
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RejectedError, got %v", err)
	}
	if rejected.Code != "invalid_currency" {
		t.Errorf("code = %q", rejected.Code)
	}
	if store.count() != 0 {
		t.Error("no transaction row should be written for a rejected request")
	}
}

func TestSubmitOrder_InvalidAmount(t *testing.T) {
	store := newFakeTransactionStore()
	g := newPesapalGateway("http://unused.invalid", store)

	_, err := g.SubmitOrder(context.Background(), OrderRequest{Amount: decimal.Zero})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if store.count() != 0 {
		t.Error("no transaction row should be written for invalid input")
	}
}

func TestTokenRefresh_Coalesced(t *testing.T) {
	var tokenCalls int32
	srv := newPesapalTestServer(t, &tokenCalls, http.StatusOK, map[string]string{
		"order_tracking_id": "track-1",
		"redirect_url":      "https://pay.example.com/track-1",
	})
	defer srv.Close()

	store := newFakeTransactionStore()
	g := newPesapalGateway(srv.URL, store)

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			g.SubmitOrder(context.Background(), OrderRequest{
				Amount:    decimal.NewFromInt(100),
				Reference: "REF-" + string(rune('A'+n)),
				AgencyID:  "agency-1",
			})
		}(i)
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	if got := atomic.LoadInt32(&tokenCalls); got != 1 {
		t.Errorf("expected a single coalesced token fetch, got %d", got)
	}
}
