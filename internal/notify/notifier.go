package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/murichu/rent-sub005/internal/circuitbreaker"
	"github.com/murichu/rent-sub005/internal/config"
	"github.com/murichu/rent-sub005/internal/telemetry"
)

// Notifier sends payment receipts over SMS (and email when an address is on
// file). Both channels go through their own circuit breakers; a flapping
// notification provider must not affect payment traffic.
type Notifier struct {
	smsCfg       config.SMSConfig
	emailCfg     config.EmailConfig
	client       *http.Client
	smsBreaker   *circuitbreaker.CircuitBreaker
	emailBreaker *circuitbreaker.CircuitBreaker
}

func NewNotifier(smsCfg config.SMSConfig, emailCfg config.EmailConfig, registry *circuitbreaker.Registry) *Notifier {
	return &Notifier{
		smsCfg:   smsCfg,
		emailCfg: emailCfg,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
		smsBreaker:   registry.Named("sms"),
		emailBreaker: registry.Named("email"),
	}
}

// SendPaymentReceipt texts the payer a confirmation of the recorded payment.
func (n *Notifier) SendPaymentReceipt(ctx context.Context, phone string, amount decimal.Decimal, reference string) error {
	if n.smsCfg.APIKey == "" {
		return nil
	}
	message := fmt.Sprintf("Payment of KES %s received. Ref: %s. Thank you.", amount.StringFixed(2), reference)
	err := n.smsBreaker.Execute(ctx, func(ctx context.Context) error {
		return n.postSMS(ctx, phone, message)
	})
	if err != nil {
		return err
	}
	telemetry.Logger.Info("Receipt SMS sent",
		zap.String("phone", phone),
		zap.String("reference", reference),
	)
	return nil
}

func (n *Notifier) postSMS(ctx context.Context, phone, message string) error {
	body := map[string]interface{}{
		"username": n.smsCfg.Username,
		"to":       "+" + phone,
		"from":     n.smsCfg.SenderID,
		"message":  message,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.smsCfg.BaseURL+"/messaging", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apiKey", n.smsCfg.APIKey)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("sms provider returned %d", resp.StatusCode)
	}
	return nil
}

// SendEmailReceipt mails a payment confirmation. No-op unless an email
// provider is configured.
func (n *Notifier) SendEmailReceipt(ctx context.Context, to, subject, bodyText string) error {
	if n.emailCfg.BaseURL == "" || n.emailCfg.APIKey == "" {
		return nil
	}
	err := n.emailBreaker.Execute(ctx, func(ctx context.Context) error {
		body := map[string]string{
			"from":    n.emailCfg.Sender,
			"to":      to,
			"subject": subject,
			"text":    bodyText,
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.emailCfg.BaseURL+"/messages", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+n.emailCfg.APIKey)

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 400 {
			return fmt.Errorf("email provider returned %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return err
	}
	telemetry.Logger.Info("Receipt email sent", zap.String("to", to))
	return nil
}
