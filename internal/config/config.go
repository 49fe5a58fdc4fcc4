package config

import (
	"os"
	"time"
)

type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
}

type PesapalConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	CallbackURL    string
	IPNID          string
}

type BankConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	CompanyCode    string
	CallbackURL    string
}

type SMSConfig struct {
	BaseURL  string
	APIKey   string
	Username string
	SenderID string
}

type EmailConfig struct {
	BaseURL string
	APIKey  string
	Sender  string
}

type Config struct {
	Port         string
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers string
	NatsURL      string

	Mpesa   MpesaConfig
	Pesapal PesapalConfig
	Bank    BankConfig
	SMS     SMSConfig
	Email   EmailConfig

	// PENDING transactions older than PendingSweepAge are status-polled by
	// the sweeper every SweepInterval.
	PendingSweepAge time.Duration
	SweepInterval   time.Duration
}

func Load() *Config {
	return &Config{
		Port:         getEnv("PORT", "8084"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		NatsURL:      os.Getenv("NATS_URL"),
		Mpesa: MpesaConfig{
			BaseURL:        getEnv("MPESA_BASE_URL", "https://uat.buni.kcbgroup.com"),
			ConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
			ShortCode:      os.Getenv("MPESA_SHORT_CODE"),
			Passkey:        os.Getenv("MPESA_PASSKEY"),
			CallbackURL:    os.Getenv("MPESA_CALLBACK_URL"),
		},
		Pesapal: PesapalConfig{
			BaseURL:        getEnv("PESAPAL_BASE_URL", "https://pay.pesapal.com/v3"),
			ConsumerKey:    os.Getenv("PESAPAL_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("PESAPAL_CONSUMER_SECRET"),
			CallbackURL:    os.Getenv("PESAPAL_CALLBACK_URL"),
			IPNID:          os.Getenv("PESAPAL_IPN_ID"),
		},
		Bank: BankConfig{
			BaseURL:        getEnv("BANK_BASE_URL", "https://uat.buni.kcbgroup.com"),
			ConsumerKey:    os.Getenv("BANK_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("BANK_CONSUMER_SECRET"),
			CompanyCode:    os.Getenv("BANK_COMPANY_CODE"),
			CallbackURL:    os.Getenv("BANK_CALLBACK_URL"),
		},
		SMS: SMSConfig{
			BaseURL:  getEnv("SMS_BASE_URL", "https://api.africastalking.com/version1"),
			APIKey:   os.Getenv("SMS_API_KEY"),
			Username: os.Getenv("SMS_USERNAME"),
			SenderID: getEnv("SMS_SENDER_ID", "HAVEN"),
		},
		Email: EmailConfig{
			BaseURL: os.Getenv("EMAIL_BASE_URL"),
			APIKey:  os.Getenv("EMAIL_API_KEY"),
			Sender:  getEnv("EMAIL_SENDER", "payments@havenproperties.co.ke"),
		},
		PendingSweepAge: getDuration("PENDING_SWEEP_AGE", 10*time.Minute),
		SweepInterval:   getDuration("SWEEP_INTERVAL", 5*time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
