package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/murichu/rent-sub005/internal/circuitbreaker"
	"github.com/murichu/rent-sub005/internal/gateway"
	"github.com/murichu/rent-sub005/internal/handlers"
	"github.com/murichu/rent-sub005/internal/interfaces"
	"github.com/murichu/rent-sub005/internal/service"
	"github.com/murichu/rent-sub005/internal/telemetry"
)

func NewRouter(
	mpesa *gateway.MpesaGateway,
	pesapal *gateway.PesapalGateway,
	bank *gateway.BankGateway,
	txStore interfaces.TransactionStore,
	reconciler *service.Reconciler,
	registry *circuitbreaker.Registry,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(telemetry.TracingMiddleware())

	// Prometheus metrics
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "payment-gateway"})
	})

	// Payment initiation
	paymentHandler := handlers.NewPaymentHandler(mpesa, pesapal, bank, txStore)
	r.POST("/payments/mpesa/stkpush", paymentHandler.InitiateStkPush)
	r.POST("/payments/pesapal/orders", paymentHandler.SubmitPesapalOrder)
	r.POST("/payments/bank/transfers", paymentHandler.SendBankTransfer)
	r.GET("/payments/:reference", paymentHandler.GetTransaction)

	// Provider callbacks / IPNs
	callbackHandler := handlers.NewCallbackHandler(reconciler)
	r.POST("/callbacks/mpesa", callbackHandler.MpesaCallback)
	r.GET("/callbacks/pesapal/ipn", callbackHandler.PesapalIPN)
	r.POST("/callbacks/pesapal/ipn", callbackHandler.PesapalIPN)
	r.POST("/callbacks/bank", callbackHandler.BankCallback)

	// Admin observability
	breakerHandler := handlers.NewBreakerHandler(registry)
	r.GET("/admin/circuit-breakers", breakerHandler.GetAllStats)
	r.POST("/admin/circuit-breakers/:name/reset", breakerHandler.Reset)

	return r
}
