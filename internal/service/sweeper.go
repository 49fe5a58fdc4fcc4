package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/murichu/rent-sub005/internal/gateway"
	"github.com/murichu/rent-sub005/internal/interfaces"
	"github.com/murichu/rent-sub005/internal/models"
	"github.com/murichu/rent-sub005/internal/telemetry"
)

// StkStatusQuerier polls the outcome of an STK push.
type StkStatusQuerier interface {
	QueryStkStatus(ctx context.Context, checkoutRequestID string) (*gateway.StkQueryResult, error)
}

// Sweeper resolves transactions the provider never called back about and
// repairs SUCCESS transactions that lost their payment insert to a crash.
// It only applies outcomes the provider confirms; a transaction with no
// definitive answer stays PENDING and is merely counted.
type Sweeper struct {
	txStore    interfaces.TransactionStore
	reconciler *Reconciler
	mpesa      StkStatusQuerier
	pesapal    PesapalStatusFetcher
	age        time.Duration
	interval   time.Duration
}

func NewSweeper(
	txStore interfaces.TransactionStore,
	reconciler *Reconciler,
	mpesa StkStatusQuerier,
	pesapal PesapalStatusFetcher,
	age, interval time.Duration,
) *Sweeper {
	return &Sweeper{
		txStore:    txStore,
		reconciler: reconciler,
		mpesa:      mpesa,
		pesapal:    pesapal,
		age:        age,
		interval:   interval,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	telemetry.Logger.Info("Pending sweeper started",
		zap.Duration("age", s.age),
		zap.Duration("interval", s.interval),
	)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep pass.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.sweepStalePending(ctx)
	s.sweepOrphanedSuccess(ctx)
}

func (s *Sweeper) sweepStalePending(ctx context.Context) {
	stale, err := s.txStore.FindStalePending(ctx, s.age)
	if err != nil {
		telemetry.Logger.Error("Stale pending sweep failed", zap.Error(err))
		return
	}
	telemetry.StalePendingTransactions.Set(float64(len(stale)))
	if len(stale) == 0 {
		return
	}

	telemetry.Logger.Info("Sweeping stale pending transactions", zap.Int("count", len(stale)))

	for i := range stale {
		tx := &stale[i]
		switch tx.Provider {
		case models.ProviderMpesa:
			s.pollMpesa(ctx, tx)
		case models.ProviderPesapal:
			s.pollPesapal(ctx, tx)
		default:
			// Bank transfers have no status-poll endpoint; they stay
			// PENDING until the bank calls back.
		}
	}
}

func (s *Sweeper) pollMpesa(ctx context.Context, tx *models.GatewayTransaction) {
	if s.mpesa == nil {
		return
	}
	result, err := s.mpesa.QueryStkStatus(ctx, tx.Reference)
	if err != nil {
		telemetry.Logger.Warn("STK status poll failed",
			zap.String("reference", tx.Reference),
			zap.Error(err),
		)
		return
	}
	status, definitive := mpesaStatusFromQuery(result.ResultCode)
	if !definitive {
		return
	}
	if err := s.reconciler.ApplyProviderResult(ctx, tx.Reference, status, "", result.ResultDesc); err != nil {
		telemetry.Logger.Error("Failed to apply polled result",
			zap.String("reference", tx.Reference),
			zap.Error(err),
		)
	}
}

func (s *Sweeper) pollPesapal(ctx context.Context, tx *models.GatewayTransaction) {
	if s.pesapal == nil || tx.TrackingID == "" {
		return
	}
	// Reuse the IPN path: it fetches current status and applies it.
	err := s.reconciler.ProcessPesapalIPN(ctx, models.PesapalIPN{
		OrderTrackingID:        tx.TrackingID,
		OrderMerchantReference: tx.Reference,
	})
	if err != nil {
		telemetry.Logger.Error("Failed to apply polled pesapal status",
			zap.String("reference", tx.Reference),
			zap.Error(err),
		)
	}
}

func (s *Sweeper) sweepOrphanedSuccess(ctx context.Context) {
	orphans, err := s.txStore.FindSuccessWithoutPayment(ctx)
	if err != nil {
		telemetry.Logger.Error("Orphaned success sweep failed", zap.Error(err))
		return
	}
	telemetry.OrphanedSuccessTransactions.Set(float64(len(orphans)))

	for i := range orphans {
		tx := &orphans[i]
		telemetry.Logger.Warn("SUCCESS transaction with no payment, repairing",
			zap.String("reference", tx.Reference),
			zap.String("agency_id", tx.AgencyID),
		)
		if err := s.reconciler.RepairOrphan(ctx, tx); err != nil {
			telemetry.Logger.Error("Orphan repair failed",
				zap.String("reference", tx.Reference),
				zap.Error(err),
			)
		}
	}
}
