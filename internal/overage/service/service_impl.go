package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	eventdomain "github.com/vibeany/billingcore/internal/billingevent/domain"
	"github.com/vibeany/billingcore/internal/config"
	"github.com/vibeany/billingcore/internal/observability/metrics"
	overagedomain "github.com/vibeany/billingcore/internal/overage/domain"
	paymentdomain "github.com/vibeany/billingcore/internal/payment/domain"
	"github.com/vibeany/billingcore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	BillingCfg *config.BillingConfigHolder
	Metrics    *metrics.Metrics
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	billingCfg *config.BillingConfigHolder
	metrics    *metrics.Metrics
}

func NewService(p ServiceParam) overagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("overage.service"),

		genID:      p.GenID,
		billingCfg: p.BillingCfg,
		metrics:    p.Metrics,
	}
}

// Period formats the billing period key for an instant.
func Period(at time.Time) string { return at.UTC().Format("2006-01") }

func (s *Service) RecordMeteredUsage(ctx context.Context, req overagedomain.RecordUsageRequest) (*overagedomain.UsageSummary, error) {
	req.Metric = strings.TrimSpace(req.Metric)
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.WorkspaceID) == "" || req.Metric == "" {
		return nil, overagedomain.ErrInvalidUsage
	}
	if !req.Value.IsPositive() {
		return nil, overagedomain.ErrInvalidUsage
	}

	at := req.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	period := Period(at)
	baseline := decimal.NewFromFloat(s.billingCfg.Get().PlanBaseline(req.Metric))

	// Joins the caller's transaction when one rides the context, so a
	// consume that spills into overage commits or rolls back as one unit.
	var summary overagedomain.UsageSummary
	err := db.FromContext(ctx, s.db).WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reading := &overagedomain.UsageMeterReading{
			ID:          s.genID.Generate(),
			UserID:      req.UserID,
			WorkspaceID: req.WorkspaceID,
			Metric:      req.Metric,
			Period:      period,
			Value:       req.Value,
			RecordedAt:  at,
		}
		if err := tx.Create(reading).Error; err != nil {
			return err
		}

		err := db.LockForUpdate(tx).
			Where("workspace_id = ? AND metric = ? AND period = ?", req.WorkspaceID, req.Metric, period).
			First(&summary).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return err
		}
		if err == gorm.ErrRecordNotFound {
			summary = overagedomain.UsageSummary{
				ID:          s.genID.Generate(),
				UserID:      req.UserID,
				WorkspaceID: req.WorkspaceID,
				Metric:      req.Metric,
				Period:      period,
				TotalValue:  decimal.Zero,
			}
		}
		summary.TotalValue = summary.TotalValue.Add(req.Value)
		summary.OverageAmount = decimal.Max(decimal.Zero, summary.TotalValue.Sub(baseline))
		return tx.Save(&summary).Error
	})
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (s *Service) GenerateCharge(ctx context.Context, summaryID snowflake.ID, unitPriceUSD decimal.Decimal, now time.Time) (*overagedomain.OverageCharge, error) {
	if !unitPriceUSD.IsPositive() {
		return nil, overagedomain.ErrNothingToCharge
	}

	var (
		charge     overagedomain.OverageCharge
		metricCode string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var summary overagedomain.UsageSummary
		if err := db.LockForUpdate(tx).Where("id = ?", summaryID).First(&summary).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return overagedomain.ErrSummaryNotFound
			}
			return err
		}
		if !summary.OverageAmount.IsPositive() {
			return overagedomain.ErrNothingToCharge
		}
		metricCode = summary.Metric

		charge = overagedomain.OverageCharge{
			ID:          s.genID.Generate(),
			UserID:      summary.UserID,
			WorkspaceID: summary.WorkspaceID,
			SummaryID:   summary.ID,
			Reference:   fmt.Sprintf("ovg_%s_%s_%s", summary.WorkspaceID, summary.Metric, summary.Period),
			AmountUSD:   summary.OverageAmount.Mul(unitPriceUSD).Round(6),
			Currency:    "USD",
			Status:      overagedomain.ChargePending,
		}
		if err := tx.Create(&charge).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return overagedomain.ErrChargeExists
			}
			return err
		}
		return s.emitChargeEvent(tx, &charge, "overage_charge.created")
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordOverageCharge(ctx, metricCode)
	s.log.Info("overage charge generated",
		zap.String("reference", charge.Reference),
		zap.String("amount_usd", charge.AmountUSD.String()),
	)
	return &charge, nil
}

func (s *Service) Transition(ctx context.Context, chargeID snowflake.ID, to overagedomain.ChargeStatus, now time.Time) (*overagedomain.OverageCharge, error) {
	now = now.UTC()
	var charge overagedomain.OverageCharge

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.LockForUpdate(tx).Where("id = ?", chargeID).First(&charge).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return overagedomain.ErrChargeNotFound
			}
			return err
		}
		return s.applyTransition(tx, &charge, to, now)
	})
	if err != nil {
		return nil, err
	}
	return &charge, nil
}

// applyTransition mutates the charge inside the caller's transaction. The
// charge row must already be locked.
func (s *Service) applyTransition(tx *gorm.DB, charge *overagedomain.OverageCharge, to overagedomain.ChargeStatus, now time.Time) error {
	if !charge.CanTransition(to) {
		return overagedomain.ErrInvalidTransition
	}

	charge.Status = to
	switch to {
	case overagedomain.ChargeInvoiced:
		charge.InvoicedAt = &now
	case overagedomain.ChargePaid:
		charge.PaidAt = &now
	case overagedomain.ChargeWaived:
		charge.WaivedAt = &now
	}
	if err := tx.Save(charge).Error; err != nil {
		return err
	}
	return s.emitChargeEvent(tx, charge, "overage_charge."+string(to))
}

// emitChargeEvent writes the charge change into the billing event outbox in
// the same transaction. The dedupe key swallows writer replays.
func (s *Service) emitChargeEvent(tx *gorm.DB, charge *overagedomain.OverageCharge, eventType string) error {
	dedupe := fmt.Sprintf("charge::%s::%s", charge.Reference, eventType)
	event := &eventdomain.BillingEvent{
		ID:          s.genID.Generate(),
		UserID:      charge.UserID,
		WorkspaceID: charge.WorkspaceID,
		EventType:   eventType,
		Payload: map[string]any{
			"reference":          charge.Reference,
			"amount_usd":         charge.AmountUSD.String(),
			"currency":           charge.Currency,
			"provider":           charge.Provider,
			"provider_charge_id": charge.ProviderChargeID,
		},
		DedupeKey: &dedupe,
	}
	if err := tx.Create(event).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) ApplySettlement(ctx context.Context, event *paymentdomain.NormalizedSettlementEvent, now time.Time) (*overagedomain.OverageCharge, error) {
	if event == nil || strings.TrimSpace(event.UsageSummaryRef) == "" {
		return nil, overagedomain.ErrChargeNotFound
	}
	now = now.UTC()

	var charge overagedomain.OverageCharge
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := db.LockForUpdate(tx).
			Where("reference = ?", event.UsageSummaryRef).
			First(&charge).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return overagedomain.ErrChargeNotFound
			}
			return err
		}

		charge.Provider = string(event.Provider)
		if event.ProviderChargeID != "" {
			charge.ProviderChargeID = event.ProviderChargeID
		}

		switch event.Status {
		case paymentdomain.SettlementInvoiced:
			return s.applyTransition(tx, &charge, overagedomain.ChargeInvoiced, now)
		case paymentdomain.SettlementPaid:
			return s.applyTransition(tx, &charge, overagedomain.ChargePaid, now)
		case paymentdomain.SettlementFailed:
			// A failed settlement keeps the charge where it is so the
			// provider can retry.
			return tx.Save(&charge).Error
		default:
			return overagedomain.ErrInvalidTransition
		}
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordSettlementEvent(ctx, string(event.Provider), string(event.Status))
	s.log.Info("settlement applied",
		zap.String("provider", string(event.Provider)),
		zap.String("reference", charge.Reference),
		zap.String("status", string(charge.Status)),
	)
	return &charge, nil
}

func (s *Service) GetSummary(ctx context.Context, workspaceID, metric, period string) (*overagedomain.UsageSummary, error) {
	var summary overagedomain.UsageSummary
	err := s.db.WithContext(ctx).
		Where("workspace_id = ? AND metric = ? AND period = ?", workspaceID, metric, period).
		First(&summary).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, overagedomain.ErrSummaryNotFound
		}
		return nil, err
	}
	return &summary, nil
}

func (s *Service) GetChargeByReference(ctx context.Context, reference string) (*overagedomain.OverageCharge, error) {
	var charge overagedomain.OverageCharge
	err := s.db.WithContext(ctx).Where("reference = ?", reference).First(&charge).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, overagedomain.ErrChargeNotFound
		}
		return nil, err
	}
	return &charge, nil
}

func (s *Service) ListPendingCharges(ctx context.Context, limit int) ([]*overagedomain.OverageCharge, error) {
	if limit <= 0 {
		limit = 100
	}
	var charges []*overagedomain.OverageCharge
	err := s.db.WithContext(ctx).
		Where("status = ?", overagedomain.ChargePending).
		Order("created_at ASC").
		Limit(limit).
		Find(&charges).Error
	return charges, err
}
