package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/SalonFox/app/models"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/lifecycle"
	"github.com/ManuelReschke/SalonFox/internal/pkg/entitlements"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the persistence boundary of the billing core. Lock* methods
// take a row lock and must run inside Transaction; inside fn only the
// transactional repository passed in may be used.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	GetTenantSetting(ctx context.Context, tenantID string) (*models.TenantBillingSetting, error)
	LockTenantSetting(ctx context.Context, tenantID string) (*models.TenantBillingSetting, error)
	SaveTenantSetting(ctx context.Context, s *models.TenantBillingSetting) error

	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	LockPayment(ctx context.Context, id string) (*models.Payment, error)
	LockPaymentByProviderID(ctx context.Context, provider, providerPaymentID string) (*models.Payment, error)
	SavePayment(ctx context.Context, p *models.Payment) error
	ListPayments(ctx context.Context, tenantID string, since time.Time, limit int) ([]models.Payment, error)

	SumRefunds(ctx context.Context, paymentID string, statuses ...string) (int64, error)
	CreateRefund(ctx context.Context, r *models.Refund) (bool, error)
	GetRefundByProviderID(ctx context.Context, provider, providerRefundID string) (*models.Refund, error)
	SaveRefund(ctx context.Context, r *models.Refund) error

	CreateSubscription(ctx context.Context, s *models.Subscription) error
	LockSubscriptionByProviderID(ctx context.Context, provider, providerSubscriptionID string) (*models.Subscription, error)
	FindCurrentSubscription(ctx context.Context, tenantID string) (*models.Subscription, error)
	ListSubscriptionsPendingFinalization(ctx context.Context, periodEndedBefore time.Time, limit int) ([]models.Subscription, error)
	SaveSubscription(ctx context.Context, s *models.Subscription) error

	UpsertInvoice(ctx context.Context, inv *models.Invoice) error
	RecordWebhookEvent(ctx context.Context, ev *models.BillingWebhookEvent) (bool, error)
	MarkWebhookEvent(ctx context.Context, id uint, outcome string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) conn(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func (r *gormRepository) locked(ctx context.Context) *gorm.DB {
	return r.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}
	return err
}

func (r *gormRepository) GetTenantSetting(ctx context.Context, tenantID string) (*models.TenantBillingSetting, error) {
	var s models.TenantBillingSetting
	if err := r.conn(ctx).Where("tenant_id = ?", tenantID).First(&s).Error; err != nil {
		return nil, notFound(err, "tenant %s", tenantID)
	}
	return &s, nil
}

// LockTenantSetting creates the settings row on first use and locks it. The
// row serializes subscription changes for the tenant.
func (r *gormRepository) LockTenantSetting(ctx context.Context, tenantID string) (*models.TenantBillingSetting, error) {
	seed := &models.TenantBillingSetting{TenantID: tenantID, Plan: string(entitlements.PlanFree)}
	if err := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}},
		DoNothing: true,
	}).Create(seed).Error; err != nil {
		return nil, err
	}

	var s models.TenantBillingSetting
	if err := r.locked(ctx).Where("tenant_id = ?", tenantID).First(&s).Error; err != nil {
		return nil, notFound(err, "tenant %s", tenantID)
	}
	return &s, nil
}

func (r *gormRepository) SaveTenantSetting(ctx context.Context, s *models.TenantBillingSetting) error {
	return r.conn(ctx).Save(s).Error
}

func (r *gormRepository) CreatePayment(ctx context.Context, p *models.Payment) error {
	return r.conn(ctx).Create(p).Error
}

func (r *gormRepository) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	if err := r.conn(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, notFound(err, "payment %s", id)
	}
	return &p, nil
}

func (r *gormRepository) LockPayment(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	if err := r.locked(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, notFound(err, "payment %s", id)
	}
	return &p, nil
}

func (r *gormRepository) LockPaymentByProviderID(ctx context.Context, provider, providerPaymentID string) (*models.Payment, error) {
	var p models.Payment
	err := r.locked(ctx).
		Where("provider = ? AND provider_payment_id = ?", provider, providerPaymentID).
		First(&p).Error
	if err != nil {
		return nil, notFound(err, "%s payment %s", provider, providerPaymentID)
	}
	return &p, nil
}

// SavePayment writes the mutable columns. The amount is never updated.
func (r *gormRepository) SavePayment(ctx context.Context, p *models.Payment) error {
	updates := map[string]interface{}{
		"status":              p.Status,
		"provider_payment_id": p.ProviderPaymentID,
		"failure_reason":      p.FailureReason,
		"updated_at":          time.Now().UTC(),
	}
	return r.conn(ctx).Model(&models.Payment{}).Where("id = ?", p.ID).Updates(updates).Error
}

// ListPayments returns the tenant's payments created since the given time,
// newest first.
func (r *gormRepository) ListPayments(ctx context.Context, tenantID string, since time.Time, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.conn(ctx).
		Where("tenant_id = ? AND created_at >= ?", tenantID, since).
		Order("created_at DESC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (r *gormRepository) SumRefunds(ctx context.Context, paymentID string, statuses ...string) (int64, error) {
	var total int64
	q := r.conn(ctx).Model(&models.Refund{}).Where("payment_id = ?", paymentID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if err := q.Select("COALESCE(SUM(amount), 0)").Scan(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// CreateRefund inserts the refund unless one with the same provider refund
// id exists. It reports whether a row was inserted.
func (r *gormRepository) CreateRefund(ctx context.Context, refund *models.Refund) (bool, error) {
	tx := r.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_refund_id"},
		},
		DoNothing: true,
	}).Create(refund)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) GetRefundByProviderID(ctx context.Context, provider, providerRefundID string) (*models.Refund, error) {
	var refund models.Refund
	err := r.conn(ctx).
		Where("provider = ? AND provider_refund_id = ?", provider, providerRefundID).
		First(&refund).Error
	if err != nil {
		return nil, notFound(err, "%s refund %s", provider, providerRefundID)
	}
	return &refund, nil
}

func (r *gormRepository) SaveRefund(ctx context.Context, refund *models.Refund) error {
	return r.conn(ctx).Model(&models.Refund{}).Where("id = ?", refund.ID).Updates(map[string]interface{}{
		"status":     refund.Status,
		"updated_at": time.Now().UTC(),
	}).Error
}

func (r *gormRepository) CreateSubscription(ctx context.Context, s *models.Subscription) error {
	return r.conn(ctx).Create(s).Error
}

func (r *gormRepository) LockSubscriptionByProviderID(ctx context.Context, provider, providerSubscriptionID string) (*models.Subscription, error) {
	var s models.Subscription
	err := r.locked(ctx).
		Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		First(&s).Error
	if err != nil {
		return nil, notFound(err, "%s subscription %s", provider, providerSubscriptionID)
	}
	return &s, nil
}

func (r *gormRepository) FindCurrentSubscription(ctx context.Context, tenantID string) (*models.Subscription, error) {
	var s models.Subscription
	err := r.conn(ctx).Where("tenant_id = ? AND status IN ?", tenantID, lifecycle.OccupyingStatuses()).
		Order("created_at DESC").
		First(&s).Error
	if err != nil {
		return nil, notFound(err, "current subscription of tenant %s", tenantID)
	}
	return &s, nil
}

// ListSubscriptionsPendingFinalization returns subscriptions flagged to end
// at period end whose period ended before the given time.
func (r *gormRepository) ListSubscriptionsPendingFinalization(ctx context.Context, periodEndedBefore time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.conn(ctx).
		Where("cancel_at_period_end = ? AND status <> ? AND current_period_end IS NOT NULL AND current_period_end < ?",
			true, models.SubscriptionStatusCanceled, periodEndedBefore).
		Order("current_period_end ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) SaveSubscription(ctx context.Context, s *models.Subscription) error {
	return r.conn(ctx).Save(s).Error
}

func (r *gormRepository) UpsertInvoice(ctx context.Context, inv *models.Invoice) error {
	return r.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_invoice_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"amount",
			"currency",
			"status",
			"period_start",
			"period_end",
			"updated_at",
		}),
	}).Create(inv).Error
}

// RecordWebhookEvent inserts the ledger row unless the event was recorded
// before. It reports whether the event is new.
func (r *gormRepository) RecordWebhookEvent(ctx context.Context, ev *models.BillingWebhookEvent) (bool, error) {
	tx := r.conn(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(ev)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) MarkWebhookEvent(ctx context.Context, id uint, outcome string) error {
	now := time.Now().UTC()
	return r.conn(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(map[string]interface{}{
		"outcome":      outcome,
		"processed_at": &now,
	}).Error
}
