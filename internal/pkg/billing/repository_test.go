package billing

import (
	"context"
	"testing"
	"time"

	"github.com/ManuelReschke/SalonFox/app/models"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_RecordWebhookEventOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	newEvent := func(provider, id string) *models.BillingWebhookEvent {
		return &models.BillingWebhookEvent{Provider: provider, ProviderEventID: id, EventType: "test", PayloadJSON: "{}"}
	}

	created, err := repo.RecordWebhookEvent(ctx, newEvent("stripe", "evt_1"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.RecordWebhookEvent(ctx, newEvent("stripe", "evt_1"))
	require.NoError(t, err)
	assert.False(t, created)

	// same id at another network is a different event
	created, err = repo.RecordWebhookEvent(ctx, newEvent("square", "evt_1"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRepository_MarkWebhookEvent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	ev := &models.BillingWebhookEvent{Provider: "stripe", ProviderEventID: "evt_1", EventType: "test", PayloadJSON: "{}"}
	_, err := repo.RecordWebhookEvent(ctx, ev)
	require.NoError(t, err)

	require.NoError(t, repo.MarkWebhookEvent(ctx, ev.ID, string(OutcomeIgnored)))

	rows := ledger(t, repo)
	require.Len(t, rows, 1)
	assert.Equal(t, string(OutcomeIgnored), rows[0].Outcome)
	assert.NotNil(t, rows[0].ProcessedAt)
}

func TestRepository_CreateRefundOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := seedPayment(t, repo, &models.Payment{Amount: 1000, Status: models.PaymentStatusSucceeded})

	first := &models.Refund{PaymentID: p.ID, TenantID: p.TenantID, Provider: provider.NameStripe, ProviderRefundID: "re_1", Amount: 300}
	created, err := repo.CreateRefund(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	again := &models.Refund{PaymentID: p.ID, TenantID: p.TenantID, Provider: provider.NameStripe, ProviderRefundID: "re_1", Amount: 300}
	created, err = repo.CreateRefund(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)

	stored, err := repo.GetRefundByProviderID(ctx, provider.NameStripe, "re_1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, stored.ID)

	total, err := repo.SumRefunds(ctx, p.ID, models.RefundStatusSucceeded)
	require.NoError(t, err)
	assert.Equal(t, int64(300), total)

	_, err = repo.GetRefundByProviderID(ctx, provider.NameStripe, "re_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_SumRefundsByStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := seedPayment(t, repo, &models.Payment{Amount: 1000, Status: models.PaymentStatusSucceeded})
	for i, r := range []struct {
		amount int64
		status string
	}{
		{100, models.RefundStatusSucceeded},
		{200, models.RefundStatusPending},
		{400, models.RefundStatusFailed},
	} {
		_, err := repo.CreateRefund(ctx, &models.Refund{
			PaymentID:        p.ID,
			TenantID:         p.TenantID,
			Provider:         provider.NameStripe,
			ProviderRefundID: string(rune('a' + i)),
			Amount:           r.amount,
			Status:           r.status,
		})
		require.NoError(t, err)
	}

	reserved, err := repo.SumRefunds(ctx, p.ID, models.RefundStatusSucceeded, models.RefundStatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(300), reserved)

	all, err := repo.SumRefunds(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), all)

	none, err := repo.SumRefunds(ctx, "unknown")
	require.NoError(t, err)
	assert.Zero(t, none)
}

func TestRepository_SavePaymentKeepsAmount(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	p := seedPayment(t, repo, &models.Payment{Amount: 1000, Status: models.PaymentStatusPending})

	p.Amount = 1
	p.Status = models.PaymentStatusProcessing
	p.ProviderPaymentID = "pi_1"
	require.NoError(t, repo.SavePayment(ctx, p))

	got, err := repo.LockPaymentByProviderID(ctx, provider.NameStripe, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.Amount)
	assert.Equal(t, models.PaymentStatusProcessing, got.Status)
}

func TestRepository_LockTenantSettingCreatesOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetTenantSetting(ctx, "tenant-1")
	assert.ErrorIs(t, err, ErrNotFound)

	var id uint
	require.NoError(t, repo.Transaction(ctx, func(tx Repository) error {
		ts, err := tx.LockTenantSetting(ctx, "tenant-1")
		if err != nil {
			return err
		}
		assert.Equal(t, "free", ts.Plan)
		id = ts.ID
		ts.Plan = "pro"
		return tx.SaveTenantSetting(ctx, ts)
	}))

	require.NoError(t, repo.Transaction(ctx, func(tx Repository) error {
		ts, err := tx.LockTenantSetting(ctx, "tenant-1")
		if err != nil {
			return err
		}
		assert.Equal(t, id, ts.ID)
		assert.Equal(t, "pro", ts.Plan)
		return nil
	}))
}

func TestRepository_FindCurrentSubscription(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seedSubscription(t, repo, &models.Subscription{ProviderSubscriptionID: "sub_old", Status: models.SubscriptionStatusCanceled}, "free")

	_, err := repo.FindCurrentSubscription(ctx, "tenant-1")
	assert.ErrorIs(t, err, ErrNotFound)

	current := seedSubscription(t, repo, &models.Subscription{ProviderSubscriptionID: "sub_new", Status: models.SubscriptionStatusPastDue}, "pro")
	got, err := repo.FindCurrentSubscription(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, current.ID, got.ID)

	_, err = repo.FindCurrentSubscription(ctx, "tenant-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_ListSubscriptionsPendingFinalization(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	cutoff := time.Now().UTC()

	seed := func(tenant, id, status string, flagged bool, end *time.Time) {
		seedSubscription(t, repo, &models.Subscription{
			TenantID:               tenant,
			ProviderSubscriptionID: id,
			Status:                 status,
			CancelAtPeriodEnd:      flagged,
			CurrentPeriodEnd:       end,
		}, "pro")
	}
	seed("t1", "due_late", models.SubscriptionStatusActive, true, hoursAgo(2))
	seed("t2", "due_early", models.SubscriptionStatusPastDue, true, hoursAgo(10))
	seed("t3", "not_flagged", models.SubscriptionStatusActive, false, hoursAgo(10))
	seed("t4", "canceled", models.SubscriptionStatusCanceled, true, hoursAgo(10))
	future := cutoff.Add(time.Hour)
	seed("t5", "future", models.SubscriptionStatusActive, true, &future)
	seed("t6", "no_period", models.SubscriptionStatusActive, true, nil)

	subs, err := repo.ListSubscriptionsPendingFinalization(ctx, cutoff, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.ProviderSubscriptionID)
	}
	assert.Equal(t, []string{"due_early", "due_late"}, ids)

	limited, err := repo.ListSubscriptionsPendingFinalization(ctx, cutoff, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRepository_UpsertInvoice(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertInvoice(ctx, &models.Invoice{
		TenantID: "tenant-1", SubscriptionID: "sub-1", Provider: "stripe", ProviderInvoiceID: "in_1",
		Amount: 4900, Currency: "JPY", Status: models.InvoiceStatusFailed,
	}))
	require.NoError(t, repo.UpsertInvoice(ctx, &models.Invoice{
		TenantID: "tenant-1", SubscriptionID: "sub-1", Provider: "stripe", ProviderInvoiceID: "in_1",
		Amount: 4900, Currency: "JPY", Status: models.InvoiceStatusPaid,
	}))

	var invoices []models.Invoice
	require.NoError(t, repo.(*gormRepository).db.Find(&invoices).Error)
	require.Len(t, invoices, 1)
	assert.Equal(t, models.InvoiceStatusPaid, invoices[0].Status)
}
