package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/SalonFox/app/models"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/event"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
	"github.com/ManuelReschke/SalonFox/internal/pkg/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func newTestRepo(t *testing.T) Repository {
	return NewRepository(newTestDB(t))
}

type cancelCall struct {
	id          string
	immediately bool
}

// fakeAdapter records calls and returns canned results. Verify looks the
// body up in events and requires the X-Fake-Signature header to be "ok".
type fakeAdapter struct {
	mu   sync.Mutex
	name string

	payment         *provider.PaymentResult
	paymentErr      error
	subscription    *provider.PaymentResult
	subscriptionErr error
	cancelErr       error
	updateErr       error
	refundStatus    string
	refundErr       error
	methods         []provider.PaymentMethod
	events          map[string]event.Event
	verifyErr       error

	paymentReqs []provider.PaymentRequest
	refundReqs  []provider.RefundRequest
	cancels     []cancelCall
	updates     []string
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:         name,
		payment:      &provider.PaymentResult{Success: true, PaymentID: "pay_1"},
		refundStatus: provider.RefundStatusSucceeded,
		events:       map[string]event.Event{},
	}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) CreatePayment(ctx context.Context, req provider.PaymentRequest) (*provider.PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paymentReqs = append(f.paymentReqs, req)
	if f.paymentErr != nil {
		return nil, f.paymentErr
	}
	res := *f.payment
	return &res, nil
}

func (f *fakeAdapter) CreateSubscription(ctx context.Context, req provider.SubscriptionRequest) (*provider.PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscriptionErr != nil {
		return nil, f.subscriptionErr
	}
	if f.subscription == nil {
		return &provider.PaymentResult{Success: true, PaymentID: "sub_" + req.PlanID, SubscriptionStatus: provider.SubscriptionStatusActive}, nil
	}
	res := *f.subscription
	return &res, nil
}

func (f *fakeAdapter) CancelSubscription(ctx context.Context, id string, immediately bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, cancelCall{id: id, immediately: immediately})
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	return true, nil
}

func (f *fakeAdapter) UpdateSubscription(ctx context.Context, id, plan string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, id+"->"+plan)
	if f.updateErr != nil {
		return false, f.updateErr
	}
	return true, nil
}

func (f *fakeAdapter) RetrievePaymentMethods(ctx context.Context, customerID string) ([]provider.PaymentMethod, error) {
	return f.methods, nil
}

func (f *fakeAdapter) RefundPayment(ctx context.Context, req provider.RefundRequest) (*provider.RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundReqs = append(f.refundReqs, req)
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	id := fmt.Sprintf("re_%d", len(f.refundReqs))
	if f.refundStatus == provider.RefundStatusFailed {
		return &provider.RefundResult{RefundID: id, Status: f.refundStatus, ErrorCode: "insufficient_funds"}, nil
	}
	return &provider.RefundResult{Success: true, RefundID: id, Status: f.refundStatus}, nil
}

func (f *fakeAdapter) Verify(ctx context.Context, req provider.WebhookRequest) (event.Event, error) {
	if req.HeaderValue("X-Fake-Signature") != "ok" {
		return nil, &provider.SignatureError{Provider: f.name, Reason: "bad signature"}
	}
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	ev, ok := f.events[string(req.Body)]
	if !ok {
		return event.Unhandled{Meta: event.Meta{Provider: f.name, ID: string(req.Body), Type: "unknown"}}, nil
	}
	return ev, nil
}

func (f *fakeAdapter) refundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refundReqs)
}

// capturingAdapter adds server-side capture.
type capturingAdapter struct {
	*fakeAdapter
	captured   []string
	capture    *provider.PaymentResult
	captureErr error
}

func (c *capturingAdapter) CapturePayment(ctx context.Context, providerPaymentID string) (*provider.PaymentResult, error) {
	c.captured = append(c.captured, providerPaymentID)
	if c.captureErr != nil {
		return nil, c.captureErr
	}
	res := *c.capture
	return &res, nil
}

func newTestOrchestrator(t *testing.T, adapters ...provider.Adapter) (*Orchestrator, Repository) {
	t.Helper()
	repo := newTestRepo(t)
	return NewOrchestrator(repo, provider.NewRegistry(adapters...), Options{WriteRetries: 2}), repo
}

func seedPayment(t *testing.T, repo Repository, p *models.Payment) *models.Payment {
	t.Helper()
	if p.TenantID == "" {
		p.TenantID = "tenant-1"
	}
	if p.Provider == "" {
		p.Provider = provider.NameStripe
	}
	if p.Currency == "" {
		p.Currency = "JPY"
	}
	require.NoError(t, repo.CreatePayment(context.Background(), p))
	return p
}

func seedSubscription(t *testing.T, repo Repository, s *models.Subscription, tenantPlan string) *models.Subscription {
	t.Helper()
	ctx := context.Background()
	if s.TenantID == "" {
		s.TenantID = "tenant-1"
	}
	if s.Provider == "" {
		s.Provider = provider.NameStripe
	}
	if s.PlanType == "" {
		s.PlanType = "pro"
	}
	require.NoError(t, repo.CreateSubscription(ctx, s))
	require.NoError(t, repo.Transaction(ctx, func(tx Repository) error {
		ts, err := tx.LockTenantSetting(ctx, s.TenantID)
		if err != nil {
			return err
		}
		ts.Plan = tenantPlan
		ts.Provider = s.Provider
		return tx.SaveTenantSetting(ctx, ts)
	}))
	return s
}

func hoursAgo(h int) *time.Time {
	t := time.Now().UTC().Add(-time.Duration(h) * time.Hour)
	return &t
}
