package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/lifecycle"
	"github.com/ManuelReschke/SalonFox/internal/pkg/billing/provider"
	"github.com/gofiber/fiber/v2/log"
)

const sweepBatchSize = 100

// PeriodEndSweeper finalizes subscriptions that were cancelled at period end
// when the provider's own cancellation event never arrived.
type PeriodEndSweeper struct {
	repo     Repository
	registry *provider.Registry
	interval time.Duration
	grace    time.Duration
	now      func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewPeriodEndSweeper(repo Repository, registry *provider.Registry, interval, grace time.Duration) *PeriodEndSweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &PeriodEndSweeper{
		repo:     repo,
		registry: registry,
		interval: interval,
		grace:    grace,
		now:      time.Now,
	}
}

// Start launches the sweep loop
func (s *PeriodEndSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop()
}

// Stop stops the loop and waits for a running sweep to finish
func (s *PeriodEndSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false
	s.wg.Wait()
}

func (s *PeriodEndSweeper) loop() {
	defer s.wg.Done()
	log.Infof("[Sweeper] Period-end sweeper running (grace=%s, interval=%s)", s.grace, s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			log.Info("[Sweeper] Period-end sweeper stopping")
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(context.Background()); err != nil {
				log.Errorf("[Sweeper] Sweep failed: %v", err)
			} else if n > 0 {
				log.Infof("[Sweeper] Finalized %d subscriptions", n)
			}
		}
	}
}

// SweepOnce finalizes one batch of overdue subscriptions and returns how
// many were cancelled locally.
func (s *PeriodEndSweeper) SweepOnce(ctx context.Context) (int, error) {
	subs, err := s.repo.ListSubscriptionsPendingFinalization(ctx, s.now().UTC().Add(-s.grace), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	finalized := 0
	for _, sub := range subs {
		adapter, err := s.registry.Get(sub.Provider)
		if err != nil {
			log.Warnf("[Sweeper] Skipping subscription %s: %v", sub.ID, err)
			continue
		}

		start := time.Now()
		_, err = adapter.CancelSubscription(ctx, sub.ProviderSubscriptionID, true)
		track(adapter.Name(), "cancel_subscription", start, err, false)
		switch {
		case err == nil:
		case errors.Is(err, provider.ErrUnsupported), errors.Is(err, provider.ErrRejected):
			// The network ended it on its own at period end.
			log.Infof("[Sweeper] %s refused immediate cancel of %s (%v), finalizing locally", adapter.Name(), sub.ProviderSubscriptionID, err)
		default:
			log.Warnf("[Sweeper] Cancel of %s subscription %s failed: %v", adapter.Name(), sub.ProviderSubscriptionID, err)
			continue
		}

		err = s.repo.Transaction(ctx, func(tx Repository) error {
			locked, err := tx.LockSubscriptionByProviderID(ctx, sub.Provider, sub.ProviderSubscriptionID)
			if err != nil {
				return err
			}
			if !locked.CancelAtPeriodEnd || locked.Status == string(lifecycle.StatusCanceled) {
				return nil
			}
			_, err = applyTrigger(ctx, tx, locked, lifecycle.TriggerCancellationConfirmed, s.now())
			return err
		})
		if err != nil {
			log.Errorf("[Sweeper] Finalizing subscription %s failed: %v", sub.ID, err)
			continue
		}
		finalized++
	}
	return finalized, nil
}
