package service

import (
	"context"
	"time"

	"github.com/lyzr/branchsync/common/config"
	"github.com/lyzr/branchsync/common/models"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentPushes bounds outbound notify calls per batch
const maxConcurrentPushes = 8

// DeliveryStore records push outcomes and finds deliveries to re-push
type DeliveryStore interface {
	MarkPushed(ctx context.Context, deliveryID int64) error
	MarkPushFailed(ctx context.Context, deliveryID int64, nextAttempt *time.Time, reason string) error
	ListDueForPush(ctx context.Context, now, stalePending time.Time, limit int) ([]models.DispatchTarget, error)
}

// Notifier pushes one notification to a branch callback
type Notifier interface {
	Notify(ctx context.Context, callbackURL string, n models.Notification) error
}

// DispatcherOpts configures a Dispatcher
type DispatcherOpts struct {
	Store    DeliveryStore
	Notifier Notifier
	Lease    Lease // optional; nil means every replica sweeps
	Config   config.DispatcherConfig
	Logger   Logger
	Now      func() time.Time
}

// Dispatcher pushes deliveries to subscribers. Pushes are best-effort:
// failures are recorded and retried with exponential backoff until
// MaxAttempts, after which the delivery is left for catch-up.
type Dispatcher struct {
	store    DeliveryStore
	notifier Notifier
	lease    Lease
	cfg      config.DispatcherConfig
	logger   Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher
func NewDispatcher(opts DispatcherOpts) *Dispatcher {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		store:    opts.Store,
		notifier: opts.Notifier,
		lease:    opts.Lease,
		cfg:      opts.Config,
		logger:   opts.Logger,
		now:      now,
	}
}

// PushAll pushes every target concurrently and returns how many succeeded.
// Individual failures are recorded on the delivery, never returned.
func (d *Dispatcher) PushAll(ctx context.Context, targets []models.DispatchTarget) int {
	if len(targets) == 0 {
		return 0
	}

	results := make([]bool, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentPushes)
	for i := range targets {
		i := i
		g.Go(func() error {
			results[i] = d.push(gctx, targets[i])
			return nil
		})
	}
	_ = g.Wait()

	pushed := 0
	for _, ok := range results {
		if ok {
			pushed++
		}
	}
	return pushed
}

func (d *Dispatcher) push(ctx context.Context, t models.DispatchTarget) bool {
	pushCtx, cancel := context.WithTimeout(ctx, d.cfg.PushTimeout)
	err := d.notifier.Notify(pushCtx, t.CallbackURL, t.Notification)
	cancel()

	// bookkeeping must survive a cancelled caller
	bgCtx := context.WithoutCancel(ctx)

	if err == nil {
		if err := d.store.MarkPushed(bgCtx, t.DeliveryID); err != nil {
			d.logger.Warn("failed to record push", "delivery_id", t.DeliveryID, "error", err)
		}
		d.logger.Debug("delivery pushed",
			"delivery_id", t.DeliveryID,
			"subscriber_id", t.SubscriberID)
		return true
	}

	attempt := t.Attempts + 1
	var next *time.Time
	if attempt < d.cfg.MaxAttempts {
		at := d.now().Add(retryDelay(attempt, d.cfg.BaseBackoff, d.cfg.MaxBackoff))
		next = &at
	}

	d.logger.Warn("delivery push failed",
		"delivery_id", t.DeliveryID,
		"subscriber_id", t.SubscriberID,
		"callback_url", t.CallbackURL,
		"attempt", attempt,
		"dead", next == nil,
		"error", err)

	if err := d.store.MarkPushFailed(bgCtx, t.DeliveryID, next, err.Error()); err != nil {
		d.logger.Warn("failed to record push failure", "delivery_id", t.DeliveryID, "error", err)
	}
	return false
}

// Sweep re-pushes one batch of due deliveries. It returns the number of
// deliveries attempted; 0 with a nil error also covers "lease held elsewhere".
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	if d.lease != nil {
		release, ok, err := d.lease.TryAcquire(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			d.logger.Debug("dispatcher lease held by another replica")
			return 0, nil
		}
		defer release()
	}

	now := d.now()
	stale := now.Add(-(d.cfg.PushTimeout + d.cfg.Interval))

	targets, err := d.store.ListDueForPush(ctx, now, stale, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(targets) == 0 {
		return 0, nil
	}

	pushed := d.PushAll(ctx, targets)
	d.logger.Info("dispatcher sweep complete", "due", len(targets), "pushed", pushed)
	return len(targets), nil
}

// Run sweeps every Interval until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		"interval", d.cfg.Interval,
		"batch_size", d.cfg.BatchSize,
		"max_attempts", d.cfg.MaxAttempts)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("dispatcher sweep failed", "error", err)
			}
		}
	}
}
