package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	branchmodels "github.com/lyzr/branchsync/cmd/branch/models"
	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/models"
	"github.com/lyzr/branchsync/common/rules"
)

// OrderStore persists order requests and line item saga state
type OrderStore interface {
	CreateRequest(ctx context.Context, id uuid.UUID, items []branchmodels.OrderItem) (*branchmodels.OrderRequest, error)
	GetRequest(ctx context.Context, id uuid.UUID) (*branchmodels.OrderRequest, error)
	SaveProgress(ctx context.Context, item *branchmodels.LineItem) error
	Debit(ctx context.Context, item *branchmodels.LineItem) (int64, error)
	Compensate(ctx context.Context, item *branchmodels.LineItem, reason string) error
	ListUnfinished(ctx context.Context) ([]branchmodels.LineItem, error)
	Balance(ctx context.Context, productID int64) (int64, error)
}

// LockClient is the sync service lock manager as seen by one branch
type LockClient interface {
	GetActiveLock(ctx context.Context, productID int64) (*models.Lock, error)
	AcquireLock(ctx context.Context, productID int64) (*models.Lock, error)
	ReleaseLock(ctx context.Context, lockID int64) error
}

// CatchUpper applies deliveries this branch has not yet consumed
type CatchUpper interface {
	CatchUp(ctx context.Context) (*CatchUpResult, error)
}

// OrderOpts configures an OrderService
type OrderOpts struct {
	Store          OrderStore
	Locks          LockClient
	Publisher      EventPublisher
	CatchUp        CatchUpper
	Rules          *rules.Evaluator
	ItemRule       string
	BranchID       string
	Logger         Logger
	NewID          func() uuid.UUID
	// ReleaseBackOff paces in-place retries of a failed lock release.
	// Defaults to exponential backoff capped at five seconds overall.
	ReleaseBackOff func() backoff.BackOff
}

// OrderService places orders. Each line item runs its own saga:
// lock check, lock acquire, catch-up, debit, publish, release. The step
// reached is persisted after every side effect so Recover can finish or
// undo an interrupted item.
type OrderService struct {
	store          OrderStore
	locks          LockClient
	publisher      EventPublisher
	catchUp        CatchUpper
	rules          *rules.Evaluator
	itemRule       string
	branchID       string
	logger         Logger
	newID          func() uuid.UUID
	releaseBackOff func() backoff.BackOff

	// requests being placed right now, with their product ids; recovery
	// leaves them alone
	mu     sync.Mutex
	active map[uuid.UUID][]int64
}

// NewOrderService creates an order service. The item rule is compiled
// eagerly so a bad rule fails at startup.
func NewOrderService(opts OrderOpts) (*OrderService, error) {
	if opts.Rules != nil && opts.ItemRule != "" {
		if err := opts.Rules.Compile(opts.ItemRule); err != nil {
			return nil, fmt.Errorf("invalid order item rule: %w", err)
		}
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.New
	}
	releaseBackOff := opts.ReleaseBackOff
	if releaseBackOff == nil {
		releaseBackOff = defaultReleaseBackOff
	}
	return &OrderService{
		store:          opts.Store,
		locks:          opts.Locks,
		publisher:      opts.Publisher,
		catchUp:        opts.CatchUp,
		rules:          opts.Rules,
		itemRule:       opts.ItemRule,
		branchID:       opts.BranchID,
		logger:         opts.Logger,
		newID:          newID,
		releaseBackOff: releaseBackOff,
		active:         make(map[uuid.UUID][]int64),
	}, nil
}

func defaultReleaseBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 5 * time.Second
	return b
}

// PlaceOrder validates the whole request, records it, then runs every line
// item independently. Item outcomes are reported through their status; only
// validation and storage failures fail the call.
func (s *OrderService) PlaceOrder(ctx context.Context, items []branchmodels.OrderItem) (*branchmodels.PlaceOrderResponse, error) {
	// 1. Validate
	if err := s.validate(items); err != nil {
		return nil, err
	}

	// 2. Record the request and its NEW line items
	id := s.newID()
	s.begin(id, items)
	defer s.end(id)

	req, err := s.store.CreateRequest(ctx, id, items)
	if err != nil {
		return nil, err
	}

	s.logger.Info("order received", "request_id", req.ID, "items", len(req.Items))

	// 3. Run each item
	confirmed := 0
	for i := range req.Items {
		item := &req.Items[i]
		s.runItem(ctx, item)
		if item.Status == branchmodels.StatusConfirmed {
			confirmed++
		}
	}

	s.logger.Info("order processed", "request_id", req.ID, "items", len(req.Items), "confirmed", confirmed)

	return &branchmodels.PlaceOrderResponse{
		RequestID: req.ID,
		Confirmed: confirmed,
		Items:     req.Items,
	}, nil
}

// GetOrder returns a request with all its line items
func (s *OrderService) GetOrder(ctx context.Context, id uuid.UUID) (*branchmodels.OrderRequest, error) {
	return s.store.GetRequest(ctx, id)
}

func (s *OrderService) validate(items []branchmodels.OrderItem) error {
	if len(items) == 0 {
		return apperr.Validation("order.place", "at least one item is required")
	}

	for i, it := range items {
		if it.ProductID <= 0 || it.Quantity <= 0 {
			return apperr.Validation("order.place",
				"item %d: product_id and quantity must be > 0", i)
		}
		if s.rules == nil || s.itemRule == "" {
			continue
		}
		ok, err := s.rules.Allow(s.itemRule, s.branchID, map[string]any{
			"product_id": it.ProductID,
			"quantity":   it.Quantity,
		})
		if err != nil {
			return apperr.Validation("order.place", "item %d: %v", i, err)
		}
		if !ok {
			return apperr.Validation("order.place",
				"item %d (product %d, quantity %d) rejected by order policy", i, it.ProductID, it.Quantity)
		}
	}
	return nil
}

// runItem drives one line item from CREATED to DONE
func (s *OrderService) runItem(ctx context.Context, item *branchmodels.LineItem) {
	// 1. Lock check
	if active, err := s.locks.GetActiveLock(ctx, item.ProductID); err == nil {
		s.logger.Info("product locked, cancelling item",
			"item_id", item.ID,
			"product_id", item.ProductID,
			"held_by", active.BranchID)
		s.settle(ctx, item, branchmodels.StatusCancelledByLock, "")
		return
	} else if !apperr.Is(err, apperr.KindNotFound) {
		s.fail(ctx, item, "lock check", err)
		return
	}

	// 2. Acquire
	lock, err := s.locks.AcquireLock(ctx, item.ProductID)
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			s.logger.Info("lock lost to another holder, cancelling item",
				"item_id", item.ID,
				"product_id", item.ProductID,
				"reason", err.Error())
			s.settle(ctx, item, branchmodels.StatusCancelledByLock, "")
			return
		}
		// the lock may exist even though the call failed; stay at CREATED
		// until that is ruled out
		s.logger.Warn("order item failed",
			"item_id", item.ID,
			"product_id", item.ProductID,
			"stage", "lock acquire",
			"error", err)
		reason := fmt.Sprintf("lock acquire: %v", err)
		item.Status = branchmodels.StatusFailed
		item.LastError = &reason
		if s.releaseOrphan(ctx, item) {
			item.Step = branchmodels.StepDone
		}
		if err := s.store.SaveProgress(ctx, item); err != nil {
			s.logger.Error("failed to record item failure", "item_id", item.ID, "error", err)
		}
		return
	}

	item.LockID = &lock.ID
	item.Step = branchmodels.StepLockAcquired
	if err := s.store.SaveProgress(ctx, item); err != nil {
		s.logger.Error("failed to record lock", "item_id", item.ID, "lock_id", lock.ID, "error", err)
		s.abortHoldingLock(ctx, item, err)
		return
	}

	// 3. Apply updates from previous lock holders
	if s.catchUp != nil {
		if _, err := s.catchUp.CatchUp(ctx); err != nil {
			s.logger.Warn("order catch-up failed, continuing with local balance",
				"item_id", item.ID,
				"error", err)
		}
	}

	// 4. Debit
	balance, err := s.store.Debit(ctx, item)
	if err != nil {
		s.abortHoldingLock(ctx, item, err)
		return
	}
	if item.Status == branchmodels.StatusInsufficientBalance {
		s.logger.Info("insufficient balance",
			"item_id", item.ID,
			"product_id", item.ProductID,
			"quantity", item.Quantity,
			"balance", balance)
		s.release(ctx, item)
		return
	}

	// 5. Publish, 6. release
	s.publishDebit(ctx, item, balance)
}

// publishDebit publishes the UPDATE for a debited item then releases its
// lock. A publish failure is compensated locally.
func (s *OrderService) publishDebit(ctx context.Context, item *branchmodels.LineItem, balance int64) {
	_, err := s.publisher.Publish(ctx, models.UpdateChange{
		ProductID:      item.ProductID,
		CurrentBalance: balance,
		Delta:          -item.Quantity,
	})
	if err != nil {
		s.logger.Warn("failed to publish debit, compensating",
			"item_id", item.ID,
			"product_id", item.ProductID,
			"error", err)
		if cerr := s.store.Compensate(ctx, item, err.Error()); cerr != nil {
			// still BALANCE_APPLIED; recovery retries the publish
			s.logger.Error("compensation failed", "item_id", item.ID, "error", cerr)
			return
		}
		s.release(ctx, item)
		return
	}

	item.Status = branchmodels.StatusConfirmed
	item.Step = branchmodels.StepPublished
	if err := s.store.SaveProgress(ctx, item); err != nil {
		// the lock is released regardless
		s.logger.Error("failed to record publish", "item_id", item.ID, "error", err)
	}

	s.logger.Info("item confirmed",
		"item_id", item.ID,
		"product_id", item.ProductID,
		"quantity", item.Quantity,
		"balance", balance)
	s.release(ctx, item)
}

// release frees the item's lock, if any, and marks the saga DONE. A release
// that still fails after retrying leaves the step unchanged for the next
// recovery sweep.
func (s *OrderService) release(ctx context.Context, item *branchmodels.LineItem) {
	if item.LockID != nil {
		if err := s.releaseLock(ctx, *item.LockID); err != nil {
			s.logger.Warn("failed to release lock",
				"item_id", item.ID,
				"lock_id", *item.LockID,
				"error", err)
			return
		}
	}

	item.Step = branchmodels.StepDone
	if err := s.store.SaveProgress(ctx, item); err != nil {
		s.logger.Error("failed to mark item done", "item_id", item.ID, "error", err)
	}
}

// settle finishes an item that never held a lock
func (s *OrderService) settle(ctx context.Context, item *branchmodels.LineItem, status branchmodels.ItemStatus, reason string) {
	item.Status = status
	item.Step = branchmodels.StepDone
	if reason != "" {
		item.LastError = &reason
	}
	if err := s.store.SaveProgress(ctx, item); err != nil {
		s.logger.Error("failed to settle item", "item_id", item.ID, "status", status, "error", err)
	}
}

// fail marks an item FAILED before any lock was taken
func (s *OrderService) fail(ctx context.Context, item *branchmodels.LineItem, stage string, err error) {
	s.logger.Warn("order item failed",
		"item_id", item.ID,
		"product_id", item.ProductID,
		"stage", stage,
		"error", err)
	s.settle(ctx, item, branchmodels.StatusFailed, fmt.Sprintf("%s: %v", stage, err))
}

// abortHoldingLock marks an item FAILED and releases the lock it holds
func (s *OrderService) abortHoldingLock(ctx context.Context, item *branchmodels.LineItem, err error) {
	s.logger.Warn("order item failed while holding lock",
		"item_id", item.ID,
		"product_id", item.ProductID,
		"error", err)

	reason := err.Error()
	item.Status = branchmodels.StatusFailed
	item.LastError = &reason
	s.release(ctx, item)
}

// releaseOrphan releases an active lock on the item's product held by this
// branch that the item has no record of. It reports whether no such lock
// is left.
func (s *OrderService) releaseOrphan(ctx context.Context, item *branchmodels.LineItem) bool {
	active, err := s.locks.GetActiveLock(ctx, item.ProductID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return true
		}
		s.logger.Warn("could not check for orphaned lock", "item_id", item.ID, "error", err)
		return false
	}
	if active.BranchID != s.branchID {
		return true
	}

	if s.productBusy(item.ProductID, item.RequestID) {
		// the lock may belong to a request still running
		s.logger.Debug("product has a request in flight, leaving lock", "item_id", item.ID, "lock_id", active.ID)
		return false
	}

	if err := s.releaseLock(ctx, active.ID); err != nil {
		s.logger.Warn("failed to release orphaned lock", "lock_id", active.ID, "error", err)
		return false
	}
	s.logger.Info("released orphaned lock", "lock_id", active.ID, "product_id", item.ProductID)
	return true
}

// releaseLock releases lockID, retrying while the sync service is
// unreachable
func (s *OrderService) releaseLock(ctx context.Context, lockID int64) error {
	release := func() error {
		err := s.locks.ReleaseLock(ctx, lockID)
		if err != nil && !apperr.Is(err, apperr.KindRemoteUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("lock release failed, retrying", "lock_id", lockID, "error", err, "retry_in", wait)
	}
	return backoff.RetryNotify(release, backoff.WithContext(s.releaseBackOff(), ctx), notify)
}

func (s *OrderService) begin(id uuid.UUID, items []branchmodels.OrderItem) {
	products := make([]int64, 0, len(items))
	for _, it := range items {
		products = append(products, it.ProductID)
	}
	s.mu.Lock()
	s.active[id] = products
	s.mu.Unlock()
}

func (s *OrderService) end(id uuid.UUID) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *OrderService) inFlight(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// productBusy reports whether a request other than except is placing an
// order for productID
func (s *OrderService) productBusy(productID int64, except uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, products := range s.active {
		if id == except {
			continue
		}
		for _, p := range products {
			if p == productID {
				return true
			}
		}
	}
	return false
}
