package service

import (
	"context"
	"sync"

	branchmodels "github.com/lyzr/branchsync/cmd/branch/models"
	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ReplicaStore applies replicated changes to the local product table
type ReplicaStore interface {
	ApplyCreate(ctx context.Context, deliveryID int64, c models.CreateChange) (*branchmodels.ApplyResult, error)
	ApplyUpdate(ctx context.Context, deliveryID int64, u models.UpdateChange) (*branchmodels.ApplyResult, error)
}

// Inbox is the sync service's delivery log as seen by one branch
type Inbox interface {
	ListPending(ctx context.Context) ([]models.Notification, error)
	Acknowledge(ctx context.Context, deliveryID int64) error
}

// ConsumerService applies notifications pushed by the sync service or
// replayed during catch-up
type ConsumerService struct {
	store    ReplicaStore
	inbox    Inbox
	branchID string
	logger   Logger

	// one notification at a time, in arrival order
	mu sync.Mutex
}

// NewConsumerService creates a consumer for branchID
func NewConsumerService(store ReplicaStore, inbox Inbox, branchID string, logger Logger) *ConsumerService {
	return &ConsumerService{
		store:    store,
		inbox:    inbox,
		branchID: branchID,
		logger:   logger,
	}
}

// Handle applies n and acknowledges it. Events this branch published are
// skipped and left unacknowledged. A failed acknowledgement is returned as
// RemoteUnavailable; the local change has already committed and a
// re-delivery will be reported as a duplicate.
func (s *ConsumerService) Handle(ctx context.Context, n models.Notification) (branchmodels.Outcome, error) {
	// 1. Own events were applied when they were made
	if n.PublisherID == s.branchID {
		s.logger.Debug("skipping own event", "delivery_id", n.DeliveryID, "event_id", n.EventID)
		return branchmodels.OutcomeSkipped, nil
	}

	// 2. Validate
	if n.Change.Change == nil {
		return "", apperr.Validation("consumer.handle", "delivery %d carries no change", n.DeliveryID)
	}
	if err := n.Change.Validate(); err != nil {
		return "", apperr.Validation("consumer.handle", "delivery %d: %v", n.DeliveryID, err)
	}

	// 3. Apply locally
	result, err := s.apply(ctx, n)
	if err != nil {
		s.logger.Warn("failed to apply delivery",
			"delivery_id", n.DeliveryID,
			"publisher_id", n.PublisherID,
			"operation", n.Change.Kind(),
			"product_id", n.Change.Subject(),
			"error", err)
		return "", err
	}

	s.logger.Info("delivery applied",
		"delivery_id", n.DeliveryID,
		"publisher_id", n.PublisherID,
		"operation", n.Change.Kind(),
		"product_id", n.Change.Subject(),
		"outcome", result.Outcome)
	if result.Discarded > 0 {
		s.logger.Warn("buffered updates discarded on create",
			"product_id", n.Change.Subject(),
			"drained", result.Drained,
			"discarded", result.Discarded)
	}

	// 4. Acknowledge
	if err := s.inbox.Acknowledge(ctx, n.DeliveryID); err != nil {
		s.logger.Warn("failed to acknowledge delivery", "delivery_id", n.DeliveryID, "error", err)
		if apperr.Is(err, apperr.KindRemoteUnavailable) {
			return result.Outcome, err
		}
		return result.Outcome, apperr.Unavailable("consumer.ack", err)
	}

	return result.Outcome, nil
}

func (s *ConsumerService) apply(ctx context.Context, n models.Notification) (*branchmodels.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch c := n.Change.Change.(type) {
	case models.CreateChange:
		return s.store.ApplyCreate(ctx, n.DeliveryID, c)
	case models.UpdateChange:
		return s.store.ApplyUpdate(ctx, n.DeliveryID, c)
	default:
		return nil, apperr.Validation("consumer.handle", "unsupported change %T", c)
	}
}
