package service

import (
	"context"

	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/models"
)

// EventStore is the durable event log with per-subscriber deliveries
type EventStore interface {
	Append(ctx context.Context, publisherID string, change models.Change) (*models.Event, []models.DispatchTarget, error)
	ListUndelivered(ctx context.Context, branchID string) ([]models.Notification, error)
	Acknowledge(ctx context.Context, deliveryID int64) error
}

// Pusher sends freshly created deliveries to their subscribers
type Pusher interface {
	PushAll(ctx context.Context, targets []models.DispatchTarget) int
}

// FeedPublisher mirrors published events to live observers
type FeedPublisher interface {
	Publish(ctx context.Context, event *models.Event) error
}

// EventLogService implements publish, catch-up listing and acknowledgement
type EventLogService struct {
	events EventStore
	pusher Pusher
	feed   FeedPublisher
	logger Logger
}

// NewEventLogService creates an event log service. feed may be nil.
func NewEventLogService(events EventStore, pusher Pusher, feed FeedPublisher, logger Logger) *EventLogService {
	return &EventLogService{
		events: events,
		pusher: pusher,
		feed:   feed,
		logger: logger,
	}
}

// Publish records change on behalf of publisherID, creates one delivery per
// registered subscriber (the publisher included) and pushes them
// best-effort. Push failures never fail the publish.
func (s *EventLogService) Publish(ctx context.Context, publisherID string, change models.Change) (*models.PublishResponse, error) {
	// 1. Validate
	if publisherID == "" {
		return nil, apperr.Validation("events.publish", "publisher_id is required")
	}
	if change == nil {
		return nil, apperr.Validation("events.publish", "change is required")
	}
	if err := change.Validate(); err != nil {
		return nil, apperr.Validation("events.publish", "%v", err)
	}

	// 2. Persist event + deliveries atomically
	event, targets, err := s.events.Append(ctx, publisherID, change)
	if err != nil {
		return nil, err
	}

	s.logger.Info("event published",
		"event_id", event.ID,
		"publisher_id", publisherID,
		"operation", change.Kind(),
		"product_id", change.Subject(),
		"deliveries", len(targets))

	// 3. Push inline; failures are retried by the dispatcher sweep
	pushed := s.pusher.PushAll(ctx, targets)
	if pushed < len(targets) {
		s.logger.Warn("some deliveries were not pushed",
			"event_id", event.ID,
			"pushed", pushed,
			"deliveries", len(targets))
	}

	// 4. Mirror to the live feed
	if s.feed != nil {
		if err := s.feed.Publish(ctx, event); err != nil {
			s.logger.Warn("failed to mirror event to feed", "event_id", event.ID, "error", err)
		}
	}

	return &models.PublishResponse{EventID: event.ID, Deliveries: len(targets)}, nil
}

// ListUndelivered returns the branch's unacknowledged deliveries, oldest
// first. Unknown branches have none.
func (s *EventLogService) ListUndelivered(ctx context.Context, branchID string) ([]models.Notification, error) {
	if branchID == "" {
		return nil, apperr.Validation("events.list_undelivered", "branch_id is required")
	}
	return s.events.ListUndelivered(ctx, branchID)
}

// Acknowledge marks a delivery consumed
func (s *EventLogService) Acknowledge(ctx context.Context, deliveryID int64) error {
	if err := s.events.Acknowledge(ctx, deliveryID); err != nil {
		return err
	}
	s.logger.Debug("delivery acknowledged", "delivery_id", deliveryID)
	return nil
}
