package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/db"
	"github.com/lyzr/branchsync/common/models"
)

// EventRepository handles the event log and its per-subscriber deliveries
type EventRepository struct {
	db *db.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *db.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append records change as published by publisherID and creates one
// delivery per currently registered subscriber, atomically. The returned
// targets are ordered by delivery id.
func (r *EventRepository) Append(ctx context.Context, publisherID string, change models.Change) (*models.Event, []models.DispatchTarget, error) {
	var (
		event   *models.Event
		targets []models.DispatchTarget
	)

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		// 1. Publisher must be registered
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM subscriber WHERE id = $1)`, publisherID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check publisher: %w", err)
		}
		if !exists {
			return apperr.NotFound("event.append", "publisher %q is not registered", publisherID)
		}

		// 2. Insert the immutable event row
		var err error
		event, err = insertEvent(ctx, tx, publisherID, change)
		if err != nil {
			return err
		}

		// 3. Fan out to the subscriber set as of now
		targets, err = insertDeliveries(ctx, tx, event)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return event, targets, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, publisherID string, change models.Change) (*models.Event, error) {
	var initial, current, delta *int64

	switch c := change.(type) {
	case models.CreateChange:
		initial = &c.InitialBalance
	case models.UpdateChange:
		current = &c.CurrentBalance
		delta = &c.Delta
	default:
		return nil, apperr.Validation("event.append", "unsupported change %T", change)
	}

	query := `
		INSERT INTO event (publisher_id, operation, product_id, initial_balance, current_balance, delta)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, published_at
	`

	event := &models.Event{
		PublisherID: publisherID,
		Change:      models.NewPayload(change),
	}
	err := tx.QueryRow(ctx, query,
		publisherID,
		string(change.Kind()),
		change.Subject(),
		initial,
		current,
		delta,
	).Scan(&event.ID, &event.PublishedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	return event, nil
}

func insertDeliveries(ctx context.Context, tx pgx.Tx, event *models.Event) ([]models.DispatchTarget, error) {
	query := `
		WITH inserted AS (
			INSERT INTO delivery (event_id, subscriber_id)
			SELECT $1, id FROM subscriber
			RETURNING id, subscriber_id
		)
		SELECT i.id, i.subscriber_id, s.callback_url
		FROM inserted i
		JOIN subscriber s ON s.id = i.subscriber_id
		ORDER BY i.id
	`

	rows, err := tx.Query(ctx, query, event.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert deliveries: %w", err)
	}
	defer rows.Close()

	targets := make([]models.DispatchTarget, 0)
	for rows.Next() {
		t := models.DispatchTarget{
			Notification: models.Notification{
				EventID:     event.ID,
				PublisherID: event.PublisherID,
				PublishedAt: event.PublishedAt,
				Change:      event.Change,
			},
		}
		if err := rows.Scan(&t.DeliveryID, &t.SubscriberID, &t.CallbackURL); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		targets = append(targets, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deliveries: %w", err)
	}
	return targets, nil
}

// notificationColumns must match scanNotification
const notificationColumns = `
	d.id, e.id, e.publisher_id, e.published_at,
	e.operation, e.product_id, e.initial_balance, e.current_balance, e.delta`

func scanNotification(row pgx.Row, extra ...any) (models.Notification, error) {
	var (
		n                       models.Notification
		operation               string
		productID               int64
		initial, current, delta *int64
	)

	dest := append([]any{
		&n.DeliveryID, &n.EventID, &n.PublisherID, &n.PublishedAt,
		&operation, &productID, &initial, &current, &delta,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return n, err
	}

	switch models.Operation(operation) {
	case models.OperationCreate:
		n.Change = models.NewPayload(models.CreateChange{ProductID: productID, InitialBalance: deref(initial)})
	case models.OperationUpdate:
		n.Change = models.NewPayload(models.UpdateChange{ProductID: productID, CurrentBalance: deref(current), Delta: deref(delta)})
	default:
		return n, fmt.Errorf("unknown operation %q on event %d", operation, n.EventID)
	}
	return n, nil
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// ListUndelivered returns every unacknowledged delivery addressed to
// branchID, oldest first
func (r *EventRepository) ListUndelivered(ctx context.Context, branchID string) ([]models.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM delivery d
		JOIN event e ON e.id = d.event_id
		WHERE d.subscriber_id = $1 AND d.consumed_at IS NULL
		ORDER BY d.id
	`

	rows, err := r.db.Query(ctx, query, branchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list undelivered: %w", err)
	}
	defer rows.Close()

	notifications := make([]models.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan undelivered: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate undelivered: %w", err)
	}
	return notifications, nil
}

// Acknowledge sets consumed_at once. Acknowledging an already consumed
// delivery succeeds without changing it.
func (r *EventRepository) Acknowledge(ctx context.Context, deliveryID int64) error {
	query := `
		UPDATE delivery
		SET consumed_at = now()
		WHERE id = $1 AND consumed_at IS NULL
	`

	tag, err := r.db.Exec(ctx, query, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge delivery: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM delivery WHERE id = $1)`, deliveryID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check delivery: %w", err)
	}
	if !exists {
		return apperr.NotFound("delivery.ack", "delivery %d not found", deliveryID)
	}
	return nil
}

// GetDelivery retrieves one delivery row
func (r *EventRepository) GetDelivery(ctx context.Context, deliveryID int64) (*models.Delivery, error) {
	query := `
		SELECT id, event_id, subscriber_id, received_at, consumed_at,
		       push_status, push_attempts, next_push_at, last_push_error
		FROM delivery
		WHERE id = $1
	`

	d := &models.Delivery{}
	err := r.db.QueryRow(ctx, query, deliveryID).Scan(
		&d.ID,
		&d.EventID,
		&d.SubscriberID,
		&d.ReceivedAt,
		&d.ConsumedAt,
		&d.PushStatus,
		&d.PushAttempts,
		&d.NextPushAt,
		&d.LastPushError,
	)
	if err != nil {
		return nil, apperr.FromPg("delivery.get", fmt.Errorf("failed to get delivery %d: %w", deliveryID, err))
	}
	return d, nil
}

// MarkPushed records a successful push
func (r *EventRepository) MarkPushed(ctx context.Context, deliveryID int64) error {
	query := `
		UPDATE delivery
		SET push_status = 'PUSHED',
		    push_attempts = push_attempts + 1,
		    pushed_at = now(),
		    next_push_at = NULL,
		    last_push_error = NULL
		WHERE id = $1
	`

	if _, err := r.db.Exec(ctx, query, deliveryID); err != nil {
		return fmt.Errorf("failed to mark delivery pushed: %w", err)
	}
	return nil
}

// MarkPushFailed records a failed push. A nil nextAttempt marks the
// delivery DEAD for automatic re-push.
func (r *EventRepository) MarkPushFailed(ctx context.Context, deliveryID int64, nextAttempt *time.Time, reason string) error {
	status := models.PushFailed
	if nextAttempt == nil {
		status = models.PushDead
	}

	query := `
		UPDATE delivery
		SET push_status = $2,
		    push_attempts = push_attempts + 1,
		    next_push_at = $3,
		    last_push_error = $4
		WHERE id = $1
	`

	if _, err := r.db.Exec(ctx, query, deliveryID, string(status), nextAttempt, reason); err != nil {
		return fmt.Errorf("failed to mark delivery push failure: %w", err)
	}
	return nil
}

// ListDueForPush returns unconsumed deliveries whose retry time has come,
// plus PENDING ones older than stalePending (push never attempted, e.g.
// the process stopped right after publish).
func (r *EventRepository) ListDueForPush(ctx context.Context, now, stalePending time.Time, limit int) ([]models.DispatchTarget, error) {
	query := `
		SELECT ` + notificationColumns + `, d.subscriber_id, s.callback_url, d.push_attempts
		FROM delivery d
		JOIN event e ON e.id = d.event_id
		JOIN subscriber s ON s.id = d.subscriber_id
		WHERE d.consumed_at IS NULL
		  AND (
		    (d.push_status = 'FAILED' AND d.next_push_at <= $1)
		    OR (d.push_status = 'PENDING' AND d.received_at <= $2)
		  )
		ORDER BY d.id
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, now, stalePending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries due for push: %w", err)
	}
	defer rows.Close()

	targets := make([]models.DispatchTarget, 0)
	for rows.Next() {
		var t models.DispatchTarget
		n, err := scanNotification(rows, &t.SubscriberID, &t.CallbackURL, &t.Attempts)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery due for push: %w", err)
		}
		t.Notification = n
		targets = append(targets, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deliveries due for push: %w", err)
	}
	return targets, nil
}
