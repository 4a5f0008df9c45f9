package models

import (
	"time"
)

// Branch is a registered subscriber of the sync service
// Maps to: subscriber table
type Branch struct {
	ID           string    `db:"id" json:"id"`
	CallbackURL  string    `db:"callback_url" json:"callback_url"`
	SubscribedAt time.Time `db:"subscribed_at" json:"subscribed_at"`
}

// Event is an immutable record of one published change
// Maps to: event table
type Event struct {
	ID          int64         `db:"id" json:"id"`
	PublisherID string        `db:"publisher_id" json:"publisher_id"`
	Change      ChangePayload `json:"change"`
	PublishedAt time.Time     `db:"published_at" json:"published_at"`
}

// PushStatus tracks best-effort push of a delivery to its subscriber
type PushStatus string

const (
	PushPending PushStatus = "PENDING"
	PushPushed  PushStatus = "PUSHED"
	PushFailed  PushStatus = "FAILED"
	// PushDead means automatic re-push gave up; catch-up still delivers it
	PushDead PushStatus = "DEAD"
)

// Delivery is one (event, subscriber) pair. ConsumedAt is set once, on ack.
// Maps to: delivery table
type Delivery struct {
	ID            int64      `db:"id" json:"id"`
	EventID       int64      `db:"event_id" json:"event_id"`
	SubscriberID  string     `db:"subscriber_id" json:"subscriber_id"`
	ReceivedAt    time.Time  `db:"received_at" json:"received_at"`
	ConsumedAt    *time.Time `db:"consumed_at" json:"consumed_at,omitempty"`
	PushStatus    PushStatus `db:"push_status" json:"push_status"`
	PushAttempts  int        `db:"push_attempts" json:"push_attempts"`
	NextPushAt    *time.Time `db:"next_push_at" json:"next_push_at,omitempty"`
	LastPushError *string    `db:"last_push_error" json:"last_push_error,omitempty"`
}

// Lock is a per-product mutual-exclusion record; active while ReleasedAt is nil
// Maps to: product_lock table
type Lock struct {
	ID         int64      `db:"id" json:"id"`
	BranchID   string     `db:"branch_id" json:"branch_id"`
	ProductID  int64      `db:"product_id" json:"product_id"`
	LockedAt   time.Time  `db:"locked_at" json:"locked_at"`
	ReleasedAt *time.Time `db:"released_at" json:"released_at,omitempty"`
}

// Active reports whether the lock is still held
func (l *Lock) Active() bool {
	return l.ReleasedAt == nil
}

// Notification is what a branch receives for one delivery, both when pushed
// and when pulled during catch-up
type Notification struct {
	DeliveryID  int64         `json:"delivery_id"`
	EventID     int64         `json:"event_id"`
	PublisherID string        `json:"publisher_id"`
	PublishedAt time.Time     `json:"published_at"`
	Change      ChangePayload `json:"change"`
}

// DispatchTarget is a delivery awaiting (re-)push together with everything
// needed to send it
type DispatchTarget struct {
	Notification
	SubscriberID string
	CallbackURL  string
	Attempts     int
}
