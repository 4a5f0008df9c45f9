package models

// Request and response bodies shared by the sync service handlers and the
// branch-side client.

// RegisterRequest registers a branch with the sync service
type RegisterRequest struct {
	BranchID    string `json:"branch_id" validate:"required,max=64"`
	CallbackURL string `json:"callback_url" validate:"required,http_url"`
}

// RegisterResponse reports the stored registration
type RegisterResponse struct {
	Branch  Branch `json:"branch"`
	Created bool   `json:"created"`
}

// PublishRequest appends an event on behalf of PublisherID
type PublishRequest struct {
	PublisherID string        `json:"publisher_id" validate:"required"`
	Change      ChangePayload `json:"change"`
}

// PublishResponse reports the new event and how many deliveries were created
type PublishResponse struct {
	EventID    int64 `json:"event_id"`
	Deliveries int   `json:"deliveries"`
}

// PendingResponse lists undelivered notifications for one branch
type PendingResponse struct {
	BranchID      string         `json:"branch_id"`
	Notifications []Notification `json:"notifications"`
}

// AcquireLockRequest asks for the lock on ProductID
type AcquireLockRequest struct {
	BranchID  string `json:"branch_id" validate:"required"`
	ProductID int64  `json:"product_id" validate:"gt=0"`
}

// NotifyResponse is returned by a branch after handling a notification
type NotifyResponse struct {
	DeliveryID int64  `json:"delivery_id"`
	Outcome    string `json:"outcome"`
}
