package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lyzr/branchsync/common/models"
)

// SyncClient is a branch's view of the sync service: registry, event log
// and lock manager. Every call is bounded by the configured timeout.
type SyncClient struct {
	baseURL  string
	branchID string
	timeout  time.Duration
	http     *HTTPClient
	logger   Logger
}

// NewSyncClient creates a client acting on behalf of branchID
func NewSyncClient(baseURL, branchID string, timeout time.Duration, logger Logger) *SyncClient {
	return &SyncClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		branchID: branchID,
		timeout:  timeout,
		http:     NewHTTPClient(&http.Client{Timeout: timeout}, logger),
		logger:   logger,
	}
}

// BranchID returns the identity this client publishes and locks as
func (c *SyncClient) BranchID() string {
	return c.branchID
}

func (c *SyncClient) call(ctx context.Context, op, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(WithBranchID(ctx, c.branchID), c.timeout)
	defer cancel()
	return c.http.DoJSON(ctx, op, method, c.baseURL+path, in, out)
}

// Register subscribes this branch with its callback URL. Idempotent.
func (c *SyncClient) Register(ctx context.Context, callbackURL string) (*models.RegisterResponse, error) {
	var resp models.RegisterResponse
	err := c.call(ctx, "sync.register", http.MethodPost, "/api/v1/subscribers",
		models.RegisterRequest{BranchID: c.branchID, CallbackURL: callbackURL}, &resp)
	if err != nil {
		return nil, err
	}

	c.logger.Info("registered with sync service",
		"branch_id", c.branchID,
		"callback_url", callbackURL,
		"created", resp.Created)
	return &resp, nil
}

// Publish appends change to the event log as this branch
func (c *SyncClient) Publish(ctx context.Context, change models.Change) (*models.PublishResponse, error) {
	var resp models.PublishResponse
	err := c.call(ctx, "sync.publish", http.MethodPost, "/api/v1/events",
		models.PublishRequest{PublisherID: c.branchID, Change: models.NewPayload(change)}, &resp)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("event published",
		"event_id", resp.EventID,
		"operation", change.Kind(),
		"product_id", change.Subject(),
		"deliveries", resp.Deliveries)
	return &resp, nil
}

// ListPending returns every unacknowledged delivery for this branch in
// ascending delivery order
func (c *SyncClient) ListPending(ctx context.Context) ([]models.Notification, error) {
	var resp models.PendingResponse
	path := "/api/v1/events/pending/" + url.PathEscape(c.branchID)
	if err := c.call(ctx, "sync.list_pending", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

// Acknowledge marks a delivery consumed
func (c *SyncClient) Acknowledge(ctx context.Context, deliveryID int64) error {
	path := fmt.Sprintf("/api/v1/deliveries/%d/ack", deliveryID)
	return c.call(ctx, "sync.ack", http.MethodPatch, path, nil, nil)
}

// GetActiveLock returns the active lock for productID.
// A NotFound error means the product is not locked.
func (c *SyncClient) GetActiveLock(ctx context.Context, productID int64) (*models.Lock, error) {
	var lock models.Lock
	path := "/api/v1/locks?product_id=" + strconv.FormatInt(productID, 10)
	if err := c.call(ctx, "sync.get_lock", http.MethodGet, path, nil, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// AcquireLock takes the lock on productID for this branch.
// A Conflict error means another holder won.
func (c *SyncClient) AcquireLock(ctx context.Context, productID int64) (*models.Lock, error) {
	var lock models.Lock
	err := c.call(ctx, "sync.acquire_lock", http.MethodPost, "/api/v1/locks",
		models.AcquireLockRequest{BranchID: c.branchID, ProductID: productID}, &lock)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// ReleaseLock releases lockID. Releasing twice is not an error.
func (c *SyncClient) ReleaseLock(ctx context.Context, lockID int64) error {
	path := fmt.Sprintf("/api/v1/locks/%d/release", lockID)
	return c.call(ctx, "sync.release_lock", http.MethodPatch, path, nil, nil)
}
