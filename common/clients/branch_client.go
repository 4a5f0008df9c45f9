package clients

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/lyzr/branchsync/common/models"
)

// BranchClient pushes notifications to branch callback endpoints
type BranchClient struct {
	http    *HTTPClient
	timeout time.Duration
}

// NewBranchClient creates a client whose pushes are bounded by timeout
func NewBranchClient(timeout time.Duration, logger Logger) *BranchClient {
	return &BranchClient{
		http:    NewHTTPClient(&http.Client{Timeout: timeout}, logger),
		timeout: timeout,
	}
}

// Notify posts n to {callbackURL}/api/v1/notify
func (c *BranchClient) Notify(ctx context.Context, callbackURL string, n models.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target := strings.TrimRight(callbackURL, "/") + "/api/v1/notify"
	return c.http.DoJSON(ctx, "branch.notify", http.MethodPost, target, n, nil)
}
