package clients

import (
	"context"

	"github.com/lyzr/branchsync/common/logger"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// BranchIDKey is the context key for the calling branch (X-Branch-ID header)
	BranchIDKey contextKey = "branch-id"
)

// WithBranchID adds the calling branch id to the context.
// It is forwarded as X-Branch-ID on outbound requests.
func WithBranchID(ctx context.Context, branchID string) context.Context {
	return context.WithValue(ctx, BranchIDKey, branchID)
}

// GetBranchID retrieves the branch id from context
func GetBranchID(ctx context.Context) (string, bool) {
	branchID, ok := ctx.Value(BranchIDKey).(string)
	return branchID, ok && branchID != ""
}

// GetRequestID retrieves the inbound request id, if any
func GetRequestID(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(logger.RequestIDKey).(string)
	return requestID, ok && requestID != ""
}
