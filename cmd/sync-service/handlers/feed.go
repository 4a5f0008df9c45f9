package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/lyzr/branchsync/cmd/sync-service/feed"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// FeedHandler upgrades observers to the live event stream
type FeedHandler struct {
	hub    *feed.Hub
	logger feed.Logger
}

// NewFeedHandler creates a new feed handler
func NewFeedHandler(hub *feed.Hub, logger feed.Logger) *FeedHandler {
	return &FeedHandler{hub: hub, logger: logger}
}

// Stream streams published events over a websocket. An empty branch_id
// streams every branch.
// GET /api/v1/events/stream?branch_id=branch-a
func (h *FeedHandler) Stream(c echo.Context) error {
	filter := c.QueryParam("branch_id")

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response
		h.logger.Warn("feed upgrade failed", "error", err)
		return nil
	}

	feed.NewClient(h.hub, conn, filter).Serve()
	h.logger.Info("feed observer connected", "filter", filter, "remote", c.RealIP())
	return nil
}
