package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/logger"
	"github.com/lyzr/branchsync/common/middleware"
	"github.com/lyzr/branchsync/common/models"
	"github.com/lyzr/branchsync/common/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRegistry struct {
	branches map[string]models.Branch
}

func (s *stubRegistry) Register(ctx context.Context, id, url string) (*models.Branch, bool, error) {
	if b, ok := s.branches[id]; ok {
		return &b, false, nil
	}
	b := models.Branch{ID: id, CallbackURL: url, SubscribedAt: time.Now()}
	s.branches[id] = b
	return &b, true, nil
}

func (s *stubRegistry) Get(ctx context.Context, id string) (*models.Branch, error) {
	if b, ok := s.branches[id]; ok {
		return &b, nil
	}
	return nil, apperr.NotFound("registry.get", "branch %q", id)
}

func (s *stubRegistry) List(ctx context.Context) ([]models.Branch, error) {
	out := make([]models.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		out = append(out, b)
	}
	return out, nil
}

type stubEvents struct {
	published []models.Change
	acked     []int64
}

func (s *stubEvents) Publish(ctx context.Context, publisherID string, change models.Change) (*models.PublishResponse, error) {
	if change == nil {
		return nil, apperr.Validation("events.publish", "change is required")
	}
	s.published = append(s.published, change)
	return &models.PublishResponse{EventID: int64(len(s.published)), Deliveries: 2}, nil
}

func (s *stubEvents) ListUndelivered(ctx context.Context, branchID string) ([]models.Notification, error) {
	return []models.Notification{{
		DeliveryID: 4, EventID: 1, PublisherID: "branch-b",
		Change: models.NewPayload(models.UpdateChange{ProductID: 1, CurrentBalance: 3, Delta: -2}),
	}}, nil
}

func (s *stubEvents) Acknowledge(ctx context.Context, deliveryID int64) error {
	if deliveryID == 404 {
		return apperr.NotFound("events.ack", "delivery %d", deliveryID)
	}
	s.acked = append(s.acked, deliveryID)
	return nil
}

type stubLocks struct {
	held map[int64]*models.Lock
}

func (s *stubLocks) GetActiveLock(ctx context.Context, productID int64) (*models.Lock, error) {
	if l, ok := s.held[productID]; ok {
		return l, nil
	}
	return nil, apperr.NotFound("locks.get_active", "product %d is not locked", productID)
}

func (s *stubLocks) Acquire(ctx context.Context, branchID string, productID int64) (*models.Lock, error) {
	if l, ok := s.held[productID]; ok {
		return nil, apperr.Conflict("locks.acquire", "product %d is locked by %s", productID, l.BranchID)
	}
	l := &models.Lock{ID: int64(len(s.held) + 1), BranchID: branchID, ProductID: productID, LockedAt: time.Now()}
	s.held[productID] = l
	return l, nil
}

func (s *stubLocks) Release(ctx context.Context, lockID int64) (*models.Lock, error) {
	for pid, l := range s.held {
		if l.ID == lockID {
			now := time.Now()
			l.ReleasedAt = &now
			delete(s.held, pid)
			return l, nil
		}
	}
	return nil, apperr.NotFound("locks.release", "lock %d", lockID)
}

func newTestServer() (*echo.Echo, *stubEvents) {
	e := echo.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(logger.Discard())
	e.Validator = validation.New()

	sh := NewSubscriberHandler(&stubRegistry{branches: map[string]models.Branch{}})
	e.POST("/api/v1/subscribers", sh.Register)
	e.GET("/api/v1/subscribers", sh.ListSubscribers)
	e.GET("/api/v1/subscribers/:id", sh.GetSubscriber)

	events := &stubEvents{}
	eh := NewEventHandler(events)
	e.POST("/api/v1/events", eh.Publish)
	e.GET("/api/v1/events/pending/:branch_id", eh.ListPending)
	e.PATCH("/api/v1/deliveries/:id/ack", eh.Acknowledge)

	lh := NewLockHandler(&stubLocks{held: map[int64]*models.Lock{}})
	e.GET("/api/v1/locks", lh.GetActiveLock)
	e.POST("/api/v1/locks", lh.Acquire)
	e.PATCH("/api/v1/locks/:id/release", lh.Release)

	return e, events
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func errorKind(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body middleware.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestSubscriberHandler_RegisterStatusCodes(t *testing.T) {
	e, _ := newTestServer()
	body := `{"branch_id":"branch-a","callback_url":"http://a:8081"}`

	rec := do(e, http.MethodPost, "/api/v1/subscribers", body)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/subscribers", body)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp models.RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Created)
	assert.Equal(t, "branch-a", resp.Branch.ID)

	rec = do(e, http.MethodPost, "/api/v1/subscribers", `{"branch_id":"branch-b","callback_url":"not a url"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", errorKind(t, rec))

	rec = do(e, http.MethodGet, "/api/v1/subscribers/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventHandler_Publish(t *testing.T) {
	e, events := newTestServer()

	rec := do(e, http.MethodPost, "/api/v1/events",
		`{"publisher_id":"branch-a","change":{"operation":"UPDATE","product_id":1,"current_balance":3,"delta":-2}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp models.PublishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.EventID)
	assert.Equal(t, models.UpdateChange{ProductID: 1, CurrentBalance: 3, Delta: -2}, events.published[0])

	rec = do(e, http.MethodPost, "/api/v1/events",
		`{"publisher_id":"branch-a","change":{"operation":"DELETE","product_id":1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/events", `{"change":{"operation":"CREATE","product_id":1,"initial_balance":1}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/events", `{"publisher_id":"branch-a"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventHandler_PendingAndAck(t *testing.T) {
	e, events := newTestServer()

	rec := do(e, http.MethodGet, "/api/v1/events/pending/branch-a", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var pending models.PendingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Equal(t, "branch-a", pending.BranchID)
	require.Len(t, pending.Notifications, 1)
	assert.Equal(t, int64(4), pending.Notifications[0].DeliveryID)
	assert.Equal(t, models.OperationUpdate, pending.Notifications[0].Change.Kind())

	rec = do(e, http.MethodPatch, "/api/v1/deliveries/4/ack", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int64{4}, events.acked)

	rec = do(e, http.MethodPatch, "/api/v1/deliveries/404/ack", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPatch, "/api/v1/deliveries/abc/ack", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLockHandler_Lifecycle(t *testing.T) {
	e, _ := newTestServer()

	rec := do(e, http.MethodGet, "/api/v1/locks?product_id=42", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/locks", `{"branch_id":"branch-a","product_id":42}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var lock models.Lock
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lock))

	rec = do(e, http.MethodPost, "/api/v1/locks", `{"branch_id":"branch-b","product_id":42}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", errorKind(t, rec))

	rec = do(e, http.MethodGet, "/api/v1/locks?product_id=42", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodPatch, "/api/v1/locks/"+strconv.FormatInt(lock.ID, 10)+"/release", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/locks?product_id=42", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodGet, "/api/v1/locks", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/locks", `{"branch_id":"branch-a","product_id":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
