package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/logger"
	"github.com/lyzr/branchsync/common/models"
)

var testLogger = logger.Discard()

// memStore is an in-memory SubscriberStore + EventStore + DeliveryStore
type memStore struct {
	mu          sync.Mutex
	subscribers []models.Branch
	events      map[int64]*models.Event
	deliveries  map[int64]*models.Delivery
	nextEvent   int64
	nextDeliv   int64
	getCalls    int
}

func newMemStore() *memStore {
	return &memStore{
		events:     make(map[int64]*models.Event),
		deliveries: make(map[int64]*models.Delivery),
	}
}

func (m *memStore) Insert(ctx context.Context, branchID, callbackURL string) (*models.Branch, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.subscribers {
		if b.ID == branchID || b.CallbackURL == callbackURL {
			b := b
			return &b, false, nil
		}
	}
	b := models.Branch{ID: branchID, CallbackURL: callbackURL, SubscribedAt: time.Now()}
	m.subscribers = append(m.subscribers, b)
	return &b, true, nil
}

func (m *memStore) GetByID(ctx context.Context, branchID string) (*models.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	for _, b := range m.subscribers {
		if b.ID == branchID {
			b := b
			return &b, nil
		}
	}
	return nil, apperr.NotFound("subscriber.get", "branch %q", branchID)
}

func (m *memStore) List(ctx context.Context) ([]models.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Branch(nil), m.subscribers...), nil
}

func (m *memStore) callbackOf(id string) string {
	for _, b := range m.subscribers {
		if b.ID == id {
			return b.CallbackURL
		}
	}
	return ""
}

func (m *memStore) Append(ctx context.Context, publisherID string, change models.Change) (*models.Event, []models.DispatchTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.callbackOf(publisherID) == "" {
		return nil, nil, apperr.NotFound("event.append", "publisher %q", publisherID)
	}

	m.nextEvent++
	ev := &models.Event{ID: m.nextEvent, PublisherID: publisherID, Change: models.NewPayload(change), PublishedAt: time.Now()}
	m.events[ev.ID] = ev

	var targets []models.DispatchTarget
	for _, b := range m.subscribers {
		m.nextDeliv++
		m.deliveries[m.nextDeliv] = &models.Delivery{
			ID: m.nextDeliv, EventID: ev.ID, SubscriberID: b.ID,
			ReceivedAt: time.Now(), PushStatus: models.PushPending,
		}
		targets = append(targets, models.DispatchTarget{
			Notification: models.Notification{
				DeliveryID: m.nextDeliv, EventID: ev.ID, PublisherID: publisherID,
				PublishedAt: ev.PublishedAt, Change: ev.Change,
			},
			SubscriberID: b.ID,
			CallbackURL:  b.CallbackURL,
		})
	}
	return ev, targets, nil
}

func (m *memStore) notification(d *models.Delivery) models.Notification {
	ev := m.events[d.EventID]
	return models.Notification{
		DeliveryID: d.ID, EventID: ev.ID, PublisherID: ev.PublisherID,
		PublishedAt: ev.PublishedAt, Change: ev.Change,
	}
}

func (m *memStore) sortedDeliveries() []*models.Delivery {
	out := make([]*models.Delivery, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) ListUndelivered(ctx context.Context, branchID string) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Notification, 0)
	for _, d := range m.sortedDeliveries() {
		if d.SubscriberID == branchID && d.ConsumedAt == nil {
			out = append(out, m.notification(d))
		}
	}
	return out, nil
}

func (m *memStore) Acknowledge(ctx context.Context, deliveryID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[deliveryID]
	if !ok {
		return apperr.NotFound("delivery.ack", "delivery %d", deliveryID)
	}
	if d.ConsumedAt == nil {
		now := time.Now()
		d.ConsumedAt = &now
	}
	return nil
}

func (m *memStore) MarkPushed(ctx context.Context, deliveryID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[deliveryID]
	d.PushStatus = models.PushPushed
	d.PushAttempts++
	d.NextPushAt = nil
	return nil
}

func (m *memStore) MarkPushFailed(ctx context.Context, deliveryID int64, next *time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[deliveryID]
	d.PushAttempts++
	d.NextPushAt = next
	d.LastPushError = &reason
	if next == nil {
		d.PushStatus = models.PushDead
	} else {
		d.PushStatus = models.PushFailed
	}
	return nil
}

func (m *memStore) ListDueForPush(ctx context.Context, now, stale time.Time, limit int) ([]models.DispatchTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DispatchTarget
	for _, d := range m.sortedDeliveries() {
		if d.ConsumedAt != nil {
			continue
		}
		due := (d.PushStatus == models.PushFailed && d.NextPushAt != nil && !d.NextPushAt.After(now)) ||
			(d.PushStatus == models.PushPending && !d.ReceivedAt.After(stale))
		if !due {
			continue
		}
		out = append(out, models.DispatchTarget{
			Notification: m.notification(d),
			SubscriberID: d.SubscriberID,
			CallbackURL:  m.callbackOf(d.SubscriberID),
			Attempts:     d.PushAttempts,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) delivery(id int64) models.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.deliveries[id]
}

// fakeNotifier fails for callback URLs listed in down
type fakeNotifier struct {
	mu    sync.Mutex
	down  map[string]bool
	calls map[string][]int64
}

func newFakeNotifier(down ...string) *fakeNotifier {
	n := &fakeNotifier{down: map[string]bool{}, calls: map[string][]int64{}}
	for _, u := range down {
		n.down[u] = true
	}
	return n
}

func (n *fakeNotifier) Notify(ctx context.Context, callbackURL string, note models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[callbackURL] = append(n.calls[callbackURL], note.DeliveryID)
	if n.down[callbackURL] {
		return apperr.Unavailable("branch.notify", errors.New("connection refused"))
	}
	return nil
}

func (n *fakeNotifier) setDown(url string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[url] = down
}

// fakeFeed records mirrored events
type fakeFeed struct {
	mu     sync.Mutex
	events []int64
}

func (f *fakeFeed) Publish(ctx context.Context, event *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event.ID)
	return nil
}

// fakeLease grants the lease only when free is true
type fakeLease struct {
	free     bool
	released int
}

func (l *fakeLease) TryAcquire(ctx context.Context) (func(), bool, error) {
	if !l.free {
		return nil, false, nil
	}
	return func() { l.released++ }, true, nil
}

// memLockStore mimics the partial unique index with a mutex
type memLockStore struct {
	mu    sync.Mutex
	locks []*models.Lock
}

func (s *memLockStore) GetActive(ctx context.Context, productID int64) (*models.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.locks {
		if l.ProductID == productID && l.Active() {
			cp := *l
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("lock.get_active", "product %d", productID)
}

func (s *memLockStore) Insert(ctx context.Context, branchID string, productID int64) (*models.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.locks {
		if l.ProductID == productID && l.Active() {
			return nil, apperr.Conflict("lock.acquire", "product %d is already locked", productID)
		}
	}
	l := &models.Lock{ID: int64(len(s.locks) + 1), BranchID: branchID, ProductID: productID, LockedAt: time.Now()}
	s.locks = append(s.locks, l)
	cp := *l
	return &cp, nil
}

func (s *memLockStore) Release(ctx context.Context, lockID int64) (*models.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.locks {
		if l.ID == lockID {
			if l.ReleasedAt == nil {
				now := time.Now()
				l.ReleasedAt = &now
			}
			cp := *l
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("lock.release", "lock %d", lockID)
}
