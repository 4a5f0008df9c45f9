package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	branchmodels "github.com/lyzr/branchsync/cmd/branch/models"
	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/logger"
	"github.com/lyzr/branchsync/common/models"
)

var testLogger = logger.Discard()

// syncWorld is an in-memory sync service shared by several branches: event
// log with per-branch deliveries plus the lock manager
type syncWorld struct {
	mu         sync.Mutex
	branches   []string
	nextEvent  int64
	nextDeliv  int64
	inbox      map[string][]models.Notification
	acked      map[int64]bool
	locks      map[int64]*models.Lock
	nextLock   int64
	published  []models.Change
	publishErr error
	getLockErr error
	acquireErr error
	releaseErr error
	// releaseFailures fails that many releases before succeeding
	releaseFailures int
	// grantThenFail records the lock but reports a transport failure
	grantThenFail bool
}

func newSyncWorld(branches ...string) *syncWorld {
	return &syncWorld{
		branches: branches,
		inbox:    make(map[string][]models.Notification),
		acked:    make(map[int64]bool),
		locks:    make(map[int64]*models.Lock),
	}
}

func (w *syncWorld) view(branchID string) *branchView {
	return &branchView{world: w, id: branchID}
}

func (w *syncWorld) setReleaseErr(err error) {
	w.mu.Lock()
	w.releaseErr = err
	w.mu.Unlock()
}

func (w *syncWorld) activeLocks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, l := range w.locks {
		if l.Active() {
			n++
		}
	}
	return n
}

// branchView is one branch's client of the syncWorld
type branchView struct {
	world *syncWorld
	id    string
}

func (v *branchView) Publish(ctx context.Context, change models.Change) (*models.PublishResponse, error) {
	w := v.world
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.publishErr != nil {
		return nil, w.publishErr
	}

	w.nextEvent++
	w.published = append(w.published, change)
	for _, b := range w.branches {
		w.nextDeliv++
		w.inbox[b] = append(w.inbox[b], models.Notification{
			DeliveryID:  w.nextDeliv,
			EventID:     w.nextEvent,
			PublisherID: v.id,
			PublishedAt: time.Now(),
			Change:      models.NewPayload(change),
		})
	}
	return &models.PublishResponse{EventID: w.nextEvent, Deliveries: len(w.branches)}, nil
}

func (v *branchView) ListPending(ctx context.Context) ([]models.Notification, error) {
	w := v.world
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.Notification, 0)
	for _, n := range w.inbox[v.id] {
		if !w.acked[n.DeliveryID] {
			out = append(out, n)
		}
	}
	return out, nil
}

func (v *branchView) Acknowledge(ctx context.Context, deliveryID int64) error {
	w := v.world
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acked[deliveryID] = true
	return nil
}

func (v *branchView) GetActiveLock(ctx context.Context, productID int64) (*models.Lock, error) {
	w := v.world
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.getLockErr != nil {
		return nil, w.getLockErr
	}
	if l, ok := w.locks[productID]; ok && l.Active() {
		cp := *l
		return &cp, nil
	}
	return nil, apperr.NotFound("lock.get", "product %d is not locked", productID)
}

func (v *branchView) AcquireLock(ctx context.Context, productID int64) (*models.Lock, error) {
	w := v.world
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.acquireErr != nil {
		return nil, w.acquireErr
	}
	if l, ok := w.locks[productID]; ok && l.Active() {
		return nil, apperr.Conflict("lock.acquire", "product %d is locked by %s", productID, l.BranchID)
	}
	w.nextLock++
	l := &models.Lock{ID: w.nextLock, BranchID: v.id, ProductID: productID, LockedAt: time.Now()}
	w.locks[productID] = l
	if w.grantThenFail {
		return nil, apperr.Unavailable("lock.acquire", context.DeadlineExceeded)
	}
	cp := *l
	return &cp, nil
}

func (v *branchView) ReleaseLock(ctx context.Context, lockID int64) error {
	w := v.world
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.releaseErr != nil {
		return w.releaseErr
	}
	if w.releaseFailures > 0 {
		w.releaseFailures--
		return apperr.Unavailable("lock.release", context.DeadlineExceeded)
	}
	for _, l := range w.locks {
		if l.ID == lockID && l.Active() {
			now := time.Now()
			l.ReleasedAt = &now
		}
	}
	return nil
}

type pendingDelta struct {
	deliveryID int64
	delta      int64
}

// memBranchDB is an in-memory ProductStore + ReplicaStore + OrderStore
type memBranchDB struct {
	mu            sync.Mutex
	products      map[int64]*branchmodels.Product
	applied       map[int64]bool
	pending       map[int64][]pendingDelta
	requests      map[uuid.UUID]time.Time
	items         map[int64]*branchmodels.LineItem
	nextItem      int64
	debitErr      error
	compensateErr error
}

func newMemBranchDB() *memBranchDB {
	return &memBranchDB{
		products: make(map[int64]*branchmodels.Product),
		applied:  make(map[int64]bool),
		pending:  make(map[int64][]pendingDelta),
		requests: make(map[uuid.UUID]time.Time),
		items:    make(map[int64]*branchmodels.LineItem),
	}
}

func (m *memBranchDB) seed(productID, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[productID] = &branchmodels.Product{ID: productID, CurrentBalance: balance}
}

func (m *memBranchDB) balance(productID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.products[productID]; ok {
		return p.CurrentBalance
	}
	return -1
}

func (m *memBranchDB) item(id int64) branchmodels.LineItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}

// ProductStore

func (m *memBranchDB) Insert(ctx context.Context, productID, initialBalance int64) (*branchmodels.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[productID]; ok {
		return nil, apperr.Conflict("product.insert", "product %d already exists", productID)
	}
	p := &branchmodels.Product{ID: productID, CurrentBalance: initialBalance, CreatedAt: time.Now()}
	m.products[productID] = p
	m.drainLocked(productID)
	cp := *p
	return &cp, nil
}

func (m *memBranchDB) Get(ctx context.Context, productID int64) (*branchmodels.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, apperr.NotFound("product.get", "product %d not found", productID)
	}
	cp := *p
	return &cp, nil
}

func (m *memBranchDB) List(ctx context.Context) ([]branchmodels.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]branchmodels.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReplicaStore

func (m *memBranchDB) ApplyCreate(ctx context.Context, deliveryID int64, c models.CreateChange) (*branchmodels.ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied[deliveryID] {
		return &branchmodels.ApplyResult{Outcome: branchmodels.OutcomeDuplicate}, nil
	}
	m.applied[deliveryID] = true

	if _, ok := m.products[c.ProductID]; !ok {
		m.products[c.ProductID] = &branchmodels.Product{ID: c.ProductID, CurrentBalance: c.InitialBalance}
	}
	result := &branchmodels.ApplyResult{Outcome: branchmodels.OutcomeApplied}
	result.Drained, result.Discarded = m.drainLocked(c.ProductID)
	return result, nil
}

func (m *memBranchDB) drainLocked(productID int64) (int, int) {
	p := m.products[productID]
	buffered := m.pending[productID]
	delete(m.pending, productID)
	drained, discarded := 0, 0
	for _, d := range buffered {
		if p.CurrentBalance+d.delta < 0 {
			discarded++
			continue
		}
		p.CurrentBalance += d.delta
		drained++
	}
	return drained, discarded
}

func (m *memBranchDB) ApplyUpdate(ctx context.Context, deliveryID int64, u models.UpdateChange) (*branchmodels.ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied[deliveryID] {
		return &branchmodels.ApplyResult{Outcome: branchmodels.OutcomeDuplicate}, nil
	}

	p, ok := m.products[u.ProductID]
	if !ok {
		m.applied[deliveryID] = true
		m.pending[u.ProductID] = append(m.pending[u.ProductID], pendingDelta{deliveryID, u.Delta})
		return &branchmodels.ApplyResult{Outcome: branchmodels.OutcomeBuffered}, nil
	}
	if p.CurrentBalance+u.Delta < 0 {
		return nil, apperr.Validation("consumer.update", "balance of product %d would go negative", u.ProductID)
	}
	m.applied[deliveryID] = true
	p.CurrentBalance += u.Delta
	return &branchmodels.ApplyResult{Outcome: branchmodels.OutcomeApplied}, nil
}

// OrderStore

func (m *memBranchDB) CreateRequest(ctx context.Context, id uuid.UUID, items []branchmodels.OrderItem) (*branchmodels.OrderRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := &branchmodels.OrderRequest{ID: id, CreatedAt: time.Now()}
	m.requests[id] = req.CreatedAt
	for _, it := range items {
		m.nextItem++
		li := branchmodels.LineItem{
			ID:        m.nextItem,
			RequestID: id,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Status:    branchmodels.StatusNew,
			Step:      branchmodels.StepCreated,
			CreatedAt: req.CreatedAt,
		}
		stored := li
		m.items[li.ID] = &stored
		req.Items = append(req.Items, li)
	}
	return req, nil
}

func (m *memBranchDB) GetRequest(ctx context.Context, id uuid.UUID) (*branchmodels.OrderRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created, ok := m.requests[id]
	if !ok {
		return nil, apperr.NotFound("order.get", "order %s not found", id)
	}
	req := &branchmodels.OrderRequest{ID: id, CreatedAt: created, Items: make([]branchmodels.LineItem, 0)}
	for _, it := range m.sortedItems() {
		if it.RequestID == id {
			req.Items = append(req.Items, it)
		}
	}
	return req, nil
}

func (m *memBranchDB) sortedItems() []branchmodels.LineItem {
	out := make([]branchmodels.LineItem, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memBranchDB) SaveProgress(ctx context.Context, item *branchmodels.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(item)
}

func (m *memBranchDB) saveLocked(item *branchmodels.LineItem) error {
	if _, ok := m.items[item.ID]; !ok {
		return apperr.NotFound("order.save_progress", "line item %d", item.ID)
	}
	item.UpdatedAt = time.Now()
	stored := *item
	m.items[item.ID] = &stored
	return nil
}

func (m *memBranchDB) Debit(ctx context.Context, item *branchmodels.LineItem) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debitErr != nil {
		return 0, m.debitErr
	}
	p, ok := m.products[item.ProductID]
	if !ok {
		return 0, apperr.NotFound("order.debit", "product %d not found", item.ProductID)
	}

	next := *item
	if p.CurrentBalance-next.Quantity < 0 {
		next.Status = branchmodels.StatusInsufficientBalance
		next.Step = branchmodels.StepSettled
	} else {
		p.CurrentBalance -= next.Quantity
		next.Status = branchmodels.StatusInProgress
		next.Step = branchmodels.StepBalanceApplied
	}
	if err := m.saveLocked(&next); err != nil {
		return 0, err
	}
	*item = next
	return p.CurrentBalance, nil
}

func (m *memBranchDB) Compensate(ctx context.Context, item *branchmodels.LineItem, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.compensateErr != nil {
		return m.compensateErr
	}
	m.products[item.ProductID].CurrentBalance += item.Quantity
	item.Status = branchmodels.StatusFailed
	item.Step = branchmodels.StepCompensated
	item.LastError = &reason
	return m.saveLocked(item)
}

func (m *memBranchDB) ListUnfinished(ctx context.Context) ([]branchmodels.LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]branchmodels.LineItem, 0)
	for _, it := range m.sortedItems() {
		if it.Step != branchmodels.StepDone {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *memBranchDB) Balance(ctx context.Context, productID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok {
		return 0, apperr.NotFound("order.balance", "product %d not found", productID)
	}
	return p.CurrentBalance, nil
}

// putItem stores a line item as if a previous run had left it there
func (m *memBranchDB) putItem(item branchmodels.LineItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == 0 {
		m.nextItem++
		item.ID = m.nextItem
	}
	m.requests[item.RequestID] = time.Now()
	m.items[item.ID] = &item
}
