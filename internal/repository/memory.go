package repository

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/pedidos-cloud/order-service/internal/audit"
	"github.com/pedidos-cloud/order-service/internal/domain"
)

// In-memory store implementations. They honor the same contracts as the
// DynamoDB repositories, with the conditional primitives serialized under a
// mutex; they back the test suites and notably do NOT implement
// TransactionalReserver, forcing the compensating reservation protocol.

type MemoryInventoryStore struct {
	mu    sync.Mutex
	items map[string]domain.InventoryItem
}

func NewMemoryInventoryStore(seed map[string]domain.InventoryItem) *MemoryInventoryStore {
	items := make(map[string]domain.InventoryItem, len(seed))
	for name, item := range seed {
		items[name] = item
	}
	return &MemoryInventoryStore{items: items}
}

func (s *MemoryInventoryStore) Get(_ context.Context, name string) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[name]
	if !ok {
		return nil, &domain.ItemNotFoundError{Item: name}
	}
	return &item, nil
}

func (s *MemoryInventoryStore) Snapshot(_ context.Context) (map[string]domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]domain.InventoryItem, len(s.items))
	for name, item := range s.items {
		snapshot[name] = item
	}
	return snapshot, nil
}

func (s *MemoryInventoryStore) DecrementIfAvailable(_ context.Context, name string, qty int) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[name]
	if !ok {
		return nil, &domain.ItemNotFoundError{Item: name}
	}
	if item.Sellable() < qty {
		return nil, &domain.OutOfStockError{Item: name, Requested: qty, Available: item.Sellable()}
	}
	item.Available -= qty
	s.items[name] = item
	return &item, nil
}

func (s *MemoryInventoryStore) Increment(_ context.Context, name string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[name]
	if !ok {
		return &domain.ItemNotFoundError{Item: name}
	}
	item.Available += qty
	s.items[name] = item
	return nil
}

type MemoryOrderStore struct {
	mu        sync.Mutex
	orders    map[string]*domain.Order
	byRequest map[string]string
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{
		orders:    make(map[string]*domain.Order),
		byRequest: make(map[string]string),
	}
}

func cloneOrder(o *domain.Order) *domain.Order {
	cp := *o
	cp.Items = make(map[string]int, len(o.Items))
	for k, v := range o.Items {
		cp.Items[k] = v
	}
	cp.Prices = make(map[string]decimal.Decimal, len(o.Prices))
	for k, v := range o.Prices {
		cp.Prices[k] = v
	}
	return &cp
}

func (s *MemoryOrderStore) Put(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.OrderID]; exists {
		return domain.ErrOrderAlreadyExists
	}
	if order.ClientRequestID != "" {
		if _, taken := s.byRequest[order.ClientRequestID]; taken {
			return domain.ErrOrderAlreadyExists
		}
	}
	s.orders[order.OrderID] = cloneOrder(order)
	if order.ClientRequestID != "" {
		s.byRequest[order.ClientRequestID] = order.OrderID
	}
	return nil
}

func (s *MemoryOrderStore) Get(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (s *MemoryOrderStore) Update(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.OrderID]; !ok {
		return domain.ErrOrderNotFound
	}
	s.orders[order.OrderID] = cloneOrder(order)
	return nil
}

func (s *MemoryOrderStore) Delete(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order, ok := s.orders[orderID]; ok && order.ClientRequestID != "" {
		delete(s.byRequest, order.ClientRequestID)
	}
	delete(s.orders, orderID)
	return nil
}

func (s *MemoryOrderStore) UpdateStatus(_ context.Context, orderID string, from, to domain.OrderStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if order.Status != from {
		return false, nil
	}
	order.Status = to
	return true, nil
}

func (s *MemoryOrderStore) SetLastEventHash(_ context.Context, orderID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	order.LastEventHash = hash
	return nil
}

func (s *MemoryOrderStore) GetByClientRequestID(_ context.Context, clientRequestID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orderID, ok := s.byRequest[clientRequestID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	order, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

type MemoryAuditStore struct {
	mu     sync.Mutex
	events map[string][]audit.Event
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{events: make(map[string][]audit.Event)}
}

func (s *MemoryAuditStore) AppendEvent(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.OrderID] = append(s.events[ev.OrderID], ev)
	return nil
}

func (s *MemoryAuditStore) EventsByOrder(_ context.Context, orderID string) ([]audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]audit.Event, len(s.events[orderID]))
	copy(events, s.events[orderID])
	return events, nil
}

// Tamper rewrites a stored event in place. Only tests use it, to prove that
// retroactive edits break chain verification.
func (s *MemoryAuditStore) Tamper(orderID string, index int, mutate func(*audit.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.events[orderID][index])
}

type MemoryReportStore struct {
	mu      sync.Mutex
	reports map[string]*domain.InconsistencyReport
}

func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{reports: make(map[string]*domain.InconsistencyReport)}
}

func (s *MemoryReportStore) PutReport(_ context.Context, report *domain.InconsistencyReport) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reports[report.OrderID]; exists {
		return false, nil
	}
	cp := *report
	s.reports[report.OrderID] = &cp
	return true, nil
}

func (s *MemoryReportStore) GetReport(_ context.Context, orderID string) (*domain.InconsistencyReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[orderID]
	if !ok {
		return nil, nil
	}
	cp := *report
	return &cp, nil
}
