package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pedidos-cloud/order-service/internal/audit"
	"github.com/pedidos-cloud/order-service/internal/domain"
	"github.com/pedidos-cloud/order-service/internal/repository"
	"github.com/pedidos-cloud/order-service/internal/service"
)

type validationStub struct {
	mu        sync.Mutex
	requested []string
}

func (v *validationStub) RequestValidation(_ context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.requested = append(v.requested, orderID)
	return nil
}

type fixture struct {
	svc       *service.OrderService
	inventory *repository.MemoryInventoryStore
	orders    *repository.MemoryOrderStore
	auditLog  *repository.MemoryAuditStore
	ledger    *audit.Ledger
	requests  *validationStub
}

func newFixture(t *testing.T, stock map[string]domain.InventoryItem) *fixture {
	t.Helper()
	if stock == nil {
		stock = map[string]domain.InventoryItem{
			"laptop": {Name: "laptop", Available: 10, UnitPrice: decimal.RequireFromString("999.99")},
			"mouse":  {Name: "mouse", Available: 5, UnitPrice: decimal.RequireFromString("25.50")},
			"cable":  {Name: "cable", Available: 3, UnitPrice: decimal.RequireFromString("7.375")},
		}
	}

	inventory := repository.NewMemoryInventoryStore(stock)
	orders := repository.NewMemoryOrderStore()
	auditLog := repository.NewMemoryAuditStore()

	signer, err := audit.NewSigner(audit.SigAlgHMAC, "", "test-secret")
	require.NoError(t, err)
	ledger := audit.NewLedger(auditLog, orders, signer, zap.NewNop())

	requests := &validationStub{}
	svc := service.NewOrderService(orders, inventory, ledger, requests, zap.NewNop())
	return &fixture{svc: svc, inventory: inventory, orders: orders, auditLog: auditLog, ledger: ledger, requests: requests}
}

func createReq(items ...domain.OrderLine) domain.CreateOrderRequest {
	return domain.CreateOrderRequest{
		Customer: "ACME S.A.",
		Document: "FAC-0001",
		Date:     "2026-08-29",
		Items:    items,
	}
}

func availableOf(t *testing.T, f *fixture, name string) int {
	t.Helper()
	item, err := f.inventory.Get(context.Background(), name)
	require.NoError(t, err)
	return item.Available
}

func TestCreateOrderReservesStockAndSnapshotsPrices(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, createReq(
		domain.OrderLine{Name: "laptop", Quantity: 2},
		domain.OrderLine{Name: "mouse", Quantity: 1},
	), "alice")
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusCreated, order.Status)
	assert.Equal(t, "2025.48", order.Total.StringFixed(2))
	assert.Equal(t, "999.99", order.Prices["laptop"].StringFixed(2))
	assert.NotEmpty(t, order.LastEventHash)

	assert.Equal(t, 8, availableOf(t, f, "laptop"))
	assert.Equal(t, 4, availableOf(t, f, "mouse"))

	trail, err := f.ledger.Events(ctx, order.OrderID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, audit.ActionCreate, trail[0].Action)
	assert.Equal(t, "alice", trail[0].ActorSub)
	assert.Nil(t, trail[0].PrevHash)

	assert.Equal(t, []string{order.OrderID}, f.requests.requested)
}

func TestCreateOrderRoundsTotalHalfUp(t *testing.T) {
	f := newFixture(t, nil)

	order, err := f.svc.CreateOrder(context.Background(), createReq(
		domain.OrderLine{Name: "cable", Quantity: 1},
	), "alice")
	require.NoError(t, err)

	// 7.375 rounds half-up to 7.38
	assert.Equal(t, "7.38", order.Total.StringFixed(2))
}

func TestCreateOrderIsAllOrNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, createReq(
		domain.OrderLine{Name: "laptop", Quantity: 2},
		domain.OrderLine{Name: "mouse", Quantity: 99},
	), "alice")

	var oos *domain.OutOfStockError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, "mouse", oos.Item)
	assert.Equal(t, 99, oos.Requested)
	assert.Equal(t, 5, oos.Available)

	// The laptop decrement that preceded the failure was compensated.
	assert.Equal(t, 10, availableOf(t, f, "laptop"))
	assert.Equal(t, 5, availableOf(t, f, "mouse"))
	assert.Empty(t, f.requests.requested)
}

func TestCreateOrderUnknownItem(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.CreateOrder(context.Background(), createReq(
		domain.OrderLine{Name: "laptop", Quantity: 1},
		domain.OrderLine{Name: "zeppelin", Quantity: 1},
	), "alice")

	var notFound *domain.ItemNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "zeppelin", notFound.Item)
	assert.Equal(t, 10, availableOf(t, f, "laptop"))
}

func TestCreateOrderRejectsNonPositiveQuantity(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.CreateOrder(context.Background(), createReq(
		domain.OrderLine{Name: "laptop", Quantity: 0},
	), "alice")

	var badQty *domain.InvalidQuantityError
	require.ErrorAs(t, err, &badQty)
	assert.Equal(t, 10, availableOf(t, f, "laptop"))
}

func TestCreateOrderIdempotentByClientRequestID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := createReq(domain.OrderLine{Name: "laptop", Quantity: 3})
	req.ClientRequestID = "req-42"

	first, err := f.svc.CreateOrder(ctx, req, "alice")
	require.NoError(t, err)
	second, err := f.svc.CreateOrder(ctx, req, "alice")
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 7, availableOf(t, f, "laptop"), "stock must be reserved exactly once")
}

func TestCreateOrderDuplicateIDLeavesInventoryUntouched(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	req := createReq(domain.OrderLine{Name: "laptop", Quantity: 1})
	req.OrderID = "ORD-1"
	_, err := f.svc.CreateOrder(ctx, req, "alice")
	require.NoError(t, err)

	_, err = f.svc.CreateOrder(ctx, req, "alice")
	require.ErrorIs(t, err, domain.ErrOrderAlreadyExists)
	assert.Equal(t, 9, availableOf(t, f, "laptop"))
}

func TestConcurrentCreatesNeverOversell(t *testing.T) {
	f := newFixture(t, map[string]domain.InventoryItem{
		"gpu": {Name: "gpu", Available: 5, UnitPrice: decimal.RequireFromString("1500.00")},
	})
	ctx := context.Background()

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateOrder(ctx, createReq(domain.OrderLine{Name: "gpu", Quantity: 1}), "load")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var oos *domain.OutOfStockError
		require.ErrorAs(t, err, &oos)
	}
	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 0, availableOf(t, f, "gpu"))
}

func TestUpdateOrderItemsAppliesDeltas(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, createReq(domain.OrderLine{Name: "laptop", Quantity: 2}), "alice")
	require.NoError(t, err)

	updated, err := f.svc.UpdateOrderItems(ctx, order.OrderID, []domain.OrderLine{
		{Name: "laptop", Quantity: 3},
		{Name: "mouse", Quantity: 2},
	}, "alice")
	require.NoError(t, err)

	assert.Equal(t, 7, availableOf(t, f, "laptop"))
	assert.Equal(t, 3, availableOf(t, f, "mouse"))
	assert.Equal(t, "3050.97", updated.Total.StringFixed(2))

	// Shrinking and dropping lines releases quantity.
	updated, err = f.svc.UpdateOrderItems(ctx, order.OrderID, []domain.OrderLine{
		{Name: "mouse", Quantity: 1},
	}, "alice")
	require.NoError(t, err)

	assert.Equal(t, 10, availableOf(t, f, "laptop"))
	assert.Equal(t, 4, availableOf(t, f, "mouse"))
	assert.Equal(t, "25.50", updated.Total.StringFixed(2))

	trail, err := f.ledger.Events(ctx, order.OrderID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, audit.ActionUpdate, trail[1].Action)
	assert.Equal(t, audit.ActionUpdate, trail[2].Action)
}

func TestUpdateOrderItemsRollsBackOnShortage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, createReq(domain.OrderLine{Name: "laptop", Quantity: 2}), "alice")
	require.NoError(t, err)

	_, err = f.svc.UpdateOrderItems(ctx, order.OrderID, []domain.OrderLine{
		{Name: "laptop", Quantity: 20},
	}, "alice")
	var oos *domain.OutOfStockError
	require.ErrorAs(t, err, &oos)

	assert.Equal(t, 8, availableOf(t, f, "laptop"), "failed update must not move stock")

	current, err := f.svc.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"laptop": 2}, current.Items)
}

func TestApproveOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, createReq(domain.OrderLine{Name: "mouse", Quantity: 1}), "alice")
	require.NoError(t, err)

	approved, err := f.svc.ApproveOrder(ctx, order.OrderID, "carol")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusApproved, approved.Status)

	// Second approval is a no-op, not an error and not a new event.
	again, err := f.svc.ApproveOrder(ctx, order.OrderID, "carol")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusApproved, again.Status)

	trail, err := f.ledger.Events(ctx, order.OrderID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, audit.ActionApprove, trail[1].Action)

	_, err = f.svc.UpdateOrderItems(ctx, order.OrderID, []domain.OrderLine{{Name: "mouse", Quantity: 2}}, "alice")
	require.ErrorIs(t, err, domain.ErrOrderAlreadyTerminal)

	_, err = f.svc.ReleaseOrder(ctx, order.OrderID, "alice")
	require.ErrorIs(t, err, domain.ErrOrderAlreadyTerminal)
}

func TestReleaseOrderReturnsStock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, createReq(domain.OrderLine{Name: "laptop", Quantity: 4}), "alice")
	require.NoError(t, err)
	require.Equal(t, 6, availableOf(t, f, "laptop"))

	released, err := f.svc.ReleaseOrder(ctx, order.OrderID, "ops")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, released.Status)
	assert.Equal(t, 10, availableOf(t, f, "laptop"))

	trail, err := f.ledger.Events(ctx, order.OrderID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, audit.ActionReject, trail[1].Action)
	assert.Equal(t, "ops", trail[1].ActorSub)

	valid, err := f.ledger.VerifyChain(ctx, order.OrderID)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestGetOrderUnknown(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.GetOrder(context.Background(), "missing")
	assert.True(t, errors.Is(err, domain.ErrOrderNotFound))
}

func TestUpdateOrderItemsIdentityKeepsTotal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, createReq(domain.OrderLine{Name: "cable", Quantity: 2}), "alice")
	require.NoError(t, err)
	require.Equal(t, "14.76", order.Total.StringFixed(2))

	// The total is derived from the rounded snapshot price, so replaying
	// the same line set reproduces it exactly.
	updated, err := f.svc.UpdateOrderItems(ctx, order.OrderID, []domain.OrderLine{
		{Name: "cable", Quantity: 2},
	}, "alice")
	require.NoError(t, err)
	assert.True(t, order.Total.Equal(updated.Total),
		"identity update changed the total: %s -> %s", order.Total, updated.Total)
}

func TestConcurrentCreatesWithSameClientRequestID(t *testing.T) {
	f := newFixture(t, map[string]domain.InventoryItem{
		"gpu": {Name: "gpu", Available: 10, UnitPrice: decimal.RequireFromString("1500.00")},
	})
	ctx := context.Background()

	type outcome struct {
		orderID string
		err     error
	}

	const attempts = 10
	var wg sync.WaitGroup
	results := make(chan outcome, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := createReq(domain.OrderLine{Name: "gpu", Quantity: 1})
			req.ClientRequestID = "req-race"
			order, err := f.svc.CreateOrder(ctx, req, "load")
			if err != nil {
				results <- outcome{err: err}
				return
			}
			results <- outcome{orderID: order.OrderID}
		}()
	}
	wg.Wait()
	close(results)

	ids := map[string]bool{}
	for res := range results {
		require.NoError(t, res.err)
		ids[res.orderID] = true
	}
	assert.Len(t, ids, 1, "every submission must settle on the same order")
	assert.Equal(t, 9, availableOf(t, f, "gpu"), "stock must be reserved exactly once")
}

// flakyAuditStore fails a set number of appends before recovering, standing
// in for a transient audit store outage.
type flakyAuditStore struct {
	*repository.MemoryAuditStore
	mu       sync.Mutex
	failures int
}

func (s *flakyAuditStore) AppendEvent(ctx context.Context, ev audit.Event) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("audit store unavailable")
	}
	s.mu.Unlock()
	return s.MemoryAuditStore.AppendEvent(ctx, ev)
}

func (s *flakyAuditStore) failNext(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

func newFlakyFixture(t *testing.T) (*service.OrderService, *flakyAuditStore, *audit.Ledger, *repository.MemoryInventoryStore) {
	t.Helper()
	inventory := repository.NewMemoryInventoryStore(map[string]domain.InventoryItem{
		"laptop": {Name: "laptop", Available: 10, UnitPrice: decimal.RequireFromString("999.99")},
	})
	orders := repository.NewMemoryOrderStore()
	flaky := &flakyAuditStore{MemoryAuditStore: repository.NewMemoryAuditStore()}

	signer, err := audit.NewSigner(audit.SigAlgHMAC, "", "test-secret")
	require.NoError(t, err)
	ledger := audit.NewLedger(flaky, orders, signer, zap.NewNop())
	return service.NewOrderService(orders, inventory, ledger, nil, zap.NewNop()), flaky, ledger, inventory
}

func TestApproveRecoversMissingAuditEvent(t *testing.T) {
	svc, flaky, ledger, _ := newFlakyFixture(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, createReq(domain.OrderLine{Name: "laptop", Quantity: 1}), "alice")
	require.NoError(t, err)

	// The status transition commits, then the ledger append fails.
	flaky.failNext(1)
	_, err = svc.ApproveOrder(ctx, order.OrderID, "carol")
	require.Error(t, err)

	current, err := svc.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusApproved, current.Status)

	// The retry repairs the chain instead of no-opping.
	approved, err := svc.ApproveOrder(ctx, order.OrderID, "carol")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusApproved, approved.Status)

	trail, err := ledger.Events(ctx, order.OrderID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, audit.ActionApprove, trail[1].Action)
	assert.Equal(t, map[string]any{"status": "CREATED"}, trail[1].Before)

	// A further approve stays a pure no-op.
	_, err = svc.ApproveOrder(ctx, order.OrderID, "carol")
	require.NoError(t, err)
	trail, err = ledger.Events(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Len(t, trail, 2)
}

func TestReleaseRecoversMissingAuditEvent(t *testing.T) {
	svc, flaky, ledger, inventory := newFlakyFixture(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, createReq(domain.OrderLine{Name: "laptop", Quantity: 3}), "alice")
	require.NoError(t, err)

	flaky.failNext(1)
	_, err = svc.ReleaseOrder(ctx, order.OrderID, "ops")
	require.Error(t, err)

	current, err := svc.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFailed, current.Status)

	item, err := inventory.Get(ctx, "laptop")
	require.NoError(t, err)
	require.Equal(t, 10, item.Available, "stock was already returned before the append failed")

	// The retried release reports the terminal state but first records the
	// missing REJECT event.
	_, err = svc.ReleaseOrder(ctx, order.OrderID, "ops")
	require.ErrorIs(t, err, domain.ErrOrderAlreadyTerminal)

	trail, err := ledger.Events(ctx, order.OrderID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, audit.ActionReject, trail[1].Action)
}
