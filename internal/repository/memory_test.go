package repository_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedidos-cloud/order-service/internal/domain"
	"github.com/pedidos-cloud/order-service/internal/repository"
)

func TestMemoryInventoryDecrementRespectsReservedMargin(t *testing.T) {
	store := repository.NewMemoryInventoryStore(map[string]domain.InventoryItem{
		"laptop": {Name: "laptop", Available: 10, Reserved: 4, UnitPrice: decimal.RequireFromString("999.99")},
	})
	ctx := context.Background()

	item, err := store.DecrementIfAvailable(ctx, "laptop", 6)
	require.NoError(t, err)
	assert.Equal(t, 4, item.Available)

	_, err = store.DecrementIfAvailable(ctx, "laptop", 1)
	var oos *domain.OutOfStockError
	require.ErrorAs(t, err, &oos)
	assert.Equal(t, 0, oos.Available)

	_, err = store.DecrementIfAvailable(ctx, "ghost", 1)
	var notFound *domain.ItemNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestMemoryOrderStoreConditionalStatus(t *testing.T) {
	store := repository.NewMemoryOrderStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &domain.Order{OrderID: "o1", Status: domain.OrderStatusCreated}))

	applied, err := store.UpdateStatus(ctx, "o1", domain.OrderStatusCreated, domain.OrderStatusValidated)
	require.NoError(t, err)
	assert.True(t, applied)

	// The condition no longer holds.
	applied, err = store.UpdateStatus(ctx, "o1", domain.OrderStatusCreated, domain.OrderStatusFailed)
	require.NoError(t, err)
	assert.False(t, applied)

	order, err := store.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusValidated, order.Status)

	_, err = store.UpdateStatus(ctx, "absent", domain.OrderStatusCreated, domain.OrderStatusFailed)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestMemoryOrderStoreClientRequestLookup(t *testing.T) {
	store := repository.NewMemoryOrderStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &domain.Order{OrderID: "o2", ClientRequestID: "req-1", Status: domain.OrderStatusCreated}))

	found, err := store.GetByClientRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "o2", found.OrderID)

	_, err = store.GetByClientRequestID(ctx, "req-2")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	// Deleting the order also retires its request id.
	require.NoError(t, store.Delete(ctx, "o2"))
	_, err = store.GetByClientRequestID(ctx, "req-1")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestMemoryOrderStorePutRejectsDuplicateClientRequestID(t *testing.T) {
	store := repository.NewMemoryOrderStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &domain.Order{OrderID: "o5", ClientRequestID: "req-9", Status: domain.OrderStatusCreated}))

	// A second order under the same request id loses, even though its
	// order id is fresh.
	err := store.Put(ctx, &domain.Order{OrderID: "o6", ClientRequestID: "req-9", Status: domain.OrderStatusCreated})
	assert.ErrorIs(t, err, domain.ErrOrderAlreadyExists)

	found, err := store.GetByClientRequestID(ctx, "req-9")
	require.NoError(t, err)
	assert.Equal(t, "o5", found.OrderID)
}

func TestMemoryOrderStoreReturnsCopies(t *testing.T) {
	store := repository.NewMemoryOrderStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &domain.Order{
		OrderID: "o3",
		Status:  domain.OrderStatusCreated,
		Items:   map[string]int{"laptop": 1},
	}))

	first, err := store.Get(ctx, "o3")
	require.NoError(t, err)
	first.Items["laptop"] = 99

	second, err := store.Get(ctx, "o3")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Items["laptop"])
}

func TestMemoryReportStoreIsInsertOnce(t *testing.T) {
	store := repository.NewMemoryReportStore()
	ctx := context.Background()

	inserted, err := store.PutReport(ctx, &domain.InconsistencyReport{ReportID: "r1", OrderID: "o4"})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.PutReport(ctx, &domain.InconsistencyReport{ReportID: "r2", OrderID: "o4"})
	require.NoError(t, err)
	assert.False(t, inserted)

	report, err := store.GetReport(ctx, "o4")
	require.NoError(t, err)
	assert.Equal(t, "r1", report.ReportID)

	missing, err := store.GetReport(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
