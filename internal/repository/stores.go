package repository

import (
	"context"

	"github.com/pedidos-cloud/order-service/internal/audit"
	"github.com/pedidos-cloud/order-service/internal/domain"
)

// InventoryStore exposes the only mutation primitives the rest of the
// system may use against stock: an atomic conditional decrement and its
// compensating increment. Nothing reads-then-writes around them.
type InventoryStore interface {
	Get(ctx context.Context, name string) (*domain.InventoryItem, error)
	// Snapshot returns the full warehouse state keyed by item name.
	Snapshot(ctx context.Context) (map[string]domain.InventoryItem, error)
	// DecrementIfAvailable atomically subtracts qty from the item's
	// available quantity when available >= qty, returning the item state
	// (including unit price) observed at the decrement. Returns
	// *domain.ItemNotFoundError or *domain.OutOfStockError on refusal.
	DecrementIfAvailable(ctx context.Context, name string, qty int) (*domain.InventoryItem, error)
	// Increment releases qty back to the item. It cannot fail for domain
	// reasons, only infrastructure ones.
	Increment(ctx context.Context, name string, qty int) error
}

// TransactionalReserver is an optional InventoryStore capability: stores
// with native multi-item transactions reserve all lines in one shot instead
// of relying on the compensating protocol.
type TransactionalReserver interface {
	ReserveAll(ctx context.Context, lines []domain.OrderLine) (map[string]domain.InventoryItem, error)
}

type OrderStore interface {
	// Put persists a new order; domain.ErrOrderAlreadyExists if the id is taken.
	Put(ctx context.Context, order *domain.Order) error
	Get(ctx context.Context, orderID string) (*domain.Order, error)
	// Update replaces the order's mutable fields (items, prices, total, status).
	Update(ctx context.Context, order *domain.Order) error
	Delete(ctx context.Context, orderID string) error
	// UpdateStatus transitions the order from one status to another only if
	// it is currently in from; returns false (and no error) when the
	// condition does not hold, which callers treat as a duplicate delivery.
	UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus) (bool, error)
	SetLastEventHash(ctx context.Context, orderID, hash string) error
	// GetByClientRequestID resolves a previously admitted order for
	// idempotent re-submission; domain.ErrOrderNotFound when absent.
	GetByClientRequestID(ctx context.Context, clientRequestID string) (*domain.Order, error)
}

type AuditStore interface {
	AppendEvent(ctx context.Context, ev audit.Event) error
	EventsByOrder(ctx context.Context, orderID string) ([]audit.Event, error)
}

type ReportStore interface {
	// PutReport inserts the report unless one already exists for the order;
	// returns false when a report was already present.
	PutReport(ctx context.Context, report *domain.InconsistencyReport) (bool, error)
	GetReport(ctx context.Context, orderID string) (*domain.InconsistencyReport, error)
}
