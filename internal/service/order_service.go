package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pedidos-cloud/order-service/internal/audit"
	"github.com/pedidos-cloud/order-service/internal/domain"
	"github.com/pedidos-cloud/order-service/internal/repository"
)

// ValidationRequester hands a freshly admitted order to the asynchronous
// validation pipeline.
type ValidationRequester interface {
	RequestValidation(ctx context.Context, orderID string) error
}

type OrderService struct {
	orders      repository.OrderStore
	inventory   repository.InventoryStore
	ledger      *audit.Ledger
	validations ValidationRequester
	logger      *zap.Logger
}

func NewOrderService(
	orders repository.OrderStore,
	inventory repository.InventoryStore,
	ledger *audit.Ledger,
	validations ValidationRequester,
	logger *zap.Logger,
) *OrderService {
	return &OrderService{
		orders:      orders,
		inventory:   inventory,
		ledger:      ledger,
		validations: validations,
		logger:      logger,
	}
}

// CreateOrder admits an order only when every line can be reserved from
// inventory. Either all decrements commit and the order is persisted with a
// CREATE audit event, or inventory is left untouched and nothing is stored.
func (s *OrderService) CreateOrder(ctx context.Context, req domain.CreateOrderRequest, actor string) (*domain.Order, error) {
	items, err := normalizeLines(req.Items)
	if err != nil {
		return nil, err
	}

	// Duplicate submission with the same client request id returns the
	// order admitted the first time instead of re-reserving stock.
	if req.ClientRequestID != "" {
		existing, err := s.orders.GetByClientRequestID(ctx, req.ClientRequestID)
		if err == nil {
			s.logger.Info("duplicate client request, returning existing order",
				zap.String("client_request_id", req.ClientRequestID),
				zap.String("order_id", existing.OrderID))
			return existing, nil
		}
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return nil, err
		}
	}

	lines := linesOf(items)
	reserved, err := s.reserve(ctx, lines)
	if err != nil {
		return nil, err
	}

	// The snapshot price is the unit of account from here on: the total is
	// computed from it so later recomputations reproduce it exactly.
	prices := make(map[string]decimal.Decimal, len(lines))
	total := decimal.Zero
	for _, line := range lines {
		price := reserved[line.Name].UnitPrice.Round(2)
		prices[line.Name] = price
		total = total.Add(price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	orderID := req.OrderID
	if orderID == "" {
		orderID = uuid.New().String()
	}
	now := time.Now().UTC()
	order := &domain.Order{
		OrderID:         orderID,
		Customer:        req.Customer,
		Document:        req.Document,
		Date:            req.Date,
		Items:           items,
		Prices:          prices,
		Total:           total.Round(2),
		Status:          domain.OrderStatusCreated,
		ClientRequestID: req.ClientRequestID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.orders.Put(ctx, order); err != nil {
		s.compensate(ctx, lines)
		// Two submissions with the same client request id can both pass the
		// pre-read; the store's write-time guard rejects the loser, which
		// settles on the winner's order.
		if errors.Is(err, domain.ErrOrderAlreadyExists) && req.ClientRequestID != "" {
			if existing, lookupErr := s.orders.GetByClientRequestID(ctx, req.ClientRequestID); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	ev, err := s.ledger.Append(ctx, order.OrderID, audit.ActionCreate, actor, nil, orderSnapshot(order), nil)
	if err != nil {
		s.compensate(ctx, lines)
		if delErr := s.orders.Delete(ctx, order.OrderID); delErr != nil {
			s.logger.Error("failed to undo order after audit failure",
				zap.String("order_id", order.OrderID),
				zap.Error(delErr))
		}
		return nil, err
	}
	order.LastEventHash = ev.EventHash

	if s.validations != nil {
		if err := s.validations.RequestValidation(ctx, order.OrderID); err != nil {
			// Admission already committed; the pipeline catches up later.
			// TODO: replace with an outbox so a dropped request is replayed.
			s.logger.Error("failed to publish validation request",
				zap.String("order_id", order.OrderID),
				zap.Error(err))
		}
	}

	s.logger.Info("order created",
		zap.String("order_id", order.OrderID),
		zap.String("customer", order.Customer),
		zap.String("total", order.Total.StringFixed(2)))
	return order, nil
}

// UpdateOrderItems replaces the order's line set. Per-item deltas are
// applied so that only additional quantities touch availability; conditional
// decrements run first and unconditional releases last, which keeps the
// rollback plan a pure re-increment.
func (s *OrderService) UpdateOrderItems(ctx context.Context, orderID string, newLines []domain.OrderLine, actor string) (*domain.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, domain.ErrOrderAlreadyTerminal
	}
	previous := *order

	newItems, err := normalizeUpdateLines(newLines)
	if err != nil {
		return nil, err
	}

	deltas := make(map[string]int)
	for name, qty := range newItems {
		deltas[name] = qty - order.Items[name]
	}
	for name, qty := range order.Items {
		if _, kept := newItems[name]; !kept {
			deltas[name] = -qty
		}
	}

	names := make([]string, 0, len(deltas))
	for name := range deltas {
		names = append(names, name)
	}
	sort.Strings(names)

	var applied []domain.OrderLine
	decremented := make(map[string]domain.InventoryItem)
	for _, name := range names {
		d := deltas[name]
		if d <= 0 {
			continue
		}
		item, err := s.inventory.DecrementIfAvailable(ctx, name, d)
		if err != nil {
			s.compensate(ctx, applied)
			return nil, err
		}
		applied = append(applied, domain.OrderLine{Name: name, Quantity: d})
		decremented[name] = *item
	}

	var released []domain.OrderLine
	for _, name := range names {
		d := deltas[name]
		if d >= 0 {
			continue
		}
		if err := s.incrementWithRetry(ctx, name, -d); err != nil {
			s.compensate(ctx, applied)
			s.retake(ctx, released)
			return nil, err
		}
		released = append(released, domain.OrderLine{Name: name, Quantity: -d})
	}

	prices := make(map[string]decimal.Decimal, len(newItems))
	total := decimal.Zero
	for name, qty := range newItems {
		// Admission-time price snapshot survives an update; only items new
		// to the order are priced, at the moment of their decrement.
		price, ok := order.Prices[name]
		if !ok {
			price = decremented[name].UnitPrice.Round(2)
		}
		prices[name] = price
		total = total.Add(price.Mul(decimal.NewFromInt(int64(qty))))
	}

	order.Items = newItems
	order.Prices = prices
	order.Total = total.Round(2)
	order.UpdatedAt = time.Now().UTC()

	if err := s.orders.Update(ctx, order); err != nil {
		s.compensate(ctx, applied)
		s.retake(ctx, released)
		return nil, err
	}

	before := map[string]any{"items": itemsAny(previous.Items), "total": previous.Total.StringFixed(2)}
	after := map[string]any{"items": itemsAny(order.Items), "total": order.Total.StringFixed(2)}
	ev, err := s.ledger.Append(ctx, order.OrderID, audit.ActionUpdate, actor, before, after, prevHash(&previous))
	if err != nil {
		if restoreErr := s.orders.Update(ctx, &previous); restoreErr != nil {
			s.logger.Error("failed to restore order after audit failure",
				zap.String("order_id", order.OrderID),
				zap.Error(restoreErr))
		}
		s.compensate(ctx, applied)
		s.retake(ctx, released)
		return nil, err
	}
	order.LastEventHash = ev.EventHash

	s.logger.Info("order items updated",
		zap.String("order_id", order.OrderID),
		zap.Int("lines", len(newItems)),
		zap.String("total", order.Total.StringFixed(2)))
	return order, nil
}

// ApproveOrder marks the order APPROVED without touching inventory.
// Approving an already approved order is a no-op returning the order.
func (s *OrderService) ApproveOrder(ctx context.Context, orderID, actor string) (*domain.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case domain.OrderStatusApproved:
		// A previous attempt may have moved the status and then failed to
		// append; repair the chain before treating this as a no-op.
		if err := s.ensureApproveAudited(ctx, order, actor); err != nil {
			return nil, err
		}
		return order, nil
	case domain.OrderStatusFailed:
		return nil, domain.ErrOrderAlreadyTerminal
	}

	ok, err := s.orders.UpdateStatus(ctx, orderID, order.Status, domain.OrderStatusApproved)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race with another transition; re-read and settle.
		current, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if current.Status == domain.OrderStatusApproved {
			if err := s.ensureApproveAudited(ctx, current, actor); err != nil {
				return nil, err
			}
			return current, nil
		}
		return nil, domain.ErrOrderAlreadyTerminal
	}

	before := map[string]any{"status": string(order.Status)}
	after := map[string]any{"status": string(domain.OrderStatusApproved)}
	ev, err := s.ledger.Append(ctx, orderID, audit.ActionApprove, actor, before, after, prevHash(order))
	if err != nil {
		return nil, err
	}

	order.Status = domain.OrderStatusApproved
	order.LastEventHash = ev.EventHash
	s.logger.Info("order approved", zap.String("order_id", orderID), zap.String("actor", actor))
	return order, nil
}

// ReleaseOrder is the explicit compensation: it gives every reserved
// quantity back to inventory and closes the order as FAILED with a REJECT
// audit event. Nothing ever triggers it automatically.
func (s *OrderService) ReleaseOrder(ctx context.Context, orderID, actor string) (*domain.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		if order.Status == domain.OrderStatusFailed {
			// A previous release may have moved the status and then failed
			// to append; make sure the FAILED transition is on the chain.
			if err := s.ensureRejectAudited(ctx, order, actor); err != nil {
				return nil, err
			}
		}
		return nil, domain.ErrOrderAlreadyTerminal
	}

	ok, err := s.orders.UpdateStatus(ctx, orderID, order.Status, domain.OrderStatusFailed)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrOrderAlreadyTerminal
	}

	for _, line := range order.Lines() {
		if err := s.incrementWithRetry(ctx, line.Name, line.Quantity); err != nil {
			return nil, fmt.Errorf("release stock for %s: %w", line.Name, err)
		}
	}

	before := map[string]any{"status": string(order.Status), "items": itemsAny(order.Items)}
	after := map[string]any{"status": string(domain.OrderStatusFailed), "released": true}
	ev, err := s.ledger.Append(ctx, orderID, audit.ActionReject, actor, before, after, prevHash(order))
	if err != nil {
		return nil, err
	}

	order.Status = domain.OrderStatusFailed
	order.LastEventHash = ev.EventHash
	s.logger.Info("order released", zap.String("order_id", orderID), zap.String("actor", actor))
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.orders.Get(ctx, orderID)
}

func (s *OrderService) AuditTrail(ctx context.Context, orderID string) ([]audit.Event, error) {
	if _, err := s.orders.Get(ctx, orderID); err != nil {
		return nil, err
	}
	return s.ledger.Events(ctx, orderID)
}

func (s *OrderService) VerifyAuditChain(ctx context.Context, orderID string) (bool, error) {
	if _, err := s.orders.Get(ctx, orderID); err != nil {
		return false, err
	}
	return s.ledger.VerifyChain(ctx, orderID)
}

// reserve takes stock for every line or for none. Stores with native
// multi-item transactions do it in one conditional write; otherwise each
// line's atomic decrement is applied in turn and already-taken lines are
// re-incremented when a later one refuses.
func (s *OrderService) reserve(ctx context.Context, lines []domain.OrderLine) (map[string]domain.InventoryItem, error) {
	if tr, ok := s.inventory.(repository.TransactionalReserver); ok {
		return tr.ReserveAll(ctx, lines)
	}

	reserved := make([]domain.OrderLine, 0, len(lines))
	snapshot := make(map[string]domain.InventoryItem, len(lines))
	for _, line := range lines {
		item, err := s.inventory.DecrementIfAvailable(ctx, line.Name, line.Quantity)
		if err != nil {
			s.compensate(ctx, reserved)
			return nil, err
		}
		reserved = append(reserved, line)
		snapshot[line.Name] = *item
	}
	return snapshot, nil
}

// compensate re-increments previously decremented lines. Increments are
// idempotent per line here because each line is compensated exactly once
// per failed attempt, and a retry only re-sends an increment that did not
// commit.
func (s *OrderService) compensate(ctx context.Context, lines []domain.OrderLine) {
	for _, line := range lines {
		if err := s.incrementWithRetry(ctx, line.Name, line.Quantity); err != nil {
			s.logger.Error("stock compensation failed, quantity leaked",
				zap.String("item", line.Name),
				zap.Int("quantity", line.Quantity),
				zap.Error(err))
		}
	}
}

// retake reverses releases that were applied before an update aborted.
func (s *OrderService) retake(ctx context.Context, released []domain.OrderLine) {
	for _, line := range released {
		if _, err := s.inventory.DecrementIfAvailable(ctx, line.Name, line.Quantity); err != nil {
			s.logger.Error("failed to reverse stock release",
				zap.String("item", line.Name),
				zap.Int("quantity", line.Quantity),
				zap.Error(err))
		}
	}
}

// ensureApproveAudited closes the window where the APPROVED transition
// committed but the ledger append failed: if the chain carries no APPROVE
// event, one is appended now. The pre-approval status is reconstructed from
// the chain itself.
func (s *OrderService) ensureApproveAudited(ctx context.Context, order *domain.Order, actor string) error {
	trail, err := s.ledger.Events(ctx, order.OrderID)
	if err != nil {
		return err
	}
	lastStatus := string(domain.OrderStatusCreated)
	for i := range trail {
		if trail[i].Action == audit.ActionApprove {
			return nil
		}
		if st, ok := trail[i].After["status"].(string); ok && st != "" {
			lastStatus = st
		}
	}

	before := map[string]any{"status": lastStatus}
	after := map[string]any{"status": string(domain.OrderStatusApproved)}
	ev, err := s.ledger.Append(ctx, order.OrderID, audit.ActionApprove, actor, before, after, prevHash(order))
	if err != nil {
		return err
	}
	order.LastEventHash = ev.EventHash
	s.logger.Warn("recovered missing approval audit event",
		zap.String("order_id", order.OrderID),
		zap.String("event_hash", ev.EventHash))
	return nil
}

// ensureRejectAudited is the same repair for a FAILED order whose chain
// carries no REJECT event.
func (s *OrderService) ensureRejectAudited(ctx context.Context, order *domain.Order, actor string) error {
	trail, err := s.ledger.Events(ctx, order.OrderID)
	if err != nil {
		return err
	}
	lastStatus := string(domain.OrderStatusCreated)
	for i := range trail {
		if trail[i].Action == audit.ActionReject {
			return nil
		}
		if st, ok := trail[i].After["status"].(string); ok && st != "" {
			lastStatus = st
		}
	}

	before := map[string]any{"status": lastStatus}
	after := map[string]any{"status": string(domain.OrderStatusFailed)}
	ev, err := s.ledger.Append(ctx, order.OrderID, audit.ActionReject, actor, before, after, prevHash(order))
	if err != nil {
		return err
	}
	order.LastEventHash = ev.EventHash
	s.logger.Warn("recovered missing rejection audit event",
		zap.String("order_id", order.OrderID),
		zap.String("event_hash", ev.EventHash))
	return nil
}

func (s *OrderService) incrementWithRetry(ctx context.Context, name string, qty int) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = s.inventory.Increment(ctx, name, qty); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 25 * time.Millisecond)
	}
	return err
}

func normalizeLines(lines []domain.OrderLine) (map[string]int, error) {
	items := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, &domain.InvalidQuantityError{Item: line.Name, Quantity: line.Quantity}
		}
		items[line.Name] += line.Quantity
	}
	return items, nil
}

// normalizeUpdateLines allows zero quantities, which remove the item from
// the order; negatives are still rejected.
func normalizeUpdateLines(lines []domain.OrderLine) (map[string]int, error) {
	items := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Quantity < 0 {
			return nil, &domain.InvalidQuantityError{Item: line.Name, Quantity: line.Quantity}
		}
		if line.Quantity == 0 {
			continue
		}
		items[line.Name] += line.Quantity
	}
	return items, nil
}

func linesOf(items map[string]int) []domain.OrderLine {
	lines := make([]domain.OrderLine, 0, len(items))
	for name, qty := range items {
		lines = append(lines, domain.OrderLine{Name: name, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Name < lines[j].Name })
	return lines
}

func itemsAny(items map[string]int) map[string]any {
	out := make(map[string]any, len(items))
	for name, qty := range items {
		out[name] = qty
	}
	return out
}

func orderSnapshot(o *domain.Order) map[string]any {
	return map[string]any{
		"status": string(o.Status),
		"items":  itemsAny(o.Items),
		"total":  o.Total.StringFixed(2),
	}
}

func prevHash(o *domain.Order) *string {
	if o.LastEventHash == "" {
		return nil
	}
	h := o.LastEventHash
	return &h
}
