package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pedidos-cloud/order-service/internal/audit"
	"github.com/pedidos-cloud/order-service/internal/domain"
	"github.com/pedidos-cloud/order-service/internal/events"
	"github.com/pedidos-cloud/order-service/internal/repository"
)

const actorSynchronizer = "pipeline/synchronizer"

// Synchronizer consumes consistent decisions and settles the order as
// VALIDATED. A redelivered decision finds the status already moved and is a
// no-op success.
type Synchronizer struct {
	orders repository.OrderStore
	ledger *audit.Ledger
	logger *zap.Logger
}

func NewSynchronizer(orders repository.OrderStore, ledger *audit.Ledger, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{orders: orders, ledger: ledger, logger: logger}
}

func (s *Synchronizer) Handle(ctx context.Context, msg kafka.Message) error {
	var decision events.Decision
	if err := json.Unmarshal(msg.Value, &decision); err != nil {
		s.logger.Warn("dropping malformed decision",
			zap.String("key", string(msg.Key)),
			zap.Error(err))
		return nil
	}
	if !decision.EsConsistente {
		s.logger.Warn("inconsistent decision on validated topic, skipping",
			zap.String("pedido_id", decision.PedidoID))
		return nil
	}
	return s.Apply(ctx, decision.PedidoID)
}

// Apply transitions the order CREATED -> VALIDATED and records the
// transition in the ledger. Unknown orders and already-settled orders are
// duplicates, not errors.
func (s *Synchronizer) Apply(ctx context.Context, orderID string) error {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			s.logger.Warn("decision for unknown order, skipping",
				zap.String("pedido_id", orderID))
			return nil
		}
		return err
	}

	applied, err := s.orders.UpdateStatus(ctx, orderID, domain.OrderStatusCreated, domain.OrderStatusValidated)
	if err != nil {
		return err
	}
	if !applied {
		current, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if current.Status != domain.OrderStatusValidated {
			s.logger.Info("order already settled, duplicate delivery",
				zap.String("pedido_id", orderID),
				zap.String("status", string(current.Status)))
			return nil
		}
		// The transition committed on a previous delivery whose ledger
		// append failed; repair the chain before acknowledging.
		return s.ensureValidatedAudited(ctx, current)
	}

	before := map[string]any{"status": string(domain.OrderStatusCreated)}
	after := map[string]any{"status": string(domain.OrderStatusValidated)}
	var prev *string
	if order.LastEventHash != "" {
		h := order.LastEventHash
		prev = &h
	}
	if _, err := s.ledger.Append(ctx, orderID, audit.ActionUpdate, actorSynchronizer, before, after, prev); err != nil {
		return err
	}

	s.logger.Info("order validated", zap.String("pedido_id", orderID))
	return nil
}

func (s *Synchronizer) ensureValidatedAudited(ctx context.Context, order *domain.Order) error {
	trail, err := s.ledger.Events(ctx, order.OrderID)
	if err != nil {
		return err
	}
	for i := range trail {
		if trail[i].Action == audit.ActionUpdate && afterStatus(trail[i].After) == string(domain.OrderStatusValidated) {
			return nil
		}
	}

	before := map[string]any{"status": string(domain.OrderStatusCreated)}
	after := map[string]any{"status": string(domain.OrderStatusValidated)}
	var prev *string
	if order.LastEventHash != "" {
		h := order.LastEventHash
		prev = &h
	}
	ev, err := s.ledger.Append(ctx, order.OrderID, audit.ActionUpdate, actorSynchronizer, before, after, prev)
	if err != nil {
		return err
	}
	s.logger.Warn("recovered missing validation audit event",
		zap.String("pedido_id", order.OrderID),
		zap.String("event_hash", ev.EventHash))
	return nil
}

func afterStatus(after map[string]any) string {
	st, _ := after["status"].(string)
	return st
}
