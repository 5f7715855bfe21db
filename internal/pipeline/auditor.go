package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pedidos-cloud/order-service/internal/audit"
	"github.com/pedidos-cloud/order-service/internal/domain"
	"github.com/pedidos-cloud/order-service/internal/events"
	"github.com/pedidos-cloud/order-service/internal/repository"
)

const actorAuditor = "pipeline/auditor"

// Auditor consumes inconsistent decisions: it persists one inconsistency
// report per order and closes the order as FAILED. Reserved stock stays
// reserved; releasing it is an explicit operator action.
type Auditor struct {
	orders  repository.OrderStore
	reports repository.ReportStore
	ledger  *audit.Ledger
	logger  *zap.Logger
}

func NewAuditor(orders repository.OrderStore, reports repository.ReportStore, ledger *audit.Ledger, logger *zap.Logger) *Auditor {
	return &Auditor{orders: orders, reports: reports, ledger: ledger, logger: logger}
}

func (a *Auditor) Handle(ctx context.Context, msg kafka.Message) error {
	var decision events.Decision
	if err := json.Unmarshal(msg.Value, &decision); err != nil {
		a.logger.Warn("dropping malformed decision",
			zap.String("key", string(msg.Key)),
			zap.Error(err))
		return nil
	}
	if decision.EsConsistente {
		a.logger.Warn("consistent decision on inconsistent topic, skipping",
			zap.String("pedido_id", decision.PedidoID))
		return nil
	}
	return a.Apply(ctx, decision.PedidoID, decision.ItemsFaltantes)
}

// Apply records the inconsistency and transitions CREATED -> FAILED. Both
// steps tolerate duplicate delivery: an existing report and an already
// settled status each count as success.
func (a *Auditor) Apply(ctx context.Context, orderID string, missing []domain.MissingItem) error {
	report := &domain.InconsistencyReport{
		ReportID:       uuid.New().String(),
		OrderID:        orderID,
		ItemsFaltantes: missing,
		FechaDeteccion: time.Now().UTC(),
		Tipo:           domain.ReportTypeAvailability,
		Estado:         "pendiente_revision",
	}
	inserted, err := a.reports.PutReport(ctx, report)
	if err != nil {
		return err
	}
	if !inserted {
		a.logger.Info("report already present, duplicate delivery",
			zap.String("pedido_id", orderID))
	}

	order, err := a.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			a.logger.Warn("decision for unknown order, report kept",
				zap.String("pedido_id", orderID))
			return nil
		}
		return err
	}

	applied, err := a.orders.UpdateStatus(ctx, orderID, domain.OrderStatusCreated, domain.OrderStatusFailed)
	if err != nil {
		return err
	}
	if !applied {
		current, err := a.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if current.Status != domain.OrderStatusFailed {
			return nil
		}
		// The transition committed on a previous delivery whose ledger
		// append failed; repair the chain before acknowledging.
		return a.ensureRejectAudited(ctx, current, missing)
	}

	before := map[string]any{"status": string(domain.OrderStatusCreated)}
	after := map[string]any{
		"status":          string(domain.OrderStatusFailed),
		"items_con_falta": len(missing),
		"tipo_reporte":    report.Tipo,
	}
	var prev *string
	if order.LastEventHash != "" {
		h := order.LastEventHash
		prev = &h
	}
	if _, err := a.ledger.Append(ctx, orderID, audit.ActionReject, actorAuditor, before, after, prev); err != nil {
		return err
	}

	a.logger.Info("order marked failed",
		zap.String("pedido_id", orderID),
		zap.Int("items_con_falta", len(missing)))
	return nil
}

func (a *Auditor) ensureRejectAudited(ctx context.Context, order *domain.Order, missing []domain.MissingItem) error {
	trail, err := a.ledger.Events(ctx, order.OrderID)
	if err != nil {
		return err
	}
	for i := range trail {
		if trail[i].Action == audit.ActionReject {
			return nil
		}
	}

	before := map[string]any{"status": string(domain.OrderStatusCreated)}
	after := map[string]any{
		"status":          string(domain.OrderStatusFailed),
		"items_con_falta": len(missing),
		"tipo_reporte":    domain.ReportTypeAvailability,
	}
	var prev *string
	if order.LastEventHash != "" {
		h := order.LastEventHash
		prev = &h
	}
	ev, err := a.ledger.Append(ctx, order.OrderID, audit.ActionReject, actorAuditor, before, after, prev)
	if err != nil {
		return err
	}
	a.logger.Warn("recovered missing rejection audit event",
		zap.String("pedido_id", order.OrderID),
		zap.String("event_hash", ev.EventHash))
	return nil
}
