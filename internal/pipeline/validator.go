package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pedidos-cloud/order-service/internal/domain"
	"github.com/pedidos-cloud/order-service/internal/events"
	"github.com/pedidos-cloud/order-service/internal/repository"
)

// VerdictPublisher emits validation verdicts downstream.
type VerdictPublisher interface {
	PublishVerdict(ctx context.Context, verdict events.ValidationVerdict) error
}

// Validator re-checks an admitted order against current warehouse state and
// emits exactly one verdict per processed request. It never mutates orders
// or stock.
type Validator struct {
	orders    repository.OrderStore
	inventory repository.InventoryStore
	publisher VerdictPublisher
	logger    *zap.Logger
}

func NewValidator(orders repository.OrderStore, inventory repository.InventoryStore, publisher VerdictPublisher, logger *zap.Logger) *Validator {
	return &Validator{orders: orders, inventory: inventory, publisher: publisher, logger: logger}
}

// Handle is the consumer entry point for validation requests. Malformed
// payloads are dropped; infrastructure failures are returned so the message
// is redelivered.
func (v *Validator) Handle(ctx context.Context, msg kafka.Message) error {
	var req events.ValidationRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		v.logger.Warn("dropping malformed validation request",
			zap.String("key", string(msg.Key)),
			zap.Error(err))
		return nil
	}
	if req.PedidoID == "" {
		v.logger.Warn("dropping validation request without pedido_id")
		return nil
	}

	verdict, err := v.Evaluate(ctx, req.PedidoID)
	if err != nil {
		return err
	}
	if err := v.publisher.PublishVerdict(ctx, *verdict); err != nil {
		return err
	}

	v.logger.Info("verdict published",
		zap.String("pedido_id", req.PedidoID),
		zap.Bool("es_consistente", verdict.EsConsistente),
		zap.Int("items_con_falta", verdict.ItemsConFalta))
	return nil
}

// Evaluate computes the verdict for one order. An order that cannot be
// found, or that has no lines, is inconsistent rather than an error.
func (v *Validator) Evaluate(ctx context.Context, orderID string) (*events.ValidationVerdict, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	order, err := v.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return &events.ValidationVerdict{
				PedidoID:       orderID,
				EsConsistente:  false,
				Razon:          "Pedido no encontrado",
				ItemsFaltantes: []domain.MissingItem{},
				Timestamp:      now,
			}, nil
		}
		return nil, err
	}
	if len(order.Items) == 0 {
		return &events.ValidationVerdict{
			PedidoID:       orderID,
			EsConsistente:  false,
			Razon:          "Pedido sin items",
			ItemsFaltantes: []domain.MissingItem{},
			Timestamp:      now,
		}, nil
	}

	warehouse, err := v.inventory.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	missing := make([]domain.MissingItem, 0)
	for _, line := range order.Lines() {
		item, found := warehouse[line.Name]
		if !found {
			missing = append(missing, domain.MissingItem{
				ItemID:             line.Name,
				NombreItem:         line.Name,
				CantidadSolicitada: line.Quantity,
				CantidadDisponible: 0,
				Razon:              "Item no existe en bodega",
			})
			continue
		}
		sellable := item.Sellable()
		if sellable < 0 {
			sellable = 0
		}
		if line.Quantity > sellable {
			missing = append(missing, domain.MissingItem{
				ItemID:             line.Name,
				NombreItem:         line.Name,
				CantidadSolicitada: line.Quantity,
				CantidadDisponible: sellable,
				Razon:              fmt.Sprintf("Cantidad insuficiente. Disponible: %d, Solicitado: %d", sellable, line.Quantity),
			})
		}
	}

	return &events.ValidationVerdict{
		PedidoID:         orderID,
		EsConsistente:    len(missing) == 0,
		ItemsFaltantes:   missing,
		TotalItemsPedido: len(order.Items),
		ItemsConFalta:    len(missing),
		Timestamp:        now,
	}, nil
}
