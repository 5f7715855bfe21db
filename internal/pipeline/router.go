package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pedidos-cloud/order-service/internal/events"
)

// DecisionPublisher routes decisions onto outcome topics.
type DecisionPublisher interface {
	PublishDecision(ctx context.Context, topic string, decision events.Decision) error
}

// Router is pure fan-out: each verdict is republished to exactly one of the
// two outcome topics, chosen by the consistency flag. It never touches any
// store.
type Router struct {
	publisher DecisionPublisher
	logger    *zap.Logger
}

func NewRouter(publisher DecisionPublisher, logger *zap.Logger) *Router {
	return &Router{publisher: publisher, logger: logger}
}

func (r *Router) Handle(ctx context.Context, msg kafka.Message) error {
	var verdict events.ValidationVerdict
	if err := json.Unmarshal(msg.Value, &verdict); err != nil {
		r.logger.Warn("dropping malformed verdict",
			zap.String("key", string(msg.Key)),
			zap.Error(err))
		return nil
	}
	if verdict.PedidoID == "" {
		r.logger.Warn("dropping verdict without pedido_id")
		return nil
	}

	decision := events.Decision{
		PedidoID:      verdict.PedidoID,
		EsConsistente: verdict.EsConsistente,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	topic := events.TopicOrdersValidated
	if verdict.EsConsistente {
		decision.ResultadoValidacion = events.ResultadoConsistente
	} else {
		decision.ResultadoValidacion = events.ResultadoNoConsistente
		decision.ItemsFaltantes = verdict.ItemsFaltantes
		topic = events.TopicOrdersInconsistent
	}

	if err := r.publisher.PublishDecision(ctx, topic, decision); err != nil {
		return err
	}

	r.logger.Info("verdict routed",
		zap.String("pedido_id", verdict.PedidoID),
		zap.String("resultado", decision.ResultadoValidacion),
		zap.String("destino", topic))
	return nil
}
