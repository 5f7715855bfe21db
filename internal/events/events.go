package events

import (
	"github.com/pedidos-cloud/order-service/internal/domain"
)

// Topics carrying the validation pipeline traffic.
const (
	TopicValidationRequests = "orders.validation.requests"
	TopicValidationVerdicts = "orders.validation.verdicts"
	TopicOrdersValidated    = "orders.validated"
	TopicOrdersInconsistent = "orders.inconsistent"
)

// Message headers. Routing reads these without unmarshalling the payload.
const (
	HeaderPedidoID      = "pedido_id"
	HeaderEsConsistente = "es_consistente"
	HeaderResultado     = "resultado"
)

const (
	ResultadoConsistente   = "Consistente"
	ResultadoNoConsistente = "No consistente"
)

// ValidationRequest asks the validator to check one order against stock.
type ValidationRequest struct {
	PedidoID  string `json:"pedido_id"`
	Timestamp string `json:"timestamp"`
}

// ValidationVerdict is the validator's answer for one order.
type ValidationVerdict struct {
	PedidoID         string               `json:"pedido_id"`
	EsConsistente    bool                 `json:"es_consistente"`
	Razon            string               `json:"razon,omitempty"`
	ItemsFaltantes   []domain.MissingItem `json:"items_faltantes"`
	TotalItemsPedido int                  `json:"total_items_pedido"`
	ItemsConFalta    int                  `json:"items_con_falta"`
	Timestamp        string               `json:"timestamp"`
}

// Decision is the routed verdict delivered to exactly one outcome topic.
type Decision struct {
	PedidoID            string               `json:"pedido_id"`
	ResultadoValidacion string               `json:"resultado_validacion"`
	EsConsistente       bool                 `json:"es_consistente"`
	ItemsFaltantes      []domain.MissingItem `json:"items_faltantes,omitempty"`
	Timestamp           string               `json:"timestamp"`
}
