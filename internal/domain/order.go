package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	// OrderStatusCreated is the admission status; orders in it are still
	// pending validation by the pipeline.
	OrderStatusCreated   OrderStatus = "CREATED"
	OrderStatusValidated OrderStatus = "VALIDATED"
	OrderStatusFailed    OrderStatus = "FAILED"
	OrderStatusApproved  OrderStatus = "APPROVED"
)

// Terminal reports whether further mutation of the order is disallowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusApproved || s == OrderStatusFailed
}

type Order struct {
	OrderID         string                     `json:"order_id"`
	Customer        string                     `json:"customer"`
	Document        string                     `json:"document"`
	Date            string                     `json:"date"` // YYYY-MM-DD
	Items           map[string]int             `json:"items"`
	Prices          map[string]decimal.Decimal `json:"prices"`
	Total           decimal.Decimal            `json:"total"`
	Status          OrderStatus                `json:"status"`
	ClientRequestID string                     `json:"client_request_id,omitempty"`
	LastEventHash   string                     `json:"last_event_hash,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// Lines returns the order's items as a line list, sorted by item name.
func (o *Order) Lines() []OrderLine {
	lines := make([]OrderLine, 0, len(o.Items))
	for name, qty := range o.Items {
		lines = append(lines, OrderLine{Name: name, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Name < lines[j].Name })
	return lines
}

type OrderLine struct {
	Name     string `json:"name" binding:"required"`
	Quantity int    `json:"quantity" binding:"required"`
}

type CreateOrderRequest struct {
	OrderID         string      `json:"order_id,omitempty"`
	Customer        string      `json:"customer" binding:"required"`
	Document        string      `json:"document" binding:"required"`
	Date            string      `json:"date" binding:"required"`
	Items           []OrderLine `json:"items" binding:"required,min=1,dive"`
	ClientRequestID string      `json:"client_request_id,omitempty"`
}

type UpdateOrderItemsRequest struct {
	Items []OrderLine `json:"items" binding:"required,min=1,dive"`
}

type CreateOrderResponse struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
	Total   string      `json:"total"`
	Message string      `json:"mensaje"`
}
