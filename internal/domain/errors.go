package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderAlreadyExists   = errors.New("order id already exists")
	ErrOrderAlreadyTerminal = errors.New("order is in a terminal status")
)

type ItemNotFoundError struct {
	Item string
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("item not found in warehouse: %s", e.Item)
}

type OutOfStockError struct {
	Item      string
	Requested int
	Available int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("out of stock for %s: requested %d, available %d", e.Item, e.Requested, e.Available)
}

type InvalidQuantityError struct {
	Item     string
	Quantity int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("invalid quantity for %s: %d", e.Item, e.Quantity)
}
