// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orders is the reference order service the tools call into.
//
// Prices are integer centavos. Subtotals are unit price times quantity, so
// no rounding step is ever needed.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PaymentMethod is how the customer pays.
type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "efectivo"
	PaymentCard     PaymentMethod = "tarjeta"
	PaymentTransfer PaymentMethod = "transferencia_bancaria"
)

var paymentAliases = map[string]PaymentMethod{
	"efectivo":               PaymentCash,
	"cash":                   PaymentCash,
	"dinero":                 PaymentCash,
	"tarjeta":                PaymentCard,
	"card":                   PaymentCard,
	"credito":                PaymentCard,
	"debito":                 PaymentCard,
	"transferencia":          PaymentTransfer,
	"transfer":               PaymentTransfer,
	"banco":                  PaymentTransfer,
	"transferencia_bancaria": PaymentTransfer,
	"nequi":                  PaymentTransfer,
}

// ParsePaymentMethod maps the loose names customers use to a PaymentMethod.
// Matching ignores case, surrounding space and treats inner spaces as "_".
func ParsePaymentMethod(s string) (PaymentMethod, bool) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
	pm, ok := paymentAliases[key]
	return pm, ok
}

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "pendiente"
	StatusConfirmed Status = "confirmado"
	StatusPreparing Status = "preparando"
	StatusShipped   Status = "enviado"
	StatusDelivered Status = "entregado"
	StatusCancelled Status = "cancelado"
)

// Editable reports whether items, address or payment may still change.
func (s Status) Editable() bool { return s == StatusPending }

// Cancellable reports whether the order can move to StatusCancelled.
func (s Status) Cancellable() bool {
	return s != StatusDelivered && s != StatusCancelled
}

// MaxItems caps the number of item requests in one order.
const MaxItems = 50

// MaxAddressLen caps the delivery address length in runes.
const MaxAddressLen = 200

// RecentLimit is how many orders OrderStatus lists without an id.
const RecentLimit = 5

// ItemRequest is one requested line. ProductID is a catalog variant id.
type ItemRequest struct {
	ProductID int    `json:"product_id" validate:"gt=0"`
	Quantity  int    `json:"quantity,omitempty" validate:"gte=0"`
	Notes     string `json:"notes,omitempty" validate:"max=200"`
}

// LineItem is a priced line of a stored order.
type LineItem struct {
	ProductID     int    `json:"product_id"`
	Name          string `json:"name"`
	SizeOz        int    `json:"size_oz"`
	Quantity      int    `json:"quantity"`
	UnitCents     int64  `json:"unit_price_cents"`
	SubtotalCents int64  `json:"subtotal_cents"`
	Notes         string `json:"notes,omitempty"`
}

// Order is a stored order.
type Order struct {
	ID              int           `json:"order_id"`
	Phone           string        `json:"-"`
	Status          Status        `json:"status"`
	PaymentMethod   PaymentMethod `json:"payment_method"`
	DeliveryAddress string        `json:"delivery_address"`
	Notes           string        `json:"notes,omitempty"`
	Items           []LineItem    `json:"items"`
	TotalCents      int64         `json:"total_cents"`
	CreatedAt       time.Time     `json:"created_at"`
}

// InvalidItem reports a request line that was skipped.
type InvalidItem struct {
	Index     int    `json:"index"`
	ProductID int    `json:"product_id"`
	Error     string `json:"error"`
}

// CreateRequest is the input of CreateOrder.
type CreateRequest struct {
	Phone           string        `validate:"required"`
	Items           []ItemRequest `validate:"required,min=1,dive"`
	DeliveryAddress string        `validate:"required,max=200"`
	PaymentMethod   string        `validate:"required"`
	Notes           string        `validate:"max=500"`
}

// UpdateRequest is the input of UpdateOrder. Zero fields are left as they are.
type UpdateRequest struct {
	Phone           string        `validate:"required"`
	OrderID         int           `validate:"gt=0"`
	Items           []ItemRequest `validate:"omitempty,dive"`
	DeliveryAddress string        `validate:"max=200"`
	PaymentMethod   string
	Notes           string `validate:"max=500"`
}

// CreateResult is an order plus the request lines that were dropped.
type CreateResult struct {
	Order   Order         `json:"order"`
	Skipped []InvalidItem `json:"skipped_items,omitempty"`
}

// MenuItem is one available variant on the menu.
type MenuItem struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Ingredients string `json:"ingredients,omitempty"`
	SizeOz      int    `json:"size_oz"`
	PriceCents  int64  `json:"price_cents"`
	Emoji       string `json:"emoji,omitempty"`
}

// Service is the order collaborator used by the tools.
type Service interface {
	Menu(ctx context.Context) ([]MenuItem, error)
	CreateOrder(ctx context.Context, req CreateRequest) (CreateResult, error)
	UpdateOrder(ctx context.Context, req UpdateRequest) (Order, error)
	CancelOrder(ctx context.Context, phone string, orderID int) (Order, error)
	DeleteOrder(ctx context.Context, phone string, orderID int) error
	Order(ctx context.Context, phone string, orderID int) (Order, error)
	RecentOrders(ctx context.Context, phone string) ([]Order, error)
}

// =============================================================================
// Errors
// =============================================================================

var (
	ErrCustomerNotFound = errors.New("Cliente no encontrado")
	ErrOrderNotFound    = errors.New("Pedido no encontrado")
	ErrNotEditable      = errors.New("El pedido no se puede modificar en el estado actual")
	ErrNotDeletable     = errors.New("Solo se pueden eliminar pedidos pendientes")
	ErrTooManyItems     = errors.New("Demasiados items")
	ErrNoValidItems     = errors.New("No se encontraron items válidos")
)

// The messages above are shown to the customer through the model, hence
// Spanish and capitalized.

// PaymentMethodError reports an unrecognized payment method.
type PaymentMethodError struct{ Value string }

func (e *PaymentMethodError) Error() string {
	return fmt.Sprintf("Método de pago inválido: %s", e.Value)
}

// CancelError reports a cancel attempted from a terminal state.
type CancelError struct{ Status Status }

func (e *CancelError) Error() string {
	return fmt.Sprintf("No se puede cancelar el pedido en estado: %s", e.Status)
}

// ItemsError wraps ErrNoValidItems with the per-line reasons.
type ItemsError struct {
	Invalid []InvalidItem
}

func (e *ItemsError) Error() string { return ErrNoValidItems.Error() }

func (e *ItemsError) Unwrap() error { return ErrNoValidItems }

// ValidationError reports a malformed request.
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return "Datos del pedido inválidos: " + e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }
