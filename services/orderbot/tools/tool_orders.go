// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/AleutianAI/orderbot/services/llm"
	"github.com/AleutianAI/orderbot/services/orderbot/convctx"
	"github.com/AleutianAI/orderbot/services/orderbot/orders"
)

// Order tool names.
const (
	CreateOrderToolName    = "create_order"
	UpdateOrderToolName    = "update_order"
	CancelOrderToolName    = "cancel_order"
	DeleteOrderToolName    = "delete_order"
	GetOrderStatusToolName = "get_order_status"
)

// OrderView is an order as the model sees it.
type OrderView struct {
	orders.Order
	Total string     `json:"total"`
	Lines []LineView `json:"items"`
}

// LineView is an order line with a formatted subtotal.
type LineView struct {
	orders.LineItem
	Subtotal string `json:"subtotal"`
}

func viewOf(o orders.Order) OrderView {
	v := OrderView{Order: o, Total: formatPesos(o.TotalCents), Lines: make([]LineView, 0, len(o.Items))}
	for _, l := range o.Items {
		v.Lines = append(v.Lines, LineView{LineItem: l, Subtotal: formatPesos(l.SubtotalCents)})
	}
	v.Order.Items = nil
	return v
}

// orderLines keys an order's lines by variant id for the context.
func orderLines(o orders.Order) map[string]convctx.OrderLine {
	out := make(map[string]convctx.OrderLine, len(o.Items))
	for _, l := range o.Items {
		key := strconv.Itoa(l.ProductID)
		line := out[key]
		line.ProductID = l.ProductID
		line.SizeOz = l.SizeOz
		line.Quantity += l.Quantity
		out[key] = line
	}
	return out
}

// orderFailure turns a service error into a tool failure the model can
// relay. Cancellation is returned as an error instead.
func orderFailure(ctx context.Context, err error) (*Result, error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	var ie *orders.ItemsError
	if errors.As(err, &ie) {
		return Failure(err.Error(), map[string]any{"invalid_items": ie.Invalid}), nil
	}
	return Failure(err.Error(), nil), nil
}

var itemsParam = llm.ToolParamDef{
	Type:        "array",
	Description: "Productos del pedido. product_id es el id devuelto por search_products o get_menu.",
	Items: &llm.ToolParamDef{
		Type: "object",
		Properties: map[string]llm.ToolParamDef{
			"product_id": {Type: "integer", Description: "Id del producto y tamaño."},
			"quantity":   {Type: "integer", Description: "Cantidad, por defecto 1."},
			"notes":      {Type: "string", Description: "Notas del producto."},
		},
		Required: []string{"product_id"},
	},
}

var paymentParam = llm.ToolParamDef{
	Type:        "string",
	Description: "Medio de pago.",
	Enum:        []any{string(orders.PaymentCash), string(orders.PaymentCard), string(orders.PaymentTransfer)},
}

var orderIDParam = llm.ToolParamDef{Type: "integer", Description: "Número del pedido."}

// =============================================================================
// create_order
// =============================================================================

type createOrderParams struct {
	PhoneNumber     string               `json:"phone_number" validate:"required"`
	Items           []orders.ItemRequest `json:"items" validate:"required,min=1"`
	DeliveryAddress string               `json:"delivery_address" validate:"required,max=200"`
	PaymentMethod   string               `json:"payment_method" validate:"required"`
	Notes           string               `json:"notes,omitempty" validate:"max=500"`
}

// CreateOrderOutput is the data of a created order.
type CreateOrderOutput struct {
	Order   OrderView            `json:"order"`
	Skipped []orders.InvalidItem `json:"skipped_items,omitempty"`
}

type createOrderTool struct{ orders orders.Service }

// NewCreateOrderTool creates the create_order tool.
func NewCreateOrderTool(svc orders.Service) Tool {
	if svc == nil {
		panic("tools.NewCreateOrderTool: service must not be nil")
	}
	return &createOrderTool{orders: svc}
}

func (t *createOrderTool) Name() string              { return CreateOrderToolName }
func (t *createOrderTool) NeedsConversationID() bool { return true }

func (t *createOrderTool) Definition() llm.ToolDef {
	return functionDef(CreateOrderToolName,
		"Crea el pedido cuando el cliente confirmó productos, dirección de entrega y medio de pago. "+
			"No la uses sin la confirmación del cliente.",
		objectSchema(map[string]llm.ToolParamDef{
			IdentityParam:      phoneParam,
			"items":            itemsParam,
			"delivery_address": {Type: "string", Description: "Dirección de entrega completa."},
			"payment_method":   paymentParam,
			"notes":            {Type: "string", Description: "Notas generales del pedido."},
		}, "items", "delivery_address", "payment_method"),
	)
}

// Execute places the order. The draft in the context is cleared and the
// conversation is marked completed.
func (t *createOrderTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	start := time.Now()
	var p createOrderParams
	if err := bindArgs(CreateOrderToolName, args, &p); err != nil {
		return Failure(err.Error(), nil), nil
	}
	res, err := t.orders.CreateOrder(ctx, orders.CreateRequest{
		Phone:           p.PhoneNumber,
		Items:           p.Items,
		DeliveryAddress: p.DeliveryAddress,
		PaymentMethod:   p.PaymentMethod,
		Notes:           p.Notes,
	})
	if err != nil {
		return orderFailure(ctx, err)
	}
	out := Success(CreateOrderOutput{Order: viewOf(res.Order), Skipped: res.Skipped}, &convctx.Patch{
		CurrentOrderItems: map[string]convctx.OrderLine{},
		LastTopic:         convctx.TopicCheckout,
		Phase:             convctx.PhaseCompleted,
	})
	out.Duration = time.Since(start)
	return out, nil
}

// =============================================================================
// update_order
// =============================================================================

type updateOrderParams struct {
	PhoneNumber     string               `json:"phone_number" validate:"required"`
	OrderID         int                  `json:"order_id" validate:"gt=0"`
	Items           []orders.ItemRequest `json:"items,omitempty"`
	DeliveryAddress string               `json:"delivery_address,omitempty" validate:"max=200"`
	PaymentMethod   string               `json:"payment_method,omitempty"`
	Notes           string               `json:"notes,omitempty" validate:"max=500"`
}

type updateOrderTool struct{ orders orders.Service }

// NewUpdateOrderTool creates the update_order tool.
func NewUpdateOrderTool(svc orders.Service) Tool {
	if svc == nil {
		panic("tools.NewUpdateOrderTool: service must not be nil")
	}
	return &updateOrderTool{orders: svc}
}

func (t *updateOrderTool) Name() string              { return UpdateOrderToolName }
func (t *updateOrderTool) NeedsConversationID() bool { return true }

func (t *updateOrderTool) Definition() llm.ToolDef {
	return functionDef(UpdateOrderToolName,
		"Modifica un pedido pendiente: productos, dirección, medio de pago o notas. "+
			"Los productos enviados reemplazan la lista completa.",
		objectSchema(map[string]llm.ToolParamDef{
			IdentityParam:      phoneParam,
			"order_id":         orderIDParam,
			"items":            itemsParam,
			"delivery_address": {Type: "string", Description: "Nueva dirección de entrega."},
			"payment_method":   paymentParam,
			"notes":            {Type: "string", Description: "Nuevas notas."},
		}, "order_id"),
	)
}

// Execute edits the order. When items change, the context's current items
// follow the new list.
func (t *updateOrderTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	start := time.Now()
	var p updateOrderParams
	if err := bindArgs(UpdateOrderToolName, args, &p); err != nil {
		return Failure(err.Error(), nil), nil
	}
	o, err := t.orders.UpdateOrder(ctx, orders.UpdateRequest{
		Phone:           p.PhoneNumber,
		OrderID:         p.OrderID,
		Items:           p.Items,
		DeliveryAddress: p.DeliveryAddress,
		PaymentMethod:   p.PaymentMethod,
		Notes:           p.Notes,
	})
	if err != nil {
		return orderFailure(ctx, err)
	}
	effect := &convctx.Patch{LastTopic: convctx.TopicOrderEdit, Phase: convctx.PhaseConfirming}
	if len(p.Items) > 0 {
		effect.CurrentOrderItems = orderLines(o)
	}
	out := Success(viewOf(o), effect)
	out.Duration = time.Since(start)
	return out, nil
}

// =============================================================================
// cancel_order / delete_order
// =============================================================================

type orderRefParams struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
	OrderID     int    `json:"order_id" validate:"gt=0"`
}

type cancelOrderTool struct{ orders orders.Service }

// NewCancelOrderTool creates the cancel_order tool.
func NewCancelOrderTool(svc orders.Service) Tool {
	if svc == nil {
		panic("tools.NewCancelOrderTool: service must not be nil")
	}
	return &cancelOrderTool{orders: svc}
}

func (t *cancelOrderTool) Name() string              { return CancelOrderToolName }
func (t *cancelOrderTool) NeedsConversationID() bool { return true }

func (t *cancelOrderTool) Definition() llm.ToolDef {
	return functionDef(CancelOrderToolName,
		"Cancela un pedido que aún no fue entregado.",
		objectSchema(map[string]llm.ToolParamDef{
			IdentityParam: phoneParam,
			"order_id":    orderIDParam,
		}, "order_id"),
	)
}

func (t *cancelOrderTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	var p orderRefParams
	if err := bindArgs(CancelOrderToolName, args, &p); err != nil {
		return Failure(err.Error(), nil), nil
	}
	o, err := t.orders.CancelOrder(ctx, p.PhoneNumber, p.OrderID)
	if err != nil {
		return orderFailure(ctx, err)
	}
	return Success(viewOf(o), &convctx.Patch{
		CurrentOrderItems: map[string]convctx.OrderLine{},
		LastTopic:         convctx.TopicOrderEdit,
	}), nil
}

type deleteOrderTool struct{ orders orders.Service }

// NewDeleteOrderTool creates the delete_order tool.
func NewDeleteOrderTool(svc orders.Service) Tool {
	if svc == nil {
		panic("tools.NewDeleteOrderTool: service must not be nil")
	}
	return &deleteOrderTool{orders: svc}
}

func (t *deleteOrderTool) Name() string              { return DeleteOrderToolName }
func (t *deleteOrderTool) NeedsConversationID() bool { return true }

func (t *deleteOrderTool) Definition() llm.ToolDef {
	return functionDef(DeleteOrderToolName,
		"Elimina un pedido pendiente por completo. Para pedidos ya confirmados usa cancel_order.",
		objectSchema(map[string]llm.ToolParamDef{
			IdentityParam: phoneParam,
			"order_id":    orderIDParam,
		}, "order_id"),
	)
}

func (t *deleteOrderTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	var p orderRefParams
	if err := bindArgs(DeleteOrderToolName, args, &p); err != nil {
		return Failure(err.Error(), nil), nil
	}
	if err := t.orders.DeleteOrder(ctx, p.PhoneNumber, p.OrderID); err != nil {
		return orderFailure(ctx, err)
	}
	return Success(map[string]any{
		"message": fmt.Sprintf("Pedido %d eliminado con éxito", p.OrderID),
	}, &convctx.Patch{
		CurrentOrderItems: map[string]convctx.OrderLine{},
		LastTopic:         convctx.TopicOrderEdit,
	}), nil
}

// =============================================================================
// get_order_status
// =============================================================================

type orderStatusParams struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
	OrderID     int    `json:"order_id,omitempty" validate:"gte=0"`
}

// OrderListOutput is the data of get_order_status without an order id.
type OrderListOutput struct {
	Orders      []OrderView `json:"orders"`
	TotalOrders int         `json:"total_orders"`
}

type getOrderStatusTool struct{ orders orders.Service }

// NewGetOrderStatusTool creates the get_order_status tool.
func NewGetOrderStatusTool(svc orders.Service) Tool {
	if svc == nil {
		panic("tools.NewGetOrderStatusTool: service must not be nil")
	}
	return &getOrderStatusTool{orders: svc}
}

func (t *getOrderStatusTool) Name() string              { return GetOrderStatusToolName }
func (t *getOrderStatusTool) NeedsConversationID() bool { return true }

func (t *getOrderStatusTool) Definition() llm.ToolDef {
	return functionDef(GetOrderStatusToolName,
		"Consulta el estado de un pedido. Sin order_id devuelve los últimos pedidos del cliente.",
		objectSchema(map[string]llm.ToolParamDef{
			IdentityParam: phoneParam,
			"order_id":    orderIDParam,
		}),
	)
}

// Execute reads orders. It has no context effect.
func (t *getOrderStatusTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	var p orderStatusParams
	if err := bindArgs(GetOrderStatusToolName, args, &p); err != nil {
		return Failure(err.Error(), nil), nil
	}
	if p.OrderID > 0 {
		o, err := t.orders.Order(ctx, p.PhoneNumber, p.OrderID)
		if err != nil {
			return orderFailure(ctx, err)
		}
		return Success(viewOf(o), nil), nil
	}
	list, err := t.orders.RecentOrders(ctx, p.PhoneNumber)
	if err != nil {
		return orderFailure(ctx, err)
	}
	out := OrderListOutput{Orders: make([]OrderView, 0, len(list)), TotalOrders: len(list)}
	for _, o := range list {
		out.Orders = append(out.Orders, viewOf(o))
	}
	return Success(out, nil), nil
}
