// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orders

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/orderbot/services/orderbot/catalog"
)

// Products is the slice of the catalog the order service needs.
type Products interface {
	VariantByID(id int) (catalog.Item, bool)
	Products() []catalog.Product
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// MemoryService keeps orders in process memory.
//
// # Thread Safety
//
// Safe for concurrent use.
type MemoryService struct {
	products Products
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	nextID  int
	orders  map[int]*Order
	byPhone map[string][]int
}

// NewMemoryService creates an empty MemoryService priced from products.
func NewMemoryService(products Products, logger *slog.Logger) *MemoryService {
	if products == nil {
		panic("orders.NewMemoryService: products must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryService{
		products: products,
		logger:   logger,
		now:      time.Now,
		nextID:   1,
		orders:   make(map[int]*Order),
		byPhone:  make(map[string][]int),
	}
}

// Menu returns every available variant, sorted by name then size.
func (s *MemoryService) Menu(ctx context.Context) ([]MenuItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []MenuItem
	for _, p := range s.products.Products() {
		for _, v := range p.Variants {
			if !v.Available {
				continue
			}
			out = append(out, MenuItem{
				ID:          v.ID,
				Name:        p.Name,
				Ingredients: p.Ingredients,
				SizeOz:      v.SizeOz,
				PriceCents:  v.PriceCents,
				Emoji:       p.Emoji,
			})
		}
	}
	slices.SortStableFunc(out, func(a, b MenuItem) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.SizeOz, b.SizeOz))
	})
	return out, nil
}

// CreateOrder prices and stores a new pending order.
//
// Lines that name unknown or unavailable products, or carry a negative
// quantity, are skipped and reported in CreateResult.Skipped. The order is
// rejected only when no line survives.
func (s *MemoryService) CreateOrder(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return CreateResult{}, err
	}
	if len(req.Items) == 0 {
		return CreateResult{}, &ItemsError{}
	}
	if len(req.Items) > MaxItems {
		return CreateResult{}, ErrTooManyItems
	}
	if err := validateRequest(req); err != nil {
		return CreateResult{}, err
	}
	pm, ok := ParsePaymentMethod(req.PaymentMethod)
	if !ok {
		return CreateResult{}, &PaymentMethodError{Value: req.PaymentMethod}
	}
	lines, invalid := s.priceItems(req.Items)
	if len(lines) == 0 {
		return CreateResult{}, &ItemsError{Invalid: invalid}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o := &Order{
		ID:              s.nextID,
		Phone:           req.Phone,
		Status:          StatusPending,
		PaymentMethod:   pm,
		DeliveryAddress: req.DeliveryAddress,
		Notes:           req.Notes,
		Items:           lines,
		TotalCents:      total(lines),
		CreatedAt:       s.now(),
	}
	s.nextID++
	s.orders[o.ID] = o
	s.byPhone[req.Phone] = append(s.byPhone[req.Phone], o.ID)

	s.logger.Info("order created",
		slog.Int("order_id", o.ID),
		slog.Int("lines", len(lines)),
		slog.Int("skipped", len(invalid)),
		slog.Int64("total_cents", o.TotalCents),
	)
	return CreateResult{Order: cloneOrder(o), Skipped: invalid}, nil
}

// UpdateOrder changes a pending order. Items, when given, replace the whole
// item list.
func (s *MemoryService) UpdateOrder(ctx context.Context, req UpdateRequest) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	if len(req.Items) > MaxItems {
		return Order{}, ErrTooManyItems
	}
	if err := validateRequest(req); err != nil {
		return Order{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookupLocked(req.Phone, req.OrderID)
	if err != nil {
		return Order{}, err
	}
	if !o.Status.Editable() {
		return Order{}, ErrNotEditable
	}

	var pm PaymentMethod
	if req.PaymentMethod != "" {
		var ok bool
		if pm, ok = ParsePaymentMethod(req.PaymentMethod); !ok {
			return Order{}, &PaymentMethodError{Value: req.PaymentMethod}
		}
	}
	var lines []LineItem
	if len(req.Items) > 0 {
		var invalid []InvalidItem
		lines, invalid = s.priceItems(req.Items)
		if len(lines) == 0 {
			return Order{}, &ItemsError{Invalid: invalid}
		}
	}

	if req.DeliveryAddress != "" {
		o.DeliveryAddress = req.DeliveryAddress
	}
	if req.Notes != "" {
		o.Notes = req.Notes
	}
	if pm != "" {
		o.PaymentMethod = pm
	}
	if lines != nil {
		o.Items = lines
		o.TotalCents = total(lines)
	}
	return cloneOrder(o), nil
}

// CancelOrder moves an order to StatusCancelled unless it was already
// delivered or cancelled.
func (s *MemoryService) CancelOrder(ctx context.Context, phone string, orderID int) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookupLocked(phone, orderID)
	if err != nil {
		return Order{}, err
	}
	if !o.Status.Cancellable() {
		return Order{}, &CancelError{Status: o.Status}
	}
	o.Status = StatusCancelled
	return cloneOrder(o), nil
}

// DeleteOrder removes a pending order.
func (s *MemoryService) DeleteOrder(ctx context.Context, phone string, orderID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookupLocked(phone, orderID)
	if err != nil {
		return err
	}
	if o.Status != StatusPending {
		return ErrNotDeletable
	}
	delete(s.orders, orderID)
	s.byPhone[phone] = slices.DeleteFunc(s.byPhone[phone], func(id int) bool { return id == orderID })
	return nil
}

// Order returns one of the customer's orders.
func (s *MemoryService) Order(ctx context.Context, phone string, orderID int) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.lookupLocked(phone, orderID)
	if err != nil {
		return Order{}, err
	}
	return cloneOrder(o), nil
}

// RecentOrders returns the customer's last RecentLimit orders, newest first.
func (s *MemoryService) RecentOrders(ctx context.Context, phone string) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.byPhone[phone]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	out := make([]Order, 0, min(len(ids), RecentLimit))
	for i := len(ids) - 1; i >= 0 && len(out) < RecentLimit; i-- {
		out = append(out, cloneOrder(s.orders[ids[i]]))
	}
	return out, nil
}

// SetStatus moves an order to any status. It is the kitchen's side of the
// lifecycle and is not exposed as a tool.
func (s *MemoryService) SetStatus(orderID int, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = status
	return nil
}

func (s *MemoryService) lookupLocked(phone string, orderID int) (*Order, error) {
	if _, ok := s.byPhone[phone]; !ok {
		return nil, ErrCustomerNotFound
	}
	o, ok := s.orders[orderID]
	if !ok || o.Phone != phone {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

func (s *MemoryService) priceItems(items []ItemRequest) ([]LineItem, []InvalidItem) {
	var (
		lines   []LineItem
		invalid []InvalidItem
	)
	for i, it := range items {
		qty := it.Quantity
		if qty == 0 {
			qty = 1
		}
		var reason string
		item, ok := s.products.VariantByID(it.ProductID)
		switch {
		case it.ProductID <= 0:
			reason = "Invalid product_id"
		case qty < 0:
			reason = "Invalid quantity"
		case !ok:
			reason = fmt.Sprintf("Product %d not found", it.ProductID)
		case !item.Available:
			reason = fmt.Sprintf("Product %d not available", it.ProductID)
		}
		if reason != "" {
			invalid = append(invalid, InvalidItem{Index: i, ProductID: it.ProductID, Error: reason})
			continue
		}
		lines = append(lines, LineItem{
			ProductID:     item.ID,
			Name:          item.Name,
			SizeOz:        item.SizeOz,
			Quantity:      qty,
			UnitCents:     item.PriceCents,
			SubtotalCents: item.PriceCents * int64(qty),
			Notes:         it.Notes,
		})
	}
	return lines, invalid
}

// validateRequest checks struct tags but leaves per-item problems to
// priceItems, which skips bad lines instead of failing the order.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			if isItemField(fe.Namespace()) {
				continue
			}
			return &ValidationError{Err: fmt.Errorf("%s: %s", fe.Field(), fe.Tag())}
		}
		return nil
	}
	return &ValidationError{Err: err}
}

// isItemField matches namespaces like "CreateRequest.Items[3].ProductID".
func isItemField(ns string) bool { return strings.Contains(ns, ".Items[") }

func total(lines []LineItem) int64 {
	var t int64
	for _, l := range lines {
		t += l.SubtotalCents
	}
	return t
}

func cloneOrder(o *Order) Order {
	out := *o
	out.Items = slices.Clone(o.Items)
	return out
}

var _ Service = (*MemoryService)(nil)
