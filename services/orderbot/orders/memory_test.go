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
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/orderbot/services/orderbot/catalog"
	"github.com/AleutianAI/orderbot/services/orderbot/config"
)

const phone = "+573001234567"

func newTestService(t *testing.T) (*MemoryService, *catalog.MemoryCatalog) {
	t.Helper()
	menu, err := config.DefaultMenu()
	require.NoError(t, err)
	cat, err := catalog.FromMenu(menu)
	require.NoError(t, err)
	return NewMemoryService(cat, nil), cat
}

func createOne(t *testing.T, s *MemoryService) Order {
	t.Helper()
	res, err := s.CreateOrder(context.Background(), CreateRequest{
		Phone:           phone,
		Items:           []ItemRequest{{ProductID: 1, Quantity: 2}, {ProductID: 4}},
		DeliveryAddress: "Calle 10 # 5-20",
		PaymentMethod:   "Nequi",
	})
	require.NoError(t, err)
	return res.Order
}

func TestParsePaymentMethod(t *testing.T) {
	tests := []struct {
		in   string
		want PaymentMethod
		ok   bool
	}{
		{"efectivo", PaymentCash, true},
		{"  CASH ", PaymentCash, true},
		{"Dinero", PaymentCash, true},
		{"debito", PaymentCard, true},
		{"card", PaymentCard, true},
		{"transferencia bancaria", PaymentTransfer, true},
		{"nequi", PaymentTransfer, true},
		{"banco", PaymentTransfer, true},
		{"bitcoin", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParsePaymentMethod(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryService_CreateOrder(t *testing.T) {
	s, _ := newTestService(t)

	o := createOne(t, s)

	assert.Equal(t, 1, o.ID)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, PaymentTransfer, o.PaymentMethod)
	require.Len(t, o.Items, 2)
	assert.Equal(t, 2, o.Items[0].Quantity)
	assert.Equal(t, int64(1600000), o.Items[0].SubtotalCents)
	assert.Equal(t, 1, o.Items[1].Quantity, "quantity defaults to one")
	assert.Equal(t, 16, o.Items[1].SizeOz)
	assert.Equal(t, int64(3200000), o.TotalCents)
}

func TestMemoryService_CreateOrder_SkipsInvalidLines(t *testing.T) {
	s, cat := newTestService(t)
	require.NoError(t, cat.SetAvailable(3, false))

	res, err := s.CreateOrder(context.Background(), CreateRequest{
		Phone: phone,
		Items: []ItemRequest{
			{ProductID: 1},
			{ProductID: 99},
			{ProductID: 3},
			{ProductID: 2, Quantity: -1},
		},
		DeliveryAddress: "Calle 1",
		PaymentMethod:   "efectivo",
	})
	require.NoError(t, err)

	require.Len(t, res.Order.Items, 1)
	require.Len(t, res.Skipped, 3)
	assert.Equal(t, "Product 99 not found", res.Skipped[0].Error)
	assert.Equal(t, "Product 3 not available", res.Skipped[1].Error)
	assert.Equal(t, "Invalid quantity", res.Skipped[2].Error)
	assert.Equal(t, 3, res.Skipped[2].Index)
}

func TestMemoryService_CreateOrder_Rejections(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	base := CreateRequest{
		Phone:           phone,
		Items:           []ItemRequest{{ProductID: 1}},
		DeliveryAddress: "Calle 1",
		PaymentMethod:   "efectivo",
	}

	t.Run("no valid items", func(t *testing.T) {
		req := base
		req.Items = []ItemRequest{{ProductID: 99}}
		_, err := s.CreateOrder(ctx, req)
		require.ErrorIs(t, err, ErrNoValidItems)
		var ie *ItemsError
		require.True(t, errors.As(err, &ie))
		assert.Len(t, ie.Invalid, 1)
	})

	t.Run("empty items", func(t *testing.T) {
		req := base
		req.Items = nil
		_, err := s.CreateOrder(ctx, req)
		assert.ErrorIs(t, err, ErrNoValidItems)
	})

	t.Run("too many items", func(t *testing.T) {
		req := base
		req.Items = make([]ItemRequest, MaxItems+1)
		for i := range req.Items {
			req.Items[i] = ItemRequest{ProductID: 1}
		}
		_, err := s.CreateOrder(ctx, req)
		assert.ErrorIs(t, err, ErrTooManyItems)
	})

	t.Run("bad payment method", func(t *testing.T) {
		req := base
		req.PaymentMethod = "trueque"
		_, err := s.CreateOrder(ctx, req)
		require.Error(t, err)
		assert.Equal(t, "Método de pago inválido: trueque", err.Error())
	})

	t.Run("missing address", func(t *testing.T) {
		req := base
		req.DeliveryAddress = ""
		_, err := s.CreateOrder(ctx, req)
		var ve *ValidationError
		assert.True(t, errors.As(err, &ve))
	})

	t.Run("address too long", func(t *testing.T) {
		req := base
		req.DeliveryAddress = strings.Repeat("á", MaxAddressLen+1)
		_, err := s.CreateOrder(ctx, req)
		var ve *ValidationError
		assert.True(t, errors.As(err, &ve))
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.CreateOrder(cctx, base)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryService_UpdateOrder(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	o := createOne(t, s)

	updated, err := s.UpdateOrder(ctx, UpdateRequest{
		Phone:         phone,
		OrderID:       o.ID,
		Items:         []ItemRequest{{ProductID: 6, Quantity: 3}},
		PaymentMethod: "tarjeta",
	})
	require.NoError(t, err)

	assert.Equal(t, PaymentCard, updated.PaymentMethod)
	assert.Equal(t, o.DeliveryAddress, updated.DeliveryAddress, "empty fields are kept")
	require.Len(t, updated.Items, 1)
	assert.Equal(t, int64(4800000), updated.TotalCents)

	t.Run("not pending", func(t *testing.T) {
		require.NoError(t, s.SetStatus(o.ID, StatusPreparing))
		_, err := s.UpdateOrder(ctx, UpdateRequest{Phone: phone, OrderID: o.ID, Notes: "sin azúcar"})
		assert.ErrorIs(t, err, ErrNotEditable)
	})

	t.Run("someone else's order", func(t *testing.T) {
		_, err := s.UpdateOrder(ctx, UpdateRequest{Phone: "+570000000000", OrderID: o.ID})
		assert.ErrorIs(t, err, ErrCustomerNotFound)
	})
}

func TestMemoryService_UpdateOrder_InvalidPaymentLeavesOrder(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	o := createOne(t, s)

	_, err := s.UpdateOrder(ctx, UpdateRequest{
		Phone:           phone,
		OrderID:         o.ID,
		DeliveryAddress: "Otra dirección",
		PaymentMethod:   "trueque",
	})
	var pe *PaymentMethodError
	require.True(t, errors.As(err, &pe))

	got, err := s.Order(ctx, phone, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.DeliveryAddress, got.DeliveryAddress)
}

func TestMemoryService_CancelOrder(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	o := createOne(t, s)

	got, err := s.CancelOrder(ctx, phone, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = s.CancelOrder(ctx, phone, o.ID)
	require.Error(t, err)
	assert.Equal(t, "No se puede cancelar el pedido en estado: cancelado", err.Error())

	_, err = s.CancelOrder(ctx, phone, 42)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMemoryService_DeleteOrder(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	first := createOne(t, s)
	second := createOne(t, s)

	require.NoError(t, s.SetStatus(second.ID, StatusConfirmed))
	assert.ErrorIs(t, s.DeleteOrder(ctx, phone, second.ID), ErrNotDeletable)

	require.NoError(t, s.DeleteOrder(ctx, phone, first.ID))
	_, err := s.Order(ctx, phone, first.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	recent, err := s.RecentOrders(ctx, phone)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, second.ID, recent[0].ID)
}

func TestMemoryService_RecentOrders(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.RecentOrders(ctx, phone)
	assert.ErrorIs(t, err, ErrCustomerNotFound)

	for range 7 {
		createOne(t, s)
	}
	recent, err := s.RecentOrders(ctx, phone)
	require.NoError(t, err)
	require.Len(t, recent, RecentLimit)
	assert.Equal(t, 7, recent[0].ID, "newest first")
	assert.Equal(t, 3, recent[4].ID)
}

func TestMemoryService_Menu(t *testing.T) {
	s, cat := newTestService(t)
	require.NoError(t, cat.SetAvailable(8, false))

	menu, err := s.Menu(context.Background())
	require.NoError(t, err)

	assert.Len(t, menu, 7)
	for i := 1; i < len(menu); i++ {
		assert.LessOrEqual(t, menu[i-1].Name, menu[i].Name)
	}
	for _, m := range menu {
		assert.NotEqual(t, 8, m.ID)
	}
}

func TestMemoryService_ConcurrentCreates(t *testing.T) {
	s, _ := newTestService(t)
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateOrder(context.Background(), CreateRequest{
				Phone:           phone,
				Items:           []ItemRequest{{ProductID: 1}},
				DeliveryAddress: "Calle 1",
				PaymentMethod:   "efectivo",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.orders, 20)
	assert.Equal(t, 21, s.nextID)
}
