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
	"fmt"
	"time"

	"github.com/AleutianAI/orderbot/services/llm"
	"github.com/AleutianAI/orderbot/services/orderbot/convctx"
	"github.com/AleutianAI/orderbot/services/orderbot/orders"
)

// MenuToolName lists everything on sale.
const MenuToolName = "get_menu"

// MenuEntry is one line of the menu as the model sees it.
type MenuEntry struct {
	orders.MenuItem
	Price string `json:"price"`
}

// MenuOutput is the data of get_menu.
type MenuOutput struct {
	MenuItems  []MenuEntry `json:"menu_items"`
	TotalItems int         `json:"total_items"`
}

type getMenuTool struct {
	orders orders.Service
}

// NewGetMenuTool creates the get_menu tool.
func NewGetMenuTool(svc orders.Service) Tool {
	if svc == nil {
		panic("tools.NewGetMenuTool: service must not be nil")
	}
	return &getMenuTool{orders: svc}
}

func (t *getMenuTool) Name() string { return MenuToolName }

func (t *getMenuTool) NeedsConversationID() bool { return false }

func (t *getMenuTool) Definition() llm.ToolDef {
	return functionDef(MenuToolName,
		"Devuelve el menú completo de pavés disponibles con precios por tamaño. "+
			"Úsala cuando el cliente pida el menú o no sepa qué quiere.",
		objectSchema(map[string]llm.ToolParamDef{}),
	)
}

// Execute lists the menu. Showing the whole menu does not narrow the
// discussed products, so only the phase changes.
func (t *getMenuTool) Execute(ctx context.Context, _ map[string]any) (*Result, error) {
	start := time.Now()
	items, err := t.orders.Menu(ctx)
	if err != nil {
		return nil, fmt.Errorf("get_menu: %w", err)
	}
	out := MenuOutput{MenuItems: make([]MenuEntry, 0, len(items)), TotalItems: len(items)}
	for _, it := range items {
		out.MenuItems = append(out.MenuItems, MenuEntry{MenuItem: it, Price: formatPesos(it.PriceCents)})
	}
	res := Success(out, &convctx.Patch{Phase: convctx.PhaseBrowsing})
	res.Duration = time.Since(start)
	return res, nil
}
