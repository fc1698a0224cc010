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
	"log/slog"

	"github.com/AleutianAI/orderbot/services/orderbot/orders"
)

// Deps are the collaborators of the standard tool set.
type Deps struct {
	Catalog    Searcher
	Normalizer Normalizer
	Orders     orders.Service
	Contexts   ContextReader
	Logger     *slog.Logger
}

// NewDefaultRegistry registers every orderbot tool. Search comes first so
// it heads the list offered to the model.
func NewDefaultRegistry(d Deps) (*Registry, error) {
	r := NewRegistry()
	for _, t := range []Tool{
		NewSearchProductsTool(d.Catalog, d.Normalizer, d.Logger),
		NewGetMenuTool(d.Orders),
		NewCreateOrderTool(d.Orders),
		NewUpdateOrderTool(d.Orders),
		NewCancelOrderTool(d.Orders),
		NewDeleteOrderTool(d.Orders),
		NewGetOrderStatusTool(d.Orders),
		NewContextDumpTool(d.Contexts),
	} {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}
