// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/AleutianAI/orderbot/services/llm"
	"github.com/AleutianAI/orderbot/services/orderbot/convctx"
	"github.com/AleutianAI/orderbot/services/orderbot/resolve"
	"github.com/AleutianAI/orderbot/services/orderbot/telemetry"
)

const systemPrompt = `Eres el asistente de pedidos por WhatsApp de una tienda de paves. Respondes en español, breve y amable (1 a 2 frases).

HERRAMIENTAS:
- Puedes usar como máximo UNA herramienta por mensaje.
- Usa search_products antes de dar precios o disponibilidad; nunca inventes productos ni precios.
- Para crear, modificar, cancelar o consultar pedidos usa la herramienta correspondiente. El número del cliente se agrega solo; no lo pidas.
- Si faltan datos para un pedido (producto, tamaño, cantidad, dirección o medio de pago), pregunta SOLO por lo que falta.
- Si el mensaje trae "Referencias resueltas", úsalas tal cual; ya fueron verificadas contra el catálogo.

FORMATO DE RESPUESTA (solo JSON válido, sin texto fuera del JSON):
{"type":"text","text_message":"¡Hola! ¿En qué puedo ayudarte?"}
{"type":"images","images":[{"url":"https://ejemplo.com/menu.jpg","caption":"Menú del día"}]}
{"type":"combined","text_message":"Aquí tienes nuestro menú:","images":[{"url":"https://ejemplo.com/menu.jpg","caption":"Menú vigente"}]}

REGLAS:
- NUNCA inventes URLs de imágenes. Usa solo image_url devueltas por las herramientas; si no hay, responde con type "text".
- Una vez definido el pedido, confirma el resumen y luego pide la dirección y el medio de pago.
- No repitas información ya confirmada.`

// replyPrompt closes the turn after a tool ran.
const replyPrompt = `Ya tienes el resultado de la herramienta. No pidas otra herramienta: responde al cliente con el formato JSON indicado. Si el resultado trae "success": false, explica el problema en palabras sencillas y sugiere cómo seguir.`

// userPrompt is the customer's message. The number is masked; tools get the
// real one from the turn scope.
func userPrompt(conversationID, text string) string {
	return fmt.Sprintf("Usuario %s dice: %s", telemetry.MaskID(conversationID), text)
}

// contextPrompt describes the stored context and the resolver's result.
// Empty when there is nothing worth telling the model.
func contextPrompt(cc convctx.ConversationContext, out resolve.Outcome) string {
	var b strings.Builder

	if len(cc.LastDiscussedProducts) > 0 {
		names := make([]string, 0, len(cc.LastDiscussedProducts))
		for _, p := range cc.LastDiscussedProducts {
			names = append(names, p.Name)
		}
		fmt.Fprintf(&b, "Productos conversados recientemente: %s.\n", strings.Join(names, ", "))
	}
	if len(cc.CurrentOrderItems) > 0 {
		b.WriteString("Pedido en curso:")
		for _, key := range slices.Sorted(maps.Keys(cc.CurrentOrderItems)) {
			line := cc.CurrentOrderItems[key]
			fmt.Fprintf(&b, " [product_id %s: %d", key, line.Quantity)
			if line.SizeOz > 0 {
				fmt.Fprintf(&b, " de %d oz", line.SizeOz)
			}
			b.WriteString("]")
		}
		b.WriteString(".\n")
	}
	if !cc.IsEmpty() {
		fmt.Fprintf(&b, "Último tema: %s.\nEtapa: %s.\n", cc.LastTopic, cc.Phase)
	}

	if out.IsResolved() && len(out.Items) > 0 {
		b.WriteString("Referencias resueltas:")
		for _, it := range out.Items {
			fmt.Fprintf(&b, " [%d x %s", it.Quantity, it.Name)
			if it.SizeOz > 0 {
				fmt.Fprintf(&b, " %d oz", it.SizeOz)
			}
			fmt.Fprintf(&b, " (%s)]", it.Source)
		}
		b.WriteString(".\n")
	} else if len(out.Candidates) > 0 {
		names := make([]string, 0, len(out.Candidates))
		for _, c := range out.Candidates {
			names = append(names, c.Name)
		}
		fmt.Fprintf(&b, "Posibles productos: %s.\n", strings.Join(names, ", "))
	}

	if b.Len() == 0 {
		return ""
	}
	return "CONTEXTO DE LA CONVERSACIÓN\n" + b.String()
}

// phase1Messages builds the first request of a turn.
func phase1Messages(conversationID, text string, cc convctx.ConversationContext, out resolve.Outcome) []llm.ChatMessage {
	msgs := make([]llm.ChatMessage, 0, 3)
	msgs = append(msgs, llm.ChatMessage{Role: llm.RoleSystem, Content: systemPrompt})
	if note := contextPrompt(cc, out); note != "" {
		msgs = append(msgs, llm.ChatMessage{Role: llm.RoleSystem, Content: note})
	}
	msgs = append(msgs, llm.ChatMessage{Role: llm.RoleUser, Content: userPrompt(conversationID, text)})
	return msgs
}

// phase2Messages extends the first request with the one tool call and its
// result.
func phase2Messages(phase1 []llm.ChatMessage, call llm.ToolCallResponse, result string) []llm.ChatMessage {
	msgs := slices.Clone(phase1)
	return append(msgs,
		llm.ChatMessage{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCallResponse{call}},
		llm.ChatMessage{Role: llm.RoleTool, ToolCallID: call.ID, ToolName: call.Name, Content: result},
		llm.ChatMessage{Role: llm.RoleSystem, Content: replyPrompt},
	)
}
