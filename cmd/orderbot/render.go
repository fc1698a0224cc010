// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/orderbot/services/orderbot/dispatch"
)

var (
	colorAccent = lipgloss.Color("#20B9B4")
	colorMuted  = lipgloss.Color("#2C4A54")
	colorError  = lipgloss.Color("#E74C3C")

	botStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle = lipgloss.NewStyle().Foreground(colorError)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).
			Border(lipgloss.RoundedBorder()).BorderForeground(colorMuted).Padding(0, 1)
)

// renderReply formats a reply for the terminal: the text, then one line per
// image with its caption.
func renderReply(r dispatch.FinalReply) string {
	var b strings.Builder
	b.WriteString(botStyle.Render("bot> "))
	if r.TextMessage != "" {
		b.WriteString(r.TextMessage)
	}
	for _, img := range r.Images {
		b.WriteString("\n     ")
		if img.Caption != "" {
			b.WriteString(img.Caption + " ")
		}
		b.WriteString(mutedStyle.Render("[" + img.URL + "]"))
	}
	return b.String()
}

func renderError(msg string) string {
	return errorStyle.Render("error: " + msg)
}

func renderBanner(conversationID, model string) string {
	return titleStyle.Render("orderbot chat") + "\n" +
		mutedStyle.Render("conversación "+conversationID+" · modelo "+model+" · Ctrl+D para salir")
}
