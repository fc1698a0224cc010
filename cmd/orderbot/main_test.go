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
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/orderbot/services/orderbot/dispatch"
)

func TestLineReader(t *testing.T) {
	r := NewLineReader(strings.NewReader("  hola \nquiero dos\nsin salto"))

	for _, want := range []string{"hola", "quiero dos", "sin salto"} {
		got, err := r.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRenderReply(t *testing.T) {
	out := renderReply(dispatch.FinalReply{
		Type:        dispatch.ReplyCombined,
		TextMessage: "Mira",
		Images:      []dispatch.Image{{URL: "https://img.example.com/a.jpg", Caption: "Arequipe"}},
	})
	assert.Contains(t, out, "Mira")
	assert.Contains(t, out, "Arequipe")
	assert.Contains(t, out, "https://img.example.com/a.jpg")
}

func TestChatIdentity_FlagWins(t *testing.T) {
	id, err := chatIdentity("whatsapp:573001234567")
	require.NoError(t, err)
	assert.Equal(t, "+573001234567", id)
}

func TestRootCommands(t *testing.T) {
	names := make([]string, 0, len(rootCmd.Commands()))
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "chat", "ask"})
}
