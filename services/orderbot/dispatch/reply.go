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
	"encoding/json"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kaptinlin/jsonrepair"
)

// ReplyType is the shape of a FinalReply.
type ReplyType string

const (
	ReplyText     ReplyType = "text"
	ReplyImages   ReplyType = "images"
	ReplyCombined ReplyType = "combined"
)

// DefaultMaxImages caps the images of one reply.
const DefaultMaxImages = 5

// Fixed replies.
const (
	// ApologyReply is sent when the model cannot be reached.
	ApologyReply = "Tuvimos un problema momentáneo. Intenta de nuevo."

	// ErrorReply is sent when the turn could not be completed safely.
	ErrorReply = "Ocurrió un error. Intenta de nuevo en unos momentos."

	// FallbackReply stands in for a reply the model left empty.
	FallbackReply = "¿En qué puedo ayudarte?"
)

// Image is one picture of a reply.
type Image struct {
	URL     string `json:"url"`
	Caption string `json:"caption"`
}

// FinalReply is what the customer receives. Fields that do not apply to
// Type are left empty and omitted from JSON.
type FinalReply struct {
	Type        ReplyType `json:"type"`
	TextMessage string    `json:"text_message,omitempty"`
	Images      []Image   `json:"images,omitempty"`
}

// TextReply builds a text reply.
func TextReply(msg string) FinalReply {
	if strings.TrimSpace(msg) == "" {
		msg = FallbackReply
	}
	return FinalReply{Type: ReplyText, TextMessage: msg}
}

// Text is the reply flattened to one message, captions included. Used by
// channels that cannot send media.
func (r FinalReply) Text() string {
	parts := make([]string, 0, len(r.Images)+1)
	if r.TextMessage != "" {
		parts = append(parts, r.TextMessage)
	}
	for _, img := range r.Images {
		if img.Caption != "" {
			parts = append(parts, img.Caption+": "+img.URL)
		} else {
			parts = append(parts, img.URL)
		}
	}
	return strings.Join(parts, "\n")
}

type rawReply struct {
	Type        string          `json:"type"`
	TextMessage string          `json:"text_message"`
	Images      json.RawMessage `json:"images"`
}

var urlValidate = validator.New()

// ShapeReply turns model output into a FinalReply.
//
// # Description
//
// Content that is a JSON object with a "type" of text, images or combined
// is taken as a structured reply; anything else is plain text. Malformed
// JSON (truncation, trailing commas, single quotes) is repaired before it
// is given up on. Images must
// be http(s) URLs, invalid entries are dropped and at most maxImages are
// kept (DefaultMaxImages when maxImages <= 0). A reply left with no images
// degrades to text.
func ShapeReply(content string, maxImages int) FinalReply {
	if maxImages <= 0 {
		maxImages = DefaultMaxImages
	}
	body := stripFence(strings.TrimSpace(content))
	if !strings.HasPrefix(body, "{") {
		return TextReply(body)
	}
	raw, ok := decodeReply(body)
	if !ok {
		return TextReply(body)
	}

	text := strings.TrimSpace(raw.TextMessage)
	switch ReplyType(raw.Type) {
	case ReplyText:
		return TextReply(text)
	case ReplyImages, ReplyCombined:
		images := cleanImages(raw.Images, maxImages)
		if len(images) == 0 {
			return TextReply(text)
		}
		if ReplyType(raw.Type) == ReplyImages {
			return FinalReply{Type: ReplyImages, Images: images}
		}
		if text == "" {
			text = FallbackReply
		}
		return FinalReply{Type: ReplyCombined, TextMessage: text, Images: images}
	default:
		if text != "" {
			return TextReply(text)
		}
		return TextReply(body)
	}
}

func decodeReply(body string) (rawReply, bool) {
	var raw rawReply
	if err := json.Unmarshal([]byte(body), &raw); err == nil {
		return raw, true
	}
	repaired, err := jsonrepair.JSONRepair(body)
	if err != nil {
		return rawReply{}, false
	}
	if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
		return rawReply{}, false
	}
	return raw, true
}

func cleanImages(data json.RawMessage, limit int) []Image {
	if len(data) == 0 {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil
	}
	out := make([]Image, 0, min(len(items), limit))
	for _, item := range items {
		if len(out) == limit {
			break
		}
		var img Image
		if err := json.Unmarshal(item, &img); err != nil {
			continue
		}
		img.URL = strings.TrimSpace(img.URL)
		if urlValidate.Var(img.URL, "required,http_url") != nil {
			continue
		}
		out = append(out, img)
	}
	return out
}

// stripFence removes a ```json ... ``` wrapper some models add.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
