// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orderbot

import (
	"encoding/xml"

	"github.com/AleutianAI/orderbot/services/orderbot/dispatch"
)

// twimlResponse is the messaging provider's XML reply document.
type twimlResponse struct {
	XMLName  xml.Name       `xml:"Response"`
	Messages []twimlMessage `xml:"Message"`
}

type twimlMessage struct {
	Body  string `xml:"Body,omitempty"`
	Media string `xml:"Media,omitempty"`
}

// renderTwiML converts a reply into messages. Text goes first; each image
// follows as its own message with the caption as body.
func renderTwiML(r *dispatch.FinalReply) ([]byte, error) {
	var resp twimlResponse
	if r != nil {
		if r.TextMessage != "" {
			resp.Messages = append(resp.Messages, twimlMessage{Body: r.TextMessage})
		}
		for _, img := range r.Images {
			resp.Messages = append(resp.Messages, twimlMessage{Body: img.Caption, Media: img.URL})
		}
	}
	out, err := xml.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
