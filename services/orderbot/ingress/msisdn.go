// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingress

import "strings"

const whatsappPrefix = "whatsapp:"

// NormalizeMSISDN turns a channel address such as "whatsapp:+573001234567"
// into the bare E.164 form "+573001234567". Surrounding spaces are removed
// and a missing "+" is added. Empty input stays empty.
func NormalizeMSISDN(addr string) string {
	s := strings.TrimSpace(addr)
	if len(s) >= len(whatsappPrefix) && strings.EqualFold(s[:len(whatsappPrefix)], whatsappPrefix) {
		s = strings.TrimSpace(s[len(whatsappPrefix):])
	}
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, "+") {
		s = "+" + s
	}
	return s
}

// ChannelAddress is the inverse of NormalizeMSISDN.
func ChannelAddress(msisdn string) string {
	return whatsappPrefix + NormalizeMSISDN(msisdn)
}
