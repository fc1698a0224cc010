// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import "unicode/utf8"

// maskPrefix replaces everything but the last four characters of an id.
const maskPrefix = "•••"

// MaskID reduces a conversation id to "•••" plus its last four characters.
// Ids of four characters or fewer are masked entirely.
//
// Examples:
//
//	MaskID("+573001234567") // "•••4567"
//	MaskID("123")           // "•••"
func MaskID(id string) string {
	n := utf8.RuneCountInString(id)
	if n <= 4 {
		return maskPrefix
	}
	r := []rune(id)
	return maskPrefix + string(r[n-4:])
}
