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

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/url"
	"slices"
	"strings"
)

// SignatureHeader carries the webhook signature.
const SignatureHeader = "X-Twilio-Signature"

var (
	// ErrMissingSignature is returned when the request carries no signature.
	ErrMissingSignature = errors.New("ingress: missing signature")

	// ErrInvalidSignature is returned when the signature does not match.
	ErrInvalidSignature = errors.New("ingress: invalid signature")
)

// ComputeSignature returns the base64 HMAC-SHA1 of the full request URL
// followed by every form parameter, sorted by name, as name+value pairs.
func ComputeSignature(authToken, fullURL string, form url.Values) string {
	var b strings.Builder
	b.WriteString(fullURL)
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against the expected value in constant
// time.
func VerifySignature(authToken, fullURL string, form url.Values, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	expected := ComputeSignature(authToken, fullURL, form)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
