// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingress guards the inbound messaging edge: webhook signature
// checks, sender address normalization, duplicate delivery suppression and
// per-sender rate limits.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/orderbot/services/orderbot/telemetry"
)

// RateLimitedReply is sent to a sender over the per-minute limit.
const RateLimitedReply = "Demasiados mensajes. Espera un momento."

var rejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orderbot",
		Subsystem: "ingress",
		Name:      "rejections_total",
		Help:      "Inbound messages not dispatched, by reason.",
	},
	[]string{"reason"},
)

// Inbound is one message received from the messaging provider.
type Inbound struct {
	MessageID string
	From      string
	Body      string
	NumMedia  int
}

// ParseForm reads the provider's webhook form fields. From is normalized.
func ParseForm(form url.Values) Inbound {
	n, _ := strconv.Atoi(form.Get("NumMedia"))
	return Inbound{
		MessageID: form.Get("MessageSid"),
		From:      NormalizeMSISDN(form.Get("From")),
		Body:      strings.TrimSpace(form.Get("Body")),
		NumMedia:  n,
	}
}

// Verdict is what the gate decided about a message.
type Verdict int

const (
	// Accept means the message should be dispatched.
	Accept Verdict = iota

	// Duplicate means the message id was already claimed.
	Duplicate

	// RateLimited means the sender is over the per-minute limit.
	RateLimited

	// Empty means there is no sender or no text to dispatch.
	Empty
)

// String returns the metric label for v.
func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case RateLimited:
		return "rate_limited"
	case Empty:
		return "empty"
	default:
		return "unknown"
	}
}

// Decision is the gate's verdict plus the wait for a rate-limited sender.
type Decision struct {
	Verdict    Verdict
	RetryAfter time.Duration
}

// Gate admits inbound messages.
//
// Thread Safety: Safe for concurrent use.
type Gate struct {
	limiter *RateLimiter
	claims  ClaimStore
	logger  *slog.Logger
}

// NewGate creates a gate. claims may be nil to skip duplicate suppression.
func NewGate(limiter *RateLimiter, claims ClaimStore, logger *slog.Logger) *Gate {
	if limiter == nil {
		limiter = NewRateLimiter(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{limiter: limiter, claims: claims, logger: logger}
}

// Admit decides whether msg should be dispatched. Duplicates are checked
// before the rate limit so a redelivery never consumes the sender's budget.
func (g *Gate) Admit(ctx context.Context, msg Inbound) (Decision, error) {
	if msg.From == "" || msg.Body == "" {
		return g.reject(Decision{Verdict: Empty}, msg), nil
	}

	if g.claims != nil && msg.MessageID != "" {
		first, err := g.claims.Claim(ctx, msg.MessageID)
		if err != nil {
			return Decision{}, fmt.Errorf("ingress: admit: %w", err)
		}
		if !first {
			return g.reject(Decision{Verdict: Duplicate}, msg), nil
		}
	}

	if ok, wait := g.limiter.Allow(msg.From); !ok {
		return g.reject(Decision{Verdict: RateLimited, RetryAfter: wait}, msg), nil
	}
	return Decision{Verdict: Accept}, nil
}

// Forget releases msg's claim after a failure that should let the provider's
// redelivery through.
func (g *Gate) Forget(ctx context.Context, msg Inbound) {
	if g.claims == nil || msg.MessageID == "" {
		return
	}
	if err := g.claims.Release(ctx, msg.MessageID); err != nil {
		g.logger.Warn("releasing message claim failed", slog.String("error", err.Error()))
	}
}

func (g *Gate) reject(d Decision, msg Inbound) Decision {
	rejectionsTotal.WithLabelValues(d.Verdict.String()).Inc()
	g.logger.Info("inbound message not dispatched",
		slog.String("reason", d.Verdict.String()),
		slog.String("from", telemetry.MaskID(msg.From)),
		slog.Duration("retry_after", d.RetryAfter),
	)
	return d
}

// Sweep drops idle rate-limit windows.
func (g *Gate) Sweep() int {
	return g.limiter.Sweep()
}
