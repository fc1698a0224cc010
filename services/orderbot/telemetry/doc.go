// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry sets up tracing and metrics for orderbot and carries
// turn events to their sinks.
//
// # Masking
//
// Conversation ids are phone numbers. Every event leaves this package with
// the id reduced to MaskID form, and Sink implementations only ever see a
// Record, which has no field for the raw id.
//
// # Backends
//
// Traces go to OTLP/gRPC, stdout, or nowhere. OTel metrics go to the
// Prometheus registry (served on /metrics together with the promauto
// collectors) or stdout. Turn events go to slog and, when enabled, to
// InfluxDB.
//
// # Thread Safety
//
// Init is called once at startup. Everything else is safe for concurrent use.
package telemetry
