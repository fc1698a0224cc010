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

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// measurement is the InfluxDB measurement turn events are written to.
const measurement = "orderbot_events"

// InfluxSink writes records as points to an InfluxDB v2 bucket.
//
// Writes are blocking so a failed write surfaces to the Emitter, which logs
// it.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// NewInfluxSink connects to url with token and writes to org/bucket.
func NewInfluxSink(url, token, org, bucket string) (*InfluxSink, error) {
	if url == "" || org == "" || bucket == "" {
		return nil, fmt.Errorf("telemetry: influx url, org and bucket are required")
	}
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
	}, nil
}

// Write implements Sink.
func (s *InfluxSink) Write(ctx context.Context, r Record) error {
	tags := map[string]string{
		"kind":         r.Kind,
		"conversation": r.Conversation,
	}
	if r.Tool != "" {
		tags["tool"] = r.Tool
	}
	if r.Outcome != "" {
		tags["outcome"] = r.Outcome
	}
	fields := map[string]any{
		"count":       1,
		"duration_ms": r.Duration.Milliseconds(),
	}
	if r.Reason != "" {
		fields["reason"] = r.Reason
	}
	if r.TurnID != "" {
		fields["turn_id"] = r.TurnID
	}
	for k, v := range r.Fields {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	p := influxdb2.NewPoint(measurement, tags, fields, r.Time)
	if err := s.write.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("telemetry: influx write: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}
