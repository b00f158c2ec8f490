// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

// Package metrics holds the Prometheus instrumentation for the reader
// pipeline: connection state, ingest/batch throughput, persistence
// outcomes, health probes, and alert volume.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reader connection metrics.
	ReaderConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tagstream_reader_connection_state",
			Help: "Connection state per reader (0=disconnected 1=connecting 2=connected 3=error)",
		},
		[]string{"reader"},
	)

	ReaderReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagstream_reader_reconnects_total",
			Help: "Total reconnect attempts per reader",
		},
		[]string{"reader"},
	)

	ReaderCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tagstream_reader_command_duration_seconds",
			Help:    "Round-trip time of reader commands",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"reader", "command"},
	)

	ReaderCommandTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagstream_reader_command_timeouts_total",
			Help: "Commands that timed out waiting for a response",
		},
		[]string{"reader"},
	)

	ProtocolParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagstream_protocol_parse_errors_total",
			Help: "Malformed frames discarded per reader",
		},
		[]string{"reader"},
	)

	// Ingest and batching metrics.
	EventsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagstream_events_ingested_total",
			Help: "Read events accepted into the pipeline",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagstream_events_dropped_total",
			Help: "Read events dropped because the ingest queue was full",
		},
	)

	BatchesSealed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagstream_batches_sealed_total",
			Help: "Batches sealed, by trigger (size or age)",
		},
		[]string{"trigger"},
	)

	BatchesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagstream_batches_persisted_total",
			Help: "Batches committed to the store",
		},
	)

	BatchesFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagstream_batches_failed_total",
			Help: "Batches that exhausted persistence retries",
		},
	)

	BatchPersistDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tagstream_batch_persist_duration_seconds",
			Help:    "Duration of batch persistence",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeadLetteredEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagstream_dead_lettered_events_total",
			Help: "Events written to the dead-letter store",
		},
	)

	// Derivation metrics.
	MovementsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagstream_movements_recorded_total",
			Help: "Movement records created from zone changes",
		},
	)

	CollisionsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagstream_collisions_detected_total",
			Help: "Collision events per reader",
		},
		[]string{"reader"},
	)

	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagstream_rule_evaluations_total",
			Help: "Rule evaluations by rule and outcome (fired or passed)",
		},
		[]string{"rule", "outcome"},
	)

	// Health metrics.
	ProbeRTT = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tagstream_probe_rtt_seconds",
			Help:    "Health probe round-trip time per reader",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"reader"},
	)

	ReaderTemperature = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tagstream_reader_temperature_celsius",
			Help: "Last reported reader temperature",
		},
		[]string{"reader"},
	)

	// Alerts.
	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagstream_alerts_raised_total",
			Help: "Alerts raised by type and severity",
		},
		[]string{"type", "severity"},
	)

	// Outbound stream.
	OutboundPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tagstream_outbound_published_total",
			Help: "Events published to the outbound stream, by kind",
		},
		[]string{"kind"},
	)

	OutboundPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tagstream_outbound_publish_errors_total",
			Help: "Failed outbound publishes (including breaker rejections)",
		},
	)
)
