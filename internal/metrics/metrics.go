package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Protocol engine counters, partitioned by request name where useful.

var (
	// Link
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powerfc",
		Subsystem: "link",
		Name:      "frames_sent_total",
		Help:      "Total requests and map writes transmitted",
	}, []string{"request"})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powerfc",
		Subsystem: "link",
		Name:      "frames_received_total",
		Help:      "Total complete response frames received",
	}, []string{"request"})

	ExchangeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "powerfc",
		Subsystem: "link",
		Name:      "exchange_duration_seconds",
		Help:      "Time from transmit to complete response",
		Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 0.7},
	}, []string{"request"})

	Timeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "powerfc",
		Subsystem: "link",
		Name:      "timeouts_total",
		Help:      "Total response timeouts (transport resets)",
	})

	Resyncs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "powerfc",
		Subsystem: "link",
		Name:      "resyncs_total",
		Help:      "Total times leading garbage was discarded from the receive buffer",
	})

	Mismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powerfc",
		Subsystem: "link",
		Name:      "protocol_mismatches_total",
		Help:      "Total frames rejected on checksum, length or id",
	}, []string{"request"})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "powerfc",
		Subsystem: "link",
		Name:      "reconnects_total",
		Help:      "Total transport reopen attempts",
	})

	// Autotune
	SamplesFolded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "powerfc",
		Subsystem: "autotune",
		Name:      "samples_folded_total",
		Help:      "Total AFR samples added to the accumulator",
	})

	SamplesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powerfc",
		Subsystem: "autotune",
		Name:      "samples_rejected_total",
		Help:      "Total AFR samples suppressed, by gate",
	}, []string{"gate"})

	MapWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "powerfc",
		Subsystem: "autotune",
		Name:      "map_writes_total",
		Help:      "Total fuel map write sequences started",
	})

	CellsCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "powerfc",
		Subsystem: "autotune",
		Name:      "cells_committed_total",
		Help:      "Total fuel cells adopted after a write sequence",
	})

	// Engine
	EngineRPM = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "powerfc",
		Subsystem: "engine",
		Name:      "rpm",
		Help:      "Last decoded engine speed",
	})

	EngineAFR = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "powerfc",
		Subsystem: "engine",
		Name:      "afr",
		Help:      "Last calibrated wideband AFR",
	})
)
