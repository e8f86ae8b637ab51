package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_AllVariablesNonNil(t *testing.T) {
	t.Parallel()

	vars := []struct {
		name string
		val  any
	}{
		{"FramesSent", FramesSent},
		{"FramesReceived", FramesReceived},
		{"ExchangeLatency", ExchangeLatency},
		{"Timeouts", Timeouts},
		{"Resyncs", Resyncs},
		{"Mismatches", Mismatches},
		{"Reconnects", Reconnects},
		{"SamplesFolded", SamplesFolded},
		{"SamplesRejected", SamplesRejected},
		{"MapWrites", MapWrites},
		{"CellsCommitted", CellsCommitted},
		{"EngineRPM", EngineRPM},
		{"EngineAFR", EngineAFR},
	}

	for _, v := range vars {
		assert.NotNilf(t, v.val, "%s should not be nil", v.name)
	}
}

func TestMetrics_CounterIncrementNoPanic(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() { FramesSent.WithLabelValues("test").Inc() })
	assert.NotPanics(t, func() { FramesReceived.WithLabelValues("test").Inc() })
	assert.NotPanics(t, func() { ExchangeLatency.WithLabelValues("test").Observe(0.01) })
	assert.NotPanics(t, func() { Mismatches.WithLabelValues("test").Inc() })
	assert.NotPanics(t, func() { SamplesRejected.WithLabelValues("wot").Inc() })
	assert.NotPanics(t, func() { Resyncs.Inc() })
	assert.NotPanics(t, func() { Reconnects.Inc() })
	assert.NotPanics(t, func() { MapWrites.Inc() })
	assert.NotPanics(t, func() { CellsCommitted.Add(3) })
}

func TestMetrics_GaugeSet(t *testing.T) {
	EngineRPM.Set(850)
	EngineAFR.Set(14.7)

	assert.Equal(t, 850.0, testutil.ToFloat64(EngineRPM))
	assert.Equal(t, 14.7, testutil.ToFloat64(EngineAFR))
}
