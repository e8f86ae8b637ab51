package powerfc

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func idleState() EngineState {
	return EngineState{CoolantC: 82, RPM: 850, ThrottleV: 0.45, SpeedKph: 0, At: t0}
}

func closedLoopConfig() TuneConfig {
	cfg := DefaultTuneConfig()
	cfg.ClosedLoop = true
	return cfg
}

func TestAutotune_Gates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		closed bool
		afr    float64
		mutate func(*EngineState)
		want   Gate
	}{
		{"all pass", true, 14.2, func(*EngineState) {}, GateNone},
		{"closed loop off", false, 14.2, func(*EngineState) {}, GateClosedLoopOff},
		{"afr lean", true, 20.5, func(*EngineState) {}, GateAFRRange},
		{"afr rich", true, 9.5, func(*EngineState) {}, GateAFRRange},
		{"cold", true, 14.2, func(s *EngineState) { s.CoolantC = 50 }, GateColdEngine},
		{"rpm low", true, 14.2, func(s *EngineState) { s.RPM = 300 }, GateRPMRange},
		{"rpm high", true, 14.2, func(s *EngineState) { s.RPM = 2500 }, GateRPMRange},
		{"wot", true, 14.2, func(s *EngineState) { s.ThrottleV = 0.8 }, GateWOT},
		{"moving", true, 14.2, func(s *EngineState) { s.SpeedKph = 12 }, GateMoving},
		{"first failing gate wins", true, 25, func(s *EngineState) { s.CoolantC = 20 }, GateAFRRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := closedLoopConfig()
			cfg.ClosedLoop = tt.closed
			m := NewFuelMap(8)
			a := NewAutotune(cfg, m)

			st := idleState()
			tt.mutate(&st)
			d, err := a.Evaluate(4, 2, tt.afr, st)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Gate)
			assert.Equal(t, tt.want == GateNone, d.Folded)
			assert.Equal(t, tt.want.String(), d.Reason)

			_, n := m.Average(2, 4)
			if tt.want == GateNone {
				assert.Equal(t, 1, n)
			} else {
				assert.Zero(t, n)
			}
		})
	}
}

func TestAutotune_ThrottleTransient(t *testing.T) {
	t.Parallel()

	m := NewFuelMap(8)
	a := NewAutotune(closedLoopConfig(), m)

	st := idleState()
	st.ThrottleV = 0.1
	d, err := a.Evaluate(4, 2, 14.2, st)
	require.NoError(t, err)
	assert.True(t, d.Folded)
	assert.Zero(t, d.TPSRate)

	// 0.45 V in 50 ms is 7 V/s.
	st = idleState()
	st.At = t0.Add(50 * time.Millisecond)
	d, err = a.Evaluate(4, 2, 14.2, st)
	require.NoError(t, err)
	assert.Equal(t, GateThrottleTransient, d.Gate)
	assert.InDelta(t, 7.0, d.TPSRate, 1e-6)

	// Steady throttle after the transient.
	st.At = t0.Add(150 * time.Millisecond)
	d, err = a.Evaluate(4, 2, 14.2, st)
	require.NoError(t, err)
	assert.True(t, d.Folded)
}

func TestAutotune_OutOfRange(t *testing.T) {
	t.Parallel()

	m := NewFuelMap(8)
	a := NewAutotune(closedLoopConfig(), m)

	d, err := a.Evaluate(20, 3, 14.2, idleState())
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.Equal(t, GateOutOfRange, d.Gate)
	assert.False(t, d.Folded)
	assert.Zero(t, m.Samples())
}

func addSamples(t *testing.T, m *FuelMap, rpmIdx, loadIdx, n int, afr float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, m.AddSample(rpmIdx, loadIdx, afr))
	}
}

func TestAutotune_RecomputeCandidate(t *testing.T) {
	t.Parallel()

	m := NewFuelMap(8)
	loadGrid(t, m, uniformGrid(2.0))
	a := NewAutotune(closedLoopConfig(), m)

	addSamples(t, m, 0, 0, 10, 18.0)   // lean, clamped to +10%
	addSamples(t, m, 1, 0, 10, 13.965) // 5% rich
	addSamples(t, m, 2, 0, 10, 14.8)   // within the dead band
	addSamples(t, m, 3, 0, 9, 18.0)    // not enough samples
	addSamples(t, m, 4, 0, 10, 9.0)    // rich, clamped to -10%

	changed := a.RecomputeCandidate()
	assert.Equal(t, 3, changed)

	assert.InDelta(t, 2.2, m.Candidate(0, 0), 1e-9)
	assert.InDelta(t, 1.9, m.Candidate(0, 1), 1e-9)
	assert.InDelta(t, 2.0, m.Candidate(0, 2), 1e-9)
	assert.InDelta(t, 2.0, m.Candidate(0, 3), 1e-9)
	assert.InDelta(t, 1.8, m.Candidate(0, 4), 1e-9)

	for row := 0; row < TableSize; row++ {
		for col := 0; col < TableSize; col++ {
			cur := m.Current(row, col)
			step := math.Abs(m.Candidate(row, col)-cur) / cur
			assert.LessOrEqual(t, step, a.Config().MaxStep+1e-9)
		}
	}
}

func TestAutotune_ShouldStartWrite(t *testing.T) {
	t.Parallel()

	m := NewFuelMap(8)
	loadGrid(t, m, uniformGrid(2.0))
	a := NewAutotune(closedLoopConfig(), m)

	assert.False(t, a.ShouldStartWrite(), "no samples yet")

	// 5 changed cells at exactly 100 samples.
	for col := 0; col < 5; col++ {
		addSamples(t, m, col, 0, 19, 16.0)
	}
	assert.False(t, a.ShouldStartWrite(), "95 samples")
	addSamples(t, m, 0, 0, 5, 16.0)
	require.Equal(t, int64(100), m.Samples())
	assert.True(t, a.ShouldStartWrite())
	assert.False(t, a.ShouldStartWrite(), "one attempt per sample count")
}

func TestAutotune_ShouldStartWrite_TooFewCells(t *testing.T) {
	t.Parallel()

	m := NewFuelMap(8)
	loadGrid(t, m, uniformGrid(2.0))
	a := NewAutotune(closedLoopConfig(), m)

	for col := 0; col < 4; col++ {
		addSamples(t, m, col, 0, 25, 16.0)
	}
	require.Equal(t, int64(100), m.Samples())
	assert.False(t, a.ShouldStartWrite())
}

func TestAutotune_ShouldStartWrite_SamplePending(t *testing.T) {
	t.Parallel()

	m := NewFuelMap(8)
	a := NewAutotune(closedLoopConfig(), m)
	m.QueueSampleWrite(SampleFuelMap())
	assert.True(t, a.ShouldStartWrite())

	m.NextWrite(a.ShouldStartWrite)
	assert.False(t, a.ShouldStartWrite(), "already writing")
}

func TestAutotune_WriteAllowed(t *testing.T) {
	t.Parallel()

	a := NewAutotune(closedLoopConfig(), NewFuelMap(8))
	assert.True(t, a.WriteAllowed(0.45))
	assert.False(t, a.WriteAllowed(0.6))
	assert.False(t, a.WriteAllowed(2.5))

	a.SetClosedLoop(false)
	assert.False(t, a.WriteAllowed(0.45))
}

func TestAutotune_WriteAllowed_SampleWithoutClosedLoop(t *testing.T) {
	t.Parallel()

	m := NewFuelMap(1)
	a := NewAutotune(DefaultTuneConfig(), m)
	require.False(t, a.Config().ClosedLoop)
	assert.False(t, a.WriteAllowed(0.45))

	m.QueueSampleWrite(SampleFuelMap())
	assert.True(t, a.WriteAllowed(0.45))
	assert.False(t, a.WriteAllowed(0.6), "near WOT still blocks")
}

func TestAutotune_SetConfigUpdatesChunkLimit(t *testing.T) {
	t.Parallel()

	m := NewFuelMap(8)
	a := NewAutotune(DefaultTuneConfig(), m)
	assert.Equal(t, 1, m.ChunkLimit())

	cfg := a.Config()
	cfg.WriteChunks = 8
	a.SetConfig(cfg)
	assert.Equal(t, 8, m.ChunkLimit())
}
