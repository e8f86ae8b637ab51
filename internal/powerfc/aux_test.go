package powerfc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuxCalibration_Convert(t *testing.T) {
	t.Parallel()

	afr := AuxCalibration{AtZero: 10, AtMax: 20}
	tests := []struct {
		name     string
		pos, neg float64
		want     float64
	}{
		{"zero", 0, 0, 10},
		{"full scale", 5, 0, 20},
		{"mid", 2.5, 0, 15},
		{"differential", 3.0, 0.5, 15},
		{"negative difference", 0, 1, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, afr.Convert(tt.pos, tt.neg), 1e-9)
		})
	}
}

func TestAuxCalibrator_Apply(t *testing.T) {
	t.Parallel()

	a := NewAuxCalibrator([]AuxCalibration{
		{AtZero: 0, AtMax: 5},
		{AtZero: 10, AtMax: 20},
	})
	out := a.Apply([]float64{1.0, 0.0, 2.5, 0.0, 4.0, 1.0, 0, 0})

	assert.True(t, out[0].Valid)
	assert.InDelta(t, 1.0, out[0].Value, 1e-9)
	assert.InDelta(t, 15.0, out[1].Value, 1e-9)
	assert.InDelta(t, 2.5, out[1].Volts, 1e-9)
	// Unconfigured channels have both endpoints at zero.
	assert.True(t, out[2].Valid)
	assert.Zero(t, out[2].Value)
}

func TestAuxCalibrator_WhiteDatalogitHasTwoChannels(t *testing.T) {
	t.Parallel()

	a := NewAuxCalibrator(DefaultConfig().Aux)
	out := a.Apply([]float64{1, 0, 2.5, 0})
	assert.True(t, out[0].Valid)
	assert.True(t, out[1].Valid)
	assert.False(t, out[2].Valid)
	assert.False(t, out[3].Valid)
}

func TestAuxCalibrator_RollingAverage(t *testing.T) {
	t.Parallel()

	a := NewAuxCalibrator([]AuxCalibration{{}, {}, {AtZero: 0, AtMax: 5, Smooth: true}})
	volts := func(v float64) []float64 { return []float64{0, 0, 0, 0, v, 0, 0, 0} }

	for i := 1; i < auxAverageLen; i++ {
		out := a.Apply(volts(float64(i)))
		assert.Falsef(t, out[2].Valid, "sample %d", i)
	}
	out := a.Apply(volts(10))
	require.True(t, out[2].Valid)
	assert.InDelta(t, 5.5, out[2].Value, 1e-9) // mean of 1..10

	out = a.Apply(volts(21))
	require.True(t, out[2].Valid)
	assert.InDelta(t, 7.5, out[2].Value, 1e-9) // 1 replaced by 21

	a.SetCalibration(a.Calibration())
	out = a.Apply(volts(1))
	assert.False(t, out[2].Valid, "history reset")
}

func TestAuxVolts(t *testing.T) {
	t.Parallel()

	black := frameOf(idAux,
		0x01, 0x04, // 1025 raw = 5 V
		0x00, 0x00,
		0xCD, 0x00, // 205 raw = 1 V
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	volts, err := AuxVolts(black)
	require.NoError(t, err)
	require.Len(t, volts, 8)
	assert.InDelta(t, 5.0, volts[0], 1e-9)
	assert.InDelta(t, 1.0, volts[2], 1e-9)

	white := frameOf(idAuxV1, 0xFF, 0x00, 0x33, 0x00)
	volts, err = AuxVolts(white)
	require.NoError(t, err)
	require.Len(t, volts, 4)
	assert.InDelta(t, 5.0, volts[0], 1e-9)
	assert.InDelta(t, 1.0, volts[2], 1e-9)

	_, err = AuxVolts(frameOf(idBasic, 0x00))
	assert.ErrorIs(t, err, ErrProtocolMismatch)
	_, err = AuxVolts(frameOf(idAux, 0x00))
	assert.ErrorIs(t, err, ErrProtocolMismatch)
}
